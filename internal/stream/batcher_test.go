package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcher_MinFlushSize(t *testing.T) {
	b := NewBatcher(BatchConfig{
		MaxBatchSize:  10,
		MinFlushSize:  5,
		FlushInterval: time.Hour,
	}, nil, nil)
	defer b.Close()

	for _, tok := range []string{"A", "B", "C", "D"} {
		assert.Nil(t, b.AddToken("s", tok, TokenMetadata{}))
	}
	assert.Nil(t, b.TakeBatch("s", false), "four tokens are under the minimum")
	assert.Equal(t, 4, b.Pending("s"))

	assert.Nil(t, b.AddToken("s", "E", TokenMetadata{}))
	batch := b.TakeBatch("s", false)
	require.NotNil(t, batch)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, batch.Tokens)
	assert.Equal(t, FlushTaken, batch.Reason)
	assert.Zero(t, b.Pending("s"))
}

func TestBatcher_ForcedFlushKeepsOrder(t *testing.T) {
	b := NewBatcher(BatchConfig{MaxBatchSize: 100, FlushInterval: time.Hour}, NewBufferPool(BufferPoolConfig{}, nil), nil)
	defer b.Close()

	tokens := []string{"The", " quick", " brown", " fox", " jumps", " over", " it"}
	for i, tok := range tokens {
		b.AddToken("s", tok, TokenMetadata{TokenCount: i + 1})
	}

	batch := b.TakeBatch("s", true)
	require.NotNil(t, batch)
	assert.Equal(t, tokens, batch.Tokens)
	require.Len(t, batch.Metadata, len(tokens))
	for i, meta := range batch.Metadata {
		assert.Equal(t, i+1, meta.TokenCount)
	}
	assert.Equal(t, len(strings.Join(tokens, "")), batch.TotalLength)
	assert.Equal(t, "The quick brown fox jumps over it", batch.Text())
	assert.Equal(t, len(tokens), batch.Latest().TokenCount)
	assert.Equal(t, FlushForced, batch.Reason)
}

func TestBatcher_FlushPolicy(t *testing.T) {
	t.Run("priority keyword flushes immediately", func(t *testing.T) {
		b := NewBatcher(BatchConfig{FlushInterval: time.Hour}, nil, nil)
		defer b.Close()

		assert.Nil(t, b.AddToken("s", "working on it", TokenMetadata{}))
		batch := b.AddToken("s", " Task COMPLETE", TokenMetadata{})

		require.NotNil(t, batch)
		assert.Equal(t, FlushPriority, batch.Reason)
		assert.Equal(t, []string{"working on it", " Task COMPLETE"}, batch.Tokens)
		assert.Zero(t, b.Stats().ActiveBatches)
		assert.Equal(t, int64(1), b.Stats().Flushes[FlushPriority])
	})

	t.Run("max batch size", func(t *testing.T) {
		b := NewBatcher(BatchConfig{MaxBatchSize: 3, FlushInterval: time.Hour}, nil, nil)
		defer b.Close()

		assert.Nil(t, b.AddToken("s", "a", TokenMetadata{}))
		assert.Nil(t, b.AddToken("s", "b", TokenMetadata{}))
		batch := b.AddToken("s", "c", TokenMetadata{})

		require.NotNil(t, batch)
		assert.Equal(t, FlushSize, batch.Reason)
	})

	t.Run("buffer capacity", func(t *testing.T) {
		buffers := NewBufferPool(BufferPoolConfig{}, nil)
		b := NewBatcher(BatchConfig{BufferSize: 10, FlushInterval: time.Hour}, buffers, nil)
		defer b.Close()

		assert.Nil(t, b.AddToken("s", "1234", TokenMetadata{}))
		assert.Equal(t, 1, buffers.Stats().InUse)

		batch := b.AddToken("s", "56789", TokenMetadata{})
		require.NotNil(t, batch)
		assert.Equal(t, FlushCapacity, batch.Reason)
		assert.Equal(t, "123456789", batch.Text())
		assert.Zero(t, buffers.Stats().InUse, "flush returns the buffer")
	})

	t.Run("min size reached after interval", func(t *testing.T) {
		clock := newFakeClock()
		b := NewBatcher(BatchConfig{MinFlushSize: 2, FlushInterval: 50 * time.Millisecond}, nil, nil)
		b.now = clock.Now
		defer b.Close()

		assert.Nil(t, b.AddToken("s", "a", TokenMetadata{}))
		clock.Advance(100 * time.Millisecond)
		batch := b.AddToken("s", "b", TokenMetadata{})

		require.NotNil(t, batch)
		assert.Equal(t, FlushInterval, batch.Reason)
	})
}

func TestBatcher_TimerSignalsDue(t *testing.T) {
	b := NewBatcher(BatchConfig{FlushInterval: 20 * time.Millisecond}, nil, nil)
	defer b.Close()

	due := b.Due("s")
	assert.Nil(t, b.AddToken("s", "slow", TokenMetadata{}))

	select {
	case <-due:
	case <-time.After(time.Second):
		t.Fatal("flush timer never fired")
	}

	batch := b.TakeBatch("s", true)
	require.NotNil(t, batch)
	assert.Equal(t, []string{"slow"}, batch.Tokens)
}

func TestBatcher_Discard(t *testing.T) {
	buffers := NewBufferPool(BufferPoolConfig{}, nil)
	b := NewBatcher(BatchConfig{FlushInterval: time.Hour}, buffers, nil)
	defer b.Close()

	b.AddToken("s", "x", TokenMetadata{})
	b.Discard("s")

	assert.Nil(t, b.TakeBatch("s", true))
	assert.Zero(t, b.Stats().ActiveBatches)
	assert.Zero(t, buffers.Stats().InUse)
}

func TestBatcher_StreamsAreIndependent(t *testing.T) {
	b := NewBatcher(BatchConfig{FlushInterval: time.Hour}, nil, nil)
	defer b.Close()

	b.AddToken("one", "a", TokenMetadata{})
	b.AddToken("two", "b", TokenMetadata{})
	b.AddToken("one", "c", TokenMetadata{})

	stats := b.Stats()
	assert.Equal(t, 2, stats.ActiveBatches)
	assert.Equal(t, 3, stats.PendingTokens)

	assert.Equal(t, []string{"a", "c"}, b.TakeBatch("one", true).Tokens)
	assert.Equal(t, []string{"b"}, b.TakeBatch("two", true).Tokens)
}

func TestBatcher_NewTokenClearsExpiredSignal(t *testing.T) {
	b := NewBatcher(BatchConfig{MinFlushSize: 5, FlushInterval: 10 * time.Millisecond}, nil, nil)
	defer b.Close()

	due := b.Due("s")
	b.AddToken("s", "a", TokenMetadata{})
	require.Eventually(t, func() bool { return len(due) == 1 }, time.Second, time.Millisecond)

	assert.Nil(t, b.AddToken("s", "b", TokenMetadata{}))
	assert.Zero(t, len(due), "the restarted timer owns the next signal")

	select {
	case <-due:
	case <-time.After(time.Second):
		t.Fatal("restarted timer never fired")
	}
	assert.Equal(t, []string{"a", "b"}, b.TakeBatch("s", true).Tokens)
}

func TestBatcher_FlushClearsExpiredSignal(t *testing.T) {
	b := NewBatcher(BatchConfig{MaxBatchSize: 2, FlushInterval: 10 * time.Millisecond}, nil, nil)
	defer b.Close()

	due := b.Due("s")
	b.AddToken("s", "a", TokenMetadata{})
	require.Eventually(t, func() bool { return len(due) == 1 }, time.Second, time.Millisecond)

	batch := b.AddToken("s", "b", TokenMetadata{})
	require.NotNil(t, batch)
	assert.Equal(t, FlushSize, batch.Reason)
	assert.Zero(t, len(due))
}

func TestBatcher_Drop(t *testing.T) {
	buffers := NewBufferPool(BufferPoolConfig{}, nil)
	b := NewBatcher(BatchConfig{FlushInterval: time.Hour}, buffers, nil)
	defer b.Close()

	due := b.Due("s")
	b.AddToken("s", "draft", TokenMetadata{})
	b.AddToken("s", " text", TokenMetadata{})

	assert.Equal(t, 2, b.Drop("s"))
	assert.Zero(t, b.Drop("s"))
	assert.Zero(t, buffers.Stats().InUse)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Zero(t, stats.Flushes[FlushForced], "dropped tokens are not a flush")
	assert.Zero(t, stats.ActiveBatches)
	assert.Equal(t, due, b.Due("s"), "the due channel survives a drop")
}
