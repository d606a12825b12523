package stream

import "sync"

// readBufferSize is the size of the scratch buffer used for each body read.
const readBufferSize = 4 * 1024

// readBufferPool recycles the scratch buffers the SSE reader fills from the
// response body. Unlike BufferPool it is untracked: buffers live only for
// the duration of one attempt and are reclaimed by the runtime.
//
// Memory Behavior:
//   - Buffers are allocated on heap (required for sync.Pool)
//   - Oversized buffers are dropped on Put instead of being retained
type readBufferPool struct {
	pool *sync.Pool
	size int
}

func newReadBufferPool(size int) *readBufferPool {
	if size <= 0 {
		size = readBufferSize
	}
	return &readBufferPool{
		size: size,
		pool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// Get returns a buffer of full length size. Contents are undefined.
func (p *readBufferPool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:cap(*buf)]
	return buf
}

// Put returns a buffer for reuse. Nil is a no-op.
func (p *readBufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) > p.size*4 {
		return
	}
	p.pool.Put(buf)
}

var sharedReadBuffers = newReadBufferPool(readBufferSize)
