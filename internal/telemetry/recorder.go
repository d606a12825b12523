// Package telemetry keeps rolling-window performance counters for streamed
// requests and mirrors them into prometheus collectors.
package telemetry

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmstream"

// Request outcomes used as the status label.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Sample describes one finished request.
type Sample struct {
	At         time.Time
	Latency    time.Duration
	FirstToken time.Duration
	Bytes      int64
	Attempts   int
	Outcome    string
}

// Snapshot is a derived view over the current window.
type Snapshot struct {
	Requests            int     `json:"requests"`
	Errors              int     `json:"errors"`
	Cancelled           int     `json:"cancelled"`
	ErrorRate           float64 `json:"errorRate"`
	AvgLatencyMs        float64 `json:"avgLatencyMs"`
	P95LatencyMs        float64 `json:"p95LatencyMs"`
	AvgFirstTokenMs     float64 `json:"avgFirstTokenMs"`
	ThroughputBytesPerS float64 `json:"throughputBytesPerSec"`
	RequestsPerMinute   int     `json:"requestsPerMinute"`
	Retries             int64   `json:"retries"`
	PoolUtilization     float64 `json:"poolUtilization"`
	BufferUtilization   float64 `json:"bufferUtilization"`
}

// Recorder accumulates samples in a bounded window.
type Recorder struct {
	mu                sync.Mutex
	window            int
	samples           []Sample
	retries           int64
	poolUtilization   float64
	bufferUtilization float64
	now               func() time.Time

	requestsTotal *prometheus.CounterVec
	latency       prometheus.Histogram
	firstToken    prometheus.Histogram
	bytesTotal    prometheus.Counter
	retriesTotal  prometheus.Counter
	poolUtil      prometheus.Gauge
	bufferUtil    prometheus.Gauge
	activeStreams prometheus.Gauge
}

// NewRecorder creates a Recorder keeping the last window samples. When reg
// is non-nil the prometheus collectors are registered on it.
func NewRecorder(window int, reg prometheus.Registerer) *Recorder {
	if window <= 0 {
		window = 100
	}
	r := &Recorder{
		window:  window,
		samples: make([]Sample, 0, window),
		now:     time.Now,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_requests_total",
				Help:      "Total number of streamed requests by outcome",
			},
			[]string{"status"},
		),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Streamed request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		firstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_first_token_seconds",
			Help:      "Time to first content token in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Total response bytes read",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_retries_total",
			Help:      "Total retry attempts",
		}),
		poolUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_pool_utilization",
			Help:      "Connection pool utilization (0-1)",
		}),
		bufferUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_pool_utilization",
			Help:      "Buffer pool utilization (0-1)",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently holding a connection slot",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.requestsTotal,
			r.latency,
			r.firstToken,
			r.bytesTotal,
			r.retriesTotal,
			r.poolUtil,
			r.bufferUtil,
			r.activeStreams,
		)
	}
	return r
}

// RecordRequest adds a finished request to the window.
func (r *Recorder) RecordRequest(s Sample) {
	if s.At.IsZero() {
		s.At = r.now()
	}
	if s.Outcome == "" {
		s.Outcome = OutcomeSuccess
	}

	r.mu.Lock()
	if len(r.samples) >= r.window {
		r.samples = slices.Delete(r.samples, 0, len(r.samples)-r.window+1)
	}
	r.samples = append(r.samples, s)
	r.mu.Unlock()

	r.requestsTotal.WithLabelValues(s.Outcome).Inc()
	r.latency.Observe(s.Latency.Seconds())
	if s.FirstToken > 0 {
		r.firstToken.Observe(s.FirstToken.Seconds())
	}
	if s.Bytes > 0 {
		r.bytesTotal.Add(float64(s.Bytes))
	}
}

// RecordRetry counts one retry.
func (r *Recorder) RecordRetry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
	r.retriesTotal.Inc()
}

// ObservePools records the current pool gauges.
func (r *Recorder) ObservePools(poolUtilization, bufferUtilization float64, activeStreams int) {
	r.mu.Lock()
	r.poolUtilization = poolUtilization
	r.bufferUtilization = bufferUtilization
	r.mu.Unlock()

	r.poolUtil.Set(poolUtilization)
	r.bufferUtil.Set(bufferUtilization)
	r.activeStreams.Set(float64(activeStreams))
}

// Snapshot derives the current window statistics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Requests:          len(r.samples),
		Retries:           r.retries,
		PoolUtilization:   r.poolUtilization,
		BufferUtilization: r.bufferUtilization,
	}
	if len(r.samples) == 0 {
		return snap
	}

	now := r.now()
	latencies := make([]time.Duration, 0, len(r.samples))
	var (
		totalLatency time.Duration
		totalFirst   time.Duration
		firstCount   int
		totalBytes   int64
	)
	for _, s := range r.samples {
		switch s.Outcome {
		case OutcomeError:
			snap.Errors++
		case OutcomeCancelled:
			snap.Cancelled++
		}
		latencies = append(latencies, s.Latency)
		totalLatency += s.Latency
		totalBytes += s.Bytes
		if s.FirstToken > 0 {
			totalFirst += s.FirstToken
			firstCount++
		}
		if now.Sub(s.At) <= time.Minute {
			snap.RequestsPerMinute++
		}
	}

	slices.Sort(latencies)
	p95 := latencies[(len(latencies)*95+99)/100-1]

	snap.ErrorRate = float64(snap.Errors) / float64(len(r.samples))
	snap.AvgLatencyMs = msf(totalLatency) / float64(len(r.samples))
	snap.P95LatencyMs = msf(p95)
	if firstCount > 0 {
		snap.AvgFirstTokenMs = msf(totalFirst) / float64(firstCount)
	}
	if totalLatency > 0 {
		snap.ThroughputBytesPerS = float64(totalBytes) / totalLatency.Seconds()
	}
	return snap
}

// Reset clears the window and counters. Prometheus counters are monotonic
// and are not reset.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = r.samples[:0]
	r.retries = 0
	r.poolUtilization = 0
	r.bufferUtilization = 0
}

func msf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
