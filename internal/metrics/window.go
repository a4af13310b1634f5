package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kocbey434343-ux/AI-sub001/internal/store"
)

// Window keys persisted to the metrics table.
const (
	KeyOrderLatencyMS = "order_latency_ms"
	KeySlippageBps    = "slippage_bps"
)

// rollingWindow keeps the last N samples under its own narrow lock.
type rollingWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{samples: make([]float64, size)}
}

func (w *rollingWindow) add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *rollingWindow) average() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += w.samples[i]
	}
	return total / float64(n)
}

// Recorder owns the rolling latency/slippage windows. Flushing to the store
// is triggered inline after lifecycle events, gated by a minimum interval; no
// dedicated timer goroutine. Persistence failures are logged and suppressed.
type Recorder struct {
	latency  *rollingWindow
	slippage *rollingWindow
	store    *store.Store
	logger   zerolog.Logger

	flushMu       sync.Mutex
	lastFlush     time.Time
	flushInterval time.Duration
}

// NewRecorder creates a recorder flushing at most once per interval.
func NewRecorder(st *store.Store, windowSize int, flushInterval time.Duration, logger zerolog.Logger) *Recorder {
	if windowSize <= 0 {
		windowSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &Recorder{
		latency:       newRollingWindow(windowSize),
		slippage:      newRollingWindow(windowSize),
		store:         st,
		logger:        logger.With().Str("component", "metrics").Logger(),
		flushInterval: flushInterval,
	}
}

// RecordLatency adds one order placement latency sample.
func (r *Recorder) RecordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	r.latency.add(ms)
	OrderLatency.Set(r.latency.average())
}

// RecordSlippage adds one absolute slippage sample in bps.
func (r *Recorder) RecordSlippage(bps float64) {
	if bps < 0 {
		bps = -bps
	}
	r.slippage.add(bps)
	Slippage.Set(r.slippage.average())
}

// AvgLatencyMS returns the rolling average latency.
func (r *Recorder) AvgLatencyMS() float64 {
	return r.latency.average()
}

// AvgSlippageBps returns the rolling average absolute slippage.
func (r *Recorder) AvgSlippageBps() float64 {
	return r.slippage.average()
}

// MaybeFlush persists current averages when the minimum interval has passed.
// Called inline after lifecycle events.
func (r *Recorder) MaybeFlush(ctx context.Context) {
	r.flushMu.Lock()
	if time.Since(r.lastFlush) < r.flushInterval {
		r.flushMu.Unlock()
		return
	}
	r.lastFlush = time.Now()
	r.flushMu.Unlock()

	if r.store == nil {
		return
	}

	points := []store.MetricPoint{
		{Key: KeyOrderLatencyMS, Value: r.latency.average()},
		{Key: KeySlippageBps, Value: r.slippage.average()},
	}
	if err := r.store.InsertMetrics(ctx, points); err != nil {
		r.logger.Warn().Err(err).Msg("metrics flush failed")
	}
}
