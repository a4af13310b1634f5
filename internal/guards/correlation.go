package guards

import (
	"math"
	"sync"
	"time"
)

// CorrelationConfig controls the pairwise correlation guard and its
// rate-adaptive threshold.
type CorrelationConfig struct {
	WindowSize     int           `json:"window_size"`      // rolling closes per symbol
	MinSamples     int           `json:"min_samples"`      // pairs shorter than this are ignored
	ThresholdMin   float64       `json:"threshold_min"`    // most sensitive threshold
	ThresholdMax   float64       `json:"threshold_max"`    // least sensitive threshold
	MaxCorrelated  int           `json:"max_correlated"`   // reject at this many correlated positions
	AdaptCooldown  time.Duration `json:"adapt_cooldown"`   // min interval between threshold moves
	AdaptStep      float64       `json:"adapt_step"`       // threshold move per adaptation
	TriggerWindow  time.Duration `json:"trigger_window"`   // lookback for the trigger rate
	FrequentCount  int           `json:"frequent_count"`   // triggers in window considered "frequent"
}

// DefaultCorrelationConfig returns the standard tuning.
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		WindowSize:    50,
		MinSamples:    10,
		ThresholdMin:  0.75,
		ThresholdMax:  0.92,
		MaxCorrelated: 2,
		AdaptCooldown: 5 * time.Minute,
		AdaptStep:     0.02,
		TriggerWindow: 30 * time.Minute,
		FrequentCount: 3,
	}
}

// priceWindow is a fixed-size ring of closes.
type priceWindow struct {
	values []float64
	next   int
	full   bool
}

func (w *priceWindow) add(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

// ordered returns samples oldest-first.
func (w *priceWindow) ordered() []float64 {
	if !w.full {
		return append([]float64(nil), w.values[:w.next]...)
	}
	out := make([]float64, 0, len(w.values))
	out = append(out, w.values[w.next:]...)
	out = append(out, w.values[:w.next]...)
	return out
}

// CorrelationTracker maintains rolling price windows and the adaptive
// correlation threshold. All state lives behind one lock; the adaptive
// threshold is deliberately a single serialized resource shared across
// symbol evaluations.
type CorrelationTracker struct {
	mu         sync.Mutex
	cfg        CorrelationConfig
	windows    map[string]*priceWindow
	threshold  float64
	lastAdapt  time.Time
	triggers   []time.Time
	now        func() time.Time
}

// NewCorrelationTracker creates a tracker starting at the midpoint threshold.
func NewCorrelationTracker(cfg CorrelationConfig) *CorrelationTracker {
	return &CorrelationTracker{
		cfg:       cfg,
		windows:   make(map[string]*priceWindow),
		threshold: (cfg.ThresholdMin + cfg.ThresholdMax) / 2,
		now:       time.Now,
	}
}

// RecordPrice appends a close for a symbol's rolling window.
func (t *CorrelationTracker) RecordPrice(symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[symbol]
	if !ok {
		w = &priceWindow{values: make([]float64, t.cfg.WindowSize)}
		t.windows[symbol] = w
	}
	w.add(price)
}

// Threshold returns the current adaptive threshold.
func (t *CorrelationTracker) Threshold() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold
}

// CountCorrelated counts open symbols whose rolling correlation with the
// candidate exceeds the current threshold.
func (t *CorrelationTracker) CountCorrelated(candidate string, openSymbols []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeAdaptLocked()

	base, ok := t.windows[candidate]
	if !ok {
		return 0
	}
	baseSeries := base.ordered()

	count := 0
	for _, sym := range openSymbols {
		if sym == candidate {
			continue
		}
		other, ok := t.windows[sym]
		if !ok {
			continue
		}
		corr, ok := pearson(baseSeries, other.ordered(), t.cfg.MinSamples)
		if ok && corr >= t.threshold {
			count++
		}
	}
	return count
}

// NoteTrigger records one correlation-guard rejection for rate adaptation.
func (t *CorrelationTracker) NoteTrigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.triggers = append(t.triggers, t.now())
}

// maybeAdaptLocked re-evaluates the threshold on a cooldown: eases toward
// the minimum while triggers are rare, tightens toward the maximum while
// triggers are frequent.
func (t *CorrelationTracker) maybeAdaptLocked() {
	now := t.now()
	if now.Sub(t.lastAdapt) < t.cfg.AdaptCooldown {
		return
	}
	t.lastAdapt = now

	cutoff := now.Add(-t.cfg.TriggerWindow)
	recent := t.triggers[:0]
	for _, ts := range t.triggers {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	t.triggers = recent

	if len(recent) >= t.cfg.FrequentCount {
		t.threshold = math.Min(t.threshold+t.cfg.AdaptStep, t.cfg.ThresholdMax)
	} else {
		t.threshold = math.Max(t.threshold-t.cfg.AdaptStep, t.cfg.ThresholdMin)
	}
}

// pearson computes the correlation of the overlapping tails of two series.
// Returns ok=false when the overlap is shorter than minSamples or either
// side has zero variance.
func pearson(a, b []float64, minSamples int) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minSamples {
		return 0, false
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}
