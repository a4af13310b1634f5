// Package risk classifies system-wide risk and scales or halts trading in
// response. The controller polls trade statistics and execution metrics and
// walks the NORMAL/WARNING/CRITICAL/EMERGENCY ladder with explicit side
// effects per transition.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
)

// Level is the system-wide risk classification.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Thresholds is one independent threshold set. A level is reached when any
// of its thresholds is breached.
type Thresholds struct {
	DailyLossPct      float64 `json:"daily_loss_pct"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	AvgSlippageBps    float64 `json:"avg_slippage_bps"`
}

// Config holds the escalation tuning.
type Config struct {
	Warning   Thresholds `json:"warning"`
	Critical  Thresholds `json:"critical"`
	Emergency Thresholds `json:"emergency"`

	// Risk percentage multipliers applied on escalation.
	WarningRiskFactor  float64 `json:"warning_risk_factor"`
	CriticalRiskFactor float64 `json:"critical_risk_factor"`

	HistorySize int `json:"history_size"`
}

// DefaultConfig returns the standard escalation tuning.
func DefaultConfig() Config {
	return Config{
		Warning:            Thresholds{DailyLossPct: 2.0, ConsecutiveLosses: 3, AvgLatencyMS: 1500, AvgSlippageBps: 25},
		Critical:           Thresholds{DailyLossPct: 4.0, ConsecutiveLosses: 5, AvgLatencyMS: 4000, AvgSlippageBps: 60},
		Emergency:          Thresholds{DailyLossPct: 8.0, ConsecutiveLosses: 8, AvgLatencyMS: 10000, AvgSlippageBps: 150},
		WarningRiskFactor:  0.5,
		CriticalRiskFactor: 0.25,
		HistorySize:        32,
	}
}

// Transition is one recorded level change.
type Transition struct {
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	Reason string    `json:"reason"`
	TS     time.Time `json:"ts"`
}

// PositionCloser force-closes every open position; implemented by the trader.
type PositionCloser interface {
	CloseAllPositions(ctx context.Context, reason string) int
}

// Controller owns the current level and the configured per-trade risk
// percentage. The original risk percentage is remembered on first
// escalation and restored exactly once on return to NORMAL.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	level    Level
	riskPct  float64
	original float64
	restored bool
	history  []Transition

	st       *store.Store
	recorder *metrics.Recorder
	halt     *guards.HaltFlag
	closer   PositionCloser
	log      *logging.EventLogger
}

// NewController creates a controller starting at NORMAL with the given
// per-trade risk percentage.
func NewController(cfg Config, riskPct float64, st *store.Store, rec *metrics.Recorder, halt *guards.HaltFlag, closer PositionCloser, log *logging.EventLogger) *Controller {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	return &Controller{
		cfg:      cfg,
		level:    LevelNormal,
		riskPct:  riskPct,
		original: riskPct,
		st:       st,
		recorder: rec,
		halt:     halt,
		closer:   closer,
		log:      log.WithComponent("risk"),
	}
}

// SetPositionCloser wires the force-close target. The trader depends on the
// controller for its risk percentage, so the closer is attached after both
// are constructed.
func (c *Controller) SetPositionCloser(closer PositionCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closer = closer
}

// Level returns the current classification.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// RiskPercent returns the per-trade risk percentage after any scaling.
func (c *Controller) RiskPercent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.riskPct
}

// History returns a copy of the bounded transition history, oldest first.
func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.history))
	copy(out, c.history)
	return out
}

// Poll reads current statistics and applies any level change.
func (c *Controller) Poll(ctx context.Context) Level {
	dailyLoss := 0.0
	if daily, err := c.st.DailyRealizedPnLPct(ctx, time.Now()); err == nil && daily < 0 {
		dailyLoss = -daily
	}
	losses, _ := c.st.ConsecutiveLosses(ctx)
	latency := c.recorder.AvgLatencyMS()
	slippage := c.recorder.AvgSlippageBps()

	target, reason := c.classify(dailyLoss, losses, latency, slippage)
	c.apply(ctx, target, reason)
	return c.Level()
}

func (t Thresholds) breached(dailyLoss float64, losses int, latency, slippage float64) (bool, string) {
	switch {
	case t.DailyLossPct > 0 && dailyLoss >= t.DailyLossPct:
		return true, "daily loss"
	case t.ConsecutiveLosses > 0 && losses >= t.ConsecutiveLosses:
		return true, "consecutive losses"
	case t.AvgLatencyMS > 0 && latency >= t.AvgLatencyMS:
		return true, "order latency"
	case t.AvgSlippageBps > 0 && slippage >= t.AvgSlippageBps:
		return true, "slippage"
	}
	return false, ""
}

func (c *Controller) classify(dailyLoss float64, losses int, latency, slippage float64) (Level, string) {
	if ok, why := c.cfg.Emergency.breached(dailyLoss, losses, latency, slippage); ok {
		return LevelEmergency, why
	}
	if ok, why := c.cfg.Critical.breached(dailyLoss, losses, latency, slippage); ok {
		return LevelCritical, why
	}
	if ok, why := c.cfg.Warning.breached(dailyLoss, losses, latency, slippage); ok {
		return LevelWarning, why
	}
	return LevelNormal, "thresholds clear"
}

// apply performs the transition side effects. Escalations act immediately;
// de-escalation to NORMAL restores the remembered risk exactly once.
func (c *Controller) apply(ctx context.Context, target Level, reason string) {
	c.mu.Lock()
	current := c.level
	if target == current {
		c.mu.Unlock()
		return
	}
	c.level = target
	c.history = append(c.history, Transition{From: current, To: target, Reason: reason, TS: time.Now()})
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}

	switch target {
	case LevelWarning:
		c.riskPct = c.original * c.cfg.WarningRiskFactor
		c.restored = false
	case LevelCritical:
		c.riskPct = c.original * c.cfg.CriticalRiskFactor
		c.restored = false
	case LevelEmergency:
		c.riskPct = 0
		c.restored = false
	case LevelNormal:
		if !c.restored {
			c.riskPct = c.original
			c.restored = true
		}
	}
	riskPct := c.riskPct
	closer := c.closer
	c.mu.Unlock()

	metrics.RiskLevel.Set(float64(target))
	c.log.Event("risk_level_changed",
		"from", current.String(),
		"to", target.String(),
		"reason", reason,
		"risk_pct", riskPct)

	switch target {
	case LevelCritical:
		if err := c.halt.Set("risk escalation CRITICAL: " + reason); err != nil {
			c.log.Warn("halt_flag_write_failed", "error", err)
		}
	case LevelEmergency:
		if err := c.halt.Set("risk escalation EMERGENCY: " + reason); err != nil {
			c.log.Warn("halt_flag_write_failed", "error", err)
		}
		if closer != nil {
			closed := closer.CloseAllPositions(ctx, "risk escalation EMERGENCY")
			c.log.Event("emergency_flatten", "positions_closed", closed, "reason", reason)
		}
	}
}
