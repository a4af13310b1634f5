package guards

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
	"github.com/kocbey434343-ux/AI-sub001/internal/signal"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
)

// Guard names, used for counters, events and queries.
const (
	GuardHalt           = "halt"
	GuardDailyLoss      = "daily_loss"
	GuardConsecLosses   = "consecutive_losses"
	GuardOutlierBar     = "outlier_bar"
	GuardVolumeCapacity = "volume_capacity"
	GuardCorrelation    = "correlation"
)

// Config holds the pipeline thresholds and per-guard toggles.
type Config struct {
	HaltEnabled           bool    `json:"halt_enabled"`
	DailyLossEnabled      bool    `json:"daily_loss_enabled"`
	ConsecLossesEnabled   bool    `json:"consecutive_losses_enabled"`
	OutlierBarEnabled     bool    `json:"outlier_bar_enabled"`
	VolumeCapacityEnabled bool    `json:"volume_capacity_enabled"`
	CorrelationEnabled    bool    `json:"correlation_enabled"`

	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	OutlierBarPct        float64 `json:"outlier_bar_pct"`
	MinVolume24h         float64 `json:"min_volume_24h"`
	MaxOpenPositions     int     `json:"max_open_positions"`

	Correlation CorrelationConfig `json:"correlation"`
}

// DefaultConfig returns the standard guard tuning with all checks enabled.
func DefaultConfig() Config {
	return Config{
		HaltEnabled:           true,
		DailyLossEnabled:      true,
		ConsecLossesEnabled:   true,
		OutlierBarEnabled:     true,
		VolumeCapacityEnabled: true,
		CorrelationEnabled:    true,
		MaxDailyLossPct:       3.0,
		MaxConsecutiveLosses:  4,
		OutlierBarPct:         10.0,
		MinVolume24h:          1_000_000,
		MaxOpenPositions:      5,
		Correlation:           DefaultCorrelationConfig(),
	}
}

// Rejection describes why a guard blocked a submission.
type Rejection struct {
	Guard  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("guard %s rejected: %s", r.Guard, r.Reason)
}

// Pipeline runs the ordered checks. Later checks never run once an earlier
// one rejects.
type Pipeline struct {
	cfg         Config
	store       *store.Store
	halt        *HaltFlag
	correlation *CorrelationTracker
	log         *logging.EventLogger
	sessionID   string
}

// NewPipeline wires the pipeline with its collaborators.
func NewPipeline(cfg Config, st *store.Store, halt *HaltFlag, corr *CorrelationTracker, log *logging.EventLogger, sessionID string) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		store:       st,
		halt:        halt,
		correlation: corr,
		log:         log.WithComponent("guards"),
		sessionID:   sessionID,
	}
}

// Correlation exposes the tracker so the price path can feed it closes.
func (p *Pipeline) Correlation() *CorrelationTracker {
	return p.correlation
}

// Halt exposes the halt flag for the escalation controller and ops API.
func (p *Pipeline) Halt() *HaltFlag {
	return p.halt
}

// Check runs the guard sequence for a candidate submission. openSymbols
// carries the symbols of currently open positions. Returns nil when the
// submission may proceed.
func (p *Pipeline) Check(ctx context.Context, sig *signal.Signal, openSymbols []string) *Rejection {
	if p.cfg.HaltEnabled && p.halt.Exists() {
		return p.reject(ctx, GuardHalt, sig.Symbol, fmt.Sprintf("halt flag present: %s", p.halt.Reason()), nil, "warning")
	}

	if p.cfg.DailyLossEnabled {
		daily, err := p.store.DailyRealizedPnLPct(ctx, time.Now())
		if err != nil {
			p.log.Warn("guard_query_failed", "guard", GuardDailyLoss, "error", err)
		} else if daily <= -p.cfg.MaxDailyLossPct {
			reason := fmt.Sprintf("daily realized pnl %.2f%% breaches -%.2f%%", daily, p.cfg.MaxDailyLossPct)
			p.setHalt(reason)
			return p.reject(ctx, GuardDailyLoss, sig.Symbol, reason,
				map[string]interface{}{"daily_pnl_pct": daily}, "critical")
		}
	}

	if p.cfg.ConsecLossesEnabled {
		losses, err := p.store.ConsecutiveLosses(ctx)
		if err != nil {
			p.log.Warn("guard_query_failed", "guard", GuardConsecLosses, "error", err)
		} else if losses >= p.cfg.MaxConsecutiveLosses {
			reason := fmt.Sprintf("%d consecutive losses (max %d)", losses, p.cfg.MaxConsecutiveLosses)
			p.setHalt(reason)
			return p.reject(ctx, GuardConsecLosses, sig.Symbol, reason,
				map[string]interface{}{"losses": losses}, "critical")
		}
	}

	if p.cfg.OutlierBarEnabled && sig.PrevClose > 0 {
		movePct := math.Abs(sig.ClosePrice-sig.PrevClose) / sig.PrevClose * 100
		if movePct >= p.cfg.OutlierBarPct {
			return p.reject(ctx, GuardOutlierBar, sig.Symbol,
				fmt.Sprintf("bar move %.2f%% exceeds %.2f%%", movePct, p.cfg.OutlierBarPct),
				map[string]interface{}{"move_pct": movePct, "prev_close": sig.PrevClose}, "warning")
		}
	}

	if p.cfg.VolumeCapacityEnabled {
		if sig.Volume24h < p.cfg.MinVolume24h {
			return p.reject(ctx, GuardVolumeCapacity, sig.Symbol,
				fmt.Sprintf("24h volume %.0f below minimum %.0f", sig.Volume24h, p.cfg.MinVolume24h),
				map[string]interface{}{"volume_24h": sig.Volume24h}, "info")
		}
		if len(openSymbols) >= p.cfg.MaxOpenPositions {
			return p.reject(ctx, GuardVolumeCapacity, sig.Symbol,
				fmt.Sprintf("open positions at max (%d)", p.cfg.MaxOpenPositions),
				map[string]interface{}{"open_positions": len(openSymbols)}, "info")
		}
	}

	if p.cfg.CorrelationEnabled && p.correlation != nil {
		correlated := p.correlation.CountCorrelated(sig.Symbol, openSymbols)
		if correlated >= p.cfg.Correlation.MaxCorrelated {
			p.correlation.NoteTrigger()
			return p.reject(ctx, GuardCorrelation, sig.Symbol,
				fmt.Sprintf("%d open positions correlated above %.2f", correlated, p.correlation.Threshold()),
				map[string]interface{}{
					"correlated": correlated,
					"threshold":  p.correlation.Threshold(),
				}, "warning")
		}
	}

	return nil
}

func (p *Pipeline) setHalt(reason string) {
	if err := p.halt.Set(reason); err != nil {
		p.log.Warn("halt_flag_write_failed", "error", err)
	}
}

// reject emits exactly one guard event (persisted best-effort), one counter
// increment and one structured log line.
func (p *Pipeline) reject(ctx context.Context, guard, symbol, reason string, extra map[string]interface{}, severity string) *Rejection {
	metrics.GuardRejections.WithLabelValues(guard).Inc()

	if p.store != nil {
		ev := &store.GuardEvent{
			Guard:     guard,
			Symbol:    symbol,
			Reason:    reason,
			Extra:     extra,
			SessionID: p.sessionID,
			Severity:  severity,
			Blocked:   true,
		}
		if err := p.store.InsertGuardEvent(ctx, ev); err != nil {
			// Telemetry only; the rejection stands regardless.
			p.log.Warn("guard_event_write_failed", "guard", guard, "error", err)
		}
	}

	p.log.Event("guard_rejected", "guard", guard, "symbol", symbol, "reason", reason)
	return &Rejection{Guard: guard, Reason: reason}
}
