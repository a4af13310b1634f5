// Package reconcile periodically diffs local position state against
// exchange-reported positions and open orders, healing missing protection and
// resyncing partial fills.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/execution"
	"github.com/kocbey434343-ux/AI-sub001/internal/fsm"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
)

// Anomaly kinds recorded per cycle.
const (
	KindOrphanExchange    = "orphan_exchange"
	KindOrphanLocal       = "orphan_local"
	KindMissingProtection = "missing_protection"
	KindPartialFill       = "partial_fill"
)

const qtyTolerance = 1e-9

// LocalPosition is the reconciler's read-only view of one tracked position.
type LocalPosition struct {
	Symbol     string
	Side       string
	Size       float64
	Remaining  float64
	StopLoss   float64
	TakeProfit float64
	Protection exchange.ProtectionIDs
	TradeID    int64
}

// LocalView is the surface the orchestrator exposes to reconciliation.
// Mutations go back through the orchestrator so its locking discipline holds.
type LocalView interface {
	Snapshot() []LocalPosition
	ResyncRemaining(ctx context.Context, symbol string, remaining, entryPrice float64)
	SetProtection(symbol string, ids exchange.ProtectionIDs)
	RequestLocalClose(symbol, reason string)
}

// Config tunes a reconciliation engine.
type Config struct {
	Interval time.Duration `json:"interval"`
	// CloseOrphans submits a corrective market close for exchange-only
	// positions instead of only logging them.
	CloseOrphans bool `json:"close_orphans"`
	// Budget is the soft per-cycle duration target.
	Budget time.Duration `json:"budget"`
}

// DefaultConfig returns the standard reconciliation tuning.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		CloseOrphans: false,
		Budget:       5 * time.Second,
	}
}

// Engine runs the periodic diff.
type Engine struct {
	cfg    Config
	gw     exchange.Gateway
	exec   *execution.Engine
	states *fsm.StateMachine
	local  LocalView
	log    *logging.EventLogger
}

// NewEngine wires a reconciliation engine.
func NewEngine(cfg Config, gw exchange.Gateway, exec *execution.Engine, states *fsm.StateMachine, local LocalView, log *logging.EventLogger) *Engine {
	return &Engine{
		cfg:    cfg,
		gw:     gw,
		exec:   exec,
		states: states,
		local:  local,
		log:    log.WithComponent("reconcile"),
	}
}

// Run loops RunCycle on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				e.log.Warn("reconcile_cycle_failed", "error", err)
			}
		}
	}
}

// RunCycle executes one reconciliation pass. The indexed diff is attempted
// first; any internal failure falls back to the unindexed walk instead of
// failing the cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()

	remote, err := e.gw.GetPositions()
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	orders, err := e.gw.GetOpenOrders("")
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	local := e.local.Snapshot()

	healed := make(map[string]bool, len(local))
	if err := e.diffIndexed(ctx, local, remote, orders, healed); err != nil {
		e.log.Warn("indexed_diff_failed", "error", err)
		e.diffUnindexed(ctx, local, remote, orders, healed)
	}

	elapsed := time.Since(start)
	if elapsed > e.cfg.Budget {
		e.log.Warn("reconcile_slow", "elapsed_ms", elapsed.Milliseconds(), "budget_ms", e.cfg.Budget.Milliseconds())
	}
	e.log.Debug("reconcile_cycle",
		"local", len(local),
		"remote", len(remote),
		"open_orders", len(orders),
		"elapsed_ms", elapsed.Milliseconds())
	return nil
}

// diffIndexed builds symbol and order-id keyed indexes before walking, so
// each position resolves in constant time.
func (e *Engine) diffIndexed(ctx context.Context, local []LocalPosition, remote []exchange.Position, orders []exchange.Order, healed map[string]bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indexed diff panic: %v", r)
		}
	}()

	remoteBySymbol := make(map[string]exchange.Position, len(remote))
	for _, p := range remote {
		remoteBySymbol[p.Symbol] = p
	}
	ordersByID := make(map[int64]exchange.Order, len(orders))
	ordersBySymbol := make(map[string]int, len(orders))
	for _, o := range orders {
		ordersByID[o.OrderID] = o
		ordersBySymbol[o.Symbol]++
	}

	seen := make(map[string]bool, len(local))
	for _, lp := range local {
		seen[lp.Symbol] = true
		rp, exists := remoteBySymbol[lp.Symbol]
		if !exists {
			e.orphanLocal(lp)
			continue
		}
		e.checkPartialFill(ctx, lp, rp)
		e.checkProtection(lp, func(ids exchange.ProtectionIDs) bool {
			_, stopLive := ordersByID[ids.StopOrderID]
			_, tpLive := ordersByID[ids.TPOrderID]
			return stopLive || tpLive
		}, healed)
	}

	for _, rp := range remote {
		if !seen[rp.Symbol] {
			e.orphanExchange(ctx, rp)
		}
	}
	return nil
}

// diffUnindexed is the fallback: nested scans, no index construction.
func (e *Engine) diffUnindexed(ctx context.Context, local []LocalPosition, remote []exchange.Position, orders []exchange.Order, healed map[string]bool) {
	for _, lp := range local {
		var rp *exchange.Position
		for i := range remote {
			if remote[i].Symbol == lp.Symbol {
				rp = &remote[i]
				break
			}
		}
		if rp == nil {
			e.orphanLocal(lp)
			continue
		}
		e.checkPartialFill(ctx, lp, *rp)
		e.checkProtection(lp, func(ids exchange.ProtectionIDs) bool {
			for _, o := range orders {
				if o.OrderID == ids.StopOrderID || o.OrderID == ids.TPOrderID {
					return true
				}
			}
			return false
		}, healed)
	}

	for _, rp := range remote {
		tracked := false
		for _, lp := range local {
			if lp.Symbol == rp.Symbol {
				tracked = true
				break
			}
		}
		if !tracked {
			e.orphanExchange(ctx, rp)
		}
	}
}

func (e *Engine) orphanLocal(lp LocalPosition) {
	metrics.ReconcileAnomalies.WithLabelValues(KindOrphanLocal).Inc()
	e.log.Warn("orphan_local_position", "symbol", lp.Symbol, "remaining", lp.Remaining)
	e.local.RequestLocalClose(lp.Symbol, "position missing on exchange")
}

func (e *Engine) orphanExchange(ctx context.Context, rp exchange.Position) {
	metrics.ReconcileAnomalies.WithLabelValues(KindOrphanExchange).Inc()
	e.log.Warn("orphan_exchange_position", "symbol", rp.Symbol, "side", rp.Side, "size", rp.Size)
	if !e.cfg.CloseOrphans {
		return
	}
	if _, err := e.gw.PlaceOrder(exchange.OrderRequest{
		Symbol: rp.Symbol,
		Side:   execution.ExitSide(rp.Side),
		Type:   exchange.TypeMarket,
		Qty:    rp.Size,
	}); err != nil {
		e.log.Warn("orphan_close_failed", "symbol", rp.Symbol, "error", err)
	}
}

// checkPartialFill resyncs remaining size from the exchange and drives the
// state machine to OPEN once the entry is fully filled. The exchange entry
// price rides along so the orchestrator can fold unseen fills into the
// persisted trade.
func (e *Engine) checkPartialFill(ctx context.Context, lp LocalPosition, rp exchange.Position) {
	if math.Abs(rp.Size-lp.Remaining) <= qtyTolerance {
		return
	}
	metrics.ReconcileAnomalies.WithLabelValues(KindPartialFill).Inc()
	e.log.Warn("partial_fill_desync",
		"symbol", lp.Symbol,
		"local_remaining", lp.Remaining,
		"exchange_size", rp.Size)
	e.local.ResyncRemaining(ctx, lp.Symbol, rp.Size, rp.EntryPrice)

	if math.Abs(rp.Size-lp.Size) <= qtyTolerance {
		switch e.states.Current(lp.Symbol) {
		case fsm.StatePartial, fsm.StateOpenPending:
			e.states.TransitionTo(lp.Symbol, fsm.StateOpen, "reconciled fully filled")
		}
	}
}

// checkProtection heals positions whose protection orders are gone. The
// healed map is cycle-scoped so a symbol is healed at most once per pass.
func (e *Engine) checkProtection(lp LocalPosition, live func(exchange.ProtectionIDs) bool, healed map[string]bool) {
	if healed[lp.Symbol] || lp.Remaining <= 0 {
		return
	}
	hasIDs := lp.Protection.StopOrderID != 0 || lp.Protection.TPOrderID != 0
	if hasIDs && live(lp.Protection) {
		return
	}
	metrics.ReconcileAnomalies.WithLabelValues(KindMissingProtection).Inc()
	e.log.Warn("missing_protection", "symbol", lp.Symbol, "remaining", lp.Remaining)

	healed[lp.Symbol] = true
	e.exec.ForgetProtection(lp.Symbol)
	ids, _, err := e.exec.MaybeReviseProtection(lp.Symbol, lp.Side, lp.Remaining, lp.TakeProfit, lp.StopLoss, exchange.ProtectionIDs{})
	if err != nil {
		e.log.Warn("protection_heal_failed", "symbol", lp.Symbol, "error", err)
		return
	}
	e.local.SetProtection(lp.Symbol, ids)
	e.log.Event("protection_healed", "symbol", lp.Symbol, "sl_id", ids.StopOrderID, "tp_id", ids.TPOrderID)
}
