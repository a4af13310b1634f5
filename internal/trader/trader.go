// Package trader is the orchestrator: it runs signals through the guard
// pipeline, sizes and places orders, and drives trailing, partial exits and
// closure. Every position-mutating path is serialized behind one mutex.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/events"
	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/execution"
	"github.com/kocbey434343-ux/AI-sub001/internal/fsm"
	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/idempotency"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/reconcile"
	"github.com/kocbey434343-ux/AI-sub001/internal/risk"
	"github.com/kocbey434343-ux/AI-sub001/internal/signal"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
	"github.com/kocbey434343-ux/AI-sub001/internal/trailing"
)

// Position is the in-memory position record, exclusively owned by the
// trader and keyed by symbol.
type Position struct {
	Symbol     string
	Side       string
	EntryPrice float64
	Size       float64
	Remaining  float64
	StopLoss   float64
	TakeProfit float64
	Protection exchange.ProtectionIDs
	TradeID    int64
	ATR        float64
	ScaledOut  []store.ScaledLeg
	Trailing   trailing.State
	OpenedAt   time.Time
	// LastPrice is the most recent tick seen for the symbol, used as the
	// close reference when flattening without a fresh price.
	LastPrice float64
}

// Config holds the orchestrator tuning.
type Config struct {
	// Equity is the account balance used to turn the risk percentage into a
	// currency amount.
	Equity   float64         `json:"equity"`
	Trailing trailing.Config `json:"trailing"`
}

// DefaultConfig returns the standard orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		Equity:   10_000,
		Trailing: trailing.DefaultConfig(),
	}
}

// Trader composes the guard pipeline, execution engine and trailing engine
// under a single lock.
type Trader struct {
	mu sync.Mutex

	cfg       Config
	positions map[string]*Position
	// localClose marks symbols flagged by reconciliation for local-only
	// finalization (position gone on the exchange).
	localClose map[string]string

	pipeline *guards.Pipeline
	idem     *idempotency.Guard
	exec     *execution.Engine
	states   *fsm.StateMachine
	riskCtrl *risk.Controller
	st       *store.Store
	posRepo  *store.PositionStateRepo
	bus      *events.Bus
	log      *logging.EventLogger
}

// New wires a trader. All collaborators are constructed by the caller and
// passed in.
func New(cfg Config, pipeline *guards.Pipeline, idem *idempotency.Guard, exec *execution.Engine, states *fsm.StateMachine, riskCtrl *risk.Controller, st *store.Store, posRepo *store.PositionStateRepo, bus *events.Bus, log *logging.EventLogger) *Trader {
	return &Trader{
		cfg:        cfg,
		positions:  make(map[string]*Position),
		localClose: make(map[string]string),
		pipeline:   pipeline,
		idem:       idem,
		exec:       exec,
		states:     states,
		riskCtrl:   riskCtrl,
		st:         st,
		posRepo:    posRepo,
		bus:        bus,
		log:        log.WithComponent("trader"),
	}
}

// Rehydrate loads persisted position snapshots and seeds the in-memory map
// and per-symbol states. Called once at startup, before any trading.
func (t *Trader) Rehydrate(ctx context.Context) error {
	saved, err := t.posRepo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for symbol, pp := range saved {
		pos := &Position{
			Symbol:     pp.Symbol,
			Side:       pp.Side,
			EntryPrice: pp.EntryPrice,
			Size:       pp.PositionSize,
			Remaining:  pp.RemainingSize,
			StopLoss:   pp.StopLoss,
			TakeProfit: pp.TakeProfit,
			TradeID:    pp.TradeID,
			ATR:        pp.ATR,
			ScaledOut:  pp.ScaledOut,
			OpenedAt:   pp.SavedAt,
		}
		pos.Trailing.TiersTaken = len(pp.ScaledOut)
		pos.Trailing.BreakevenSet = breakevenSet(pp.Side, pp.EntryPrice, pp.StopLoss)
		if len(pp.ProtectionIDs) == 2 {
			pos.Protection = exchange.ProtectionIDs{StopOrderID: pp.ProtectionIDs[0], TPOrderID: pp.ProtectionIDs[1]}
		}
		t.positions[symbol] = pos

		state := fsm.OrderState(pp.State)
		if state == "" {
			state = fsm.StateActive
		}
		t.states.SetInitialState(symbol, state)
		t.log.Event("position_rehydrated", "symbol", symbol, "remaining", pos.Remaining, "state", string(state))
	}
	return nil
}

func breakevenSet(side string, entry, stop float64) bool {
	if side == exchange.SideSell {
		return stop <= entry
	}
	return stop >= entry
}

// ExecuteTrade runs one signal through guards, sizing, idempotency and
// placement. A guard rejection is returned as the error; skips return nil.
func (t *Trader) ExecuteTrade(ctx context.Context, sig *signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if !sig.Actionable() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, open := t.positions[sig.Symbol]; open {
		t.log.Debug("signal_skipped_position_open", "symbol", sig.Symbol)
		return nil
	}

	openSymbols := make([]string, 0, len(t.positions))
	for s := range t.positions {
		openSymbols = append(openSymbols, s)
	}
	if rej := t.pipeline.Check(ctx, sig, openSymbols); rej != nil {
		t.bus.PublishGuardRejected(rej.Guard, sig.Symbol, rej.Reason)
		return rej
	}

	riskPct := t.riskCtrl.RiskPercent()
	if riskPct <= 0 {
		t.log.Warn("signal_skipped_zero_risk", "symbol", sig.Symbol)
		return nil
	}
	if sig.ATR <= 0 {
		t.log.Warn("signal_skipped_no_atr", "symbol", sig.Symbol)
		return nil
	}
	riskAmount := t.cfg.Equity * riskPct / 100
	qty := t.exec.Size(sig.Symbol, sig.ClosePrice, sig.ATR, riskAmount, sig.Strength())
	if qty <= 0 {
		t.log.Warn("signal_skipped_unsizeable", "symbol", sig.Symbol, "risk_amount", riskAmount)
		return nil
	}

	key := idempotency.Fingerprint(sig.Symbol, sig.Side(), sig.ClosePrice, qty, sig.StrategyTag)
	if !t.idem.ShouldSubmit(key) {
		t.log.Warn("duplicate_submission_suppressed", "symbol", sig.Symbol, "fingerprint", key)
		return nil
	}
	t.idem.MarkSubmitted(key)

	t.states.Reset(sig.Symbol)
	t.states.TransitionTo(sig.Symbol, fsm.StateSubmitting, "signal accepted")

	fill, err := t.exec.PlaceEntry(ctx, sig.Symbol, sig.Side(), qty, sig.ClosePrice)
	if err != nil {
		t.states.TransitionTo(sig.Symbol, fsm.StateError, err.Error())
		return err
	}
	if fill == nil {
		t.states.TransitionTo(sig.Symbol, fsm.StateCancelPending, "placement skipped")
		t.states.TransitionTo(sig.Symbol, fsm.StateCancelled, "retries exhausted")
		return nil
	}

	trade := &store.Trade{
		Symbol:      sig.Symbol,
		Side:        sig.Side(),
		OpenedAt:    time.Now().UTC(),
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit,
		StrategyTag: sig.StrategyTag,
		ParamSetID:  sig.ParamSetID,
	}
	if err := t.exec.RecordOpen(ctx, trade, fill); err != nil {
		t.states.TransitionTo(sig.Symbol, fsm.StateError, err.Error())
		return err
	}
	t.states.TransitionTo(sig.Symbol, fsm.StateOpen, "filled")
	t.states.TransitionTo(sig.Symbol, fsm.StateActive, "position live")

	pos := &Position{
		Symbol:     sig.Symbol,
		Side:       sig.Side(),
		EntryPrice: fill.Price,
		Size:       fill.Qty,
		Remaining:  fill.Qty,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		TradeID:    trade.ID,
		ATR:        sig.ATR,
		OpenedAt:   trade.OpenedAt,
	}
	t.positions[sig.Symbol] = pos

	if sig.StopLoss > 0 || sig.TakeProfit > 0 {
		ids, _, err := t.exec.MaybeReviseProtection(pos.Symbol, pos.Side, pos.Remaining, pos.TakeProfit, pos.StopLoss, exchange.ProtectionIDs{})
		if err != nil {
			t.log.Warn("protection_placement_failed", "symbol", pos.Symbol, "error", err)
		} else {
			pos.Protection = ids
		}
	}

	t.savePositionLocked(ctx, pos)
	t.bus.PublishTradeOpened(pos.Symbol, pos.Side, pos.EntryPrice, pos.Size, pos.TradeID)
	return nil
}

// ProcessPriceUpdate feeds one tick through partial exits, trailing and
// stop/target triggers for the symbol's open position.
func (t *Trader) ProcessPriceUpdate(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	t.pipeline.Correlation().RecordPrice(symbol, price)

	t.mu.Lock()
	defer t.mu.Unlock()

	if reason, flagged := t.localClose[symbol]; flagged {
		delete(t.localClose, symbol)
		t.finalizeLocalLocked(ctx, symbol, price, reason)
		return
	}

	pos, ok := t.positions[symbol]
	if !ok {
		return
	}
	pos.LastPrice = price

	if hit, reason := stopOrTargetHit(pos, price); hit {
		t.closeLocked(ctx, pos, price, reason)
		return
	}

	if exit, newStop := trailing.MaybePartialExit(t.cfg.Trailing, &pos.Trailing, pos.Side, pos.EntryPrice, pos.StopLoss, pos.Remaining, price); exit != nil {
		t.scaleOutLocked(ctx, pos, exit, price)
		if newStop > 0 {
			t.moveStopLocked(ctx, pos, newStop, "breakeven")
		}
	}

	if newStop := trailing.MaybeTrail(t.cfg.Trailing, &pos.Trailing, pos.Side, pos.EntryPrice, pos.StopLoss, price, pos.ATR, time.Now()); newStop > 0 {
		t.moveStopLocked(ctx, pos, newStop, "trail")
	}
}

func stopOrTargetHit(pos *Position, price float64) (bool, string) {
	long := pos.Side != exchange.SideSell
	if pos.StopLoss > 0 {
		if (long && price <= pos.StopLoss) || (!long && price >= pos.StopLoss) {
			return true, "stop hit"
		}
	}
	if pos.TakeProfit > 0 {
		if (long && price >= pos.TakeProfit) || (!long && price <= pos.TakeProfit) {
			return true, "take profit hit"
		}
	}
	return false, ""
}

func (t *Trader) scaleOutLocked(ctx context.Context, pos *Position, exit *trailing.PartialExit, price float64) {
	t.states.TransitionTo(pos.Symbol, fsm.StateScalingOut, "partial exit tier")

	order, err := t.exec.PlaceEntry(ctx, pos.Symbol, execution.ExitSide(pos.Side), exit.Qty, price)
	if err != nil || order == nil {
		t.log.Warn("partial_exit_failed", "symbol", pos.Symbol, "qty", exit.Qty, "error", err)
		t.states.TransitionTo(pos.Symbol, fsm.StateActive, "partial exit aborted")
		return
	}

	r := exit.R
	if _, err := t.st.InsertExecution(ctx, &store.Execution{
		TradeID:   pos.TradeID,
		Symbol:    pos.Symbol,
		Side:      execution.ExitSide(pos.Side),
		ExecType:  store.ExecScaleOut,
		Qty:       order.Qty,
		Price:     order.Price,
		RMult:     &r,
		CreatedAt: time.Now().UTC(),
		DedupKey:  fmt.Sprintf("%d|scale_out|%d", pos.TradeID, order.OrderID),
	}); err != nil {
		t.log.Warn("scale_out_write_failed", "trade_id", pos.TradeID, "error", err)
	}

	pos.Remaining -= order.Qty
	if pos.Remaining < 0 {
		pos.Remaining = 0
	}
	pos.ScaledOut = append(pos.ScaledOut, store.ScaledLeg{RMultiple: exit.R, Qty: order.Qty})

	if ids, revised, err := t.exec.MaybeReviseProtection(pos.Symbol, pos.Side, pos.Remaining, pos.TakeProfit, pos.StopLoss, pos.Protection); err != nil {
		t.log.Warn("protection_revision_failed", "symbol", pos.Symbol, "error", err)
	} else if revised {
		pos.Protection = ids
	}

	t.states.TransitionTo(pos.Symbol, fsm.StateActive, "partial exit done")
	t.log.Event("partial_exit",
		"symbol", pos.Symbol,
		"qty", order.Qty,
		"price", order.Price,
		"r_multiple", exit.R,
		"remaining", pos.Remaining)
	t.savePositionLocked(ctx, pos)
	t.bus.PublishTradeScaledOut(pos.Symbol, order.Qty, order.Price, exit.R)

	if pos.Remaining == 0 {
		t.closeLocked(ctx, pos, price, "fully scaled out")
	}
}

func (t *Trader) moveStopLocked(ctx context.Context, pos *Position, newStop float64, kind string) {
	old := pos.StopLoss
	pos.StopLoss = newStop
	t.states.TransitionTo(pos.Symbol, fsm.StateTrailingAdjust, kind)

	if err := t.st.UpdateStops(ctx, pos.TradeID, newStop, pos.TakeProfit); err != nil {
		t.log.Warn("stop_update_write_failed", "trade_id", pos.TradeID, "error", err)
	}
	if _, err := t.st.InsertExecution(ctx, &store.Execution{
		TradeID:   pos.TradeID,
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		ExecType:  store.ExecTrailingUpdate,
		Qty:       0,
		Price:     newStop,
		CreatedAt: time.Now().UTC(),
		DedupKey:  fmt.Sprintf("%d|trail|%.8f", pos.TradeID, newStop),
	}); err != nil {
		t.log.Warn("trailing_write_failed", "trade_id", pos.TradeID, "error", err)
	}

	t.states.TransitionTo(pos.Symbol, fsm.StateActive, "stop updated")
	t.log.Event("trailing_update",
		"symbol", pos.Symbol,
		"kind", kind,
		"old_stop", old,
		"new_stop", newStop)
	t.savePositionLocked(ctx, pos)
}

// closeLocked exits the remaining size on the exchange and finalizes the
// trade. The caller holds the trader mutex.
func (t *Trader) closeLocked(ctx context.Context, pos *Position, price float64, reason string) {
	t.states.TransitionTo(pos.Symbol, fsm.StateClosing, reason)

	pnl := 0.0
	if pos.Remaining > 0 {
		var err error
		pnl, err = t.exec.ClosePosition(ctx, pos.TradeID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Size, pos.Remaining, price)
		if err != nil {
			t.log.Error("close_failed", "symbol", pos.Symbol, "error", err)
			t.states.TransitionTo(pos.Symbol, fsm.StateError, err.Error())
			return
		}
	} else {
		var err error
		pnl, err = t.finalizeZeroRemaining(ctx, pos, price)
		if err != nil {
			t.log.Error("close_failed", "symbol", pos.Symbol, "error", err)
		}
	}

	if pos.Protection.StopOrderID != 0 || pos.Protection.TPOrderID != 0 {
		if _, _, err := t.exec.MaybeReviseProtection(pos.Symbol, pos.Side, 0, 0, 0, pos.Protection); err != nil {
			t.log.Warn("protection_cleanup_failed", "symbol", pos.Symbol, "error", err)
		}
	}

	t.states.TransitionTo(pos.Symbol, fsm.StateClosed, reason)
	delete(t.positions, pos.Symbol)
	if err := t.posRepo.Delete(ctx, pos.Symbol); err != nil {
		t.log.Warn("position_state_delete_failed", "symbol", pos.Symbol, "error", err)
	}
	t.bus.PublishTradeClosed(pos.Symbol, price, pnl, pos.TradeID)
}

// finalizeZeroRemaining closes the trade row when scale-outs already took the
// whole size and there is nothing left to sell.
func (t *Trader) finalizeZeroRemaining(ctx context.Context, pos *Position, price float64) (float64, error) {
	execs, err := t.st.ListExecutions(ctx, pos.TradeID)
	if err != nil {
		return 0, err
	}
	var scaleOuts []store.Execution
	for _, ex := range execs {
		if ex.ExecType == store.ExecScaleOut {
			scaleOuts = append(scaleOuts, ex)
		}
	}
	pnl := store.WeightedPnLPct(pos.Side, pos.EntryPrice, pos.Size, scaleOuts, price, 0)
	if err := t.st.CloseTrade(ctx, pos.TradeID, price, pnl, 0, time.Now().UTC()); err != nil {
		return pnl, err
	}
	return pnl, nil
}

// finalizeLocalLocked closes the trade without touching the exchange, used
// when reconciliation found the position already gone remotely.
func (t *Trader) finalizeLocalLocked(ctx context.Context, symbol string, price float64, reason string) {
	pos, ok := t.positions[symbol]
	if !ok {
		return
	}
	t.states.TransitionTo(symbol, fsm.StateClosing, reason)
	pnl, err := t.finalizeZeroRemaining(ctx, pos, price)
	if err != nil {
		t.log.Warn("local_finalize_failed", "symbol", symbol, "error", err)
	}
	t.states.TransitionTo(symbol, fsm.StateClosed, reason)
	delete(t.positions, symbol)
	t.exec.ForgetProtection(symbol)
	if err := t.posRepo.Delete(ctx, symbol); err != nil {
		t.log.Warn("position_state_delete_failed", "symbol", symbol, "error", err)
	}
	t.log.Event("position_finalized_locally", "symbol", symbol, "reason", reason, "pnl_pct", pnl)
	t.bus.PublishTradeClosed(symbol, price, pnl, pos.TradeID)
}

// CloseAllPositions flattens every open position, most recently opened last.
// Used by the risk controller at EMERGENCY.
func (t *Trader) CloseAllPositions(ctx context.Context, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	closed := 0
	for _, pos := range t.positions {
		price := pos.LastPrice
		if price <= 0 {
			price = pos.EntryPrice
		}
		t.closeLocked(ctx, pos, price, reason)
		closed++
	}
	return closed
}

// OpenPositions returns a copy of the current positions.
func (t *Trader) OpenPositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

func (t *Trader) savePositionLocked(ctx context.Context, pos *Position) {
	pp := &store.PersistedPosition{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		PositionSize:  pos.Size,
		RemainingSize: pos.Remaining,
		StopLoss:      pos.StopLoss,
		TakeProfit:    pos.TakeProfit,
		TradeID:       pos.TradeID,
		ATR:           pos.ATR,
		State:         string(t.states.Current(pos.Symbol)),
		ScaledOut:     pos.ScaledOut,
		SavedAt:       time.Now().UTC(),
	}
	if pos.Protection.StopOrderID != 0 || pos.Protection.TPOrderID != 0 {
		pp.ProtectionIDs = []int64{pos.Protection.StopOrderID, pos.Protection.TPOrderID}
	}
	if err := t.posRepo.Save(ctx, pp); err != nil {
		t.log.Warn("position_state_save_failed", "symbol", pos.Symbol, "error", err)
	}
}

// Snapshot implements the reconciliation view of local positions.
func (t *Trader) Snapshot() []reconcile.LocalPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]reconcile.LocalPosition, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, reconcile.LocalPosition{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Size:       p.Size,
			Remaining:  p.Remaining,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Protection: p.Protection,
			TradeID:    p.TradeID,
		})
	}
	return out
}

// ResyncRemaining adopts the exchange-reported size for a desynced position.
// Growth beyond the recorded size means fills arrived that were never seen
// locally; those are folded into the persisted trade so the stored size and
// weighted entry keep matching the exchange.
func (t *Trader) ResyncRemaining(ctx context.Context, symbol string, remaining, exchangeEntry float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return
	}
	pos.Remaining = remaining
	if remaining > pos.Size {
		fillQty := remaining - pos.Size
		fillPrice := pos.EntryPrice
		if exchangeEntry > 0 {
			// Back out the unseen fills' price from the exchange's weighted
			// entry so the stored average lands exactly on it.
			fillPrice = (exchangeEntry*remaining - pos.EntryPrice*pos.Size) / fillQty
			if fillPrice <= 0 {
				fillPrice = exchangeEntry
			}
		}
		entry, total, err := t.exec.ApplyPartialFill(ctx, pos.TradeID, pos.EntryPrice, pos.Size, fillPrice, fillQty)
		if err != nil {
			t.log.Warn("resync_persist_failed", "symbol", symbol, "error", err)
			pos.Size = remaining
		} else {
			pos.EntryPrice = entry
			pos.Size = total
		}
	}
	t.savePositionLocked(ctx, pos)
}

// SetProtection records healed protection order ids.
func (t *Trader) SetProtection(symbol string, ids exchange.ProtectionIDs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[symbol]; ok {
		pos.Protection = ids
	}
}

// RequestLocalClose flags a symbol for local-only finalization on the next
// price update.
func (t *Trader) RequestLocalClose(symbol, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[symbol]; ok {
		t.localClose[symbol] = reason
	}
}

var _ reconcile.LocalView = (*Trader)(nil)
var _ risk.PositionCloser = (*Trader)(nil)
