package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
)

// Config groups the execution tuning.
type Config struct {
	Sizing SizingConfig        `json:"sizing"`
	Retry  RetryPolicy         `json:"retry"`
	Mode   exchange.MarketMode `json:"mode"`
}

// DefaultConfig returns the standard execution tuning for spot trading.
func DefaultConfig() Config {
	return Config{
		Sizing: DefaultSizingConfig(),
		Retry:  DefaultRetryPolicy(),
		Mode:   exchange.ModeSpot,
	}
}

// EntryFill is the outcome of a placed entry order.
type EntryFill struct {
	OrderID     int64
	Price       float64
	Qty         float64
	SlippageBps float64
}

// Engine performs order placement and persistence for the trading core.
// Revision bookkeeping makes protection updates idempotent per symbol.
type Engine struct {
	cfg  Config
	gw   exchange.Gateway
	st   *store.Store
	rec  *metrics.Recorder
	halt *guards.HaltFlag
	log  *logging.EventLogger

	mu        sync.Mutex
	protected map[string]float64 // symbol -> remaining qty last protected
}

// NewEngine wires an execution engine.
func NewEngine(cfg Config, gw exchange.Gateway, st *store.Store, rec *metrics.Recorder, halt *guards.HaltFlag, log *logging.EventLogger) *Engine {
	return &Engine{
		cfg:       cfg,
		gw:        gw,
		st:        st,
		rec:       rec,
		halt:      halt,
		log:       log.WithComponent("execution"),
		protected: make(map[string]float64),
	}
}

// Size computes the order quantity for a signal at the given risk amount.
func (e *Engine) Size(symbol string, price, atr, riskAmount, strength float64) float64 {
	return PositionSize(e.cfg.Sizing, e.gw, symbol, price, atr, riskAmount, strength)
}

// PlaceEntry submits a market entry with retries and returns the extracted
// fill. A nil fill with a nil error means the order was skipped after
// exhausting retries.
func (e *Engine) PlaceEntry(ctx context.Context, symbol, side string, qty, refPrice float64) (*EntryFill, error) {
	start := time.Now()
	order, err := PlaceWithRetry(ctx, e.gw, e.halt, exchange.OrderRequest{
		Symbol: symbol,
		Side:   side,
		Type:   exchange.TypeMarket,
		Qty:    qty,
		Price:  refPrice,
	}, e.cfg.Retry, e.log)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	e.rec.RecordLatency(time.Since(start))

	price, filled := ExtractFills(order)
	slip := SlippageBps(side, refPrice, price)
	e.rec.RecordSlippage(slip)
	metrics.OrdersPlaced.WithLabelValues(side).Inc()
	return &EntryFill{OrderID: order.OrderID, Price: price, Qty: filled, SlippageBps: slip}, nil
}

// RecordOpen persists the trade created by the first fill and its entry
// execution. The trade's ID is filled in on success.
func (e *Engine) RecordOpen(ctx context.Context, t *store.Trade, fill *EntryFill) error {
	t.EntryPrice = fill.Price
	t.Size = fill.Qty
	t.EntrySlippageBps = fill.SlippageBps
	id, err := e.st.InsertTrade(ctx, t)
	if err != nil {
		return fmt.Errorf("record open %s: %w", t.Symbol, err)
	}
	t.ID = id

	_, err = e.st.InsertExecution(ctx, &store.Execution{
		TradeID:   id,
		Symbol:    t.Symbol,
		Side:      t.Side,
		ExecType:  store.ExecEntry,
		Qty:       fill.Qty,
		Price:     fill.Price,
		CreatedAt: time.Now().UTC(),
		DedupKey:  fmt.Sprintf("%d|entry|%d", id, fill.OrderID),
	})
	if err != nil {
		// Telemetry only; the trade row is already the source of truth.
		e.log.Warn("entry_execution_write_failed", "trade_id", id, "error", err)
	}

	e.log.Event("trade_opened",
		"symbol", t.Symbol,
		"side", t.Side,
		"entry_price", fill.Price,
		"size", fill.Qty,
		"slippage_bps", fill.SlippageBps,
		"trade_id", id)
	e.rec.MaybeFlush(ctx)
	return nil
}

// ApplyPartialFill folds a later partial fill into the trade's
// volume-weighted entry price and returns the new entry and total size.
func (e *Engine) ApplyPartialFill(ctx context.Context, tradeID int64, entryPrice, filledQty, fillPrice, fillQty float64) (float64, float64, error) {
	total := filledQty + fillQty
	if total <= 0 {
		return entryPrice, filledQty, nil
	}
	weighted := (entryPrice*filledQty + fillPrice*fillQty) / total
	if err := e.st.UpdateEntry(ctx, tradeID, weighted, total); err != nil {
		return entryPrice, filledQty, fmt.Errorf("apply partial fill: %w", err)
	}
	return weighted, total, nil
}

// MaybeReviseProtection places or re-sizes protection only when remaining
// quantity changed since the last revision for the symbol. It returns the
// current protection ids and whether a revision happened.
func (e *Engine) MaybeReviseProtection(symbol, entrySide string, remaining, takeProfit, stopLoss float64, current exchange.ProtectionIDs) (exchange.ProtectionIDs, bool, error) {
	e.mu.Lock()
	last, seen := e.protected[symbol]
	e.mu.Unlock()
	if seen && last == remaining {
		return current, false, nil
	}

	if current.StopOrderID != 0 || current.TPOrderID != 0 {
		cancelProtection(e.gw, symbol, current, e.log)
	}
	if remaining <= 0 {
		e.mu.Lock()
		delete(e.protected, symbol)
		e.mu.Unlock()
		return exchange.ProtectionIDs{}, true, nil
	}

	qty, _ := e.gw.Quantize(symbol, remaining, 0)
	if qty <= 0 {
		qty = remaining
	}
	ids, err := PlaceProtection(e.gw, e.cfg.Mode, symbol, entrySide, qty, takeProfit, stopLoss, e.log)
	if err != nil {
		return current, false, err
	}
	e.mu.Lock()
	e.protected[symbol] = remaining
	e.mu.Unlock()
	return ids, true, nil
}

// ForgetProtection clears revision bookkeeping after a position closes.
func (e *Engine) ForgetProtection(symbol string) {
	e.mu.Lock()
	delete(e.protected, symbol)
	e.mu.Unlock()
}

// ClosePosition exits the remaining size with an opposing market order and
// persists the closure. Realized PnL folds in all prior scale-out fills.
func (e *Engine) ClosePosition(ctx context.Context, tradeID int64, symbol, side string, entryPrice, size, remaining, refPrice float64) (float64, error) {
	order, err := PlaceWithRetry(ctx, e.gw, nil, exchange.OrderRequest{
		Symbol: symbol,
		Side:   ExitSide(side),
		Type:   exchange.TypeMarket,
		Qty:    remaining,
		Price:  refPrice,
	}, e.cfg.Retry, e.log)
	if err != nil {
		return 0, err
	}
	if order == nil {
		return 0, fmt.Errorf("close %s: attempts exhausted", symbol)
	}

	exitPrice, _ := ExtractFills(order)
	slip := SlippageBps(ExitSide(side), refPrice, exitPrice)
	e.rec.RecordSlippage(slip)

	execs, err := e.st.ListExecutions(ctx, tradeID)
	if err != nil {
		return 0, fmt.Errorf("close %s: %w", symbol, err)
	}
	var scaleOuts []store.Execution
	for _, ex := range execs {
		if ex.ExecType == store.ExecScaleOut {
			scaleOuts = append(scaleOuts, ex)
		}
	}
	pnl := store.WeightedPnLPct(side, entryPrice, size, scaleOuts, exitPrice, remaining)

	if err := e.st.CloseTrade(ctx, tradeID, exitPrice, pnl, slip, time.Now().UTC()); err != nil {
		return pnl, fmt.Errorf("close %s: %w", symbol, err)
	}
	if _, err := e.st.InsertExecution(ctx, &store.Execution{
		TradeID:   tradeID,
		Symbol:    symbol,
		Side:      ExitSide(side),
		ExecType:  store.ExecClose,
		Qty:       remaining,
		Price:     exitPrice,
		CreatedAt: time.Now().UTC(),
		DedupKey:  fmt.Sprintf("%d|close|%d", tradeID, order.OrderID),
	}); err != nil {
		e.log.Warn("close_execution_write_failed", "trade_id", tradeID, "error", err)
	}

	result := "win"
	if pnl < 0 {
		result = "loss"
	}
	metrics.TradesClosed.WithLabelValues(result).Inc()
	e.log.Event("trade_closed",
		"symbol", symbol,
		"side", side,
		"exit_price", exitPrice,
		"pnl_pct", pnl,
		"slippage_bps", slip,
		"trade_id", tradeID)
	e.ForgetProtection(symbol)
	e.rec.MaybeFlush(ctx)
	return pnl, nil
}
