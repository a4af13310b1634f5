package execution

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *exchange.PaperGateway, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gw := exchange.NewPaperGateway()
	rec := metrics.NewRecorder(st, 20, time.Hour, zerolog.Nop())
	log := logging.NewWriter(io.Discard, logging.ERROR)
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	eng := NewEngine(cfg, gw, st, rec, nil, log)
	return eng, gw, st
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPositionSizeScalesWithVolatilityAndStrength(t *testing.T) {
	cfg := SizingConfig{StopMultiplier: 1.5, RefATRPct: 2.0, ScaleMin: 0.5, ScaleMax: 1.5}
	gw := exchange.NewPaperGateway()

	// ATR% equals the reference: no volatility scaling, weakest signal.
	// 100 / (2 * 1.5) * 1.0 * 0.9 = 30
	got := PositionSize(cfg, gw, "BTCUSDT", 100, 2.0, 100, 0)
	if !almostEqual(got, 30) {
		t.Fatalf("expected 30, got %v", got)
	}

	// Half the reference volatility hits the upper clamp (1.5x), strongest
	// signal adds 1.3x: 100 / (1 * 1.5) * 1.5 * 1.3 = 130
	got = PositionSize(cfg, gw, "BTCUSDT", 100, 1.0, 100, 1)
	if !almostEqual(got, 130) {
		t.Fatalf("expected 130, got %v", got)
	}

	if PositionSize(cfg, gw, "BTCUSDT", 100, 0, 100, 1) != 0 {
		t.Fatal("zero ATR must size to zero")
	}
}

func TestPositionSizeRespectsFilters(t *testing.T) {
	cfg := DefaultSizingConfig()
	gw := exchange.NewPaperGateway()
	gw.SetFilter("BTCUSDT", exchange.SymbolFilter{StepSize: 0.01, MinQty: 0.01})

	got := PositionSize(cfg, gw, "BTCUSDT", 100, 2.0, 100, 0)
	steps := got / 0.01
	if math.Abs(steps-math.Round(steps)) > 1e-6 {
		t.Fatalf("size %v not aligned to step", got)
	}
}

func TestPlaceWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	gw.SetMarkPrice("BTCUSDT", 100)
	gw.FailPlaces = 2

	fill, err := eng.PlaceEntry(context.Background(), "BTCUSDT", exchange.SideBuy, 1, 100)
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}
	if fill == nil {
		t.Fatal("expected a fill after retries")
	}
	if fill.Price != 100 || fill.Qty != 1 {
		t.Fatalf("unexpected fill: %+v", fill)
	}
}

func TestPlaceWithRetryExhaustsAndSkips(t *testing.T) {
	log := logging.NewWriter(io.Discard, logging.ERROR)
	gw := exchange.NewPaperGateway()
	gw.FailPlaces = 10

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	start := time.Now()
	order, err := PlaceWithRetry(context.Background(), gw, nil, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.TypeMarket, Qty: 1,
	}, policy, log)
	if err != nil {
		t.Fatalf("exhaustion must not surface an error, got %v", err)
	}
	if order != nil {
		t.Fatal("expected nil order after exhaustion")
	}
	// Exactly max_attempts-1 backoff waits: 1ms + 2ms.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Fatalf("expected two backoff waits, elapsed %v", elapsed)
	}
	if gw.FailPlaces != 7 {
		t.Fatalf("expected exactly 3 placement attempts, %d failures left", gw.FailPlaces)
	}
}

func TestPlaceWithRetryRespectsContextCancel(t *testing.T) {
	log := logging.NewWriter(io.Discard, logging.ERROR)
	gw := exchange.NewPaperGateway()
	gw.FailPlaces = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2}
	_, err := PlaceWithRetry(ctx, gw, nil, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.TypeMarket, Qty: 1,
	}, policy, log)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestExtractFillsWeightsMultipleFills(t *testing.T) {
	o := &exchange.Order{
		Fills: []exchange.Fill{{Price: 100, Qty: 3}, {Price: 102, Qty: 1}},
	}
	price, qty := ExtractFills(o)
	if !almostEqual(price, 100.5) {
		t.Fatalf("expected weighted price 100.5, got %v", price)
	}
	if qty != 4 {
		t.Fatalf("expected qty 4, got %v", qty)
	}
}

func TestSlippageSignFlipsBySide(t *testing.T) {
	// Buying above reference is adverse.
	if bps := SlippageBps(exchange.SideBuy, 100, 100.1); !almostEqual(bps, 10) {
		t.Fatalf("buy slippage: expected 10 bps, got %v", bps)
	}
	// Selling above reference is favorable.
	if bps := SlippageBps(exchange.SideSell, 100, 100.1); !almostEqual(bps, -10) {
		t.Fatalf("sell slippage: expected -10 bps, got %v", bps)
	}
}

func TestRecordOpenPersistsTradeAndEntryExecution(t *testing.T) {
	eng, _, st := newTestEngine(t)
	ctx := context.Background()

	trade := &store.Trade{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		OpenedAt: time.Now(),
		StopLoss: 95, TakeProfit: 110,
	}
	fill := &EntryFill{OrderID: 7, Price: 100, Qty: 2, SlippageBps: 5}
	if err := eng.RecordOpen(ctx, trade, fill); err != nil {
		t.Fatalf("RecordOpen failed: %v", err)
	}
	if trade.ID == 0 {
		t.Fatal("expected trade id assigned")
	}

	execs, err := st.ListExecutions(ctx, trade.ID)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(execs) != 1 || execs[0].ExecType != store.ExecEntry {
		t.Fatalf("expected one entry execution, got %+v", execs)
	}
}

func TestApplyPartialFillWeightsEntry(t *testing.T) {
	eng, _, st := newTestEngine(t)
	ctx := context.Background()

	trade := &store.Trade{Symbol: "BTCUSDT", Side: exchange.SideBuy, OpenedAt: time.Now()}
	if err := eng.RecordOpen(ctx, trade, &EntryFill{OrderID: 1, Price: 100, Qty: 2}); err != nil {
		t.Fatalf("RecordOpen failed: %v", err)
	}

	entry, size, err := eng.ApplyPartialFill(ctx, trade.ID, 100, 2, 103, 1)
	if err != nil {
		t.Fatalf("ApplyPartialFill failed: %v", err)
	}
	if !almostEqual(entry, 101) || size != 3 {
		t.Fatalf("expected entry 101 size 3, got %v %v", entry, size)
	}

	got, err := st.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if !almostEqual(got.EntryPrice, 101) || got.Size != 3 {
		t.Fatalf("persisted entry not updated: %+v", got)
	}
}

func TestProtectionOCOFallback(t *testing.T) {
	log := logging.NewWriter(io.Discard, logging.ERROR)
	gw := exchange.NewPaperGateway()
	gw.RejectOCO = true

	ids, err := PlaceProtection(gw, exchange.ModeSpot, "BTCUSDT", exchange.SideBuy, 1, 110, 95, log)
	if err != nil {
		t.Fatalf("fallback placement failed: %v", err)
	}
	if ids.StopOrderID == 0 || ids.TPOrderID == 0 {
		t.Fatalf("expected two independent legs, got %+v", ids)
	}
}

func TestProtectionFutures(t *testing.T) {
	log := logging.NewWriter(io.Discard, logging.ERROR)
	gw := exchange.NewPaperGateway()

	ids, err := PlaceProtection(gw, exchange.ModeFutures, "BTCUSDT", exchange.SideSell, 1, 90, 105, log)
	if err != nil {
		t.Fatalf("futures protection failed: %v", err)
	}
	if ids.StopOrderID == 0 || ids.TPOrderID == 0 {
		t.Fatalf("expected both order ids, got %+v", ids)
	}
}

func TestMaybeReviseProtectionActsOnlyOnQtyChange(t *testing.T) {
	eng, gw, _ := newTestEngine(t)

	ids, revised, err := eng.MaybeReviseProtection("BTCUSDT", exchange.SideBuy, 2, 110, 95, exchange.ProtectionIDs{})
	if err != nil || !revised {
		t.Fatalf("expected initial revision, revised=%v err=%v", revised, err)
	}

	same, revised, err := eng.MaybeReviseProtection("BTCUSDT", exchange.SideBuy, 2, 110, 95, ids)
	if err != nil {
		t.Fatalf("revision check failed: %v", err)
	}
	if revised {
		t.Fatal("unchanged remaining must not re-place protection")
	}
	if same != ids {
		t.Fatalf("expected ids unchanged, got %+v", same)
	}

	_, revised, err = eng.MaybeReviseProtection("BTCUSDT", exchange.SideBuy, 1, 110, 95, ids)
	if err != nil || !revised {
		t.Fatalf("expected revision after scale-out, revised=%v err=%v", revised, err)
	}

	open, _ := gw.GetOpenOrders("BTCUSDT")
	if len(open) != 2 {
		t.Fatalf("expected old legs cancelled and two live, got %d", len(open))
	}
}

func TestClosePositionFoldsScaleOuts(t *testing.T) {
	eng, gw, st := newTestEngine(t)
	ctx := context.Background()
	gw.SetMarkPrice("BTCUSDT", 105)

	trade := &store.Trade{Symbol: "BTCUSDT", Side: exchange.SideBuy, OpenedAt: time.Now()}
	if err := eng.RecordOpen(ctx, trade, &EntryFill{OrderID: 1, Price: 100, Qty: 10}); err != nil {
		t.Fatalf("RecordOpen failed: %v", err)
	}
	// Scale out 4 at +10%.
	if _, err := st.InsertExecution(ctx, &store.Execution{
		TradeID: trade.ID, Symbol: "BTCUSDT", Side: exchange.SideSell,
		ExecType: store.ExecScaleOut, Qty: 4, Price: 110,
		CreatedAt: time.Now(), DedupKey: "so-1",
	}); err != nil {
		t.Fatalf("InsertExecution failed: %v", err)
	}

	// Final 6 exit at 105: 10%*0.4 + 5%*0.6 = 7%.
	pnl, err := eng.ClosePosition(ctx, trade.ID, "BTCUSDT", exchange.SideBuy, 100, 10, 6, 105)
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if !almostEqual(pnl, 7) {
		t.Fatalf("expected 7%% weighted pnl, got %v", pnl)
	}

	got, err := st.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if got.Open() {
		t.Fatal("trade should be closed")
	}

	// Closing again must hit the exactly-once guard.
	if _, err := eng.ClosePosition(ctx, trade.ID, "BTCUSDT", exchange.SideBuy, 100, 10, 6, 105); err == nil {
		t.Fatal("expected error on double close")
	}
}
