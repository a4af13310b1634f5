package trader

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kocbey434343-ux/AI-sub001/internal/events"
	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/execution"
	"github.com/kocbey434343-ux/AI-sub001/internal/fsm"
	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/idempotency"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
	"github.com/kocbey434343-ux/AI-sub001/internal/risk"
	"github.com/kocbey434343-ux/AI-sub001/internal/signal"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
	"github.com/kocbey434343-ux/AI-sub001/internal/trailing"
)

type testRig struct {
	trader *Trader
	gw     *exchange.PaperGateway
	st     *store.Store
	states *fsm.StateMachine
	halt   *guards.HaltFlag
	repo   *store.PositionStateRepo
}

func newTestTrader(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.NewWriter(io.Discard, logging.ERROR)
	gw := exchange.NewPaperGateway()
	rec := metrics.NewRecorder(st, 20, time.Hour, zerolog.Nop())
	halt := guards.NewHaltFlag(filepath.Join(t.TempDir(), "halt.flag"))
	corr := guards.NewCorrelationTracker(guards.DefaultCorrelationConfig())
	pipeline := guards.NewPipeline(guards.DefaultConfig(), st, halt, corr, log, "test-session")

	execCfg := execution.DefaultConfig()
	execCfg.Retry.BaseDelay = time.Millisecond
	exec := execution.NewEngine(execCfg, gw, st, rec, halt, log)

	states := fsm.New(log)
	riskCtrl := risk.NewController(risk.DefaultConfig(), 1.0, st, rec, halt, nil, log)
	repo := store.NewPositionStateRepo(nil, zerolog.Nop())
	bus := events.NewBus()
	idem := idempotency.NewGuard(idempotency.DefaultTTL)

	cfg := DefaultConfig()
	cfg.Trailing = trailing.Config{
		Tiers:         []trailing.Tier{{R: 1, Fraction: 0.5}},
		TrailPct:      50,
		ActivationR:   1.5,
		ATRMultiplier: 0,
		ATRCooldown:   time.Minute,
	}
	tr := New(cfg, pipeline, idem, exec, states, riskCtrl, st, repo, bus, log)
	return &testRig{trader: tr, gw: gw, st: st, states: states, halt: halt, repo: repo}
}

func buySignal(symbol string) *signal.Signal {
	return &signal.Signal{
		Symbol:     symbol,
		Signal:     "BUY",
		ClosePrice: 100,
		PrevClose:  99.5,
		Volume24h:  5_000_000,
		TotalScore: 60,
		ATR:        2,
		StopLoss:   95,
		TakeProfit: 120,
	}
}

func TestExecuteTradeOpensPosition(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}

	positions := rig.trader.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected one open position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Symbol != "BTCUSDT" || pos.Side != "BUY" || pos.Remaining != pos.Size {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if pos.Protection.StopOrderID == 0 && pos.Protection.TPOrderID == 0 {
		t.Fatal("expected protection placed")
	}
	if got := rig.states.Current("BTCUSDT"); got != fsm.StateActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}

	trade, err := rig.st.GetOpenTradeBySymbol(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("expected persisted open trade: %v", err)
	}
	if trade.ID != pos.TradeID {
		t.Fatalf("trade id mismatch: %d vs %d", trade.ID, pos.TradeID)
	}
}

func TestExecuteTradeHoldIsNoop(t *testing.T) {
	rig := newTestTrader(t)
	sig := buySignal("BTCUSDT")
	sig.Signal = "HOLD"

	if err := rig.trader.ExecuteTrade(context.Background(), sig); err != nil {
		t.Fatalf("HOLD must not error: %v", err)
	}
	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("HOLD must not open a position")
	}
}

func TestExecuteTradeGuardRejection(t *testing.T) {
	rig := newTestTrader(t)
	if err := rig.halt.Set("maintenance"); err != nil {
		t.Fatalf("halt.Set failed: %v", err)
	}

	err := rig.trader.ExecuteTrade(context.Background(), buySignal("BTCUSDT"))
	var rej *guards.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected guard rejection, got %v", err)
	}
	if rej.Guard != guards.GuardHalt {
		t.Fatalf("expected halt guard, got %s", rej.Guard)
	}
	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("rejected signal must not open a position")
	}
}

func TestExecuteTradeSkipsWhenPositionOpen(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("first trade failed: %v", err)
	}
	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("repeat signal must be a silent skip: %v", err)
	}
	if len(rig.trader.OpenPositions()) != 1 {
		t.Fatal("expected a single position")
	}
}

func TestDuplicateFingerprintSuppressed(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	sig := buySignal("BTCUSDT")
	if err := rig.trader.ExecuteTrade(ctx, sig); err != nil {
		t.Fatalf("first trade failed: %v", err)
	}
	// Close it locally, then replay the identical signal inside the TTL.
	rig.trader.RequestLocalClose("BTCUSDT", "test")
	rig.trader.ProcessPriceUpdate(ctx, "BTCUSDT", 100)
	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("expected position finalized")
	}

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("identical fingerprint inside TTL must be suppressed")
	}
}

func TestPartialExitAndBreakeven(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}
	pos := rig.trader.OpenPositions()[0]
	size := pos.Size

	// Entry 100, stop 95 → 1R at 105 fires the 50% tier.
	rig.trader.ProcessPriceUpdate(ctx, "BTCUSDT", 105)

	positions := rig.trader.OpenPositions()
	if len(positions) != 1 {
		t.Fatal("position should remain open after partial exit")
	}
	pos = positions[0]
	if pos.Remaining >= size {
		t.Fatalf("expected reduced remaining, got %v of %v", pos.Remaining, size)
	}
	if pos.StopLoss != 100 {
		t.Fatalf("expected breakeven stop 100, got %v", pos.StopLoss)
	}

	execs, err := rig.st.ListExecutions(ctx, pos.TradeID)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	var scaleOuts int
	for _, ex := range execs {
		if ex.ExecType == store.ExecScaleOut {
			scaleOuts++
		}
	}
	if scaleOuts != 1 {
		t.Fatalf("expected one scale-out execution, got %d", scaleOuts)
	}
}

func TestStopHitClosesPosition(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}
	tradeID := rig.trader.OpenPositions()[0].TradeID

	rig.trader.ProcessPriceUpdate(ctx, "BTCUSDT", 94)

	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("expected position closed on stop hit")
	}
	if got := rig.states.Current("BTCUSDT"); got != fsm.StateClosed {
		t.Fatalf("expected CLOSED, got %s", got)
	}
	trade, err := rig.st.GetTrade(ctx, tradeID)
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if trade.Open() {
		t.Fatal("trade row should be finalized")
	}
	if *trade.PnlPct >= 0 {
		t.Fatalf("stop-out should lose, got %v%%", *trade.PnlPct)
	}
}

func TestCloseAllPositions(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		sig := buySignal(symbol)
		if err := rig.trader.ExecuteTrade(ctx, sig); err != nil {
			t.Fatalf("ExecuteTrade %s failed: %v", symbol, err)
		}
	}

	closed := rig.trader.CloseAllPositions(ctx, "emergency")
	if closed != 2 {
		t.Fatalf("expected 2 closures, got %d", closed)
	}
	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("expected all positions flat")
	}
}

func TestRehydrateSeedsPositionsAndStates(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.repo.Save(ctx, &store.PersistedPosition{
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		EntryPrice:    100,
		PositionSize:  2,
		RemainingSize: 1,
		StopLoss:      100,
		TakeProfit:    120,
		TradeID:       42,
		ATR:           2,
		State:         string(fsm.StateActive),
		ScaledOut:     []store.ScaledLeg{{RMultiple: 1, Qty: 1}},
		SavedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := rig.trader.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}

	positions := rig.trader.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected one rehydrated position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Remaining != 1 || pos.TradeID != 42 {
		t.Fatalf("unexpected rehydrated position: %+v", pos)
	}
	if pos.Trailing.TiersTaken != 1 || !pos.Trailing.BreakevenSet {
		t.Fatalf("trailing progress not restored: %+v", pos.Trailing)
	}
	if got := rig.states.Current("BTCUSDT"); got != fsm.StateActive {
		t.Fatalf("expected seeded ACTIVE, got %s", got)
	}
}

func TestResyncGrowthPersistsSizeAndEntry(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}
	pos := rig.trader.OpenPositions()[0]
	size := pos.Size

	// Unseen fills doubled the position; the exchange reports the weighted
	// entry across all of them.
	rig.trader.ResyncRemaining(ctx, "BTCUSDT", 2*size, 105)

	pos = rig.trader.OpenPositions()[0]
	if pos.Size != 2*size || pos.Remaining != 2*size {
		t.Fatalf("in-memory size not adopted: size=%v remaining=%v", pos.Size, pos.Remaining)
	}
	if pos.EntryPrice < 104.999 || pos.EntryPrice > 105.001 {
		t.Fatalf("expected weighted entry 105, got %v", pos.EntryPrice)
	}

	trade, err := rig.st.GetTrade(ctx, pos.TradeID)
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if trade.Size != pos.Size {
		t.Fatalf("stored size %v does not track resynced size %v", trade.Size, pos.Size)
	}
	if trade.EntryPrice != pos.EntryPrice {
		t.Fatalf("stored entry %v does not track weighted entry %v", trade.EntryPrice, pos.EntryPrice)
	}

	// Realized PnL at close and the maintenance backfill must now agree.
	rig.trader.ProcessPriceUpdate(ctx, "BTCUSDT", 94)
	if len(rig.trader.OpenPositions()) != 0 {
		t.Fatal("expected position closed on stop hit")
	}
	updated, err := rig.st.RecomputeClosedPnL(ctx)
	if err != nil {
		t.Fatalf("RecomputeClosedPnL failed: %v", err)
	}
	if updated != 0 {
		t.Fatalf("backfill rewrote %d trades; stored and realized PnL diverged", updated)
	}
}

func TestCloseAllUsesLastSeenPrice(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}
	tradeID := rig.trader.OpenPositions()[0].TradeID

	// A tick between entry and the first tier, then an emergency flatten.
	rig.trader.ProcessPriceUpdate(ctx, "BTCUSDT", 101)
	if closed := rig.trader.CloseAllPositions(ctx, "emergency"); closed != 1 {
		t.Fatalf("expected 1 closure, got %d", closed)
	}

	trade, err := rig.st.GetTrade(ctx, tradeID)
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if trade.ExitPrice == nil || *trade.ExitPrice != 101 {
		t.Fatalf("expected exit at last tick 101, got %+v", trade.ExitPrice)
	}
	if *trade.PnlPct <= 0 {
		t.Fatalf("flatten above entry should realize a gain, got %v%%", *trade.PnlPct)
	}
}

func TestReconcileViewRoundTrip(t *testing.T) {
	rig := newTestTrader(t)
	ctx := context.Background()

	if err := rig.trader.ExecuteTrade(ctx, buySignal("BTCUSDT")); err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}

	snap := rig.trader.Snapshot()
	if len(snap) != 1 || snap[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rig.trader.ResyncRemaining(ctx, "BTCUSDT", snap[0].Size/2, 0)
	if got := rig.trader.OpenPositions()[0].Remaining; got != snap[0].Size/2 {
		t.Fatalf("resync not applied, remaining %v", got)
	}

	ids := exchange.ProtectionIDs{StopOrderID: 7, TPOrderID: 8}
	rig.trader.SetProtection("BTCUSDT", ids)
	if got := rig.trader.OpenPositions()[0].Protection; got != ids {
		t.Fatalf("protection not applied: %+v", got)
	}
}
