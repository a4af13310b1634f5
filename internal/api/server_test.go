package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
	"github.com/kocbey434343-ux/AI-sub001/internal/trader"
)

func newTestServer(t *testing.T) (*Server, *guards.HaltFlag) {
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
	pipeline := guards.NewPipeline(guards.DefaultConfig(), st, halt, corr, log, "s")
	exec := execution.NewEngine(execution.DefaultConfig(), gw, st, rec, halt, log)
	riskCtrl := risk.NewController(risk.DefaultConfig(), 1.0, st, rec, halt, nil, log)
	repo := store.NewPositionStateRepo(nil, zerolog.Nop())
	tr := trader.New(trader.DefaultConfig(), pipeline, idempotency.NewGuard(idempotency.DefaultTTL), exec, fsm.New(log), riskCtrl, st, repo, events.NewBus(), log)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	srv := NewServer(DefaultServerConfig(), tr, riskCtrl, halt, st, reg, "session-1", log)
	return srv, halt
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/status", nil)
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["risk_level"] != "NORMAL" {
		t.Fatalf("expected NORMAL risk level, got %v", body["risk_level"])
	}
	if body["halted"] != false {
		t.Fatalf("expected not halted, got %v", body["halted"])
	}
}

func TestHaltSetAndClear(t *testing.T) {
	srv, halt := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/halt", strings.NewReader(`{"reason":"drill"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !halt.Exists() {
		t.Fatal("expected halt flag set")
	}
	if got := halt.Reason(); got != "drill" {
		t.Fatalf("expected reason drill, got %q", got)
	}

	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/halt", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if halt.Exists() {
		t.Fatal("expected halt flag cleared")
	}
}

func TestGuardEventsQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if err := srv.st.InsertGuardEvent(ctx, &store.GuardEvent{
		TS:        time.Now(),
		Guard:     "daily_loss",
		Symbol:    "BTCUSDT",
		Reason:    "limit reached",
		SessionID: "session-1",
		Severity:  "warning",
		Blocked:   true,
	}); err != nil {
		t.Fatalf("InsertGuardEvent failed: %v", err)
	}

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/guard-events?guard=daily_loss", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("expected one event, got %d", body.Count)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "risk_level") {
		t.Fatalf("expected risk_level gauge in exposition:\n%s", w.Body.String()[:min(300, w.Body.Len())])
	}
}
