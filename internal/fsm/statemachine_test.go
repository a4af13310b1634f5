package fsm

import (
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
)

func newTestMachine() *StateMachine {
	return New(logging.NewWriter(io.Discard, logging.ERROR))
}

// TestUnseenSymbolDefaultsToInit verifies the default state for new symbols
func TestUnseenSymbolDefaultsToInit(t *testing.T) {
	m := newTestMachine()

	if got := m.Current("BTCUSDT"); got != StateInit {
		t.Errorf("Expected INIT for unseen symbol, got %s", got)
	}
}

// TestValidTransitionSucceeds verifies an allowed transition mutates state
func TestValidTransitionSucceeds(t *testing.T) {
	m := newTestMachine()

	if !m.TransitionTo("BTCUSDT", StateSubmitting, "order placed") {
		t.Fatal("INIT -> SUBMITTING should be allowed")
	}
	if got := m.Current("BTCUSDT"); got != StateSubmitting {
		t.Errorf("Expected SUBMITTING, got %s", got)
	}
}

// TestInvalidTransitionLeavesStateUnchanged verifies rejection semantics
func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := newTestMachine()

	if m.TransitionTo("BTCUSDT", StateClosed, "skip lifecycle") {
		t.Fatal("INIT -> CLOSED should be rejected")
	}
	if got := m.Current("BTCUSDT"); got != StateInit {
		t.Errorf("Expected state unchanged (INIT), got %s", got)
	}
}

// TestInvalidTransitionBumpsViolationCounter verifies rejections are counted
func TestInvalidTransitionBumpsViolationCounter(t *testing.T) {
	m := newTestMachine()
	before := testutil.ToFloat64(metrics.StateViolations)

	if m.TransitionTo("BTCUSDT", StateActive, "skip lifecycle") {
		t.Fatal("INIT -> ACTIVE should be rejected")
	}
	if got := testutil.ToFloat64(metrics.StateViolations) - before; got != 1 {
		t.Errorf("Expected one counted violation, got %v", got)
	}

	m.TransitionTo("BTCUSDT", StateSubmitting, "order placed")
	if got := testutil.ToFloat64(metrics.StateViolations) - before; got != 1 {
		t.Errorf("Valid transition must not bump the counter, got %v", got)
	}
}

// TestTransitionTableExhaustive walks every state pair and checks TransitionTo
// succeeds iff the pair is in the allowed table
func TestTransitionTableExhaustive(t *testing.T) {
	all := []OrderState{
		StateInit, StateSubmitting, StateOpenPending, StatePartial, StateOpen,
		StateActive, StateScalingOut, StateTrailingAdjust, StateClosing,
		StateClosed, StateCancelPending, StateCancelled, StateError,
	}

	for _, from := range all {
		for _, to := range all {
			m := newTestMachine()
			m.SetInitialState("SYM", from)

			want := CanTransition(from, to)
			got := m.TransitionTo("SYM", to, "table walk")
			if got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}

			wantState := from
			if want {
				wantState = to
			}
			if cur := m.Current("SYM"); cur != wantState {
				t.Errorf("%s -> %s: state is %s, want %s", from, to, cur, wantState)
			}
		}
	}
}

// TestPartialToPartialAllowed verifies the repeated partial fill loop
func TestPartialToPartialAllowed(t *testing.T) {
	m := newTestMachine()
	m.SetInitialState("ETHUSDT", StatePartial)

	if !m.TransitionTo("ETHUSDT", StatePartial, "second partial fill") {
		t.Error("PARTIAL -> PARTIAL should be allowed")
	}
}

// TestTerminalStatesAdmitNoTransitions verifies CLOSED and CANCELLED are terminal
func TestTerminalStatesAdmitNoTransitions(t *testing.T) {
	targets := []OrderState{
		StateInit, StateSubmitting, StateOpen, StateActive, StateClosing, StateError,
	}

	for _, terminal := range []OrderState{StateClosed, StateCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			if !terminal.Terminal() {
				t.Errorf("%s should report Terminal()", terminal)
			}
			for _, target := range targets {
				m := newTestMachine()
				m.SetInitialState("SYM", terminal)
				if m.TransitionTo("SYM", target, "escape attempt") {
					t.Errorf("%s -> %s should be rejected", terminal, target)
				}
			}
		})
	}
}

// TestSetInitialStateBypassesValidation verifies bootstrap rehydration
func TestSetInitialStateBypassesValidation(t *testing.T) {
	m := newTestMachine()

	// ACTIVE is never reachable from INIT directly, but rehydration may seed it.
	m.SetInitialState("BTCUSDT", StateActive)
	if got := m.Current("BTCUSDT"); got != StateActive {
		t.Errorf("Expected ACTIVE after rehydration, got %s", got)
	}
}

// TestResetClearsSymbol verifies Reset returns the symbol to INIT
func TestResetClearsSymbol(t *testing.T) {
	m := newTestMachine()
	m.SetInitialState("BTCUSDT", StateClosed)

	m.Reset("BTCUSDT")
	if got := m.Current("BTCUSDT"); got != StateInit {
		t.Errorf("Expected INIT after reset, got %s", got)
	}
}
