// Package fsm implements the order lifecycle state machine. Transitions are
// validated against an explicit table; an illegal transition is a consistency
// bug and is logged at error level, distinct from ordinary guard rejections.
package fsm

import (
	"sync"

	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
)

// OrderState is one lifecycle state of a symbol's order flow.
type OrderState string

const (
	StateInit           OrderState = "INIT"
	StateSubmitting     OrderState = "SUBMITTING"
	StateOpenPending    OrderState = "OPEN_PENDING"
	StatePartial        OrderState = "PARTIAL"
	StateOpen           OrderState = "OPEN"
	StateActive         OrderState = "ACTIVE"
	StateScalingOut     OrderState = "SCALING_OUT"
	StateTrailingAdjust OrderState = "TRAILING_ADJUST"
	StateClosing        OrderState = "CLOSING"
	StateClosed         OrderState = "CLOSED"
	StateCancelPending  OrderState = "CANCEL_PENDING"
	StateCancelled      OrderState = "CANCELLED"
	StateError          OrderState = "ERROR"
)

// allowedTransitions is the directed transition table. PARTIAL→PARTIAL models
// repeated partial fills; CLOSED and CANCELLED are terminal.
var allowedTransitions = map[OrderState][]OrderState{
	StateInit:           {StateSubmitting, StateError},
	StateSubmitting:     {StateOpenPending, StatePartial, StateOpen, StateCancelPending, StateError},
	StateOpenPending:    {StatePartial, StateOpen, StateCancelPending, StateError},
	StatePartial:        {StatePartial, StateOpen, StateCancelPending, StateClosing, StateError},
	StateOpen:           {StateActive, StateClosing, StateError},
	StateActive:         {StateScalingOut, StateTrailingAdjust, StateClosing, StateError},
	StateScalingOut:     {StateActive, StateTrailingAdjust, StateClosing, StateError},
	StateTrailingAdjust: {StateActive, StateScalingOut, StateClosing, StateError},
	StateClosing:        {StateClosed, StateError},
	StateCancelPending:  {StateCancelled, StateError},
	StateClosed:         {},
	StateCancelled:      {},
	StateError:          {StateInit, StateClosing},
}

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// CanTransition checks the allowed-transition table.
func CanTransition(from, to OrderState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine tracks the current state per symbol.
type StateMachine struct {
	mu     sync.Mutex
	states map[string]OrderState
	log    *logging.EventLogger
}

// New creates a state machine. Unseen symbols report INIT.
func New(log *logging.EventLogger) *StateMachine {
	return &StateMachine{
		states: make(map[string]OrderState),
		log:    log.WithComponent("fsm"),
	}
}

// Current returns the state for a symbol, defaulting to INIT.
func (m *StateMachine) Current(symbol string) OrderState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[symbol]; ok {
		return state
	}
	return StateInit
}

// TransitionTo attempts a validated transition. On success the state is
// mutated and one transition event is emitted; on failure the state is left
// unchanged and false is returned. Callers must treat false as "state
// unchanged", not as an exception.
func (m *StateMachine) TransitionTo(symbol string, target OrderState, reason string) bool {
	m.mu.Lock()
	current, ok := m.states[symbol]
	if !ok {
		current = StateInit
	}

	if !CanTransition(current, target) {
		m.mu.Unlock()
		metrics.StateViolations.Inc()
		m.log.Error("state_violation",
			"symbol", symbol,
			"from", string(current),
			"to", string(target),
			"reason", reason)
		return false
	}

	m.states[symbol] = target
	m.mu.Unlock()

	m.log.Event("state_transition",
		"symbol", symbol,
		"from", string(current),
		"to", string(target),
		"reason", reason)
	return true
}

// SetInitialState seeds state during startup rehydration without validating
// against the transition table. Bootstrap only.
func (m *StateMachine) SetInitialState(symbol string, state OrderState) {
	m.mu.Lock()
	m.states[symbol] = state
	m.mu.Unlock()

	m.log.Event("state_rehydrated", "symbol", symbol, "state", string(state))
}

// Reset clears a symbol back to INIT after terminal cleanup.
func (m *StateMachine) Reset(symbol string) {
	m.mu.Lock()
	delete(m.states, symbol)
	m.mu.Unlock()
}

// Snapshot returns a copy of all tracked states.
func (m *StateMachine) Snapshot() map[string]OrderState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]OrderState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}
