package logging

import (
	"fmt"
)

// SchemaValidator checks that known events carry their required fields.
// Unknown events pass through unvalidated.
type SchemaValidator struct {
	required map[string][]string
}

// NewSchemaValidator builds a validator from event name -> required field names.
func NewSchemaValidator(required map[string][]string) *SchemaValidator {
	return &SchemaValidator{required: required}
}

// DefaultSchemas covers the core lifecycle events.
func DefaultSchemas() *SchemaValidator {
	return NewSchemaValidator(map[string][]string{
		"guard_rejected":     {"guard", "reason"},
		"state_transition":   {"symbol", "from", "to"},
		"trade_opened":       {"symbol", "side", "entry_price", "size"},
		"trade_closed":       {"symbol", "exit_price", "pnl_pct"},
		"partial_exit":       {"symbol", "qty", "price", "r_multiple"},
		"trailing_update":    {"symbol", "old_stop", "new_stop"},
		"order_retry":        {"symbol", "attempt"},
		"risk_level_changed": {"from", "to", "reason"},
	})
}

// Validate returns an error when a known event is missing required fields.
func (v *SchemaValidator) Validate(event string, fields map[string]interface{}) error {
	req, known := v.required[event]
	if !known {
		return nil
	}
	for _, name := range req {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("event %s missing required field %s", event, name)
		}
	}
	return nil
}
