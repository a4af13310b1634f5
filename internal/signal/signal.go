// Package signal defines the typed trade signal payload consumed by the
// trader. Payloads are validated once at this boundary; downstream code can
// rely on the fields without defensive checks.
package signal

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Direction of a signal.
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD"
)

// Signal is the boundary payload from the strategy layer.
type Signal struct {
	Symbol     string  `json:"symbol" validate:"required"`
	Signal     string  `json:"signal" validate:"required,oneof=BUY SELL HOLD"`
	ClosePrice float64 `json:"close_price" validate:"required,gt=0"`
	PrevClose  float64 `json:"prev_close" validate:"gte=0"`
	Volume24h  float64 `json:"volume_24h" validate:"gte=0"`
	TotalScore float64 `json:"total_score"`

	// Optional strategy context. ATR is required for sizing; zero means the
	// caller did not supply one and the trade is skipped.
	ATR          float64            `json:"atr,omitempty"`
	StopLoss     float64            `json:"stop_loss,omitempty"`
	TakeProfit   float64            `json:"take_profit,omitempty"`
	StrategyTag  string             `json:"strategy_tag,omitempty"`
	ParamSetID   string             `json:"param_set_id,omitempty"`
	Indicators   map[string]float64 `json:"indicators,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at,omitempty"`
}

var validate = validator.New()

// Validate checks the payload once at the boundary.
func (s *Signal) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid signal for %s: %w", s.Symbol, err)
	}
	return nil
}

// Actionable reports whether the signal requests an order.
func (s *Signal) Actionable() bool {
	return s.Signal == SignalBuy || s.Signal == SignalSell
}

// Side maps the signal direction to an order side.
func (s *Signal) Side() string {
	switch s.Signal {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return ""
	}
}

// Strength normalizes the total score into [0,1]. Scores are expected in
// [-100,100]; magnitude drives sizing regardless of direction.
func (s *Signal) Strength() float64 {
	score := s.TotalScore
	if score < 0 {
		score = -score
	}
	if score > 100 {
		score = 100
	}
	return score / 100
}
