// Package execution covers order sizing, retried placement, fill extraction,
// protection-order management and position closure against an exchange
// gateway.
package execution

import (
	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
)

// SizingConfig tunes ATR-based position sizing.
type SizingConfig struct {
	// StopMultiplier converts ATR into the stop distance used for sizing.
	StopMultiplier float64 `json:"stop_multiplier"`
	// RefATRPct is the reference volatility; quieter markets size up,
	// noisier markets size down, clamped to the band below.
	RefATRPct float64 `json:"ref_atr_pct"`
	ScaleMin  float64 `json:"scale_min"`
	ScaleMax  float64 `json:"scale_max"`
}

// DefaultSizingConfig returns the standard sizing tuning.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		StopMultiplier: 1.5,
		RefATRPct:      2.0,
		ScaleMin:       0.5,
		ScaleMax:       1.5,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PositionSize computes the order quantity for a signal. riskAmount is the
// account currency at risk, atr the current ATR in price units, strength the
// normalized signal strength in [0,1]. The result is quantized to the
// symbol's filters; zero means the trade cannot be sized.
func PositionSize(cfg SizingConfig, gw exchange.Gateway, symbol string, price, atr, riskAmount, strength float64) float64 {
	if price <= 0 || atr <= 0 || riskAmount <= 0 {
		return 0
	}
	stopDistance := atr * cfg.StopMultiplier
	if stopDistance <= 0 {
		return 0
	}
	qty := riskAmount / stopDistance

	atrPct := atr / price * 100
	if cfg.RefATRPct > 0 && atrPct > 0 {
		qty *= clamp(cfg.RefATRPct/atrPct, cfg.ScaleMin, cfg.ScaleMax)
	}

	// 0.9x for the weakest actionable signal up to 1.3x for the strongest.
	qty *= 0.9 + 0.4*clamp(strength, 0, 1)

	qty, _ = gw.Quantize(symbol, qty, price)
	return qty
}
