// Package trailing implements R-multiple based partial exits and stop
// trailing. All functions are pure over explicit position fields; per-position
// progress lives in State, owned by the caller.
package trailing

import (
	"math"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
)

// Tier is one partial-exit step: exit Fraction of the remaining size once
// the position reaches R multiples of initial risk.
type Tier struct {
	R        float64 `json:"r"`
	Fraction float64 `json:"fraction"`
}

// Config tunes partial exits and both trailing modes.
type Config struct {
	Tiers []Tier `json:"tiers"`

	// Classic trail locks in a share of the open gain once the position
	// reaches ActivationR.
	TrailPct    float64 `json:"trail_pct"`
	ActivationR float64 `json:"activation_r"`

	// ATR trail follows price at a fixed ATR distance, rate-limited by its
	// own cooldown.
	ATRMultiplier float64       `json:"atr_multiplier"`
	ATRCooldown   time.Duration `json:"atr_cooldown"`
}

// DefaultConfig returns the standard trailing tuning.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{R: 1.0, Fraction: 0.3},
			{R: 2.0, Fraction: 0.3},
		},
		TrailPct:      50,
		ActivationR:   1.5,
		ATRMultiplier: 2.0,
		ATRCooldown:   time.Minute,
	}
}

// State tracks per-position trailing progress.
type State struct {
	TiersTaken   int       `json:"tiers_taken"`
	BreakevenSet bool      `json:"breakeven_set"`
	LastATRTrail time.Time `json:"last_atr_trail"`
}

// RMultiple returns the position's signed gain in multiples of the initial
// risk distance. ok is false when the risk distance is zero.
func RMultiple(side string, entryPrice, stopLoss, price float64) (float64, bool) {
	risk := math.Abs(entryPrice - stopLoss)
	if risk == 0 {
		return 0, false
	}
	gain := price - entryPrice
	if side == exchange.SideSell {
		gain = -gain
	}
	return gain / risk, true
}

// PartialExit describes a triggered scale-out.
type PartialExit struct {
	Tier Tier
	Qty  float64
	R    float64
}

// MaybePartialExit walks the tiers in order and triggers the first one not
// yet taken whose R threshold is reached. newStop is non-zero when the stop
// moves to breakeven alongside the exit.
func MaybePartialExit(cfg Config, st *State, side string, entryPrice, stopLoss, remaining, price float64) (exit *PartialExit, newStop float64) {
	if st.TiersTaken >= len(cfg.Tiers) || remaining <= 0 {
		return nil, 0
	}
	r, ok := RMultiple(side, entryPrice, stopLoss, price)
	if !ok {
		return nil, 0
	}
	tier := cfg.Tiers[st.TiersTaken]
	if r < tier.R {
		return nil, 0
	}

	st.TiersTaken++
	exit = &PartialExit{Tier: tier, Qty: tier.Fraction * remaining, R: r}

	// First favorable clearance of entry moves the stop to breakeven.
	if !st.BreakevenSet && favorable(side, entryPrice, stopLoss, price) {
		st.BreakevenSet = true
		newStop = entryPrice
	}
	return exit, newStop
}

func favorable(side string, entryPrice, stopLoss, price float64) bool {
	if side == exchange.SideSell {
		return price < entryPrice && stopLoss > entryPrice
	}
	return price > entryPrice && stopLoss < entryPrice
}

// MaybeTrail ratchets the stop using the more favorable of the classic
// percent-of-gain trail and the ATR-distance trail. Stops never loosen; a
// zero return means no change.
func MaybeTrail(cfg Config, st *State, side string, entryPrice, stopLoss, price, atr float64, now time.Time) float64 {
	r, ok := RMultiple(side, entryPrice, stopLoss, price)
	if !ok {
		return 0
	}

	var candidate float64
	long := side != exchange.SideSell

	if cfg.TrailPct > 0 && r >= cfg.ActivationR {
		gain := price - entryPrice
		if !long {
			gain = entryPrice - price
		}
		locked := gain * cfg.TrailPct / 100
		if long {
			candidate = entryPrice + locked
		} else {
			candidate = entryPrice - locked
		}
	}

	if cfg.ATRMultiplier > 0 && atr > 0 && now.Sub(st.LastATRTrail) >= cfg.ATRCooldown {
		var atrStop float64
		if long {
			atrStop = price - atr*cfg.ATRMultiplier
		} else {
			atrStop = price + atr*cfg.ATRMultiplier
		}
		if tighter(long, atrStop, candidate) {
			candidate = atrStop
		}
		if tighter(long, atrStop, stopLoss) {
			st.LastATRTrail = now
		}
	}

	if candidate == 0 || !tighter(long, candidate, stopLoss) {
		return 0
	}
	return candidate
}

// tighter reports whether a beats b in the protective direction for the
// position side. A zero b never wins.
func tighter(long bool, a, b float64) bool {
	if b == 0 {
		return a != 0
	}
	if long {
		return a > b
	}
	return a < b
}
