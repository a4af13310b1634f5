package execution

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
)

// RetryPolicy tunes order placement retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier"`
	JitterFrac  float64       `json:"jitter_frac"`
}

// DefaultRetryPolicy returns the standard retry tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		JitterFrac:  0.2,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.JitterFrac > 0 {
		d += d * p.JitterFrac * rand.Float64()
	}
	return time.Duration(d)
}

// PlaceWithRetry submits an order with bounded exponential backoff. Transient
// gateway errors are retried; rejections and halt-flag appearance abort
// immediately. A nil order with a nil error means the attempts were exhausted
// and the caller should skip the trade.
func PlaceWithRetry(ctx context.Context, gw exchange.Gateway, halt *guards.HaltFlag, req exchange.OrderRequest, policy RetryPolicy, log *logging.EventLogger) (*exchange.Order, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if halt != nil && halt.Exists() {
			return nil, &guards.Rejection{Guard: guards.GuardHalt, Reason: halt.Reason()}
		}
		order, err := gw.PlaceOrder(req)
		if err == nil {
			return order, nil
		}
		if errors.Is(err, exchange.ErrRejected) {
			return nil, err
		}
		lastErr = err
		metrics.OrderRetries.Inc()
		log.Warn("order_retry",
			"symbol", req.Symbol,
			"side", req.Side,
			"attempt", attempt+1,
			"max_attempts", policy.MaxAttempts,
			"error", err)
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.backoff(attempt)):
		}
	}
	log.Warn("order_skipped", "symbol", req.Symbol, "side", req.Side, "error", lastErr)
	return nil, nil
}
