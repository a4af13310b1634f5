package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for position state snapshots.
const (
	positionKeyPrefix = "core:position"
	positionListKey   = "core:positions:list"

	// positionStateTTL keeps snapshots around well past any position's
	// expected lifetime so a crashed process can always rehydrate.
	positionStateTTL = 7 * 24 * time.Hour
)

// PersistedPosition stores the critical position state that must survive
// restarts. The trader owns the richer in-memory Position; this struct is a
// flat snapshot kept here to avoid an import cycle.
type PersistedPosition struct {
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	EntryPrice    float64     `json:"entry_price"`
	PositionSize  float64     `json:"position_size"`
	RemainingSize float64     `json:"remaining_size"`
	StopLoss      float64     `json:"stop_loss"`
	TakeProfit    float64     `json:"take_profit"`
	TradeID       int64       `json:"trade_id"`
	ATR           float64     `json:"atr"`
	State         string      `json:"state"`
	ScaledOut     []ScaledLeg `json:"scaled_out,omitempty"`
	ProtectionIDs []int64     `json:"protection_ids,omitempty"`
	SavedAt       time.Time   `json:"saved_at"`
}

// ScaledLeg records one completed scale-out tier.
type ScaledLeg struct {
	RMultiple float64 `json:"r_multiple"`
	Qty       float64 `json:"qty"`
}

// PositionStateRepo persists position snapshots in Redis with an in-memory
// fallback, so trading continues uninterrupted when Redis is unavailable.
type PositionStateRepo struct {
	client    *redis.Client
	logger    zerolog.Logger
	fallback  map[string]*PersistedPosition
	mu        sync.RWMutex
	available atomic.Bool
}

// NewPositionStateRepo creates the repo. A nil client means memory-only mode.
func NewPositionStateRepo(client *redis.Client, logger zerolog.Logger) *PositionStateRepo {
	repo := &PositionStateRepo{
		client:   client,
		logger:   logger.With().Str("component", "position_state").Logger(),
		fallback: make(map[string]*PersistedPosition),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			repo.logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory cache")
		} else {
			repo.available.Store(true)
		}
	}
	return repo
}

func positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// Save writes one position snapshot.
func (r *PositionStateRepo) Save(ctx context.Context, p *PersistedPosition) error {
	p.SavedAt = time.Now()

	r.mu.Lock()
	r.fallback[p.Symbol] = p
	r.mu.Unlock()

	if r.client == nil || !r.available.Load() {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position state: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, positionKey(p.Symbol), data, positionStateTTL)
	pipe.SAdd(ctx, positionListKey, p.Symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		r.available.Store(false)
		r.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("redis save failed, snapshot kept in memory")
		return nil
	}
	return nil
}

// Delete removes a symbol's snapshot after close.
func (r *PositionStateRepo) Delete(ctx context.Context, symbol string) error {
	r.mu.Lock()
	delete(r.fallback, symbol)
	r.mu.Unlock()

	if r.client == nil || !r.available.Load() {
		return nil
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, positionKey(symbol))
	pipe.SRem(ctx, positionListKey, symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("redis delete failed")
	}
	return nil
}

// LoadAll returns every saved snapshot, keyed by symbol. Used at startup to
// rehydrate in-memory positions and seed the state machine.
func (r *PositionStateRepo) LoadAll(ctx context.Context) (map[string]*PersistedPosition, error) {
	if r.client != nil && r.available.Load() {
		symbols, err := r.client.SMembers(ctx, positionListKey).Result()
		if err == nil {
			out := make(map[string]*PersistedPosition, len(symbols))
			for _, symbol := range symbols {
				data, err := r.client.Get(ctx, positionKey(symbol)).Bytes()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					r.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to load snapshot")
					continue
				}
				var p PersistedPosition
				if err := json.Unmarshal(data, &p); err != nil {
					r.logger.Warn().Err(err).Str("symbol", symbol).Msg("corrupt snapshot skipped")
					continue
				}
				out[symbol] = &p
			}
			return out, nil
		}
		r.available.Store(false)
		r.logger.Warn().Err(err).Msg("redis load failed, falling back to in-memory cache")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*PersistedPosition, len(r.fallback))
	for k, v := range r.fallback {
		copied := *v
		out[k] = &copied
	}
	return out, nil
}
