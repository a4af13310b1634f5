package store

import (
	"time"
)

// Execution types.
const (
	ExecEntry          = "entry"
	ExecScaleOut       = "scale_out"
	ExecClose          = "close"
	ExecTrailingUpdate = "trailing_update"
)

// Trade represents one persisted trade. Exit fields stay nil while open and
// are set exactly once on close.
type Trade struct {
	ID               int64      `json:"id"`
	Symbol           string     `json:"symbol"`
	Side             string     `json:"side"`
	EntryPrice       float64    `json:"entry_price"`
	ExitPrice        *float64   `json:"exit_price,omitempty"`
	Size             float64    `json:"size"`
	PnlPct           *float64   `json:"pnl_pct,omitempty"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	StopLoss         float64    `json:"stop_loss"`
	TakeProfit       float64    `json:"take_profit"`
	StrategyTag      string     `json:"strategy_tag"`
	ParamSetID       string     `json:"param_set_id"`
	EntrySlippageBps float64    `json:"entry_slippage_bps"`
	ExitSlippageBps  float64    `json:"exit_slippage_bps"`
	SchemaVersion    int        `json:"schema_version"`
	CreatedTS        time.Time  `json:"created_ts"`
	UpdatedTS        time.Time  `json:"updated_ts"`
}

// Open reports whether the trade has not been finalized.
func (t *Trade) Open() bool {
	return t.ExitPrice == nil
}

// Execution is one append-only fill record belonging to a trade.
type Execution struct {
	ID        int64    `json:"id"`
	TradeID   int64    `json:"trade_id"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	ExecType  string   `json:"exec_type"`
	Qty       float64  `json:"qty"`
	Price     float64  `json:"price"`
	RMult     *float64 `json:"r_mult,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DedupKey  string   `json:"dedup_key"`
}

// GuardEvent is one persisted guard decision. Created once, never mutated.
type GuardEvent struct {
	ID        int64                  `json:"id"`
	TS        time.Time              `json:"ts"`
	Guard     string                 `json:"guard"`
	Symbol    string                 `json:"symbol,omitempty"`
	Reason    string                 `json:"reason"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	SessionID string                 `json:"session_id"`
	Severity  string                 `json:"severity"`
	Blocked   bool                   `json:"blocked"`
	CreatedAt time.Time              `json:"created_at"`
}

// MetricPoint is one persisted metric sample.
type MetricPoint struct {
	ID    int64     `json:"id"`
	TS    time.Time `json:"ts"`
	Key   string    `json:"key"`
	Value float64   `json:"value"`
}
