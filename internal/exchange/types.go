// Package exchange defines the gateway contract the trading core requires
// from an exchange binding, plus a paper implementation used for dry-run and
// tests. Real bindings live outside the core.
package exchange

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket     = "MARKET"
	TypeLimit      = "LIMIT"
	TypeStopMarket = "STOP_MARKET"
	TypeTakeProfit = "TAKE_PROFIT_MARKET"
)

// MarketMode selects the protection-order construction path.
type MarketMode string

const (
	ModeSpot    MarketMode = "spot"
	ModeFutures MarketMode = "futures"
)

// Fill is a single execution report inside an order response.
type Fill struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Order is the normalized order response the core consumes.
type Order struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	OrigQty       float64 `json:"origQty"`
	ExecutedQty   float64 `json:"executedQty"`
	AvgPrice      float64 `json:"avgPrice"`
	Fills         []Fill  `json:"fills,omitempty"`
}

// OCOResponse reports the two legs of a combined exit order.
type OCOResponse struct {
	ListID      int64   `json:"orderListId"`
	StopOrderID int64   `json:"stopOrderId"`
	TPOrderID   int64   `json:"tpOrderId"`
	Symbol      string  `json:"symbol"`
	Qty         float64 `json:"qty"`
}

// ProtectionIDs holds the independent stop and take-profit order ids placed
// on a derivatives market.
type ProtectionIDs struct {
	StopOrderID int64 `json:"sl_id"`
	TPOrderID   int64 `json:"tp_id"`
}

// Position is an exchange-reported open position.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

// OrderRequest carries the parameters of a new order.
type OrderRequest struct {
	Symbol    string
	Side      string
	Type      string
	Qty       float64
	Price     float64 // 0 for market orders
	StopPrice float64 // 0 unless stop-style
}
