package exchange

import "errors"

// Errors a gateway may surface. Transient errors are retried by the caller;
// rejection triggers a documented fallback construction path.
var (
	// ErrTransient covers transport and rate-limit style failures.
	ErrTransient = errors.New("exchange transient error")
	// ErrRejected covers order-construction rejections, e.g. combined OCO
	// unsupported for the symbol.
	ErrRejected = errors.New("exchange rejected order")
)

// Gateway is the contract the execution core requires from an exchange
// binding. All calls are synchronous; retry policy belongs to the caller.
type Gateway interface {
	// PlaceOrder submits one order and returns the normalized response,
	// or nil with an error.
	PlaceOrder(req OrderRequest) (*Order, error)

	// PlaceOCOOrder places a combined take-profit/stop-loss exit pair on a
	// spot market. Returns ErrRejected when the combined form is not
	// accepted; the caller falls back to independent limit legs.
	PlaceOCOOrder(symbol, side string, qty, takeProfit, stopLoss float64) (*OCOResponse, error)

	// PlaceFuturesProtection places two independent stop and take-profit
	// orders on a derivatives market.
	PlaceFuturesProtection(symbol, side string, qty, takeProfit, stopLoss float64) (*ProtectionIDs, error)

	// CancelOrder cancels a single open order.
	CancelOrder(symbol string, orderID int64) error

	// Quantize adjusts quantity and price to the symbol's lot, price and
	// notional filters. A zero price passes through unchanged.
	Quantize(symbol string, qty, price float64) (float64, float64)

	// GetPositions returns exchange-reported open positions.
	GetPositions() ([]Position, error)

	// GetOpenOrders returns open orders, optionally filtered by symbol
	// (empty string for all).
	GetOpenOrders(symbol string) ([]Order, error)
}

var _ Gateway = (*PaperGateway)(nil)
