package execution

import (
	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
)

// ExtractFills derives the effective fill price and filled quantity from an
// order response. Multiple fills are quantity-weighted; responses without a
// fill list fall back to the reported average, then the request price.
func ExtractFills(o *exchange.Order) (price, qty float64) {
	if o == nil {
		return 0, 0
	}
	if len(o.Fills) > 0 {
		var notional, total float64
		for _, f := range o.Fills {
			notional += f.Price * f.Qty
			total += f.Qty
		}
		if total > 0 {
			return notional / total, total
		}
	}
	qty = o.ExecutedQty
	if qty == 0 {
		qty = o.OrigQty
	}
	if o.AvgPrice > 0 {
		return o.AvgPrice, qty
	}
	return o.Price, qty
}

// SlippageBps returns the signed slippage of a fill against the reference
// price in basis points. Positive is adverse: paying up on a buy, selling
// down on a sell.
func SlippageBps(side string, refPrice, fillPrice float64) float64 {
	if refPrice <= 0 || fillPrice <= 0 {
		return 0
	}
	bps := (fillPrice - refPrice) / refPrice * 10000
	if side == exchange.SideSell {
		bps = -bps
	}
	return bps
}
