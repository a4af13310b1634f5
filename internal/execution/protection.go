package execution

import (
	"errors"
	"fmt"

	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
)

// ExitSide returns the side that closes a position opened on side.
func ExitSide(side string) string {
	if side == exchange.SideBuy {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// PlaceProtection places exit protection sized to qty. Spot markets use a
// combined OCO pair, falling back to two independent legs when the gateway
// rejects the combined form. Futures markets always use two independent
// orders.
func PlaceProtection(gw exchange.Gateway, mode exchange.MarketMode, symbol, entrySide string, qty, takeProfit, stopLoss float64, log *logging.EventLogger) (exchange.ProtectionIDs, error) {
	exit := ExitSide(entrySide)

	if mode == exchange.ModeFutures {
		ids, err := gw.PlaceFuturesProtection(symbol, exit, qty, takeProfit, stopLoss)
		if err != nil {
			return exchange.ProtectionIDs{}, fmt.Errorf("futures protection %s: %w", symbol, err)
		}
		return *ids, nil
	}

	oco, err := gw.PlaceOCOOrder(symbol, exit, qty, takeProfit, stopLoss)
	if err == nil {
		return exchange.ProtectionIDs{StopOrderID: oco.StopOrderID, TPOrderID: oco.TPOrderID}, nil
	}
	if !errors.Is(err, exchange.ErrRejected) {
		return exchange.ProtectionIDs{}, fmt.Errorf("oco %s: %w", symbol, err)
	}

	// Combined form unsupported for this symbol; place the legs separately.
	log.Warn("oco_fallback", "symbol", symbol, "error", err)
	tp, err := gw.PlaceOrder(exchange.OrderRequest{
		Symbol: symbol, Side: exit, Type: exchange.TypeLimit,
		Qty: qty, Price: takeProfit,
	})
	if err != nil {
		return exchange.ProtectionIDs{}, fmt.Errorf("fallback tp leg %s: %w", symbol, err)
	}
	sl, err := gw.PlaceOrder(exchange.OrderRequest{
		Symbol: symbol, Side: exit, Type: exchange.TypeStopMarket,
		Qty: qty, StopPrice: stopLoss,
	})
	if err != nil {
		return exchange.ProtectionIDs{}, fmt.Errorf("fallback sl leg %s: %w", symbol, err)
	}
	return exchange.ProtectionIDs{StopOrderID: sl.OrderID, TPOrderID: tp.OrderID}, nil
}

// cancelProtection best-effort cancels both legs of an existing protection
// pair.
func cancelProtection(gw exchange.Gateway, symbol string, ids exchange.ProtectionIDs, log *logging.EventLogger) {
	if ids.StopOrderID != 0 {
		if err := gw.CancelOrder(symbol, ids.StopOrderID); err != nil {
			log.Warn("protection_cancel_failed", "symbol", symbol, "order_id", ids.StopOrderID, "error", err)
		}
	}
	if ids.TPOrderID != 0 {
		if err := gw.CancelOrder(symbol, ids.TPOrderID); err != nil {
			log.Warn("protection_cancel_failed", "symbol", symbol, "order_id", ids.TPOrderID, "error", err)
		}
	}
}
