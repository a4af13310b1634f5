package exchange

import (
	"math"
	"sync"
)

// SymbolFilter mirrors the exchange lot/price/notional filters used by
// Quantize.
type SymbolFilter struct {
	StepSize    float64
	TickSize    float64
	MinQty      float64
	MinNotional float64
}

// PaperGateway is an in-memory gateway for dry-run mode and tests. Orders
// fill immediately at the requested price (or the configured mark price for
// market orders).
type PaperGateway struct {
	mu         sync.Mutex
	nextID     int64
	marks      map[string]float64
	filters    map[string]SymbolFilter
	positions  map[string]*Position
	openOrders map[int64]Order

	// FailPlaces makes the next N PlaceOrder calls fail transiently.
	FailPlaces int
	// RejectOCO forces the combined OCO form to be rejected.
	RejectOCO bool
}

// NewPaperGateway creates an empty paper gateway.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		nextID:     1,
		marks:      make(map[string]float64),
		filters:    make(map[string]SymbolFilter),
		positions:  make(map[string]*Position),
		openOrders: make(map[int64]Order),
	}
}

// SetMarkPrice sets the fill price used for market orders on a symbol.
func (g *PaperGateway) SetMarkPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[symbol] = price
}

// SetFilter installs quantize filters for a symbol.
func (g *PaperGateway) SetFilter(symbol string, f SymbolFilter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filters[symbol] = f
}

// SetPosition seeds an exchange-side position, used by reconciliation tests.
func (g *PaperGateway) SetPosition(p Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[p.Symbol] = &p
}

// RemovePosition drops an exchange-side position.
func (g *PaperGateway) RemovePosition(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, symbol)
}

func (g *PaperGateway) PlaceOrder(req OrderRequest) (*Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailPlaces > 0 {
		g.FailPlaces--
		return nil, ErrTransient
	}

	price := req.Price
	if price == 0 {
		price = g.marks[req.Symbol]
	}

	order := Order{
		OrderID:     g.nextID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      "FILLED",
		Price:       price,
		OrigQty:     req.Qty,
		ExecutedQty: req.Qty,
		AvgPrice:    price,
		Fills:       []Fill{{Price: price, Qty: req.Qty}},
	}
	g.nextID++

	g.applyFill(req.Symbol, req.Side, req.Qty, price)
	return &order, nil
}

func (g *PaperGateway) applyFill(symbol, side string, qty, price float64) {
	pos, exists := g.positions[symbol]
	if !exists {
		g.positions[symbol] = &Position{Symbol: symbol, Side: side, Size: qty, EntryPrice: price}
		return
	}
	if pos.Side == side {
		total := pos.Size + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / total
		pos.Size = total
		return
	}
	pos.Size -= qty
	if pos.Size <= 1e-12 {
		delete(g.positions, symbol)
	}
}

func (g *PaperGateway) PlaceOCOOrder(symbol, side string, qty, takeProfit, stopLoss float64) (*OCOResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.RejectOCO {
		return nil, ErrRejected
	}

	resp := &OCOResponse{
		ListID:      g.nextID,
		StopOrderID: g.nextID + 1,
		TPOrderID:   g.nextID + 2,
		Symbol:      symbol,
		Qty:         qty,
	}
	g.openOrders[resp.StopOrderID] = Order{OrderID: resp.StopOrderID, Symbol: symbol, Side: side, Type: TypeStopMarket, Status: "NEW", Price: stopLoss, OrigQty: qty}
	g.openOrders[resp.TPOrderID] = Order{OrderID: resp.TPOrderID, Symbol: symbol, Side: side, Type: TypeTakeProfit, Status: "NEW", Price: takeProfit, OrigQty: qty}
	g.nextID += 3
	return resp, nil
}

func (g *PaperGateway) PlaceFuturesProtection(symbol, side string, qty, takeProfit, stopLoss float64) (*ProtectionIDs, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := &ProtectionIDs{StopOrderID: g.nextID, TPOrderID: g.nextID + 1}
	g.openOrders[ids.StopOrderID] = Order{OrderID: ids.StopOrderID, Symbol: symbol, Side: side, Type: TypeStopMarket, Status: "NEW", Price: stopLoss, OrigQty: qty}
	g.openOrders[ids.TPOrderID] = Order{OrderID: ids.TPOrderID, Symbol: symbol, Side: side, Type: TypeTakeProfit, Status: "NEW", Price: takeProfit, OrigQty: qty}
	g.nextID += 2
	return ids, nil
}

func (g *PaperGateway) CancelOrder(symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.openOrders, orderID)
	return nil
}

func (g *PaperGateway) Quantize(symbol string, qty, price float64) (float64, float64) {
	g.mu.Lock()
	f, ok := g.filters[symbol]
	g.mu.Unlock()
	if !ok {
		return qty, price
	}

	if f.StepSize > 0 {
		qty = math.Floor(qty/f.StepSize) * f.StepSize
	}
	if qty < f.MinQty {
		qty = 0
	}
	if price > 0 && f.TickSize > 0 {
		price = math.Floor(price/f.TickSize) * f.TickSize
	}
	if f.MinNotional > 0 && price > 0 && qty*price < f.MinNotional {
		qty = 0
	}
	return qty, price
}

func (g *PaperGateway) GetPositions() ([]Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (g *PaperGateway) GetOpenOrders(symbol string) ([]Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Order, 0, len(g.openOrders))
	for _, o := range g.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}
