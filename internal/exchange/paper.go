package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperExchange is a deterministic in-memory spot venue. It is used for dry
// runs and tests, and can be told to fail in specific ways.
type PaperExchange struct {
	mu         sync.Mutex
	quoteAsset string
	fee        float64
	step       float64
	tick       float64
	prices     map[string]float64
	balances   map[string]Balance
	open       map[string]*Order
	fills      []Order
	placed     []OrderRequest

	unsupported    map[OrderType]bool
	placeFailures  []error
	cancelFailures []error
	tickerFailures []error
}

var _ Exchange = (*PaperExchange)(nil)

// NewPaperExchange creates a venue holding quoteBalance of quoteAsset.
func NewPaperExchange(quoteAsset string, quoteBalance float64) *PaperExchange {
	return &PaperExchange{
		quoteAsset:  quoteAsset,
		prices:      make(map[string]float64),
		balances:    map[string]Balance{quoteAsset: {Free: quoteBalance}},
		open:        make(map[string]*Order),
		unsupported: make(map[OrderType]bool),
	}
}

// SetFee sets the proportional taker fee applied to fills.
func (p *PaperExchange) SetFee(fee float64) {
	p.mu.Lock()
	p.fee = fee
	p.mu.Unlock()
}

// SetPrecision makes the venue reject quantities off step and prices off tick.
func (p *PaperExchange) SetPrecision(step, tick float64) {
	p.mu.Lock()
	p.step, p.tick = step, tick
	p.mu.Unlock()
}

// SetBalance overwrites the balance of an asset.
func (p *PaperExchange) SetBalance(asset string, b Balance) {
	p.mu.Lock()
	p.balances[asset] = b
	p.mu.Unlock()
}

// RejectOrderType makes every order of type t fail as unsupported.
func (p *PaperExchange) RejectOrderType(t OrderType) {
	p.mu.Lock()
	p.unsupported[t] = true
	p.mu.Unlock()
}

// FailPlacements queues errors returned by the next PlaceOrder calls.
func (p *PaperExchange) FailPlacements(errs ...error) {
	p.mu.Lock()
	p.placeFailures = append(p.placeFailures, errs...)
	p.mu.Unlock()
}

// FailCancels queues errors returned by the next CancelOrder calls.
func (p *PaperExchange) FailCancels(errs ...error) {
	p.mu.Lock()
	p.cancelFailures = append(p.cancelFailures, errs...)
	p.mu.Unlock()
}

// FailTickers queues errors returned by the next GetTicker calls.
func (p *PaperExchange) FailTickers(errs ...error) {
	p.mu.Lock()
	p.tickerFailures = append(p.tickerFailures, errs...)
	p.mu.Unlock()
}

// SetPrice moves the market and fills any resting order it crosses. The
// fills are returned.
func (p *PaperExchange) SetPrice(symbol string, price float64) []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	var filled []Order
	for _, id := range p.sortedOpenIDs() {
		o := p.open[id]
		if o.Symbol != symbol {
			continue
		}
		fillPrice, ok := crosses(o, price)
		if !ok {
			continue
		}
		p.settle(o, fillPrice)
		filled = append(filled, *o)
	}
	return filled
}

func crosses(o *Order, price float64) (float64, bool) {
	switch o.Type {
	case OrderTypeStopLoss:
		if o.Side == SideSell && price <= o.StopPrice {
			return o.StopPrice, true
		}
	case OrderTypeStopLossLimit:
		if o.Side == SideSell && price <= o.StopPrice {
			return o.Price, true
		}
	case OrderTypeLimit:
		if o.Side == SideSell && price >= o.Price {
			return o.Price, true
		}
		if o.Side == SideBuy && price <= o.Price {
			return o.Price, true
		}
	}
	return 0, false
}

// settle fills a resting order. Caller holds p.mu.
func (p *PaperExchange) settle(o *Order, price float64) {
	base := BaseAsset(o.Symbol, p.quoteAsset)
	notional := o.Quantity * price
	if o.Side == SideSell {
		b := p.balances[base]
		b.Locked -= o.Quantity
		p.balances[base] = b
		q := p.balances[p.quoteAsset]
		q.Free += notional * (1 - p.fee)
		p.balances[p.quoteAsset] = q
	} else {
		q := p.balances[p.quoteAsset]
		q.Locked -= o.Quantity * o.Price
		q.Free += o.Quantity*o.Price - notional*(1+p.fee)
		p.balances[p.quoteAsset] = q
		b := p.balances[base]
		b.Free += o.Quantity
		p.balances[base] = b
	}
	o.Status = StatusFilled
	o.FilledPrice = price
	delete(p.open, o.ID)
	p.fills = append(p.fills, *o)
}

func (p *PaperExchange) sortedOpenIDs() []string {
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.open[ids[i]], p.open[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return ids[i] < ids[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (p *PaperExchange) GetTicker(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := popErr(&p.tickerFailures); err != nil {
		return 0, err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (p *PaperExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	price, err := p.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 5
	}
	book := &OrderBook{}
	for i := 1; i <= depth; i++ {
		offset := 0.0005 * float64(i)
		book.Bids = append(book.Bids, Level{Price: price * (1 - offset), Quantity: float64(i)})
		book.Asks = append(book.Asks, Level{Price: price * (1 + offset), Quantity: float64(i)})
	}
	return book, nil
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.placed = append(p.placed, req)
	if err := popErr(&p.placeFailures); err != nil {
		return nil, err
	}
	if p.unsupported[req.Type] {
		return nil, Rejected(RejectUnsupportedType, "%s not supported for %s", req.Type, req.Symbol)
	}
	if req.Quantity <= 0 {
		return nil, Rejected(RejectInvalid, "quantity must be positive")
	}
	if !IsMultiple(req.Quantity, p.step) {
		return nil, Rejected(RejectPrecision, "quantity %v not a multiple of %v", req.Quantity, p.step)
	}
	if !IsMultiple(req.Price, p.tick) || !IsMultiple(req.StopPrice, p.tick) {
		return nil, Rejected(RejectPrecision, "price not a multiple of %v", p.tick)
	}

	base := BaseAsset(req.Symbol, p.quoteAsset)
	order := &Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Status:    StatusNew,
		CreatedAt: time.Now(),
	}

	switch req.Type {
	case OrderTypeMarket:
		price, ok := p.prices[req.Symbol]
		if !ok {
			return nil, Rejected(RejectInvalid, "no market for %s", req.Symbol)
		}
		notional := req.Quantity * price
		if req.Side == SideBuy {
			q := p.balances[p.quoteAsset]
			cost := notional * (1 + p.fee)
			if q.Free < cost {
				return nil, Rejected(RejectInsufficientBalance, "need %.8f %s, have %.8f", cost, p.quoteAsset, q.Free)
			}
			q.Free -= cost
			p.balances[p.quoteAsset] = q
			b := p.balances[base]
			b.Free += req.Quantity
			p.balances[base] = b
		} else {
			b := p.balances[base]
			if b.Free < req.Quantity {
				return nil, Rejected(RejectInsufficientBalance, "need %.8f %s, have %.8f", req.Quantity, base, b.Free)
			}
			b.Free -= req.Quantity
			p.balances[base] = b
			q := p.balances[p.quoteAsset]
			q.Free += notional * (1 - p.fee)
			p.balances[p.quoteAsset] = q
		}
		order.Status = StatusFilled
		order.FilledPrice = price
		p.fills = append(p.fills, *order)
		return order, nil

	case OrderTypeStopLoss, OrderTypeStopLossLimit:
		if req.Side != SideSell {
			return nil, Rejected(RejectUnsupportedType, "only sell stops are supported")
		}
		if req.StopPrice <= 0 || (req.Type == OrderTypeStopLossLimit && req.Price <= 0) {
			return nil, Rejected(RejectInvalid, "stop order needs stop price and limit price")
		}
		if err := p.lockBase(base, req.Quantity); err != nil {
			return nil, err
		}

	case OrderTypeLimit:
		if req.Price <= 0 {
			return nil, Rejected(RejectInvalid, "limit order needs a price")
		}
		if req.Side == SideSell {
			if err := p.lockBase(base, req.Quantity); err != nil {
				return nil, err
			}
		} else {
			q := p.balances[p.quoteAsset]
			cost := req.Quantity * req.Price
			if q.Free < cost {
				return nil, Rejected(RejectInsufficientBalance, "need %.8f %s", cost, p.quoteAsset)
			}
			q.Free -= cost
			q.Locked += cost
			p.balances[p.quoteAsset] = q
		}

	default:
		return nil, Rejected(RejectUnsupportedType, "unknown order type %s", req.Type)
	}

	p.open[order.ID] = order
	out := *order
	return &out, nil
}

func (p *PaperExchange) lockBase(base string, qty float64) error {
	b := p.balances[base]
	if b.Free+1e-12 < qty {
		return Rejected(RejectInsufficientBalance, "need %.8f %s free, have %.8f", qty, base, b.Free)
	}
	b.Free -= qty
	b.Locked += qty
	p.balances[base] = b
	return nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := popErr(&p.cancelFailures); err != nil {
		return err
	}
	o, ok := p.open[orderID]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("cancel %s on %s: %w", orderID, symbol, ErrOrderNotFound)
	}

	base := BaseAsset(symbol, p.quoteAsset)
	if o.Side == SideSell {
		b := p.balances[base]
		b.Locked -= o.Quantity
		b.Free += o.Quantity
		p.balances[base] = b
	} else {
		q := p.balances[p.quoteAsset]
		q.Locked -= o.Quantity * o.Price
		q.Free += o.Quantity * o.Price
		p.balances[p.quoteAsset] = q
	}
	o.Status = StatusCanceled
	delete(p.open, orderID)
	return nil
}

func (p *PaperExchange) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, id := range p.sortedOpenIDs() {
		if o := p.open[id]; symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperExchange) GetBalances(ctx context.Context) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// Fills returns every filled order in fill order.
func (p *PaperExchange) Fills() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Order(nil), p.fills...)
}

// Placed returns every PlaceOrder request seen, including failed ones.
func (p *PaperExchange) Placed() []OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderRequest(nil), p.placed...)
}

// ForgetOrder drops an open order without touching balances, simulating
// a venue that lost or expired it.
func (p *PaperExchange) ForgetOrder(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.open[orderID]; ok {
		base := BaseAsset(o.Symbol, p.quoteAsset)
		if o.Side == SideSell {
			b := p.balances[base]
			b.Locked -= o.Quantity
			b.Free += o.Quantity
			p.balances[base] = b
		}
		delete(p.open, orderID)
	}
}
