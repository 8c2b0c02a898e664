package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"exchange/internal/market"
)

var ErrNotFound = errors.New("order not resting")

// level holds all resting orders at one price, FIFO by arrival sequence.
type level struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *level) totalVolume() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.Remaining)
	}
	return total
}

// Book is the in-memory resting-order structure for a single market.
// It is not safe for concurrent use; the matching engine serializes access.
type Book struct {
	market *market.Market

	bids   []*level // descending by price, best bid first
	asks   []*level // ascending by price, best ask first
	orders map[string]*Order
}

func New(m *market.Market) *Book {
	return &Book{
		market: m,
		orders: make(map[string]*Order),
	}
}

func (b *Book) Market() *market.Market {
	return b.market
}

// Insert places a limit order at its price-time priority position.
func (b *Book) Insert(o *Order) error {
	if o.Market != b.market.ID {
		return fmt.Errorf("%w: order %s is for %s", market.ErrUnknownMarket, o.ID, o.Market)
	}
	if o.Kind != Limit {
		return fmt.Errorf("%w: market orders never rest", market.ErrInvalidOrder)
	}
	if err := b.market.ValidatePrice(o.Price); err != nil {
		return err
	}
	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("%w: duplicate order id %s", market.ErrInvalidOrder, o.ID)
	}

	b.orders[o.ID] = o
	if o.Side == Bid {
		b.bids = insertLevel(b.bids, o, func(at, new decimal.Decimal) bool { return at.LessThan(new) })
	} else {
		b.asks = insertLevel(b.asks, o, func(at, new decimal.Decimal) bool { return at.GreaterThan(new) })
	}
	return nil
}

// insertLevel appends the order to its price level, creating the level at the
// correct sort position when absent. worse reports whether the level at a
// given price ranks behind the new order's price.
func insertLevel(levels []*level, o *Order, worse func(at, new decimal.Decimal) bool) []*level {
	for i, l := range levels {
		if l.price.Equal(o.Price) {
			l.orders = append(l.orders, o)
			return levels
		}
		if worse(l.price, o.Price) {
			nl := &level{price: o.Price, orders: []*Order{o}}
			return append(levels[:i], append([]*level{nl}, levels[i:]...)...)
		}
	}
	return append(levels, &level{price: o.Price, orders: []*Order{o}})
}

// Remove takes an order out of the book. Returns ErrNotFound when the order
// is not currently resting (already matched or canceled).
func (b *Book) Remove(orderID string) (*Order, error) {
	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	delete(b.orders, orderID)

	if o.Side == Bid {
		b.bids = removeFromLevels(b.bids, o)
	} else {
		b.asks = removeFromLevels(b.asks, o)
	}
	return o, nil
}

func removeFromLevels(levels []*level, o *Order) []*level {
	for i, l := range levels {
		if !l.price.Equal(o.Price) {
			continue
		}
		for j, cur := range l.orders {
			if cur.ID == o.ID {
				l.orders = append(l.orders[:j], l.orders[j+1:]...)
				break
			}
		}
		if len(l.orders) == 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		return levels
	}
	return levels
}

// BestBid returns the highest-priority resting bid, or nil.
func (b *Book) BestBid() *Order {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0].orders[0]
}

// BestAsk returns the highest-priority resting ask, or nil.
func (b *Book) BestAsk() *Order {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0].orders[0]
}

// Top returns the highest-priority order on the given side, or nil.
func (b *Book) Top(side Side) *Order {
	if side == Bid {
		return b.BestBid()
	}
	return b.BestAsk()
}

func (b *Book) Get(orderID string) (*Order, bool) {
	o, ok := b.orders[orderID]
	return o, ok
}

// Clear removes every resting order on one side and returns them in
// priority order. The caller is responsible for unlocking their funds.
func (b *Book) Clear(side Side) []*Order {
	var levels []*level
	if side == Bid {
		levels, b.bids = b.bids, nil
	} else {
		levels, b.asks = b.asks, nil
	}

	var removed []*Order
	for _, l := range levels {
		for _, o := range l.orders {
			delete(b.orders, o.ID)
			removed = append(removed, o)
		}
	}
	return removed
}

// Size returns the number of resting orders.
func (b *Book) Size() int {
	return len(b.orders)
}

func (b *Book) OrdersByMember(memberID string) []*Order {
	var out []*Order
	for _, l := range b.bids {
		for _, o := range l.orders {
			if o.MemberID == memberID {
				out = append(out, o)
			}
		}
	}
	for _, l := range b.asks {
		for _, o := range l.orders {
			if o.MemberID == memberID {
				out = append(out, o)
			}
		}
	}
	return out
}

// PriceVolume is one aggregated depth entry.
type PriceVolume struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Depth holds the aggregated book state for the public deeps endpoint.
type Depth struct {
	Market string        `json:"market"`
	Bids   []PriceVolume `json:"bids"`
	Asks   []PriceVolume `json:"asks"`
}

// Snapshot aggregates up to limit price levels per side (0 = all).
func (b *Book) Snapshot(limit int) Depth {
	d := Depth{Market: b.market.ID}
	for i, l := range b.bids {
		if limit > 0 && i >= limit {
			break
		}
		d.Bids = append(d.Bids, PriceVolume{Price: l.price, Volume: l.totalVolume()})
	}
	for i, l := range b.asks {
		if limit > 0 && i >= limit {
			break
		}
		d.Asks = append(d.Asks, PriceVolume{Price: l.price, Volume: l.totalVolume()})
	}
	return d
}
