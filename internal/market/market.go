package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownMarket = errors.New("unknown market")
	ErrInvalidOrder  = errors.New("invalid order")
)

// Market is a tradable base/quote pair. Immutable after registration.
type Market struct {
	ID              string // e.g. "btcusd"
	Base            string // e.g. "btc"
	Quote           string // e.g. "usd"
	PricePrecision  int32  // max decimal places for prices
	VolumePrecision int32  // max decimal places for volumes
	MinVolume       decimal.Decimal
}

func (m *Market) Name() string {
	return strings.ToUpper(m.Base) + "/" + strings.ToUpper(m.Quote)
}

// ValidatePrice rejects prices that are non-positive or carry more decimal
// places than the market allows.
func (m *Market) ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if !price.Equal(price.Truncate(m.PricePrecision)) {
		return fmt.Errorf("%w: price exceeds %d decimal places", ErrInvalidOrder, m.PricePrecision)
	}
	return nil
}

// ValidateVolume rejects volumes below the market minimum or beyond the
// volume precision.
func (m *Market) ValidateVolume(volume decimal.Decimal) error {
	if !volume.IsPositive() {
		return fmt.Errorf("%w: volume must be positive", ErrInvalidOrder)
	}
	if !volume.Equal(volume.Truncate(m.VolumePrecision)) {
		return fmt.Errorf("%w: volume exceeds %d decimal places", ErrInvalidOrder, m.VolumePrecision)
	}
	if volume.LessThan(m.MinVolume) {
		return fmt.Errorf("%w: volume below market minimum %s", ErrInvalidOrder, m.MinVolume)
	}
	return nil
}

// Registry holds all configured markets, populated once at startup.
type Registry struct {
	markets map[string]*Market
}

func NewRegistry(markets ...*Market) *Registry {
	r := &Registry{markets: make(map[string]*Market)}
	for _, m := range markets {
		r.markets[m.ID] = m
	}
	return r
}

func (r *Registry) Get(id string) (*Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// All returns registered markets sorted by id.
func (r *Registry) All() []*Market {
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
