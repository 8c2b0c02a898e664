package orderbook

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

type Kind int

const (
	Limit Kind = iota
	Market
)

func (k Kind) String() string {
	if k == Limit {
		return "limit"
	}
	return "market"
}

type State int

const (
	StatePending State = iota
	StateResting
	StatePartial
	StateDone
	StateCanceled
)

func (st State) String() string {
	switch st {
	case StatePending:
		return "pending"
	case StateResting:
		return "resting"
	case StatePartial:
		return "partially_filled"
	case StateDone:
		return "done"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

// Order is shared by reference between the book and the engine while it
// rests; the engine goroutine is the only mutator.
type Order struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"member_id"`
	Market    string          `json:"market"`
	Side      Side            `json:"-"`
	Kind      Kind            `json:"-"`
	Price     decimal.Decimal `json:"price"` // zero for market orders
	Volume    decimal.Decimal `json:"volume"`
	Remaining decimal.Decimal `json:"remaining"`
	Locked    decimal.Decimal `json:"locked"` // funds still reserved for this order
	State     State           `json:"-"`
	Seq       int64           `json:"seq"` // arrival sequence, assigned by the engine
	CreatedAt time.Time       `json:"created_at"`
}

func (o *Order) Filled() bool {
	return o.Remaining.IsZero()
}

// LockCurrency reports which leg of the pair this order reserves funds in:
// bids reserve quote, asks reserve base.
func (o *Order) LockCurrency(base, quote string) string {
	if o.Side == Bid {
		return quote
	}
	return base
}

// Trade records one unit of matched volume at the maker's resting price.
type Trade struct {
	ID            string          `json:"id"`
	Market        string          `json:"market"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	Funds         decimal.Decimal `json:"funds"` // price * volume, in quote currency
	MakerOrderID  string          `json:"maker_order_id"`
	TakerOrderID  string          `json:"taker_order_id"`
	MakerMemberID string          `json:"maker_member_id"`
	TakerMemberID string          `json:"taker_member_id"`
	TakerSide     Side            `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}
