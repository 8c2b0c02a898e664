package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange/internal/market"
	"exchange/internal/orderbook"
)

var (
	ErrAlreadyFilled = errors.New("order no longer resting")
	ErrNotOwner      = errors.New("order belongs to another member")
	ErrStopped       = errors.New("engine stopped")
)

// Settler reserves, releases and settles funds for the engine. Implemented
// by settle.Coordinator; tests substitute fakes.
type Settler interface {
	Lock(memberID, currency string, amount decimal.Decimal, ref string) error
	Unlock(memberID, currency string, amount decimal.Decimal, ref string) error
	SettleTrade(m *market.Market, t *orderbook.Trade, maker, taker *orderbook.Order) error
}

// Recorder persists order lifecycle rows for the history API. Optional.
type Recorder interface {
	InsertOrder(o *orderbook.Order) error
	UpdateOrder(o *orderbook.Order) error
}

// Engine is the single-owner processing context for one market: every
// submit, cancel and clear is serialized through its op channel and handled
// by one goroutine, which makes price-time priority deterministic and the
// match loop race-free. Markets run fully in parallel.
type Engine struct {
	market  *market.Market
	book    *orderbook.Book
	settler Settler
	rec     Recorder

	ops  chan op
	quit chan struct{}
	done chan struct{}
	seq  int64

	onTrade []func(orderbook.Trade)
}

type opKind int

const (
	opSubmit opKind = iota
	opCancel
	opClear
	opDepth
	opOrders
)

type op struct {
	kind     opKind
	order    *orderbook.Order
	orderID  string
	memberID string
	side     orderbook.Side
	both     bool
	limit    int
	reply    chan opResult
}

type opResult struct {
	order  *orderbook.Order
	orders []*orderbook.Order
	trades []orderbook.Trade
	depth  orderbook.Depth
	err    error
}

func New(m *market.Market, settler Settler, rec Recorder) *Engine {
	return &Engine{
		market:  m,
		book:    orderbook.New(m),
		settler: settler,
		rec:     rec,
		ops:     make(chan op, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (e *Engine) Market() *market.Market {
	return e.market
}

// OnTrade registers a trade callback, invoked from the engine goroutine
// after settlement. Register before Start.
func (e *Engine) OnTrade(fn func(orderbook.Trade)) {
	e.onTrade = append(e.onTrade, fn)
}

// Start launches the market's processing goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop drains nothing: pending ops fail with ErrStopped.
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case o := <-e.ops:
			o.reply <- e.handle(o)
		}
	}
}

func (e *Engine) do(o op) opResult {
	o.reply = make(chan opResult, 1)
	select {
	case e.ops <- o:
	case <-e.quit:
		return opResult{err: ErrStopped}
	}
	select {
	case res := <-o.reply:
		return res
	case <-e.quit:
		return opResult{err: ErrStopped}
	}
}

func (e *Engine) handle(o op) opResult {
	switch o.kind {
	case opSubmit:
		trades, err := e.submit(o.order)
		return opResult{order: o.order, trades: trades, err: err}
	case opCancel:
		ord, err := e.cancel(o.orderID, o.memberID)
		return opResult{order: ord, err: err}
	case opClear:
		return opResult{orders: e.clear(o.side, o.both)}
	case opDepth:
		return opResult{depth: e.book.Snapshot(o.limit)}
	case opOrders:
		return opResult{orders: e.book.OrdersByMember(o.memberID)}
	}
	return opResult{err: fmt.Errorf("unknown op %d", o.kind)}
}

// Submit validates the order, reserves funds, matches it against the book
// and rests any limit remainder. Returns the trades produced.
func (e *Engine) Submit(o *orderbook.Order) ([]orderbook.Trade, error) {
	res := e.do(op{kind: opSubmit, order: o})
	return res.trades, res.err
}

// Cancel removes a resting order and releases its remaining reservation.
// Matching always wins the race: an order that already matched (or was
// never here) yields ErrAlreadyFilled.
func (e *Engine) Cancel(orderID, memberID string) (*orderbook.Order, error) {
	res := e.do(op{kind: opCancel, orderID: orderID, memberID: memberID})
	return res.order, res.err
}

// Clear cancels every resting order on one side, unlocking reserved funds.
// Produces zero trades.
func (e *Engine) Clear(side orderbook.Side) ([]*orderbook.Order, error) {
	res := e.do(op{kind: opClear, side: side})
	return res.orders, res.err
}

// ClearAll cancels every resting order on both sides.
func (e *Engine) ClearAll() ([]*orderbook.Order, error) {
	res := e.do(op{kind: opClear, both: true})
	return res.orders, res.err
}

// Depth returns the aggregated book, up to limit levels per side.
func (e *Engine) Depth(limit int) (orderbook.Depth, error) {
	res := e.do(op{kind: opDepth, limit: limit})
	return res.depth, res.err
}

// OrdersByMember returns copies of the member's resting orders.
func (e *Engine) OrdersByMember(memberID string) ([]*orderbook.Order, error) {
	res := e.do(op{kind: opOrders, memberID: memberID})
	// Copy under the engine goroutine would be nicer, but resting orders are
	// only mutated on this same serialized path; snapshot the values here.
	out := make([]*orderbook.Order, len(res.orders))
	for i, o := range res.orders {
		cp := *o
		out[i] = &cp
	}
	return out, res.err
}

func (e *Engine) submit(o *orderbook.Order) ([]orderbook.Trade, error) {
	if err := e.validate(o); err != nil {
		return nil, err
	}

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	e.seq++
	o.Seq = e.seq
	o.Remaining = o.Volume
	o.State = orderbook.StatePending

	lockAmount, err := e.lockRequirement(o)
	if err != nil {
		return nil, err
	}
	currency := o.LockCurrency(e.market.Base, e.market.Quote)
	if err := e.settler.Lock(o.MemberID, currency, lockAmount, o.ID); err != nil {
		return nil, err
	}
	o.Locked = lockAmount

	e.record(o, true)

	trades, matchErr := e.match(o)

	switch {
	case matchErr != nil:
		// Settlement invariant failure: the failed step left volumes
		// untouched, completed trades stand. Abort the submission.
		o.State = orderbook.StateCanceled
		e.releaseResidual(o)
		e.record(o, false)
		return trades, matchErr
	case o.Filled():
		o.State = orderbook.StateDone
		e.releaseResidual(o)
	case o.Kind == orderbook.Limit:
		if len(trades) > 0 {
			o.State = orderbook.StatePartial
		} else {
			o.State = orderbook.StateResting
		}
		if err := e.book.Insert(o); err != nil {
			// Validation already passed; failure here is a bug.
			o.State = orderbook.StateCanceled
			e.releaseResidual(o)
			e.record(o, false)
			return trades, err
		}
	default:
		// Market orders never rest: discard the unmatched remainder.
		o.State = orderbook.StateDone
		e.releaseResidual(o)
	}

	e.record(o, false)
	return trades, nil
}

func (e *Engine) validate(o *orderbook.Order) error {
	if o.Market != e.market.ID {
		return fmt.Errorf("%w: order targets %s", market.ErrUnknownMarket, o.Market)
	}
	if o.MemberID == "" {
		return fmt.Errorf("%w: missing member", market.ErrInvalidOrder)
	}
	if err := e.market.ValidateVolume(o.Volume); err != nil {
		return err
	}
	if o.Kind == orderbook.Limit {
		return e.market.ValidatePrice(o.Price)
	}
	if !o.Price.IsZero() {
		return fmt.Errorf("%w: market orders carry no price", market.ErrInvalidOrder)
	}
	return nil
}

// lockRequirement computes the reservation an order needs before matching.
// For market orders the opposite book is walked here, inside the serialized
// loop, so the computed cost is exact for the volume that will match.
func (e *Engine) lockRequirement(o *orderbook.Order) (decimal.Decimal, error) {
	if o.Kind == orderbook.Limit {
		if o.Side == orderbook.Bid {
			return o.Price.Mul(o.Volume), nil
		}
		return o.Volume, nil
	}

	fillable, cost := e.walkBook(o.Side.Opposite(), o.Volume)
	if fillable.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no liquidity for market order", market.ErrInvalidOrder)
	}
	if o.Side == orderbook.Bid {
		return cost, nil
	}
	return fillable, nil
}

// walkBook sums available volume (and its cost in quote) on one side, up to
// want.
func (e *Engine) walkBook(side orderbook.Side, want decimal.Decimal) (fillable, cost decimal.Decimal) {
	fillable, cost = decimal.Zero, decimal.Zero
	depth := e.book.Snapshot(0)
	levels := depth.Asks
	if side == orderbook.Bid {
		levels = depth.Bids
	}
	left := want
	for _, l := range levels {
		if left.IsZero() {
			break
		}
		take := decimal.Min(left, l.Volume)
		fillable = fillable.Add(take)
		cost = cost.Add(take.Mul(l.Price))
		left = left.Sub(take)
	}
	return fillable, cost
}

func crosses(taker, maker *orderbook.Order) bool {
	if taker.Kind == orderbook.Market {
		return true
	}
	if taker.Side == orderbook.Bid {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

// match runs the price-time-priority loop of the matching engine. Each trade
// is settled synchronously before volumes move, so a settlement failure
// leaves the failed step fully un-applied.
func (e *Engine) match(taker *orderbook.Order) ([]orderbook.Trade, error) {
	var trades []orderbook.Trade
	for !taker.Filled() {
		maker := e.book.Top(taker.Side.Opposite())
		if maker == nil || !crosses(taker, maker) {
			break
		}

		volume := decimal.Min(taker.Remaining, maker.Remaining)
		price := maker.Price // trade executes at the resting price
		t := orderbook.Trade{
			ID:            uuid.New().String(),
			Market:        e.market.ID,
			Price:         price,
			Volume:        volume,
			Funds:         price.Mul(volume),
			MakerOrderID:  maker.ID,
			TakerOrderID:  taker.ID,
			MakerMemberID: maker.MemberID,
			TakerMemberID: taker.MemberID,
			TakerSide:     taker.Side,
			CreatedAt:     time.Now(),
		}

		if err := e.settler.SettleTrade(e.market, &t, maker, taker); err != nil {
			return trades, fmt.Errorf("settle trade %s: %w", t.ID, err)
		}

		maker.Remaining = maker.Remaining.Sub(volume)
		taker.Remaining = taker.Remaining.Sub(volume)
		if maker.Filled() {
			e.book.Remove(maker.ID)
			maker.State = orderbook.StateDone
			e.releaseResidual(maker)
		} else {
			maker.State = orderbook.StatePartial
		}
		e.record(maker, false)

		trades = append(trades, t)
		for _, fn := range e.onTrade {
			fn(t)
		}
	}
	return trades, nil
}

func (e *Engine) cancel(orderID, memberID string) (*orderbook.Order, error) {
	o, ok := e.book.Get(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFilled, orderID)
	}
	if memberID != "" && o.MemberID != memberID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, orderID)
	}

	e.book.Remove(orderID)
	o.State = orderbook.StateCanceled
	e.releaseResidual(o)
	e.record(o, false)
	return o, nil
}

func (e *Engine) clear(side orderbook.Side, both bool) []*orderbook.Order {
	var removed []*orderbook.Order
	if both || side == orderbook.Bid {
		removed = append(removed, e.book.Clear(orderbook.Bid)...)
	}
	if both || side == orderbook.Ask {
		removed = append(removed, e.book.Clear(orderbook.Ask)...)
	}
	for _, o := range removed {
		o.State = orderbook.StateCanceled
		e.releaseResidual(o)
		e.record(o, false)
	}
	return removed
}

// releaseResidual returns whatever reservation the order still holds, e.g.
// the unmatched remainder of a cancel or the over-reservation left when a
// bid matched below its limit price.
func (e *Engine) releaseResidual(o *orderbook.Order) {
	if !o.Locked.IsPositive() {
		return
	}
	currency := o.LockCurrency(e.market.Base, e.market.Quote)
	if err := e.settler.Unlock(o.MemberID, currency, o.Locked, o.ID); err != nil {
		// Over-unlock means the lock bookkeeping broke; surface loudly.
		log.Printf("[engine %s] unlock failed for order %s: %v", e.market.ID, o.ID, err)
		return
	}
	o.Locked = decimal.Zero
}

func (e *Engine) record(o *orderbook.Order, insert bool) {
	if e.rec == nil {
		return
	}
	var err error
	if insert {
		err = e.rec.InsertOrder(o)
	} else {
		err = e.rec.UpdateOrder(o)
	}
	if err != nil {
		log.Printf("[engine %s] record order %s: %v", e.market.ID, o.ID, err)
	}
}
