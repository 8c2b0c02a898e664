package settle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"exchange/internal/market"
	"exchange/internal/orderbook"
	"exchange/internal/store"
)

// Coordinator turns trade events into atomic multi-account ledger mutations.
// It implements engine.Settler.
type Coordinator struct {
	store *store.Store
}

func New(st *store.Store) *Coordinator {
	return &Coordinator{store: st}
}

// Lock reserves funds for a not-yet-settled order or withdraw.
func (c *Coordinator) Lock(memberID, currency string, amount decimal.Decimal, ref string) error {
	return c.store.Lock(memberID, currency, amount, ref)
}

// Unlock releases a reservation, e.g. on cancel or residual over-reservation.
func (c *Coordinator) Unlock(memberID, currency string, amount decimal.Decimal, ref string) error {
	return c.store.Unlock(memberID, currency, amount, ref)
}

// SettleTrade finalizes one trade: both parties' debits come out of their
// locked funds and both credits land in the opposite currency, in a single
// transaction together with the trade record. A debit failing here means the
// upfront lock accounting broke, so the error surfaces as an invariant
// violation rather than a user-facing rejection.
func (c *Coordinator) SettleTrade(m *market.Market, t *orderbook.Trade, maker, taker *orderbook.Order) error {
	bid, ask := maker, taker
	if maker.Side == orderbook.Ask {
		bid, ask = taker, maker
	}

	entries := []store.Entry{
		{ // buyer pays quote out of their lock
			MemberID:    bid.MemberID,
			Currency:    m.Quote,
			Delta:       t.Funds.Neg(),
			LockedDelta: t.Funds.Neg(),
			Reason:      store.ReasonTradeDebit,
			Ref:         t.ID,
		},
		{ // buyer receives base
			MemberID: bid.MemberID,
			Currency: m.Base,
			Delta:    t.Volume,
			Reason:   store.ReasonTradeCredit,
			Ref:      t.ID,
		},
		{ // seller pays base out of their lock
			MemberID:    ask.MemberID,
			Currency:    m.Base,
			Delta:       t.Volume.Neg(),
			LockedDelta: t.Volume.Neg(),
			Reason:      store.ReasonTradeDebit,
			Ref:         t.ID,
		},
		{ // seller receives quote
			MemberID: ask.MemberID,
			Currency: m.Quote,
			Delta:    t.Funds,
			Reason:   store.ReasonTradeCredit,
			Ref:      t.ID,
		},
	}

	if err := c.store.ApplyTrade(entries, t); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return fmt.Errorf("%w: trade %s debit refused despite upfront lock: %v", store.ErrInvariant, t.ID, err)
		}
		return err
	}

	// Track how much of each order's reservation the trade consumed. Runs on
	// the market's engine goroutine, which owns both orders.
	bid.Locked = bid.Locked.Sub(t.Funds)
	ask.Locked = ask.Locked.Sub(t.Volume)
	return nil
}
