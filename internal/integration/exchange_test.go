package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/engine"
	"exchange/internal/funds"
	"exchange/internal/market"
	"exchange/internal/orderbook"
	"exchange/internal/settle"
	"exchange/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store     *store.Store
	engine    *engine.Engine
	processor *funds.Processor
	market    *market.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := &market.Market{
		ID: "btcusd", Base: "btc", Quote: "usd",
		PricePrecision: 2, VolumePrecision: 8,
		MinVolume: d("0.0001"),
	}

	e := engine.New(m, settle.New(st), st)
	e.Start()
	t.Cleanup(e.Stop)

	registry := funds.NewRegistry(
		&funds.Currency{Code: "btc", MinConfirmations: 2, AddressPrefix: "1", Fee: funds.FlatFee(d("0.0005"))},
		&funds.Currency{Code: "usd", MinConfirmations: 1, AddressPrefix: "F", Fee: funds.RateFee(d("0.001"), d("1"))},
	)
	p := funds.NewProcessor(st, registry, funds.NewSimChain(), time.Minute)

	return &fixture{store: st, engine: e, processor: p, market: m}
}

// fund credits a balance directly, standing in for a fully confirmed deposit.
func (f *fixture) fund(t *testing.T, memberID, currency, amount string) {
	t.Helper()
	require.NoError(t, f.store.Credit(memberID, currency, d(amount), store.ReasonDeposit, "seed"))
}

func limit(memberID string, side orderbook.Side, price, volume string) *orderbook.Order {
	return &orderbook.Order{
		MemberID: memberID,
		Market:   "btcusd",
		Side:     side,
		Kind:     orderbook.Limit,
		Price:    d(price),
		Volume:   d(volume),
	}
}

func TestMatchSettlesThroughLedger(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "btc", "5")
	f.fund(t, "buyer", "usd", "1000")

	ask := limit("seller", orderbook.Ask, "100", "2")
	_, err := f.engine.Submit(ask)
	require.NoError(t, err)

	bid := limit("buyer", orderbook.Bid, "105", "2")
	trades, err := f.engine.Submit(bid)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(d("100")), "trade executes at resting price")

	// Buyer: paid 200 usd, holds 2 btc, over-reservation released.
	buyerUSD, err := f.store.GetAccount("buyer", "usd")
	require.NoError(t, err)
	assert.True(t, buyerUSD.Balance.Equal(d("800")))
	assert.True(t, buyerUSD.Locked.IsZero())

	buyerBTC, err := f.store.GetAccount("buyer", "btc")
	require.NoError(t, err)
	assert.True(t, buyerBTC.Balance.Equal(d("2")))

	// Seller: gave 2 btc, received 200 usd.
	sellerBTC, err := f.store.GetAccount("seller", "btc")
	require.NoError(t, err)
	assert.True(t, sellerBTC.Balance.Equal(d("3")))
	assert.True(t, sellerBTC.Locked.IsZero())

	sellerUSD, err := f.store.GetAccount("seller", "usd")
	require.NoError(t, err)
	assert.True(t, sellerUSD.Balance.Equal(d("200")))

	// Every account reconciles against its version history.
	for _, acct := range [][2]string{{"buyer", "usd"}, {"buyer", "btc"}, {"seller", "btc"}, {"seller", "usd"}} {
		assert.NoError(t, f.store.Reconcile(acct[0], acct[1]))
	}

	// Trade and order history landed.
	recent, err := f.store.RecentTrades("btcusd", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	orders, err := f.store.OrdersByMember("buyer", "btcusd", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "done", orders[0].State)
}

func TestSubmitWithoutFundsRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer", "usd", "100")

	// Costs 200, only 100 available.
	_, err := f.engine.Submit(limit("buyer", orderbook.Bid, "100", "2"))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	acc, err := f.store.GetAccount("buyer", "usd")
	require.NoError(t, err)
	assert.True(t, acc.Locked.IsZero(), "rejected order must leave nothing locked")
}

func TestCancelRestoresAvailableBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer", "usd", "500")

	o := limit("buyer", orderbook.Bid, "100", "3")
	_, err := f.engine.Submit(o)
	require.NoError(t, err)

	acc, err := f.store.GetAccount("buyer", "usd")
	require.NoError(t, err)
	assert.True(t, acc.Locked.Equal(d("300")))

	_, err = f.engine.Cancel(o.ID, "buyer")
	require.NoError(t, err)

	acc, err = f.store.GetAccount("buyer", "usd")
	require.NoError(t, err)
	assert.True(t, acc.Locked.IsZero())
	assert.True(t, acc.Balance.Equal(d("500")))
	assert.NoError(t, f.store.Reconcile("buyer", "usd"))
}

func TestLockedFundsCannotDoubleSpend(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer", "usd", "300")

	_, err := f.engine.Submit(limit("buyer", orderbook.Bid, "100", "2"))
	require.NoError(t, err)

	// 200 locked; a second order needing 200 must be refused.
	_, err = f.engine.Submit(limit("buyer", orderbook.Bid, "100", "2"))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	// 100 still available.
	_, err = f.engine.Submit(limit("buyer", orderbook.Bid, "100", "1"))
	require.NoError(t, err)
}

func TestWithdrawLockBlocksTrading(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer", "usd", "300")

	// Withdraw 250 + 1 fee: only 49 remain for trading.
	_, err := f.processor.SubmitWithdraw("buyer", "usd", "Fdest", d("250"))
	require.NoError(t, err)

	_, err = f.engine.Submit(limit("buyer", orderbook.Bid, "100", "1"))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)
}

func TestDepositToTradeFlow(t *testing.T) {
	f := newFixture(t)

	dep, err := f.processor.SubmitDeposit("seller", "btc", "tx1", d("1"))
	require.NoError(t, err)

	// Two polls confirm the deposit and credit the balance.
	f.processor.Poll()
	f.processor.Poll()
	got, err := f.store.DepositByID(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DepositAccepted, got.State)

	// The freshly credited btc is immediately tradable.
	_, err = f.engine.Submit(limit("seller", orderbook.Ask, "100", "1"))
	require.NoError(t, err)

	acc, err := f.store.GetAccount("seller", "btc")
	require.NoError(t, err)
	assert.True(t, acc.Locked.Equal(d("1")))
}
