package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/engine"
	"exchange/internal/funds"
	"exchange/internal/market"
	"exchange/internal/settle"
	"exchange/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestServer(t *testing.T) (*Server, http.Handler, *store.Store) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	markets := market.NewRegistry(&market.Market{
		ID: "btcusd", Base: "btc", Quote: "usd",
		PricePrecision: 2, VolumePrecision: 8,
		MinVolume: d("0.0001"),
	})

	coordinator := settle.New(st)
	engines := make(map[string]*engine.Engine)
	for _, m := range markets.All() {
		e := engine.New(m, coordinator, st)
		engines[m.ID] = e
	}

	registry := funds.NewRegistry(
		&funds.Currency{Code: "btc", MinConfirmations: 2, AddressPrefix: "1", Fee: funds.FlatFee(d("0.0005"))},
		&funds.Currency{Code: "usd", MinConfirmations: 1, AddressPrefix: "F", Fee: funds.RateFee(d("0.001"), d("1"))},
	)
	processor := funds.NewProcessor(st, registry, funds.NewSimChain(), time.Minute)

	s := NewServer(markets, engines, st, processor)
	for _, e := range engines {
		e.Start()
	}
	t.Cleanup(func() {
		for _, e := range engines {
			e.Stop()
		}
		s.Shutdown()
	})
	return s, s.Router(), st
}

func doJSON(t *testing.T, router http.Handler, method, path, memberID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if memberID != "" {
		req.Header.Set("X-Member-ID", memberID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	_, router, _ := newTestServer(t)

	w := doJSON(t, router, "GET", "/api/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Public market data needs no identity.
	w = doJSON(t, router, "GET", "/api/markets", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitOrderAndDepth(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "usd", d("1000"), store.ReasonDeposit, ""))

	w := doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "alice",
		map[string]string{"price": "100", "volume": "2"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Order  orderView   `json:"order"`
		Trades []tradeView `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "resting", resp.Order.State)
	assert.Equal(t, "bid", resp.Order.Side)
	assert.Empty(t, resp.Trades)

	w = doJSON(t, router, "GET", "/api/markets/btcusd/depth", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var depth struct {
		Bids []map[string]string `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &depth))
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, "100", depth.Bids[0]["price"])
}

func TestOrderMatchOverHTTP(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("seller", "btc", d("1"), store.ReasonDeposit, ""))
	require.NoError(t, st.Credit("buyer", "usd", d("100"), store.ReasonDeposit, ""))

	w := doJSON(t, router, "POST", "/api/markets/btcusd/order_asks", "seller",
		map[string]string{"price": "100", "volume": "1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "buyer",
		map[string]string{"price": "100", "volume": "1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Trades []tradeView `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, "100", resp.Trades[0].Price)

	// Balances moved.
	w = doJSON(t, router, "GET", "/api/accounts", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var accounts []store.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accounts))
	require.Len(t, accounts, 2)

	// Public trade history shows it.
	w = doJSON(t, router, "GET", "/api/markets/btcusd/trades", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []store.TradeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	assert.Len(t, trades, 1)
}

func TestSubmitOrderErrors(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "usd", d("10"), store.ReasonDeposit, ""))

	// Insufficient funds.
	w := doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "alice",
		map[string]string{"price": "100", "volume": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Bad price.
	w = doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "alice",
		map[string]string{"price": "abc", "volume": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Unknown market.
	w = doJSON(t, router, "POST", "/api/markets/dogeusd/order_bids", "alice",
		map[string]string{"price": "1", "volume": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Market order with no liquidity.
	w = doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "alice",
		map[string]string{"kind": "market", "volume": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCancelOrderOwnership(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "usd", d("1000"), store.ReasonDeposit, ""))

	w := doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "alice",
		map[string]string{"price": "100", "volume": "1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Order orderView `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// Another member cannot cancel it.
	w = doJSON(t, router, "DELETE", "/api/markets/btcusd/orders/"+resp.Order.ID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, "DELETE", "/api/markets/btcusd/orders/"+resp.Order.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Already gone.
	w = doJSON(t, router, "DELETE", "/api/markets/btcusd/orders/"+resp.Order.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearOrders(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "usd", d("1000"), store.ReasonDeposit, ""))
	require.NoError(t, st.Credit("alice", "btc", d("10"), store.ReasonDeposit, ""))

	doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "alice",
		map[string]string{"price": "100", "volume": "1"})
	doJSON(t, router, "POST", "/api/markets/btcusd/order_asks", "alice",
		map[string]string{"price": "200", "volume": "1"})

	w := doJSON(t, router, "POST", "/api/markets/btcusd/orders/clear", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Canceled []orderView `json:"canceled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Canceled, 2)

	w = doJSON(t, router, "GET", "/api/markets/btcusd/orders", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var open []orderView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &open))
	assert.Empty(t, open)
}

func TestDepositEndpoints(t *testing.T) {
	_, router, _ := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/deposits/btc/gen_address", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var addr map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &addr))
	assert.NotEmpty(t, addr["address"])

	w = doJSON(t, router, "POST", "/api/deposits/btc", "alice",
		map[string]string{"txid": "tx1", "amount": "0.5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dep store.Deposit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dep))
	assert.Equal(t, store.DepositSubmitted, dep.State)

	w = doJSON(t, router, "GET", "/api/deposits/btc", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deposits []store.Deposit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deposits))
	assert.Len(t, deposits, 1)

	w = doJSON(t, router, "DELETE", "/api/deposits/btc/"+dep.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Unknown currency.
	w = doJSON(t, router, "POST", "/api/deposits/doge/gen_address", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWithdrawEndpoints(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "btc", d("2"), store.ReasonDeposit, ""))

	w := doJSON(t, router, "POST", "/api/withdraws", "alice",
		map[string]string{"currency": "btc", "amount": "1", "address": "1dest"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var wd store.Withdraw
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wd))
	assert.Equal(t, store.WithdrawSubmitted, wd.State)

	// Other members cannot see it.
	w = doJSON(t, router, "GET", "/api/withdraws/"+wd.ID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, "GET", "/api/withdraws/"+wd.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Operator accepts, then rejects.
	w = doJSON(t, router, "PUT", "/api/withdraws/"+wd.ID, "alice",
		map[string]string{"action": "accept"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "PUT", "/api/withdraws/"+wd.ID, "alice",
		map[string]string{"action": "reject"})
	require.Equal(t, http.StatusOK, w.Code)

	acc, err := st.GetAccount("alice", "btc")
	require.NoError(t, err)
	assert.True(t, acc.Locked.IsZero())
}

func TestAccountVersionsEndpoint(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "usd", d("100"), store.ReasonDeposit, "dep1"))
	require.NoError(t, st.Credit("alice", "btc", d("1"), store.ReasonDeposit, "dep2"))

	w := doJSON(t, router, "GET", "/api/account_versions?currency=usd", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var versions []store.AccountVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, "dep1", versions[0].Ref)
}

func TestQueryIntClampsToMax(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 100},                // absent: default
		{"limit=50", 50},         // in range: as given
		{"limit=10000000", 1000}, // oversized: clamped
		{"limit=-5", 100},        // garbage: default
		{"limit=abc", 100},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/api/account_versions?"+tc.query, nil)
		assert.Equal(t, tc.want, queryInt(r, "limit", 100, maxPageSize), tc.query)
	}
}

func TestAccountVersionsLimitBounded(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("alice", "usd", d("100"), store.ReasonDeposit, "dep1"))

	// An absurd limit must not be passed through to the query verbatim.
	w := doJSON(t, router, "GET", "/api/account_versions?limit=10000000", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var versions []store.AccountVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	assert.Len(t, versions, 1)
}

func TestTickerEndpoint(t *testing.T) {
	_, router, st := newTestServer(t)
	require.NoError(t, st.Credit("seller", "btc", d("1"), store.ReasonDeposit, ""))
	require.NoError(t, st.Credit("buyer", "usd", d("100"), store.ReasonDeposit, ""))

	doJSON(t, router, "POST", "/api/markets/btcusd/order_asks", "seller",
		map[string]string{"price": "100", "volume": "1"})
	doJSON(t, router, "POST", "/api/markets/btcusd/order_bids", "buyer",
		map[string]string{"price": "100", "volume": "1"})

	w := doJSON(t, router, "GET", "/api/markets/btcusd/ticker", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tk store.Ticker
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tk))
	assert.True(t, tk.Last.Equal(d("100")))
}
