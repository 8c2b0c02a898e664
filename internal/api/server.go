package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"exchange/internal/engine"
	"exchange/internal/funds"
	"exchange/internal/market"
	"exchange/internal/orderbook"
	"exchange/internal/store"
)

type Server struct {
	markets *market.Registry
	engines map[string]*engine.Engine
	store   *store.Store
	funds   *funds.Processor
	hub     *Hub

	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	corsOrigins []string // empty = allow all (development)

	depthLimit int
	tradeLimit int
}

func NewServer(markets *market.Registry, engines map[string]*engine.Engine, st *store.Store, fp *funds.Processor) *Server {
	s := &Server{
		markets:     markets,
		engines:     engines,
		store:       st,
		funds:       fp,
		hub:         NewHub(),
		rateLimiter: NewRateLimiter(300, 1*time.Minute),
		depthLimit:  50,
		tradeLimit:  100,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	// Trade events come off each market's engine goroutine; push them
	// straight to the feed.
	for _, e := range engines {
		e.OnTrade(func(t orderbook.Trade) {
			s.hub.Broadcast(map[string]interface{}{
				"type":  "trade",
				"trade": viewTrade(&t),
			})
		})
	}
	return s
}

// SetCORSOrigins restricts allowed origins; empty means allow all.
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

// SetLimits overrides the default depth/trade page sizes.
func (s *Server) SetLimits(depth, trades int) {
	if depth > 0 {
		s.depthLimit = depth
	}
	if trades > 0 {
		s.tradeLimit = trades
	}
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimiter.Middleware)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Member-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Public market data
		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{market}/depth", s.getDepth)
		r.Get("/markets/{market}/trades", s.getTrades)
		r.Get("/markets/{market}/ticker", s.getTicker)

		// Member surface; identity arrives from the gateway
		r.Group(func(r chi.Router) {
			r.Use(requireMember)

			r.Post("/markets/{market}/order_bids", s.submitBid)
			r.Post("/markets/{market}/order_asks", s.submitAsk)
			r.Post("/markets/{market}/order_bids/clear", s.clearBids)
			r.Post("/markets/{market}/order_asks/clear", s.clearAsks)
			r.Post("/markets/{market}/orders/clear", s.clearOrders)
			r.Get("/markets/{market}/orders", s.listOrders)
			r.Delete("/markets/{market}/orders/{id}", s.cancelOrder)

			r.Get("/accounts", s.listAccounts)
			r.Get("/account_versions", s.listAccountVersions)
			r.Get("/history/orders", s.orderHistory)
			r.Get("/history/trades", s.tradeHistory)

			r.Get("/deposits", s.listDeposits)
			r.Get("/deposits/{currency}", s.listCurrencyDeposits)
			r.Post("/deposits/{currency}", s.submitDeposit)
			r.Post("/deposits/{currency}/gen_address", s.genAddress)
			r.Delete("/deposits/{currency}/{id}", s.cancelDeposit)

			r.Get("/withdraws", s.listWithdraws)
			r.Post("/withdraws", s.submitWithdraw)
			r.Get("/withdraws/{id}", s.getWithdraw)
			r.Put("/withdraws/{id}", s.updateWithdraw)
			r.Delete("/withdraws/{id}", s.cancelWithdraw)
		})
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

// Shutdown stops internal goroutines (hub, rate limiter).
func (s *Server) Shutdown() {
	s.rateLimiter.Stop()
	s.hub.Stop()
}

// --- order handlers ---

type orderRequest struct {
	Kind   string `json:"kind"`   // "limit" (default) or "market"
	Price  string `json:"price"`  // required for limit orders
	Volume string `json:"volume"`
}

func (s *Server) submitBid(w http.ResponseWriter, r *http.Request) {
	s.submitOrder(w, r, orderbook.Bid)
}

func (s *Server) submitAsk(w http.ResponseWriter, r *http.Request) {
	s.submitOrder(w, r, orderbook.Ask)
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request, side orderbook.Side) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	volume, err := decimal.NewFromString(req.Volume)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid volume")
		return
	}

	o := &orderbook.Order{
		MemberID: member(r),
		Market:   e.Market().ID,
		Side:     side,
		Volume:   volume,
	}

	switch req.Kind {
	case "market":
		o.Kind = orderbook.Market
	case "", "limit":
		o.Kind = orderbook.Limit
		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid price")
			return
		}
		o.Price = price
	default:
		writeError(w, http.StatusUnprocessableEntity, "kind must be 'limit' or 'market'")
		return
	}

	trades, err := e.Submit(o)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.broadcastBook(e)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order":  viewOrder(o),
		"trades": viewTrades(trades),
	})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	orders, err := e.OrdersByMember(member(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, viewOrder(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	o, err := e.Cancel(chi.URLParam(r, "id"), member(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastBook(e)
	writeJSON(w, http.StatusOK, viewOrder(o))
}

func (s *Server) clearBids(w http.ResponseWriter, r *http.Request) {
	s.clearSide(w, r, orderbook.Bid, false)
}

func (s *Server) clearAsks(w http.ResponseWriter, r *http.Request) {
	s.clearSide(w, r, orderbook.Ask, false)
}

func (s *Server) clearOrders(w http.ResponseWriter, r *http.Request) {
	s.clearSide(w, r, orderbook.Bid, true)
}

func (s *Server) clearSide(w http.ResponseWriter, r *http.Request, side orderbook.Side, both bool) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var (
		removed []*orderbook.Order
		err     error
	)
	if both {
		removed, err = e.ClearAll()
	} else {
		removed, err = e.Clear(side)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	s.broadcastBook(e)
	out := make([]orderView, 0, len(removed))
	for _, o := range removed {
		out = append(out, viewOrder(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"canceled": out})
}

// --- market data handlers ---

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	type marketView struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Base            string `json:"base"`
		Quote           string `json:"quote"`
		PricePrecision  int32  `json:"price_precision"`
		VolumePrecision int32  `json:"volume_precision"`
		MinVolume       string `json:"min_volume"`
	}
	var out []marketView
	for _, m := range s.markets.All() {
		out = append(out, marketView{
			ID:              m.ID,
			Name:            m.Name(),
			Base:            m.Base,
			Quote:           m.Quote,
			PricePrecision:  m.PricePrecision,
			VolumePrecision: m.VolumePrecision,
			MinVolume:       m.MinVolume.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDepth(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	depth, err := e.Depth(queryInt(r, "limit", s.depthLimit, maxPageSize))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	trades, err := s.store.RecentTrades(e.Market().ID, queryInt(r, "limit", s.tradeLimit, maxPageSize))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) getTicker(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	ticker, err := s.store.GetTicker(e.Market().ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

// --- websocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) broadcastBook(e *engine.Engine) {
	depth, err := e.Depth(s.depthLimit)
	if err != nil {
		return
	}
	s.hub.Broadcast(map[string]interface{}{
		"type": "depth",
		"book": depth,
	})
}

// --- helpers ---

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	id := chi.URLParam(r, "market")
	e, ok := s.engines[id]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown market "+id)
		return nil, false
	}
	return e, true
}

// Upper bounds for client-supplied paging parameters.
const (
	maxPageSize = 1000
	maxPage     = 10000
)

// queryInt reads a positive integer query parameter, falling back to def and
// clamping to max so a single request cannot demand an unbounded result set.
func queryInt(r *http.Request, key string, def, max int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > max {
				return max
			}
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrUnknownMarket),
		errors.Is(err, funds.ErrUnknownCurrency),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, engine.ErrAlreadyFilled),
		errors.Is(err, orderbook.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrInvalidOrder),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, funds.ErrBadAmount),
		errors.Is(err, funds.ErrBadState):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrNotOwner), errors.Is(err, funds.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- views ---

type orderView struct {
	ID        string    `json:"id"`
	Market    string    `json:"market"`
	Side      string    `json:"side"`
	Kind      string    `json:"kind"`
	Price     string    `json:"price"`
	Volume    string    `json:"volume"`
	Remaining string    `json:"remaining"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOrder(o *orderbook.Order) orderView {
	return orderView{
		ID:        o.ID,
		Market:    o.Market,
		Side:      o.Side.String(),
		Kind:      o.Kind.String(),
		Price:     o.Price.String(),
		Volume:    o.Volume.String(),
		Remaining: o.Remaining.String(),
		State:     o.State.String(),
		CreatedAt: o.CreatedAt,
	}
}

type tradeView struct {
	ID           string    `json:"id"`
	Market       string    `json:"market"`
	Price        string    `json:"price"`
	Volume       string    `json:"volume"`
	Funds        string    `json:"funds"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	TakerSide    string    `json:"taker_side"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewTrade(t *orderbook.Trade) tradeView {
	return tradeView{
		ID:           t.ID,
		Market:       t.Market,
		Price:        t.Price.String(),
		Volume:       t.Volume.String(),
		Funds:        t.Funds.String(),
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		TakerSide:    t.TakerSide.String(),
		CreatedAt:    t.CreatedAt,
	}
}

func viewTrades(trades []orderbook.Trade) []tradeView {
	out := make([]tradeView, 0, len(trades))
	for i := range trades {
		out = append(out, viewTrade(&trades[i]))
	}
	return out
}
