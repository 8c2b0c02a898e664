package api

import (
	"net/http"
)

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.Accounts(member(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// listAccountVersions pages through the member's ledger history, newest
// first. Optional ?currency= filter.
func (s *Server) listAccountVersions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, maxPageSize)
	page := queryInt(r, "page", 1, maxPage)
	offset := (page - 1) * limit

	versions, err := s.store.Versions(member(r), r.URL.Query().Get("currency"), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.OrdersByMember(member(r), r.URL.Query().Get("market"), queryInt(r, "limit", 100, maxPageSize))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) tradeHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMember(member(r), r.URL.Query().Get("market"), queryInt(r, "limit", 100, maxPageSize))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}
