package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"exchange/internal/store"
)

// --- deposits ---

func (s *Server) listDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := s.store.DepositsByMember(member(r), "")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (s *Server) listCurrencyDeposits(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "currency")
	if _, err := s.funds.Registry().Get(code); err != nil {
		writeErr(w, err)
		return
	}
	deposits, err := s.store.DepositsByMember(member(r), code)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (s *Server) genAddress(w http.ResponseWriter, r *http.Request) {
	address, err := s.funds.GenAddress(member(r), chi.URLParam(r, "currency"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"currency": chi.URLParam(r, "currency"),
		"address":  address,
	})
}

type depositRequest struct {
	TxID   string `json:"txid"`
	Amount string `json:"amount"`
}

func (s *Server) submitDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}

	d, err := s.funds.SubmitDeposit(member(r), chi.URLParam(r, "currency"), req.TxID, amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) cancelDeposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.funds.CancelDeposit(id, member(r)); err != nil {
		writeErr(w, err)
		return
	}
	d, err := s.store.DepositByID(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- withdraws ---

func (s *Server) listWithdraws(w http.ResponseWriter, r *http.Request) {
	withdraws, err := s.store.WithdrawsByMember(member(r), r.URL.Query().Get("currency"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdraws)
}

type withdrawRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	Address  string `json:"address"`
}

func (s *Server) submitWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusUnprocessableEntity, "address required")
		return
	}

	wd, err := s.funds.SubmitWithdraw(member(r), req.Currency, req.Address, amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (s *Server) getWithdraw(w http.ResponseWriter, r *http.Request) {
	wd, err := s.withdrawOwned(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

type withdrawAction struct {
	Action string `json:"action"` // "accept" or "reject"
}

// updateWithdraw drives operator transitions: accept a submitted withdraw
// for broadcast, or reject an accepted one and release the lock.
func (s *Server) updateWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	var err error
	switch req.Action {
	case "accept":
		err = s.funds.AcceptWithdraw(id)
	case "reject":
		err = s.funds.RejectWithdraw(id)
	default:
		writeError(w, http.StatusUnprocessableEntity, "action must be 'accept' or 'reject'")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	wd, err := s.store.WithdrawByID(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) cancelWithdraw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.funds.CancelWithdraw(id, member(r)); err != nil {
		writeErr(w, err)
		return
	}
	wd, err := s.store.WithdrawByID(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) withdrawOwned(r *http.Request) (*store.Withdraw, error) {
	wd, err := s.store.WithdrawByID(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if wd.MemberID != member(r) {
		return nil, store.ErrNotFound
	}
	return wd, nil
}
