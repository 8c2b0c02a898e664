package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Withdraw states. submitted locks funds immediately; canceled/rejected
// release them; succeed consumes the lock.
const (
	WithdrawSubmitted  = "submitted"
	WithdrawAccepted   = "accepted"
	WithdrawConfirming = "confirming"
	WithdrawSucceed    = "succeed"
	WithdrawCanceled   = "canceled"
	WithdrawRejected   = "rejected"
)

type Withdraw struct {
	ID            string          `json:"id"`
	MemberID      string          `json:"member_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Address       string          `json:"address"`
	TxID          string          `json:"txid"`
	Confirmations int             `json:"confirmations"`
	State         string          `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Total is the amount the member's account must cover: amount plus fee.
func (w *Withdraw) Total() decimal.Decimal {
	return w.Amount.Add(w.Fee)
}

const withdrawColumns = "id, member_id, currency, amount, fee, address, txid, confirmations, state, created_at, updated_at"

func scanWithdrawRow(scan func(dest ...interface{}) error) (*Withdraw, error) {
	w := &Withdraw{}
	var amount, fee string
	err := scan(&w.ID, &w.MemberID, &w.Currency, &amount, &fee, &w.Address, &w.TxID, &w.Confirmations, &w.State, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: withdraw", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if w.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	return w, nil
}

// SubmitWithdraw locks amount+fee against the member's balance and inserts
// the withdraw row in one transaction.
func (s *Store) SubmitWithdraw(w *Withdraw) error {
	entry := Entry{
		MemberID:    w.MemberID,
		Currency:    w.Currency,
		Delta:       decimal.Zero,
		LockedDelta: w.Total(),
		Reason:      ReasonLock,
		Ref:         w.ID,
	}
	return s.applyWith([]Entry{entry}, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO withdraws (id, member_id, currency, amount, fee, address, txid, confirmations, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.MemberID, w.Currency, w.Amount.String(), w.Fee.String(),
			w.Address, w.TxID, w.Confirmations, w.State, w.CreatedAt, time.Now(),
		)
		return err
	})
}

func (s *Store) WithdrawByID(id string) (*Withdraw, error) {
	row := s.db.QueryRow("SELECT "+withdrawColumns+" FROM withdraws WHERE id = ?", id)
	return scanWithdrawRow(row.Scan)
}

// WithdrawsByMember lists a member's withdraws, optionally filtered by
// currency, newest first.
func (s *Store) WithdrawsByMember(memberID, currency string) ([]*Withdraw, error) {
	query := "SELECT " + withdrawColumns + " FROM withdraws WHERE member_id = ?"
	args := []interface{}{memberID}
	if currency != "" {
		query += " AND currency = ?"
		args = append(args, currency)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdraw
	for rows.Next() {
		w, err := scanWithdrawRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WithdrawsInState returns withdraws in any of the given states, oldest
// first. Used by the background confirmation processor.
func (s *Store) WithdrawsInState(states ...string) ([]*Withdraw, error) {
	query := "SELECT " + withdrawColumns + " FROM withdraws WHERE state IN ("
	args := make([]interface{}, len(states))
	for i, st := range states {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = st
	}
	query += ") ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdraw
	for rows.Next() {
		w, err := scanWithdrawRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWithdrawState updates state bookkeeping for transitions with no ledger
// effect (submitted->accepted, accepted->confirming with txid). Guarded on
// the current state so a stale accept cannot resurrect a withdraw another
// path already canceled or finalized.
func (s *Store) SetWithdrawState(id, state, txid string, confirmations int, fromStates ...string) error {
	query := "UPDATE withdraws SET state = ?, txid = ?, confirmations = ?, updated_at = ? WHERE id = ? AND state IN ("
	args := []interface{}{state, txid, confirmations, time.Now(), id}
	for i, st := range fromStates {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, st)
	}
	query += ")"

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: withdraw %s not in state %v", ErrInvariant, id, fromStates)
	}
	return nil
}

// SucceedWithdraw finalizes the debit: balance and locked both drop by
// amount+fee, and the withdraw is marked succeed, atomically.
func (s *Store) SucceedWithdraw(w *Withdraw, confirmations int) error {
	total := w.Total()
	entry := Entry{
		MemberID:    w.MemberID,
		Currency:    w.Currency,
		Delta:       total.Neg(),
		LockedDelta: total.Neg(),
		Reason:      ReasonWithdraw,
		Ref:         w.ID,
	}
	return s.applyWith([]Entry{entry}, func(tx *sql.Tx) error {
		return transitionWithdraw(tx, w.ID, WithdrawSucceed, confirmations, WithdrawConfirming)
	})
}

// ReleaseWithdraw unlocks the reserved funds for a canceled or rejected
// withdraw. No balance debit occurs.
func (s *Store) ReleaseWithdraw(w *Withdraw, toState string, fromStates ...string) error {
	entry := Entry{
		MemberID:    w.MemberID,
		Currency:    w.Currency,
		Delta:       decimal.Zero,
		LockedDelta: w.Total().Neg(),
		Reason:      ReasonUnlock,
		Ref:         w.ID,
	}
	return s.applyWith([]Entry{entry}, func(tx *sql.Tx) error {
		return transitionWithdraw(tx, w.ID, toState, w.Confirmations, fromStates...)
	})
}

func transitionWithdraw(tx *sql.Tx, id, toState string, confirmations int, fromStates ...string) error {
	query := "UPDATE withdraws SET state = ?, confirmations = ?, updated_at = ? WHERE id = ? AND state IN ("
	args := []interface{}{toState, confirmations, time.Now(), id}
	for i, st := range fromStates {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, st)
	}
	query += ")"

	res, err := tx.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: withdraw %s not in state %v", ErrInvariant, id, fromStates)
	}
	return nil
}
