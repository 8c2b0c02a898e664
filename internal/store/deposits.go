package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("record not found")

// Deposit states. Forward-only once accepted.
const (
	DepositSubmitted  = "submitted"
	DepositConfirming = "confirming"
	DepositAccepted   = "accepted"
	DepositCollected  = "collected"
	DepositCanceled   = "canceled"
)

type Deposit struct {
	ID            string          `json:"id"`
	MemberID      string          `json:"member_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	TxID          string          `json:"txid"`
	Address       string          `json:"address"`
	Confirmations int             `json:"confirmations"`
	State         string          `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InsertDeposit records a newly submitted deposit.
func (s *Store) InsertDeposit(d *Deposit) error {
	_, err := s.db.Exec(
		`INSERT INTO deposits (id, member_id, currency, amount, txid, address, confirmations, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.MemberID, d.Currency, d.Amount.String(), d.TxID, d.Address,
		d.Confirmations, d.State, d.CreatedAt, time.Now(),
	)
	return err
}

func scanDeposit(row *sql.Row) (*Deposit, error) {
	d := &Deposit{}
	var amount string
	err := row.Scan(&d.ID, &d.MemberID, &d.Currency, &amount, &d.TxID, &d.Address, &d.Confirmations, &d.State, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: deposit", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return d, nil
}

const depositColumns = "id, member_id, currency, amount, txid, address, confirmations, state, created_at, updated_at"

func (s *Store) DepositByID(id string) (*Deposit, error) {
	return scanDeposit(s.db.QueryRow("SELECT "+depositColumns+" FROM deposits WHERE id = ?", id))
}

// DepositsByMember lists a member's deposits, optionally filtered by
// currency, newest first.
func (s *Store) DepositsByMember(memberID, currency string) ([]*Deposit, error) {
	query := "SELECT " + depositColumns + " FROM deposits WHERE member_id = ?"
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

	var out []*Deposit
	for rows.Next() {
		d := &Deposit{}
		var amount string
		if err := rows.Scan(&d.ID, &d.MemberID, &d.Currency, &amount, &d.TxID, &d.Address, &d.Confirmations, &d.State, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DepositsInState returns deposits in any of the given states, oldest first.
// Used by the background confirmation processor.
func (s *Store) DepositsInState(states ...string) ([]*Deposit, error) {
	query := "SELECT " + depositColumns + " FROM deposits WHERE state IN ("
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

	var out []*Deposit
	for rows.Next() {
		d := &Deposit{}
		var amount string
		if err := rows.Scan(&d.ID, &d.MemberID, &d.Currency, &amount, &d.TxID, &d.Address, &d.Confirmations, &d.State, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDepositState updates state and confirmation count for transitions that
// do not touch the ledger (submitted->confirming, accepted->collected,
// cancellation). The update is guarded on the current state so a caller
// holding a stale read cannot overwrite a later transition; in particular a
// cancel can never flip an already-credited deposit.
func (s *Store) SetDepositState(id, state string, confirmations int, fromStates ...string) error {
	query := "UPDATE deposits SET state = ?, confirmations = ?, updated_at = ? WHERE id = ? AND state IN ("
	args := []interface{}{state, confirmations, time.Now(), id}
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
		return fmt.Errorf("%w: deposit %s not in state %v", ErrInvariant, id, fromStates)
	}
	return nil
}

// AcceptDeposit credits the member's balance and marks the deposit accepted
// in one transaction. Never reversible.
func (s *Store) AcceptDeposit(d *Deposit, confirmations int) error {
	entry := Entry{
		MemberID: d.MemberID,
		Currency: d.Currency,
		Delta:    d.Amount,
		Reason:   ReasonDeposit,
		Ref:      d.ID,
	}
	return s.applyWith([]Entry{entry}, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE deposits SET state = ?, confirmations = ?, updated_at = ? WHERE id = ? AND state IN (?, ?)",
			DepositAccepted, confirmations, time.Now(), d.ID, DepositSubmitted, DepositConfirming,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: deposit %s not in an acceptable state", ErrInvariant, d.ID)
		}
		return nil
	})
}
