package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvariant         = errors.New("ledger invariant violation")
	ErrAccountNotFound   = errors.New("account not found")
)

// Version reasons. Every balance change carries exactly one.
const (
	ReasonDeposit     = "deposit"
	ReasonWithdraw    = "withdraw"
	ReasonTradeCredit = "trade_credit"
	ReasonTradeDebit  = "trade_debit"
	ReasonLock        = "lock"
	ReasonUnlock      = "unlock"
)

// Entry is one leg of an atomic ledger mutation. Delta moves the balance,
// LockedDelta moves the reserved amount; a debit that consumes a lock sets
// both negative.
type Entry struct {
	MemberID    string
	Currency    string
	Delta       decimal.Decimal
	LockedDelta decimal.Decimal
	Reason      string
	Ref         string
}

// Apply executes every entry in a single transaction: one account_versions
// row per entry plus the cached balance update, all or nothing. Accounts
// involved are serialized via per-account mutexes taken in sorted order.
func (s *Store) Apply(entries []Entry) error {
	return s.applyWith(entries, nil)
}

// applyWith runs the ledger entries and an optional extra statement batch in
// the same transaction. Used by trade settlement and the deposit/withdraw
// transitions so a state row can never change without its ledger leg.
func (s *Store) applyWith(entries []Entry, extra func(tx *sql.Tx) error) error {
	if len(entries) == 0 && extra == nil {
		return nil
	}

	unlock := s.lockAccounts(entries)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, e := range entries {
		if err := applyEntry(tx, e, now); err != nil {
			return err
		}
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyEntry(tx *sql.Tx, e Entry, now time.Time) error {
	balance, locked := decimal.Zero, decimal.Zero
	var balStr, lockStr string
	exists := true
	err := tx.QueryRow(
		"SELECT balance, locked FROM accounts WHERE member_id = ? AND currency = ?",
		e.MemberID, e.Currency,
	).Scan(&balStr, &lockStr)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return err
	} else {
		if balance, err = decimal.NewFromString(balStr); err != nil {
			return fmt.Errorf("%w: bad balance for %s/%s: %v", ErrInvariant, e.MemberID, e.Currency, err)
		}
		if locked, err = decimal.NewFromString(lockStr); err != nil {
			return fmt.Errorf("%w: bad locked for %s/%s: %v", ErrInvariant, e.MemberID, e.Currency, err)
		}
	}

	newBalance := balance.Add(e.Delta)
	newLocked := locked.Add(e.LockedDelta)
	if newBalance.IsNegative() || newLocked.IsNegative() || newLocked.GreaterThan(newBalance) {
		return fmt.Errorf("%w: %s %s %s/%s (balance %s, locked %s)",
			ErrInsufficientFunds, e.Reason, e.Delta, e.MemberID, e.Currency, balance, locked)
	}

	if exists {
		_, err = tx.Exec(
			"UPDATE accounts SET balance = ?, locked = ?, updated_at = ? WHERE member_id = ? AND currency = ?",
			newBalance.String(), newLocked.String(), now, e.MemberID, e.Currency,
		)
	} else {
		_, err = tx.Exec(
			"INSERT INTO accounts (member_id, currency, balance, locked, updated_at) VALUES (?, ?, ?, ?, ?)",
			e.MemberID, e.Currency, newBalance.String(), newLocked.String(), now,
		)
	}
	if err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM account_versions WHERE member_id = ? AND currency = ?",
		e.MemberID, e.Currency,
	).Scan(&seq); err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO account_versions (member_id, currency, seq, delta, locked_delta, balance, locked, reason, ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MemberID, e.Currency, seq+1, e.Delta.String(), e.LockedDelta.String(),
		newBalance.String(), newLocked.String(), e.Reason, e.Ref, now,
	)
	return err
}

// lockAccounts takes the per-account mutexes for every distinct account in
// the entries, in sorted key order so concurrent multi-account applications
// cannot deadlock. The returned func releases them.
func (s *Store) lockAccounts(entries []Entry) func() {
	keys := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		k := e.MemberID + ":" + e.Currency
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	locks := make([]*sync.Mutex, 0, len(keys))
	s.mu.Lock()
	for _, k := range keys {
		m, ok := s.acctMu[k]
		if !ok {
			m = &sync.Mutex{}
			s.acctMu[k] = m
		}
		locks = append(locks, m)
	}
	s.mu.Unlock()

	for _, m := range locks {
		m.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Credit adds amount to the account balance. Creates the account on first use.
func (s *Store) Credit(memberID, currency string, amount decimal.Decimal, reason, ref string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvariant)
	}
	return s.Apply([]Entry{{MemberID: memberID, Currency: currency, Delta: amount, LockedDelta: decimal.Zero, Reason: reason, Ref: ref}})
}

// Lock reserves amount against the unlocked balance. Fails with
// ErrInsufficientFunds when balance - locked < amount.
func (s *Store) Lock(memberID, currency string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: lock amount must be positive", ErrInvariant)
	}
	return s.Apply([]Entry{{MemberID: memberID, Currency: currency, Delta: decimal.Zero, LockedDelta: amount, Reason: ReasonLock, Ref: ref}})
}

// Unlock releases a reservation. Over-unlocking is a caller bug and surfaces
// as ErrInvariant, never as a user-facing failure.
func (s *Store) Unlock(memberID, currency string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: unlock amount must be positive", ErrInvariant)
	}
	err := s.Apply([]Entry{{MemberID: memberID, Currency: currency, Delta: decimal.Zero, LockedDelta: amount.Neg(), Reason: ReasonUnlock, Ref: ref}})
	if errors.Is(err, ErrInsufficientFunds) {
		return fmt.Errorf("%w: unlock of %s exceeds locked amount for %s/%s", ErrInvariant, amount, memberID, currency)
	}
	return err
}

// DebitLocked consumes previously locked funds: balance and locked both
// decrease by amount.
func (s *Store) DebitLocked(memberID, currency string, amount decimal.Decimal, reason, ref string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit amount must be positive", ErrInvariant)
	}
	return s.Apply([]Entry{{MemberID: memberID, Currency: currency, Delta: amount.Neg(), LockedDelta: amount.Neg(), Reason: reason, Ref: ref}})
}

// GetAccount returns the cached account state.
func (s *Store) GetAccount(memberID, currency string) (*Account, error) {
	acc := &Account{MemberID: memberID, Currency: currency}
	var balStr, lockStr string
	err := s.db.QueryRow(
		"SELECT balance, locked, updated_at FROM accounts WHERE member_id = ? AND currency = ?",
		memberID, currency,
	).Scan(&balStr, &lockStr, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrAccountNotFound, memberID, currency)
	}
	if err != nil {
		return nil, err
	}
	if acc.Balance, err = decimal.NewFromString(balStr); err != nil {
		return nil, err
	}
	if acc.Locked, err = decimal.NewFromString(lockStr); err != nil {
		return nil, err
	}
	return acc, nil
}

// Accounts returns every account a member holds, sorted by currency.
func (s *Store) Accounts(memberID string) ([]*Account, error) {
	rows, err := s.db.Query(
		"SELECT currency, balance, locked, updated_at FROM accounts WHERE member_id = ? ORDER BY currency",
		memberID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		acc := &Account{MemberID: memberID}
		var balStr, lockStr string
		if err := rows.Scan(&acc.Currency, &balStr, &lockStr, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		if acc.Balance, err = decimal.NewFromString(balStr); err != nil {
			return nil, err
		}
		if acc.Locked, err = decimal.NewFromString(lockStr); err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Versions returns a page of the member's ledger history, newest first.
// currency filters when non-empty.
func (s *Store) Versions(memberID, currency string, limit, offset int) ([]*AccountVersion, error) {
	query := `SELECT id, member_id, currency, seq, delta, locked_delta, balance, locked, reason, ref, created_at
		 FROM account_versions WHERE member_id = ?`
	args := []interface{}{memberID}
	if currency != "" {
		query += " AND currency = ?"
		args = append(args, currency)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AccountVersion
	for rows.Next() {
		v := &AccountVersion{}
		var delta, lockedDelta, balance, locked string
		if err := rows.Scan(&v.ID, &v.MemberID, &v.Currency, &v.Seq, &delta, &lockedDelta, &balance, &locked, &v.Reason, &v.Ref, &v.CreatedAt); err != nil {
			return nil, err
		}
		if v.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		if v.LockedDelta, err = decimal.NewFromString(lockedDelta); err != nil {
			return nil, err
		}
		if v.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		if v.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Reconcile recomputes the balance from the full version history and compares
// it with the cached value. A mismatch means the append-only invariant broke.
// Verification tool, not a hot-path dependency.
func (s *Store) Reconcile(memberID, currency string) error {
	acc, err := s.GetAccount(memberID, currency)
	if err != nil {
		return err
	}

	rows, err := s.db.Query(
		"SELECT delta FROM account_versions WHERE member_id = ? AND currency = ? ORDER BY seq",
		memberID, currency,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var delta string
		if err := rows.Scan(&delta); err != nil {
			return err
		}
		d, err := decimal.NewFromString(delta)
		if err != nil {
			return err
		}
		sum = sum.Add(d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !sum.Equal(acc.Balance) {
		return fmt.Errorf("%w: %s/%s cached balance %s != version sum %s",
			ErrInvariant, memberID, currency, acc.Balance, sum)
	}
	return nil
}
