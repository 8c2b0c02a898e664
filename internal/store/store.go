package store

import (
	"database/sql"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for the exchange: the account ledger,
// order and trade history, and deposit/withdraw records. Decimal amounts are
// stored as TEXT to avoid float drift.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	acctMu map[string]*sync.Mutex // per-account serialization, key member:currency
}

// New opens the database and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Ledger writes serialize on per-account mutexes; a single connection
	// keeps sqlite itself out of busy-retry territory.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, acctMu: make(map[string]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		member_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		locked TEXT NOT NULL DEFAULT '0',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (member_id, currency)
	);

	CREATE TABLE IF NOT EXISTS account_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		seq INTEGER NOT NULL,
		delta TEXT NOT NULL,
		locked_delta TEXT NOT NULL,
		balance TEXT NOT NULL,
		locked TEXT NOT NULL,
		reason TEXT NOT NULL,
		ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (member_id, currency, seq)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		price TEXT NOT NULL,
		volume TEXT NOT NULL,
		remaining TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		market TEXT NOT NULL,
		price TEXT NOT NULL,
		volume TEXT NOT NULL,
		funds TEXT NOT NULL,
		maker_order_id TEXT NOT NULL,
		taker_order_id TEXT NOT NULL,
		maker_member_id TEXT NOT NULL,
		taker_member_id TEXT NOT NULL,
		taker_side TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		txid TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		confirmations INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS withdraws (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		txid TEXT NOT NULL DEFAULT '',
		confirmations INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_versions_account ON account_versions(member_id, currency);
	CREATE INDEX IF NOT EXISTS idx_orders_member ON orders(member_id, market);
	CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market, created_at);
	CREATE INDEX IF NOT EXISTS idx_trades_members ON trades(maker_member_id, taker_member_id);
	CREATE INDEX IF NOT EXISTS idx_deposits_member ON deposits(member_id);
	CREATE INDEX IF NOT EXISTS idx_deposits_state ON deposits(state);
	CREATE INDEX IF NOT EXISTS idx_withdraws_member ON withdraws(member_id);
	CREATE INDEX IF NOT EXISTS idx_withdraws_state ON withdraws(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Account is the cached ledger state for one member/currency pair. The
// balance is always equal to the sum of the account's version deltas.
type Account struct {
	MemberID  string          `json:"member_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountVersion is one immutable ledger entry. Append-only.
type AccountVersion struct {
	ID          int64           `json:"id"`
	MemberID    string          `json:"member_id"`
	Currency    string          `json:"currency"`
	Seq         int64           `json:"seq"`
	Delta       decimal.Decimal `json:"delta"`
	LockedDelta decimal.Decimal `json:"locked_delta"`
	Balance     decimal.Decimal `json:"balance"`
	Locked      decimal.Decimal `json:"locked"`
	Reason      string          `json:"reason"`
	Ref         string          `json:"ref"`
	CreatedAt   time.Time       `json:"created_at"`
}
