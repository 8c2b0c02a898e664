package store

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/orderbook"
)

// InsertTrade records a settled trade.
func (s *Store) InsertTrade(t *orderbook.Trade) error {
	_, err := s.db.Exec(insertTradeSQL, insertTradeArgs(t)...)
	return err
}

const insertTradeSQL = `INSERT INTO trades (id, market, price, volume, funds, maker_order_id, taker_order_id, maker_member_id, taker_member_id, taker_side, created_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertTradeArgs(t *orderbook.Trade) []interface{} {
	return []interface{}{
		t.ID, t.Market, t.Price.String(), t.Volume.String(), t.Funds.String(),
		t.MakerOrderID, t.TakerOrderID, t.MakerMemberID, t.TakerMemberID,
		t.TakerSide.String(), t.CreatedAt,
	}
}

// ApplyTrade writes the trade's ledger legs and its trade row in a single
// transaction: either the trade settles fully or nothing is recorded.
func (s *Store) ApplyTrade(entries []Entry, t *orderbook.Trade) error {
	return s.applyWith(entries, func(tx *sql.Tx) error {
		_, err := tx.Exec(insertTradeSQL, insertTradeArgs(t)...)
		return err
	})
}

// TradeRecord is the persisted trade row returned by history queries.
type TradeRecord struct {
	ID            string    `json:"id"`
	Market        string    `json:"market"`
	Price         string    `json:"price"`
	Volume        string    `json:"volume"`
	Funds         string    `json:"funds"`
	MakerOrderID  string    `json:"maker_order_id"`
	TakerOrderID  string    `json:"taker_order_id"`
	MakerMemberID string    `json:"maker_member_id"`
	TakerMemberID string    `json:"taker_member_id"`
	TakerSide     string    `json:"taker_side"`
	CreatedAt     time.Time `json:"created_at"`
}

func scanTrades(rows *sql.Rows) ([]*TradeRecord, error) {
	defer rows.Close()
	var out []*TradeRecord
	for rows.Next() {
		t := &TradeRecord{}
		if err := rows.Scan(&t.ID, &t.Market, &t.Price, &t.Volume, &t.Funds, &t.MakerOrderID, &t.TakerOrderID, &t.MakerMemberID, &t.TakerMemberID, &t.TakerSide, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const tradeColumns = "id, market, price, volume, funds, maker_order_id, taker_order_id, maker_member_id, taker_member_id, taker_side, created_at"

// RecentTrades returns the latest trades for a market, newest first.
func (s *Store) RecentTrades(marketID string, limit int) ([]*TradeRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+tradeColumns+" FROM trades WHERE market = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		marketID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

// TradesByMember returns a member's trades (either side), newest first.
// marketID filters when non-empty.
func (s *Store) TradesByMember(memberID, marketID string, limit int) ([]*TradeRecord, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE (maker_member_id = ? OR taker_member_id = ?)"
	args := []interface{}{memberID, memberID}
	if marketID != "" {
		query += " AND market = ?"
		args = append(args, marketID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

// Ticker summarizes 24h trading activity for a market.
type Ticker struct {
	Market string          `json:"market"`
	Last   decimal.Decimal `json:"last"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Volume decimal.Decimal `json:"volume"`
}

// GetTicker computes last/high/low/volume over the past 24 hours.
func (s *Store) GetTicker(marketID string) (*Ticker, error) {
	tk := &Ticker{Market: marketID, Last: decimal.Zero, High: decimal.Zero, Low: decimal.Zero, Volume: decimal.Zero}

	var last string
	err := s.db.QueryRow(
		"SELECT price FROM trades WHERE market = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		marketID,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return tk, nil
	}
	if err != nil {
		return nil, err
	}
	if tk.Last, err = decimal.NewFromString(last); err != nil {
		return nil, err
	}

	since := time.Now().Add(-24 * time.Hour)
	rows, err := s.db.Query(
		"SELECT price, volume FROM trades WHERE market = ? AND created_at >= ?",
		marketID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		var priceStr, volStr string
		if err := rows.Scan(&priceStr, &volStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, err
		}
		vol, err := decimal.NewFromString(volStr)
		if err != nil {
			return nil, err
		}
		if first || price.GreaterThan(tk.High) {
			tk.High = price
		}
		if first || price.LessThan(tk.Low) {
			tk.Low = price
		}
		tk.Volume = tk.Volume.Add(vol)
		first = false
	}
	return tk, rows.Err()
}
