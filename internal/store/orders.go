package store

import (
	"time"

	"exchange/internal/orderbook"
)

// OrderRecord is the persisted history row for an order. The live order
// lives in the book; this row tracks its lifecycle for the history API.
type OrderRecord struct {
	ID        string    `json:"id"`
	MemberID  string    `json:"member_id"`
	Market    string    `json:"market"`
	Side      string    `json:"side"`
	Kind      string    `json:"kind"`
	Price     string    `json:"price"`
	Volume    string    `json:"volume"`
	Remaining string    `json:"remaining"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InsertOrder records a newly accepted order.
func (s *Store) InsertOrder(o *orderbook.Order) error {
	_, err := s.db.Exec(
		`INSERT INTO orders (id, member_id, market, side, kind, price, volume, remaining, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.MemberID, o.Market, o.Side.String(), o.Kind.String(),
		o.Price.String(), o.Volume.String(), o.Remaining.String(), o.State.String(),
		o.CreatedAt, time.Now(),
	)
	return err
}

// UpdateOrder refreshes the remaining volume and state after matching,
// cancellation, or a clear.
func (s *Store) UpdateOrder(o *orderbook.Order) error {
	_, err := s.db.Exec(
		"UPDATE orders SET remaining = ?, state = ?, updated_at = ? WHERE id = ?",
		o.Remaining.String(), o.State.String(), time.Now(), o.ID,
	)
	return err
}

// OrdersByMember returns a member's order history, newest first. marketID
// filters when non-empty.
func (s *Store) OrdersByMember(memberID, marketID string, limit int) ([]*OrderRecord, error) {
	query := `SELECT id, member_id, market, side, kind, price, volume, remaining, state, created_at, updated_at
		 FROM orders WHERE member_id = ?`
	args := []interface{}{memberID}
	if marketID != "" {
		query += " AND market = ?"
		args = append(args, marketID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		r := &OrderRecord{}
		if err := rows.Scan(&r.ID, &r.MemberID, &r.Market, &r.Side, &r.Kind, &r.Price, &r.Volume, &r.Remaining, &r.State, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
