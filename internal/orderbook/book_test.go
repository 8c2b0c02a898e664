package orderbook

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"exchange/internal/market"
)

func testMarket() *market.Market {
	return &market.Market{
		ID: "btcusd", Base: "btc", Quote: "usd",
		PricePrecision: 2, VolumePrecision: 8,
		MinVolume: decimal.RequireFromString("0.0001"),
	}
}

func limitOrder(id, memberID string, side Side, price, volume string) *Order {
	p := decimal.RequireFromString(price)
	v := decimal.RequireFromString(volume)
	return &Order{
		ID:        id,
		MemberID:  memberID,
		Market:    "btcusd",
		Side:      side,
		Kind:      Limit,
		Price:     p,
		Volume:    v,
		Remaining: v,
	}
}

func TestInsertAndBest(t *testing.T) {
	book := New(testMarket())

	if err := book.Insert(limitOrder("b1", "alice", Bid, "100", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := book.Insert(limitOrder("b2", "bob", Bid, "101", "2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := book.Insert(limitOrder("a1", "carol", Ask, "105", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := book.Insert(limitOrder("a2", "dave", Ask, "103", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if best := book.BestBid(); best == nil || best.ID != "b2" {
		t.Errorf("expected best bid b2 (highest price), got %+v", best)
	}
	if best := book.BestAsk(); best == nil || best.ID != "a2" {
		t.Errorf("expected best ask a2 (lowest price), got %+v", best)
	}
	if book.Size() != 4 {
		t.Errorf("expected 4 resting orders, got %d", book.Size())
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	book := New(testMarket())

	book.Insert(limitOrder("first", "alice", Bid, "100", "1"))
	book.Insert(limitOrder("second", "bob", Bid, "100", "1"))

	if best := book.BestBid(); best.ID != "first" {
		t.Errorf("expected earlier order first at same price, got %s", best.ID)
	}

	book.Remove("first")
	if best := book.BestBid(); best.ID != "second" {
		t.Errorf("expected second after first removed, got %s", best.ID)
	}
}

func TestInsertRejectsMarketOrders(t *testing.T) {
	book := New(testMarket())

	o := limitOrder("m1", "alice", Bid, "100", "1")
	o.Kind = Market
	o.Price = decimal.Zero
	if err := book.Insert(o); err == nil {
		t.Fatal("expected error inserting market order")
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	book := New(testMarket())

	book.Insert(limitOrder("dup", "alice", Bid, "100", "1"))
	if err := book.Insert(limitOrder("dup", "alice", Bid, "101", "1")); err == nil {
		t.Fatal("expected error inserting duplicate id")
	}
}

func TestRemoveNotFound(t *testing.T) {
	book := New(testMarket())

	if _, err := book.Remove("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveDropsEmptyLevel(t *testing.T) {
	book := New(testMarket())

	book.Insert(limitOrder("a1", "alice", Ask, "105", "1"))
	book.Insert(limitOrder("a2", "bob", Ask, "103", "1"))

	if _, err := book.Remove("a2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best := book.BestAsk(); best == nil || best.ID != "a1" {
		t.Errorf("expected a1 as best ask after removal, got %+v", best)
	}

	snap := book.Snapshot(0)
	if len(snap.Asks) != 1 {
		t.Errorf("expected 1 ask level after removal, got %d", len(snap.Asks))
	}
}

func TestClearSide(t *testing.T) {
	book := New(testMarket())

	book.Insert(limitOrder("b1", "alice", Bid, "100", "1"))
	book.Insert(limitOrder("b2", "bob", Bid, "99", "1"))
	book.Insert(limitOrder("a1", "carol", Ask, "105", "1"))

	removed := book.Clear(Bid)
	if len(removed) != 2 {
		t.Fatalf("expected 2 cleared bids, got %d", len(removed))
	}
	if removed[0].ID != "b1" {
		t.Errorf("expected priority order in cleared result, got %s first", removed[0].ID)
	}
	if book.Size() != 1 {
		t.Errorf("expected 1 order left, got %d", book.Size())
	}
	if book.BestBid() != nil {
		t.Error("expected no bids after clear")
	}
}

func TestSnapshotAggregatesLevels(t *testing.T) {
	book := New(testMarket())

	book.Insert(limitOrder("b1", "alice", Bid, "100", "1"))
	book.Insert(limitOrder("b2", "bob", Bid, "100", "2"))
	book.Insert(limitOrder("b3", "carol", Bid, "99", "1"))
	book.Insert(limitOrder("a1", "dave", Ask, "105", "3"))

	snap := book.Snapshot(0)
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("100")) {
		t.Errorf("expected best level first, got %s", snap.Bids[0].Price)
	}
	if !snap.Bids[0].Volume.Equal(decimal.RequireFromString("3")) {
		t.Errorf("expected aggregated volume 3, got %s", snap.Bids[0].Volume)
	}

	limited := book.Snapshot(1)
	if len(limited.Bids) != 1 || len(limited.Asks) != 1 {
		t.Errorf("expected snapshot limited to 1 level per side, got %d/%d",
			len(limited.Bids), len(limited.Asks))
	}
}

func TestOrdersByMember(t *testing.T) {
	book := New(testMarket())

	book.Insert(limitOrder("b1", "alice", Bid, "100", "1"))
	book.Insert(limitOrder("a1", "alice", Ask, "105", "1"))
	book.Insert(limitOrder("b2", "bob", Bid, "99", "1"))

	mine := book.OrdersByMember("alice")
	if len(mine) != 2 {
		t.Fatalf("expected 2 orders for alice, got %d", len(mine))
	}
}
