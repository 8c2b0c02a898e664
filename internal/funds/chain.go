package funds

import (
	"sync"

	"github.com/google/uuid"

	"exchange/internal/store"
)

// Chain is the external collaborator the processors poll: confirmation
// counts for incoming transactions and broadcast for outgoing withdraws.
type Chain interface {
	Confirmations(currency, txid string) (int, error)
	Broadcast(w *store.Withdraw) (txid string, err error)
}

// SimChain is the development fallback when no real chain gateway is
// configured: every poll adds one confirmation to each known transaction.
type SimChain struct {
	mu    sync.Mutex
	confs map[string]int
}

func NewSimChain() *SimChain {
	return &SimChain{confs: make(map[string]int)}
}

func (c *SimChain) Confirmations(currency, txid string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confs[txid]++
	return c.confs[txid], nil
}

func (c *SimChain) Broadcast(w *store.Withdraw) (string, error) {
	return uuid.New().String(), nil
}
