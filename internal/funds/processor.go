package funds

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange/internal/store"
)

var (
	ErrBadAmount = errors.New("amount must be positive")
	ErrBadState  = errors.New("state transition not allowed")
	ErrNotOwner  = errors.New("record belongs to another member")
)

// Processor runs the deposit and withdraw state machines for every
// registered currency. Confirmation polling is background work; it touches
// balances only through the store's atomic ledger operations, so it never
// blocks order matching.
type Processor struct {
	store    *store.Store
	registry *Registry
	chain    Chain
	interval time.Duration

	quit chan struct{}
	done chan struct{}
}

func NewProcessor(st *store.Store, registry *Registry, chain Chain, interval time.Duration) *Processor {
	return &Processor{
		store:    st,
		registry: registry,
		chain:    chain,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Processor) Registry() *Registry {
	return p.registry
}

// GenAddress returns the member's deposit address for a currency.
func (p *Processor) GenAddress(memberID, code string) (string, error) {
	c, err := p.registry.Get(code)
	if err != nil {
		return "", err
	}
	return c.GenAddress(memberID), nil
}

// SubmitDeposit records an incoming transaction reported for the member's
// deposit address. The credit happens later, once the chain shows enough
// confirmations.
func (p *Processor) SubmitDeposit(memberID, code, txid string, amount decimal.Decimal) (*store.Deposit, error) {
	c, err := p.registry.Get(code)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrBadAmount
	}

	d := &store.Deposit{
		ID:        uuid.New().String(),
		MemberID:  memberID,
		Currency:  c.Code,
		Amount:    amount,
		TxID:      txid,
		Address:   c.GenAddress(memberID),
		State:     store.DepositSubmitted,
		CreatedAt: time.Now(),
	}
	if err := p.store.InsertDeposit(d); err != nil {
		return nil, err
	}
	return d, nil
}

// CancelDeposit discards a deposit that has not been accepted yet. Accepted
// deposits are final.
func (p *Processor) CancelDeposit(id, memberID string) error {
	d, err := p.store.DepositByID(id)
	if err != nil {
		return err
	}
	if memberID != "" && d.MemberID != memberID {
		return ErrNotOwner
	}
	if d.State != store.DepositSubmitted && d.State != store.DepositConfirming {
		return fmt.Errorf("%w: deposit is %s", ErrBadState, d.State)
	}
	err = p.store.SetDepositState(id, store.DepositCanceled, d.Confirmations, store.DepositSubmitted, store.DepositConfirming)
	if errors.Is(err, store.ErrInvariant) {
		// Lost the race to the confirmation poller; the credit is final.
		return fmt.Errorf("%w: deposit already accepted", ErrBadState)
	}
	return err
}

// SubmitWithdraw locks amount plus fee immediately and queues the withdraw
// for review.
func (p *Processor) SubmitWithdraw(memberID, code, address string, amount decimal.Decimal) (*store.Withdraw, error) {
	c, err := p.registry.Get(code)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrBadAmount
	}

	w := &store.Withdraw{
		ID:        uuid.New().String(),
		MemberID:  memberID,
		Currency:  c.Code,
		Amount:    amount,
		Fee:       c.WithdrawFee(amount),
		Address:   address,
		State:     store.WithdrawSubmitted,
		CreatedAt: time.Now(),
	}
	if err := p.store.SubmitWithdraw(w); err != nil {
		return nil, err
	}
	return w, nil
}

// AcceptWithdraw approves a submitted withdraw for broadcast.
func (p *Processor) AcceptWithdraw(id string) error {
	w, err := p.store.WithdrawByID(id)
	if err != nil {
		return err
	}
	if w.State != store.WithdrawSubmitted {
		return fmt.Errorf("%w: withdraw is %s", ErrBadState, w.State)
	}
	err = p.store.SetWithdrawState(id, store.WithdrawAccepted, w.TxID, w.Confirmations, store.WithdrawSubmitted)
	if errors.Is(err, store.ErrInvariant) {
		return fmt.Errorf("%w: withdraw is no longer submitted", ErrBadState)
	}
	return err
}

// CancelWithdraw releases the lock for a withdraw the member pulled back
// before acceptance.
func (p *Processor) CancelWithdraw(id, memberID string) error {
	w, err := p.store.WithdrawByID(id)
	if err != nil {
		return err
	}
	if memberID != "" && w.MemberID != memberID {
		return ErrNotOwner
	}
	if w.State != store.WithdrawSubmitted {
		return fmt.Errorf("%w: withdraw is %s", ErrBadState, w.State)
	}
	return p.store.ReleaseWithdraw(w, store.WithdrawCanceled, store.WithdrawSubmitted)
}

// RejectWithdraw releases the lock for an accepted withdraw an operator
// refused. Balance is untouched.
func (p *Processor) RejectWithdraw(id string) error {
	w, err := p.store.WithdrawByID(id)
	if err != nil {
		return err
	}
	if w.State != store.WithdrawAccepted {
		return fmt.Errorf("%w: withdraw is %s", ErrBadState, w.State)
	}
	return p.store.ReleaseWithdraw(w, store.WithdrawRejected, store.WithdrawAccepted)
}

// Start launches the background confirmation loop.
func (p *Processor) Start() {
	go p.run()
}

func (p *Processor) Stop() {
	close(p.quit)
	<-p.done
}

func (p *Processor) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll()
		case <-p.quit:
			return
		}
	}
}

// Poll advances every in-flight deposit and withdraw one step if the chain
// allows it. Confirmation shortfalls are not errors; the record simply stays
// where it is until the next cycle.
func (p *Processor) Poll() {
	p.pollDeposits()
	p.pollWithdraws()
}

func (p *Processor) pollDeposits() {
	deposits, err := p.store.DepositsInState(store.DepositSubmitted, store.DepositConfirming, store.DepositAccepted)
	if err != nil {
		log.Printf("[funds] list deposits: %v", err)
		return
	}

	for _, d := range deposits {
		c, err := p.registry.Get(d.Currency)
		if err != nil {
			log.Printf("[funds] deposit %s: %v", d.ID, err)
			continue
		}

		// Accepted deposits get swept to the collected state on the next
		// cycle; the ledger credit already happened.
		if d.State == store.DepositAccepted {
			if err := p.store.SetDepositState(d.ID, store.DepositCollected, d.Confirmations, store.DepositAccepted); err != nil {
				log.Printf("[funds] collect deposit %s: %v", d.ID, err)
			}
			continue
		}

		confs, err := p.chain.Confirmations(d.Currency, d.TxID)
		if err != nil {
			log.Printf("[funds] confirmations for deposit %s: %v", d.ID, err)
			continue
		}

		if confs >= c.MinConfirmations {
			if err := p.store.AcceptDeposit(d, confs); err != nil {
				log.Printf("[funds] accept deposit %s: %v", d.ID, err)
			}
			continue
		}
		if err := p.store.SetDepositState(d.ID, store.DepositConfirming, confs, store.DepositSubmitted, store.DepositConfirming); err != nil {
			log.Printf("[funds] update deposit %s: %v", d.ID, err)
		}
	}
}

func (p *Processor) pollWithdraws() {
	withdraws, err := p.store.WithdrawsInState(store.WithdrawAccepted, store.WithdrawConfirming)
	if err != nil {
		log.Printf("[funds] list withdraws: %v", err)
		return
	}

	for _, w := range withdraws {
		c, err := p.registry.Get(w.Currency)
		if err != nil {
			log.Printf("[funds] withdraw %s: %v", w.ID, err)
			continue
		}

		if w.State == store.WithdrawAccepted {
			txid, err := p.chain.Broadcast(w)
			if err != nil {
				log.Printf("[funds] broadcast withdraw %s: %v", w.ID, err)
				continue
			}
			if err := p.store.SetWithdrawState(w.ID, store.WithdrawConfirming, txid, 0, store.WithdrawAccepted); err != nil {
				log.Printf("[funds] update withdraw %s: %v", w.ID, err)
			}
			continue
		}

		confs, err := p.chain.Confirmations(w.Currency, w.TxID)
		if err != nil {
			log.Printf("[funds] confirmations for withdraw %s: %v", w.ID, err)
			continue
		}
		if confs >= c.MinConfirmations {
			if err := p.store.SucceedWithdraw(w, confs); err != nil {
				log.Printf("[funds] succeed withdraw %s: %v", w.ID, err)
			}
			continue
		}
		if err := p.store.SetWithdrawState(w.ID, store.WithdrawConfirming, w.TxID, confs, store.WithdrawConfirming); err != nil {
			log.Printf("[funds] update withdraw %s: %v", w.ID, err)
		}
	}
}
