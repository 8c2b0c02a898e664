package funds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// FeePolicy computes the withdraw fee for an amount.
type FeePolicy func(amount decimal.Decimal) decimal.Decimal

// FlatFee charges a fixed fee per withdraw.
func FlatFee(fee decimal.Decimal) FeePolicy {
	return func(decimal.Decimal) decimal.Decimal { return fee }
}

// RateFee charges a proportional fee with a floor.
func RateFee(rate, min decimal.Decimal) FeePolicy {
	return func(amount decimal.Decimal) decimal.Decimal {
		fee := amount.Mul(rate)
		if fee.LessThan(min) {
			return min
		}
		return fee
	}
}

// Currency is the capability set one supported currency provides to the
// deposit/withdraw processors.
type Currency struct {
	Code             string
	MinConfirmations int
	AddressPrefix    string
	Fee              FeePolicy
}

// WithdrawFee applies the currency's fee policy.
func (c *Currency) WithdrawFee(amount decimal.Decimal) decimal.Decimal {
	if c.Fee == nil {
		return decimal.Zero
	}
	return c.Fee(amount)
}

// GenAddress derives a deposit address for a member. Deterministic per
// member and currency so repeated calls hand back the same address.
func (c *Currency) GenAddress(memberID string) string {
	sum := sha3.Sum256([]byte(c.Code + ":" + memberID))
	return c.AddressPrefix + hex.EncodeToString(sum[:20])
}

// Registry maps currency codes to their capability sets, populated once at
// startup. No runtime discovery.
type Registry struct {
	currencies map[string]*Currency
}

func NewRegistry(currencies ...*Currency) *Registry {
	r := &Registry{currencies: make(map[string]*Currency)}
	for _, c := range currencies {
		r.currencies[c.Code] = c
	}
	return r
}

func (r *Registry) Get(code string) (*Currency, error) {
	c, ok := r.currencies[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return c, nil
}

// All returns registered currencies sorted by code.
func (r *Registry) All() []*Currency {
	out := make([]*Currency, 0, len(r.currencies))
	for _, c := range r.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
