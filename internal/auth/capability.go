package auth

import (
	"strings"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Capability is a named permission checked on every mutating entry point.
type Capability uint8

const (
	CapBatchOperator Capability = iota + 1
	CapLedgerWriter
	CapPerpWriter
	CapClearing
	CapLiquidator
	CapInsuranceAdmin
	CapAdmin
)

func (c Capability) String() string {
	switch c {
	case CapBatchOperator:
		return "BatchOperator"
	case CapLedgerWriter:
		return "LedgerWriter"
	case CapPerpWriter:
		return "PerpWriter"
	case CapClearing:
		return "Clearing"
	case CapLiquidator:
		return "Liquidator"
	case CapInsuranceAdmin:
		return "InsuranceAdmin"
	case CapAdmin:
		return "Admin"
	default:
		return "Unknown"
	}
}

// ParseCapability is the inverse of String, ignoring case.
func ParseCapability(s string) (Capability, bool) {
	for c := CapBatchOperator; c <= CapAdmin; c++ {
		if strings.EqualFold(c.String(), s) {
			return c, true
		}
	}
	return 0, false
}

// Provider answers capability checks. Role administration lives outside the core.
type Provider interface {
	HasCapability(caller common.Address, c Capability) bool
}

// Require returns ErrUnauthorized unless caller holds c.
func Require(p Provider, caller common.Address, c Capability) error {
	if p == nil || !p.HasCapability(caller, c) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s needs %s", caller.Hex(), c)
	}
	return nil
}

// ComponentAddress derives the identity an internal component uses when it
// calls another component.
func ComponentAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(name)))
}

var (
	ExchangeIdentity    = ComponentAddress("settle.exchange")
	ClearingIdentity    = ComponentAddress("settle.clearing")
	MatchingIdentity    = ComponentAddress("settle.matching")
	LiquidationIdentity = ComponentAddress("settle.liquidation")
)

// StaticProvider is an in-memory grant table.
type StaticProvider struct {
	mu     sync.RWMutex
	grants map[common.Address]map[Capability]struct{}
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{grants: make(map[common.Address]map[Capability]struct{})}
}

// NewDefaultProvider grants the internal component identities the
// capabilities they need to call each other.
func NewDefaultProvider() *StaticProvider {
	p := NewStaticProvider()
	p.Grant(ExchangeIdentity, CapLedgerWriter, CapPerpWriter, CapClearing)
	p.Grant(ClearingIdentity, CapLedgerWriter)
	p.Grant(MatchingIdentity, CapLedgerWriter, CapPerpWriter, CapClearing)
	p.Grant(LiquidationIdentity, CapLedgerWriter, CapClearing)
	return p
}

func (p *StaticProvider) Grant(caller common.Address, caps ...Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.grants[caller]
	if !ok {
		set = make(map[Capability]struct{}, len(caps))
		p.grants[caller] = set
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
}

func (p *StaticProvider) Revoke(caller common.Address, c Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants[caller], c)
}

func (p *StaticProvider) HasCapability(caller common.Address, c Capability) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.grants[caller][c]
	return ok
}
