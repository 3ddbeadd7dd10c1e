package state

import (
	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/journal"
)

// Namespace separates nonce spaces so an order nonce never collides with a
// withdraw nonce of the same account.
type Namespace uint8

const (
	NamespaceOrder Namespace = iota
	NamespaceWithdraw
	NamespaceTransfer
	NamespaceLiquidation
	NamespaceSignerRegistration
)

func (n Namespace) String() string {
	switch n {
	case NamespaceOrder:
		return "order"
	case NamespaceWithdraw:
		return "withdraw"
	case NamespaceTransfer:
		return "transfer"
	case NamespaceLiquidation:
		return "liquidation"
	case NamespaceSignerRegistration:
		return "signer_registration"
	default:
		return "unknown"
	}
}

// ParseNamespace is the inverse of String.
func ParseNamespace(s string) (Namespace, bool) {
	for n := NamespaceOrder; n <= NamespaceSignerRegistration; n++ {
		if n.String() == s {
			return n, true
		}
	}
	return 0, false
}

type nonceKey struct {
	namespace Namespace
	account   common.Address
	nonce     uint64
}

// NonceRegistry records consumed nonces. A nonce is usable exactly once per
// (account, namespace).
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type NonceRegistry struct {
	used    map[nonceKey]struct{}
	journal *journal.Journal
}

func NewNonceRegistry(j *journal.Journal) *NonceRegistry {
	return &NonceRegistry{
		used:    make(map[nonceKey]struct{}),
		journal: j,
	}
}

func (r *NonceRegistry) IsUsed(ns Namespace, account common.Address, nonce uint64) bool {
	_, ok := r.used[nonceKey{namespace: ns, account: account, nonce: nonce}]
	return ok
}

// Check returns ErrNonceUsed if the nonce was consumed.
func (r *NonceRegistry) Check(ns Namespace, account common.Address, nonce uint64) error {
	if r.IsUsed(ns, account, nonce) {
		return errorsmod.Wrapf(ErrNonceUsed, "%s nonce %d for %s", ns, nonce, account.Hex())
	}
	return nil
}

// Use consumes the nonce.
func (r *NonceRegistry) Use(ns Namespace, account common.Address, nonce uint64) error {
	if err := r.Check(ns, account, nonce); err != nil {
		return err
	}
	journal.Set(r.journal, r.used, nonceKey{namespace: ns, account: account, nonce: nonce}, struct{}{})
	return nil
}

func (r *NonceRegistry) Count() int {
	return len(r.used)
}
