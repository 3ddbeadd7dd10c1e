package ledger

import (
	"bytes"
	"slices"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/journal"
)

// AccountType represents the account namespace
type AccountType uint8

const (
	AccountTypeMain AccountType = iota
	AccountTypeSubaccount
	AccountTypeVault
)

func (t AccountType) String() string {
	switch t {
	case AccountTypeMain:
		return "main"
	case AccountTypeSubaccount:
		return "subaccount"
	case AccountTypeVault:
		return "vault"
	default:
		return "unknown"
	}
}

// AccountState is the lifecycle of an account. Deleted accounts stay addressable.
type AccountState uint8

const (
	AccountStateActive AccountState = iota
	AccountStateDeleted
)

func (s AccountState) String() string {
	if s == AccountStateDeleted {
		return "deleted"
	}
	return "active"
}

// Account is a ledger identity.
type Account struct {
	Address     common.Address
	Type        AccountType
	State       AccountState
	Main        common.Address   // owning main account (subaccounts only)
	Subaccounts []common.Address // owned subaccounts (main accounts only)
}

func (a Account) IsActive() bool { return a.State == AccountStateActive }

type signerKey struct {
	account common.Address
	signer  common.Address
}

// Registry tracks accounts, ownership and authorized signing wallets.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type Registry struct {
	accounts map[common.Address]Account
	signers  map[signerKey]struct{}
	journal  *journal.Journal
}

func NewRegistry(j *journal.Journal) *Registry {
	return &Registry{
		accounts: make(map[common.Address]Account),
		signers:  make(map[signerKey]struct{}),
		journal:  j,
	}
}

// Get returns a copy of the account.
func (r *Registry) Get(addr common.Address) (Account, bool) {
	acc, ok := r.accounts[addr]
	if !ok {
		return Account{}, false
	}
	acc.Subaccounts = slices.Clone(acc.Subaccounts)
	return acc, true
}

// Lookup returns the account, or an implicit active Main account when the
// address has never been referenced. It does not create anything.
func (r *Registry) Lookup(addr common.Address) Account {
	if acc, ok := r.Get(addr); ok {
		return acc
	}
	return Account{Address: addr, Type: AccountTypeMain, State: AccountStateActive}
}

// Ensure returns the account, creating it as an active Main account on first reference.
func (r *Registry) Ensure(addr common.Address) Account {
	if acc, ok := r.Get(addr); ok {
		return acc
	}
	acc := Account{Address: addr, Type: AccountTypeMain, State: AccountStateActive}
	journal.Set(r.journal, r.accounts, addr, acc)
	return acc
}

// RegisterVault declares addr as a contract-controlled vault account.
func (r *Registry) RegisterVault(addr common.Address) error {
	if _, ok := r.accounts[addr]; ok {
		return errorsmod.Wrapf(ErrAccountExists, "%s", addr.Hex())
	}
	journal.Set(r.journal, r.accounts, addr, Account{Address: addr, Type: AccountTypeVault, State: AccountStateActive})
	return nil
}

func (r *Registry) CreateSubaccount(main, sub common.Address) error {
	m := r.Ensure(main)
	if m.Type != AccountTypeMain {
		return errorsmod.Wrapf(ErrNotMainAccount, "%s is %s", main.Hex(), m.Type)
	}
	if main == sub {
		return errorsmod.Wrapf(ErrAccountExists, "subaccount equals main %s", main.Hex())
	}
	if _, ok := r.accounts[sub]; ok {
		return errorsmod.Wrapf(ErrAccountExists, "%s", sub.Hex())
	}

	journal.Set(r.journal, r.accounts, sub, Account{
		Address: sub,
		Type:    AccountTypeSubaccount,
		State:   AccountStateActive,
		Main:    main,
	})
	m.Subaccounts = append(m.Subaccounts, sub)
	journal.Set(r.journal, r.accounts, main, m)
	return nil
}

// CheckOwnedActiveSubaccount validates that sub is an active subaccount of main.
func (r *Registry) CheckOwnedActiveSubaccount(main, sub common.Address) (Account, error) {
	acc, ok := r.Get(sub)
	if !ok {
		return Account{}, errorsmod.Wrapf(ErrAccountNotFound, "%s", sub.Hex())
	}
	if acc.Type != AccountTypeSubaccount {
		return Account{}, errorsmod.Wrapf(ErrNotSubaccount, "%s is %s", sub.Hex(), acc.Type)
	}
	if acc.Main != main {
		return Account{}, errorsmod.Wrapf(ErrNotOwner, "%s owned by %s", sub.Hex(), acc.Main.Hex())
	}
	if !acc.IsActive() {
		return Account{}, errorsmod.Wrapf(ErrAccountDeleted, "%s", sub.Hex())
	}
	return acc, nil
}

// DeleteSubaccount flips an owned subaccount to Deleted. Balance sweeping is
// the caller's job.
func (r *Registry) DeleteSubaccount(main, sub common.Address) error {
	acc, err := r.CheckOwnedActiveSubaccount(main, sub)
	if err != nil {
		return err
	}
	acc.State = AccountStateDeleted
	journal.Set(r.journal, r.accounts, sub, acc)
	return nil
}

// AddSigner authorizes signer to sign on behalf of account.
func (r *Registry) AddSigner(account, signer common.Address) error {
	if signer == (common.Address{}) || signer == account {
		return errorsmod.Wrapf(ErrSignerExists, "%s cannot be added as signer of %s", signer.Hex(), account.Hex())
	}
	key := signerKey{account: account, signer: signer}
	if _, ok := r.signers[key]; ok {
		return errorsmod.Wrapf(ErrSignerExists, "%s for %s", signer.Hex(), account.Hex())
	}
	journal.Set(r.journal, r.signers, key, struct{}{})
	return nil
}

// IsSigner reports whether signer may sign for account. An account's own key
// always may.
func (r *Registry) IsSigner(account, signer common.Address) bool {
	if signer == account {
		return true
	}
	_, ok := r.signers[signerKey{account: account, signer: signer}]
	return ok
}

// IsAuthorizedSigner reports whether signer may sign for account: the
// account's own signers, its main account, or a signer of the main account.
func (r *Registry) IsAuthorizedSigner(account, signer common.Address) bool {
	if r.IsSigner(account, signer) {
		return true
	}
	main := r.MainOf(account)
	return main != account && r.IsSigner(main, signer)
}

// Signers returns the registered signing wallets of account, sorted.
func (r *Registry) Signers(account common.Address) []common.Address {
	var out []common.Address
	for k := range r.signers {
		if k.account == account {
			out = append(out, k.signer)
		}
	}
	slices.SortFunc(out, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// MainOf returns the family root of addr.
func (r *Registry) MainOf(addr common.Address) common.Address {
	if acc, ok := r.accounts[addr]; ok && acc.Type == AccountTypeSubaccount {
		return acc.Main
	}
	return addr
}

// SameFamily reports whether a and b share a main account.
func (r *Registry) SameFamily(a, b common.Address) bool {
	return r.MainOf(a) == r.MainOf(b)
}

// SignerKind selects the signature scheme for the account.
func (r *Registry) SignerKind(addr common.Address) auth.SignerKind {
	if acc, ok := r.accounts[addr]; ok && acc.Type == AccountTypeVault {
		return auth.SignerContract
	}
	return auth.SignerKey
}

func (r *Registry) Count() int {
	return len(r.accounts)
}
