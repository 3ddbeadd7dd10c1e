package ledger

import (
	"bytes"
	"slices"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/journal"
	fpmath "PerpSettlement/internal/math"
)

// PriceOracle prices a token in USD (18-decimal fixed point).
type PriceOracle interface {
	PriceInUSD(token common.Address) (sdkmath.Int, error)
}

// BalanceKey identifies a spot balance.
type BalanceKey struct {
	Token   common.Address
	Account common.Address
}

// Delta is a signed change to one balance.
type Delta struct {
	Token   common.Address
	Account common.Address
	Amount  sdkmath.Int
}

// SpotBook maintains in-memory signed spot balances and per-token totals.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SpotBook struct {
	auth     auth.Provider
	oracle   PriceOracle
	journal  *journal.Journal
	events   *event.Buffer
	balances map[BalanceKey]sdkmath.Int
	totals   map[common.Address]sdkmath.Int
	capsUSD  map[common.Address]sdkmath.Int
}

func NewSpotBook(p auth.Provider, oracle PriceOracle, j *journal.Journal, events *event.Buffer) *SpotBook {
	return &SpotBook{
		auth:     p,
		oracle:   oracle,
		journal:  j,
		events:   events,
		balances: make(map[BalanceKey]sdkmath.Int),
		totals:   make(map[common.Address]sdkmath.Int),
		capsUSD:  make(map[common.Address]sdkmath.Int),
	}
}

// SetTotalBalanceCap installs a USD cap on the token's total balance.
// A zero cap removes it.
func (b *SpotBook) SetTotalBalanceCap(caller, token common.Address, capUSD sdkmath.Int) error {
	if err := auth.Require(b.auth, caller, auth.CapAdmin); err != nil {
		return err
	}
	if capUSD.IsNil() || capUSD.IsNegative() {
		return errorsmod.Wrap(ErrInvalidDelta, "cap must be non-negative")
	}
	if capUSD.IsZero() {
		journal.Delete(b.journal, b.capsUSD, token)
		return nil
	}
	journal.Set(b.journal, b.capsUSD, token, capUSD)
	return nil
}

// GetBalance returns the signed balance, zero when never touched.
func (b *SpotBook) GetBalance(token, account common.Address) sdkmath.Int {
	return fpmath.OrZero(b.balances[BalanceKey{Token: token, Account: account}])
}

// GetTotalBalance returns Σ balances of the token.
func (b *SpotBook) GetTotalBalance(token common.Address) sdkmath.Int {
	return fpmath.OrZero(b.totals[token])
}

// ApplyDeltas validates every delta, then applies them in order and keeps the
// token totals in step. Nothing is mutated when validation fails.
func (b *SpotBook) ApplyDeltas(caller common.Address, deltas []Delta) error {
	if err := auth.Require(b.auth, caller, auth.CapLedgerWriter); err != nil {
		return err
	}

	// Step 1: validate and net per token, in first-appearance order
	var order []common.Address
	net := make(map[common.Address]sdkmath.Int)
	for i, d := range deltas {
		if d.Amount.IsNil() {
			return errorsmod.Wrapf(ErrInvalidDelta, "delta %d has no amount", i)
		}
		if d.Token == (common.Address{}) || d.Account == (common.Address{}) {
			return errorsmod.Wrapf(ErrInvalidDelta, "delta %d has zero token or account", i)
		}
		n, ok := net[d.Token]
		if !ok {
			order = append(order, d.Token)
			n = fpmath.Zero()
		}
		net[d.Token] = n.Add(d.Amount)
	}

	newTotals := make([]sdkmath.Int, len(order))
	for i, token := range order {
		next, err := b.checkTotal(token, b.GetTotalBalance(token).Add(net[token]), net[token].IsPositive())
		if err != nil {
			return err
		}
		newTotals[i] = next
	}

	// Step 2: apply. A zero delta changes nothing but is still reported.
	for _, d := range deltas {
		key := BalanceKey{Token: d.Token, Account: d.Account}
		next := b.GetBalance(d.Token, d.Account).Add(d.Amount)
		switch {
		case d.Amount.IsZero():
		case next.IsZero():
			journal.Delete(b.journal, b.balances, key)
		default:
			journal.Set(b.journal, b.balances, key, next)
		}
		b.events.Emit(&event.BalanceUpdated{
			Token:   d.Token,
			Account: d.Account,
			Delta:   d.Amount,
			Balance: next,
		})
	}
	for i, token := range order {
		b.setTotal(token, newTotals[i])
	}
	return nil
}

// SetTotalBalance overwrites the token's aggregate.
func (b *SpotBook) SetTotalBalance(caller, token common.Address, amount sdkmath.Int) error {
	if err := auth.Require(b.auth, caller, auth.CapLedgerWriter); err != nil {
		return err
	}
	if amount.IsNil() {
		return errorsmod.Wrap(ErrInvalidDelta, "nil total")
	}
	next, err := b.checkTotal(token, amount, amount.GT(b.GetTotalBalance(token)))
	if err != nil {
		return err
	}
	b.setTotal(token, next)
	return nil
}

// AdjustTotalBalance moves the token's aggregate by amount in the given direction.
func (b *SpotBook) AdjustTotalBalance(caller, token common.Address, amount sdkmath.Int, increase bool) error {
	if err := auth.Require(b.auth, caller, auth.CapLedgerWriter); err != nil {
		return err
	}
	if amount.IsNil() || amount.IsNegative() {
		return errorsmod.Wrap(ErrInvalidDelta, "adjustment must be non-negative")
	}
	next := b.GetTotalBalance(token)
	if increase {
		next = next.Add(amount)
	} else {
		next = next.Sub(amount)
	}
	next, err := b.checkTotal(token, next, increase && amount.IsPositive())
	if err != nil {
		return err
	}
	b.setTotal(token, next)
	return nil
}

func (b *SpotBook) checkTotal(token common.Address, next sdkmath.Int, increased bool) (sdkmath.Int, error) {
	if next.IsNegative() {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrTotalBalanceUnderflow, "token %s total %s", token.Hex(), next)
	}
	if !increased {
		return next, nil
	}
	capUSD, ok := b.capsUSD[token]
	if !ok {
		return next, nil
	}
	if b.oracle == nil {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrPriceUnavailable, "no oracle for capped token %s", token.Hex())
	}
	price, err := b.oracle.PriceInUSD(token)
	if err != nil {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrPriceUnavailable, "token %s: %v", token.Hex(), err)
	}
	if usd := fpmath.MulX18(next, price); usd.GT(capUSD) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrTotalBalanceCap, "token %s total %s USD > cap %s",
			token.Hex(), fpmath.FormatDecimal(usd), fpmath.FormatDecimal(capUSD))
	}
	return next, nil
}

func (b *SpotBook) setTotal(token common.Address, v sdkmath.Int) {
	if v.IsZero() {
		journal.Delete(b.journal, b.totals, token)
		return
	}
	journal.Set(b.journal, b.totals, token, v)
}

// TokensOf returns every token in which account holds a non-zero balance, sorted.
func (b *SpotBook) TokensOf(account common.Address) []common.Address {
	var out []common.Address
	for k := range b.balances {
		if k.Account == account {
			out = append(out, k.Token)
		}
	}
	slices.SortFunc(out, func(x, y common.Address) int { return bytes.Compare(x[:], y[:]) })
	return out
}

// ForEachBalance visits every non-zero balance in unspecified order.
func (b *SpotBook) ForEachBalance(fn func(key BalanceKey, amount sdkmath.Int)) {
	for k, v := range b.balances {
		fn(k, v)
	}
}

// Totals returns a copy of the per-token totals.
func (b *SpotBook) Totals() map[common.Address]sdkmath.Int {
	out := make(map[common.Address]sdkmath.Int, len(b.totals))
	for k, v := range b.totals {
		out[k] = v
	}
	return out
}
