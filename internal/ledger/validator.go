package ledger

import (
	"bytes"
	"slices"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpSettlement/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	book *SpotBook
}

func NewInvariantValidator(book *SpotBook) *InvariantValidator {
	return &InvariantValidator{
		book: book,
	}
}

// ValidateTotals verifies TotalBalance[t] == Σ Balance[t, *] and that every
// total is non-negative.
func (v *InvariantValidator) ValidateTotals() error {
	sums := make(map[common.Address]sdkmath.Int)
	v.book.ForEachBalance(func(key BalanceKey, amount sdkmath.Int) {
		sums[key.Token] = fpmath.OrZero(sums[key.Token]).Add(amount)
	})
	totals := v.book.Totals()

	tokens := make([]common.Address, 0, len(sums)+len(totals))
	for t := range sums {
		tokens = append(tokens, t)
	}
	for t := range totals {
		if _, ok := sums[t]; !ok {
			tokens = append(tokens, t)
		}
	}
	slices.SortFunc(tokens, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })

	for _, t := range tokens {
		sum := fpmath.OrZero(sums[t])
		total := fpmath.OrZero(totals[t])
		if !sum.Equal(total) {
			return errorsmod.Wrapf(ErrInvariantViolation, "token %s: total %s != sum %s", t.Hex(), total, sum)
		}
		if total.IsNegative() {
			return errorsmod.Wrapf(ErrInvariantViolation, "token %s: negative total %s", t.Hex(), total)
		}
	}
	return nil
}
