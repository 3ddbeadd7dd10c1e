package query

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	fpmath "PerpSettlement/internal/math"
)

// BalanceResponse represents one ledger balance. Balances may be negative
// after realized losses or funding.
type BalanceResponse struct {
	Account    common.Address  `json:"account"`
	Token      common.Address  `json:"token"`
	Balance    decimal.Decimal `json:"balance"`
	AsOfCommit uint64          `json:"as_of_commit"`
}

// BalancesResponse lists every non-zero balance of an account.
type BalancesResponse struct {
	Account    common.Address    `json:"account"`
	Balances   []BalanceResponse `json:"balances"`
	AsOfCommit uint64            `json:"as_of_commit"`
}

// TotalBalanceResponse is the sum of all balances of a token.
type TotalBalanceResponse struct {
	Token      common.Address  `json:"token"`
	Total      decimal.Decimal `json:"total"`
	Supported  bool            `json:"supported"`
	AsOfCommit uint64          `json:"as_of_commit"`
}

// toDecimal renders an 18-decimal fixed-point amount.
func toDecimal(v sdkmath.Int) decimal.Decimal {
	if v.IsNil() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.BigInt(), -fpmath.Decimals)
}
