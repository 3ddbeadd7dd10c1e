package core

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/ledger"
	"PerpSettlement/internal/state"
)

// Read queries take the read lock and never mutate state.

func (x *Exchange) GetBalance(token, account common.Address) sdkmath.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.book.GetBalance(token, account)
}

func (x *Exchange) GetTotalBalance(token common.Address) sdkmath.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.book.GetTotalBalance(token)
}

// GetBalances returns every non-zero balance of account.
func (x *Exchange) GetBalances(account common.Address) map[common.Address]sdkmath.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	tokens := x.book.TokensOf(account)
	out := make(map[common.Address]sdkmath.Int, len(tokens))
	for _, t := range tokens {
		out[t] = x.book.GetBalance(t, account)
	}
	return out
}

func (x *Exchange) GetOpenPosition(productIndex uint8, account common.Address) state.Position {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.perp.GetOpenPosition(productIndex, account)
}

func (x *Exchange) GetMarketMetrics(productIndex uint8) (state.MarketMetrics, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.perp.GetMarketMetrics(productIndex)
}

func (x *Exchange) GetProducts() []state.Product {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.perp.Products()
}

func (x *Exchange) GetInsuranceFundBalance() sdkmath.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fund.Balance()
}

func (x *Exchange) GetTradingFees() sdkmath.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fees.Trading()
}

func (x *Exchange) GetSequencerFees() sdkmath.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fees.Sequencer()
}

func (x *Exchange) IsMatched(maker common.Address, makerNonce uint64, taker common.Address, takerNonce uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.matching.IsMatched(maker, makerNonce, taker, takerNonce)
}

func (x *Exchange) IsNonceUsed(ns state.Namespace, account common.Address, nonce uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.nonces.IsUsed(ns, account, nonce)
}

// AccountView is an account with its authorized signing wallets.
type AccountView struct {
	ledger.Account
	Signers []common.Address
}

// GetAccount returns the account; never-referenced addresses read as an
// implicit active main account.
func (x *Exchange) GetAccount(addr common.Address) AccountView {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return AccountView{
		Account: x.registry.Lookup(addr),
		Signers: x.registry.Signers(addr),
	}
}

// GetTxCounter returns the next txId the core accepts.
func (x *Exchange) GetTxCounter() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.txIDs.Expected()
}

func (x *Exchange) GetCommitSequence() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.commitSeq
}

// GetStateHash returns the hash chain tip.
func (x *Exchange) GetStateHash() [32]byte {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.hasher.GetPrevHash()
}

func (x *Exchange) IsPaused() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.paused
}

func (x *Exchange) IsSupportedToken(token common.Address) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.clearing.IsSupported(token)
}

// ValidateInvariants re-checks the ledger totals.
func (x *Exchange) ValidateInvariants() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.validator.ValidateTotals()
}
