package core_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/core"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/ledger"
	"PerpSettlement/internal/matching"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
	"PerpSettlement/internal/testutil"
)

// lastFailure submits ops and returns the single OperationFailed they produced.
func (f *fixture) lastFailure(t *testing.T, ops ...ingestion.Operation) *event.OperationFailed {
	t.Helper()
	drainOutputs(f.persist)
	require.NoError(t, f.submit(t, ops...))
	failures := payloadsOf[*event.OperationFailed](drainOutputs(f.persist))
	require.Len(t, failures, 1)
	return failures[0]
}

func assertFailedWith(t *testing.T, got *event.OperationFailed, want error) {
	t.Helper()
	codespace, code := core.ErrorCode(want)
	assert.Equal(t, codespace, got.Codespace, got.Reason)
	assert.Equal(t, code, got.Code, got.Reason)
}

// ============================================================================
// Withdraw
// ============================================================================

func TestWithdraw_FeeGoesToSequencer(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))

	require.NoError(t, f.submit(t, withdrawOp(t, f.alice, usdc, fpmath.Units(50), fpmath.Units(2), 1)))

	assertInt(t, fpmath.Units(50), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(48), f.custodian.WalletBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(2), f.x.GetSequencerFees())
	assertInt(t, fpmath.Units(50), f.x.GetTotalBalance(usdc))
	assert.True(t, f.x.IsNonceUsed(state.NamespaceWithdraw, f.alice.Address, 1))
}

func TestWithdraw_Rejections(t *testing.T) {
	stranger := testutil.NewWallet(t)
	tests := []struct {
		name string
		op   func(f *fixture) *ingestion.WithdrawOp
		want error
	}{
		{"fee above max", func(f *fixture) *ingestion.WithdrawOp {
			return withdrawOp(t, f.alice, usdc, fpmath.Units(50), fpmath.Units(6), 1)
		}, core.ErrFeeTooHigh},
		{"amount not above fee", func(f *fixture) *ingestion.WithdrawOp {
			return withdrawOp(t, f.alice, usdc, fpmath.Units(2), fpmath.Units(2), 1)
		}, core.ErrInvalidAmount},
		{"unsupported token", func(f *fixture) *ingestion.WithdrawOp {
			return withdrawOp(t, f.alice, common.HexToAddress("0xbad0"), fpmath.Units(1), fpmath.Zero(), 1)
		}, clearing.ErrUnsupportedToken},
		{"insufficient balance", func(f *fixture) *ingestion.WithdrawOp {
			return withdrawOp(t, f.alice, usdc, fpmath.Units(101), fpmath.Zero(), 1)
		}, ledger.ErrInsufficientBalance},
		{"wrong signer", func(f *fixture) *ingestion.WithdrawOp {
			op := withdrawOp(t, f.alice, usdc, fpmath.Units(1), fpmath.Zero(), 1)
			op.Signature = sign(t, stranger, op.StructHash())
			return op
		}, auth.ErrInvalidSignature},
		{"fee in non-collateral token", func(f *fixture) *ingestion.WithdrawOp {
			f.deposit(t, f.alice.Address, weth, fpmath.Units(10))
			return withdrawOp(t, f.alice, weth, fpmath.Units(5), fpmath.Units(1), 1)
		}, clearing.ErrInvalidWithdraw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))
			failure := f.lastFailure(t, tt.op(f))
			assertFailedWith(t, failure, tt.want)
			assertInt(t, fpmath.Units(100), f.x.GetBalance(usdc, f.alice.Address))
			assert.False(t, f.x.IsNonceUsed(state.NamespaceWithdraw, f.alice.Address, 1))
		})
	}
}

func TestWithdraw_PushFailureRestoresBalance(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))
	f.custodian.FailPushTo(f.alice.Address, errors.New("recipient blocked"))

	failure := f.lastFailure(t, withdrawOp(t, f.alice, usdc, fpmath.Units(50), fpmath.Units(1), 1))
	assert.Contains(t, failure.Reason, "recipient blocked")
	assertInt(t, fpmath.Units(100), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Zero(), f.x.GetSequencerFees())
	assert.False(t, f.x.IsNonceUsed(state.NamespaceWithdraw, f.alice.Address, 1))

	// retry succeeds with the same nonce once the push works
	f.custodian.FailPushTo(f.alice.Address, nil)
	require.NoError(t, f.submit(t, withdrawOp(t, f.alice, usdc, fpmath.Units(50), fpmath.Units(1), 1)))
	assertInt(t, fpmath.Units(50), f.x.GetBalance(usdc, f.alice.Address))
}

func TestWithdraw_SignedByAddedWallet(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))
	hot := testutil.NewWallet(t)

	add := &ingestion.AddSigningWalletOp{Sender: f.alice.Address, Signer: hot.Address, Nonce: 1}
	add.WalletSignature = sign(t, f.alice, add.StructHash())
	add.SignerSignature = sign(t, hot, add.StructHash())

	op := &ingestion.WithdrawOp{Sender: f.alice.Address, Token: usdc, Amount: fpmath.Units(10), Nonce: 1, Fee: fpmath.Zero()}
	op.Signature = sign(t, hot, op.StructHash())

	require.NoError(t, f.submit(t, add, op))
	assertInt(t, fpmath.Units(90), f.x.GetBalance(usdc, f.alice.Address))
	assert.Equal(t, []common.Address{hot.Address}, f.x.GetAccount(f.alice.Address).Signers)
	assert.True(t, f.x.IsNonceUsed(state.NamespaceSignerRegistration, f.alice.Address, 1))

	// a second registration with the same nonce is rejected
	failure := f.lastFailure(t, add)
	assertFailedWith(t, failure, state.ErrNonceUsed)
}

// ============================================================================
// Transfers
// ============================================================================

func TestTransfer_WithinFamily(t *testing.T) {
	f := newFixture(t)
	sub := testutil.NewWallet(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))

	require.NoError(t, f.submit(t,
		createSubaccountOp(t, f.alice, sub),
		transferOp(t, f.alice, f.alice.Address, sub.Address, usdc, fpmath.Units(40), 1),
		// the main key signs for its subaccount too
		transferOp(t, f.alice, sub.Address, f.alice.Address, usdc, fpmath.Units(15), 1),
	))

	assertInt(t, fpmath.Units(75), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(25), f.x.GetBalance(usdc, sub.Address))
	assertInt(t, fpmath.Units(100), f.x.GetTotalBalance(usdc))

	transfers := payloadsOf[*event.Transferred](drainOutputs(f.persist))
	require.Len(t, transfers, 2)
	assert.False(t, transfers[0].FastSettlement)
}

func TestTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		op    func(f *fixture) *ingestion.TransferOp
		want  error
	}{
		{"cross family", nil, func(f *fixture) *ingestion.TransferOp {
			return transferOp(t, f.alice, f.alice.Address, f.bob.Address, usdc, fpmath.Units(1), 1)
		}, core.ErrCrossFamilyTransfer},
		{"self transfer", nil, func(f *fixture) *ingestion.TransferOp {
			return transferOp(t, f.alice, f.alice.Address, f.alice.Address, usdc, fpmath.Units(1), 1)
		}, core.ErrSelfTransfer},
		{"zero amount", func(f *fixture) {
			require.NoError(t, f.submit(t, createSubaccountOp(t, f.alice, f.bob)))
		}, func(f *fixture) *ingestion.TransferOp {
			return transferOp(t, f.alice, f.alice.Address, f.bob.Address, usdc, fpmath.Zero(), 1)
		}, core.ErrInvalidAmount},
		{"insufficient", func(f *fixture) {
			require.NoError(t, f.submit(t, createSubaccountOp(t, f.alice, f.bob)))
		}, func(f *fixture) *ingestion.TransferOp {
			return transferOp(t, f.alice, f.alice.Address, f.bob.Address, usdc, fpmath.Units(101), 1)
		}, ledger.ErrInsufficientBalance},
		{"vault account", func(f *fixture) {
			require.NoError(t, f.x.RegisterVault(admin, f.bob.Address))
		}, func(f *fixture) *ingestion.TransferOp {
			return transferOp(t, f.alice, f.alice.Address, f.bob.Address, usdc, fpmath.Units(1), 1)
		}, ledger.ErrVaultAccount},
		{"signed by recipient", func(f *fixture) {
			require.NoError(t, f.submit(t, createSubaccountOp(t, f.alice, f.bob)))
		}, func(f *fixture) *ingestion.TransferOp {
			return transferOp(t, f.bob, f.alice.Address, f.bob.Address, usdc, fpmath.Units(1), 1)
		}, auth.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))
			if tt.setup != nil {
				tt.setup(f)
			}
			failure := f.lastFailure(t, tt.op(f))
			assertFailedWith(t, failure, tt.want)
			assertInt(t, fpmath.Units(100), f.x.GetBalance(usdc, f.alice.Address))
		})
	}
}

func TestFastSettlement_MovesToConfiguredAccount(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))

	op := &ingestion.FastSettlementOp{Account: f.alice.Address, Token: usdc, Amount: fpmath.Units(30), Nonce: 7}
	op.Signature = sign(t, f.alice, op.StructHash())
	require.NoError(t, f.submit(t, op))

	assertInt(t, fpmath.Units(70), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(30), f.x.GetBalance(usdc, fastAcct))
	assert.True(t, f.x.IsNonceUsed(state.NamespaceTransfer, f.alice.Address, 7))

	transfers := payloadsOf[*event.Transferred](drainOutputs(f.persist))
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].FastSettlement)

	// transfer nonces are shared with intra-family transfers
	failure := f.lastFailure(t, op)
	assertFailedWith(t, failure, state.ErrNonceUsed)
}

// ============================================================================
// Subaccounts
// ============================================================================

func TestCreateSubaccount_RequiresBothSignatures(t *testing.T) {
	f := newFixture(t)
	sub := testutil.NewWallet(t)

	op := createSubaccountOp(t, f.alice, sub)
	op.SubaccountSignature = sign(t, f.bob, op.StructHash())
	assertFailedWith(t, f.lastFailure(t, op), auth.ErrInvalidSignature)
	// the subaccount was never created
	assert.Equal(t, ledger.AccountTypeMain, f.x.GetAccount(sub.Address).Type)

	require.NoError(t, f.submit(t, createSubaccountOp(t, f.alice, sub)))
	acc := f.x.GetAccount(sub.Address)
	assert.Equal(t, ledger.AccountTypeSubaccount, acc.Type)
	assert.Equal(t, f.alice.Address, acc.Main)
	assert.Equal(t, []common.Address{sub.Address}, f.x.GetAccount(f.alice.Address).Subaccounts)

	// a subaccount cannot own subaccounts
	assertFailedWith(t, f.lastFailure(t, createSubaccountOp(t, sub, f.bob)), ledger.ErrNotMainAccount)
	// nor can an address be registered twice
	assertFailedWith(t, f.lastFailure(t, createSubaccountOp(t, f.alice, sub)), ledger.ErrAccountExists)
}

func TestDeleteSubaccount_SweepsBalancesToMain(t *testing.T) {
	f := newFixture(t)
	sub := testutil.NewWallet(t)
	require.NoError(t, f.submit(t, createSubaccountOp(t, f.alice, sub)))
	f.deposit(t, sub.Address, usdc, fpmath.Units(40))
	f.deposit(t, sub.Address, weth, fpmath.Units(3))

	del := &ingestion.DeleteSubaccountOp{Main: f.alice.Address, Subaccount: sub.Address}
	del.MainSignature = sign(t, f.alice, del.StructHash())
	require.NoError(t, f.submit(t, del))

	assertInt(t, fpmath.Units(40), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(3), f.x.GetBalance(weth, f.alice.Address))
	assert.Empty(t, f.x.GetBalances(sub.Address))
	assert.False(t, f.x.GetAccount(sub.Address).IsActive())

	// deleted accounts stay addressable but reject transfers
	failure := f.lastFailure(t, transferOp(t, f.alice, f.alice.Address, sub.Address, usdc, fpmath.Units(1), 1))
	assertFailedWith(t, failure, ledger.ErrAccountDeleted)
}

func TestDeleteSubaccount_Rejections(t *testing.T) {
	f := newFixture(t)
	sub := testutil.NewWallet(t)
	f.deposit(t, f.bob.Address, usdc, fpmath.Units(100_000))
	require.NoError(t, f.submit(t, createSubaccountOp(t, f.alice, sub)))

	del := &ingestion.DeleteSubaccountOp{Main: f.alice.Address, Subaccount: sub.Address}
	del.MainSignature = sign(t, f.alice, del.StructHash())

	// open position
	require.NoError(t, f.submit(t, matchOp(
		order(t, sub, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1),
		order(t, f.bob, matching.SideSell, fpmath.Units(1), fpmath.Units(1000), 1),
	)))
	assertFailedWith(t, f.lastFailure(t, del), core.ErrOpenPositions)

	// flat but with a realized loss left as a negative balance
	require.NoError(t, f.submit(t, matchOp(
		order(t, sub, matching.SideSell, fpmath.Units(1), fpmath.Units(990), 2),
		order(t, f.bob, matching.SideBuy, fpmath.Units(1), fpmath.Units(990), 2),
	)))
	assertInt(t, fpmath.Units(-10), f.x.GetBalance(usdc, sub.Address))
	assertFailedWith(t, f.lastFailure(t, del), core.ErrNegativeBalance)

	// signed by someone other than the owner
	bad := &ingestion.DeleteSubaccountOp{Main: f.alice.Address, Subaccount: sub.Address}
	bad.MainSignature = sign(t, f.bob, bad.StructHash())
	assertFailedWith(t, f.lastFailure(t, bad), auth.ErrInvalidSignature)
	assert.True(t, f.x.GetAccount(sub.Address).IsActive())
}

func TestRegisterSubaccountSigner(t *testing.T) {
	f := newFixture(t)
	sub := testutil.NewWallet(t)
	bot := testutil.NewWallet(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))

	reg := &ingestion.RegisterSubaccountSignerOp{Main: f.alice.Address, Subaccount: sub.Address, Signer: bot.Address, Nonce: 1}
	reg.MainSignature = sign(t, f.alice, reg.StructHash())
	reg.SignerSignature = sign(t, bot, reg.StructHash())

	require.NoError(t, f.submit(t,
		createSubaccountOp(t, f.alice, sub),
		reg,
		transferOp(t, f.alice, f.alice.Address, sub.Address, usdc, fpmath.Units(50), 1),
		// the registered bot moves funds back for the subaccount
		transferOp(t, bot, sub.Address, f.alice.Address, usdc, fpmath.Units(20), 1),
	))
	assertInt(t, fpmath.Units(30), f.x.GetBalance(usdc, sub.Address))
	assert.True(t, f.x.IsNonceUsed(state.NamespaceSignerRegistration, sub.Address, 1))

	signers := payloadsOf[*event.SignerRegistered](drainOutputs(f.persist))
	require.Len(t, signers, 1)
	assert.Equal(t, sub.Address, signers[0].Account)

	// the bot is not a signer of the main account
	failure := f.lastFailure(t, transferOp(t, bot, f.alice.Address, sub.Address, usdc, fpmath.Units(1), 2))
	assertFailedWith(t, failure, auth.ErrInvalidSignature)
}

func TestSubaccountSignedByMainSigner(t *testing.T) {
	f := newFixture(t)
	sub := testutil.NewWallet(t)
	hot := testutil.NewWallet(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))

	add := &ingestion.AddSigningWalletOp{Sender: f.alice.Address, Signer: hot.Address, Nonce: 1}
	add.WalletSignature = sign(t, f.alice, add.StructHash())
	add.SignerSignature = sign(t, hot, add.StructHash())

	require.NoError(t, f.submit(t,
		add,
		createSubaccountOp(t, f.alice, sub),
		transferOp(t, f.alice, f.alice.Address, sub.Address, usdc, fpmath.Units(50), 1),
		// the main account's hot wallet acts for the subaccount
		transferOp(t, hot, sub.Address, f.alice.Address, usdc, fpmath.Units(20), 1),
		// and so does the main wallet itself
		transferOp(t, f.alice, sub.Address, f.alice.Address, usdc, fpmath.Units(5), 2),
	))
	assertInt(t, fpmath.Units(25), f.x.GetBalance(usdc, sub.Address))
	assert.Empty(t, payloadsOf[*event.OperationFailed](drainOutputs(f.persist)))

	failure := f.lastFailure(t, transferOp(t, f.bob, sub.Address, f.alice.Address, usdc, fpmath.Units(1), 3))
	assertFailedWith(t, failure, auth.ErrInvalidSignature)
}

// ============================================================================
// Funding
// ============================================================================

func TestUpdateFundingRate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.submit(t, &ingestion.UpdateFundingRateOp{ProductIndex: btc, RateDelta: fpmath.Units(3)}))
	require.NoError(t, f.submit(t, &ingestion.UpdateFundingRateOp{ProductIndex: btc, RateDelta: fpmath.Units(-1)}))

	metrics, ok := f.x.GetMarketMetrics(btc)
	require.True(t, ok)
	assertInt(t, fpmath.Units(2), metrics.CumulativeFundingRate)

	updates := payloadsOf[*event.FundingRateUpdated](drainOutputs(f.persist))
	require.Len(t, updates, 2)

	failure := f.lastFailure(t, &ingestion.UpdateFundingRateOp{ProductIndex: 9, RateDelta: fpmath.Units(1)})
	assertFailedWith(t, failure, state.ErrUnknownProduct)
}
