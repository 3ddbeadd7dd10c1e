package core_test

import (
	"context"
	"encoding/json"
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
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
	"PerpSettlement/internal/testutil"
)

func TestDeposit_RequiresRelayer(t *testing.T) {
	f := newFixture(t)
	err := f.x.Deposit(f.alice.Address, f.alice.Address, usdc, fpmath.Units(10))
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	assertInt(t, fpmath.Zero(), f.x.GetBalance(usdc, f.alice.Address))

	require.ErrorIs(t, f.x.Deposit(relayer, f.alice.Address, common.HexToAddress("0xbad0"), fpmath.Units(1)), clearing.ErrUnsupportedToken)
	require.ErrorIs(t, f.x.Deposit(relayer, f.alice.Address, usdc, fpmath.Zero()), clearing.ErrZeroAmount)

	// failed admin calls leave no commit behind
	assert.Equal(t, uint64(1), f.x.GetCommitSequence())
	assert.Equal(t, 3.0, gatherValue(t, f.reg, "settle_admin_calls_total", map[string]string{"command": "deposit", "result": "error"}))
}

func TestInsuranceFund_DepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.x.DepositInsuranceFund(relayer, fpmath.Units(1)), auth.ErrUnauthorized)

	require.NoError(t, f.x.DepositInsuranceFund(admin, fpmath.Units(500)))
	require.NoError(t, f.x.WithdrawInsuranceFund(admin, fpmath.Units(200)))
	assertInt(t, fpmath.Units(300), f.x.GetInsuranceFundBalance())
	assertInt(t, fpmath.Units(200), f.custodian.WalletBalance(usdc, admin))

	require.ErrorIs(t, f.x.WithdrawInsuranceFund(admin, fpmath.Units(301)), state.ErrInsufficientFund)
	assertInt(t, fpmath.Units(300), f.x.GetInsuranceFundBalance())

	updates := payloadsOf[*event.InsuranceFundUpdated](drainOutputs(f.persist))
	assert.Len(t, updates, 2)
}

func TestClaimFees(t *testing.T) {
	f := newFixture(t)
	treasury := common.HexToAddress("0x7ea5")
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))
	require.NoError(t, f.submit(t, withdrawOp(t, f.alice, usdc, fpmath.Units(10), fpmath.Units(3), 1)))

	_, err := f.x.ClaimSequencerFees(relayer, treasury)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	amount, err := f.x.ClaimSequencerFees(admin, treasury)
	require.NoError(t, err)
	assertInt(t, fpmath.Units(3), amount)
	assertInt(t, fpmath.Units(3), f.x.GetBalance(usdc, treasury))
	assertInt(t, fpmath.Zero(), f.x.GetSequencerFees())
	// claimed fees become ledger balance again
	assertInt(t, fpmath.Units(93), f.x.GetTotalBalance(usdc))

	_, err = f.x.ClaimTradingFees(admin, treasury)
	require.ErrorIs(t, err, clearing.ErrNothingToClaim)
	require.NoError(t, f.x.ValidateInvariants())
}

func TestPause_BlocksBatchesAndDeposits(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.x.Pause(relayer), auth.ErrUnauthorized)
	require.NoError(t, f.x.Pause(admin))
	assert.True(t, f.x.IsPaused())
	require.ErrorIs(t, f.x.Pause(admin), core.ErrPauseUnchanged)

	require.ErrorIs(t, f.x.Deposit(relayer, f.alice.Address, usdc, fpmath.Units(1)), core.ErrPaused)
	_, err := f.x.LiquidateCollateralBatch(context.Background(), admin, nil)
	require.ErrorIs(t, err, core.ErrPaused)
	// fund management stays available
	require.NoError(t, f.x.DepositInsuranceFund(admin, fpmath.Units(1)))

	require.NoError(t, f.x.Unpause(admin))
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(1))

	changes := payloadsOf[*event.PauseChanged](drainOutputs(f.persist))
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Paused)
	assert.False(t, changes[1].Paused)
}

func TestRegisterVault_DelegatesSignatureCheck(t *testing.T) {
	f := newFixture(t)
	vault := common.HexToAddress("0x7a17")
	require.ErrorIs(t, f.x.RegisterVault(relayer, vault), auth.ErrUnauthorized)
	require.NoError(t, f.x.RegisterVault(admin, vault))
	require.ErrorIs(t, f.x.RegisterVault(admin, vault), ledger.ErrAccountExists)
	assert.Equal(t, ledger.AccountTypeVault, f.x.GetAccount(vault).Type)

	f.deposit(t, vault, usdc, fpmath.Units(100))
	f.accounts.SetOwner(vault, f.alice.Address)

	op := &ingestion.WithdrawOp{Sender: vault, Token: usdc, Amount: fpmath.Units(10), Nonce: 1, Fee: fpmath.Zero()}
	op.Signature = sign(t, f.alice, op.StructHash())
	require.NoError(t, f.submit(t, op))
	assertInt(t, fpmath.Units(90), f.x.GetBalance(usdc, vault))
	assertInt(t, fpmath.Units(10), f.custodian.WalletBalance(usdc, vault))

	// the vault contract rejects anyone but its owner
	op = &ingestion.WithdrawOp{Sender: vault, Token: usdc, Amount: fpmath.Units(10), Nonce: 2, Fee: fpmath.Zero()}
	op.Signature = sign(t, f.bob, op.StructHash())
	assertFailedWith(t, f.lastFailure(t, op), auth.ErrInvalidSignature)
}

func TestSetTotalBalanceCap_RequiresPriceForCappedToken(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.x.SetTotalBalanceCap(relayer, weth, fpmath.Units(1)), auth.ErrUnauthorized)
	require.NoError(t, f.x.SetTotalBalanceCap(admin, weth, fpmath.Units(1000)))

	// the fixture runs without an oracle, so a capped token cannot grow
	require.ErrorIs(t, f.x.Deposit(relayer, f.alice.Address, weth, fpmath.Units(1)), ledger.ErrPriceUnavailable)
	f.deposit(t, f.alice.Address, wbtc, fpmath.Units(1))

	// a zero cap lifts it again
	require.NoError(t, f.x.SetTotalBalanceCap(admin, weth, fpmath.Zero()))
	f.deposit(t, f.alice.Address, weth, fpmath.Units(1))
	assertInt(t, fpmath.Units(1), f.x.GetTotalBalance(weth))
}

func TestExecuteAdmin_FromJSON(t *testing.T) {
	f := newFixture(t)
	w := testutil.NewWallet(t)

	raw, err := json.Marshal(core.AdminCommand{
		Kind:    core.AdminDeposit,
		Caller:  relayer,
		Account: w.Address,
		Token:   usdc,
		Amount:  fpmath.Units(42),
	})
	require.NoError(t, err)

	var cmd core.AdminCommand
	require.NoError(t, json.Unmarshal(raw, &cmd))
	require.NoError(t, f.x.ExecuteAdmin(context.Background(), cmd))
	assertInt(t, fpmath.Units(42), f.x.GetBalance(usdc, w.Address))

	tests := []struct {
		name string
		cmd  core.AdminCommand
		want error
	}{
		{"unknown kind", core.AdminCommand{Kind: "mint_everything", Caller: admin}, core.ErrUnknownAdminCommand},
		{"yield asset without vault", core.AdminCommand{Kind: core.AdminRegisterYieldAsset, Caller: admin, Token: usdc, Wrapper: weth}, clearing.ErrUnsupportedToken},
		{"duplicate product", core.AdminCommand{Kind: core.AdminRegisterProduct, Caller: admin, ProductIndex: btc, Symbol: "BTC-PERP"}, state.ErrProductExists},
		{"unpause while running", core.AdminCommand{Kind: core.AdminUnpause, Caller: admin}, core.ErrPauseUnchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, f.x.ExecuteAdmin(context.Background(), tt.cmd), tt.want)
		})
	}
}
