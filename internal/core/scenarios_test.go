package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/core"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/liquidation"
	"PerpSettlement/internal/matching"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/state"
	"PerpSettlement/internal/testutil"
)

// ============================================================================
// End-to-end scenarios through encoded sequencer records
// ============================================================================

func TestScenario_OpenThenClosePosition(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100_000))
	f.deposit(t, f.bob.Address, usdc, fpmath.Units(100_000))

	// open: maker buys 2 @ 75000, zero fees
	require.NoError(t, f.submit(t, matchOp(
		order(t, f.alice, matching.SideBuy, fpmath.Units(2), fpmath.Units(75000), 1),
		order(t, f.bob, matching.SideSell, fpmath.Units(2), fpmath.Units(75000), 1),
	)))

	maker := f.x.GetOpenPosition(btc, f.alice.Address)
	taker := f.x.GetOpenPosition(btc, f.bob.Address)
	assertInt(t, fpmath.Units(2), maker.BaseAmount)
	assertInt(t, fpmath.Units(-150000), maker.QuoteBalance)
	assertInt(t, fpmath.Units(-2), taker.BaseAmount)
	assertInt(t, fpmath.Units(150000), taker.QuoteBalance)
	assertInt(t, fpmath.Units(100_000), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(100_000), f.x.GetBalance(usdc, f.bob.Address))

	// open interest aggregates the long side only
	metrics, ok := f.x.GetMarketMetrics(btc)
	require.True(t, ok)
	assertInt(t, fpmath.Units(2), metrics.OpenInterest)

	// close at 80000
	require.NoError(t, f.submit(t, matchOp(
		order(t, f.alice, matching.SideSell, fpmath.Units(2), fpmath.Units(80000), 2),
		order(t, f.bob, matching.SideBuy, fpmath.Units(2), fpmath.Units(80000), 2),
	)))

	assert.True(t, f.x.GetOpenPosition(btc, f.alice.Address).IsFlat())
	assert.True(t, f.x.GetOpenPosition(btc, f.bob.Address).IsFlat())
	assertInt(t, fpmath.Units(110_000), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(90_000), f.x.GetBalance(usdc, f.bob.Address))
	assertInt(t, fpmath.Units(200_000), f.x.GetTotalBalance(usdc))
	assert.True(t, f.x.IsMatched(f.alice.Address, 2, f.bob.Address, 2))
	assert.Equal(t, uint64(2), f.x.GetTxCounter())
	require.NoError(t, f.x.ValidateInvariants())

	matched := payloadsOf[*event.OrderMatched](drainOutputs(f.persist))
	assert.Len(t, matched, 2)
}

func TestScenario_InsuranceFundCoversLoss(t *testing.T) {
	f := newFixture(t)
	loser := testutil.NewWallet(t)
	f.deposit(t, f.bob.Address, usdc, fpmath.Units(100_000))
	require.NoError(t, f.x.DepositInsuranceFund(admin, fpmath.Units(1000)))

	// an unfunded account buys at 1000 and sells at 900: balance -100
	require.NoError(t, f.submit(t,
		matchOp(
			order(t, loser, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1),
			order(t, f.bob, matching.SideSell, fpmath.Units(1), fpmath.Units(1000), 1),
		),
		matchOp(
			order(t, loser, matching.SideSell, fpmath.Units(1), fpmath.Units(900), 2),
			order(t, f.bob, matching.SideBuy, fpmath.Units(1), fpmath.Units(900), 2),
		),
	))
	assertInt(t, fpmath.Units(-100), f.x.GetBalance(usdc, loser.Address))
	drainOutputs(f.persist)

	cover := &ingestion.CoverLossOp{Account: loser.Address, Token: usdc}
	require.NoError(t, f.submit(t, cover))
	assertInt(t, fpmath.Units(900), f.x.GetInsuranceFundBalance())
	assertInt(t, fpmath.Zero(), f.x.GetBalance(usdc, loser.Address))

	// second cover: nothing to cover, reported as a failed record
	require.NoError(t, f.submit(t, cover))
	assertInt(t, fpmath.Units(900), f.x.GetInsuranceFundBalance())

	failures := payloadsOf[*event.OperationFailed](drainOutputs(f.persist))
	require.Len(t, failures, 1)
	assert.Equal(t, "CoverLossByInsuranceFund", failures[0].OpType)
	assert.Equal(t, clearing.ErrNoLossToCover.ABCICode(), failures[0].Code)
	assert.Contains(t, failures[0].Reason, "no loss to cover")
	require.NoError(t, f.x.ValidateInvariants())
}

func TestScenario_WithdrawNonceSingleUse(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(100))
	op := withdrawOp(t, f.alice, usdc, fpmath.Units(30), fpmath.Zero(), 1)

	records := f.records(t, op)
	require.NoError(t, f.x.ProcessBatch(context.Background(), operator, records))
	assertInt(t, fpmath.Units(70), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(30), f.custodian.WalletBalance(usdc, f.alice.Address))
	drainOutputs(f.persist)

	// the identical record replayed under its old txId aborts the batch
	require.ErrorIs(t, f.x.ProcessBatch(context.Background(), operator, records), core.ErrTxIDMismatch)

	// the same operation under a fresh txId fails on the nonce
	require.NoError(t, f.submit(t, op))
	assertInt(t, fpmath.Units(70), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Units(30), f.custodian.WalletBalance(usdc, f.alice.Address))

	failures := payloadsOf[*event.OperationFailed](drainOutputs(f.persist))
	require.Len(t, failures, 1)
	assert.Equal(t, "state", failures[0].Codespace)
	assert.Equal(t, state.ErrNonceUsed.ABCICode(), failures[0].Code)
}

func TestScenario_PartialCollateralLiquidation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, weth, fpmath.Units(2))
	f.deposit(t, f.alice.Address, wbtc, fpmath.Units(1))
	f.router.SetPrice(weth, usdc, fpmath.Units(2000))
	f.router.FailAsset(wbtc, errors.New("pool paused"))
	drainOutputs(f.persist)

	outcomes, err := f.x.LiquidateCollateralBatch(context.Background(), admin, []liquidation.Record{{
		Account: f.alice.Address,
		FeePips: 10_000, // 1%
		Nonce:   1,
		Executions: []liquidation.Execution{
			{Asset: weth, MinAmountOut: fpmath.Units(3000)},
			{Asset: wbtc, MinAmountOut: fpmath.Zero()},
		},
	}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	assert.Equal(t, event.StatusPartial, out.Status)
	assert.Equal(t, 1, out.Executed)
	assert.Equal(t, 1, out.Failed)
	assertInt(t, fpmath.Units(3960), f.x.GetBalance(usdc, f.alice.Address))
	assertInt(t, fpmath.Zero(), f.x.GetBalance(weth, f.alice.Address))
	assertInt(t, fpmath.Units(1), f.x.GetBalance(wbtc, f.alice.Address))
	assertInt(t, fpmath.Units(40), f.x.GetInsuranceFundBalance())
	assert.True(t, f.x.IsNonceUsed(state.NamespaceLiquidation, f.alice.Address, 1))
	require.NoError(t, f.x.ValidateInvariants())

	processed := payloadsOf[*event.LiquidationProcessed](drainOutputs(f.persist))
	require.Len(t, processed, 1)
	assert.Equal(t, event.StatusPartial, processed[0].Status)
	assert.Equal(t, 1.0, gatherValue(t, f.reg, "settle_liquidations_total", map[string]string{"status": "Partial"}))
}

func TestScenario_LiquidationMatchAndCollateralNonces(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.alice.Address, usdc, fpmath.Units(10_000))
	f.deposit(t, f.alice.Address, weth, fpmath.Units(1))
	f.deposit(t, f.bob.Address, usdc, fpmath.Units(10_000))
	f.router.SetPrice(weth, usdc, fpmath.Units(2000))

	// alice is liquidated on the perp book under order nonce 5
	liquidated := matching.Order{
		Sender: f.alice.Address, Size: fpmath.Units(1), Price: fpmath.Units(1000),
		Nonce: 5, ProductIndex: btc, Side: matching.SideSell, IsLiquidation: true, Fee: fpmath.Zero(),
	}
	op := matchOp(order(t, f.bob, matching.SideBuy, fpmath.Units(1), fpmath.Units(1000), 1), liquidated)
	op.Request.Liquidation = true
	require.NoError(t, f.submit(t, op))
	assert.True(t, f.x.IsNonceUsed(state.NamespaceOrder, f.alice.Address, 5))

	// collateral liquidation nonce 5 is its own space
	outcomes, err := f.x.LiquidateCollateralBatch(context.Background(), admin, []liquidation.Record{{
		Account:    f.alice.Address,
		Nonce:      5,
		Executions: []liquidation.Execution{{Asset: weth, MinAmountOut: fpmath.Zero()}},
	}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, event.StatusSuccess, outcomes[0].Status)
	assert.True(t, f.x.IsNonceUsed(state.NamespaceLiquidation, f.alice.Address, 5))
	assertInt(t, fpmath.Units(12_000), f.x.GetBalance(usdc, f.alice.Address))
}
