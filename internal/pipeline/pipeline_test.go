package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/core"
	"PerpSettlement/internal/custody"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/matching"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/observability"
	"PerpSettlement/internal/testutil"
	"PerpSettlement/internal/wal"
)

var (
	operator = common.HexToAddress("0x0bee")
	admin    = common.HexToAddress("0xad01")
	relayer  = common.HexToAddress("0x4e1a")
	usdc     = common.HexToAddress("0x1001")
	domain   = auth.Domain{Name: "settle", Version: "1", ChainID: 31337}
)

type harness struct {
	p       *Pipeline
	x       *core.Exchange
	log     *wal.Log
	metrics *observability.Metrics
	outputs chan core.CoreOutput
}

func newHarness(t *testing.T, fs vfs.FS, d auth.Domain) *harness {
	t.Helper()
	provider := auth.NewDefaultProvider()
	provider.Grant(operator, auth.CapBatchOperator)
	provider.Grant(admin, auth.CapAdmin, auth.CapInsuranceAdmin)
	provider.Grant(relayer, auth.CapClearing)

	custodian := custody.NewCustodian()
	custodian.Mint = true

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	outputs := make(chan core.CoreOutput, 1024)
	x := core.NewExchange(
		core.Config{Domain: d, CollateralToken: usdc, MaxWithdrawFee: fpmath.Units(5)},
		core.Collaborators{Auth: provider, Mover: custodian, Router: custody.NewRouter(), Contracts: custody.NewContractAccounts()},
		outputs, nil, metrics, zerolog.Nop(),
	)

	log, err := wal.Open("wal", wal.Options{FS: fs}, metrics, zerolog.Nop())
	require.NoError(t, err)
	dedup := core.NewBatchDeduplicator(16, log, metrics, zerolog.Nop())

	return &harness{
		p:       New(x, dedup, log, operator, 16, metrics, zerolog.Nop()),
		x:       x,
		log:     log,
		metrics: metrics,
		outputs: outputs,
	}
}

func (h *harness) withdrawBatch(t *testing.T, w *testutil.Wallet, amount sdkmath.Int, nonce uint64) []byte {
	t.Helper()
	op := &ingestion.WithdrawOp{Sender: w.Address, Token: usdc, Amount: amount, Nonce: nonce, Fee: fpmath.Units(1)}
	op.Signature = w.Sign(t, domain.Digest(op.StructHash()))
	rec, err := ingestion.Encode(uint32(h.x.GetTxCounter()), op)
	require.NoError(t, err)
	return ingestion.EncodeBatch([][]byte{rec})
}

func deposit(account common.Address, amount sdkmath.Int) core.AdminCommand {
	return core.AdminCommand{Kind: core.AdminDeposit, Caller: relayer, Account: account, Token: usdc, Amount: amount}
}

func TestPipeline_CommitsAndLogs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, vfs.NewMem(), domain)
	defer h.log.Close()
	alice := testutil.NewWallet(t)

	require.NoError(t, h.p.Admin(ctx, deposit(alice.Address, fpmath.Units(100))))
	batch := h.withdrawBatch(t, alice, fpmath.Units(30), 1)

	outcome, err := h.p.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Committed, outcome)
	assert.True(t, h.x.GetBalance(usdc, alice.Address).Equal(fpmath.Units(70)))

	outcome, err = h.p.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	assert.Equal(t, uint64(2), h.log.Len())

	last, ok, err := h.log.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wal.KindBatch, last.Kind)
	assert.Equal(t, h.x.GetCommitSequence(), last.CommitSequence)
	assert.Equal(t, h.x.GetStateHash(), last.StateHash)
}

func TestPipeline_FailedUnitsAreNotLogged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, vfs.NewMem(), domain)
	defer h.log.Close()

	cmd := deposit(common.HexToAddress("0xa1"), fpmath.Units(1))
	cmd.Caller = admin
	require.Error(t, h.p.Admin(ctx, cmd))

	_, err := h.p.SubmitBatch(ctx, []byte{0xff})
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))

	assert.Zero(t, h.log.Len())
}

func TestPipeline_ReplayRebuildsState(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	alice := testutil.NewWallet(t)

	h := newHarness(t, fs, domain)
	require.NoError(t, h.p.Admin(ctx, core.AdminCommand{Kind: core.AdminRegisterProduct, Caller: admin, ProductIndex: 1, Symbol: "BTC-PERP"}))
	require.NoError(t, h.p.Admin(ctx, deposit(alice.Address, fpmath.Units(100))))
	batch := h.withdrawBatch(t, alice, fpmath.Units(30), 1)
	_, err := h.p.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	wantHash := h.x.GetStateHash()
	require.NoError(t, h.log.Close())

	restarted := newHarness(t, fs, domain)
	defer restarted.log.Close()
	stats, err := restarted.p.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, uint64(3), stats.LastCommit)

	assert.Equal(t, wantHash, restarted.x.GetStateHash())
	assert.True(t, restarted.x.GetBalance(usdc, alice.Address).Equal(fpmath.Units(70)))
	assert.Len(t, restarted.x.GetProducts(), 1)

	outcome, err := restarted.p.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome, "dedup warmed from the wal")
}

func TestPipeline_ReplayDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	alice := testutil.NewWallet(t)

	h := newHarness(t, fs, domain)
	require.NoError(t, h.p.Admin(ctx, deposit(alice.Address, fpmath.Units(100))))
	_, err := h.p.SubmitBatch(ctx, h.withdrawBatch(t, alice, fpmath.Units(30), 1))
	require.NoError(t, err)
	require.NoError(t, h.log.Close())

	// another signing domain turns the withdrawal into a failed record
	other := domain
	other.ChainID = 1
	restarted := newHarness(t, fs, other)
	defer restarted.log.Close()

	stats, err := restarted.p.Replay(ctx)
	require.ErrorIs(t, err, ErrDiverged)
	assert.Equal(t, 1, stats.Entries)
}

func TestPipeline_LogsCommittedPrefix(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	alice := testutil.NewWallet(t)
	bob := testutil.NewWallet(t)

	h := newHarness(t, fs, domain)
	require.NoError(t, h.p.Admin(ctx, deposit(alice.Address, fpmath.Units(100))))

	withdraw := &ingestion.WithdrawOp{Sender: alice.Address, Token: usdc, Amount: fpmath.Units(40), Nonce: 1, Fee: fpmath.Zero()}
	withdraw.Signature = alice.Sign(t, domain.Digest(withdraw.StructHash()))
	first, err := ingestion.Encode(0, withdraw)
	require.NoError(t, err)

	// no product is registered, so the match aborts after the push
	leg := func(w *testutil.Wallet, side matching.Side) matching.Order {
		return matching.Order{Sender: w.Address, Signer: w.Address, Size: fpmath.Units(1), Price: fpmath.Units(1), Nonce: 1, ProductIndex: 1, Side: side, Fee: fpmath.Zero()}
	}
	match := &ingestion.MatchOrdersOp{Request: matching.MatchRequest{
		Maker:        leg(alice, matching.SideBuy),
		Taker:        leg(bob, matching.SideSell),
		ProductIndex: 1,
		SequencerFee: fpmath.Zero(),
		Fees:         matching.Fees{ReferralRebate: fpmath.Zero(), LiquidationPenalty: fpmath.Zero()},
	}}
	second, err := ingestion.Encode(1, match)
	require.NoError(t, err)
	batch := ingestion.EncodeBatch([][]byte{first, second})

	_, err = h.p.SubmitBatch(ctx, batch)
	var partial *core.PartialCommitError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Committed)
	assert.True(t, h.x.GetBalance(usdc, alice.Address).Equal(fpmath.Units(60)))
	assert.Equal(t, uint64(2), h.log.Len())

	last, ok, err := h.log.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ingestion.EncodeBatch([][]byte{first}), last.Payload)
	assert.Equal(t, h.x.GetStateHash(), last.StateHash)

	outcome, err := h.p.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	wantHash := h.x.GetStateHash()
	require.NoError(t, h.log.Close())

	restarted := newHarness(t, fs, domain)
	defer restarted.log.Close()
	stats, err := restarted.p.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, wantHash, restarted.x.GetStateHash())
	assert.True(t, restarted.x.GetBalance(usdc, alice.Address).Equal(fpmath.Units(60)))
}

type acks struct{ ack, nak, term int }

func (a *acks) batch(data []byte) ingestion.Batch {
	records, _ := ingestion.DecodeBatch(data)
	return ingestion.Batch{
		Data:     data,
		Records:  records,
		Received: time.Now(),
		AckFunc:  func() { a.ack++ },
		NakFunc:  func() { a.nak++ },
		TermFunc: func() { a.term++ },
	}
}

func TestPipeline_HandleAcknowledgement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, vfs.NewMem(), domain)
	defer h.log.Close()
	alice := testutil.NewWallet(t)
	require.NoError(t, h.p.Admin(ctx, deposit(alice.Address, fpmath.Units(100))))

	var a acks
	good := h.withdrawBatch(t, alice, fpmath.Units(10), 1)
	require.NoError(t, h.p.handle(ctx, a.batch(good)))
	require.NoError(t, h.p.handle(ctx, a.batch(good)))
	assert.Equal(t, acks{ack: 2}, a, "duplicates are acked")

	// txId 0 was already consumed
	op := &ingestion.WithdrawOp{Sender: alice.Address, Token: usdc, Amount: fpmath.Units(1), Nonce: 2, Fee: fpmath.Zero()}
	op.Signature = alice.Sign(t, domain.Digest(op.StructHash()))
	rec, err := ingestion.Encode(0, op)
	require.NoError(t, err)
	require.NoError(t, h.p.handle(ctx, a.batch(ingestion.EncodeBatch([][]byte{rec}))))
	assert.Equal(t, 1, a.term)

	require.NoError(t, h.p.Admin(ctx, core.AdminCommand{Kind: core.AdminPause, Caller: admin}))
	require.NoError(t, h.p.handle(ctx, a.batch(h.withdrawBatch(t, alice, fpmath.Units(1), 3))))
	assert.Equal(t, 1, a.nak, "paused batches are redelivered later")
}

func TestPipeline_ConsumeStopsOnClose(t *testing.T) {
	h := newHarness(t, vfs.NewMem(), domain)
	defer h.log.Close()

	in := make(chan ingestion.Batch)
	close(in)
	require.NoError(t, h.p.Consume(context.Background(), in))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.p.Consume(ctx, make(chan ingestion.Batch)), context.Canceled)
}
