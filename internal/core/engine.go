package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/event"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/journal"
	"PerpSettlement/internal/ledger"
	"PerpSettlement/internal/liquidation"
	"PerpSettlement/internal/matching"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/observability"
	"PerpSettlement/internal/state"
)

// Config holds the protocol parameters of the exchange.
type Config struct {
	Domain                auth.Domain
	CollateralToken       common.Address
	SupportedTokens       []common.Address
	FastSettlementAccount common.Address
	MaxWithdrawFee        sdkmath.Int
	Matching              matching.Limits
	LiquidationFeePips    uint64
	LiquidationWhitelist  []common.Address
}

// Collaborators are the external systems the core calls synchronously.
type Collaborators struct {
	Auth      auth.Provider
	Mover     clearing.AssetMover
	Oracle    ledger.PriceOracle
	Router    liquidation.SwapRouter
	Contracts auth.ContractAccountChecker
	// Vaults resolves a yield wrapper token to its vault, for admin commands
	// replayed from the WAL.
	Vaults map[common.Address]clearing.Vault
}

// CoreOutput is one committed unit: a batch or an admin call.
type CoreOutput struct {
	CommitSequence uint64
	TxCounter      uint64
	StateHash      [32]byte
	PrevHash       [32]byte
	Envelopes      []*event.Envelope
}

// Exchange is the single entry point into the deterministic core. Every
// mutating call holds the write lock for its whole duration.
type Exchange struct {
	mu sync.RWMutex

	cfg       Config
	auth      auth.Provider
	vaults    map[common.Address]clearing.Vault
	journal   *journal.Journal
	events    *event.Buffer
	registry  *ledger.Registry
	book      *ledger.SpotBook
	validator *ledger.InvariantValidator
	perp      *state.PerpBook
	nonces    *state.NonceRegistry
	fund      *state.InsuranceFund
	fees      *state.FeeAccumulators
	clearing  *clearing.Service
	matching  *matching.Engine
	liquidate *liquidation.Engine
	verifier  *auth.SignatureVerifier
	txIDs     *SequenceValidator
	hasher    *StateHasher
	effects   *effectCounter

	commitSeq uint64
	eventSeq  int64
	paused    bool

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewExchange(
	cfg Config,
	deps Collaborators,
	persistChan, projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Exchange {
	cfg.MaxWithdrawFee = fpmath.OrZero(cfg.MaxWithdrawFee)

	j := journal.New()
	events := event.NewBuffer(j)
	registry := ledger.NewRegistry(j)
	book := ledger.NewSpotBook(deps.Auth, deps.Oracle, j, events)
	perp := state.NewPerpBook(deps.Auth, j, events)
	nonces := state.NewNonceRegistry(j)
	fund := state.NewInsuranceFund(j)
	fees := state.NewFeeAccumulators(j)
	verifier := auth.NewSignatureVerifier(deps.Contracts)

	effects := &effectCounter{}
	mover, router := deps.Mover, deps.Router
	if mover != nil {
		mover = trackedMover{AssetMover: mover, effects: effects}
	}
	if router != nil {
		router = trackedRouter{SwapRouter: router, effects: effects}
	}

	clearingSvc := clearing.NewService(
		clearing.Config{CollateralToken: cfg.CollateralToken, SupportedTokens: cfg.SupportedTokens},
		deps.Auth, book, registry, fund, fees, mover, j, events,
		logger.With().Str("component", "clearing").Logger(),
	)
	matchingEngine := matching.NewEngine(
		matching.Config{Domain: cfg.Domain, Limits: cfg.Matching, CollateralToken: cfg.CollateralToken},
		deps.Auth, registry, book, perp, clearingSvc, nonces, fees, verifier, j, events,
		logger.With().Str("component", "matching").Logger(),
	)
	liquidationEngine := liquidation.NewEngine(
		liquidation.Config{
			SettlementToken: cfg.CollateralToken,
			MaxFeePips:      cfg.LiquidationFeePips,
			Whitelist:       cfg.LiquidationWhitelist,
		},
		deps.Auth, book, clearingSvc, nonces, router, j, events,
		logger.With().Str("component", "liquidation").Logger(),
	)

	return &Exchange{
		cfg:            cfg,
		auth:           deps.Auth,
		vaults:         deps.Vaults,
		journal:        j,
		events:         events,
		registry:       registry,
		book:           book,
		validator:      ledger.NewInvariantValidator(book),
		perp:           perp,
		nonces:         nonces,
		fund:           fund,
		fees:           fees,
		clearing:       clearingSvc,
		matching:       matchingEngine,
		liquidate:      liquidationEngine,
		verifier:       verifier,
		txIDs:          NewSequenceValidator(j),
		hasher:         NewStateHasher(),
		effects:        effects,
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ProcessBatch applies an ordered batch of sequencer records. Every record
// is decoded and its txId checked before the first one is dispatched. A
// fatal error reverts the batch and restores the txId counter; a soft
// failure reverts only its record, which is reported as an OperationFailed
// event.
//
// Records that moved assets outside the core are never reverted. If a fatal
// error follows such a record, the batch is committed up to and including
// the last of them and a *PartialCommitError reports how many records
// landed.
func (x *Exchange) ProcessBatch(ctx context.Context, caller common.Address, records [][]byte) (err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	start := time.Now()
	if err := auth.Require(x.auth, caller, auth.CapBatchOperator); err != nil {
		x.recordAbort(err, len(records))
		return err
	}
	if x.paused {
		err := errorsmod.Wrap(ErrPaused, "batch rejected")
		x.recordAbort(err, len(records))
		return err
	}
	if err := ctx.Err(); err != nil {
		err = Fatal(err)
		x.recordAbort(err, len(records))
		return err
	}
	decoded, err := x.decodeBatch(records)
	if err != nil {
		x.recordAbort(err, len(records))
		return err
	}

	mark := x.journal.Mark()
	floor, settled := mark, 0
	effects := x.effects.n
	defer func() {
		if r := recover(); r != nil {
			err = x.fail(mark, floor, settled, errorsmod.Wrapf(ErrInternal, "panic: %v", r), len(records))
		}
	}()

	for i, rec := range decoded {
		if err := x.processRecord(caller, rec); err != nil {
			return x.fail(mark, floor, settled, fmt.Errorf("record %d: %w", i, err), len(records))
		}
		if x.effects.n != effects {
			effects = x.effects.n
			floor, settled = x.journal.Mark(), i+1
		}
	}

	if err := x.finish(); err != nil {
		return x.fail(mark, floor, settled, err, len(records))
	}

	if x.metrics != nil {
		x.metrics.BatchesProcessed.WithLabelValues("committed").Inc()
		x.metrics.BatchSize.Observe(float64(len(records)))
		x.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	x.logger.Debug().
		Int("records", len(records)).
		Uint64("tx_counter", x.txIDs.Expected()).
		Uint64("commit_seq", x.commitSeq).
		Msg("batch committed")
	return nil
}

type decodedRecord struct {
	txID uint32
	op   ingestion.Operation
}

// decodeBatch checks every header, the txId run and every payload. Nothing
// is mutated.
func (x *Exchange) decodeBatch(records [][]byte) ([]decodedRecord, error) {
	out := make([]decodedRecord, 0, len(records))
	for i, record := range records {
		hdr, payload, err := ingestion.DecodeHeader(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, errorsmod.Wrapf(ErrMalformedRecord, "%v", err))
		}
		if err := x.txIDs.ValidateAt(uint64(i), hdr.TxID); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		op, err := ingestion.DecodeOperation(hdr.Op, payload)
		if err != nil {
			if !IsFatal(err) {
				err = errorsmod.Wrapf(ErrMalformedRecord, "%s: %v", hdr.Op, err)
			}
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, decodedRecord{txID: hdr.TxID, op: op})
	}
	return out, nil
}

// fail reverts the batch after a fatal error. Without external effects the
// whole batch goes; otherwise the prefix through the last effecting record
// is committed.
func (x *Exchange) fail(mark, floor journal.Mark, settled int, cause error, records int) error {
	if settled == 0 {
		x.abort(mark, cause, records)
		return cause
	}
	x.journal.RevertTo(floor)
	if err := x.finish(); err != nil {
		// The prefix cannot be committed; its external effects are now
		// unaccounted for in the ledger.
		x.logger.Error().Err(err).Int("settled", settled).Msg("partial commit failed, reverting batch")
		x.abort(mark, cause, records)
		return cause
	}
	x.recordAbort(cause, records)
	x.logger.Warn().
		Int("committed_records", settled).
		Uint64("tx_counter", x.txIDs.Expected()).
		Uint64("commit_seq", x.commitSeq).
		Msg("batch committed through its last external effect")
	return &PartialCommitError{Committed: settled, Err: cause}
}

// processRecord returns only batch-aborting errors. Soft failures are
// reverted and reported here.
func (x *Exchange) processRecord(caller common.Address, rec decodedRecord) error {
	op := rec.op

	// The counter moves even if the record fails.
	x.txIDs.Advance()
	x.events.SetTx(int64(rec.txID))
	recordMark := x.journal.Mark()

	err := x.dispatch(caller, op)
	if err == nil {
		x.recordStatus(op.OpType(), event.StatusSuccess)
		return nil
	}
	if IsFatal(err) {
		return err
	}

	x.journal.RevertTo(recordMark)
	codespace, code := ErrorCode(err)
	x.events.Emit(&event.OperationFailed{
		OpType:    op.OpType().String(),
		Status:    event.StatusFailure,
		Codespace: codespace,
		Code:      code,
		Reason:    err.Error(),
	})
	x.recordStatus(op.OpType(), event.StatusFailure)
	x.logger.Warn().
		Err(err).
		Str("op", op.OpType().String()).
		Uint32("tx_id", rec.txID).
		Msg("operation failed")
	return nil
}

func (x *Exchange) dispatch(caller common.Address, op ingestion.Operation) error {
	switch o := op.(type) {
	case *ingestion.MatchOrdersOp:
		return x.handleMatchOrders(caller, o)
	case *ingestion.WithdrawOp:
		return x.handleWithdraw(o)
	case *ingestion.TransferOp:
		return x.handleTransfer(o)
	case *ingestion.FastSettlementOp:
		return x.handleFastSettlement(o)
	case *ingestion.CreateSubaccountOp:
		return x.handleCreateSubaccount(o)
	case *ingestion.DeleteSubaccountOp:
		return x.handleDeleteSubaccount(o)
	case *ingestion.RegisterSubaccountSignerOp:
		return x.handleRegisterSubaccountSigner(o)
	case *ingestion.AddSigningWalletOp:
		return x.handleAddSigningWallet(o)
	case *ingestion.CoverLossOp:
		return x.handleCoverLoss(o)
	case *ingestion.UpdateFundingRateOp:
		return x.handleUpdateFundingRate(o)
	default:
		return errorsmod.Wrapf(ErrUnknownOperation, "%s", op.OpType())
	}
}

// finish validates the ledger, closes the commit unit and hands its events
// to the output channels. Nothing is mutated when it returns an error.
func (x *Exchange) finish() error {
	if err := x.validator.ValidateTotals(); err != nil {
		return Fatal(err)
	}
	digest, err := EventDigest(x.events.Peek())
	if err != nil {
		return errorsmod.Wrapf(ErrInternal, "event digest: %v", err)
	}

	x.journal.Commit()
	pending := x.events.Drain()

	x.commitSeq++
	prev := x.hasher.GetPrevHash()
	hash := x.hasher.ComputeHash(x.commitSeq, x.txIDs.Expected(), digest)

	out := CoreOutput{
		CommitSequence: x.commitSeq,
		TxCounter:      x.txIDs.Expected(),
		StateHash:      hash,
		PrevHash:       prev,
		Envelopes:      make([]*event.Envelope, 0, len(pending)),
	}
	for i, p := range pending {
		x.eventSeq++
		out.Envelopes = append(out.Envelopes, &event.Envelope{
			Sequence:       x.eventSeq,
			EventID:        event.NewEventID(x.commitSeq, i),
			CommitSequence: x.commitSeq,
			TxID:           p.TxID,
			EventType:      p.Event.EventType(),
			Payload:        p.Event,
			StateHash:      hash,
			PrevHash:       prev,
		})
	}

	x.recordCommit(out)
	x.emit(out)
	return nil
}

// emit sends the committed unit downstream.
// Persistence is a blocking send (backpressure); projections are best-effort
// and rebuild from the event log when they fall behind.
func (x *Exchange) emit(out CoreOutput) {
	if x.persistChan != nil {
		select {
		case x.persistChan <- out:
		default:
			if x.metrics != nil {
				x.metrics.PersistBackpressure.Inc()
			}
			x.persistChan <- out
		}
	}
	if x.projectionChan != nil {
		select {
		case x.projectionChan <- out:
		default:
			if x.metrics != nil {
				x.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// abort reverts the batch back to mark and discards its events.
func (x *Exchange) abort(mark journal.Mark, err error, records int) {
	x.journal.RevertTo(mark)
	x.events.Drain()
	x.recordAbort(err, records)
}

func (x *Exchange) recordAbort(err error, records int) {
	codespace, code := ErrorCode(err)
	if codespace == "" {
		codespace = "unknown"
	}
	if x.metrics != nil {
		x.metrics.BatchesProcessed.WithLabelValues("aborted").Inc()
		x.metrics.FatalAborts.WithLabelValues(codespace).Inc()
	}
	x.logger.Error().
		Err(err).
		Str("codespace", codespace).
		Uint32("code", code).
		Int("records", records).
		Uint64("tx_counter", x.txIDs.Expected()).
		Msg("batch aborted")
}

func (x *Exchange) recordStatus(op ingestion.OpType, status event.Status) {
	if x.metrics != nil {
		x.metrics.RecordsProcessed.WithLabelValues(op.String(), status.String()).Inc()
	}
}

func (x *Exchange) recordCommit(out CoreOutput) {
	if x.metrics == nil {
		return
	}
	x.metrics.TxCounter.Set(float64(out.TxCounter))
	x.metrics.CommitSequence.Set(float64(out.CommitSequence))
	x.metrics.InsuranceFundBalance.Set(fpmath.Float64(x.fund.Balance()))
	x.metrics.TradingFees.Set(fpmath.Float64(x.fees.Trading()))
	x.metrics.SequencerFees.Set(fpmath.Float64(x.fees.Sequencer()))
	for _, env := range out.Envelopes {
		x.metrics.EventsEmitted.WithLabelValues(env.EventType.String()).Inc()
	}
}

// SequenceMetrics exposes rejected txId counts.
func (x *Exchange) SequenceMetrics() *SequenceMetrics {
	return x.txIDs.Metrics()
}
