package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/event"
	"PerpSettlement/internal/observability"
)

// ProjectionOutput carries one committed unit to the projection worker.
// The pipeline bridges core.CoreOutput into this.
type ProjectionOutput struct {
	CommitSequence uint64
	Envelopes      []*event.Envelope
	Timestamp      time.Time
}

type statement struct {
	query string
	args  []any
}

// ProjectionWorker maintains read-model tables from committed events.
// The projection channel is non-blocking with drop; tables that fall behind
// are rebuilt from the event log with Rebuild.
type ProjectionWorker struct {
	db        *sql.DB // nil keeps only the in-memory funding history
	inputChan <-chan ProjectionOutput
	funding   *FundingHistory
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	funding *FundingHistory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		funding:   funding,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			start := time.Now()
			pw.recordFunding(output)
			if err := pw.apply(ctx, output); err != nil {
				// eventually consistent; Rebuild repairs the tables
				pw.logger.Warn().Err(err).Uint64("commit", output.CommitSequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("tables").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// LastSequence returns the last event sequence applied to the tables.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) recordFunding(output ProjectionOutput) {
	if pw.funding == nil {
		return
	}
	for _, env := range output.Envelopes {
		if e, ok := env.Payload.(*event.FundingRateUpdated); ok {
			pw.funding.Record(FundingEntry{
				Sequence:              env.Sequence,
				ProductIndex:          e.ProductIndex,
				RateDelta:             e.RateDelta,
				CumulativeFundingRate: e.CumulativeFundingRate,
				Timestamp:             output.Timestamp,
			})
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output ProjectionOutput) error {
	if len(output.Envelopes) == 0 {
		return nil
	}
	last := output.Envelopes[len(output.Envelopes)-1].Sequence
	if pw.db == nil {
		pw.lastSeq = last
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range plan(output) {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("projection statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, last); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = last
	return nil
}

// plan maps a committed unit to projection writes. Events carry absolute
// values, so every upsert is guarded by last_sequence and can be reapplied.
func plan(output ProjectionOutput) []statement {
	var out []statement
	for _, env := range output.Envelopes {
		switch e := env.Payload.(type) {
		case *event.BalanceUpdated:
			out = append(out, statement{`
				INSERT INTO projections.balances (account, token, balance, last_sequence)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (account, token) DO UPDATE
					SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
					WHERE projections.balances.last_sequence < EXCLUDED.last_sequence`,
				[]any{address(e.Account), address(e.Token), e.Balance.String(), env.Sequence},
			})

		case *event.PositionUpdated:
			out = append(out, statement{`
				INSERT INTO projections.positions (product_index, account, base_amount, quote_balance, last_funding, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (product_index, account) DO UPDATE
					SET base_amount = EXCLUDED.base_amount, quote_balance = EXCLUDED.quote_balance,
					    last_funding = EXCLUDED.last_funding, last_sequence = EXCLUDED.last_sequence
					WHERE projections.positions.last_sequence < EXCLUDED.last_sequence`,
				[]any{int16(e.ProductIndex), address(e.Account), e.BaseAmount.String(),
					e.QuoteBalance.String(), e.LastFunding.String(), env.Sequence},
			})

		case *event.FundingRateUpdated:
			out = append(out, statement{`
				INSERT INTO projections.funding_history (sequence, product_index, rate_delta, cumulative_funding_rate, recorded_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (sequence) DO NOTHING`,
				[]any{env.Sequence, int16(e.ProductIndex), e.RateDelta.String(),
					e.CumulativeFundingRate.String(), output.Timestamp},
			})

		case *event.LiquidationProcessed:
			out = append(out, statement{`
				INSERT INTO projections.liquidations (sequence, account, nonce, status, executed, failed, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (sequence) DO NOTHING`,
				[]any{env.Sequence, address(e.Account), int64(e.Nonce), e.Status.String(),
					e.Executed, e.Failed, output.Timestamp},
			})
		}
	}
	return out
}

// address matches the lowercase hex that event payloads carry in JSON.
func address(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Rebuild recomputes the projection tables from event_log.events.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	statements := []string{
		`TRUNCATE projections.balances, projections.positions, projections.funding_history, projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,

		`INSERT INTO projections.balances (account, token, balance, last_sequence)
		SELECT DISTINCT ON (payload->>'account', payload->>'token')
			payload->>'account', payload->>'token', (payload->>'balance')::numeric, sequence
		FROM event_log.events
		WHERE event_type = 'BalanceUpdated'
		ORDER BY payload->>'account', payload->>'token', sequence DESC`,

		`INSERT INTO projections.positions (product_index, account, base_amount, quote_balance, last_funding, last_sequence)
		SELECT DISTINCT ON ((payload->>'productIndex')::smallint, payload->>'account')
			(payload->>'productIndex')::smallint, payload->>'account',
			(payload->>'baseAmount')::numeric, (payload->>'quoteBalance')::numeric,
			(payload->>'lastFunding')::numeric, sequence
		FROM event_log.events
		WHERE event_type = 'PositionUpdated'
		ORDER BY (payload->>'productIndex')::smallint, payload->>'account', sequence DESC`,

		`INSERT INTO projections.funding_history (sequence, product_index, rate_delta, cumulative_funding_rate, recorded_at)
		SELECT sequence, (payload->>'productIndex')::smallint,
			(payload->>'rateDelta')::numeric, (payload->>'cumulativeFundingRate')::numeric, created_at
		FROM event_log.events
		WHERE event_type = 'FundingRateUpdated'`,

		`INSERT INTO projections.liquidations (sequence, account, nonce, status, executed, failed, recorded_at)
		SELECT sequence, payload->>'account', (payload->>'nonce')::bigint,
			CASE (payload->>'status')::int WHEN 0 THEN 'Success' WHEN 1 THEN 'Failure' WHEN 2 THEN 'Partial' ELSE 'Unknown' END,
			(payload->>'executed')::int, (payload->>'failed')::int, created_at
		FROM event_log.events
		WHERE event_type = 'LiquidationProcessed'`,

		`INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events`,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
