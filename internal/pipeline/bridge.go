package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"PerpSettlement/internal/core"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/observability"
	"PerpSettlement/internal/persistence"
	"PerpSettlement/internal/projection"
)

// Bridge fans core output out to persistence (blocking), projections and
// outbound publishing (both best-effort).
type Bridge struct {
	in         <-chan core.CoreOutput
	persist    chan<- persistence.CoreOutput
	projection chan<- projection.ProjectionOutput
	publish    chan<- ingestion.PublishableEvent

	// commits at or below this sequence were published before a restart
	quietThrough atomic.Uint64

	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewBridge wires the fan-out. Nil output channels are skipped.
func NewBridge(
	in <-chan core.CoreOutput,
	persist chan<- persistence.CoreOutput,
	proj chan<- projection.ProjectionOutput,
	publish chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Bridge {
	return &Bridge{
		in:         in,
		persist:    persist,
		projection: proj,
		publish:    publish,
		now:        time.Now,
		metrics:    metrics,
		logger:     logger,
	}
}

// QuietThrough suppresses outbound publishing for commits up to seq, so a
// WAL replay does not republish history.
func (b *Bridge) QuietThrough(seq uint64) {
	b.quietThrough.Store(seq)
}

// Run forwards until the input channel closes or ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-b.in:
			if !ok {
				return nil
			}
			if err := b.forward(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) forward(ctx context.Context, out core.CoreOutput) error {
	at := b.now()

	if b.persist != nil {
		select {
		case b.persist <- b.persistenceOutput(out, at):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if b.projection != nil {
		select {
		case b.projection <- projection.ProjectionOutput{
			CommitSequence: out.CommitSequence,
			Envelopes:      out.Envelopes,
			Timestamp:      at,
		}:
		default:
			if b.metrics != nil {
				b.metrics.ProjectionDrops.WithLabelValues("tables").Inc()
			}
		}
	}

	if b.publish != nil && out.CommitSequence > b.quietThrough.Load() {
		for _, env := range out.Envelopes {
			select {
			case b.publish <- ingestion.NewPublishableEvent(env, at):
			default:
				if b.metrics != nil {
					b.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	return nil
}

func (b *Bridge) persistenceOutput(out core.CoreOutput, at time.Time) persistence.CoreOutput {
	rows := persistence.CoreOutput{
		Commit: persistence.CommitRow{
			CommitSequence: out.CommitSequence,
			TxCounter:      out.TxCounter,
			StateHash:      out.StateHash[:],
			PrevHash:       out.PrevHash[:],
			EventCount:     len(out.Envelopes),
			Timestamp:      at,
		},
		Events: make([]persistence.EventRow, 0, len(out.Envelopes)),
	}
	for _, env := range out.Envelopes {
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			b.logger.Error().Err(err).Int64("sequence", env.Sequence).Msg("marshal event payload")
			payload = []byte("{}")
		}
		rows.Events = append(rows.Events, persistence.EventRow{
			Sequence:       env.Sequence,
			EventID:        env.EventID,
			CommitSequence: env.CommitSequence,
			TxID:           env.TxID,
			EventType:      env.EventType.String(),
			PartitionKey:   env.Payload.PartitionKey(),
			Payload:        payload,
			StateHash:      env.StateHash[:],
			Timestamp:      at,
		})
	}
	return rows
}
