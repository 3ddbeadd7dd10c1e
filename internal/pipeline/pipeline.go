// Package pipeline is the only writer into the core. It deduplicates
// redelivered batches, logs every committed unit to the WAL, and rebuilds the
// core from the WAL on startup.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/core"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/observability"
	"PerpSettlement/internal/wal"
)

const Codespace = "pipeline"

var (
	// ErrNotDurable means the core committed but the WAL append failed. The
	// process must stop: in-memory state is ahead of the log.
	ErrNotDurable   = errorsmod.Register(Codespace, 2, "committed unit could not be logged")
	ErrDiverged     = errorsmod.Register(Codespace, 3, "replay diverged from the logged state hash")
	ErrUnknownEntry = errorsmod.Register(Codespace, 4, "unknown wal entry kind")
)

// Outcome reports what happened to a submitted batch.
type Outcome int

const (
	Committed Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "committed"
}

// Pipeline serialises every mutating call so WAL order equals commit order.
type Pipeline struct {
	mu       sync.Mutex
	exchange *core.Exchange
	dedup    *core.BatchDeduplicator
	log      *wal.Log
	operator common.Address
	warmSize int
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func New(
	exchange *core.Exchange,
	dedup *core.BatchDeduplicator,
	log *wal.Log,
	operator common.Address,
	warmSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		exchange: exchange,
		dedup:    dedup,
		log:      log,
		operator: operator,
		warmSize: warmSize,
		metrics:  metrics,
		logger:   logger,
	}
}

// SubmitBatch applies one framed sequencer batch. Data is the frame as
// received; it is what the WAL stores and what the dedup key hashes.
func (p *Pipeline) SubmitBatch(ctx context.Context, data []byte) (Outcome, error) {
	records, err := ingestion.DecodeBatch(data)
	if err != nil {
		return Committed, core.Fatal(err)
	}
	return p.submit(ctx, data, records)
}

func (p *Pipeline) submit(ctx context.Context, data []byte, records [][]byte) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := core.BatchKey(data)
	if p.dedup.IsDuplicate(key) {
		p.logger.Info().Str("batch", key).Msg("skip duplicate batch")
		return Duplicate, nil
	}

	if err := p.exchange.ProcessBatch(ctx, p.operator, records); err != nil {
		var partial *core.PartialCommitError
		if errors.As(err, &partial) {
			return Committed, p.logPrefix(key, records[:partial.Committed], err)
		}
		return Committed, err
	}
	if err := p.append(wal.KindBatch, key, data); err != nil {
		return Committed, err
	}
	p.dedup.MarkProcessed(key)
	return Committed, nil
}

// logPrefix logs the records the core kept from a failed batch as a batch of
// their own, so replay lands on the same state. The full batch is marked
// processed: redelivering it can only fail again.
func (p *Pipeline) logPrefix(key string, committed [][]byte, cause error) error {
	prefix := ingestion.EncodeBatch(committed)
	prefixKey := core.BatchKey(prefix)
	if err := p.append(wal.KindBatch, prefixKey, prefix); err != nil {
		return err
	}
	p.dedup.MarkProcessed(prefixKey)
	p.dedup.MarkProcessed(key)
	p.logger.Warn().
		Err(cause).
		Str("batch", key).
		Str("prefix", prefixKey).
		Int("records", len(committed)).
		Msg("batch partially committed")
	return cause
}

// Admin executes an admin command and logs it once committed.
func (p *Pipeline) Admin(ctx context.Context, cmd core.AdminCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal admin command: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.exchange.ExecuteAdmin(ctx, cmd); err != nil {
		return err
	}
	return p.append(wal.KindAdmin, "", data)
}

func (p *Pipeline) append(kind wal.Kind, key string, data []byte) error {
	entry := wal.Entry{
		Kind:           kind,
		BatchKey:       key,
		CommitSequence: p.exchange.GetCommitSequence(),
		StateHash:      p.exchange.GetStateHash(),
		Payload:        data,
	}
	if _, err := p.log.Append(entry); err != nil {
		p.logger.Error().Err(err).Uint64("commit", entry.CommitSequence).Msg("wal append failed")
		return errorsmod.Wrapf(ErrNotDurable, "commit %d: %v", entry.CommitSequence, err)
	}
	return nil
}

// Consume drains subscriber batches until ctx is done or the channel closes.
// It returns only when the process must stop.
func (p *Pipeline) Consume(ctx context.Context, batches <-chan ingestion.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batches:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, b); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, b ingestion.Batch) error {
	_, err := p.submit(ctx, b.Data, b.Records)
	switch {
	case err == nil:
		b.AckFunc()
		if p.metrics != nil {
			p.metrics.IngestLag.Observe(time.Since(b.Received).Seconds())
		}
		return nil

	case errors.Is(err, ErrNotDurable):
		b.NakFunc()
		return err

	case errors.Is(err, core.ErrPaused), ctx.Err() != nil:
		b.NakFunc()
		return nil

	default:
		// The batch was reverted, or committed up to its last external
		// effect, and would fail again on redelivery.
		p.logger.Error().Err(err).Uint64("stream_seq", b.StreamSeq).Msg("batch rejected")
		b.TermFunc()
		return nil
	}
}

// ReplayStats summarises a WAL replay.
type ReplayStats struct {
	Entries    int
	LastCommit uint64
	Duration   time.Duration
}

// Replay re-applies every logged unit to a fresh core and checks that each
// one lands on the logged commit sequence and state hash.
func (p *Pipeline) Replay(ctx context.Context) (ReplayStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	var stats ReplayStats
	err := p.log.Replay(func(e wal.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.replayEntry(ctx, e); err != nil {
			return fmt.Errorf("wal entry %d (%s): %w", e.Index, e.Kind, err)
		}
		if got := p.exchange.GetCommitSequence(); got != e.CommitSequence {
			return errorsmod.Wrapf(ErrDiverged, "entry %d: commit %d, logged %d", e.Index, got, e.CommitSequence)
		}
		if got := p.exchange.GetStateHash(); got != e.StateHash {
			return errorsmod.Wrapf(ErrDiverged, "entry %d: hash %x, logged %x", e.Index, got[:8], e.StateHash[:8])
		}
		stats.Entries++
		stats.LastCommit = e.CommitSequence
		if p.metrics != nil {
			p.metrics.ReplayEntries.Inc()
		}
		return nil
	})
	stats.Duration = time.Since(start)
	if p.metrics != nil {
		p.metrics.ReplayDuration.Set(stats.Duration.Seconds())
	}
	if err != nil {
		return stats, err
	}

	keys, err := p.log.RecentBatchKeys(p.warmSize)
	if err != nil {
		return stats, fmt.Errorf("warm dedup: %w", err)
	}
	p.dedup.Warm(keys)

	p.logger.Info().
		Int("entries", stats.Entries).
		Uint64("commit_seq", stats.LastCommit).
		Dur("took", stats.Duration).
		Msg("wal replay complete")
	return stats, nil
}

func (p *Pipeline) replayEntry(ctx context.Context, e wal.Entry) error {
	switch e.Kind {
	case wal.KindBatch:
		records, err := ingestion.DecodeBatch(e.Payload)
		if err != nil {
			return err
		}
		return p.exchange.ProcessBatch(ctx, p.operator, records)
	case wal.KindAdmin:
		var cmd core.AdminCommand
		if err := json.Unmarshal(e.Payload, &cmd); err != nil {
			return err
		}
		return p.exchange.ExecuteAdmin(ctx, cmd)
	default:
		return errorsmod.Wrapf(ErrUnknownEntry, "%s", e.Kind)
	}
}
