package persistence

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/observability"
)

// BatchWriter writes a group of committed units atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, outputs []CoreOutput) error
}

// WorkerConfig tunes batching and retry.
type WorkerConfig struct {
	BatchSize    int // committed units per flush
	FlushTimeout time.Duration
	RetryDelay   time.Duration
	MaxDelay     time.Duration
	// FinalFlushTimeout bounds the last flush after shutdown began.
	FinalFlushTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         256,
		FlushTimeout:      50 * time.Millisecond,
		RetryDelay:        100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		FinalFlushTimeout: 10 * time.Second,
	}
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs outside the deterministic core. The core sends on the persist
// channel blocking, so a slow worker stalls the core instead of losing events.
type PersistenceWorker struct {
	writer    BatchWriter
	inputChan <-chan CoreOutput
	cfg       WorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultWorkerConfig().FlushTimeout
	}
	return &PersistenceWorker{
		writer:    writer,
		inputChan: inputChan,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns nil when the input channel is closed and
// ctx.Err() on cancellation, flushing what it holds either way.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]CoreOutput, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.finalFlush(batch)
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush(batch)
				return nil
			}
			batch = append(batch, output)
			if len(batch) < pw.cfg.BatchSize {
				continue
			}
			if err := pw.flushWithRetry(ctx, batch); err != nil {
				pw.finalFlush(batch)
				return err
			}
			batch = batch[:0]
			timer.Reset(pw.cfg.FlushTimeout)

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.finalFlush(batch)
					return err
				}
				batch = batch[:0]
			}
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled. The worker never drops a batch on its own.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []CoreOutput) error {
	return retry.Do(
		func() error { return pw.flush(ctx, batch) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(pw.cfg.RetryDelay),
		retry.MaxDelay(pw.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.logger.Warn().Err(err).Uint("attempt", n+1).Int("commits", len(batch)).
				Msg("persistence flush failed, retrying")
		}),
	)
}

// finalFlush makes one last attempt with a fresh context after shutdown.
// Anything it cannot write is recovered by WAL replay on the next start.
func (pw *PersistenceWorker) finalFlush(batch []CoreOutput) {
	if len(batch) == 0 {
		return
	}
	timeout := pw.cfg.FinalFlushTimeout
	if timeout <= 0 {
		timeout = DefaultWorkerConfig().FinalFlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := pw.flush(ctx, batch); err != nil {
		pw.logger.Error().Err(err).Int("commits", len(batch)).Msg("final flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []CoreOutput) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, batch); err != nil {
		return err
	}

	if pw.metrics != nil {
		events := 0
		var last int64
		for _, o := range batch {
			events += len(o.Events)
			if n := len(o.Events); n > 0 {
				last = o.Events[n-1].Sequence
			}
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(events))
		pw.metrics.PersistEventsWritten.Add(float64(events))
		if last > 0 {
			pw.metrics.PersistLastSequence.Set(float64(last))
		}
	}
	return nil
}
