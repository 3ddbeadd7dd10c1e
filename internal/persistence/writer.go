package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpSettlement/internal/observability"
)

// CommitRow represents a row in event_log.commits.
type CommitRow struct {
	CommitSequence uint64
	TxCounter      uint64
	StateHash      []byte
	PrevHash       []byte
	EventCount     int
	Timestamp      time.Time
}

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventID        uuid.UUID
	CommitSequence uint64
	TxID           int64
	EventType      string
	PartitionKey   string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	Timestamp      time.Time
}

// CoreOutput mirrors one committed unit of the core in row form.
// The pipeline bridges core.CoreOutput into this.
type CoreOutput struct {
	Commit CommitRow
	Events []EventRow
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes committed units to Postgres using multi-row INSERT.
// Writes are idempotent: a unit replayed from the WAL after a crash conflicts
// on its primary keys and is skipped.
type EventLogWriter struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewEventLogWriter(db *sql.DB, metrics *observability.Metrics) *EventLogWriter {
	return &EventLogWriter{db: db, metrics: metrics}
}

// WriteBatch writes the commits and their events in one transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, outputs []CoreOutput) error {
	commits := make([]CommitRow, 0, len(outputs))
	var events []EventRow
	for _, o := range outputs {
		commits = append(commits, o.Commit)
		events = append(events, o.Events...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := writeCommits(ctx, tx, commits); err != nil {
		w.countError("write_commits")
		return err
	}
	if err := writeEvents(ctx, tx, events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}
	return nil
}

func (w *EventLogWriter) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

func writeCommits(ctx context.Context, ex execer, commits []CommitRow) error {
	if len(commits) == 0 {
		return nil
	}
	query, args := commitInsert(commits)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func writeEvents(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	query, args := eventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func commitInsert(commits []CommitRow) (string, []any) {
	const cols = 6
	values := make([]string, 0, len(commits))
	args := make([]any, 0, len(commits)*cols)
	for i, c := range commits {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			int64(c.CommitSequence), int64(c.TxCounter), c.StateHash, c.PrevHash,
			c.EventCount, c.Timestamp,
		)
	}

	query := `INSERT INTO event_log.commits
		(commit_sequence, tx_counter, state_hash, prev_hash, event_count, committed_at)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (commit_sequence) DO NOTHING"
	return query, args
}

func eventInsert(events []EventRow) (string, []any) {
	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventID.String(), int64(e.CommitSequence), e.TxID,
			e.EventType, e.PartitionKey, e.Payload, e.StateHash, e.Timestamp,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, commit_sequence, tx_id, event_type, partition_key, payload, state_hash, created_at)
		VALUES ` + strings.Join(values, ", ") +
		" ON CONFLICT (sequence) DO NOTHING"
	return query, args
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
