package core

import (
	"math"

	errorsmod "cosmossdk.io/errors"

	"PerpSettlement/internal/journal"
)

// SequenceValidator enforces strict sequencer txId ordering: record N of the
// stream must carry txId N. The counter is journaled so an aborted batch
// restores it.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	next    uint64
	journal *journal.Journal
	metrics *SequenceMetrics
}

func NewSequenceValidator(j *journal.Journal) *SequenceValidator {
	return &SequenceValidator{
		journal: j,
		metrics: NewSequenceMetrics(),
	}
}

// Validate checks txID against the expected counter without advancing it.
func (sv *SequenceValidator) Validate(txID uint32) error {
	return sv.ValidateAt(0, txID)
}

// ValidateAt checks the txId of the record offset positions after the next
// expected one, so a whole batch can be checked before it runs.
func (sv *SequenceValidator) ValidateAt(offset uint64, txID uint32) error {
	want := sv.next + offset
	if want > math.MaxUint32 {
		return errorsmod.Wrapf(ErrTxCounterExhausted, "counter %d", want)
	}
	got := uint64(txID)
	switch {
	case got == want:
		return nil
	case got < want:
		sv.metrics.RecordStale()
		return errorsmod.Wrapf(ErrTxIDMismatch, "stale txId %d, expected %d", got, want)
	default:
		sv.metrics.RecordGap(want, got)
		return errorsmod.Wrapf(ErrTxIDMismatch, "gap: txId %d, expected %d", got, want)
	}
}

// Advance consumes the current txId.
func (sv *SequenceValidator) Advance() {
	journal.Assign(sv.journal, &sv.next, sv.next+1)
}

// Expected returns the next txId the core will accept.
func (sv *SequenceValidator) Expected() uint64 {
	return sv.next
}

// SetExpected initializes the counter (used during recovery). Not journaled.
func (sv *SequenceValidator) SetExpected(next uint64) {
	sv.next = next
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks rejected txIds. Counts survive batch reverts.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps    int64
	stale   int64
	maxSeen uint64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{}
}

func (m *SequenceMetrics) RecordGap(expected, got uint64) {
	m.gaps++
	if got > m.maxSeen {
		m.maxSeen = got
	}
}

func (m *SequenceMetrics) RecordStale() {
	m.stale++
}

func (m *SequenceMetrics) Gaps() int64 {
	return m.gaps
}

func (m *SequenceMetrics) Stale() int64 {
	return m.stale
}

// MaxSeen is the highest txId that arrived ahead of the counter.
func (m *SequenceMetrics) MaxSeen() uint64 {
	return m.maxSeen
}
