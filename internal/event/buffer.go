package event

import (
	"PerpSettlement/internal/journal"
)

// Pending is an emitted, not yet committed event.
type Pending struct {
	TxID  int64
	Event Event
}

// Buffer collects events for the current commit unit. Emission is journaled,
// so reverting a mark also drops the events raised after it.
type Buffer struct {
	journal *journal.Journal
	txID    int64
	pending []Pending
}

func NewBuffer(j *journal.Journal) *Buffer {
	return &Buffer{journal: j, txID: NoTx}
}

// SetTx tags subsequent events with the given sequencer txId.
func (b *Buffer) SetTx(txID int64) {
	if b == nil {
		return
	}
	b.txID = txID
}

// Emit appends an event. A nil buffer drops it.
func (b *Buffer) Emit(e Event) {
	if b == nil {
		return
	}
	n := len(b.pending)
	b.pending = append(b.pending, Pending{TxID: b.txID, Event: e})
	b.journal.Record(func() { b.pending = b.pending[:n] })
}

// Drain returns and clears the buffered events. Call only after the journal
// has been committed or reverted past every emission.
func (b *Buffer) Drain() []Pending {
	if b == nil {
		return nil
	}
	out := b.pending
	b.pending = nil
	b.txID = NoTx
	return out
}

// Peek returns the buffered events without clearing them. The slice must not
// be retained past the next Emit or Drain.
func (b *Buffer) Peek() []Pending {
	if b == nil {
		return nil
	}
	return b.pending
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.pending)
}
