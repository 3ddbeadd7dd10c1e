// Package journal records undo entries for every state mutation so that a
// batch, a record or a single liquidation execution can be rolled back to a
// mark without copying state.
package journal

// Mark is a position in the journal.
type Mark int

// Journal is an append-only list of undo closures.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type Journal struct {
	entries []func()
}

func New() *Journal {
	return &Journal{entries: make([]func(), 0, 256)}
}

// Mark returns the current position.
func (j *Journal) Mark() Mark {
	if j == nil {
		return 0
	}
	return Mark(len(j.entries))
}

// Record appends an undo closure. A nil journal records nothing.
func (j *Journal) Record(undo func()) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// RevertTo undoes every mutation recorded after m, newest first.
func (j *Journal) RevertTo(m Mark) {
	if j == nil {
		return
	}
	for i := len(j.entries) - 1; i >= int(m); i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	if int(m) < len(j.entries) {
		j.entries = j.entries[:m]
	}
}

// Commit forgets all recorded entries; the mutations become permanent.
func (j *Journal) Commit() {
	if j == nil {
		return
	}
	clear(j.entries)
	j.entries = j.entries[:0]
}

// Len returns the number of undo entries currently held.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// Set writes m[k] = v and records how to restore the previous entry
// (including its absence).
func Set[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	m[k] = v
	j.Record(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

// Delete removes m[k] and records how to restore it.
func Delete[K comparable, V any](j *Journal, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	delete(m, k)
	j.Record(func() { m[k] = prev })
}

// Assign writes *p = v and records the previous value.
func Assign[V any](j *Journal, p *V, v V) {
	prev := *p
	*p = v
	j.Record(func() { *p = prev })
}
