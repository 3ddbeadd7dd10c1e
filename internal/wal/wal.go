// Package wal is the durable log of committed input: every sequencer batch
// and admin command that the core committed, in commit order. Replaying it
// through the core on startup rebuilds the in-memory state.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/observability"
)

const Codespace = "wal"

var (
	ErrCorruptEntry = errorsmod.Register(Codespace, 2, "corrupt wal entry")
	ErrEmptyEntry   = errorsmod.Register(Codespace, 3, "wal entry has no payload")
)

// Kind tags what an entry replays into.
type Kind uint8

const (
	KindBatch Kind = iota + 1
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindAdmin:
		return "admin"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is one committed unit of input.
type Entry struct {
	Index          uint64
	Kind           Kind
	BatchKey       string // batches only
	CommitSequence uint64
	StateHash      [32]byte // chain head after the commit
	Payload        []byte
}

var (
	entryPrefix = []byte("entry/")
	batchPrefix = []byte("batch/")
)

// Options configures Open. A nil FS means the OS filesystem.
type Options struct {
	FS vfs.FS
}

// Log is a pebble-backed append-only log. Appends are synced before they
// return.
type Log struct {
	mu      sync.Mutex
	db      *pebble.DB
	next    uint64
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func Open(dir string, opts Options, metrics *observability.Metrics, logger zerolog.Logger) (*Log, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", dir, err)
	}

	l := &Log{db: db, metrics: metrics, logger: logger}
	last, ok, err := l.lastIndex()
	if err != nil {
		db.Close()
		return nil, err
	}
	if ok {
		l.next = last + 1
	}
	logger.Info().Str("dir", dir).Uint64("entries", l.next).Msg("wal opened")
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes e at the next index and returns that index. The batch-key
// index is written in the same atomic pebble batch.
func (l *Log) Append(e Entry) (uint64, error) {
	if len(e.Payload) == 0 {
		return 0, ErrEmptyEntry
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Index = l.next
	b := l.db.NewBatch()
	defer b.Close()

	if err := b.Set(entryKey(e.Index), encodeEntry(e), nil); err != nil {
		return 0, err
	}
	if e.BatchKey != "" {
		if err := b.Set(batchKey(e.BatchKey), binary.BigEndian.AppendUint64(nil, e.Index), nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit wal entry %d: %w", e.Index, err)
	}
	l.next++

	if l.metrics != nil {
		l.metrics.WALAppends.WithLabelValues(e.Kind.String()).Inc()
	}
	return e.Index, nil
}

// HasBatch reports whether a batch with this key was logged.
func (l *Log) HasBatch(key string) (bool, error) {
	_, closer, err := l.db.Get(batchKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Len returns the number of entries written.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Replay calls fn for every entry in index order and stops at the first error.
func (l *Log) Replay(fn func(Entry) error) error {
	iter, err := l.db.NewIter(entryBounds())
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// RecentBatchKeys returns up to n of the newest batch keys, oldest first.
func (l *Log) RecentBatchKeys(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	iter, err := l.db.NewIter(entryBounds())
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.Last(); iter.Valid() && len(keys) < n; iter.Prev() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		if e.BatchKey != "" {
			keys = append(keys, e.BatchKey)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

// Last returns the newest entry, if any.
func (l *Log) Last() (Entry, bool, error) {
	iter, err := l.db.NewIter(entryBounds())
	if err != nil {
		return Entry{}, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return Entry{}, false, iter.Error()
	}
	e, err := decodeEntry(iter.Key(), iter.Value())
	return e, err == nil, err
}

func (l *Log) lastIndex() (uint64, bool, error) {
	iter, err := l.db.NewIter(entryBounds())
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, false, iter.Error()
	}
	idx, err := parseEntryKey(iter.Key())
	return idx, err == nil, err
}

// --- encoding ---

func entryKey(index uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), entryPrefix...), index)
}

func parseEntryKey(key []byte) (uint64, error) {
	if len(key) != len(entryPrefix)+8 {
		return 0, errorsmod.Wrapf(ErrCorruptEntry, "key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(entryPrefix):]), nil
}

func batchKey(key string) []byte {
	return append(append([]byte(nil), batchPrefix...), key...)
}

func entryBounds() *pebble.IterOptions {
	upper := append([]byte(nil), entryPrefix...)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: entryPrefix, UpperBound: upper}
}

// value layout: kind u8 | commitSeq u64 | stateHash [32] | keyLen u16 | key | payload
const headerSize = 1 + 8 + 32 + 2

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, headerSize+len(e.BatchKey)+len(e.Payload))
	buf = append(buf, byte(e.Kind))
	buf = binary.BigEndian.AppendUint64(buf, e.CommitSequence)
	buf = append(buf, e.StateHash[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.BatchKey)))
	buf = append(buf, e.BatchKey...)
	return append(buf, e.Payload...)
}

func decodeEntry(key, value []byte) (Entry, error) {
	idx, err := parseEntryKey(key)
	if err != nil {
		return Entry{}, err
	}
	if len(value) < headerSize {
		return Entry{}, errorsmod.Wrapf(ErrCorruptEntry, "entry %d: %d bytes", idx, len(value))
	}
	e := Entry{
		Index:          idx,
		Kind:           Kind(value[0]),
		CommitSequence: binary.BigEndian.Uint64(value[1:9]),
	}
	copy(e.StateHash[:], value[9:41])
	keyLen := int(binary.BigEndian.Uint16(value[41:43]))
	rest := value[headerSize:]
	if len(rest) < keyLen {
		return Entry{}, errorsmod.Wrapf(ErrCorruptEntry, "entry %d: key overruns value", idx)
	}
	e.BatchKey = string(rest[:keyLen])
	// iterator memory is reused on the next step
	e.Payload = append([]byte(nil), rest[keyLen:]...)
	return e, nil
}
