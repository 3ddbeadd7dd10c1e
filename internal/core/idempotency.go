package core

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"

	"PerpSettlement/internal/observability"
)

// BatchKey identifies a batch by the SHA-256 of its framed payload. Two
// different batches can never share a payload, since their txIds differ.
func BatchKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// BatchDeduplicator implements two-tier deduplication of redelivered batches
// in front of the core. A redelivered batch would otherwise fail the strict
// txId check and abort.
type BatchDeduplicator struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: durable store (injected via interface)
	durable DurableChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DurableChecker is the cold-path lookup, backed by the WAL.
type DurableChecker interface {
	HasBatch(key string) (bool, error)
}

func NewBatchDeduplicator(capacity int, durable DurableChecker, metrics *observability.Metrics, logger zerolog.Logger) *BatchDeduplicator {
	return &BatchDeduplicator{
		lru:     NewIdempotencyLRU(capacity),
		durable: durable,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate checks if the batch has been accepted before (two-tier lookup)
func (d *BatchDeduplicator) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Tier 1: LRU check (hot path)
	if d.lru.Contains(key) {
		d.recordDuplicate("lru")
		return true
	}

	// Tier 2: WAL check (cold path)
	if d.durable != nil {
		dup, err := d.durable.HasBatch(key)
		if err != nil {
			// Not a duplicate as far as we know; the txId check still
			// rejects a real replay.
			d.logger.Warn().Err(err).Str("batch", key).Msg("durable dedup lookup failed")
			return false
		}
		if dup {
			d.recordDuplicate("wal")
			d.add(key)
			return true
		}
	}
	return false
}

// MarkProcessed adds key to the LRU after the batch was accepted.
func (d *BatchDeduplicator) MarkProcessed(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.add(key)
}

// Warm loads recently accepted keys, oldest first, after a restart.
func (d *BatchDeduplicator) Warm(keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.WarmFromKeys(keys)
	d.updateGauges(0)
}

func (d *BatchDeduplicator) add(key string) {
	before := d.lru.Evictions()
	d.lru.Add(key)
	d.updateGauges(d.lru.Evictions() - before)
}

func (d *BatchDeduplicator) recordDuplicate(tier string) {
	if d.metrics != nil {
		d.metrics.BatchDuplicates.WithLabelValues(tier).Inc()
	}
}

func (d *BatchDeduplicator) updateGauges(evicted int64) {
	if d.metrics == nil {
		return
	}
	d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	if evicted > 0 {
		d.metrics.DedupLRUEvictions.Add(float64(evicted))
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys. Not thread-safe; BatchDeduplicator
// serialises access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys in order, so the last one ends up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
