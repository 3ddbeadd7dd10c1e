package projection

import (
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
)

// FundingEntry is one funding index move of a product.
type FundingEntry struct {
	Sequence              int64
	ProductIndex          uint8
	RateDelta             sdkmath.Int
	CumulativeFundingRate sdkmath.Int
	Timestamp             time.Time
}

// FundingHistory keeps the most recent funding updates per product in memory
// for the query API. Older entries live in projections.funding_history.
type FundingHistory struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint8][]FundingEntry
}

func NewFundingHistory(capacity int) *FundingHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &FundingHistory{
		capacity: capacity,
		entries:  make(map[uint8][]FundingEntry),
	}
}

// Record appends an entry, evicting the oldest once the product is at capacity.
func (h *FundingHistory) Record(e FundingEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[e.ProductIndex], e)
	if len(list) > h.capacity {
		list = append(list[:0:0], list[len(list)-h.capacity:]...)
	}
	h.entries[e.ProductIndex] = list
}

// Recent returns up to limit entries for a product, newest first.
func (h *FundingHistory) Recent(product uint8, limit int) []FundingEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[product]
	result := make([]FundingEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}
