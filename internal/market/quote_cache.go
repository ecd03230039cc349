package market

import (
	"sync"
	"time"
)

// QuoteCache holds the latest quote per symbol. Single writer (the feed
// adapter), many readers. All accessors copy values out, so a snapshot
// taken by one component is immutable from its point of view.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		quotes: make(map[string]Quote),
	}
}

// Update stores a quote, normalizing change-percent first. Zero-price
// quotes are ignored so a bad tick cannot wipe a good snapshot.
func (qc *QuoteCache) Update(q Quote) {
	if q.Symbol == "" || q.LTP <= 0 {
		return
	}
	q.Normalize()
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}

	qc.mu.Lock()
	qc.quotes[q.Symbol] = q
	qc.mu.Unlock()
}

// UpdateBatch stores a batch of quotes under a single lock acquisition.
func (qc *QuoteCache) UpdateBatch(quotes []Quote) {
	now := time.Now()

	qc.mu.Lock()
	defer qc.mu.Unlock()
	for _, q := range quotes {
		if q.Symbol == "" || q.LTP <= 0 {
			continue
		}
		q.Normalize()
		if q.Timestamp.IsZero() {
			q.Timestamp = now
		}
		qc.quotes[q.Symbol] = q
	}
}

// Get returns the quote for one symbol.
func (qc *QuoteCache) Get(symbol string) (Quote, bool) {
	qc.mu.RLock()
	defer qc.mu.RUnlock()
	q, ok := qc.quotes[symbol]
	return q, ok
}

// LTP returns the last traded price for one symbol.
func (qc *QuoteCache) LTP(symbol string) (float64, bool) {
	q, ok := qc.Get(symbol)
	if !ok {
		return 0, false
	}
	return q.LTP, true
}

// Snapshot copies the whole cache. Callers own the returned map.
func (qc *QuoteCache) Snapshot() map[string]Quote {
	qc.mu.RLock()
	defer qc.mu.RUnlock()

	out := make(map[string]Quote, len(qc.quotes))
	for sym, q := range qc.quotes {
		out[sym] = q
	}
	return out
}

// Symbols lists the symbols currently cached.
func (qc *QuoteCache) Symbols() []string {
	qc.mu.RLock()
	defer qc.mu.RUnlock()

	out := make([]string, 0, len(qc.quotes))
	for sym := range qc.quotes {
		out = append(out, sym)
	}
	return out
}

// Len returns the number of cached symbols.
func (qc *QuoteCache) Len() int {
	qc.mu.RLock()
	defer qc.mu.RUnlock()
	return len(qc.quotes)
}

// LastUpdate returns the newest quote timestamp in the cache. Used for
// feed-gap detection.
func (qc *QuoteCache) LastUpdate() time.Time {
	qc.mu.RLock()
	defer qc.mu.RUnlock()

	var latest time.Time
	for _, q := range qc.quotes {
		if q.Timestamp.After(latest) {
			latest = q.Timestamp
		}
	}
	return latest
}
