// Package feed delivers live quotes into the quote cache. The Kite ticker
// adapter wraps the venue websocket; the simulated feed drives paper mode.
// The engine is the single consumer and the single writer of the cache.
package feed

import (
	"context"

	"zerodha-trading-engine/internal/market"
)

// Feed pushes quote snapshots. Implementations must close Updates() only
// after Start's context is cancelled and all sends have completed.
type Feed interface {
	// Start begins streaming until ctx is cancelled.
	Start(ctx context.Context) error
	// Updates is the stream of normalized quotes.
	Updates() <-chan market.Quote
	// Stop tears the connection down. Idempotent.
	Stop()
}
