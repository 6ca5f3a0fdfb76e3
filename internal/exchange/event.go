// Package exchange defines the per-venue adapter contract of SPEC_FULL.md
// §5.2 (spec.md §4.2): venue wire-to-canonical translation, WebSocket
// subscription with reconnect, and REST snapshot fetch.
package exchange

import (
	"context"
	"time"

	"github.com/sawpanic/orderflow/internal/model"
)

// EventKind discriminates CanonicalEvent, per spec.md §9's tagged-variant
// redesign of the source's runtime-typed message envelopes: decoders fail
// fast on unknown kinds rather than silently accepting arbitrary fields.
type EventKind string

const (
	KindSnapshot    EventKind = "snapshot"
	KindDelta       EventKind = "delta"
	KindTrade       EventKind = "trade"
	KindKline       EventKind = "kline"
	KindOpenInterest EventKind = "open_interest"
	KindLiquidation EventKind = "liquidation"
)

// CanonicalEvent is one normalized message from a venue adapter.
type CanonicalEvent struct {
	Kind        EventKind
	Snapshot    *model.DOM
	Delta       *model.Delta
	Trade       *model.Trade
	Kline       *model.Kline
	OpenInterest *model.OpenInterest
	Liquidation *model.Liquidation
}

// Adapter is the per-venue contract every exchange implementation satisfies.
type Adapter interface {
	// Name returns the venue identifier (e.g. "bybit").
	Name() string

	// Subscribe opens the venue WebSocket feed for symbol across feeds
	// ("book", "trades", "kline", "liquidations") and streams
	// CanonicalEvents until ctx is cancelled. The bybit, binance and okx
	// adapters ignore any other feed name, including "open_interest", so
	// none of them emits KindOpenInterest events. Reconnects internally
	// on socket close with exponential backoff and full jitter.
	Subscribe(ctx context.Context, symbol string, feeds []string) (<-chan CanonicalEvent, error)

	// FetchSnapshot retrieves a REST order-book snapshot at the
	// venue-recommended depth.
	FetchSnapshot(ctx context.Context, symbol string, depth int) (model.DOM, error)
}

// Backoff parameters shared by every adapter's reconnect loop, per
// spec.md §4.2 ("exponential backoff, base 1 s, cap 30 s, full jitter").
const (
	BackoffBase = time.Second
	BackoffCap  = 30 * time.Second
)

// RESTSnapshotTimeout is the deadline for a REST snapshot request, per
// spec.md §5.
const RESTSnapshotTimeout = 10 * time.Second

// WSIdleReadTimeout is the deadline for an idle WebSocket read, per
// spec.md §5.
const WSIdleReadTimeout = 30 * time.Second
