package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

// TestIceberg_S6 mirrors spec.md §8 S6: visible size at bid@100.0 stays
// ~5 across 10 DOM samples while trades consume 120 at that price; with
// K=5, R=3 expect one ICEBERG event for (buy, 100.0).
func TestIceberg_S6(t *testing.T) {
	const t0 = int64(1_700_000_000_000)
	fb := broker.NewFake()
	w := NewIcebergWorker("bybit", "BTCUSDT", 5.0, 3, 0, fb, "c1", zeroLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ts := t0 + int64(i)*4000
		size := 5.0
		if i%2 == 1 {
			size = 5.5 // replenishment bump above the prior sample
		}
		dom := model.DOM{
			TsMs: ts,
			Bids: []model.Level{{Price: 100.0, Size: size}},
			Asks: []model.Level{{Price: 101.0, Size: 10}},
		}
		w.ObserveDOM(ctx, dom)

		// consume 12 per sample -> 120 total across the 10 samples
		w.IngestTrade(ctx, model.Trade{TsMs: ts + 1, Side: model.SideSell, Price: 100.0, Size: 12})
	}

	k := icebergKey{Side: model.SideBuy, Price: 100.0}
	st := w.states[k]
	require.NotNil(t, st)
	require.True(t, st.emitted)
	require.GreaterOrEqual(t, st.replenishCount, 3)
	require.Equal(t, 120.0, st.consumedVolume)
}

func TestIceberg_GCDropsInactiveState(t *testing.T) {
	const t0 = int64(1_700_000_000_000)
	w := NewIcebergWorker("bybit", "BTCUSDT", 5.0, 3, 10*time.Second, broker.NewFake(), "c1", zeroLogger())
	w.states[icebergKey{Side: model.SideBuy, Price: 100.0}] = &icebergState{lastSeenMs: t0}

	w.gc(t0 + 5_000)
	require.Len(t, w.states, 1)

	w.gc(t0 + 20_000)
	require.Len(t, w.states, 0)
}
