package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

// TestWallSpoof_S4 mirrors spec.md §8 S4: a bid@99.0 size=500 level appears
// against a band median of ~20 (X=10), then shrinks to 10 within 400ms with
// no trade at <=99.0 in the interval (T2=1000ms). Expect a single SPOOF
// event for (buy, 99.0).
func TestWallSpoof_S4(t *testing.T) {
	const t0 = int64(1_700_000_000_000)
	fb := broker.NewFake()
	w := NewWallSpoofWorker("bybit", "BTCUSDT", 10.0, 0, fb, "c1", zeroLogger())
	ctx := context.Background()

	// Establish a band median of 20 with plain history samples.
	for i := 0; i < 5; i++ {
		dom := model.DOM{
			TsMs: t0 - int64(5-i)*1000,
			Bids: []model.Level{{Price: 99.0, Size: 20}},
			Asks: []model.Level{{Price: 100.0, Size: 20}},
		}
		w.ObserveDOM(ctx, dom)
	}

	// The wall appears.
	w.ObserveDOM(ctx, model.DOM{
		TsMs: t0,
		Bids: []model.Level{{Price: 99.0, Size: 500}},
		Asks: []model.Level{{Price: 100.0, Size: 20}},
	})
	st := w.levels[wallLevelKey{Side: model.SideBuy, Price: 99.0}]
	require.NotNil(t, st)
	require.True(t, st.wallEmitted)
	require.False(t, st.spoofEmitted)

	// It shrinks without being traded through.
	w.ObserveDOM(ctx, model.DOM{
		TsMs: t0 + 400,
		Bids: []model.Level{{Price: 99.0, Size: 10}},
		Asks: []model.Level{{Price: 100.0, Size: 20}},
	})
	require.True(t, st.spoofEmitted)
}

func TestWallSpoof_NoSpoofWhenTradedThrough(t *testing.T) {
	const t0 = int64(1_700_000_000_000)
	fb := broker.NewFake()
	w := NewWallSpoofWorker("bybit", "BTCUSDT", 10.0, 0, fb, "c1", zeroLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		w.ObserveDOM(ctx, model.DOM{
			TsMs: t0 - int64(5-i)*1000,
			Bids: []model.Level{{Price: 99.0, Size: 20}},
		})
	}
	w.ObserveDOM(ctx, model.DOM{TsMs: t0, Bids: []model.Level{{Price: 99.0, Size: 500}}})
	st := w.levels[wallLevelKey{Side: model.SideBuy, Price: 99.0}]
	require.True(t, st.wallEmitted)

	w.IngestTrade(model.Trade{TsMs: t0 + 100, Side: model.SideSell, Price: 99.0, Size: 50})
	w.ObserveDOM(ctx, model.DOM{TsMs: t0 + 400, Bids: []model.Level{{Price: 99.0, Size: 10}}})

	require.False(t, st.spoofEmitted)
}
