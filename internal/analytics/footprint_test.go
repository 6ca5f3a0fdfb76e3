package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

// TestFootprint_S3BarClose mirrors spec.md §8 S3 exactly.
func TestFootprint_S3BarClose(t *testing.T) {
	const t0 = int64(1_700_000_000_000)
	w := NewFootprintWorker("bybit", "BTCUSDT", 60_000, 3.0, broker.NewFake(), "c1", zeroLogger())

	w.Ingest(model.Trade{TsMs: t0 + 5, Side: model.SideBuy, Price: 100.0, Size: 2})
	w.Ingest(model.Trade{TsMs: t0 + 6, Side: model.SideSell, Price: 100.0, Size: 1})
	w.Ingest(model.Trade{TsMs: t0 + 100, Side: model.SideBuy, Price: 100.5, Size: 4})

	bar := BuildFootprintBar(t0, t0+60_000, w.bars[t0], w.ImbalanceRatio)

	require.Len(t, bar.Levels, 2)
	require.Equal(t, 100.0, bar.Levels[0].Price)
	require.Equal(t, 1.0, bar.Levels[0].VolBid)
	require.Equal(t, 2.0, bar.Levels[0].VolAsk)
	require.Equal(t, 1.0, bar.Levels[0].Delta)

	require.Equal(t, 100.5, bar.Levels[1].Price)
	require.Equal(t, 0.0, bar.Levels[1].VolBid)
	require.Equal(t, 4.0, bar.Levels[1].VolAsk)
	require.Equal(t, 4.0, bar.Levels[1].Delta)

	require.NotNil(t, bar.POCPrice)
	require.Equal(t, 100.5, *bar.POCPrice)
}

func TestFootprint_LateTradeDroppedWithCounter(t *testing.T) {
	const t0 = int64(1_700_000_000_000)
	w := NewFootprintWorker("bybit", "BTCUSDT", 60_000, 3.0, broker.NewFake(), "c1", zeroLogger())

	w.Ingest(model.Trade{TsMs: t0, Side: model.SideBuy, Price: 100.0, Size: 1})
	w.closeDueBars(context.Background(), t0+60_000)
	require.Equal(t, int64(0), w.LateDropped())

	// A trade for the now-closed bar must never mutate it.
	closedBar := BuildFootprintBar(t0, t0+60_000, map[float64]*model.FootprintLevel{100.0: {Price: 100.0, VolAsk: 1, Delta: 1}}, 3.0)
	w.Ingest(model.Trade{TsMs: t0 + 10, Side: model.SideBuy, Price: 100.0, Size: 99})
	require.Equal(t, int64(1), w.LateDropped())
	require.Len(t, closedBar.Levels, 1)
	require.Equal(t, 1.0, closedBar.Levels[0].VolAsk)
}
