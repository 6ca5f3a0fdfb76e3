package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

func TestTapeWorker_EmitSumsVolumeBySideWithinWindow(t *testing.T) {
	fb := broker.NewFake()
	w := NewTapeWorker("bybit", "BTCUSDT", 10*time.Second, fb, "c1", zeroLogger())

	now := time.Now().UnixMilli()
	w.trades = []model.Trade{
		{TsMs: now, Side: model.SideBuy, Price: 100, Size: 2},
		{TsMs: now, Side: model.SideSell, Price: 100, Size: 1},
		{TsMs: now - 20_000, Side: model.SideBuy, Price: 99, Size: 50}, // outside the 10s window
	}

	w.emit(context.Background())

	require.Len(t, w.trades, 2)

	msgs, err := fb.StreamRange(context.Background(), "tape:bybit:BTCUSDT", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	agg, err := decodeTapeAggregate(msgs[0].Fields["payload"].(string))
	require.NoError(t, err)
	require.Equal(t, 2.0, agg.BuyVolume)
	require.Equal(t, 1.0, agg.SellVolume)
}

func TestTapeWorker_DefaultWindowAppliedWhenZero(t *testing.T) {
	w := NewTapeWorker("bybit", "BTCUSDT", 0, broker.NewFake(), "c1", zeroLogger())
	require.Equal(t, DefaultTapeWindow, w.Window)
}
