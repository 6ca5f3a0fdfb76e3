package analytics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/model"
)

func TestBinDOM_GroupsLevelsIntoBins(t *testing.T) {
	dom := model.DOM{
		Exchange: "bybit", Symbol: "BTCUSDT", TsMs: 1_700_000_000_000,
		Bids: []model.Level{{Price: 99.96, Size: 2}, {Price: 99.94, Size: 3}},
		Asks: []model.Level{{Price: 100.04, Size: 5}},
	}
	slice := BinDOM(dom, 0.1)

	require.Len(t, slice.Rows, 2)
	require.InDelta(t, 99.9, slice.Rows[0].Bin, 1e-9)
	require.Equal(t, 3.0, slice.Rows[0].VolBid)
	require.Equal(t, 0.0, slice.Rows[0].VolAsk)
	require.InDelta(t, 100.0, slice.Rows[1].Bin, 1e-9)
	require.Equal(t, 5.0, slice.Rows[1].VolAsk)
}

// TestBinDOM_Idempotent asserts re-binning the same snapshot with the same
// bin size always yields byte-identical rows (spec.md §8 property 5).
func TestBinDOM_Idempotent(t *testing.T) {
	dom := model.DOM{
		Exchange: "binance", Symbol: "ETHUSDT", TsMs: 42,
		Bids: []model.Level{{Price: 10.03, Size: 1}, {Price: 10.07, Size: 2}, {Price: 9.98, Size: 4}},
		Asks: []model.Level{{Price: 10.12, Size: 3}, {Price: 10.18, Size: 1}},
	}
	a := BinDOM(dom, 0.05)
	b := BinDOM(dom, 0.05)
	require.Equal(t, a, b)
}
