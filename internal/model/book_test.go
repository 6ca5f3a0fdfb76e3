package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/errs"
)

// S1 from spec.md §8: snapshot then one delta.
func TestBook_S1DOMApply(t *testing.T) {
	b := NewBook("bybit", "BTCUSDT")
	b.LoadSnapshot(DOM{
		TsMs:     1000,
		UpdateID: 10,
		Bids:     []Level{{Price: 100, Size: 5}, {Price: 99, Size: 3}},
		Asks:     []Level{{Price: 101, Size: 2}, {Price: 102, Size: 4}},
	})

	err := b.ApplyDelta(Delta{
		UpdateID:     11,
		PrevUpdateID: 10,
		Bids:         []Level{{Price: 99, Size: 0}, {Price: 98, Size: 7}},
	}, 1001)
	require.NoError(t, err)

	snap := b.Snapshot(DefaultTopN)
	assert.Equal(t, []Level{{Price: 100, Size: 5}, {Price: 98, Size: 7}}, snap.Bids)
	assert.Equal(t, []Level{{Price: 101, Size: 2}, {Price: 102, Size: 4}}, snap.Asks)
	assert.Equal(t, int64(11), snap.UpdateID)
}

// S2 from spec.md §8: a gap must be detected and the delta rejected.
func TestBook_S2GapDetection(t *testing.T) {
	b := NewBook("bybit", "BTCUSDT")
	b.LoadSnapshot(DOM{
		UpdateID: 10,
		Bids:     []Level{{Price: 100, Size: 5}},
		Asks:     []Level{{Price: 101, Size: 2}},
	})

	require.NoError(t, b.ApplyDelta(Delta{UpdateID: 11, PrevUpdateID: 10}, 0))

	err := b.ApplyDelta(Delta{UpdateID: 13, PrevUpdateID: 12, Bids: []Level{{Price: 97, Size: 1}}}, 0)
	require.Error(t, err)
	var gapErr *errs.SequenceGapError
	require.ErrorAs(t, err, &gapErr)

	// book must be untouched by the rejected delta
	assert.Equal(t, int64(11), b.LastUpdateID())
	_, ok := b.VisibleSizeAt(SideBuy, 97)
	assert.False(t, ok)
}

func TestBook_InvariantViolation(t *testing.T) {
	b := NewBook("okx", "BTC-USDT-SWAP")
	b.LoadSnapshot(DOM{UpdateID: 1, Bids: []Level{{Price: 100, Size: 1}}, Asks: []Level{{Price: 101, Size: 1}}})

	err := b.ApplyDelta(Delta{UpdateID: 2, PrevUpdateID: 1, Bids: []Level{{Price: 102, Size: 1}}}, 0)
	require.Error(t, err)
	var inv *errs.InvariantViolation
	require.ErrorAs(t, err, &inv)
}

func TestLadder_NoDuplicatesNoZeroSizes(t *testing.T) {
	l := NewLadder(true)
	l.Upsert(100, 5)
	l.Upsert(100, 8) // replace, not duplicate
	l.Upsert(99, 3)
	l.Upsert(99, 0) // remove
	assert.Equal(t, []Level{{Price: 100, Size: 8}}, l.TopN(10))
}

func TestLadder_TopNTruncation(t *testing.T) {
	l := NewLadder(false)
	for i := 0; i < 300; i++ {
		l.Upsert(float64(i), 1)
	}
	top := l.TopN(DefaultTopN)
	assert.Len(t, top, DefaultTopN)
	assert.Equal(t, float64(0), top[0].Price)
}
