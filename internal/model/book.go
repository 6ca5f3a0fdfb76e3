package model

import (
	"sort"

	"github.com/sawpanic/orderflow/internal/errs"
)

// Ladder is one side of an order book: a price-sorted slice of levels kept
// sorted on every upsert/remove via binary search, giving O(log N) lookup
// and, for the common case of an update to an existing or near-existing
// level, O(log N) amortized maintenance (matching spec.md §4.3's O(log N)
// requirement); a fresh price insertion still shifts the tail of the slice,
// same tradeoff every adapter in the teacher repo accepts for order-book
// storage (e.g. exchanges/binance/book.go) in exchange for simplicity and
// cache-friendliness over a tree/skiplist.
type Ladder struct {
	levels []Level
	desc   bool // true for bids (descending), false for asks (ascending)
}

func NewLadder(desc bool) *Ladder {
	return &Ladder{desc: desc}
}

// search returns the index of the exact price match if present, otherwise
// the index at which price must be inserted to keep the ladder sorted.
func (l *Ladder) search(price float64) int {
	if l.desc {
		return sort.Search(len(l.levels), func(i int) bool {
			return l.levels[i].Price <= price
		})
	}
	return sort.Search(len(l.levels), func(i int) bool {
		return l.levels[i].Price >= price
	})
}

// Upsert inserts or replaces the level at price. size == 0 removes it.
func (l *Ladder) Upsert(price, size float64) {
	if size == 0 {
		l.Remove(price)
		return
	}
	i := l.search(price)
	if i < len(l.levels) && l.levels[i].Price == price {
		l.levels[i].Size = size
		return
	}
	l.levels = append(l.levels, Level{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = Level{Price: price, Size: size}
}

// Remove deletes the level at price, if present.
func (l *Ladder) Remove(price float64) {
	i := l.search(price)
	if i < len(l.levels) && l.levels[i].Price == price {
		l.levels = append(l.levels[:i], l.levels[i+1:]...)
	}
}

// TopN returns up to n levels, best-first.
func (l *Ladder) TopN(n int) []Level {
	if n <= 0 || n > len(l.levels) {
		n = len(l.levels)
	}
	out := make([]Level, n)
	copy(out, l.levels[:n])
	return out
}

// Len returns the number of levels currently resting.
func (l *Ladder) Len() int { return len(l.levels) }

// At returns the level at index i (0 = best).
func (l *Ladder) At(i int) (Level, bool) {
	if i < 0 || i >= len(l.levels) {
		return Level{}, false
	}
	return l.levels[i], true
}

// Delta is one incremental order-book update, carrying the venue's raw
// sequence numbers untouched for gap detection (spec.md §4.3 step 5).
type Delta struct {
	UpdateID     int64
	PrevUpdateID int64
	Bids         []Level // Size == 0 means remove the level
	Asks         []Level
}

// Book is the mutable, authoritative order book for one instrument,
// maintained by exactly one ingestor task at a time (spec.md §3 ownership).
type Book struct {
	Exchange       string
	Symbol         string
	bids           *Ladder
	asks           *Ladder
	lastUpdateID   int64
	lastApplyTsMs  int64
}

// NewBook constructs an empty book for (exchange, symbol).
func NewBook(exchange, symbol string) *Book {
	return &Book{
		Exchange: exchange,
		Symbol:   symbol,
		bids:     NewLadder(true),
		asks:     NewLadder(false),
	}
}

// LoadSnapshot replaces the book wholesale from a REST snapshot, the
// synchronization point of spec.md §4.3 step 2.
func (b *Book) LoadSnapshot(snap DOM) {
	b.bids = NewLadder(true)
	b.asks = NewLadder(false)
	for _, lv := range snap.Bids {
		if lv.Size > 0 {
			b.bids.Upsert(lv.Price, lv.Size)
		}
	}
	for _, lv := range snap.Asks {
		if lv.Size > 0 {
			b.asks.Upsert(lv.Price, lv.Size)
		}
	}
	b.lastUpdateID = snap.UpdateID
	b.lastApplyTsMs = snap.TsMs
}

// LastUpdateID returns the update-id of the most recently applied
// snapshot/delta.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// ApplyDelta applies one incremental delta, per spec.md §4.3 step 5: the
// delta's PrevUpdateID must equal the book's LastUpdateID, else a
// SequenceGapError is returned and the delta is NOT applied.
func (b *Book) ApplyDelta(d Delta, tsMs int64) error {
	if d.PrevUpdateID != b.lastUpdateID {
		return errs.SequenceGap(b.Exchange, b.Symbol, b.lastUpdateID, d.PrevUpdateID)
	}
	for _, lv := range d.Bids {
		b.bids.Upsert(lv.Price, lv.Size)
	}
	for _, lv := range d.Asks {
		b.asks.Upsert(lv.Price, lv.Size)
	}
	b.lastUpdateID = d.UpdateID
	b.lastApplyTsMs = tsMs

	if err := b.CheckInvariants(); err != nil {
		return err
	}
	return nil
}

// CheckInvariants verifies best_bid < best_ask (spec.md §3), returning an
// InvariantViolation otherwise. No-duplicate-price and zero-size-absent are
// structural guarantees of Ladder and never need runtime checking.
func (b *Book) CheckInvariants() error {
	bb, bbOK := b.bids.At(0)
	ba, baOK := b.asks.At(0)
	if bbOK && baOK && bb.Price >= ba.Price {
		return errs.Invariant(b.Exchange, b.Symbol, "best_bid >= best_ask")
	}
	return nil
}

// Snapshot produces an immutable DOM view truncated to topN per side
// (spec.md §4.3: "truncated to a configurable top-N, default 200").
func (b *Book) Snapshot(topN int) DOM {
	return DOM{
		Exchange: b.Exchange,
		Symbol:   b.Symbol,
		TsMs:     b.lastApplyTsMs,
		UpdateID: b.lastUpdateID,
		Bids:     b.bids.TopN(topN),
		Asks:     b.asks.TopN(topN),
	}
}

// VisibleSizeAt returns the currently resting size at price on the given
// side. ok is false if no
// level rests at that exact price.
func (b *Book) VisibleSizeAt(side Side, price float64) (size float64, ok bool) {
	var l *Ladder
	if side == SideBuy {
		l = b.bids
	} else {
		l = b.asks
	}
	i := l.search(price)
	if i < l.Len() {
		if lv, found := l.At(i); found && lv.Price == price {
			return lv.Size, true
		}
	}
	return 0, false
}

// DefaultTopN is the default DOM publish depth, per spec.md §4.3.
const DefaultTopN = 200
