package ingestor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/exchange"
	"github.com/sawpanic/orderflow/internal/model"
)

// stubAdapter is a scripted exchange.Adapter for ingestor tests: it serves
// one fixed snapshot and replays a fixed event sequence on Subscribe.
type stubAdapter struct {
	snapshot    model.DOM
	snapshotErr error
	events      []exchange.CanonicalEvent
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.DOM, error) {
	if s.snapshotErr != nil {
		return model.DOM{}, s.snapshotErr
	}
	return s.snapshot, nil
}

func (s *stubAdapter) Subscribe(ctx context.Context, symbol string, feeds []string) (<-chan exchange.CanonicalEvent, error) {
	out := make(chan exchange.CanonicalEvent, len(s.events)+1)
	for _, ev := range s.events {
		out <- ev
	}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

var _ exchange.Adapter = (*stubAdapter)(nil)

func delta(updateID, prevUpdateID int64, bids, asks []model.Level) exchange.CanonicalEvent {
	return exchange.CanonicalEvent{Kind: exchange.KindDelta, Delta: &model.Delta{
		UpdateID: updateID, PrevUpdateID: prevUpdateID, Bids: bids, Asks: asks,
	}}
}

func readDOM(t *testing.T, msgs []broker.Message) model.DOM {
	t.Helper()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	var dom model.DOM
	require.NoError(t, json.Unmarshal([]byte(last.Fields["payload"].(string)), &dom))
	return dom
}

// TestIngestor_S1DOMApply mirrors spec.md §8 S1: a snapshot plus one
// continuity-preserving delta converges to the expected book.
func TestIngestor_S1DOMApply(t *testing.T) {
	adapter := &stubAdapter{
		snapshot: model.DOM{
			Exchange: "bybit", Symbol: "BTCUSDT", UpdateID: 10,
			Bids: []model.Level{{Price: 100, Size: 5}, {Price: 99, Size: 3}},
			Asks: []model.Level{{Price: 101, Size: 2}, {Price: 102, Size: 4}},
		},
		events: []exchange.CanonicalEvent{
			delta(11, 10, []model.Level{{Price: 99, Size: 0}, {Price: 98, Size: 7}}, nil),
		},
	}
	fake := broker.NewFake()
	ig := New(adapter, fake, Config{Exchange: "bybit", Symbol: "BTCUSDT", Feeds: []string{"book"}}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = ig.Run(ctx)

	msgs, err := fake.StreamRange(context.Background(), "dom:bybit:BTCUSDT", "", "", 100)
	require.NoError(t, err)
	dom := readDOM(t, msgs)
	require.Equal(t, int64(11), dom.UpdateID)
	require.Equal(t, []model.Level{{Price: 100, Size: 5}, {Price: 98, Size: 7}}, dom.Bids)
	require.Equal(t, []model.Level{{Price: 101, Size: 2}, {Price: 102, Size: 4}}, dom.Asks)
}

// TestIngestor_S2GapTriggersResnapshot mirrors spec.md §8 S2: a missing
// update-id must never be silently applied, and must mark the ingestor as
// having resnapshotted.
func TestIngestor_S2GapTriggersResnapshot(t *testing.T) {
	adapter := &stubAdapter{
		snapshot: model.DOM{
			Exchange: "bybit", Symbol: "BTCUSDT", UpdateID: 10,
			Bids: []model.Level{{Price: 100, Size: 5}},
			Asks: []model.Level{{Price: 101, Size: 2}},
		},
		events: []exchange.CanonicalEvent{
			delta(11, 10, nil, nil),
			delta(13, 12, []model.Level{{Price: 97, Size: 1}}, nil), // gap: prev should be 11
		},
	}
	fake := broker.NewFake()
	ig := New(adapter, fake, Config{Exchange: "bybit", Symbol: "BTCUSDT", Feeds: []string{"book"}}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = ig.Run(ctx)

	status := ig.Status()
	require.GreaterOrEqual(t, len(ig.resnapshotLog), 1)
	_ = status

	msgs, err := fake.StreamRange(context.Background(), "dom:bybit:BTCUSDT", "", "", 100)
	require.NoError(t, err)
	for _, m := range msgs {
		var dom model.DOM
		require.NoError(t, json.Unmarshal([]byte(m.Fields["payload"].(string)), &dom))
		for _, lv := range dom.Bids {
			require.NotEqual(t, 97.0, lv.Price, "gap delta must never be applied")
		}
	}
}

func TestIngestor_PassthroughTradeForwardedImmediately(t *testing.T) {
	adapter := &stubAdapter{
		snapshot: model.DOM{Exchange: "bybit", Symbol: "BTCUSDT", UpdateID: 1},
		events: []exchange.CanonicalEvent{
			{Kind: exchange.KindTrade, Trade: &model.Trade{Exchange: "bybit", Symbol: "BTCUSDT", TradeID: "t1", Side: model.SideBuy, Price: 100, Size: 1}},
		},
	}
	fake := broker.NewFake()
	ig := New(adapter, fake, Config{Exchange: "bybit", Symbol: "BTCUSDT", Feeds: []string{"book", "trades"}}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = ig.Run(ctx)

	msgs, err := fake.StreamRange(context.Background(), "trades:bybit:BTCUSDT", "", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
