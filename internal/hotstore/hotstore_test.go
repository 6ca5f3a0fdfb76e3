package hotstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

func appendPayload(t *testing.T, fake *broker.Fake, stream string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = fake.StreamAppend(context.Background(), stream, map[string]interface{}{"payload": string(b)}, 1000)
	require.NoError(t, err)
}

func TestStore_DOMSnapshotThenPubSub(t *testing.T) {
	fake := broker.NewFake()
	instr := Instrument{Exchange: "bybit", Symbol: "BTCUSDT"}
	store := New(fake, []Instrument{instr}, "c1", zerolog.Nop())

	dom := model.DOM{Exchange: "bybit", Symbol: "BTCUSDT", UpdateID: 5, Bids: []model.Level{{Price: 100, Size: 1}}}
	appendPayload(t, fake, domStream(instr), dom)

	sub, unsub, err := fake.SubscribePubSub(context.Background(), domStream(instr))
	require.NoError(t, err)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() { _ = store.Run(ctx) }()

	select {
	case msg := <-sub:
		var got model.DOM
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		require.Equal(t, int64(5), got.UpdateID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dom pubsub message")
	}

	// allow the store's in-process state to settle
	time.Sleep(50 * time.Millisecond)
	got, ok := store.GetDOM("bybit", "BTCUSDT")
	require.True(t, ok)
	require.Equal(t, int64(5), got.UpdateID)
}

func TestStore_RecentTradesNewestFirst(t *testing.T) {
	fake := broker.NewFake()
	instr := Instrument{Exchange: "bybit", Symbol: "BTCUSDT"}
	store := New(fake, []Instrument{instr}, "c1", zerolog.Nop())

	appendPayload(t, fake, tradesStream(instr), model.Trade{TradeID: "1", Price: 100})
	appendPayload(t, fake, tradesStream(instr), model.Trade{TradeID: "2", Price: 101})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() { _ = store.Run(ctx) }()
	time.Sleep(150 * time.Millisecond)

	trades := store.RecentTrades("bybit", "BTCUSDT", 10)
	require.Len(t, trades, 2)
	require.Equal(t, "2", trades[0].TradeID)
	require.Equal(t, "1", trades[1].TradeID)
}

func TestStore_GetDOMUnknownInstrumentNotOK(t *testing.T) {
	store := New(broker.NewFake(), nil, "c1", zerolog.Nop())
	_, ok := store.GetDOM("bybit", "ETHUSDT")
	require.False(t, ok)
}
