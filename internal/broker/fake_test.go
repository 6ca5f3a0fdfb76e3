package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_StreamAppendAndRange(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	_, err := f.StreamAppend(ctx, "dom:bybit:BTCUSDT", map[string]interface{}{"a": "1"}, 0)
	require.NoError(t, err)
	_, err = f.StreamAppend(ctx, "dom:bybit:BTCUSDT", map[string]interface{}{"a": "2"}, 0)
	require.NoError(t, err)

	msgs, err := f.StreamRange(ctx, "dom:bybit:BTCUSDT", "-", "+", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFake_StreamAppendTrims(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := f.StreamAppend(ctx, "trades:bybit:BTCUSDT", map[string]interface{}{"i": i}, 3)
		require.NoError(t, err)
	}
	msgs, _ := f.StreamRange(ctx, "trades:bybit:BTCUSDT", "-", "+", 100)
	assert.LessOrEqual(t, len(msgs), 3)
}

func TestFake_ConsumerGroupReadDoesNotRedeliverAcrossCalls(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.StreamAppend(ctx, "s1", map[string]interface{}{"i": i}, 0)
		require.NoError(t, err)
	}

	first, err := f.StreamReadGroup(ctx, "g1", "c1", []string{"s1"}, time.Second, 3)
	require.NoError(t, err)
	assert.Len(t, first["s1"], 3)

	second, err := f.StreamReadGroup(ctx, "g1", "c1", []string{"s1"}, time.Second, 10)
	require.NoError(t, err)
	assert.Len(t, second["s1"], 2)
}

func TestFake_KVSetGetTTL(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.KVSet(ctx, "dom:bybit:BTCUSDT", []byte("snap"), 20*time.Millisecond))
	v, ok, err := f.KVGet(ctx, "dom:bybit:BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "snap", string(v))

	time.Sleep(30 * time.Millisecond)
	_, ok, err = f.KVGet(ctx, "dom:bybit:BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFake_PubSubDeliversToSubscribers(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, closeFn, err := f.SubscribePubSub(ctx, "dom:bybit:BTCUSDT")
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, f.PublishPubSub(ctx, "dom:bybit:BTCUSDT", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pubsub message")
	}
}
