package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
)

func TestExtractField_FullPayloadWhenFieldEmpty(t *testing.T) {
	out := extractField([]byte(`{"a":1}`), "")
	require.JSONEq(t, `{"a":1}`, string(out))
}

func TestExtractField_SingleFieldExtraction(t *testing.T) {
	out := extractField([]byte(`{"trend":0.5,"exhaustion":0.1}`), "trend")
	require.Equal(t, "0.5", string(out))
}

func TestExtractField_MissingFieldFallsBackToFullPayload(t *testing.T) {
	out := extractField([]byte(`{"trend":0.5}`), "missing")
	require.JSONEq(t, `{"trend":0.5}`, string(out))
}

func TestHandleWS_UnknownChannelClosesWith4400(t *testing.T) {
	br := broker.NewFake()
	s, err := NewServer(testWSConfig(), br, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?exchange=binance&symbol=BTCUSDT&channels=not_a_real_channel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4400, closeErr.Code)
}

func TestHandleWS_ValidSubscriptionReceivesDOMBootstrapThenStream(t *testing.T) {
	br := broker.NewFake()
	require.NoError(t, br.KVSet(context.Background(), "dom:binance:BTCUSDT", []byte(`{"bids":[]}`), time.Minute))

	s, err := NewServer(testWSConfig(), br, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?exchange=binance&symbol=BTCUSDT&channels=orderbook_realtime"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var dom domFrame
	require.NoError(t, json.Unmarshal(data, &dom))
	require.Equal(t, "dom", dom.Type)

	require.NoError(t, br.PublishPubSub(context.Background(), "dom:binance:BTCUSDT", []byte(`{"bids":[{"price":100,"size":1}]}`)))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var frame wireFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "orderbook_realtime", frame.Stream)
}

func testWSConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	return cfg
}
