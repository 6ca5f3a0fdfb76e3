package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

func newTestServer(t *testing.T, br broker.Broker) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0 // any free port, we only drive the router directly
	s, err := NewServer(cfg, br, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	return s
}

func TestHandleHealth_NoStatusSourceReturnsOK(t *testing.T) {
	s := newTestServer(t, broker.NewFake())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestHandleDOM_ReturnsStoredSnapshotVerbatim(t *testing.T) {
	br := broker.NewFake()
	s := newTestServer(t, br)
	require.NoError(t, br.KVSet(context.Background(), "dom:binance:BTCUSDT", []byte(`{"bids":[],"asks":[]}`), time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/dom/binance/BTCUSDT", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"bids":[],"asks":[]}`, rec.Body.String())
}

func TestHandleDOM_MissingReturns404(t *testing.T) {
	s := newTestServer(t, broker.NewFake())
	req := httptest.NewRequest(http.MethodGet, "/dom/binance/ETHUSDT", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTrades_ReturnsNewestFirst(t *testing.T) {
	br := broker.NewFake()
	ctx := context.Background()
	for i, price := range []float64{100, 101, 102} {
		tr := model.Trade{Exchange: "binance", Symbol: "BTCUSDT", TsMs: int64(i), TradeID: "t", Side: model.SideBuy, Price: price, Size: 1}
		b, err := json.Marshal(tr)
		require.NoError(t, err)
		_, err = br.StreamAppend(ctx, "trades:binance:BTCUSDT", map[string]interface{}{"payload": string(b)}, 0)
		require.NoError(t, err)
	}

	s := newTestServer(t, br)
	req := httptest.NewRequest(http.MethodGet, "/trades/binance/BTCUSDT", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []model.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	require.Equal(t, 102.0, out[0].Price)
	require.Equal(t, 100.0, out[2].Price)
}
