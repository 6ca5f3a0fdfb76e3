package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBinanceMessage_Depth(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"U":10,"u":11,"pu":10,"b":[["100.0","5.0"]],"a":[["101.0","2.0"]]}}`)
	ev, err := parseBinanceMessage("BTCUSDT", raw)
	require.NoError(t, err)
	require.Equal(t, KindDelta, ev.Kind)
	require.NotNil(t, ev.Delta)
	require.Equal(t, int64(11), ev.Delta.UpdateID)
	require.Equal(t, int64(10), ev.Delta.PrevUpdateID)
	require.Len(t, ev.Delta.Bids, 1)
	require.Equal(t, 100.0, ev.Delta.Bids[0].Price)
}

func TestParseBinanceMessage_AggTrade(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@aggTrade","data":{"a":555,"p":"100.5","q":"0.25","T":1700000000000,"m":true}}`)
	ev, err := parseBinanceMessage("BTCUSDT", raw)
	require.NoError(t, err)
	require.Equal(t, KindTrade, ev.Kind)
	require.NotNil(t, ev.Trade)
	require.Equal(t, "555", ev.Trade.TradeID)
	// m=true means the buyer was the maker, so the aggressor was the seller.
	require.Equal(t, "sell", string(ev.Trade.Side))
}

func TestParseBinanceMessage_UnknownStream(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@markPrice","data":{}}`)
	_, err := parseBinanceMessage("BTCUSDT", raw)
	require.Error(t, err)
}

func TestParseBybitMessage_BookSnapshot(t *testing.T) {
	raw := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["100.0","5.0"]],"a":[["101.0","2.0"]],"u":10,"seq":1}}`)
	ev, err := parseBybitMessage(raw)
	require.NoError(t, err)
	require.Equal(t, KindSnapshot, ev.Kind)
	require.NotNil(t, ev.Snapshot)
	require.Equal(t, int64(10), ev.Snapshot.UpdateID)
}

func TestParseBybitMessage_BookDelta(t *testing.T) {
	raw := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["99.0","0"]],"a":[],"u":11,"seq":2}}`)
	ev, err := parseBybitMessage(raw)
	require.NoError(t, err)
	require.Equal(t, KindDelta, ev.Kind)
	require.Equal(t, int64(11), ev.Delta.UpdateID)
	require.Equal(t, int64(10), ev.Delta.PrevUpdateID)
}

func TestParseBybitMessage_Trade(t *testing.T) {
	raw := []byte(`{"topic":"publicTrade.BTCUSDT","ts":1700000000000,"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.5","p":"100.1","i":"abc123"}]}`)
	ev, err := parseBybitMessage(raw)
	require.NoError(t, err)
	require.Equal(t, KindTrade, ev.Kind)
	require.Equal(t, "buy", string(ev.Trade.Side))
	require.Equal(t, "abc123", ev.Trade.TradeID)
}

func TestParseOKXMessage_BookUpdate(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"update","data":[{"asks":[["101.0","2.0","0","1"]],"bids":[["100.0","5.0","0","1"]],"ts":"1700000000000","seqId":11,"prevSeqId":10}]}`)
	ev, err := parseOKXMessage("BTC-USDT-SWAP", raw)
	require.NoError(t, err)
	require.Equal(t, KindDelta, ev.Kind)
	require.Equal(t, int64(11), ev.Delta.UpdateID)
	require.Equal(t, int64(10), ev.Delta.PrevUpdateID)
}

func TestParseOKXMessage_Trade(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","tradeId":"9","px":"100.2","sz":"0.3","side":"sell","ts":"1700000000000"}]}`)
	ev, err := parseOKXMessage("BTC-USDT-SWAP", raw)
	require.NoError(t, err)
	require.Equal(t, KindTrade, ev.Kind)
	require.Equal(t, "sell", string(ev.Trade.Side))
}

func TestParseOKXMessage_SubscribeAck(t *testing.T) {
	raw := []byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT-SWAP"}}`)
	_, err := parseOKXMessage("BTC-USDT-SWAP", raw)
	require.Error(t, err)
}

func TestFullJitterBackoff_NeverExceedsCap(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := FullJitterBackoff(attempt)
		require.LessOrEqual(t, d, BackoffCap)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
}
