package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/model"
)

// BinanceAdapter implements Adapter for Binance USDT-M futures, grounded on
// internal/data/venue/binance/orderbook.go (REST depth endpoint + response
// shape) and exchanges/binance/book.go (combined WS stream + reconnect).
type BinanceAdapter struct {
	httpClient *http.Client
	limiter    *HostLimiter
	log        zerolog.Logger
	restBase   string
	wsBase     string
}

func NewBinanceAdapter(log zerolog.Logger) *BinanceAdapter {
	return &BinanceAdapter{
		httpClient: &http.Client{Timeout: RESTSnapshotTimeout},
		limiter:    NewHostLimiter(10, 20),
		log:        log.With().Str("venue", "binance").Logger(),
		restBase:   "https://fapi.binance.com",
		wsBase:     "wss://fstream.binance.com/stream",
	}
}

func (a *BinanceAdapter) Name() string { return "binance" }

type binanceDepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *BinanceAdapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.DOM, error) {
	if err := a.limiter.Wait(ctx, a.restBase); err != nil {
		return model.DOM{}, errs.Transport("binance_snapshot_ratelimit", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RESTSnapshotTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/fapi/v1/depth?symbol=%s&limit=%d", a.restBase, strings.ToUpper(symbol), depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.DOM{}, errs.Transport("binance_snapshot_request", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return model.DOM{}, errs.Transport("binance_snapshot_fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.DOM{}, errs.Transport("binance_snapshot_status", fmt.Errorf("status=%d body=%s", resp.StatusCode, body))
	}

	var raw binanceDepthResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return model.DOM{}, errs.Protocol("binance", err)
	}

	return binanceDepthToDOM(symbol, raw, time.Now().UnixMilli())
}

func binanceDepthToDOM(symbol string, raw binanceDepthResponse, tsMs int64) (model.DOM, error) {
	bids, err := parseStringLevels(raw.Bids)
	if err != nil {
		return model.DOM{}, errs.Protocol("binance", err)
	}
	asks, err := parseStringLevels(raw.Asks)
	if err != nil {
		return model.DOM{}, errs.Protocol("binance", err)
	}
	return model.DOM{
		Exchange: "binance",
		Symbol:   symbol,
		TsMs:     tsMs,
		UpdateID: raw.LastUpdateID,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

func parseStringLevels(raw [][]string) ([]model.Level, error) {
	out := make([]model.Level, 0, len(raw))
	for _, e := range raw {
		if len(e) < 2 {
			return nil, fmt.Errorf("malformed level %v", e)
		}
		price, err := strconv.ParseFloat(e[0], 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(e[1], 64)
		if err != nil {
			return nil, err
		}
		if size > 0 {
			out = append(out, model.Level{Price: price, Size: size})
		}
	}
	return out, nil
}

// binanceStreamEnvelope wraps Binance's combined-stream payload shape:
// {"stream": "<name>", "data": {...}}.
type binanceStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceDepthUpdate struct {
	EventTime    int64      `json:"E"`
	FirstUpdate  int64      `json:"U"`
	FinalUpdate  int64      `json:"u"`
	PrevFinal    int64      `json:"pu"`
	Bids         [][]string `json:"b"`
	Asks         [][]string `json:"a"`
}

type binanceAggTrade struct {
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceKline struct {
	Kline struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Interval  string `json:"i"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

type binanceForceOrder struct {
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Price     string `json:"p"`
		OrigQty   string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

// parseBinanceMessage translates one combined-stream frame into a
// CanonicalEvent, per spec.md §4.2's wire-to-canonical decisions
// (millisecond timestamps, lowercase buy/sell, aggressor classification
// from the taker side, raw sequence passthrough).
func parseBinanceMessage(symbol string, raw []byte) (CanonicalEvent, error) {
	var env binanceStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return CanonicalEvent{}, errs.Protocol("binance", err)
	}

	switch {
	case strings.Contains(env.Stream, "@depth"):
		var d binanceDepthUpdate
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		bids, err := parseStringLevels(d.Bids)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		asks, err := parseStringLevels(d.Asks)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		return CanonicalEvent{Kind: KindDelta, Delta: &model.Delta{
			UpdateID:     d.FinalUpdate,
			PrevUpdateID: d.PrevFinal,
			Bids:         bids,
			Asks:         asks,
		}}, nil

	case strings.Contains(env.Stream, "@aggTrade"):
		var t binanceAggTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		qty, err := strconv.ParseFloat(t.Qty, 64)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		// IsBuyerMaker=true means the taker (aggressor) was the seller.
		side := model.SideBuy
		if t.IsBuyerMaker {
			side = model.SideSell
		}
		return CanonicalEvent{Kind: KindTrade, Trade: &model.Trade{
			Exchange: "binance",
			Symbol:   symbol,
			TsMs:     t.TradeTime,
			TradeID:  strconv.FormatInt(t.TradeID, 10),
			Side:     side,
			Price:    price,
			Size:     qty,
		}}, nil

	case strings.Contains(env.Stream, "@kline"):
		var k binanceKline
		if err := json.Unmarshal(env.Data, &k); err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		o, _ := strconv.ParseFloat(k.Kline.Open, 64)
		h, _ := strconv.ParseFloat(k.Kline.High, 64)
		l, _ := strconv.ParseFloat(k.Kline.Low, 64)
		c, _ := strconv.ParseFloat(k.Kline.Close, 64)
		v, _ := strconv.ParseFloat(k.Kline.Volume, 64)
		return CanonicalEvent{Kind: KindKline, Kline: &model.Kline{
			Exchange: "binance",
			Symbol:   symbol,
			Interval: k.Kline.Interval,
			StartMs:  k.Kline.StartTime,
			EndMs:    k.Kline.EndTime,
			Open:     o, High: h, Low: l, Close: c, Volume: v,
			Confirm: k.Kline.IsClosed,
		}}, nil

	case strings.Contains(env.Stream, "@forceOrder"):
		var fo binanceForceOrder
		if err := json.Unmarshal(env.Data, &fo); err != nil {
			return CanonicalEvent{}, errs.Protocol("binance", err)
		}
		price, _ := strconv.ParseFloat(fo.Order.Price, 64)
		qty, _ := strconv.ParseFloat(fo.Order.OrigQty, 64)
		side := model.SideSell
		if strings.EqualFold(fo.Order.Side, "buy") {
			side = model.SideBuy
		}
		return CanonicalEvent{Kind: KindLiquidation, Liquidation: &model.Liquidation{
			Exchange: "binance",
			Symbol:   symbol,
			TsMs:     fo.Order.TradeTime,
			Side:     side,
			Price:    price,
			Quantity: qty,
		}}, nil
	}

	return CanonicalEvent{}, errs.Protocol("binance", fmt.Errorf("unknown stream %q", env.Stream))
}

func (a *BinanceAdapter) Subscribe(ctx context.Context, symbol string, feeds []string) (<-chan CanonicalEvent, error) {
	out := make(chan CanonicalEvent, 1024)
	streams := binanceStreamNames(symbol, feeds)
	url := fmt.Sprintf("%s?streams=%s", a.wsBase, strings.Join(streams, "/"))

	go RunWSLoop(ctx, a.log, "binance", url, nil, 20*time.Second, func(raw []byte) error {
		ev, err := parseBinanceMessage(symbol, raw)
		if err != nil {
			return err
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
		return nil
	})

	go func() {
		<-ctx.Done()
		close(out)
	}()

	return out, nil
}

func binanceStreamNames(symbol string, feeds []string) []string {
	sym := strings.ToLower(symbol)
	var streams []string
	for _, f := range feeds {
		switch f {
		case "book":
			streams = append(streams, sym+"@depth@100ms")
		case "trades":
			streams = append(streams, sym+"@aggTrade")
		case "kline":
			streams = append(streams, sym+"@kline_1m")
		case "liquidations":
			streams = append(streams, sym+"@forceOrder")
		}
	}
	return streams
}

var _ Adapter = (*BinanceAdapter)(nil)
