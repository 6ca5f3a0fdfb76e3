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

// BybitAdapter implements Adapter for Bybit v5 linear perpetuals, grounded
// on internal/data/venue/binance/orderbook.go's REST-snapshot-plus-WS-delta
// shape generalized to Bybit's topic-based public WS.
type BybitAdapter struct {
	httpClient *http.Client
	limiter    *HostLimiter
	log        zerolog.Logger
	restBase   string
	wsURL      string
}

func NewBybitAdapter(log zerolog.Logger) *BybitAdapter {
	return &BybitAdapter{
		httpClient: &http.Client{Timeout: RESTSnapshotTimeout},
		limiter:    NewHostLimiter(10, 20),
		log:        log.With().Str("venue", "bybit").Logger(),
		restBase:   "https://api.bybit.com",
		wsURL:      "wss://stream.bybit.com/v5/public/linear",
	}
}

func (a *BybitAdapter) Name() string { return "bybit" }

type bybitOrderbookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	TsMs   int64      `json:"ts"`
	UpdID  int64      `json:"u"`
}

type bybitRESTEnvelope struct {
	RetCode int                  `json:"retCode"`
	RetMsg  string               `json:"retMsg"`
	Result  bybitOrderbookResult `json:"result"`
}

func (a *BybitAdapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.DOM, error) {
	if err := a.limiter.Wait(ctx, a.restBase); err != nil {
		return model.DOM{}, errs.Transport("bybit_snapshot_ratelimit", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RESTSnapshotTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v5/market/orderbook?category=linear&symbol=%s&limit=%d", a.restBase, strings.ToUpper(symbol), depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.DOM{}, errs.Transport("bybit_snapshot_request", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return model.DOM{}, errs.Transport("bybit_snapshot_fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.DOM{}, errs.Transport("bybit_snapshot_status", fmt.Errorf("status=%d body=%s", resp.StatusCode, body))
	}

	var env bybitRESTEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return model.DOM{}, errs.Protocol("bybit", err)
	}
	if env.RetCode != 0 {
		return model.DOM{}, errs.Protocol("bybit", fmt.Errorf("retCode=%d retMsg=%s", env.RetCode, env.RetMsg))
	}

	return bybitResultToDOM(symbol, env.Result)
}

func bybitResultToDOM(symbol string, r bybitOrderbookResult) (model.DOM, error) {
	bids, err := parseStringLevels(r.Bids)
	if err != nil {
		return model.DOM{}, errs.Protocol("bybit", err)
	}
	asks, err := parseStringLevels(r.Asks)
	if err != nil {
		return model.DOM{}, errs.Protocol("bybit", err)
	}
	return model.DOM{
		Exchange: "bybit",
		Symbol:   symbol,
		TsMs:     r.TsMs,
		UpdateID: r.UpdID,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

type bybitTopicEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TsMs  int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitBookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	UpdID  int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type bybitTradeEntry struct {
	TsMs    int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Size    string `json:"v"`
	Price   string `json:"p"`
	TradeID string `json:"i"`
}

type bybitKlineEntry struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

type bybitLiquidationData struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
	UpdatedTime int64  `json:"updatedTime"`
}

// parseBybitMessage translates one public-WS topic frame into a
// CanonicalEvent. A "snapshot" type orderbook frame maps to KindSnapshot so
// the ingestor can reset its ladders without a REST round trip when Bybit
// pushes one mid-stream; "delta" frames map to KindDelta.
func parseBybitMessage(raw []byte) (CanonicalEvent, error) {
	var env bybitTopicEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return CanonicalEvent{}, errs.Protocol("bybit", err)
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		var d bybitBookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		bids, err := parseStringLevels(d.Bids)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		asks, err := parseStringLevels(d.Asks)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		if env.Type == "snapshot" {
			return CanonicalEvent{Kind: KindSnapshot, Snapshot: &model.DOM{
				Exchange: "bybit", Symbol: d.Symbol, TsMs: env.TsMs, UpdateID: d.UpdID,
				Bids: bids, Asks: asks,
			}}, nil
		}
		return CanonicalEvent{Kind: KindDelta, Delta: &model.Delta{
			UpdateID:     d.UpdID,
			PrevUpdateID: d.UpdID - 1,
			Bids:         bids,
			Asks:         asks,
		}}, nil

	case strings.HasPrefix(env.Topic, "publicTrade."):
		var entries []bybitTradeEntry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		if len(entries) == 0 {
			return CanonicalEvent{}, errs.Protocol("bybit", fmt.Errorf("empty publicTrade payload"))
		}
		t := entries[0]
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		size, err := strconv.ParseFloat(t.Size, 64)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		side := model.SideSell
		if strings.EqualFold(t.Side, "Buy") {
			side = model.SideBuy
		}
		return CanonicalEvent{Kind: KindTrade, Trade: &model.Trade{
			Exchange: "bybit",
			Symbol:   t.Symbol,
			TsMs:     t.TsMs,
			TradeID:  t.TradeID,
			Side:     side,
			Price:    price,
			Size:     size,
		}}, nil

	case strings.HasPrefix(env.Topic, "kline."):
		var entries []bybitKlineEntry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		if len(entries) == 0 {
			return CanonicalEvent{}, errs.Protocol("bybit", fmt.Errorf("empty kline payload"))
		}
		k := entries[0]
		symbol := strings.TrimPrefix(env.Topic, "kline."+k.Interval+".")
		o, _ := strconv.ParseFloat(k.Open, 64)
		h, _ := strconv.ParseFloat(k.High, 64)
		l, _ := strconv.ParseFloat(k.Low, 64)
		c, _ := strconv.ParseFloat(k.Close, 64)
		v, _ := strconv.ParseFloat(k.Volume, 64)
		return CanonicalEvent{Kind: KindKline, Kline: &model.Kline{
			Exchange: "bybit",
			Symbol:   symbol,
			Interval: k.Interval,
			StartMs:  k.Start,
			EndMs:    k.End,
			Open:     o, High: h, Low: l, Close: c, Volume: v,
			Confirm: k.Confirm,
		}}, nil

	case strings.HasPrefix(env.Topic, "liquidation."):
		var d bybitLiquidationData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return CanonicalEvent{}, errs.Protocol("bybit", err)
		}
		price, _ := strconv.ParseFloat(d.Price, 64)
		size, _ := strconv.ParseFloat(d.Size, 64)
		side := model.SideSell
		if strings.EqualFold(d.Side, "Buy") {
			side = model.SideBuy
		}
		return CanonicalEvent{Kind: KindLiquidation, Liquidation: &model.Liquidation{
			Exchange: "bybit",
			Symbol:   d.Symbol,
			TsMs:     d.UpdatedTime,
			Side:     side,
			Price:    price,
			Quantity: size,
		}}, nil
	}

	return CanonicalEvent{}, errs.Protocol("bybit", fmt.Errorf("unknown topic %q", env.Topic))
}

func (a *BybitAdapter) Subscribe(ctx context.Context, symbol string, feeds []string) (<-chan CanonicalEvent, error) {
	args := bybitTopicArgs(symbol, feeds)
	subMsg, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return nil, errs.Configuration("bybit_subscribe_args", err)
	}

	out := make(chan CanonicalEvent, 1024)

	go RunWSLoop(ctx, a.log, "bybit", a.wsURL, subMsg, 20*time.Second, func(raw []byte) error {
		// Bybit sends {"op":"subscribe","success":true,...} acks and
		// {"op":"ping"/"pong"} control frames on the same socket; skip
		// anything without a "topic" field rather than failing the frame.
		var probe struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return errs.Protocol("bybit", err)
		}
		if probe.Topic == "" {
			return nil
		}

		ev, err := parseBybitMessage(raw)
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

func bybitTopicArgs(symbol string, feeds []string) []string {
	sym := strings.ToUpper(symbol)
	var args []string
	for _, f := range feeds {
		switch f {
		case "book":
			args = append(args, "orderbook.50."+sym)
		case "trades":
			args = append(args, "publicTrade."+sym)
		case "kline":
			args = append(args, "kline.1."+sym)
		case "liquidations":
			args = append(args, "liquidation."+sym)
		}
	}
	return args
}

var _ Adapter = (*BybitAdapter)(nil)
