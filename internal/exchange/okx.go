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

// OKXAdapter implements Adapter for OKX perpetual swaps, grounded on the
// same REST-snapshot-plus-WS-delta shape as BybitAdapter/BinanceAdapter,
// adapted to OKX's arg/channel envelope and 4-tuple price levels.
type OKXAdapter struct {
	httpClient *http.Client
	limiter    *HostLimiter
	log        zerolog.Logger
	restBase   string
	wsURL      string
}

func NewOKXAdapter(log zerolog.Logger) *OKXAdapter {
	return &OKXAdapter{
		httpClient: &http.Client{Timeout: RESTSnapshotTimeout},
		limiter:    NewHostLimiter(10, 20),
		log:        log.With().Str("venue", "okx").Logger(),
		restBase:   "https://www.okx.com",
		wsURL:      "wss://ws.okx.com:8443/ws/v5/public",
	}
}

func (a *OKXAdapter) Name() string { return "okx" }

type okxBookEntry struct {
	Asks   [][]string `json:"asks"`
	Bids   [][]string `json:"bids"`
	TsMs   string     `json:"ts"`
	SeqID  int64      `json:"seqId"`
	PrevID int64      `json:"prevSeqId"`
}

type okxRESTEnvelope struct {
	Code string         `json:"code"`
	Msg  string         `json:"msg"`
	Data []okxBookEntry `json:"data"`
}

func (a *OKXAdapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.DOM, error) {
	if err := a.limiter.Wait(ctx, a.restBase); err != nil {
		return model.DOM{}, errs.Transport("okx_snapshot_ratelimit", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RESTSnapshotTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v5/market/books?instId=%s&sz=%d", a.restBase, symbol, depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.DOM{}, errs.Transport("okx_snapshot_request", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return model.DOM{}, errs.Transport("okx_snapshot_fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.DOM{}, errs.Transport("okx_snapshot_status", fmt.Errorf("status=%d body=%s", resp.StatusCode, body))
	}

	var env okxRESTEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return model.DOM{}, errs.Protocol("okx", err)
	}
	if env.Code != "0" {
		return model.DOM{}, errs.Protocol("okx", fmt.Errorf("code=%s msg=%s", env.Code, env.Msg))
	}
	if len(env.Data) == 0 {
		return model.DOM{}, errs.Protocol("okx", fmt.Errorf("empty book response"))
	}

	return okxEntryToDOM(symbol, env.Data[0])
}

func okxEntryToDOM(symbol string, e okxBookEntry) (model.DOM, error) {
	bids, err := parseOKXLevels(e.Bids)
	if err != nil {
		return model.DOM{}, errs.Protocol("okx", err)
	}
	asks, err := parseOKXLevels(e.Asks)
	if err != nil {
		return model.DOM{}, errs.Protocol("okx", err)
	}
	tsMs, err := strconv.ParseInt(e.TsMs, 10, 64)
	if err != nil {
		return model.DOM{}, errs.Protocol("okx", err)
	}
	return model.DOM{
		Exchange: "okx",
		Symbol:   symbol,
		TsMs:     tsMs,
		UpdateID: e.SeqID,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

// parseOKXLevels reads OKX's 4-tuple [price, size, deprecated, numOrders]
// levels, ignoring the trailing fields.
func parseOKXLevels(raw [][]string) ([]model.Level, error) {
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

type okxArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
}

type okxWSEnvelope struct {
	Arg    okxArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Event  string          `json:"event"`
}

type okxTradeEntry struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TsMs    string `json:"ts"`
}

type okxLiquidationDetail struct {
	Side string `json:"side"`
	Sz   string `json:"sz"`
	BkPx string `json:"bkPx"`
	TsMs string `json:"ts"`
}

type okxLiquidationEntry struct {
	InstID  string                 `json:"instId"`
	Details []okxLiquidationDetail `json:"details"`
}

// parseOKXMessage translates one WS channel frame into a CanonicalEvent.
// "books" channel "snapshot" actions map to KindSnapshot; "update" actions
// map to KindDelta. "candleXm" data rows are OKX's bare array-of-strings
// kline shape rather than a keyed object.
func parseOKXMessage(symbol string, raw []byte) (CanonicalEvent, error) {
	var env okxWSEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return CanonicalEvent{}, errs.Protocol("okx", err)
	}
	if env.Event != "" {
		// subscribe/error acks carry no channel data.
		return CanonicalEvent{}, errs.Protocol("okx", fmt.Errorf("ack event %q", env.Event))
	}

	switch {
	case env.Arg.Channel == "books" || env.Arg.Channel == "books5":
		var entries []okxBookEntry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		if len(entries) == 0 {
			return CanonicalEvent{}, errs.Protocol("okx", fmt.Errorf("empty books payload"))
		}
		e := entries[0]
		bids, err := parseOKXLevels(e.Bids)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		asks, err := parseOKXLevels(e.Asks)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		tsMs, _ := strconv.ParseInt(e.TsMs, 10, 64)
		if env.Action == "snapshot" {
			return CanonicalEvent{Kind: KindSnapshot, Snapshot: &model.DOM{
				Exchange: "okx", Symbol: symbol, TsMs: tsMs, UpdateID: e.SeqID,
				Bids: bids, Asks: asks,
			}}, nil
		}
		prev := e.PrevID
		return CanonicalEvent{Kind: KindDelta, Delta: &model.Delta{
			UpdateID:     e.SeqID,
			PrevUpdateID: prev,
			Bids:         bids,
			Asks:         asks,
		}}, nil

	case env.Arg.Channel == "trades":
		var entries []okxTradeEntry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		if len(entries) == 0 {
			return CanonicalEvent{}, errs.Protocol("okx", fmt.Errorf("empty trades payload"))
		}
		t := entries[0]
		price, err := strconv.ParseFloat(t.Px, 64)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		size, err := strconv.ParseFloat(t.Sz, 64)
		if err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		tsMs, _ := strconv.ParseInt(t.TsMs, 10, 64)
		side := model.SideSell
		if strings.EqualFold(t.Side, "buy") {
			side = model.SideBuy
		}
		return CanonicalEvent{Kind: KindTrade, Trade: &model.Trade{
			Exchange: "okx",
			Symbol:   t.InstID,
			TsMs:     tsMs,
			TradeID:  t.TradeID,
			Side:     side,
			Price:    price,
			Size:     size,
		}}, nil

	case strings.HasPrefix(env.Arg.Channel, "candle"):
		var rows [][]string
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		if len(rows) == 0 || len(rows[0]) < 9 {
			return CanonicalEvent{}, errs.Protocol("okx", fmt.Errorf("malformed candle row"))
		}
		row := rows[0]
		startMs, _ := strconv.ParseInt(row[0], 10, 64)
		o, _ := strconv.ParseFloat(row[1], 64)
		h, _ := strconv.ParseFloat(row[2], 64)
		l, _ := strconv.ParseFloat(row[3], 64)
		c, _ := strconv.ParseFloat(row[4], 64)
		v, _ := strconv.ParseFloat(row[5], 64)
		confirm := row[8] == "1"
		interval := strings.TrimPrefix(env.Arg.Channel, "candle")
		return CanonicalEvent{Kind: KindKline, Kline: &model.Kline{
			Exchange: "okx",
			Symbol:   env.Arg.InstID,
			Interval: interval,
			StartMs:  startMs,
			Open:     o, High: h, Low: l, Close: c, Volume: v,
			Confirm: confirm,
		}}, nil

	case env.Arg.Channel == "liquidation-orders":
		var entries []okxLiquidationEntry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return CanonicalEvent{}, errs.Protocol("okx", err)
		}
		if len(entries) == 0 || len(entries[0].Details) == 0 {
			return CanonicalEvent{}, errs.Protocol("okx", fmt.Errorf("empty liquidation payload"))
		}
		e := entries[0]
		d := e.Details[0]
		price, _ := strconv.ParseFloat(d.BkPx, 64)
		size, _ := strconv.ParseFloat(d.Sz, 64)
		tsMs, _ := strconv.ParseInt(d.TsMs, 10, 64)
		side := model.SideSell
		if strings.EqualFold(d.Side, "buy") {
			side = model.SideBuy
		}
		return CanonicalEvent{Kind: KindLiquidation, Liquidation: &model.Liquidation{
			Exchange: "okx",
			Symbol:   e.InstID,
			TsMs:     tsMs,
			Side:     side,
			Price:    price,
			Quantity: size,
		}}, nil
	}

	return CanonicalEvent{}, errs.Protocol("okx", fmt.Errorf("unknown channel %q", env.Arg.Channel))
}

func (a *OKXAdapter) Subscribe(ctx context.Context, symbol string, feeds []string) (<-chan CanonicalEvent, error) {
	args := okxChannelArgs(symbol, feeds)
	subMsg, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return nil, errs.Configuration("okx_subscribe_args", err)
	}

	out := make(chan CanonicalEvent, 1024)

	go RunWSLoop(ctx, a.log, "okx", a.wsURL, subMsg, 20*time.Second, func(raw []byte) error {
		ev, err := parseOKXMessage(symbol, raw)
		if err != nil {
			if perr, ok := err.(*errs.ProtocolError); ok && strings.Contains(perr.Error(), "ack event") {
				return nil
			}
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

func okxChannelArgs(symbol string, feeds []string) []okxArg {
	var args []okxArg
	for _, f := range feeds {
		switch f {
		case "book":
			args = append(args, okxArg{Channel: "books", InstID: symbol})
		case "trades":
			args = append(args, okxArg{Channel: "trades", InstID: symbol})
		case "kline":
			args = append(args, okxArg{Channel: "candle1m", InstID: symbol})
		case "liquidations":
			args = append(args, okxArg{Channel: "liquidation-orders", InstType: "SWAP"})
		}
	}
	return args
}

var _ Adapter = (*OKXAdapter)(nil)
