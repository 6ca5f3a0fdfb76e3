package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/model"
)

const (
	DefaultFootprintBarMs        = 60_000
	DefaultFootprintImbalanceRatio = 3.0
	FootprintStreamMaxLen        = 10_000
	footprintPollInterval        = 200 * time.Millisecond
)

// FootprintWorker groups trades into bar_ms-wide price/volume bars and
// emits each bar once closed, per spec.md §4.5. A buy trade is aggressor
// classified as consuming ask liquidity (adds to vol_ask); a sell trade
// consumes bid liquidity (adds to vol_bid); delta = vol_ask - vol_bid.
type FootprintWorker struct {
	Exchange, Symbol string
	BarMs            int64
	ImbalanceRatio   float64

	br       broker.Broker
	log      zerolog.Logger
	consumer string

	bars            map[int64]map[float64]*model.FootprintLevel
	maxClosedBarStart int64
	lateDropped     int64
}

func NewFootprintWorker(exchange, symbol string, barMs int64, imbalanceRatio float64, br broker.Broker, consumer string, log zerolog.Logger) *FootprintWorker {
	if barMs <= 0 {
		barMs = DefaultFootprintBarMs
	}
	if imbalanceRatio <= 0 {
		imbalanceRatio = DefaultFootprintImbalanceRatio
	}
	return &FootprintWorker{
		Exchange: exchange, Symbol: symbol, BarMs: barMs, ImbalanceRatio: imbalanceRatio,
		br: br, consumer: consumer,
		log:               log.With().Str("component", "analytics.footprint").Str("exchange", exchange).Str("symbol", symbol).Logger(),
		bars:              make(map[int64]map[float64]*model.FootprintLevel),
		maxClosedBarStart: -1,
	}
}

func (w *FootprintWorker) name() string        { return fmt.Sprintf("footprint:%s:%s", w.Exchange, w.Symbol) }
func (w *FootprintWorker) inputStream() string { return fmt.Sprintf("trades:%s:%s", w.Exchange, w.Symbol) }
func (w *FootprintWorker) outputStream() string { return fmt.Sprintf("footprint:%s:%s", w.Exchange, w.Symbol) }

func (w *FootprintWorker) LateDropped() int64 { return w.lateDropped }

func (w *FootprintWorker) Run(ctx context.Context) error {
	return readLoop(ctx, w.br, "analytics:"+w.name(), w.consumer, []string{w.inputStream()}, footprintPollInterval,
		func(_ context.Context, _ string, m broker.Message) { w.ingestMessage(m) },
		func(ctx context.Context) {
			w.closeDueBars(ctx, time.Now().UnixMilli())
			heartbeat(ctx, w.br, w.name(), w.log)
		})
}

func (w *FootprintWorker) ingestMessage(msg broker.Message) {
	raw, ok := payloadOf(msg)
	if !ok {
		return
	}
	var t model.Trade
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		w.log.Warn().Err(errs.Protocol(w.inputStream(), err)).Msg("trade decode failed")
		return
	}
	w.Ingest(t)
}

// Ingest applies one trade to the currently open bar for its timestamp, or
// drops it with a counter increment if that bar has already closed.
func (w *FootprintWorker) Ingest(t model.Trade) {
	barStart := floorToBar(t.TsMs, w.BarMs)
	if barStart <= w.maxClosedBarStart {
		w.lateDropped++
		return
	}

	levels := w.bars[barStart]
	if levels == nil {
		levels = make(map[float64]*model.FootprintLevel)
		w.bars[barStart] = levels
	}
	lv := levels[t.Price]
	if lv == nil {
		lv = &model.FootprintLevel{Price: t.Price}
		levels[t.Price] = lv
	}
	if t.Side == model.SideBuy {
		lv.VolAsk += t.Size
	} else {
		lv.VolBid += t.Size
	}
	lv.Delta = lv.VolAsk - lv.VolBid
}

func (w *FootprintWorker) closeDueBars(ctx context.Context, nowMs int64) {
	starts := make([]int64, 0, len(w.bars))
	for start := range w.bars {
		if nowMs >= start+w.BarMs {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		bar := BuildFootprintBar(start, start+w.BarMs, w.bars[start], w.ImbalanceRatio)
		bar.Exchange = w.Exchange
		bar.Symbol = w.Symbol
		if err := publishJSON(ctx, w.br, w.outputStream(), FootprintStreamMaxLen, bar); err != nil {
			w.log.Warn().Err(err).Msg("footprint publish failed")
		}
		delete(w.bars, start)
		if start > w.maxClosedBarStart {
			w.maxClosedBarStart = start
		}
	}
}

func floorToBar(tsMs, barMs int64) int64 {
	return (tsMs / barMs) * barMs
}

// BuildFootprintBar computes the immutable, published form of a closed
// bar: levels sorted by price, poc_price (max vol_bid+vol_ask), and
// imbalance_levels (price where max(side)/min(side) >= imbalanceRatio).
// Pure function of its inputs so a closed bar, once built, is never
// recomputed from mutated state (spec.md §8 property 4).
func BuildFootprintBar(start, end int64, levels map[float64]*model.FootprintLevel, imbalanceRatio float64) model.FootprintBar {
	prices := make([]float64, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	sort.Float64s(prices)

	out := make([]model.FootprintLevel, 0, len(prices))
	var pocPrice *float64
	var pocTotal float64
	var imbalance []float64

	for _, p := range prices {
		lv := *levels[p]
		out = append(out, lv)

		total := lv.VolBid + lv.VolAsk
		if pocPrice == nil || total > pocTotal {
			pp := p
			pocPrice = &pp
			pocTotal = total
		}

		if isImbalanced(lv.VolBid, lv.VolAsk, imbalanceRatio) {
			imbalance = append(imbalance, p)
		}
	}

	return model.FootprintBar{
		Exchange:        "",
		Symbol:          "",
		StartMs:         start,
		EndMs:           end,
		Levels:          out,
		POCPrice:        pocPrice,
		ImbalanceLevels: imbalance,
	}
}

func isImbalanced(bid, ask, ratio float64) bool {
	hi, lo := bid, ask
	if ask > bid {
		hi, lo = ask, bid
	}
	if hi == 0 {
		return false
	}
	if lo == 0 {
		return true
	}
	return hi/lo >= ratio
}
