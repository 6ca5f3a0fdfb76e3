package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

const (
	DefaultHeatmapSampleInterval = time.Second
	DefaultHeatmapBinMultiplier  = 10.0
	// HeatmapStreamMaxLen bounds history replay to roughly the default
	// rolling window: 10 min at a 1 s sample interval.
	HeatmapStreamMaxLen = 600
)

// HeatmapWorker samples the hot store's latest DOM on a fixed interval and
// emits one binned heatmap_slice per sample, per spec.md §4.5. bin_size is
// derived once, at construction, from tickSize * binMultiplier — the
// single source of truth the spec's Open Questions section calls for.
type HeatmapWorker struct {
	Exchange, Symbol string
	BinSize          float64
	SampleInterval   time.Duration

	br  broker.Broker
	log zerolog.Logger
}

func NewHeatmapWorker(exchange, symbol string, tickSize, binMultiplier float64, sampleInterval time.Duration, br broker.Broker, log zerolog.Logger) *HeatmapWorker {
	if binMultiplier <= 0 {
		binMultiplier = DefaultHeatmapBinMultiplier
	}
	if sampleInterval <= 0 {
		sampleInterval = DefaultHeatmapSampleInterval
	}
	return &HeatmapWorker{
		Exchange: exchange, Symbol: symbol,
		BinSize:        tickSize * binMultiplier,
		SampleInterval: sampleInterval,
		br:             br,
		log:            log.With().Str("component", "analytics.heatmap").Str("exchange", exchange).Str("symbol", symbol).Logger(),
	}
}

func (w *HeatmapWorker) name() string { return fmt.Sprintf("heatmap:%s:%s", w.Exchange, w.Symbol) }

func (w *HeatmapWorker) domKey() string     { return fmt.Sprintf("dom:%s:%s", w.Exchange, w.Symbol) }
func (w *HeatmapWorker) outputStream() string { return fmt.Sprintf("heatmap:%s:%s", w.Exchange, w.Symbol) }

func (w *HeatmapWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sampleOnce(ctx)
			heartbeat(ctx, w.br, w.name(), w.log)
		}
	}
}

func (w *HeatmapWorker) sampleOnce(ctx context.Context) {
	raw, ok, err := w.br.KVGet(ctx, w.domKey())
	if err != nil {
		w.log.Warn().Err(err).Msg("dom kv_get failed")
		return
	}
	if !ok {
		return // cold start: nothing sampled yet
	}

	var dom model.DOM
	if err := json.Unmarshal(raw, &dom); err != nil {
		w.log.Warn().Err(err).Msg("dom decode failed")
		return
	}

	slice := BinDOM(dom, w.BinSize)
	if err := publishJSON(ctx, w.br, w.outputStream(), HeatmapStreamMaxLen, slice); err != nil {
		w.log.Warn().Err(err).Msg("heatmap publish failed")
	}
}

// BinDOM re-bins a DOM snapshot into a HeatmapSlice at the given bin size.
// It is a pure function of (dom, binSize): re-binning the same snapshot
// with the same bin size always yields byte-identical rows (spec.md §8
// property 5), since rows are built deterministically from a sorted bin
// key list rather than map iteration order.
func BinDOM(dom model.DOM, binSize float64) model.HeatmapSlice {
	bins := make(map[float64]*model.HeatmapRow)

	bin := func(price float64) float64 {
		if binSize <= 0 {
			return price
		}
		return math.Round(price/binSize) * binSize
	}

	for _, lv := range dom.Bids {
		b := bin(lv.Price)
		row, ok := bins[b]
		if !ok {
			row = &model.HeatmapRow{Bin: b}
			bins[b] = row
		}
		row.VolBid += lv.Size
	}
	for _, lv := range dom.Asks {
		b := bin(lv.Price)
		row, ok := bins[b]
		if !ok {
			row = &model.HeatmapRow{Bin: b}
			bins[b] = row
		}
		row.VolAsk += lv.Size
	}

	keys := make([]float64, 0, len(bins))
	for k := range bins {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	rows := make([]model.HeatmapRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, *bins[k])
	}

	return model.HeatmapSlice{
		Exchange: dom.Exchange,
		Symbol:   dom.Symbol,
		TsMs:     dom.TsMs,
		Rows:     rows,
	}
}
