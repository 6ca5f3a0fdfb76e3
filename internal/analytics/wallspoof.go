package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/model"
)

const (
	DefaultWallX          = 10.0
	DefaultSpoofT2        = 1000 * time.Millisecond
	DefaultSpoofShrinkPct = 0.80
	DepthBandWidth        = 5
	medianWindowSamples   = 50
	wallspoofPollInterval = 200 * time.Millisecond
)

type wallLevelKey struct {
	Side  model.Side
	Price float64
}

type wallLevelState struct {
	firstSeenMs int64
	lastSeenMs  int64
	lastSize    float64
	maxSize     float64
	wallMetAtMs int64 // 0 means not yet a wall
	wallSize    float64
	wallEmitted bool
	spoofEmitted bool
}

type tradeObs struct {
	tsMs  int64
	price float64
	side  model.Side
}

// WallSpoofWorker flags abnormally large resting levels ("walls") and
// walls that vanish without being traded through ("spoofs"), per
// spec.md §4.5.
type WallSpoofWorker struct {
	Exchange, Symbol string
	X                float64
	T2               time.Duration
	ShrinkPct        float64

	br       broker.Broker
	log      zerolog.Logger
	consumer string

	bandSamples map[string][]float64 // "side:band" -> recent visible sizes
	levels      map[wallLevelKey]*wallLevelState
	recentTrades []tradeObs
}

func NewWallSpoofWorker(exchange, symbol string, x float64, t2 time.Duration, br broker.Broker, consumer string, log zerolog.Logger) *WallSpoofWorker {
	if x <= 0 {
		x = DefaultWallX
	}
	if t2 <= 0 {
		t2 = DefaultSpoofT2
	}
	return &WallSpoofWorker{
		Exchange: exchange, Symbol: symbol, X: x, T2: t2, ShrinkPct: DefaultSpoofShrinkPct,
		br: br, consumer: consumer,
		log:         log.With().Str("component", "analytics.wallspoof").Str("exchange", exchange).Str("symbol", symbol).Logger(),
		bandSamples: make(map[string][]float64),
		levels:      make(map[wallLevelKey]*wallLevelState),
	}
}

func (w *WallSpoofWorker) name() string         { return fmt.Sprintf("wallspoof:%s:%s", w.Exchange, w.Symbol) }
func (w *WallSpoofWorker) domStream() string    { return fmt.Sprintf("dom:%s:%s", w.Exchange, w.Symbol) }
func (w *WallSpoofWorker) tradesStream() string { return fmt.Sprintf("trades:%s:%s", w.Exchange, w.Symbol) }
func (w *WallSpoofWorker) eventsStream() string { return fmt.Sprintf("events:%s:%s", w.Exchange, w.Symbol) }

func (w *WallSpoofWorker) Run(ctx context.Context) error {
	streams := []string{w.domStream(), w.tradesStream()}
	return readLoop(ctx, w.br, "analytics:"+w.name(), w.consumer, streams, wallspoofPollInterval,
		w.handle,
		func(ctx context.Context) { heartbeat(ctx, w.br, w.name(), w.log) })
}

func (w *WallSpoofWorker) handle(ctx context.Context, stream string, msg broker.Message) {
	raw, ok := payloadOf(msg)
	if !ok {
		return
	}
	switch stream {
	case w.domStream():
		var dom model.DOM
		if err := json.Unmarshal([]byte(raw), &dom); err != nil {
			w.log.Warn().Err(errs.Protocol(stream, err)).Msg("dom decode failed")
			return
		}
		w.ObserveDOM(ctx, dom)
	case w.tradesStream():
		var t model.Trade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			w.log.Warn().Err(errs.Protocol(stream, err)).Msg("trade decode failed")
			return
		}
		w.IngestTrade(t)
	}
}

func (w *WallSpoofWorker) IngestTrade(t model.Trade) {
	w.recentTrades = append(w.recentTrades, tradeObs{tsMs: t.TsMs, price: t.Price, side: t.Side})
	cutoff := t.TsMs - w.T2.Milliseconds()*4
	kept := w.recentTrades[:0]
	for _, o := range w.recentTrades {
		if o.tsMs >= cutoff {
			kept = append(kept, o)
		}
	}
	w.recentTrades = kept
}

// tradedThrough reports whether any observed trade touched side/price in
// [fromMs, toMs]: for a bid level, a trade at or below price; for an ask
// level, a trade at or above price.
func (w *WallSpoofWorker) tradedThrough(side model.Side, price float64, fromMs, toMs int64) bool {
	for _, o := range w.recentTrades {
		if o.tsMs < fromMs || o.tsMs > toMs {
			continue
		}
		if side == model.SideBuy && o.price <= price {
			return true
		}
		if side == model.SideSell && o.price >= price {
			return true
		}
	}
	return false
}

func (w *WallSpoofWorker) ObserveDOM(ctx context.Context, dom model.DOM) {
	now := dom.TsMs
	w.observeSide(ctx, model.SideBuy, dom.Bids, now)
	w.observeSide(ctx, model.SideSell, dom.Asks, now)
}

func (w *WallSpoofWorker) observeSide(ctx context.Context, side model.Side, levels []model.Level, nowMs int64) {
	present := make(map[float64]bool, len(levels))
	for i, lv := range levels {
		present[lv.Price] = true
		band := fmt.Sprintf("%s:%d", side, i/DepthBandWidth)
		w.recordBandSample(band, lv.Size)

		k := wallLevelKey{Side: side, Price: lv.Price}
		st, ok := w.levels[k]
		if !ok {
			st = &wallLevelState{firstSeenMs: nowMs}
			w.levels[k] = st
		}
		st.lastSeenMs = nowMs
		st.lastSize = lv.Size
		if lv.Size > st.maxSize {
			st.maxSize = lv.Size
		}

		if !st.wallEmitted {
			median := w.bandMedian(band)
			if median > 0 && st.maxSize >= w.X*median {
				st.wallMetAtMs = nowMs
				st.wallSize = st.maxSize
				st.wallEmitted = true
				w.emitWall(ctx, side, lv.Price, st)
			}
		} else if !st.spoofEmitted && st.wallSize > 0 && lv.Size <= st.wallSize*(1-w.ShrinkPct) {
			if nowMs-st.wallMetAtMs <= w.T2.Milliseconds() && !w.tradedThrough(side, lv.Price, st.wallMetAtMs, nowMs) {
				st.spoofEmitted = true
				w.emitSpoof(ctx, side, lv.Price, st)
			}
		}
	}

	for k, st := range w.levels {
		if k.Side != side || present[k.Price] {
			continue
		}
		// level vanished entirely: treat as a full shrink-to-zero for spoof purposes.
		if st.wallEmitted && !st.spoofEmitted && st.wallSize > 0 {
			if nowMs-st.wallMetAtMs <= w.T2.Milliseconds() && !w.tradedThrough(side, k.Price, st.wallMetAtMs, nowMs) {
				st.spoofEmitted = true
				w.emitSpoof(ctx, side, k.Price, st)
			}
		}
	}
}

func (w *WallSpoofWorker) recordBandSample(band string, size float64) {
	samples := append(w.bandSamples[band], size)
	if len(samples) > medianWindowSamples {
		samples = samples[len(samples)-medianWindowSamples:]
	}
	w.bandSamples[band] = samples
}

func (w *WallSpoofWorker) bandMedian(band string) float64 {
	samples := w.bandSamples[band]
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func (w *WallSpoofWorker) emitWall(ctx context.Context, side model.Side, price float64, st *wallLevelState) {
	ev := model.Event{
		ID: uuid.NewString(), Type: model.EventWall,
		Exchange: w.Exchange, Symbol: w.Symbol, TsMs: st.wallMetAtMs, Side: side, Price: price,
		Payload: map[string]interface{}{"max_size": st.maxSize},
	}
	if err := publishJSON(ctx, w.br, w.eventsStream(), EventsStreamMaxLen, ev); err != nil {
		w.log.Warn().Err(err).Msg("wall event publish failed")
	}
}

func (w *WallSpoofWorker) emitSpoof(ctx context.Context, side model.Side, price float64, st *wallLevelState) {
	ev := model.Event{
		ID: uuid.NewString(), Type: model.EventSpoof,
		Exchange: w.Exchange, Symbol: w.Symbol, TsMs: st.lastSeenMs, Side: side, Price: price,
		Payload: map[string]interface{}{"wall_size": st.wallSize, "shrunk_to": st.lastSize},
	}
	if err := publishJSON(ctx, w.br, w.eventsStream(), EventsStreamMaxLen, ev); err != nil {
		w.log.Warn().Err(err).Msg("spoof event publish failed")
	}
}
