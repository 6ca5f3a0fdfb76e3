package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/model"
)

const (
	DefaultIcebergK      = 5.0
	DefaultIcebergR      = 3
	DefaultIcebergWindow = 60 * time.Second
	icebergEpsilon       = 1e-9
	icebergPollInterval  = 200 * time.Millisecond
	EventsStreamMaxLen   = 10_000

	// replenishEpsilon is the minimum size increase between successive DOM
	// samples counted as a genuine replenishment rather than quote noise.
	replenishEpsilon = 1e-9
)

type icebergKey struct {
	Side  model.Side
	Price float64
}

type icebergState struct {
	visibleSizeSeen float64
	lastVisible     float64
	consumedVolume  float64
	replenishCount  int
	firstTsMs       int64
	lastSeenMs      int64
	emitted         bool
}

// IcebergWorker infers replenishing hidden orders from DOM samples plus
// trades consuming resting liquidity, per spec.md §4.5.
type IcebergWorker struct {
	Exchange, Symbol string
	K                float64
	R                int
	Window           time.Duration

	br       broker.Broker
	log      zerolog.Logger
	consumer string

	states map[icebergKey]*icebergState
}

func NewIcebergWorker(exchange, symbol string, k float64, r int, window time.Duration, br broker.Broker, consumer string, log zerolog.Logger) *IcebergWorker {
	if k <= 0 {
		k = DefaultIcebergK
	}
	if r <= 0 {
		r = DefaultIcebergR
	}
	if window <= 0 {
		window = DefaultIcebergWindow
	}
	return &IcebergWorker{
		Exchange: exchange, Symbol: symbol, K: k, R: r, Window: window,
		br: br, consumer: consumer,
		log:    log.With().Str("component", "analytics.iceberg").Str("exchange", exchange).Str("symbol", symbol).Logger(),
		states: make(map[icebergKey]*icebergState),
	}
}

func (w *IcebergWorker) name() string         { return fmt.Sprintf("iceberg:%s:%s", w.Exchange, w.Symbol) }
func (w *IcebergWorker) domStream() string    { return fmt.Sprintf("dom:%s:%s", w.Exchange, w.Symbol) }
func (w *IcebergWorker) tradesStream() string { return fmt.Sprintf("trades:%s:%s", w.Exchange, w.Symbol) }
func (w *IcebergWorker) eventsStream() string { return fmt.Sprintf("events:%s:%s", w.Exchange, w.Symbol) }

func (w *IcebergWorker) Run(ctx context.Context) error {
	streams := []string{w.domStream(), w.tradesStream()}
	return readLoop(ctx, w.br, "analytics:"+w.name(), w.consumer, streams, icebergPollInterval,
		w.handle,
		func(ctx context.Context) {
			w.gc(time.Now().UnixMilli())
			heartbeat(ctx, w.br, w.name(), w.log)
		})
}

func (w *IcebergWorker) handle(ctx context.Context, stream string, msg broker.Message) {
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
		w.IngestTrade(ctx, t)
	}
}

// ObserveDOM updates the visible-size baseline for every resting level and
// counts a replenishment whenever visible size rises since the prior
// sample at the same level.
func (w *IcebergWorker) ObserveDOM(ctx context.Context, dom model.DOM) {
	now := dom.TsMs
	w.observeSide(model.SideBuy, dom.Bids, now)
	w.observeSide(model.SideSell, dom.Asks, now)
	w.evaluateAll(ctx)
}

func (w *IcebergWorker) observeSide(side model.Side, levels []model.Level, nowMs int64) {
	for _, lv := range levels {
		k := icebergKey{Side: side, Price: lv.Price}
		st, ok := w.states[k]
		if !ok {
			st = &icebergState{visibleSizeSeen: lv.Size, lastVisible: lv.Size, firstTsMs: nowMs}
			w.states[k] = st
		}
		if lv.Size > st.lastVisible+replenishEpsilon {
			st.replenishCount++
		}
		if lv.Size > st.visibleSizeSeen {
			st.visibleSizeSeen = lv.Size
		}
		st.lastVisible = lv.Size
		st.lastSeenMs = nowMs
	}
}

// IngestTrade accumulates consumed volume against the resting side a
// trade's aggressor consumes: a sell-aggressor trade eats into the bid
// (buy-side) book; a buy-aggressor trade eats into the ask (sell-side).
func (w *IcebergWorker) IngestTrade(ctx context.Context, t model.Trade) {
	restingSide := model.SideSell
	if t.Side == model.SideSell {
		restingSide = model.SideBuy
	}
	k := icebergKey{Side: restingSide, Price: t.Price}
	st, ok := w.states[k]
	if !ok {
		st = &icebergState{firstTsMs: t.TsMs}
		w.states[k] = st
	}
	st.consumedVolume += t.Size
	st.lastSeenMs = t.TsMs
	w.evaluate(ctx, k, st)
}

func (w *IcebergWorker) evaluateAll(ctx context.Context) {
	for k, st := range w.states {
		w.evaluate(ctx, k, st)
	}
}

func (w *IcebergWorker) evaluate(ctx context.Context, k icebergKey, st *icebergState) {
	if st.emitted {
		return
	}
	baseline := st.visibleSizeSeen
	if baseline < icebergEpsilon {
		baseline = icebergEpsilon
	}
	if st.consumedVolume/baseline >= w.K && st.replenishCount >= w.R {
		st.emitted = true
		ev := model.Event{
			ID:       uuid.NewString(),
			Type:     model.EventIceberg,
			Exchange: w.Exchange,
			Symbol:   w.Symbol,
			TsMs:     st.lastSeenMs,
			Side:     k.Side,
			Price:    k.Price,
			Payload: map[string]interface{}{
				"consumed_volume":  st.consumedVolume,
				"visible_size_seen": st.visibleSizeSeen,
				"replenish_count":  st.replenishCount,
			},
		}
		if err := publishJSON(ctx, w.br, w.eventsStream(), EventsStreamMaxLen, ev); err != nil {
			w.log.Warn().Err(err).Msg("iceberg event publish failed")
		}
	}
}

// gc drops state for levels inactive for longer than Window, per spec.md
// §4.5 ("State GC'd after W seconds of inactivity at the price").
func (w *IcebergWorker) gc(nowMs int64) {
	cutoff := nowMs - w.Window.Milliseconds()
	for k, st := range w.states {
		if st.lastSeenMs < cutoff {
			delete(w.states, k)
		}
	}
}
