package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/model"
)

const (
	DefaultTapeWindow = 60 * time.Second
	TapeTick          = time.Second
	TapeStreamMaxLen  = 10_000
)

// TapeAggregate is the tape worker's emitted record: a sliding-window sum
// of traded volume per side, recomputed every tick (spec.md §4.5).
type TapeAggregate struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	TsMs      int64   `json:"ts_ms"`
	WindowMs  int64   `json:"window_ms"`
	BuyVolume float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
}

// TapeWorker maintains a sliding-window sum of traded volume per side; a
// pure function of the window, so it cold-starts with empty buckets
// instead of backfilling from history.
type TapeWorker struct {
	Exchange, Symbol string
	Window           time.Duration
	br               broker.Broker
	log              zerolog.Logger
	consumer         string

	trades []model.Trade // append-only ring, trimmed to Window on each tick
}

func NewTapeWorker(exchange, symbol string, window time.Duration, br broker.Broker, consumer string, log zerolog.Logger) *TapeWorker {
	if window <= 0 {
		window = DefaultTapeWindow
	}
	return &TapeWorker{
		Exchange: exchange, Symbol: symbol, Window: window,
		br: br, consumer: consumer,
		log: log.With().Str("component", "analytics.tape").Str("exchange", exchange).Str("symbol", symbol).Logger(),
	}
}

func (w *TapeWorker) name() string { return fmt.Sprintf("tape:%s:%s", w.Exchange, w.Symbol) }

func (w *TapeWorker) inputStream() string  { return fmt.Sprintf("trades:%s:%s", w.Exchange, w.Symbol) }
func (w *TapeWorker) outputStream() string { return fmt.Sprintf("tape:%s:%s", w.Exchange, w.Symbol) }

func (w *TapeWorker) Run(ctx context.Context) error {
	lastTick := time.Now()
	return readLoop(ctx, w.br, "analytics:"+w.name(), w.consumer, []string{w.inputStream()}, ReadBlock,
		func(_ context.Context, _ string, m broker.Message) { w.ingest(m) },
		func(ctx context.Context) {
			heartbeat(ctx, w.br, w.name(), w.log)
			if time.Since(lastTick) >= TapeTick {
				w.emit(ctx)
				lastTick = time.Now()
			}
		})
}

func decodeTapeAggregate(raw string) (TapeAggregate, error) {
	var agg TapeAggregate
	if err := json.Unmarshal([]byte(raw), &agg); err != nil {
		return TapeAggregate{}, errs.Protocol("tape", err)
	}
	return agg, nil
}

func (w *TapeWorker) ingest(msg broker.Message) {
	raw, ok := payloadOf(msg)
	if !ok {
		return
	}
	var t model.Trade
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		w.log.Warn().Err(errs.Protocol(w.inputStream(), err)).Msg("trade decode failed")
		return
	}
	w.trades = append(w.trades, t)
}

func (w *TapeWorker) emit(ctx context.Context) {
	now := time.Now().UnixMilli()
	cutoff := now - w.Window.Milliseconds()

	kept := w.trades[:0]
	var buyVol, sellVol float64
	for _, t := range w.trades {
		if t.TsMs < cutoff {
			continue
		}
		kept = append(kept, t)
		if t.Side == model.SideBuy {
			buyVol += t.Size
		} else {
			sellVol += t.Size
		}
	}
	w.trades = kept

	agg := TapeAggregate{
		Exchange: w.Exchange, Symbol: w.Symbol, TsMs: now,
		WindowMs: w.Window.Milliseconds(), BuyVolume: buyVol, SellVolume: sellVol,
	}
	if err := publishJSON(ctx, w.br, w.outputStream(), TapeStreamMaxLen, agg); err != nil {
		w.log.Warn().Err(err).Msg("tape publish failed")
	}
}
