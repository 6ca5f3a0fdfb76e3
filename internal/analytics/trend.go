package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
)

const (
	DefaultTrendTick       = time.Second
	TrendStreamMaxLen      = 10_000
	trendDeltaWeight       = 0.5
	trendAbsorptionWeight  = 0.3
	trendExhaustionWeight  = 0.2
	absorptionVolumeFloor  = 1.0
)

// TrendScores is the optional trend/exhaustion scorer's emitted record.
// Per spec.md §9, the source never fully specifies the scoring formula;
// the fields below are the contract, weights are tunable configuration.
type TrendScores struct {
	Exchange         string  `json:"exchange"`
	Symbol           string  `json:"symbol"`
	TsMs             int64   `json:"ts_ms"`
	Trend            float64 `json:"trend"`
	Exhaustion       float64 `json:"exhaustion"`
	RuleReversal     bool    `json:"rule_reversal"`
}

// TrendWorker derives continuous trend/exhaustion scores from the tape
// aggregate stream (footprint bars are not read): a weighted combination of delta imbalance, absorption
// (near-zero delta on high volume), and exhaustion (large delta followed
// by reversal). Optional per spec.md §2/§9 — disabled unless the control
// plane's AnalyticsToggles.Trend is set.
type TrendWorker struct {
	Exchange, Symbol string

	br       broker.Broker
	log      zerolog.Logger
	consumer string

	prevDelta float64
	hasPrev   bool
}

func NewTrendWorker(exchange, symbol string, br broker.Broker, consumer string, log zerolog.Logger) *TrendWorker {
	return &TrendWorker{
		Exchange: exchange, Symbol: symbol,
		br: br, consumer: consumer,
		log: log.With().Str("component", "analytics.trend").Str("exchange", exchange).Str("symbol", symbol).Logger(),
	}
}

func (w *TrendWorker) name() string          { return fmt.Sprintf("trend:%s:%s", w.Exchange, w.Symbol) }
func (w *TrendWorker) tapeStream() string    { return fmt.Sprintf("tape:%s:%s", w.Exchange, w.Symbol) }
func (w *TrendWorker) outputStream() string  { return fmt.Sprintf("scores:%s:%s", w.Exchange, w.Symbol) }

func (w *TrendWorker) Run(ctx context.Context) error {
	return readLoop(ctx, w.br, "analytics:"+w.name(), w.consumer, []string{w.tapeStream()}, ReadBlock,
		func(ctx context.Context, _ string, m broker.Message) { w.handle(ctx, m) },
		func(ctx context.Context) { heartbeat(ctx, w.br, w.name(), w.log) })
}

func (w *TrendWorker) handle(ctx context.Context, msg broker.Message) {
	raw, ok := payloadOf(msg)
	if !ok {
		return
	}
	agg, err := decodeTapeAggregate(raw)
	if err != nil {
		w.log.Warn().Err(err).Msg("tape decode failed")
		return
	}
	scores := w.Score(agg)
	if err := publishJSON(ctx, w.br, w.outputStream(), TrendStreamMaxLen, scores); err != nil {
		w.log.Warn().Err(err).Msg("trend publish failed")
	}
}

// Score computes one TrendScores record from a tape aggregate, per the
// weighted-combination contract of spec.md §4.5/§9.
func (w *TrendWorker) Score(agg TapeAggregate) TrendScores {
	total := agg.BuyVolume + agg.SellVolume
	delta := agg.BuyVolume - agg.SellVolume

	var imbalance float64
	if total > 0 {
		imbalance = delta / total
	}

	absorption := 0.0
	if total >= absorptionVolumeFloor {
		absorption = 1 - (abs(delta) / total)
	}

	reversal := false
	exhaustion := 0.0
	if w.hasPrev {
		if (w.prevDelta > 0 && delta < 0) || (w.prevDelta < 0 && delta > 0) {
			reversal = true
			exhaustion = abs(w.prevDelta-delta) / (total + absorptionVolumeFloor)
		}
	}
	w.prevDelta = delta
	w.hasPrev = true

	trend := trendDeltaWeight*imbalance + trendAbsorptionWeight*absorption - trendExhaustionWeight*exhaustion

	return TrendScores{
		Exchange: w.Exchange, Symbol: w.Symbol, TsMs: agg.TsMs,
		Trend: trend, Exhaustion: exhaustion, RuleReversal: reversal,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
