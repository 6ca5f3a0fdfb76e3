package control

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/analytics"
	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/config"
	"github.com/sawpanic/orderflow/internal/exchange"
	"github.com/sawpanic/orderflow/internal/hotstore"
	"github.com/sawpanic/orderflow/internal/ingestor"
	"github.com/sawpanic/orderflow/internal/metrics"
)

// adapterFor resolves the exchange.Adapter implementation for a venue name
// (spec.md §4.2's three venues), the way the control plane is the single
// place that knows about every concrete adapter type.
func adapterFor(exchangeName string, log zerolog.Logger) (exchange.Adapter, error) {
	switch exchangeName {
	case "binance":
		return exchange.NewBinanceAdapter(log), nil
	case "bybit":
		return exchange.NewBybitAdapter(log), nil
	case "okx":
		return exchange.NewOKXAdapter(log), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", exchangeName)
	}
}

// BuildTasks turns a config.Universe into the full set of supervised tasks
// for one process: one ingestor per (exchange, symbol), one hot store, and
// one analytics worker per (enabled worker kind, exchange, symbol), per
// spec.md §4.7.
func BuildTasks(u config.Universe, env config.Env, br broker.Broker, m *metrics.Registry, log zerolog.Logger) ([]Task, error) {
	var tasks []Task
	var instruments []hotstore.Instrument

	for exchangeName, ec := range u.Exchanges {
		for _, symbol := range ec.Symbols {
			instruments = append(instruments, hotstore.Instrument{Exchange: exchangeName, Symbol: symbol})

			adapter, err := adapterFor(exchangeName, log)
			if err != nil {
				return nil, err
			}
			cfg := ingestor.Config{Exchange: exchangeName, Symbol: symbol, Feeds: ec.Feeds}
			ig := ingestor.New(adapter, br, cfg, log, m)
			tasks = append(tasks, Task{
				Name: fmt.Sprintf("ingestor:%s:%s", exchangeName, symbol),
				Run:  ig.Run,
			})

			tasks = append(tasks, analyticsTasksFor(exchangeName, symbol, u.Analytics, env, br, log)...)
		}
	}

	store := hotstore.New(br, instruments, "hotstore-1", log)
	tasks = append(tasks, Task{Name: "hotstore", Run: store.Run})

	return tasks, nil
}

func analyticsTasksFor(exchangeName, symbol string, toggles config.AnalyticsToggles, env config.Env, br broker.Broker, log zerolog.Logger) []Task {
	var tasks []Task
	consumer := exchangeName + ":" + symbol

	if toggles.Tape {
		w := analytics.NewTapeWorker(exchangeName, symbol, analytics.DefaultTapeWindow, br, consumer, log)
		tasks = append(tasks, Task{Name: fmt.Sprintf("tape:%s:%s", exchangeName, symbol), Run: w.Run})
	}
	if toggles.Heatmap {
		tickSize := tickSizeFor(exchangeName, symbol)
		w := analytics.NewHeatmapWorker(exchangeName, symbol, tickSize, env.HeatmapBinMult, analytics.DefaultHeatmapSampleInterval, br, log)
		tasks = append(tasks, Task{Name: fmt.Sprintf("heatmap:%s:%s", exchangeName, symbol), Run: w.Run})
	}
	if toggles.Footprint {
		w := analytics.NewFootprintWorker(exchangeName, symbol, env.FootprintBarMs, analytics.DefaultFootprintImbalanceRatio, br, consumer, log)
		tasks = append(tasks, Task{Name: fmt.Sprintf("footprint:%s:%s", exchangeName, symbol), Run: w.Run})
	}
	if toggles.Iceberg {
		w := analytics.NewIcebergWorker(exchangeName, symbol, env.IcebergK, analytics.DefaultIcebergR, analytics.DefaultIcebergWindow, br, consumer, log)
		tasks = append(tasks, Task{Name: fmt.Sprintf("iceberg:%s:%s", exchangeName, symbol), Run: w.Run})
	}
	if toggles.WallSpoof {
		t2 := time.Duration(env.SpoofT2Ms) * time.Millisecond
		w := analytics.NewWallSpoofWorker(exchangeName, symbol, env.WallX, t2, br, consumer, log)
		tasks = append(tasks, Task{Name: fmt.Sprintf("wallspoof:%s:%s", exchangeName, symbol), Run: w.Run})
	}
	if toggles.Trend {
		w := analytics.NewTrendWorker(exchangeName, symbol, br, consumer, log)
		tasks = append(tasks, Task{Name: fmt.Sprintf("trend:%s:%s", exchangeName, symbol), Run: w.Run})
	}
	return tasks
}

// tickSizeFor returns the venue tick size used to derive the heatmap bin
// size (spec.md §9's "Heatmap bin size" open question). Real tick sizes
// are venue/instrument-specific exchange metadata; absent a loaded
// instrument-info table this defaults to a representative USDT-perp tick.
func tickSizeFor(_, _ string) float64 {
	return 0.1
}
