package control

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/config"
)

func TestBuildTasks_DefaultUniverseProducesExpectedTaskCount(t *testing.T) {
	u := config.DefaultUniverse()
	env := config.Env{HeatmapBinMult: 10, FootprintBarMs: 60_000, IcebergK: 5, WallX: 10, SpoofT2Ms: 1000}
	br := broker.NewFake()

	tasks, err := BuildTasks(u, env, br, nil, testLogger())
	require.NoError(t, err)

	// 3 exchanges x (1 ingestor + 5 enabled analytics workers), plus 1 shared hotstore.
	require.Len(t, tasks, 3*(1+5)+1)

	var sawHotstore bool
	for _, task := range tasks {
		if task.Name == "hotstore" {
			sawHotstore = true
		}
		require.NotNil(t, task.Run)
	}
	require.True(t, sawHotstore)
}

func TestBuildTasks_UnknownExchangeRejected(t *testing.T) {
	u := config.Universe{
		Exchanges: map[string]config.ExchangeConfig{
			"deribit": {Symbols: []string{"BTC-PERP"}, Feeds: []string{"book"}},
		},
	}
	_, err := BuildTasks(u, config.Env{}, broker.NewFake(), nil, testLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "deribit")
}

func TestAnalyticsTasksFor_TogglesGateWorkerCreation(t *testing.T) {
	toggles := config.AnalyticsToggles{Trend: true}
	tasks := analyticsTasksFor("binance", "BTCUSDT", toggles, config.Env{}, broker.NewFake(), testLogger())
	require.Len(t, tasks, 1)
	require.True(t, strings.HasPrefix(tasks[0].Name, "trend:"))
}
