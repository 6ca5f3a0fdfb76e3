package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_HandlerExposesRecordedMetrics(t *testing.T) {
	m := NewRegistry()
	m.RecordGap("binance", "BTCUSDT")
	m.RecordResnapshot("binance", "BTCUSDT", true)
	m.RecordQueueDrop()
	m.IncConnections()
	timer := m.StartStep("footprint_bar_close")
	timer.Stop("ok")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "orderflow_sequence_gap_total")
	require.Contains(t, body, "orderflow_resnapshot_total")
	require.Contains(t, body, `orderflow_venue_unstable{exchange="binance",symbol="BTCUSDT"} 1`)
	require.Contains(t, body, "orderflow_gateway_queue_dropped_total 1")
	require.Contains(t, body, "orderflow_gateway_active_connections 1")
	require.Contains(t, body, "orderflow_step_duration_seconds")
}

func TestRegistry_TwoInstancesDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		NewRegistry()
		NewRegistry()
	})
}
