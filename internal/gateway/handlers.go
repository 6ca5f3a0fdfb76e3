package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/model"
)

type healthResponse struct {
	Status string         `json:"status"`
	Tasks  []healthTask   `json:"tasks"`
}

type healthTask struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	LastHBMsAgo    int64  `json:"last_hb_ms_ago"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.status != nil {
		now := time.Now().UnixMilli()
		for _, t := range s.status.Statuses() {
			resp.Tasks = append(resp.Tasks, healthTask{
				Name: t.Name, State: t.State, LastHBMsAgo: now - t.LastHeartbeatMs,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDOM(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := muxVars(r)
	raw, ok, err := s.br.KVGet(r.Context(), fmt.Sprintf("dom:%s:%s", exchange, symbol))
	if err != nil {
		writeClientErr(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := muxVars(r)
	limit := parseLimit(r, 100, 1000)
	stream := fmt.Sprintf("trades:%s:%s", exchange, symbol)
	out, err := decodeStreamNewestFirst[model.Trade](r.Context(), s.br, stream, limit)
	if err != nil {
		writeClientErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKline(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := muxVars(r)
	limit := parseLimit(r, 100, 1000)
	stream := fmt.Sprintf("kline:%s:%s", exchange, symbol)
	out, err := decodeStreamNewestFirst[model.Kline](r.Context(), s.br, stream, limit)
	if err != nil {
		writeClientErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOI(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := muxVars(r)
	limit := parseLimit(r, 100, 1000)
	stream := fmt.Sprintf("oi:%s:%s", exchange, symbol)
	out, err := decodeStreamNewestFirst[model.OpenInterest](r.Context(), s.br, stream, limit)
	if err != nil {
		writeClientErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := muxVars(r)
	limit := parseLimit(r, 100, 1000)
	stream := fmt.Sprintf("liq:%s:%s", exchange, symbol)
	out, err := decodeStreamNewestFirst[model.Liquidation](r.Context(), s.br, stream, limit)
	if err != nil {
		writeClientErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeStreamNewestFirst reads up to limit entries from stream and decodes
// each payload field into T, reversed to newest-first: StreamRange (and its
// Redis XRANGE backing) returns entries oldest-first by convention.
func decodeStreamNewestFirst[T any](ctx context.Context, br broker.Broker, stream string, limit int64) ([]T, error) {
	msgs, err := br.StreamRange(ctx, stream, "-", "+", limit)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Fields["payload"].(string)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
