package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
)

// handleWS implements spec.md §4.6's per-connection flow: upgrade, parse
// and validate the requested channel set (closing with the channel error's
// code on failure), push a DOM bootstrap frame,
// then fan out broker pub/sub messages for every bound stream until the
// client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange := q.Get("exchange")
	symbol := q.Get("symbol")
	if exchange == "" || symbol == "" {
		http.Error(w, "exchange and symbol are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, exchange, symbol, s.metrics, s.log.With().Str("exchange", exchange).Str("symbol", symbol).Logger())
	s.metrics.IncConnections()
	defer s.metrics.DecConnections()

	names, bindings, err := parseChannels(q.Get("channels"), exchange, symbol)
	if err != nil {
		reason := err.Error()
		code := 4400
		if ce, ok := err.(*errs.ClientError); ok {
			code, reason = ce.Code, ce.Reason
		}
		c.closeWithCode(code, reason)
		return
	}

	streamToChannels := make(map[string][]string)
	var streams []string
	seen := make(map[string]bool)
	for _, name := range names {
		b := bindings[name]
		if b.stream == "" {
			continue // ai_response: accepted, never forwarded
		}
		streamToChannels[b.stream] = append(streamToChannels[b.stream], name)
		if !seen[b.stream] {
			seen[b.stream] = true
			streams = append(streams, b.stream)
		}
	}

	ctx := r.Context()

	var unsubscribe func() error
	var pubsub <-chan broker.PubSubMessage

	if len(streams) > 0 {
		var err error
		pubsub, unsubscribe, err = s.br.SubscribePubSub(ctx, streams...)
		if err != nil {
			s.log.Warn().Err(err).Msg("pubsub subscribe failed")
			_ = conn.Close()
			return
		}
	}

	// The subscription above is live before the snapshot is read below, so
	// any DOM update published in between lands in pubsub's buffer instead
	// of being missed (spec.md §4.4). sendDOM runs before the forwarding
	// goroutine below ever touches the queue, so the bootstrap frame is
	// always ahead of those buffered updates; duplicates on this seam are
	// fine, losses are not.
	if raw, ok, err := s.br.KVGet(ctx, "dom:"+exchange+":"+symbol); err == nil && ok {
		var dom json.RawMessage = raw
		c.sendDOM(dom)
	}

	if pubsub != nil {
		go func() {
			for msg := range pubsub {
				for _, chName := range streamToChannels[msg.Channel] {
					b := bindings[chName]
					data := extractField(msg.Payload, b.field)
					c.sendFrame(chName, data)
				}
			}
		}()
	}

	go c.writePump()
	c.readPump()

	if unsubscribe != nil {
		_ = unsubscribe()
	}
	c.queue.Close()
}

// extractField returns the full payload as a json.RawMessage, or — when
// field is set (the scores.*/signals.* channels) — just that field's raw
// value from the payload object.
func extractField(payload []byte, field string) json.RawMessage {
	if field == "" {
		return json.RawMessage(payload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return json.RawMessage(payload)
	}
	if v, ok := obj[field]; ok {
		return v
	}
	return json.RawMessage(payload)
}
