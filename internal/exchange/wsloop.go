package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/errs"
)

// OnMessage handles one raw WebSocket frame. A returned ProtocolError is
// counted and the loop continues; any other error is treated as fatal for
// the current connection and triggers a reconnect.
type OnMessage func(raw []byte) error

// RunWSLoop dials url, sends subscribeMsg (if non-nil), and reads frames
// until ctx is cancelled, reconnecting with full-jitter backoff on close
// per spec.md §4.2. Grounded on exchanges/binance/book.go's dial/read/
// reconnect loop, generalized with ctx cancellation, a configurable ping
// interval, and protocol-error counting instead of silently dropping.
func RunWSLoop(ctx context.Context, log zerolog.Logger, venue, url string, subscribeMsg []byte, pingInterval time.Duration, onMessage OnMessage) {
	attempt := 0
	protocolErrors := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
		if err != nil {
			log.Warn().Err(err).Str("venue", venue).Int("attempt", attempt).Msg("ws dial failed")
			if !sleepCtx(ctx, FullJitterBackoff(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		log.Info().Str("venue", venue).Str("url", url).Msg("ws connected")

		_ = conn.SetReadDeadline(time.Now().Add(WSIdleReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(WSIdleReadTimeout))
		})

		if subscribeMsg != nil {
			if err := conn.WriteMessage(websocket.TextMessage, subscribeMsg); err != nil {
				log.Warn().Err(err).Str("venue", venue).Msg("ws subscribe failed")
				_ = conn.Close()
				if !sleepCtx(ctx, FullJitterBackoff(attempt)) {
					return
				}
				attempt++
				continue
			}
		}

		stopPing := make(chan struct{})
		if pingInterval > 0 {
			go pingLoop(conn, pingInterval, stopPing)
		}

		readErr := func() error {
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return errs.Disconnect(venue, err)
				}
				_ = conn.SetReadDeadline(time.Now().Add(WSIdleReadTimeout))
				if err := onMessage(msg); err != nil {
					if perr, ok := err.(*errs.ProtocolError); ok {
						protocolErrors++
						log.Warn().Err(perr).Str("venue", venue).Int("protocol_errors", protocolErrors).Msg("dropped malformed frame")
						continue
					}
					return err
				}
			}
		}()

		close(stopPing)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(readErr).Str("venue", venue).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, FullJitterBackoff(attempt)) {
			return
		}
		attempt++
	}
}

func pingLoop(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
