package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 20 * time.Second
	maxMissedPongs = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireFrame is the envelope every non-snapshot message is wrapped in
// before being sent to the client (spec.md §6).
type wireFrame struct {
	Stream string      `json:"stream"`
	Data   interface{} `json:"data"`
}

// domFrame is the distinguished first frame of every subscription
// (spec.md §4.6 step 3).
type domFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// client is one gateway WebSocket connection: a bounded outbound queue
// drained by a write pump, plus a read pump that only exists to detect
// disconnects and missed pongs (the protocol is server-push only).
type client struct {
	conn       *websocket.Conn
	queue      *outboundQueue
	log        zerolog.Logger
	missed     int32 // written from writePump, read/reset from readPump's pong handler
	closeCh    chan struct{}
	metrics    *metrics.Registry
	exchange   string
	symbol     string
	pingSentMs int64 // unix millis; written from writePump, read from readPump's pong handler
}

func newClient(conn *websocket.Conn, exchange, symbol string, m *metrics.Registry, log zerolog.Logger) *client {
	c := &client{
		conn:     conn,
		queue:    newOutboundQueue(DefaultQueueCapacity),
		log:      log,
		closeCh:  make(chan struct{}),
		metrics:  m,
		exchange: exchange,
		symbol:   symbol,
	}
	if m != nil {
		c.queue.onDrop(m.RecordQueueDrop)
	}
	return c
}

func (c *client) sendDOM(data interface{}) {
	b, err := json.Marshal(domFrame{Type: "dom", Data: data})
	if err != nil {
		c.log.Warn().Err(err).Msg("dom frame encode failed")
		return
	}
	c.queue.PushDOM(b)
}

func (c *client) sendFrame(stream string, data interface{}) {
	b, err := json.Marshal(wireFrame{Stream: stream, Data: data})
	if err != nil {
		c.log.Warn().Err(err).Msg("frame encode failed")
		return
	}
	c.queue.Push(b)
}

// closeWithCode sends a WebSocket close frame with the given code and
// closes the underlying connection (used for both 4400 client errors and
// 1011 ping-timeout closes per spec.md §4.6/§7).
func (c *client) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

// readPump exists only to observe disconnects and pong replies; the
// gateway protocol does not accept client control messages (spec.md
// §4.6, "accepts any well-formed subscription" at connect time only).
func (c *client) readPump() {
	defer close(c.closeCh)
	// The read deadline outlasts writePump's third ping tick, so a client
	// that stops answering pings is closed by writePump with 1011.
	pongWait := (maxMissedPongs+1)*pingPeriod + writeWait
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&c.missed, 0)
		if sentMs := atomic.LoadInt64(&c.pingSentMs); c.metrics != nil && sentMs != 0 {
			elapsed := time.Since(time.UnixMilli(sentMs))
			c.metrics.RecordWSLatency(c.exchange, c.symbol, float64(elapsed.Milliseconds()))
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the outbound queue and sends periodic pings, closing
// with 1011 once two consecutive pings go unanswered.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closeCh:
			return
		case <-c.queue.Notify():
			for {
				f, ok := c.queue.Pop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					return
				}
			}
		case <-ticker.C:
			if atomic.AddInt32(&c.missed, 1) > maxMissedPongs {
				c.closeWithCode(1011, "ping timeout")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			atomic.StoreInt64(&c.pingSentMs, time.Now().UnixMilli())
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
