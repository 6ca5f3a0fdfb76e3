// Package hotstore implements the hot state store of SPEC_FULL.md §5.4
// (spec.md §4.4): it subscribes to raw DOM/trade/kline/OI/liquidation
// streams via a consumer group, maintains one authoritative in-process DOM
// per instrument, and republishes changes through KV + pub/sub for the
// gateway's snapshot-then-stream bootstrap.
package hotstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/model"
)

const (
	// DomTTL matches spec.md §4.4's kv_set("dom:{ex}:{sym}", dom, ttl=60s).
	DomTTL = 60 * time.Second

	// TradesStreamMaxLen matches spec.md §4.4's "capped at ~10k entries".
	TradesStreamMaxLen = 10_000

	ConsumerGroup = "hotstore"

	readBlock = time.Second
	readCount = 256
)

// Instrument identifies one (exchange, symbol) the hot store tracks.
type Instrument struct {
	Exchange string
	Symbol   string
}

// Store owns current_dom for every tracked instrument plus the trimmed
// rolling trade buffer, reading from the broker's raw streams and
// republishing through KV + pub/sub.
type Store struct {
	br   broker.Broker
	log  zerolog.Logger
	instr []Instrument
	consumer string

	mu          sync.RWMutex
	currentDOM  map[string]model.DOM
	recentTrade map[string][]model.Trade
}

func New(br broker.Broker, instruments []Instrument, consumer string, log zerolog.Logger) *Store {
	return &Store{
		br:          br,
		log:         log.With().Str("component", "hotstore").Logger(),
		instr:       instruments,
		consumer:    consumer,
		currentDOM:  make(map[string]model.DOM),
		recentTrade: make(map[string][]model.Trade),
	}
}

func key(exchange, symbol string) string { return exchange + ":" + symbol }

func domStream(i Instrument) string    { return fmt.Sprintf("dom:%s:%s", i.Exchange, i.Symbol) }
func tradesStream(i Instrument) string { return fmt.Sprintf("trades:%s:%s", i.Exchange, i.Symbol) }
func klineStream(i Instrument) string  { return fmt.Sprintf("kline:%s:%s", i.Exchange, i.Symbol) }
func oiStream(i Instrument) string     { return fmt.Sprintf("oi:%s:%s", i.Exchange, i.Symbol) }
func liqStream(i Instrument) string    { return fmt.Sprintf("liq:%s:%s", i.Exchange, i.Symbol) }

// Run consumes every tracked instrument's raw streams until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	streams := make([]string, 0, len(s.instr)*5)
	byStream := make(map[string]Instrument, len(s.instr)*5)
	for _, i := range s.instr {
		for _, st := range []string{domStream(i), tradesStream(i), klineStream(i), oiStream(i), liqStream(i)} {
			streams = append(streams, st)
			byStream[st] = i
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		batches, err := s.br.StreamReadGroup(ctx, ConsumerGroup, s.consumer, streams, readBlock, readCount)
		if err != nil {
			s.log.Warn().Err(err).Msg("stream read failed")
			continue
		}
		for stream, msgs := range batches {
			instr := byStream[stream]
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				s.handle(ctx, instr, stream, m)
				ids = append(ids, m.ID)
			}
			if len(ids) > 0 {
				if err := s.br.Ack(ctx, stream, ConsumerGroup, ids...); err != nil {
					s.log.Warn().Err(err).Str("stream", stream).Msg("ack failed")
				}
			}
		}
	}
}

func (s *Store) handle(ctx context.Context, instr Instrument, stream string, msg broker.Message) {
	raw, ok := msg.Fields["payload"].(string)
	if !ok {
		s.log.Warn().Str("stream", stream).Msg("message missing payload field")
		return
	}

	switch stream {
	case domStream(instr):
		var dom model.DOM
		if err := json.Unmarshal([]byte(raw), &dom); err != nil {
			s.log.Warn().Err(errs.Protocol(stream, err)).Msg("dom decode failed")
			return
		}
		s.applyDOM(ctx, instr, dom)
	case tradesStream(instr):
		var t model.Trade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.log.Warn().Err(errs.Protocol(stream, err)).Msg("trade decode failed")
			return
		}
		s.appendTrade(ctx, instr, t)
	case klineStream(instr), oiStream(instr), liqStream(instr):
		// Passthrough streams: the hot store only needs to relay, via
		// pub/sub, for the gateway to forward; no local state is kept.
		if err := s.br.PublishPubSub(ctx, stream, []byte(raw)); err != nil {
			s.log.Warn().Err(err).Str("stream", stream).Msg("pubsub relay failed")
		}
	}
}

// applyDOM updates current_dom and republishes via KV + pub/sub, per
// spec.md §4.4's consistency contract (kv_set then pubsub_publish on every
// change).
func (s *Store) applyDOM(ctx context.Context, instr Instrument, dom model.DOM) {
	k := key(instr.Exchange, instr.Symbol)
	s.mu.Lock()
	s.currentDOM[k] = dom
	s.mu.Unlock()

	b, err := json.Marshal(dom)
	if err != nil {
		s.log.Warn().Err(err).Msg("dom marshal failed")
		return
	}
	channel := domStream(instr)
	if err := s.br.KVSet(ctx, channel, b, DomTTL); err != nil {
		s.log.Warn().Err(err).Str("key", channel).Msg("dom kv_set failed")
	}
	if err := s.br.PublishPubSub(ctx, channel, b); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("dom pubsub_publish failed")
	}
}

// appendTrade keeps an in-process recent-trades view (read through
// RecentTrades; the gateway's REST trades endpoint reads the broker stream
// instead) and relays the trade via pub/sub, plus a trimmed
// durable copy via the broker's own stream trimming (handled by the
// ingestor's StreamAppend maxlen; the hot store's trades:{ex}:{sym} stream
// here is the same stream the ingestor already wrote to — the hot store
// simply tails it rather than re-appending, to avoid double-writing the
// single-writer-per-key convention of spec.md §5).
func (s *Store) appendTrade(ctx context.Context, instr Instrument, t model.Trade) {
	k := key(instr.Exchange, instr.Symbol)
	s.mu.Lock()
	buf := append(s.recentTrade[k], t)
	if len(buf) > TradesStreamMaxLen {
		buf = buf[len(buf)-TradesStreamMaxLen:]
	}
	s.recentTrade[k] = buf
	s.mu.Unlock()

	b, err := json.Marshal(t)
	if err != nil {
		s.log.Warn().Err(err).Msg("trade marshal failed")
		return
	}
	channel := tradesStream(instr)
	if err := s.br.PublishPubSub(ctx, channel, b); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("trade pubsub_publish failed")
	}
}

// GetDOM returns the latest known DOM for (exchange, symbol). The gateway's
// on-connect bootstrap frame reads the KV copy written by applyDOM instead.
func (s *Store) GetDOM(exchange, symbol string) (model.DOM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dom, ok := s.currentDOM[key(exchange, symbol)]
	return dom, ok
}

// RecentTrades returns up to limit of the most recent trades for
// (exchange, symbol), newest-first.
func (s *Store) RecentTrades(exchange, symbol string, limit int) []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.recentTrade[key(exchange, symbol)]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]model.Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = buf[len(buf)-1-i]
	}
	return out
}
