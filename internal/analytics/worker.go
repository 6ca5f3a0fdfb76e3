// Package analytics implements the derived-stream workers of SPEC_FULL.md
// §5.5 (spec.md §4.5): tape aggregation, heatmap slicing, footprint bars,
// iceberg detection, wall/spoof detection, and the optional trend scorer.
// Every worker is single-threaded per (exchange, symbol); every
// stream-consuming worker reads its input via a named consumer group so
// restarts never reprocess data (heatmap samples the DOM KV key on a timer
// instead); every worker writes a liveness heartbeat to kv_set("worker:{name}:hb", now, ttl=10s).
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
)

const (
	HeartbeatTTL = 10 * time.Second
	ReadBlock    = time.Second
	ReadCount    = 256
)

// heartbeat writes this worker's liveness marker, per spec.md §4.5.
func heartbeat(ctx context.Context, br broker.Broker, name string, log zerolog.Logger) {
	if err := br.KVSet(ctx, fmt.Sprintf("worker:%s:hb", name), []byte(fmt.Sprintf("%d", time.Now().UnixMilli())), HeartbeatTTL); err != nil {
		log.Warn().Err(err).Str("worker", name).Msg("heartbeat write failed")
	}
}

func publishJSON(ctx context.Context, br broker.Broker, stream string, maxlen int64, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Protocol(stream, err)
	}
	if _, err := br.StreamAppend(ctx, stream, map[string]interface{}{"payload": string(b)}, maxlen); err != nil {
		return err
	}
	return br.PublishPubSub(ctx, stream, b)
}

// readLoop is the read/handle/ack cycle shared by every stream-consuming
// worker (tape, footprint, iceberg, wallspoof, trend): read a batch via the
// named consumer group, invoke handle for every delivered message, ack it,
// then run afterBatch — every round, whether or not the read returned
// anything, so per-tick work like closing due bars or writing the liveness
// heartbeat still happens on a quiet stream. A message its handler cannot
// decode is logged by the handler and acked like any other, and the loop
// continues; no error counter is kept. heatmap
// samples the hot store on a timer instead of consuming a stream and does
// not use this loop.
func readLoop(ctx context.Context, br broker.Broker, group, consumer string, streams []string, block time.Duration, handle func(ctx context.Context, stream string, msg broker.Message), afterBatch func(ctx context.Context)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batches, err := br.StreamReadGroup(ctx, group, consumer, streams, block, ReadCount)
		if err == nil {
			for stream, msgs := range batches {
				ids := make([]string, 0, len(msgs))
				for _, m := range msgs {
					handle(ctx, stream, m)
					ids = append(ids, m.ID)
				}
				if len(ids) > 0 {
					_ = br.Ack(ctx, stream, group, ids...)
				}
			}
		}
		if afterBatch != nil {
			afterBatch(ctx)
		}
	}
}

func payloadOf(msg broker.Message) (string, bool) {
	raw, ok := msg.Fields["payload"].(string)
	return raw, ok
}
