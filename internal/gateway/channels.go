package gateway

import (
	"fmt"
	"strings"

	"github.com/sawpanic/orderflow/internal/errs"
)

// channelBinding maps one client-visible channel name to the broker stream
// and pub/sub channel backing it (spec.md §6, "Broker stream and channel
// names"). field is set only for the scores/signals channels, which all
// share the underlying scores:{ex}:{sym} stream and are distinguished by
// which field of the TrendScores record the client actually wants.
type channelBinding struct {
	stream string
	field  string
}

// bindChannel resolves a client-requested channel name to its broker
// stream for (exchange, symbol). ai_response is accepted (it is not an
// unknown channel) but resolves to no stream: the LLM-snapshot pipeline is
// out of scope here (spec.md §1), so the channel is a silent no-op rather
// than a subscription error.
func bindChannel(name, exchange, symbol string) (channelBinding, error) {
	switch name {
	case "orderbook_realtime":
		return channelBinding{stream: fmt.Sprintf("dom:%s:%s", exchange, symbol)}, nil
	case "trades_realtime":
		return channelBinding{stream: fmt.Sprintf("trades:%s:%s", exchange, symbol)}, nil
	case "kline":
		return channelBinding{stream: fmt.Sprintf("kline:%s:%s", exchange, symbol)}, nil
	case "open_interest":
		return channelBinding{stream: fmt.Sprintf("oi:%s:%s", exchange, symbol)}, nil
	case "liquidations":
		return channelBinding{stream: fmt.Sprintf("liq:%s:%s", exchange, symbol)}, nil
	case "heatmap_stream":
		return channelBinding{stream: fmt.Sprintf("heatmap:%s:%s", exchange, symbol)}, nil
	case "footprint_stream":
		return channelBinding{stream: fmt.Sprintf("footprint:%s:%s", exchange, symbol)}, nil
	case "events_stream":
		return channelBinding{stream: fmt.Sprintf("events:%s:%s", exchange, symbol)}, nil
	case "scores.trend":
		return channelBinding{stream: fmt.Sprintf("scores:%s:%s", exchange, symbol), field: "trend"}, nil
	case "scores.exhaustion":
		return channelBinding{stream: fmt.Sprintf("scores:%s:%s", exchange, symbol), field: "exhaustion"}, nil
	case "signals.rule_reversal":
		return channelBinding{stream: fmt.Sprintf("scores:%s:%s", exchange, symbol), field: "rule_reversal"}, nil
	case "ai_response":
		return channelBinding{}, nil
	default:
		return channelBinding{}, errs.Client(4400, "unknown channel: "+name)
	}
}

// parseChannels splits a comma-separated channel list, drops repeated
// names, and validates every entry, per spec.md §4.6 step 1 ("reject
// unknown channels with code 4400").
func parseChannels(raw, exchange, symbol string) ([]string, map[string]channelBinding, error) {
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	bindings := make(map[string]channelBinding, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if _, dup := bindings[name]; dup {
			continue
		}
		b, err := bindChannel(name, exchange, symbol)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		bindings[name] = b
	}
	if len(names) == 0 {
		return nil, nil, errs.Client(4400, "no channels requested")
	}
	return names, bindings, nil
}
