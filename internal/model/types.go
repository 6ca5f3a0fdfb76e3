// Package model defines the canonical entities of SPEC_FULL.md §4 (spec.md
// §3): the data shapes every exchange adapter normalizes into and every
// downstream component consumes. Timestamps are milliseconds since the
// Unix epoch unless noted, matching spec.md's convention.
package model

// InstrumentKey partitions every stream, channel, and KV entry in the
// system.
type InstrumentKey struct {
	Exchange      string
	Symbol        string
	ContractClass string
}

func (k InstrumentKey) String() string {
	if k.ContractClass == "" {
		return k.Exchange + ":" + k.Symbol
	}
	return k.Exchange + ":" + k.Symbol + ":" + k.ContractClass
}

// Side is a normalized trade/order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Level is a single (price, size) order-book entry.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// DOM is a depth-of-market snapshot: bids descending by price, asks
// ascending by price.
type DOM struct {
	Exchange    string  `json:"exchange"`
	Symbol      string  `json:"symbol"`
	TsMs        int64   `json:"ts"`
	UpdateID    int64   `json:"update_id"`
	Bids        []Level `json:"bids"`
	Asks        []Level `json:"asks"`
}

// BestBid returns the highest bid level, or (Level{}, false) if empty.
func (d DOM) BestBid() (Level, bool) {
	if len(d.Bids) == 0 {
		return Level{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the lowest ask level, or (Level{}, false) if empty.
func (d DOM) BestAsk() (Level, bool) {
	if len(d.Asks) == 0 {
		return Level{}, false
	}
	return d.Asks[0], true
}

// Trade is a single executed trade. TradeID is unique within (exchange,
// symbol); ties on (ts, trade_id) resolve ordering.
type Trade struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	TsMs     int64  `json:"ts"`
	TradeID  string `json:"trade_id"`
	Side     Side   `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
}

// Kline is a single candle. A non-confirmed candle may be overwritten by
// later updates sharing Start; confirmed candles are immutable.
type Kline struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	StartMs  int64   `json:"start"`
	EndMs    int64   `json:"end"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Confirm  bool    `json:"confirm"`
}

// OpenInterest is a single open-interest observation.
type OpenInterest struct {
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	TsMs            int64   `json:"ts"`
	OpenInterest    float64 `json:"open_interest"`
	OpenInterestUSD float64 `json:"open_interest_value,omitempty"`
}

// Liquidation is a single forced-liquidation print.
type Liquidation struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	TsMs     int64   `json:"ts"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// HeatmapRow is one price-bin's aggregated visible volume at slice time.
type HeatmapRow struct {
	Bin    float64 `json:"bin"`
	VolBid float64 `json:"vol_bid"`
	VolAsk float64 `json:"vol_ask"`
}

// HeatmapSlice is a DOM snapshot binned by price at slice time.
type HeatmapSlice struct {
	Exchange string       `json:"exchange"`
	Symbol   string       `json:"symbol"`
	TsMs     int64        `json:"ts"`
	Rows     []HeatmapRow `json:"rows"`
}

// FootprintLevel is one price level's aggressor-classified trade volume
// within a footprint bar.
type FootprintLevel struct {
	Price  float64 `json:"price"`
	VolBid float64 `json:"vol_bid"`
	VolAsk float64 `json:"vol_ask"`
	Delta  float64 `json:"delta"`
}

// FootprintBar is a closed time-bucket of trades grouped by price level.
// Never mutated once emitted.
type FootprintBar struct {
	Exchange        string           `json:"exchange"`
	Symbol          string           `json:"symbol"`
	StartMs         int64            `json:"start"`
	EndMs           int64            `json:"end"`
	Levels          []FootprintLevel `json:"levels"`
	POCPrice        *float64         `json:"poc_price,omitempty"`
	ImbalanceLevels []float64        `json:"imbalance_levels,omitempty"`
}

// EventType enumerates derived market-structure events.
type EventType string

const (
	EventIceberg EventType = "ICEBERG"
	EventWall    EventType = "WALL"
	EventSpoof   EventType = "SPOOF"
)

// Event is an immutable market-structure detection.
type Event struct {
	ID       string                 `json:"id"`
	Type     EventType              `json:"type"`
	Exchange string                 `json:"exchange"`
	Symbol   string                 `json:"symbol"`
	TsMs     int64                  `json:"ts"`
	Side     Side                   `json:"side"`
	Price    float64                `json:"price"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}
