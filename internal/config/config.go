// Package config loads the environment-variable and YAML configuration
// surfaces described in spec.md §6 ("Environment variables recognized") and
// §4.7 (control-plane symbol universe), following the teacher's pattern of
// reading operational knobs directly from os.Getenv
// (data/cache/cache.go's REDIS_ADDR, internal/interfaces/http/server.go's
// HTTP_PORT) and structural configuration from YAML.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/orderflow/internal/errs"
)

// Env holds the environment-derived operational configuration.
type Env struct {
	BrokerURL      string
	LogLevel       string
	HeatmapBinMult float64
	FootprintBarMs int64
	IcebergK       float64
	WallX          float64
	SpoofT2Ms      int64
	HTTPPort       int
}

const (
	defaultHeatmapBinMult = 10.0
	defaultFootprintBarMs = 60_000
	defaultIcebergK       = 5.0
	defaultWallX          = 10.0
	defaultSpoofT2Ms      = 1_000
	defaultHTTPPort       = 8080
)

// LoadEnv reads the process environment. BROKER_URL is required; every
// other knob has a spec-documented default. A missing BROKER_URL is a
// ConfigurationError (fatal, exit code 2).
func LoadEnv() (Env, error) {
	e := Env{
		LogLevel:       os.Getenv("LOG_LEVEL"),
		HeatmapBinMult: defaultHeatmapBinMult,
		FootprintBarMs: defaultFootprintBarMs,
		IcebergK:       defaultIcebergK,
		WallX:          defaultWallX,
		SpoofT2Ms:      defaultSpoofT2Ms,
		HTTPPort:       defaultHTTPPort,
	}

	e.BrokerURL = os.Getenv("BROKER_URL")
	if e.BrokerURL == "" {
		return Env{}, errs.Configuration("BROKER_URL", errMissingRequired("BROKER_URL"))
	}

	if v := os.Getenv("HEATMAP_BIN_MULT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Env{}, errs.Configuration("HEATMAP_BIN_MULT", err)
		}
		e.HeatmapBinMult = f
	}
	if v := os.Getenv("FOOTPRINT_BAR_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Env{}, errs.Configuration("FOOTPRINT_BAR_MS", err)
		}
		e.FootprintBarMs = n
	}
	if v := os.Getenv("ICEBERG_K"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Env{}, errs.Configuration("ICEBERG_K", err)
		}
		e.IcebergK = f
	}
	if v := os.Getenv("WALL_X"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Env{}, errs.Configuration("WALL_X", err)
		}
		e.WallX = f
	}
	if v := os.Getenv("SPOOF_T2_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Env{}, errs.Configuration("SPOOF_T2_MS", err)
		}
		e.SpoofT2Ms = n
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Env{}, errs.Configuration("HTTP_PORT", err)
		}
		e.HTTPPort = n
	}

	return e, nil
}

// SymbolsFromEnv reads SYMBOLS_{EXCHANGE} (comma list), e.g. SYMBOLS_BINANCE.
func SymbolsFromEnv(exchange string) []string {
	key := "SYMBOLS_" + strings.ToUpper(exchange)
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Universe is the control-plane configuration: which (exchange, symbol)
// pairs to ingest, which feeds to subscribe to, and which derived-channel
// analytics workers to run, per spec.md §4.7.
type Universe struct {
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Analytics AnalyticsToggles          `yaml:"analytics"`
}

type ExchangeConfig struct {
	Symbols []string `yaml:"symbols"`
	Feeds   []string `yaml:"feeds"`
}

type AnalyticsToggles struct {
	Tape     bool `yaml:"tape"`
	Heatmap  bool `yaml:"heatmap"`
	Footprint bool `yaml:"footprint"`
	Iceberg  bool `yaml:"iceberg"`
	WallSpoof bool `yaml:"wall_spoof"`
	Trend    bool `yaml:"trend"`
}

// LoadUniverse parses a symbol-universe YAML file.
func LoadUniverse(path string) (Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Universe{}, errs.Configuration("universe_file", err)
	}
	var u Universe
	if err := yaml.Unmarshal(data, &u); err != nil {
		return Universe{}, errs.Configuration("universe_yaml", err)
	}
	if len(u.Exchanges) == 0 {
		return Universe{}, errs.Configuration("universe_yaml", errMissingRequired("exchanges"))
	}
	return u, nil
}

// DefaultUniverse returns a small built-in universe, used when no config
// file is supplied (e.g. in tests or a minimal first run).
func DefaultUniverse() Universe {
	return Universe{
		Exchanges: map[string]ExchangeConfig{
			"bybit":   {Symbols: []string{"BTCUSDT"}, Feeds: []string{"book", "trades"}},
			"binance": {Symbols: []string{"BTCUSDT"}, Feeds: []string{"book", "trades"}},
			"okx":     {Symbols: []string{"BTC-USDT-SWAP"}, Feeds: []string{"book", "trades"}},
		},
		Analytics: AnalyticsToggles{Tape: true, Heatmap: true, Footprint: true, Iceberg: true, WallSpoof: true},
	}
}

// HeartbeatTTL is the TTL used for worker liveness KV keys, per spec.md §4.5.
const HeartbeatTTL = 10 * time.Second

// DomTTL is the TTL used for the hot store's latest-DOM KV entry, per
// spec.md §4.4.
const DomTTL = 60 * time.Second

type missingRequiredError struct{ field string }

func (e *missingRequiredError) Error() string { return e.field + " is required" }

func errMissingRequired(field string) error { return &missingRequiredError{field: field} }
