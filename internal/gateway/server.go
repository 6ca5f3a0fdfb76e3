// Package gateway implements the WebSocket/REST distribution layer of
// SPEC_FULL.md §5.6 (spec.md §4.6): one WebSocket subscription per client,
// fanned out across many broker pub/sub channels with bounded-queue
// backpressure, plus read-only REST endpoints over the same broker state.
// Routing and middleware are grounded on the teacher's
// internal/interfaces/http/server.go (gorilla/mux router, request-ID and
// logging middleware, graceful shutdown).
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/metrics"
)

// TaskStatus is one supervised task's liveness, as reported to GET /health.
type TaskStatus struct {
	Name            string
	State           string
	LastHeartbeatMs int64
}

// StatusSource supplies the control plane's current task table. Decouples
// the gateway from the control package to keep the dependency graph
// unidirectional (spec.md §9, "unidirectional flow").
type StatusSource interface {
	Statuses() []TaskStatus
}

// Config holds gateway server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the gateway's HTTP+WebSocket server.
type Server struct {
	router  *mux.Router
	http    *http.Server
	cfg     Config
	br      broker.Broker
	log     zerolog.Logger
	status  StatusSource
	metrics *metrics.Registry
}

func NewServer(cfg Config, br broker.Broker, status StatusSource, m *metrics.Registry, log zerolog.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := listenerAvailable(addr); err != nil {
		return nil, fmt.Errorf("gateway port %d unavailable: %w", cfg.Port, err)
	}
	if m == nil {
		m = metrics.NewRegistry()
	}

	s := &Server{
		router:  mux.NewRouter(),
		cfg:     cfg,
		br:      br,
		status:  status,
		metrics: m,
		log:     log.With().Str("component", "gateway").Logger(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/dom/{exchange}/{symbol}", s.handleDOM).Methods("GET")
	s.router.HandleFunc("/trades/{exchange}/{symbol}", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/kline/{exchange}/{symbol}", s.handleKline).Methods("GET")
	s.router.HandleFunc("/oi/{exchange}/{symbol}", s.handleOI).Methods("GET")
	s.router.HandleFunc("/liquidations/{exchange}/{symbol}", s.handleLiquidations).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ListenAndServe starts the server; it returns when the listener stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("gateway listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func parseLimit(r *http.Request, def, max int64) int64 {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func listenerAvailable(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Close()
}

func muxVars(r *http.Request) (exchange, symbol string) {
	v := mux.Vars(r)
	return v["exchange"], v["symbol"]
}

func writeClientErr(w http.ResponseWriter, err error) {
	if ce, ok := err.(*errs.ClientError); ok {
		http.Error(w, ce.Reason, http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
