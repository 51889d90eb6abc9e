// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api is the operator HTTP surface: read-only views of pipeline
// state, user firewall rules, Prometheus metrics and a live telemetry
// stream.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/prevention"
	"grimm.is/vakthund/internal/telemetry"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns conservative limits.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Zero: the telemetry stream is long-lived.
		WriteTimeout:    0,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 16,
		MaxBodyBytes:    1 << 16,
		ShutdownTimeout: 5 * time.Second,
	}
}

// StatsFunc returns a JSON-serialisable snapshot.
type StatsFunc func() any

// Options holds the server's dependencies. Only Prevention is required.
type Options struct {
	Prevention *prevention.Engine
	Stats      StatsFunc
	Ring       *telemetry.Ring
	Gatherer   prometheus.Gatherer
	// Clock stamps rule changes and quarantine views. Nil is wall time.
	Clock clock.Clock
	// EventTime, when set and reporting a time, takes precedence over
	// Clock so views of replayed captures follow capture time.
	EventTime func() (time.Time, bool)
	Logger    *logging.Logger
	Config    ServerConfig
}

// Server handles API requests.
type Server struct {
	prev   *prevention.Engine
	stats  StatsFunc
	ring   *telemetry.Ring
	clock  clock.Clock
	events func() (time.Time, bool)
	logger *logging.Logger
	cfg    ServerConfig
	router *mux.Router
}

// now is the newest event time if one is known, else the clock.
func (s *Server) now() time.Time {
	if s.events != nil {
		if t, ok := s.events(); ok {
			return t
		}
	}
	return s.clock.Now()
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Prevention == nil {
		return nil, errors.New(errors.KindValidation, "api server needs the prevention engine")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Config == (ServerConfig{}) {
		opts.Config = DefaultServerConfig()
	}
	s := &Server{
		prev:   opts.Prevention,
		stats:  opts.Stats,
		ring:   opts.Ring,
		clock:  opts.Clock,
		events: opts.EventTime,
		logger: opts.Logger.WithComponent("api"),
		cfg:    opts.Config,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/quarantine", s.handleQuarantine).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleInstallRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{source}", s.handleRemoveRule).Methods(http.MethodDelete)
	api.HandleFunc("/telemetry", s.handleRecent).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/stream", s.handleStream).Methods(http.MethodGet)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, errors.KindUnavailable, "api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindTimeout, "api shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps an error kind to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	code := http.StatusInternalServerError
	switch kind {
	case errors.KindValidation, errors.KindDecode:
		code = http.StatusBadRequest
	case errors.KindNotFound:
		code = http.StatusNotFound
	case errors.KindConflict:
		code = http.StatusConflict
	case errors.KindCapacity, errors.KindExhausted:
		code = http.StatusInsufficientStorage
	case errors.KindUnavailable:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind.String()})
}
