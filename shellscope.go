// Package shellscope watches the host process table for shell processes,
// classifies their command lines and keeps a queryable lifecycle history.
package shellscope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/shellscope/internal/config"
	"github.com/loykin/shellscope/internal/cron"
	"github.com/loykin/shellscope/internal/detector"
	"github.com/loykin/shellscope/internal/emitter"
	"github.com/loykin/shellscope/internal/history"
	"github.com/loykin/shellscope/internal/history/factory"
	"github.com/loykin/shellscope/internal/logger"
	"github.com/loykin/shellscope/internal/metrics"
	"github.com/loykin/shellscope/internal/monitor"
	iapi "github.com/loykin/shellscope/internal/server"
	"github.com/loykin/shellscope/internal/snapshot"
	"github.com/loykin/shellscope/internal/store"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type Record = store.Record

type Filter = store.Filter

type Descriptor = snapshot.Descriptor

type Provider = snapshot.Provider

type HistorySink = history.Sink

type HistoryEvent = history.Event

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML file (may be empty) plus SHELLSCOPE_* overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// NewLogger builds the diagnostic logger described by cfg.Log.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	return logger.New(cfg.Log, os.Stderr)
}

// Store is the lifecycle history with retention, safe for concurrent use.
type Store struct {
	inner *store.Locked
	raw   *store.SQLStore
	log   *slog.Logger
}

// OpenStore connects to the configured store and ensures its schema.
func OpenStore(ctx context.Context, cfg store.Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	raw, err := store.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := raw.EnsureSchema(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{inner: store.NewLocked(raw), raw: raw, log: log}, nil
}

// Records lists lifecycle records newest first.
func (s *Store) Records(ctx context.Context, f Filter) ([]Record, error) {
	return s.inner.List(ctx, f)
}

// Prune removes records older than days. Non-positive days disables pruning.
func (s *Store) Prune(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := store.CutoffDate(time.Now(), days)
	n, err := s.inner.Prune(ctx, cutoff)
	if err != nil {
		metrics.IncStoreError("prune")
		return 0, err
	}
	metrics.AddPruned(n)
	if n > 0 {
		s.log.Info("pruned old lifecycle records", "count", n, "before", cutoff)
	}
	return n, nil
}

// Dialect reports the backing database dialect (sqlite or postgres).
func (s *Store) Dialect() string { return s.raw.Dialect() }

// Close waits for any in-flight store call before closing the database.
func (s *Store) Close() error { return s.inner.Close() }

// Option customizes an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	log      *slog.Logger
	events   io.Writer
	provider snapshot.Provider
	sinks    []history.Sink
}

// WithLogger sets the diagnostic logger. By default one is built from cfg.Log.
func WithLogger(l *slog.Logger) Option { return func(o *agentOptions) { o.log = l } }

// WithEventWriter sets the event stream destination (default stdout).
func WithEventWriter(w io.Writer) Option { return func(o *agentOptions) { o.events = w } }

// WithProvider replaces the gopsutil process provider.
func WithProvider(p Provider) Option { return func(o *agentOptions) { o.provider = p } }

// WithHistorySinks adds sinks on top of those configured by DSN.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *agentOptions) { o.sinks = append(o.sinks, s...) }
}

// Agent wires the snapshot source, classifier, store and emitter into a
// running monitor with optional retention, query API and metrics listeners.
type Agent struct {
	cfg       Config
	log       *slog.Logger
	logCloser io.Closer
	store     *Store
	sinks     []history.Sink
	mon       *monitor.Monitor
}

// New validates cfg and opens every resource the agent needs. Nothing runs
// until Run is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o agentOptions
	for _, fn := range opts {
		fn(&o)
	}

	a := &Agent{cfg: cfg, log: o.log}
	if a.log == nil {
		l, closer, err := logger.New(cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		a.log, a.logCloser = l, closer
	}

	st, err := OpenStore(ctx, cfg.Store, a.log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = st

	a.sinks = append(a.sinks, o.sinks...)
	for _, dsn := range cfg.History.Sinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			a.log.Warn("history sink disabled", "dsn", dsn, "error", err)
			continue
		}
		a.sinks = append(a.sinks, sink)
	}

	events := o.events
	if events == nil {
		events = os.Stdout
	}
	stream := emitter.NewStream(events, a.log, a.sinks...)
	stream.SetSinkTimeout(cfg.History.Timeout)

	provider := o.provider
	if provider == nil {
		provider = snapshot.NewGopsutilProvider()
	}
	src := snapshot.NewSource(provider, a.log)
	det := detector.NewKeywordDetector(cfg.Detector.Keywords)
	a.mon = monitor.New(cfg.Monitor, src, det, st.inner, stream, a.log)
	return a, nil
}

// Store returns the agent's lifecycle store.
func (a *Agent) Store() *Store { return a.store }

// Logger returns the diagnostic logger.
func (a *Agent) Logger() *slog.Logger { return a.log }

// Run prunes expired history, starts the configured listeners and the
// retention schedule, then runs the monitor until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.store.Prune(ctx, a.cfg.Retention.Days); err != nil {
		a.log.Warn("startup prune failed", "error", err)
	}

	if a.cfg.Retention.Schedule != "" {
		sched := cron.NewScheduler(a.log)
		job := &cron.Job{
			Name:     "retention",
			Schedule: a.cfg.Retention.Schedule,
			Run: func(ctx context.Context) error {
				_, err := a.store.Prune(ctx, a.cfg.Retention.Days)
				return err
			},
		}
		if err := sched.Add(job); err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	var servers []*http.Server
	if a.cfg.Metrics.Listen != "" {
		if err := RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		servers = append(servers, startServer(NewMetricsServer(a.cfg.Metrics.Listen), a.log))
		a.log.Info("metrics listening", "addr", a.cfg.Metrics.Listen)
	}
	if a.cfg.Server.Listen != "" {
		r := iapi.NewRouter(a.store.inner, a.cfg.Server.BasePath, a.log)
		servers = append(servers, iapi.NewServer(a.cfg.Server.Listen, r))
		a.log.Info("query API listening", "addr", a.cfg.Server.Listen, "base", r.BasePath())
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(sctx)
		}
	}()

	return a.mon.Run(ctx)
}

// Close releases the store, history sinks and log file.
func (a *Agent) Close() error {
	var errs []error
	for _, s := range a.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// Handler returns the read-only query API mounted at basePath.
func (a *Agent) Handler(basePath string) http.Handler {
	return iapi.NewRouter(a.store.inner, basePath, a.log).Handler()
}

// NewHTTPServer starts an HTTP server exposing the query API for a.
func NewHTTPServer(addr, basePath string, a *Agent) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(a.store.inner, basePath, a.log))
}

// MountEcho mounts the query API into an existing echo application.
func MountEcho(e *echo.Echo, basePath string, a *Agent) {
	r := iapi.NewRouter(a.store.inner, basePath, a.log)
	h := echo.WrapHandler(r.Handler())
	base := r.BasePath()
	if base != "" {
		e.Any(base, h)
	}
	e.Any(base+"/*", h)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted server exposing /metrics from the
// default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeMetrics serves /metrics on addr in the caller goroutine.
func ServeMetrics(addr string) error {
	return NewMetricsServer(addr).ListenAndServe()
}

func startServer(srv *http.Server, log *slog.Logger) *http.Server {
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listener stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv
}
