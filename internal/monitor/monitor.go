package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/shellscope/internal/detector"
	"github.com/loykin/shellscope/internal/metrics"
	"github.com/loykin/shellscope/internal/snapshot"
	"github.com/loykin/shellscope/internal/store"
)

const (
	DefaultInterval     = 2 * time.Second
	DefaultErrorBackoff = 1 * time.Second
)

// DefaultWatchNames is the watch-list used when none is configured.
var DefaultWatchNames = []string{"cmd.exe", "powershell.exe", "wt.exe", "conhost.exe", "bash", "sh", "zsh"}

// ErrCorrelationMiss is reported when a watched process disappears without a
// matching open record, e.g. it was already running when the monitor started.
var ErrCorrelationMiss = errors.New("no open record for disappeared process")

// Config controls the poll cadence and the watch-list.
type Config struct {
	WatchNames   []string      `toml:"watch" mapstructure:"watch"`
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
	ErrorBackoff time.Duration `toml:"error_backoff" mapstructure:"error_backoff"`
}

func (c Config) withDefaults() Config {
	if len(c.WatchNames) == 0 {
		c.WatchNames = DefaultWatchNames
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return c
}

// Source yields snapshots of watched processes.
type Source interface {
	Poll(ctx context.Context, names []string) (snapshot.Snapshot, error)
	ResolveParentName(ctx context.Context, ppid int32) string
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Ready() error
	Started(ctx context.Context, rec store.Record, at time.Time) error
	Ended(ctx context.Context, rec store.Record, at time.Time) error
}

// Monitor turns successive snapshots into start and end events backed by
// persisted lifecycle records. Run must be called from a single goroutine.
type Monitor struct {
	cfg      Config
	src      Source
	det      detector.Detector
	st       store.Store
	em       Emitter
	log      *slog.Logger
	now      func() time.Time
	previous snapshot.Snapshot
	seeded   bool
}

func New(cfg Config, src Source, det detector.Detector, st store.Store, em Emitter, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		src:      src,
		det:      det,
		st:       st,
		em:       em,
		log:      log,
		now:      time.Now,
		previous: snapshot.Snapshot{},
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Run announces readiness, seeds the first snapshot and then polls until ctx
// is cancelled. Processes alive at startup never produce start events.
// Cancellation is only observed between cycles; a cycle in flight always
// completes its store writes and emissions.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.em.Ready(); err != nil {
		m.log.Warn("readiness line not written", "error", err)
	}
	m.log.Info("monitor loop started", "watch", m.cfg.WatchNames, "interval", m.cfg.Interval)
	work := context.WithoutCancel(ctx)
	m.seed(work)

	for {
		if !sleep(ctx, m.cfg.Interval) {
			m.log.Info("monitor loop stopped")
			return nil
		}
		if err := m.safeCycle(work); err != nil {
			m.log.Error("monitor cycle failed", "error", err)
			metrics.IncPollError()
			if !sleep(ctx, m.cfg.ErrorBackoff) {
				return nil
			}
		}
	}
}

func (m *Monitor) seed(ctx context.Context) {
	snap, err := m.src.Poll(ctx, m.cfg.WatchNames)
	if err != nil {
		m.log.Warn("initial snapshot failed; retrying on next cycle", "error", err)
		return
	}
	m.previous = snap
	m.seeded = true
	metrics.SetWatched(len(snap))
	m.log.Debug("initial snapshot taken", "processes", len(snap))
}

func (m *Monitor) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return m.cycle(ctx)
}

// cycle runs one poll, diff and reaction pass. On a provider error nothing is
// reacted to and the previous snapshot is kept.
func (m *Monitor) cycle(ctx context.Context) error {
	began := time.Now()
	defer func() { metrics.ObserveCycle(time.Since(began).Seconds()) }()

	current, err := m.src.Poll(ctx, m.cfg.WatchNames)
	if err != nil {
		return err
	}
	if !m.seeded {
		m.previous = current
		m.seeded = true
		metrics.SetWatched(len(current))
		return nil
	}

	appeared, disappeared := snapshot.Diff(m.previous, current)
	for _, pid := range appeared {
		m.started(ctx, current[pid])
	}
	for _, pid := range disappeared {
		if err := m.ended(ctx, pid); err != nil {
			if errors.Is(err, ErrCorrelationMiss) {
				m.log.Debug("process ended without open record", "pid", pid)
				metrics.IncCorrelationMiss()
				continue
			}
			m.log.Warn("process end not recorded", "pid", pid, "error", err)
		}
	}

	m.previous = current
	metrics.SetWatched(len(current))
	return nil
}

func (m *Monitor) started(ctx context.Context, d snapshot.Descriptor) {
	parent := m.src.ResolveParentName(ctx, d.ParentPID)
	suspicious := m.det.Suspicious(d.CommandLine)
	at := m.now()

	rec := store.NewRecord(d.PID, d.Name, parent, d.CommandLine, suspicious, at)
	id, err := m.st.OpenRecord(ctx, rec)
	if err != nil {
		m.log.Warn("open lifecycle record", "pid", d.PID, "error", err)
		metrics.IncStoreError("open")
	} else {
		rec.ID = id
	}
	metrics.IncStart(d.Name, suspicious)

	if suspicious {
		m.log.Info("suspicious process started", "pid", d.PID, "child", d.Name, "parent", parent, "args", d.CommandLine)
	} else {
		m.log.Debug("process started", "pid", d.PID, "child", d.Name, "parent", parent)
	}
	if err := m.em.Started(ctx, rec, at); err != nil {
		m.log.Warn("emit start", "pid", d.PID, "error", err)
	}
}

func (m *Monitor) ended(ctx context.Context, pid int32) error {
	rec, ok, err := m.st.FindOpen(ctx, pid)
	if err != nil {
		metrics.IncStoreError("find")
		return err
	}
	if !ok {
		return ErrCorrelationMiss
	}

	at := m.now()
	dur := store.EpochSeconds(at) - rec.StartEpoch
	if dur < 0 {
		dur = 0
	}
	n, err := m.st.CloseRecord(ctx, pid, at, dur)
	if err != nil {
		metrics.IncStoreError("close")
		return err
	}
	if n == 0 {
		return ErrCorrelationMiss
	}

	rec.IsRunning = false
	rec.Status = store.StatusClosed
	rec.EndTime = sql.NullString{String: at.Format(store.TimeLayout), Valid: true}
	rec.Duration = sql.NullFloat64{Float64: dur, Valid: true}
	metrics.IncEnd(rec.Child)
	m.log.Debug("process ended", "pid", pid, "child", rec.Child, "duration", dur)

	if err := m.em.Ended(ctx, rec, at); err != nil {
		m.log.Warn("emit end", "pid", pid, "error", err)
	}
	return nil
}

// sleep waits for d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
