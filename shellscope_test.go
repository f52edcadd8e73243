package shellscope

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/shellscope/internal/store"
)

// phasedProvider reports no shells, then one cmd.exe, then none again.
type phasedProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *phasedProvider) Enumerate(context.Context, []string) ([]Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 2 || p.calls == 3 {
		return []Descriptor{{PID: 4321, Name: "cmd.exe", ParentPID: 100, CommandLine: "cmd.exe /c dir"}}, nil
	}
	return nil, nil
}

func (p *phasedProvider) Lookup(_ context.Context, pid int32) (*Descriptor, error) {
	if pid == 100 {
		return &Descriptor{PID: 100, Name: "explorer.exe"}, nil
	}
	return nil, nil
}

// syncBuffer guards a bytes.Buffer shared between the agent and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "shellscope.db")
	cfg.Monitor.Interval = 20 * time.Millisecond
	cfg.Monitor.ErrorBackoff = 10 * time.Millisecond
	return cfg
}

func TestAgentEmitsLifecycle(t *testing.T) {
	cfg := testConfig(t)
	var out syncBuffer
	a, err := New(context.Background(), cfg, WithLogger(quietLogger()), WithEventWriter(&out), WithProvider(&phasedProvider{}))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"status":"CLOSED"`)
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "ENGINE_STARTED", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "LOG::"))
	assert.Contains(t, lines[1], `"status":"NEW"`)
	assert.Contains(t, lines[1], `"parent":"explorer.exe"`)
	assert.Contains(t, lines[1], `"suspicious":true`)
	assert.Contains(t, lines[2], `"isRunning":false`)

	recs, err := a.Store().Records(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsRunning)
	assert.True(t, recs[0].Duration.Valid)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.DSN = ""
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestNewSkipsBrokenSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Sinks = []string{"kafka://nowhere"}
	a, err := New(context.Background(), cfg, WithLogger(quietLogger()), WithEventWriter(io.Discard))
	require.NoError(t, err)
	assert.Empty(t, a.sinks)
	require.NoError(t, a.Close())
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(ctx, store.Config{DSN: filepath.Join(t.TempDir(), "p.db")}, quietLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "sqlite", s.Dialect())

	now := time.Now()
	_, err = s.inner.OpenRecord(ctx, store.NewRecord(1, "cmd.exe", "N/A", "", false, now.AddDate(0, 0, -10)))
	require.NoError(t, err)
	_, err = s.inner.OpenRecord(ctx, store.NewRecord(2, "cmd.exe", "N/A", "", false, now.AddDate(0, 0, -3)))
	require.NoError(t, err)

	n, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Prune(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.Records(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int32(2), recs[0].PID)
}

// gatedStore blocks Prune until release is closed.
type gatedStore struct {
	store.Store
	entered        chan struct{}
	release        chan struct{}
	pruning        bool
	closedMidPrune bool
}

func (g *gatedStore) Prune(ctx context.Context, cutoff string) (int64, error) {
	g.pruning = true
	close(g.entered)
	<-g.release
	n, err := g.Store.Prune(ctx, cutoff)
	g.pruning = false
	return n, err
}

func (g *gatedStore) Close() error {
	g.closedMidPrune = g.pruning
	return g.Store.Close()
}

func TestStoreCloseWaitsForPrune(t *testing.T) {
	raw, err := store.Open(store.Config{DSN: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, raw.EnsureSchema(context.Background()))
	g := &gatedStore{Store: raw, entered: make(chan struct{}), release: make(chan struct{})}
	st := &Store{inner: store.NewLocked(g), raw: raw, log: slog.Default()}

	pruned := make(chan error, 1)
	go func() {
		_, err := st.Prune(context.Background(), 7)
		pruned <- err
	}()
	<-g.entered

	closed := make(chan error, 1)
	go func() { closed <- st.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a prune was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	require.NoError(t, <-pruned)
	require.NoError(t, <-closed)
	assert.False(t, g.closedMidPrune)
}

func TestMountEcho(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, WithLogger(quietLogger()), WithEventWriter(io.Discard), WithProvider(&phasedProvider{}))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	e := echo.New()
	MountEcho(e, "/api", a)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records/running", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestMetricsServer(t *testing.T) {
	require.NoError(t, RegisterMetrics(prometheus.NewRegistry()))
	srv := httptest.NewServer(NewMetricsServer("").Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewLoggerFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.File = filepath.Join(t.TempDir(), "diag.log")
	l, closer, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, closer)
	l.Info("hello")
	require.NoError(t, closer.Close())
}
