package store

import (
	"context"
	"sync"
	"time"
)

// Locked serializes every call into the wrapped Store. The monitor loop and the
// periodic pruner share one Locked so their writes never interleave.
type Locked struct {
	mu    sync.Mutex
	inner Store
}

func NewLocked(s Store) *Locked { return &Locked{inner: s} }

func (l *Locked) EnsureSchema(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.EnsureSchema(ctx)
}

func (l *Locked) OpenRecord(ctx context.Context, rec Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.OpenRecord(ctx, rec)
}

func (l *Locked) FindOpen(ctx context.Context, pid int32) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.FindOpen(ctx, pid)
}

func (l *Locked) CloseRecord(ctx context.Context, pid int32, end time.Time, durationSeconds float64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.CloseRecord(ctx, pid, end, durationSeconds)
}

func (l *Locked) Prune(ctx context.Context, cutoffDate string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Prune(ctx, cutoffDate)
}

func (l *Locked) List(ctx context.Context, f Filter) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.List(ctx, f)
}

func (l *Locked) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Ping(ctx)
}

func (l *Locked) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Close()
}
