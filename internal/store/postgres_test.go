package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(Config{DSN: connStr, MaxOpenConns: 4}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, DialectPostgres, s.Dialect())
	require.NoError(t, s.EnsureSchema(ctx))
	// idempotent
	require.NoError(t, s.EnsureSchema(ctx))

	now := time.Now()
	first, err := s.OpenRecord(ctx, NewRecord(300, "powershell.exe", "cmd.exe", "powershell -enc AAA", true, now.AddDate(0, 0, -10)))
	require.NoError(t, err)
	second, err := s.OpenRecord(ctx, NewRecord(300, "powershell.exe", "cmd.exe", "powershell", false, now))
	require.NoError(t, err)
	require.Greater(t, second, first)

	open, ok, err := s.FindOpen(ctx, 300)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, open.ID)

	n, err := s.CloseRecord(ctx, 300, now, 2.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CloseRecord(ctx, 999, now, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	yes := true
	recs, err := s.List(ctx, Filter{Suspicious: &yes})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first, recs[0].ID)

	removed, err := s.Prune(ctx, CutoffDate(now, 7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	recs, err = s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusClosed, recs[0].Status)
	assert.InDelta(t, 2.5, recs[0].Duration.Float64, 1e-9)
}
