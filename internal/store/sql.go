package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialects supported by SQLStore.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const table = "logs"

// SQLStore implements Store on a relational database. It supports SQLite
// (modernc.org/sqlite, CGO-free) and Postgres (pgx stdlib).
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger
}

// Open connects to the database named by cfg.DSN. The schema is not touched;
// call EnsureSchema before first use.
func Open(cfg Config, log *slog.Logger) (*SQLStore, error) {
	if log == nil {
		log = slog.Default()
	}
	drv, dialect, path, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps :memory: databases coherent and serializes writers
		db.SetMaxOpenConns(1)
		_, _ = db.Exec("PRAGMA busy_timeout=3000;")
		_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxAge > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxAge)
		}
	}
	return &SQLStore{db: db, dialect: dialect, log: log}, nil
}

// parseDSN maps a DSN onto a database/sql driver name, dialect and driver path.
func parseDSN(dsn string) (drv, dialect, path string, err error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return "", "", "", errors.New("empty store DSN")
	}
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return "pgx", DialectPostgres, d, nil
	case strings.HasPrefix(ld, "sqlite://"):
		return "sqlite", DialectSQLite, d[len("sqlite://"):], nil
	case !strings.Contains(d, "://"):
		return "sqlite", DialectSQLite, d, nil
	}
	return "", "", "", fmt.Errorf("unsupported store DSN: %s", dsn)
}

func (s *SQLStore) Dialect() string { return s.dialect }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if s.dialect == DialectSQLite {
		if err := s.migrateLegacy(ctx); err != nil {
			return err
		}
	}
	idType, realType := "INTEGER PRIMARY KEY AUTOINCREMENT", "REAL"
	if s.dialect == DialectPostgres {
		idType, realType = "BIGSERIAL PRIMARY KEY", "DOUBLE PRECISION"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + `(
			id ` + idType + `,
			pid INTEGER,
			date TEXT,
			time TEXT,
			child TEXT,
			parent TEXT,
			args TEXT,
			suspicious INTEGER,
			status TEXT,
			start_time_epoch ` + realType + `,
			end_time TEXT,
			duration ` + realType + `,
			is_running INTEGER DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_pid_running ON ` + table + `(pid, is_running);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_date ON ` + table + `(date);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// migrateLegacy drops a logs table created before lifecycle columns existed.
func (s *SQLStore) migrateLegacy(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(`+table+`);`)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	var (
		columns     int
		hasDuration bool
	)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("inspect schema: %w", err)
		}
		columns++
		if name == "duration" {
			hasDuration = true
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if columns == 0 || hasDuration {
		return nil
	}
	s.log.Warn("dropping legacy lifecycle table to update schema", "table", table)
	if _, err := s.db.ExecContext(ctx, `DROP TABLE `+table+`;`); err != nil {
		return fmt.Errorf("drop legacy table: %w", err)
	}
	return nil
}

func (s *SQLStore) OpenRecord(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO `+table+`(pid, date, time, child, parent, args, suspicious, status, start_time_epoch, is_running)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		RETURNING id;`),
		rec.PID, rec.Date, rec.Time, rec.Child, rec.Parent, rec.Args, boolInt(rec.Suspicious), string(StatusNew), rec.StartEpoch,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open record pid %d: %w", rec.PID, err)
	}
	return id, nil
}

const selectColumns = `id, pid, COALESCE(date, ''), COALESCE(time, ''), end_time, COALESCE(child, ''),
	COALESCE(parent, ''), COALESCE(args, ''), COALESCE(suspicious, 0), COALESCE(status, ''),
	COALESCE(start_time_epoch, 0.0), duration, COALESCE(is_running, 0)`

func (s *SQLStore) FindOpen(ctx context.Context, pid int32) (Record, bool, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM `+table+`
		WHERE pid=? AND is_running=1
		ORDER BY id DESC
		LIMIT 1;`), pid)
	if err != nil {
		return Record{}, false, fmt.Errorf("find open record pid %d: %w", pid, err)
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, false, fmt.Errorf("find open record pid %d: %w", pid, err)
	}
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[0], true, nil
}

func (s *SQLStore) CloseRecord(ctx context.Context, pid int32, end time.Time, durationSeconds float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE `+table+`
		SET is_running=0, status=?, end_time=?, duration=?
		WHERE id = (
			SELECT id FROM `+table+`
			WHERE pid=? AND is_running=1
			ORDER BY id DESC
			LIMIT 1
		);`),
		string(StatusClosed), end.Format(TimeLayout), durationSeconds, pid)
	if err != nil {
		return 0, fmt.Errorf("close record pid %d: %w", pid, err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Prune(ctx context.Context, cutoffDate string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE date < ?;`), cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("prune before %s: %w", cutoffDate, err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.PID != nil {
		where = append(where, "pid=?")
		args = append(args, *f.PID)
	}
	if f.Running != nil {
		where = append(where, "is_running=?")
		args = append(args, boolInt(*f.Running))
	}
	if f.Suspicious != nil {
		where = append(where, "suspicious=?")
		args = append(args, boolInt(*f.Suspicious))
	}
	if f.Child != "" {
		where = append(where, "LOWER(child)=?")
		args = append(args, strings.ToLower(f.Child))
	}
	if f.Since != "" {
		where = append(where, "date >= ?")
		args = append(args, f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + selectColumns + ` FROM ` + table
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		var (
			r                     Record
			status                string
			suspicious, isRunning int64
		)
		if err := rows.Scan(&r.ID, &r.PID, &r.Date, &r.Time, &r.EndTime, &r.Child, &r.Parent, &r.Args,
			&suspicious, &status, &r.StartEpoch, &r.Duration, &isRunning); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.Suspicious = suspicious != 0
		r.IsRunning = isRunning != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
