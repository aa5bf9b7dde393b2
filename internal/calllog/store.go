// Package calllog persists a history record for every call the
// registry tears down. SQLite is the default engine; PostgreSQL is
// available for deployments that centralize history off-device.
package calllog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DriverSQLite and DriverPostgres select the storage engine.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Entry is one completed call.
type Entry struct {
	CallID      string
	Address     string
	DisplayName string
	Incoming    bool
	AccountID   string
	Cause       string
	Missed      bool
	StartTime   time.Time
	ConnectTime time.Time // zero when the call never connected
	EndTime     time.Time
	DurationSec int64
}

// Store is the call history repository.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// OpenSQLite creates or opens the history database under dataDir with
// WAL mode enabled and runs pending migrations.
func OpenSQLite(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "calllog.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening call log database: %w", err)
	}
	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)
	return open(db, DriverSQLite, logger)
}

// OpenPostgres connects to a PostgreSQL history database and runs
// pending migrations.
func OpenPostgres(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening call log database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return open(db, DriverPostgres, logger)
}

func open(db *sql.DB, driver string, logger *slog.Logger) (*Store, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging call log database: %w", err)
	}
	s := &Store{db: db, driver: driver, logger: logger.With("subsystem", "calllog")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	s.logger.Info("call log opened", "driver", driver)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into the $n form PostgreSQL expects.
// Queries are written once in SQLite style.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert appends one completed call to the history.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	var connect any
	if !e.ConnectTime.IsZero() {
		connect = e.ConnectTime
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO call_log (call_id, address, display_name, incoming,
		 account_id, cause, missed, start_time, connect_time, end_time, duration_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.CallID, e.Address, e.DisplayName, e.Incoming,
		e.AccountID, e.Cause, e.Missed, e.StartTime, connect, e.EndTime, e.DurationSec,
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT call_id, address, display_name, incoming, account_id,
		 cause, missed, start_time, connect_time, end_time, duration_sec
		 FROM call_log ORDER BY end_time DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListMissed returns the newest missed incoming calls.
func (s *Store) ListMissed(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT call_id, address, display_name, incoming, account_id,
		 cause, missed, start_time, connect_time, end_time, duration_sec
		 FROM call_log WHERE missed = ? ORDER BY end_time DESC LIMIT ?`), true, limit)
	if err != nil {
		return nil, fmt.Errorf("listing missed calls: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the total number of history entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting call log: %w", err)
	}
	return n, nil
}

// Purge deletes entries that ended before the cutoff and reports how
// many were removed.
func (s *Store) Purge(ctx context.Context, endedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM call_log WHERE end_time < ?`), endedBefore)
	if err != nil {
		return 0, fmt.Errorf("purging call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading purge count: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			connect sql.NullTime
		)
		if err := rows.Scan(&e.CallID, &e.Address, &e.DisplayName, &e.Incoming,
			&e.AccountID, &e.Cause, &e.Missed, &e.StartTime, &connect,
			&e.EndTime, &e.DurationSec); err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		if connect.Valid {
			e.ConnectTime = connect.Time
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log rows: %w", err)
	}
	return out, nil
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow(s.rebind(
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec(s.rebind(
			`INSERT INTO schema_migrations (version) VALUES (?)`), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}
