package calllog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/telecore/internal/call"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEntry(id string, end time.Time) *Entry {
	return &Entry{
		CallID:      id,
		Address:     "+15551234567",
		Incoming:    false,
		AccountID:   "sim0",
		Cause:       "local",
		StartTime:   end.Add(-time.Minute),
		ConnectTime: end.Add(-50 * time.Second),
		EndTime:     end,
		DurationSec: 50,
	}
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(dir, testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, "calllog.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
	var count int
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='call_log'`).Scan(&count)
	if err != nil || count != 1 {
		t.Fatalf("call_log table not found (count=%d, err=%v)", count, err)
	}

	// Reopening must not re-run applied migrations.
	s.Close()
	s2, err := OpenSQLite(dir, testLogger())
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	s2.Close()
}

func TestInsertAndListRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		if err := s.Insert(ctx, sampleEntry(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert(%s): %v", id, err)
		}
	}

	entries, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].CallID != "c" || entries[1].CallID != "b" {
		t.Fatalf("order = %s, %s, want c, b", entries[0].CallID, entries[1].CallID)
	}
	if entries[0].DurationSec != 50 || entries[0].Address != "+15551234567" {
		t.Fatalf("round trip mismatch: %+v", entries[0])
	}
}

func TestListMissedFiltersAnswered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	answered := sampleEntry("answered", now)
	if err := s.Insert(ctx, answered); err != nil {
		t.Fatal(err)
	}
	missed := sampleEntry("missed", now.Add(time.Minute))
	missed.Incoming = true
	missed.Missed = true
	missed.ConnectTime = time.Time{}
	missed.DurationSec = 0
	if err := s.Insert(ctx, missed); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListMissed(ctx, 10)
	if err != nil {
		t.Fatalf("ListMissed: %v", err)
	}
	if len(entries) != 1 || entries[0].CallID != "missed" {
		t.Fatalf("missed list = %+v", entries)
	}
	if !entries[0].ConnectTime.IsZero() {
		t.Fatalf("missed call has connect time: %v", entries[0].ConnectTime)
	}
}

func TestPurgeRemovesOldEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Insert(ctx, sampleEntry("old", now.Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, sampleEntry("new", now)); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Purge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	n, err := s.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count after purge = %d (err=%v), want 1", n, err)
	}
}

func TestRebindConvertsPlaceholders(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	got := s.rebind(`INSERT INTO t (a, b) VALUES (?, ?)`)
	want := `INSERT INTO t (a, b) VALUES ($1, $2)`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}

	s.driver = DriverSQLite
	q := `SELECT * FROM t WHERE a = ?`
	if got := s.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}

func TestEntryForMarksMissedCalls(t *testing.T) {
	c := call.New(true, "5550001")
	c.Cause = call.CauseMissed
	c.DisconnectTime = time.Now()

	e := entryFor(c)
	if !e.Missed {
		t.Fatal("unanswered incoming call not marked missed")
	}

	c.Cause = call.CauseRejected
	if e := entryFor(c); e.Missed {
		t.Fatal("rejected call must not be marked missed")
	}

	c.Cause = call.CauseRemote
	c.ConnectTime = time.Now().Add(-time.Minute)
	e = entryFor(c)
	if e.Missed {
		t.Fatal("connected call must not be marked missed")
	}
	if e.DurationSec < 59 || e.DurationSec > 61 {
		t.Fatalf("duration = %d, want ~60", e.DurationSec)
	}
}
