package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRunEventsRoundTrip(t *testing.T) {
	d := openTestDB(t)

	if err := d.LogRunEvent(1, "created", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := d.LogRunEvent(1, "phase_started", "scan", ""); err != nil {
		t.Fatal(err)
	}
	if err := d.LogRunEvent(2, "created", "", ""); err != nil {
		t.Fatal(err)
	}

	events, err := d.RecentRunEvents(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Event != "phase_started" || events[0].Phase != "scan" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
}

func TestItemStatusCountsLatestRecordWins(t *testing.T) {
	d := openTestDB(t)

	// Item fails, then succeeds on retry; only the latest record counts.
	if err := d.LogItemRun(1, "analyze", "analyze-api", 0, 0, "failed", 100, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.LogItemRun(1, "analyze", "analyze-api", 1, 1, "succeeded", 90, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.LogItemRun(1, "analyze", "analyze-db", 0, 0, "succeeded", 80, ""); err != nil {
		t.Fatal(err)
	}

	counts, err := d.ItemStatusCounts(1, "analyze")
	if err != nil {
		t.Fatal(err)
	}
	if counts["succeeded"] != 2 {
		t.Errorf("succeeded = %d, want 2", counts["succeeded"])
	}
	if counts["failed"] != 0 {
		t.Errorf("failed = %d, want 0", counts["failed"])
	}
}

func TestGateStats(t *testing.T) {
	d := openTestDB(t)

	if err := d.LogGateRun(1, "analyze", "a", 0.9, true, false); err != nil {
		t.Fatal(err)
	}
	if err := d.LogGateRun(1, "analyze", "b", 0.5, false, true); err != nil {
		t.Fatal(err)
	}

	passed, failed, retried, err := d.GateStats(1, "analyze")
	if err != nil {
		t.Fatal(err)
	}
	if passed != 1 || failed != 1 || retried != 1 {
		t.Errorf("got passed=%d failed=%d retried=%d", passed, failed, retried)
	}
}

func TestReset(t *testing.T) {
	d := openTestDB(t)
	if err := d.LogRunEvent(1, "created", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	events, err := d.RecentRunEvents(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events after reset, want 0", len(events))
	}
}
