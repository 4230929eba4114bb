package db

import "fmt"

// LogRunEvent appends a run lifecycle event.
func (d *DB) LogRunEvent(seq int, event, phase, detail string) error {
	_, err := d.conn.Exec(
		"INSERT INTO run_events (seq, event, phase, detail) VALUES (?, ?, ?, ?)",
		seq, event, phase, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// LogItemRun records one work-item dispatch outcome.
func (d *DB) LogItemRun(seq int, phase, itemID string, batch, attempt int, status string, durationMs int64, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO item_runs (seq, phase, item_id, batch, attempt, status, duration_ms, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, phase, itemID, batch, attempt, status, durationMs, detail,
	)
	if err != nil {
		return fmt.Errorf("log item run: %w", err)
	}
	return nil
}

// LogGateRun records one quality-gate score.
func (d *DB) LogGateRun(seq int, phase, itemID string, score float64, passed, retried bool) error {
	_, err := d.conn.Exec(
		"INSERT INTO gate_runs (seq, phase, item_id, score, passed, retried) VALUES (?, ?, ?, ?, ?, ?)",
		seq, phase, itemID, score, passed, retried,
	)
	if err != nil {
		return fmt.Errorf("log gate run: %w", err)
	}
	return nil
}

// RunEvent is one row from run_events.
type RunEvent struct {
	Event     string
	Phase     string
	Detail    string
	Timestamp string
}

// RecentRunEvents returns the most recent events for a run, newest first.
func (d *DB) RecentRunEvents(seq, limit int) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT event, COALESCE(phase, ''), COALESCE(detail, ''), timestamp
		 FROM run_events WHERE seq = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		seq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.Event, &e.Phase, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ItemStatusCounts returns item dispatch counts by status for a phase,
// counting only each item's latest record.
func (d *DB) ItemStatusCounts(seq int, phase string) (map[string]int, error) {
	rows, err := d.conn.Query(
		`SELECT status, COUNT(*) FROM (
		     SELECT item_id, status,
		            ROW_NUMBER() OVER (PARTITION BY item_id ORDER BY id DESC) AS rn
		     FROM item_runs WHERE seq = ? AND phase = ?
		 ) WHERE rn = 1 GROUP BY status`,
		seq, phase,
	)
	if err != nil {
		return nil, fmt.Errorf("query item stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan item stats: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GateStats returns pass/fail/retry counts for a phase's gate runs.
func (d *DB) GateStats(seq int, phase string) (passed, failed, retried int, err error) {
	err = d.conn.QueryRow(
		`SELECT
		     COALESCE(SUM(CASE WHEN passed THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN NOT passed THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN retried THEN 1 ELSE 0 END), 0)
		 FROM gate_runs WHERE seq = ? AND phase = ?`,
		seq, phase,
	).Scan(&passed, &failed, &retried)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("query gate stats: %w", err)
	}
	return passed, failed, retried, nil
}
