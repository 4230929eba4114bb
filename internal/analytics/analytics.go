// Package analytics aggregates run metrics from the SQLite event log.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// PhaseDuration holds duration stats for a phase.
type PhaseDuration struct {
	Phase string  `json:"phase"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// QueryPhaseDurations returns average and percentile durations per phase.
// Each phase_completed event is paired with the most recent prior
// phase_started event for the same run and phase.
func QueryPhaseDurations(database DB, since string) ([]PhaseDuration, error) {
	query := `
		SELECT re1.phase,
			(julianday(re1.timestamp) - julianday(
				(SELECT MAX(re2.timestamp) FROM run_events re2
				 WHERE re2.seq = re1.seq
				 AND re2.phase = re1.phase
				 AND re2.event = 'phase_started'
				 AND re2.id < re1.id)
			)) * 24 * 60 as minutes
		FROM run_events re1
		WHERE re1.event = 'phase_completed'
		AND re1.phase != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND re1.timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query phase durations: %w", err)
	}
	defer rows.Close()

	phaseDurations := make(map[string][]float64)
	for rows.Next() {
		var phase string
		var minutes sql.NullFloat64
		if err := rows.Scan(&phase, &minutes); err != nil {
			return nil, fmt.Errorf("scan phase duration: %w", err)
		}
		if !minutes.Valid || minutes.Float64 <= 0 {
			continue
		}
		phaseDurations[phase] = append(phaseDurations[phase], minutes.Float64)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []PhaseDuration
	for phase, durations := range phaseDurations {
		sort.Float64s(durations)
		results = append(results, PhaseDuration{
			Phase: phase,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// ItemThroughput holds worker-item stats for a phase.
type ItemThroughput struct {
	Phase       string  `json:"phase"`
	Items       int     `json:"items"`
	Succeeded   float64 `json:"succeeded_pct"`
	Failed      float64 `json:"failed_pct"`
	Retried     float64 `json:"retried_pct"`
	AvgDuration float64 `json:"avg_duration_s"`
}

// QueryItemThroughput returns per-phase item outcomes. Only each item's
// latest record counts: an item that failed and then succeeded on retry is a
// success.
func QueryItemThroughput(database DB, since string) ([]ItemThroughput, error) {
	query := `
		SELECT phase,
			COUNT(*) as items,
			SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END) as succeeded,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN attempt > 0 THEN 1 ELSE 0 END) as retried,
			AVG(duration_ms) as avg_ms
		FROM (
			SELECT phase, status, attempt, duration_ms,
				ROW_NUMBER() OVER (PARTITION BY seq, phase, item_id ORDER BY id DESC) as rn
			FROM item_runs`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += `
		) sub
		WHERE rn = 1
		GROUP BY phase`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query item throughput: %w", err)
	}
	defer rows.Close()

	var results []ItemThroughput
	for rows.Next() {
		var phase string
		var items, succeeded, failed, retried int
		var avgMs sql.NullFloat64
		if err := rows.Scan(&phase, &items, &succeeded, &failed, &retried, &avgMs); err != nil {
			return nil, fmt.Errorf("scan item throughput: %w", err)
		}
		it := ItemThroughput{
			Phase:     phase,
			Items:     items,
			Succeeded: pct(succeeded, items),
			Failed:    pct(failed, items),
			Retried:   pct(retried, items),
		}
		if avgMs.Valid {
			it.AvgDuration = math.Round(avgMs.Float64/100) / 10
		}
		results = append(results, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// GateRate holds quality-gate stats for a phase.
type GateRate struct {
	Phase    string  `json:"phase"`
	Reviews  int     `json:"reviews"`
	PassRate float64 `json:"pass_rate_pct"`
	Retried  float64 `json:"retried_pct"`
	AvgScore float64 `json:"avg_score"`
}

// QueryGateRates returns validator pass rates and average scores per phase.
func QueryGateRates(database DB, since string) ([]GateRate, error) {
	query := `
		SELECT phase,
			COUNT(*) as reviews,
			SUM(CASE WHEN passed THEN 1 ELSE 0 END) as passed,
			SUM(CASE WHEN retried THEN 1 ELSE 0 END) as retried,
			AVG(score) as avg_score
		FROM gate_runs`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY phase`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query gate rates: %w", err)
	}
	defer rows.Close()

	var results []GateRate
	for rows.Next() {
		var phase string
		var reviews, passed, retried int
		var avgScore sql.NullFloat64
		if err := rows.Scan(&phase, &reviews, &passed, &retried, &avgScore); err != nil {
			return nil, fmt.Errorf("scan gate rate: %w", err)
		}
		gr := GateRate{
			Phase:    phase,
			Reviews:  reviews,
			PassRate: pct(passed, reviews),
			Retried:  pct(retried, reviews),
		}
		if avgScore.Valid {
			gr.AvgScore = math.Round(avgScore.Float64*100) / 100
		}
		results = append(results, gr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// RunThroughput holds run counts for a time period.
type RunThroughput struct {
	Period    string `json:"period"`
	Created   int    `json:"created"`
	Stacked   int    `json:"stacked"`
	Completed int    `json:"completed"`
}

// QueryRunThroughput returns run metrics grouped by week, newest first.
func QueryRunThroughput(database DB, since string) ([]RunThroughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', timestamp) as period,
			SUM(CASE WHEN event = 'created' THEN 1 ELSE 0 END) as created,
			SUM(CASE WHEN event = 'stacked' THEN 1 ELSE 0 END) as stacked,
			SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END) as completed
		FROM run_events
		WHERE event IN ('created', 'stacked', 'completed')`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run throughput: %w", err)
	}
	defer rows.Close()

	var results []RunThroughput
	for rows.Next() {
		var rt RunThroughput
		if err := rows.Scan(&rt.Period, &rt.Created, &rt.Stacked, &rt.Completed); err != nil {
			return nil, fmt.Errorf("scan run throughput: %w", err)
		}
		results = append(results, rt)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
