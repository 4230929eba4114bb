package finding

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry is one record in the evolution log.
type Entry struct {
	Finding
	RecordedAt string `json:"recorded_at"`
}

// Log is an append-only record of finding evolution, keyed by finding ID.
// Archived runs are immutable, so cross-run history accumulates here
// instead of rewriting prior records.
type Log struct {
	path string
}

// NewLog creates a Log backed by the JSONL file at path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes findings to the end of the log. Existing records are never
// rewritten.
func (l *Log) Append(findings ...Finding) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(l.path), err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, fd := range findings {
		data, err := json.Marshal(Entry{Finding: fd, RecordedAt: now})
		if err != nil {
			return fmt.Errorf("marshal finding %s: %w", fd.ID, err)
		}
		data = append(data, '\n')
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("append finding %s: %w", fd.ID, err)
		}
	}
	return f.Sync()
}

// Records returns every entry in append order. Worker-written files hold
// bare findings without a recorded_at; those parse the same way. A missing
// file is an empty log.
func (l *Log) Records() ([]Finding, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var records []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", line, err)
		}
		records = append(records, e.Finding)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return records, nil
}

// Latest returns the latest-record projection: for each finding ID, the last
// entry appended.
func (l *Log) Latest() (map[string]Finding, error) {
	records, err := l.Records()
	if err != nil {
		return nil, err
	}
	latest := make(map[string]Finding, len(records))
	for _, f := range records {
		latest[f.ID] = f
	}
	return latest, nil
}

// LatestActive returns the latest projection filtered to findings still
// under active tracking.
func (l *Log) LatestActive() (map[string]Finding, error) {
	all, err := l.Latest()
	if err != nil {
		return nil, err
	}
	for id, f := range all {
		if !f.Active() {
			delete(all, id)
		}
	}
	return all, nil
}
