package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/safety.filter/internal/telemetry"
)

// Run is one process lifetime of the filter.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ConfigJSON string     `json:"config_json"`
	Hostname   string     `json:"hostname"`
}

// InsertRun records the start of a run.
func (db *DB) InsertRun(r *Run) error {
	cfg := r.ConfigJSON
	if cfg == "" {
		cfg = "{}"
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_unix_nanos, config_json, hostname) VALUES (?, ?, ?, ?)`,
		r.RunID, r.StartedAt.UnixNano(), cfg, r.Hostname,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// FinishRun stamps the end time of a run.
func (db *DB) FinishRun(runID string, at time.Time) error {
	res, err := db.Exec(`UPDATE runs SET finished_unix_nanos = ? WHERE run_id = ?`, at.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// Runs returns the most recent runs first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_unix_nanos, finished_unix_nanos, config_json, hostname
		FROM runs ORDER BY started_unix_nanos DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &r.ConfigJSON, &r.Hostname); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t := time.Unix(0, finished.Int64).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertCycleRecords writes a batch in one transaction. It implements
// telemetry.Sink.
func (db *DB) InsertCycleRecords(runID string, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO cycle_records (
			run_id, cycle, time_unix_nanos, state_json, safety_value, control_json,
			nominal_json, corrected, fallback, certificate_version, cycle_duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(
			runID, r.Cycle, r.Time.UnixNano(), vectorJSON(r.State), r.SafetyValue,
			vectorJSON(r.Control), vectorJSON(r.Nominal), r.Corrected, r.Fallback,
			r.CertificateVersion, r.CycleDuration.Nanoseconds(),
		); err != nil {
			return fmt.Errorf("insert cycle %d: %w", r.Cycle, err)
		}
	}
	return tx.Commit()
}

// CycleRow is a stored cycle record with its run.
type CycleRow struct {
	RunID string `json:"run_id"`
	telemetry.Record
}

// RecentCycles returns the newest records first. An empty runID spans all
// runs.
func (db *DB) RecentCycles(runID string, limit int) ([]CycleRow, error) {
	q := `SELECT run_id, cycle, time_unix_nanos, state_json, safety_value, control_json,
			nominal_json, corrected, fallback, certificate_version, cycle_duration_ns
		FROM cycle_records`
	args := []interface{}{}
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var (
			row                     CycleRow
			ts, durNs               int64
			state, control, nominal string
		)
		if err := rows.Scan(&row.RunID, &row.Cycle, &ts, &state, &row.SafetyValue, &control,
			&nominal, &row.Corrected, &row.Fallback, &row.CertificateVersion, &durNs); err != nil {
			return nil, err
		}
		row.Time = time.Unix(0, ts).UTC()
		row.CycleDuration = time.Duration(durNs)
		if row.State, err = parseVector(state); err != nil {
			return nil, err
		}
		if row.Control, err = parseVector(control); err != nil {
			return nil, err
		}
		if row.Nominal, err = parseVector(nominal); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertFailureEvent implements telemetry.Sink.
func (db *DB) InsertFailureEvent(runID string, e telemetry.FailureEvent) error {
	_, err := db.Exec(`INSERT INTO failure_events (
			run_id, cycle, time_unix_nanos, reason, error, state_json, safety_value,
			nominal_json, certificate_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Cycle, e.Time.UnixNano(), e.Reason, e.Error, vectorJSON(e.State), e.SafetyValue,
		vectorJSON(e.Nominal), e.CertificateVersion,
	)
	if err != nil {
		return fmt.Errorf("insert failure event for cycle %d: %w", e.Cycle, err)
	}
	return nil
}

// FailureRow is a stored failure event with its run.
type FailureRow struct {
	RunID string `json:"run_id"`
	telemetry.FailureEvent
}

// FailureEvents returns the newest failure events first.
func (db *DB) FailureEvents(limit int) ([]FailureRow, error) {
	rows, err := db.Query(`SELECT run_id, cycle, time_unix_nanos, reason, error, state_json,
			safety_value, nominal_json, certificate_version
		FROM failure_events ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailureRow
	for rows.Next() {
		var (
			row            FailureRow
			ts             int64
			state, nominal string
		)
		if err := rows.Scan(&row.RunID, &row.Cycle, &ts, &row.Reason, &row.Error, &state,
			&row.SafetyValue, &nominal, &row.CertificateVersion); err != nil {
			return nil, err
		}
		row.Time = time.Unix(0, ts).UTC()
		if row.State, err = parseVector(state); err != nil {
			return nil, err
		}
		if row.Nominal, err = parseVector(nominal); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const maxQueryLimit = 10000

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func vectorJSON(v []float64) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		// NaN and Inf are not representable in JSON.
		return "[]"
	}
	return string(b)
}

func parseVector(s string) ([]float64, error) {
	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode vector %q: %w", s, err)
	}
	return v, nil
}
