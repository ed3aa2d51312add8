// Package scandb persists scan runs, their raw samples, and their per-row
// target averages in SQLite. The schema is managed by embedded migrations.
package scandb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusAborted  = "aborted"
)

// Run is one recorded scan.
type Run struct {
	ID         string // UUID
	GroupName  string // encodes the scan region, see waveform.GroupName
	DataRate   float64
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store is an open scan database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the scan database at path and brings the
// schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening scan database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// CreateRun records the start of a scan.
func (s *Store) CreateRun(run Run) error {
	_, err := s.Exec(`
		INSERT INTO scan_runs (id, group_name, data_rate, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.GroupName, run.DataRate, run.Status, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun marks the run complete or aborted.
func (s *Store) FinishRun(id, status string, finishedAt time.Time) error {
	res, err := s.Exec(`
		UPDATE scan_runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finishing run %s: no such run", id)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(id string) (Run, error) {
	var run Run
	var finished sql.NullTime
	err := s.QueryRow(`
		SELECT id, group_name, data_rate, status, started_at, finished_at
		FROM scan_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.GroupName, &run.DataRate, &run.Status, &run.StartedAt, &finished)
	if err != nil {
		return Run{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]Run, error) {
	rows, err := s.Query(`
		SELECT id, group_name, data_rate, status, started_at, finished_at
		FROM scan_runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.GroupName, &run.DataRate,
			&run.Status, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertSamples appends a chunk of raw samples (channels x time) starting at
// the given global sample index.
func (s *Store) InsertSamples(runID string, start int, chunk [][]float64) error {
	if len(chunk) == 0 || len(chunk[0]) == 0 {
		return nil
	}
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO scan_samples (run_id, sample_index, channel, value)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for ch, samples := range chunk {
		for i, v := range samples {
			if _, err := stmt.Exec(runID, start+i, ch, v); err != nil {
				return fmt.Errorf("inserting sample %d/%d for run %s: %w", ch, start+i, runID, err)
			}
		}
	}
	return tx.Commit()
}

// InsertRowMeans records one completed row's per-target-voltage averages.
// voltages and means are parallel, in ascending voltage order.
func (s *Store) InsertRowMeans(runID string, row int, voltages, means []float64) error {
	if len(voltages) != len(means) {
		return fmt.Errorf("inserting row %d for run %s: %d voltages but %d means",
			row, runID, len(voltages), len(means))
	}
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO scan_row_means (run_id, row, col, target_volts, mean)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for col := range voltages {
		if _, err := stmt.Exec(runID, row, col, voltages[col], means[col]); err != nil {
			return fmt.Errorf("inserting row %d col %d for run %s: %w", row, col, runID, err)
		}
	}
	return tx.Commit()
}

// Grid reassembles the run's averaged image: the target voltages (column
// axis) and one row of means per completed scan row. Incomplete runs return
// however many rows finished.
func (s *Store) Grid(runID string) (targets []float64, grid [][]float64, err error) {
	rows, err := s.Query(`
		SELECT row, col, target_volts, mean FROM scan_row_means
		WHERE run_id = ? ORDER BY row, col`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading grid for run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var row, col int
		var volts, mean float64
		if err := rows.Scan(&row, &col, &volts, &mean); err != nil {
			return nil, nil, err
		}
		for len(grid) <= row {
			grid = append(grid, nil)
		}
		grid[row] = append(grid[row], mean)
		if row == 0 {
			targets = append(targets, volts)
		}
	}
	return targets, grid, rows.Err()
}

// SampleCount returns the number of stored samples per channel for the run.
func (s *Store) SampleCount(runID string) (int, error) {
	var n int
	err := s.QueryRow(`
		SELECT COUNT(DISTINCT sample_index) FROM scan_samples WHERE run_id = ?`,
		runID).Scan(&n)
	return n, err
}
