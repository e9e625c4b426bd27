package flowdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motionflow/internal/flow"
)

// Run is one processed recording: where it came from, which algorithm
// ran, and the final statistics.
type Run struct {
	RunID      string          `json:"run_id"`
	Source     string          `json:"source"`
	Algorithm  string          `json:"algorithm"`
	StartedAt  int64           `json:"started_at"`  // unix nanoseconds
	FinishedAt int64           `json:"finished_at"` // unix nanoseconds
	Summary    flow.Summary    `json:"summary"`
	ParamsJSON json.RawMessage `json:"params_json,omitempty"`
}

// RunStore provides persistence for run summaries.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore on an open database.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db.DB}
}

// Insert persists a run. Empty RunID and zero timestamps are filled in.
func (s *RunStore) Insert(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	now := time.Now().UnixNano()
	if run.StartedAt == 0 {
		run.StartedAt = now
	}
	if run.FinishedAt == 0 {
		run.FinishedAt = now
	}
	if run.Algorithm == "" {
		run.Algorithm = run.Summary.FilterName
	}

	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	var params interface{}
	if len(run.ParamsJSON) > 0 {
		params = string(run.ParamsJSON)
	}

	sum := run.Summary
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO flow_runs (
				run_id, source, algorithm, started_at, finished_at,
				packets, events_in, events_out,
				angular_error_mean, angular_error_std,
				endpoint_error_abs_mean, endpoint_error_rel_mean,
				processing_time_mean_us, summary_json, params_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Source, run.Algorithm, run.StartedAt, run.FinishedAt,
			sum.Packets, sum.EventsIn, sum.EventsOut,
			sum.AngularErrorMean, sum.AngularErrorStd,
			sum.EndpointErrorAbsMean, sum.EndpointErrorRelMean,
			sum.ProcessingTimeMeanUs, string(summaryJSON), params,
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", run.RunID, err)
		}
		return nil
	})
}

const runColumns = `run_id, source, algorithm, started_at, finished_at, summary_json, params_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var summaryJSON string
	var params sql.NullString
	if err := row.Scan(&r.RunID, &r.Source, &r.Algorithm, &r.StartedAt, &r.FinishedAt, &summaryJSON, &params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summaryJSON), &r.Summary); err != nil {
		return nil, fmt.Errorf("decode summary of run %s: %w", r.RunID, err)
	}
	if params.Valid {
		r.ParamsJSON = json.RawMessage(params.String)
	}
	return &r, nil
}

// Get returns a run by id, or ErrNotFound.
func (s *RunStore) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM flow_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// List returns the most recent runs first. limit <= 0 returns all runs.
func (s *RunStore) List(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM flow_runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Delete removes a run. Deleting a missing run returns ErrNotFound.
func (s *RunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`DELETE FROM flow_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil
	})
}

// Calibration is a stored set of gyro offsets.
type Calibration struct {
	CalibrationID string                  `json:"calibration_id"`
	Source        string                  `json:"source"`
	Offsets       flow.CalibrationOffsets `json:"offsets"`
	Samples       int                     `json:"samples"`
	CreatedAt     int64                   `json:"created_at"`
}

// CalibrationStore persists gyro calibrations.
type CalibrationStore struct {
	db *sql.DB
}

// NewCalibrationStore creates a CalibrationStore on an open database.
func NewCalibrationStore(db *DB) *CalibrationStore {
	return &CalibrationStore{db: db.DB}
}

// Insert persists a calibration, filling in its id and creation time.
func (s *CalibrationStore) Insert(c *Calibration) error {
	if c.CalibrationID == "" {
		c.CalibrationID = uuid.New().String()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO imu_calibrations (
				calibration_id, source, pan_offset, tilt_offset, roll_offset, samples, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.CalibrationID, c.Source, c.Offsets.Pan, c.Offsets.Tilt, c.Offsets.Roll, c.Samples, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert calibration: %w", err)
		}
		return nil
	})
}

// Latest returns the most recent calibration, or ErrNotFound.
func (s *CalibrationStore) Latest() (*Calibration, error) {
	var c Calibration
	err := s.db.QueryRow(`
		SELECT calibration_id, source, pan_offset, tilt_offset, roll_offset, samples, created_at
		FROM imu_calibrations
		ORDER BY created_at DESC
		LIMIT 1`).Scan(
		&c.CalibrationID, &c.Source, &c.Offsets.Pan, &c.Offsets.Tilt, &c.Offsets.Roll, &c.Samples, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest calibration: %w", err)
	}
	return &c, nil
}
