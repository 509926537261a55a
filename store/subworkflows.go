package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flowcoord/engine/model"
)

// CreateSubworkflow records a parent-side subworkflow dispatch, keyed
// by the parent token that triggered it.
func (s *Store) CreateSubworkflow(ex execer, sw *model.Subworkflow) error {
	ex = s.resolve(ex)
	_, err := ex.Exec(`INSERT INTO subworkflows (run_id, parent_token_id, subworkflow_run_id, status, timeout_ms, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sw.RunID, sw.ParentTokenID, sw.SubworkflowRunID, string(sw.Status), sw.TimeoutMs, formatTime(sw.StartedAt), formatTime(sw.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create subworkflow record for token %s: %w", sw.ParentTokenID, err)
	}
	return nil
}

// GetSubworkflow fetches the parent-side record for a waiting token.
func (s *Store) GetSubworkflow(ex execer, runID, parentTokenID string) (*model.Subworkflow, error) {
	ex = s.resolve(ex)
	row := ex.QueryRow(`SELECT run_id, parent_token_id, subworkflow_run_id, status, timeout_ms, started_at, updated_at
		FROM subworkflows WHERE run_id = ? AND parent_token_id = ?`, runID, parentTokenID)
	return scanSubworkflow(row)
}

// SubworkflowsAwaitingTimeout returns every still-running subworkflow
// record with a non-zero timeout, for the lifecycle engine's alarm
// sweep.
func (s *Store) SubworkflowsAwaitingTimeout(ex execer) ([]*model.Subworkflow, error) {
	ex = s.resolve(ex)
	rows, err := ex.Query(`SELECT run_id, parent_token_id, subworkflow_run_id, status, timeout_ms, started_at, updated_at
		FROM subworkflows WHERE status = ? AND timeout_ms > 0`, string(model.SubworkflowRunning))
	if err != nil {
		return nil, fmt.Errorf("query subworkflows awaiting timeout: %w", err)
	}
	defer rows.Close()

	var out []*model.Subworkflow
	for rows.Next() {
		sw, err := scanSubworkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subworkflow row: %w", err)
		}
		out = append(out, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subworkflow rows: %w", err)
	}
	return out, nil
}

// RunningSubworkflows returns every still-running subworkflow record
// for a run, regardless of whether a timeout budget was configured.
// Cascade-cancel on workflow termination must reach all of them, not
// just the ones the alarm sweep's timeout check cares about.
func (s *Store) RunningSubworkflows(ex execer, runID string) ([]*model.Subworkflow, error) {
	ex = s.resolve(ex)
	rows, err := ex.Query(`SELECT run_id, parent_token_id, subworkflow_run_id, status, timeout_ms, started_at, updated_at
		FROM subworkflows WHERE run_id = ? AND status = ?`, runID, string(model.SubworkflowRunning))
	if err != nil {
		return nil, fmt.Errorf("query running subworkflows for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*model.Subworkflow
	for rows.Next() {
		sw, err := scanSubworkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subworkflow row: %w", err)
		}
		out = append(out, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subworkflow rows: %w", err)
	}
	return out, nil
}

// UpdateSubworkflowStatus transitions a subworkflow record's status.
func (s *Store) UpdateSubworkflowStatus(ex execer, runID, parentTokenID string, status model.SubworkflowStatus) error {
	ex = s.resolve(ex)
	res, err := ex.Exec(`UPDATE subworkflows SET status = ?, updated_at = ? WHERE run_id = ? AND parent_token_id = ?`,
		string(status), formatTime(time.Now()), runID, parentTokenID)
	if err != nil {
		return fmt.Errorf("update subworkflow status %s/%s: %w", runID, parentTokenID, err)
	}
	return requireRowsAffected(res, model.ErrSubworkflowNotFound)
}

func scanSubworkflow(row rowScanner) (*model.Subworkflow, error) {
	var sw model.Subworkflow
	var status, startedAt, updatedAt string
	err := row.Scan(&sw.RunID, &sw.ParentTokenID, &sw.SubworkflowRunID, &status, &sw.TimeoutMs, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrSubworkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	sw.Status = model.SubworkflowStatus(status)
	sw.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	sw.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sw, nil
}
