package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowcoord/engine/model"
)

// CreateRun inserts the root record for a new run (or subworkflow
// child run).
func (s *Store) CreateRun(ex execer, r *model.Run) error {
	ex = s.resolve(ex)
	input, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}

	_, err = ex.Exec(`INSERT INTO runs
		(run_id, root_run_id, parent_run_id, parent_token_id, workflow_id, status, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.RootRunID, r.ParentRunID, r.ParentTokenID, r.WorkflowID,
		string(r.Status), string(input), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}

	// Seed the three context namespaces so subsequent SET_CONTEXT
	// decisions can always UPDATE rather than needing an upsert.
	for _, ns := range []model.ContextNamespace{model.NamespaceInput, model.NamespaceState, model.NamespaceOutput} {
		data := "{}"
		if ns == model.NamespaceInput {
			data = string(input)
		}
		if _, err := ex.Exec(`INSERT INTO context_values (run_id, namespace, data) VALUES (?, ?, ?)`, r.RunID, string(ns), data); err != nil {
			return fmt.Errorf("seed context namespace %s for run %s: %w", ns, r.RunID, err)
		}
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ex execer, runID string) (*model.Run, error) {
	ex = s.resolve(ex)
	row := ex.QueryRow(`SELECT run_id, root_run_id, parent_run_id, parent_token_id, workflow_id, status, input, final_output, failure_error, created_at, updated_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row, runID)
}

func scanRun(row rowScanner, runID string) (*model.Run, error) {
	var r model.Run
	var status, inputJSON string
	var parentRunID, parentTokenID, finalOutputJSON, failureError sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&r.RunID, &r.RootRunID, &parentRunID, &parentTokenID, &r.WorkflowID,
		&status, &inputJSON, &finalOutputJSON, &failureError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run %s: %w", runID, err)
	}

	r.Status = model.RunStatus(status)
	r.ParentRunID = parentRunID.String
	r.ParentTokenID = parentTokenID.String
	r.FailureError = failureError.String
	_ = json.Unmarshal([]byte(inputJSON), &r.Input)
	if finalOutputJSON.Valid && finalOutputJSON.String != "" {
		_ = json.Unmarshal([]byte(finalOutputJSON.String), &r.FinalOutput)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

// UpdateRunStatus transitions a run's status, optionally recording its
// final output or failure reason.
func (s *Store) UpdateRunStatus(ex execer, runID string, status model.RunStatus, finalOutput map[string]any, failureError string) error {
	ex = s.resolve(ex)
	var outputJSON sql.NullString
	if finalOutput != nil {
		data, err := json.Marshal(finalOutput)
		if err != nil {
			return fmt.Errorf("marshal final output: %w", err)
		}
		outputJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := ex.Exec(`UPDATE runs SET status = ?, final_output = COALESCE(?, final_output), failure_error = ?, updated_at = ? WHERE run_id = ?`,
		string(status), outputJSON, failureError, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	return requireRowsAffected(res, model.ErrRunNotFound)
}
