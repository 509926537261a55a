package store

import (
	"encoding/json"
	"fmt"

	"github.com/flowcoord/engine/model"
)

// InitBranchTable is a no-op placeholder row creator: branch tables
// are lazily created per (run, node) the first branch output arrives,
// so INIT_BRANCH_TABLE only needs to exist as a decision kind for
// tracing; no row is required up front.
func (s *Store) InitBranchTable(ex execer, runID, nodeID string) error {
	ex = s.resolve(ex)
	return nil
}

// ApplyBranchOutput stages one branch's task output under its
// branchIndex.
func (s *Store) ApplyBranchOutput(ex execer, runID, nodeID string, branchIndex int, output map[string]any) error {
	ex = s.resolve(ex)
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal branch output: %w", err)
	}
	_, err = ex.Exec(`INSERT INTO branch_tables (run_id, node_id, branch_index, output) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, node_id, branch_index) DO UPDATE SET output = excluded.output`,
		runID, nodeID, branchIndex, string(data))
	if err != nil {
		return fmt.Errorf("apply branch output %s/%s[%d]: %w", runID, nodeID, branchIndex, err)
	}
	return nil
}

// BranchTableEntries returns every staged branch output for a
// (run, node) pair, ordered by branchIndex, used by merge strategies.
func (s *Store) BranchTableEntries(ex execer, runID, nodeID string) ([]model.BranchTableEntry, error) {
	ex = s.resolve(ex)
	rows, err := ex.Query(`SELECT branch_index, output FROM branch_tables WHERE run_id = ? AND node_id = ? ORDER BY branch_index`, runID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query branch table %s/%s: %w", runID, nodeID, err)
	}
	defer rows.Close()

	var out []model.BranchTableEntry
	for rows.Next() {
		var idx int
		var data string
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("scan branch table row: %w", err)
		}
		entry := model.BranchTableEntry{BranchIndex: idx, Output: map[string]any{}}
		_ = json.Unmarshal([]byte(data), &entry.Output)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branch table rows: %w", err)
	}
	return out, nil
}

// DropBranchTables deletes every staged output for a (run, node) pair
// once its fan-in has been consumed (branch tables do not
// outlive the fan-in they feed).
func (s *Store) DropBranchTables(ex execer, runID, nodeID string) error {
	ex = s.resolve(ex)
	_, err := ex.Exec(`DELETE FROM branch_tables WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	if err != nil {
		return fmt.Errorf("drop branch tables %s/%s: %w", runID, nodeID, err)
	}
	return nil
}
