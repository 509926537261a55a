package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowcoord/engine/model"
)

// CreateToken inserts a new token row. Returns model.ErrDuplicateToken
// if the id already exists.
func (s *Store) CreateToken(ex execer, t *model.Token) error {
	ex = s.resolve(ex)
	counts, err := json.Marshal(t.IterationCounts)
	if err != nil {
		return fmt.Errorf("marshal iteration counts: %w", err)
	}

	_, err = ex.Exec(`INSERT INTO tokens
		(id, run_id, node_id, status, parent_token_id, path_id, sibling_group, branch_index, branch_total, attempt, iteration_counts, arrived_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.NodeID, string(t.Status), t.ParentTokenID, t.PathID,
		nullableStr(t.SiblingGroup), t.BranchIndex, t.BranchTotal, t.Attempt, string(counts),
		nullableTime(t.ArrivedAt), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateToken
		}
		return fmt.Errorf("insert token %s: %w", t.ID, err)
	}
	return nil
}

// GetToken fetches a single token by id.
func (s *Store) GetToken(ex execer, id string) (*model.Token, error) {
	ex = s.resolve(ex)
	row := ex.QueryRow(`SELECT id, run_id, node_id, status, parent_token_id, path_id, sibling_group, branch_index, branch_total, attempt, iteration_counts, arrived_at, created_at, updated_at
		FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}
	return t, nil
}

// TokensByRun returns every token belonging to a run.
func (s *Store) TokensByRun(ex execer, runID string) ([]*model.Token, error) {
	ex = s.resolve(ex)
	rows, err := ex.Query(`SELECT id, run_id, node_id, status, parent_token_id, path_id, sibling_group, branch_index, branch_total, attempt, iteration_counts, arrived_at, created_at, updated_at
		FROM tokens WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tokens for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// TokensInSiblingGroup returns the live membership of a fan-out's
// sibling group, used to compute planner.SiblingCounts.
func (s *Store) TokensInSiblingGroup(ex execer, runID, siblingGroup string) ([]*model.Token, error) {
	ex = s.resolve(ex)
	rows, err := ex.Query(`SELECT id, run_id, node_id, status, parent_token_id, path_id, sibling_group, branch_index, branch_total, attempt, iteration_counts, arrived_at, created_at, updated_at
		FROM tokens WHERE run_id = ? AND sibling_group = ?`, runID, siblingGroup)
	if err != nil {
		return nil, fmt.Errorf("query sibling group %s/%s: %w", runID, siblingGroup, err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// UpdateTokenStatus sets a token's status (and arrivedAt, when
// transitioning into waiting_for_siblings).
func (s *Store) UpdateTokenStatus(ex execer, tokenID string, status model.TokenStatus, arrivedAt *time.Time) error {
	ex = s.resolve(ex)
	res, err := ex.Exec(`UPDATE tokens SET status = ?, arrived_at = COALESCE(?, arrived_at), updated_at = ? WHERE id = ?`,
		string(status), nullableTime(arrivedAt), formatTime(time.Now()), tokenID)
	if err != nil {
		return fmt.Errorf("update token %s status: %w", tokenID, err)
	}
	return requireRowsAffected(res, model.ErrTokenNotFound)
}

// IncrementTokenAttempt bumps a token's retry-policy attempt counter
// and returns the new value.
func (s *Store) IncrementTokenAttempt(ex execer, tokenID string) (int, error) {
	ex = s.resolve(ex)
	res, err := ex.Exec(`UPDATE tokens SET attempt = attempt + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), tokenID)
	if err != nil {
		return 0, fmt.Errorf("increment token %s attempt: %w", tokenID, err)
	}
	if err := requireRowsAffected(res, model.ErrTokenNotFound); err != nil {
		return 0, err
	}
	tok, err := s.GetToken(ex, tokenID)
	if err != nil {
		return 0, err
	}
	return tok.Attempt, nil
}

// UpdateTokenIterationCounts persists a loop-continuation token's
// updated iterationCounts map.
func (s *Store) UpdateTokenIterationCounts(ex execer, tokenID string, counts map[string]int) error {
	ex = s.resolve(ex)
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal iteration counts: %w", err)
	}
	res, err := ex.Exec(`UPDATE tokens SET iteration_counts = ?, updated_at = ? WHERE id = ?`,
		string(data), formatTime(time.Now()), tokenID)
	if err != nil {
		return fmt.Errorf("update token %s iteration counts: %w", tokenID, err)
	}
	return requireRowsAffected(res, model.ErrTokenNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*model.Token, error) {
	var t model.Token
	var status, countsJSON string
	var siblingGroup, arrivedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&t.ID, &t.RunID, &t.NodeID, &status, &t.ParentTokenID, &t.PathID,
		&siblingGroup, &t.BranchIndex, &t.BranchTotal, &t.Attempt, &countsJSON, &arrivedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Status = model.TokenStatus(status)
	if siblingGroup.Valid {
		sg := siblingGroup.String
		t.SiblingGroup = &sg
	}
	if arrivedAt.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, arrivedAt.String)
		if err == nil {
			t.ArrivedAt = &parsed
		}
	}
	t.IterationCounts = map[string]int{}
	if countsJSON != "" {
		_ = json.Unmarshal([]byte(countsJSON), &t.IterationCounts)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func scanTokens(rows *sql.Rows) ([]*model.Token, error) {
	var out []*model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return out, nil
}
