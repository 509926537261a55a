package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flowcoord/engine/model"
)

// TryActivateFanIn attempts the race-safe fan-in claim:
// it inserts a fan_ins row for (runID, fanInPath); the (run_id,
// fan_in_path) primary key means only one concurrent attempt ever
// succeeds. Returns model.ErrFanInAlreadyExists if another activation
// already won.
func (s *Store) TryActivateFanIn(ex execer, fi *model.FanIn) error {
	ex = s.resolve(ex)
	_, err := ex.Exec(`INSERT INTO fan_ins (run_id, fan_in_path, sibling_group, target_node_id, transition_id, activated_by_token_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fi.RunID, fi.FanInPath, fi.SiblingGroup, fi.TargetNodeID, fi.TransitionID, fi.ActivatedByTokenID, formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrFanInAlreadyExists
		}
		return fmt.Errorf("activate fan-in %s/%s: %w", fi.RunID, fi.FanInPath, err)
	}
	return nil
}

// GetFanIn looks up a fan-in record, or model.ErrFanInLost if it has
// not (yet) been activated.
func (s *Store) GetFanIn(ex execer, runID, fanInPath string) (*model.FanIn, error) {
	ex = s.resolve(ex)
	row := ex.QueryRow(`SELECT run_id, fan_in_path, sibling_group, target_node_id, transition_id, activated_by_token_id, created_at
		FROM fan_ins WHERE run_id = ? AND fan_in_path = ?`, runID, fanInPath)

	var fi model.FanIn
	var createdAt string
	err := row.Scan(&fi.RunID, &fi.FanInPath, &fi.SiblingGroup, &fi.TargetNodeID, &fi.TransitionID, &fi.ActivatedByTokenID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrFanInLost
	}
	if err != nil {
		return nil, fmt.Errorf("get fan-in %s/%s: %w", runID, fanInPath, err)
	}
	fi.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &fi, nil
}
