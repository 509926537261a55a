package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// isUniqueViolation reports whether err came from a UNIQUE or PRIMARY
// KEY constraint rejecting an insert. This is the race-protection
// mechanism behind fan-in activation: two concurrent
// entry points racing to insert the same fan_ins row, only one
// succeeds, the other observes this and backs off.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
