package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// AuditLog records one row per completed dispatch.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog wraps db. The schema is created by OpenSQLite.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Entry is one completed dispatch.
type Entry struct {
	TaskID     string
	Handler    string
	Outcome    string
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// Record appends an entry. Failures here must not fail the dispatch; callers
// log and continue.
func (a *AuditLog) Record(e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := a.db.Exec(
		`INSERT INTO task_log (task_id, handler, outcome, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Handler, e.Outcome, e.Error, e.DurationMS,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record task log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		`SELECT task_id, handler, outcome, error, duration_ms, created_at
		 FROM task_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errMsg sql.NullString
		var created string
		if err := rows.Scan(&e.TaskID, &e.Handler, &e.Outcome, &errMsg, &e.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan task log row: %w", err)
		}
		e.Error = errMsg.String
		if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
