package store

import (
	"database/sql"
	"time"

	"goalforge/internal/logging"
)

// Status is a tool lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeleted    Status = "deleted"
	StatusArchived   Status = "archived"
	StatusDeprecated Status = "deprecated"
)

// LifecycleRecord tracks one tool's current status.
type LifecycleRecord struct {
	ToolName        string
	Status          Status
	StatusChangedAt time.Time
	Reason          string
}

// AuditEvent is one entry of the append-only lifecycle audit trail.
type AuditEvent struct {
	ID         int64
	ToolName   string
	FromStatus Status
	ToStatus   Status
	Reason     string
	CreatedAt  time.Time
}

// SetLifecycleStatus transitions a tool to a new status, appending an audit
// event. Setting the status a tool already has is a no-op and produces no
// audit event, which keeps reconciliation idempotent.
func (s *Store) SetLifecycleStatus(toolName string, status Status, reason string) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current sql.NullString
	err = s.db.QueryRow(`SELECT status FROM tool_lifecycle WHERE tool_name = ?`, toolName).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if current.Valid && Status(current.String) == status {
		return false, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO tool_lifecycle (tool_name, status, status_changed_at, reason)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(tool_name) DO UPDATE SET
			status = excluded.status,
			status_changed_at = CURRENT_TIMESTAMP,
			reason = excluded.reason`,
		toolName, string(status), reason)
	if err != nil {
		return false, err
	}

	from := ""
	if current.Valid {
		from = current.String
	}
	_, err = s.db.Exec(`
		INSERT INTO lifecycle_audit (tool_name, from_status, to_status, reason)
		VALUES (?, ?, ?, ?)`,
		toolName, from, string(status), reason)
	if err != nil {
		return false, err
	}

	logging.Lifecycle("tool %s: %s -> %s (%s)", toolName, from, status, reason)
	return true, nil
}

// GetLifecycle returns the lifecycle record for a tool, or nil if untracked.
func (s *Store) GetLifecycle(toolName string) (*LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT tool_name, status, status_changed_at, reason
		FROM tool_lifecycle WHERE tool_name = ?`, toolName)

	var rec LifecycleRecord
	var status, changed string
	var reason sql.NullString
	if err := row.Scan(&rec.ToolName, &status, &changed, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.Status = Status(status)
	rec.StatusChangedAt = parseSQLiteTime(changed)
	rec.Reason = reason.String
	return &rec, nil
}

// ListLifecycle returns all lifecycle records with the given status, or all
// records when status is empty.
func (s *Store) ListLifecycle(status Status) ([]LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT tool_name, status, status_changed_at, reason FROM tool_lifecycle`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LifecycleRecord
	for rows.Next() {
		var rec LifecycleRecord
		var st, changed string
		var reason sql.NullString
		if err := rows.Scan(&rec.ToolName, &st, &changed, &reason); err != nil {
			return nil, err
		}
		rec.Status = Status(st)
		rec.StatusChangedAt = parseSQLiteTime(changed)
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditTrail returns the audit events for a tool, oldest first.
func (s *Store) AuditTrail(toolName string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, tool_name, from_status, to_status, reason, created_at
		FROM lifecycle_audit WHERE tool_name = ? ORDER BY id ASC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var from, reason sql.NullString
		var created string
		if err := rows.Scan(&ev.ID, &ev.ToolName, &from, (*string)(&ev.ToStatus), &reason, &created); err != nil {
			return nil, err
		}
		ev.FromStatus = Status(from.String)
		ev.Reason = reason.String
		ev.CreatedAt = parseSQLiteTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountAuditEvents returns the total number of audit events.
func (s *Store) CountAuditEvents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM lifecycle_audit`).Scan(&n)
	return n, err
}
