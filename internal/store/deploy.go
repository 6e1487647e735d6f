package store

import (
	"database/sql"
	"time"

	"goalforge/internal/logging"
)

// Deployment session statuses.
const (
	SessionActive     = "active"
	SessionCompleted  = "completed"
	SessionRolledBack = "rolled_back"
)

// DeploymentSession tracks one deployed tool improvement under monitoring.
type DeploymentSession struct {
	ID           string
	ToolName     string
	Version      int
	OldHash      string
	NewHash      string
	BackupPath   string
	Status       string
	DeployedAt   time.Time
	WindowEndsAt time.Time
}

// HealthCheck is one monitoring observation for a session.
type HealthCheck struct {
	ID              int64
	SessionID       string
	Tier            string
	RollingSuccess  float64
	BaselineSuccess float64
	Invocations     int
	Verdict         string
	CheckedAt       time.Time
}

// Rollback records one executed rollback.
type Rollback struct {
	ID        int64
	SessionID string
	ToolName  string
	Tier      string
	Reason    string
	FromHash  string
	ToHash    string
	CreatedAt time.Time
}

// ImprovementAttempt records the outcome of one improvement run, including
// failed ones that never deployed.
type ImprovementAttempt struct {
	ID        int64
	ToolName  string
	Strategy  string
	Status    string // "deployed", "failed", "skipped"
	Detail    string
	CreatedAt time.Time
}

// CreateDeploymentSession persists a new monitoring session.
func (s *Store) CreateDeploymentSession(sess DeploymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO deployment_sessions (id, tool_name, version, old_hash, new_hash, backup_path, status, deployed_at, window_ends_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ToolName, sess.Version, sess.OldHash, sess.NewHash, sess.BackupPath,
		SessionActive,
		sess.DeployedAt.UTC().Format(sqliteTimeLayout),
		sess.WindowEndsAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to create deployment session for %s: %v", sess.ToolName, err)
	}
	return err
}

// UpdateSessionStatus moves a session to completed or rolled_back.
func (s *Store) UpdateSessionStatus(sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE deployment_sessions SET status = ? WHERE id = ?`, status, sessionID)
	return err
}

// ActiveSessions returns all sessions still under monitoring.
func (s *Store) ActiveSessions() ([]DeploymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, tool_name, version, old_hash, new_hash, backup_path, status, deployed_at, window_ends_at
		FROM deployment_sessions WHERE status = ?`, SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeploymentSession
	for rows.Next() {
		var sess DeploymentSession
		var deployed, ends string
		if err := rows.Scan(&sess.ID, &sess.ToolName, &sess.Version, &sess.OldHash,
			&sess.NewHash, &sess.BackupPath, &sess.Status, &deployed, &ends); err != nil {
			return nil, err
		}
		sess.DeployedAt = parseSQLiteTime(deployed)
		sess.WindowEndsAt = parseSQLiteTime(ends)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordHealthCheck appends one monitoring observation.
func (s *Store) RecordHealthCheck(hc HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO deployment_health_checks (session_id, tier, rolling_success, baseline_success, invocations, verdict)
		VALUES (?, ?, ?, ?, ?, ?)`,
		hc.SessionID, hc.Tier, hc.RollingSuccess, hc.BaselineSuccess, hc.Invocations, hc.Verdict)
	return err
}

// HealthChecks returns all observations for a session, oldest first.
func (s *Store) HealthChecks(sessionID string) ([]HealthCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, tier, rolling_success, baseline_success, invocations, verdict, checked_at
		FROM deployment_health_checks WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthCheck
	for rows.Next() {
		var hc HealthCheck
		var rolling, baseline sql.NullFloat64
		var checked string
		if err := rows.Scan(&hc.ID, &hc.SessionID, &hc.Tier, &rolling, &baseline,
			&hc.Invocations, &hc.Verdict, &checked); err != nil {
			return nil, err
		}
		hc.RollingSuccess = rolling.Float64
		hc.BaselineSuccess = baseline.Float64
		hc.CheckedAt = parseSQLiteTime(checked)
		out = append(out, hc)
	}
	return out, rows.Err()
}

// RecordRollback appends a rollback event.
func (s *Store) RecordRollback(rb Rollback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO deployment_rollbacks (session_id, tool_name, tier, reason, from_hash, to_hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rb.SessionID, rb.ToolName, rb.Tier, rb.Reason, rb.FromHash, rb.ToHash)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to record rollback of %s: %v", rb.ToolName, err)
	}
	return err
}

// Rollbacks returns all rollbacks for a tool, oldest first.
func (s *Store) Rollbacks(toolName string) ([]Rollback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, tool_name, tier, reason, from_hash, to_hash, created_at
		FROM deployment_rollbacks WHERE tool_name = ? ORDER BY id ASC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rollback
	for rows.Next() {
		var rb Rollback
		var reason, from, to sql.NullString
		var created string
		if err := rows.Scan(&rb.ID, &rb.SessionID, &rb.ToolName, &rb.Tier, &reason, &from, &to, &created); err != nil {
			return nil, err
		}
		rb.Reason = reason.String
		rb.FromHash = from.String
		rb.ToHash = to.String
		rb.CreatedAt = parseSQLiteTime(created)
		out = append(out, rb)
	}
	return out, rows.Err()
}

// RecordImprovementAttempt appends an improvement attempt outcome.
func (s *Store) RecordImprovementAttempt(att ImprovementAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO improvement_attempts (tool_name, strategy, status, detail)
		VALUES (?, ?, ?, ?)`,
		att.ToolName, att.Strategy, att.Status, att.Detail)
	return err
}

// ImprovementAttempts returns attempts for a tool, oldest first.
func (s *Store) ImprovementAttempts(toolName string) ([]ImprovementAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, tool_name, strategy, status, detail, created_at
		FROM improvement_attempts WHERE tool_name = ? ORDER BY id ASC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImprovementAttempt
	for rows.Next() {
		var att ImprovementAttempt
		var strategy, detail sql.NullString
		var created string
		if err := rows.Scan(&att.ID, &att.ToolName, &strategy, &att.Status, &detail, &created); err != nil {
			return nil, err
		}
		att.Strategy = strategy.String
		att.Detail = detail.String
		att.CreatedAt = parseSQLiteTime(created)
		out = append(out, att)
	}
	return out, rows.Err()
}
