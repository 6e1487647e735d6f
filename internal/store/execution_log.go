package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"goalforge/internal/logging"
)

// GoalExecution is the write-once record of one goal run through the engine.
type GoalExecution struct {
	ID         string
	Goal       string
	Intent     string
	Success    bool
	DurationMs int64
	Error      string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// ToolInvocation is the write-once record of one tool call.
type ToolInvocation struct {
	ID          int64
	ExecutionID string
	ToolName    string
	Input       string
	Output      string
	Success     bool
	DurationMs  int64
	Error       string
	CreatedAt   time.Time
}

// RecordExecution appends a goal execution. Executions are immutable once
// written; a duplicate id is an error.
func (s *Store) RecordExecution(exec GoalExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON := ""
	if exec.Metadata != nil {
		b, err := json.Marshal(exec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO goal_executions (id, goal, intent, success, duration_ms, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Goal, exec.Intent, boolInt(exec.Success), exec.DurationMs, exec.Error, metaJSON,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to record execution %s: %v", exec.ID, err)
		return err
	}

	logging.StoreDebug("recorded execution %s (success=%v)", exec.ID, exec.Success)
	return nil
}

// RecordInvocation appends a tool invocation under its goal execution. A
// zero CreatedAt means now.
func (s *Store) RecordInvocation(inv ToolInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if inv.CreatedAt.IsZero() {
		_, err = s.db.Exec(`
			INSERT INTO tool_invocations (execution_id, tool_name, input, output, success, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			inv.ExecutionID, inv.ToolName, inv.Input, inv.Output, boolInt(inv.Success), inv.DurationMs, inv.Error,
		)
	} else {
		_, err = s.db.Exec(`
			INSERT INTO tool_invocations (execution_id, tool_name, input, output, success, duration_ms, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ExecutionID, inv.ToolName, inv.Input, inv.Output, boolInt(inv.Success), inv.DurationMs, inv.Error,
			inv.CreatedAt.UTC().Format(sqliteTimeLayout),
		)
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to record invocation of %s: %v", inv.ToolName, err)
	}
	return err
}

// GetExecution returns one execution by id.
func (s *Store) GetExecution(id string) (*GoalExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, goal, intent, success, duration_ms, error, metadata, created_at
		FROM goal_executions WHERE id = ?`, id)

	var exec GoalExecution
	var success int
	var metaJSON sql.NullString
	var created string
	if err := row.Scan(&exec.ID, &exec.Goal, &exec.Intent, &success,
		&exec.DurationMs, &exec.Error, &metaJSON, &created); err != nil {
		return nil, err
	}
	exec.Success = success == 1
	exec.CreatedAt = parseSQLiteTime(created)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &exec.Metadata)
	}
	return &exec, nil
}

// CountExecutions returns the total number of goal executions.
func (s *Store) CountExecutions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM goal_executions`).Scan(&n)
	return n, err
}

// RecentInvocationsByTool returns the latest invocations of a tool, newest
// first.
func (s *Store) RecentInvocationsByTool(toolName string, limit int) ([]ToolInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, execution_id, tool_name, input, output, success, duration_ms, error, created_at
		FROM tool_invocations WHERE tool_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		toolName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

// InvocationsByToolSince returns invocations of a tool created at or after t,
// oldest first (the order the deployment monitor consumes them in).
func (s *Store) InvocationsByToolSince(toolName string, t time.Time) ([]ToolInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, execution_id, tool_name, input, output, success, duration_ms, error, created_at
		FROM tool_invocations WHERE tool_name = ? AND created_at >= ? ORDER BY created_at ASC, id ASC`,
		toolName, t.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvocations(rows)
}

// ToolSuccessRateBetween computes (successes, total) for a tool in [from, to).
func (s *Store) ToolSuccessRateBetween(toolName string, from, to time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var successes, total int
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(success), 0), COUNT(*)
		FROM tool_invocations
		WHERE tool_name = ? AND created_at >= ? AND created_at < ?`,
		toolName, from.UTC().Format(sqliteTimeLayout), to.UTC().Format(sqliteTimeLayout),
	).Scan(&successes, &total)
	return successes, total, err
}

func scanInvocations(rows *sql.Rows) ([]ToolInvocation, error) {
	var out []ToolInvocation
	for rows.Next() {
		var inv ToolInvocation
		var success int
		var created string
		if err := rows.Scan(&inv.ID, &inv.ExecutionID, &inv.ToolName, &inv.Input,
			&inv.Output, &success, &inv.DurationMs, &inv.Error, &created); err != nil {
			return nil, err
		}
		inv.Success = success == 1
		inv.CreatedAt = parseSQLiteTime(created)
		out = append(out, inv)
	}
	return out, rows.Err()
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

func parseSQLiteTime(s string) time.Time {
	// SQLite CURRENT_TIMESTAMP emits UTC without a zone marker.
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
