package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"goalforge/internal/logging"
)

// PatternRow is a persisted (goal -> subgoal list) association. Rows with the
// same normalized goal collapse into one with an incremented usage count; the
// subgoal list of an existing row is never replaced.
type PatternRow struct {
	ID             int64
	Goal           string
	NormalizedGoal string
	GoalType       string
	Embedding      []float32
	Subgoals       []string
	Success        bool
	ExecutionMs    int64
	ToolsUsed      []string
	UsageCount     int
	Efficiency     float64
	SuccessCount   int
	CreatedAt      time.Time
	LastUsed       time.Time
}

// SuccessRate returns the fraction of uses that succeeded.
func (p *PatternRow) SuccessRate() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

// UpsertPattern stores a pattern or, when the normalized goal already exists,
// bumps its counters and efficiency. Efficiency is a rolling average of
// 1/duration so faster decompositions score higher.
func (s *Store) UpsertPattern(p PatternRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID int64
	err := s.db.QueryRow(`SELECT id FROM decomposition_patterns WHERE normalized_goal = ?`,
		p.NormalizedGoal).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		emb, merr := json.Marshal(p.Embedding)
		if merr != nil {
			return fmt.Errorf("failed to marshal embedding: %w", merr)
		}
		subgoals, _ := json.Marshal(p.Subgoals)
		tools, _ := json.Marshal(p.ToolsUsed)

		_, err = s.db.Exec(`
			INSERT INTO decomposition_patterns
			(goal, normalized_goal, goal_type, embedding, subgoals, success, execution_ms,
			 tools_used, usage_count, efficiency, success_count, last_used)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, CURRENT_TIMESTAMP)`,
			p.Goal, p.NormalizedGoal, p.GoalType, string(emb), string(subgoals),
			boolInt(p.Success), p.ExecutionMs, string(tools),
			efficiencyScore(p.ExecutionMs), boolInt(p.Success))
		if err == nil {
			logging.Learner("stored new pattern for %q (%d subgoals)", p.Goal, len(p.Subgoals))
		}
		return err

	case err != nil:
		return err

	default:
		// Existing pattern: counters and efficiency only, never the subgoals.
		_, err = s.db.Exec(`
			UPDATE decomposition_patterns SET
				usage_count = usage_count + 1,
				success_count = success_count + ?,
				execution_ms = ?,
				efficiency = (efficiency * usage_count + ?) / (usage_count + 1),
				last_used = CURRENT_TIMESTAMP
			WHERE id = ?`,
			boolInt(p.Success), p.ExecutionMs, efficiencyScore(p.ExecutionMs), existingID)
		if err == nil {
			logging.Learner("collapsed pattern for %q into row %d", p.Goal, existingID)
		}
		return err
	}
}

// AllPatterns returns every pattern, used to build the in-memory index.
func (s *Store) AllPatterns() ([]PatternRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, goal, normalized_goal, goal_type, embedding, subgoals, success,
		       execution_ms, tools_used, usage_count, efficiency, success_count, created_at, last_used
		FROM decomposition_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatternRow
	for rows.Next() {
		var p PatternRow
		var goalType sql.NullString
		var emb, subgoals string
		var tools sql.NullString
		var success int
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&p.ID, &p.Goal, &p.NormalizedGoal, &goalType, &emb, &subgoals,
			&success, &p.ExecutionMs, &tools, &p.UsageCount, &p.Efficiency,
			&p.SuccessCount, &created, &lastUsed); err != nil {
			return nil, err
		}
		p.GoalType = goalType.String
		_ = json.Unmarshal([]byte(emb), &p.Embedding)
		_ = json.Unmarshal([]byte(subgoals), &p.Subgoals)
		if tools.Valid {
			_ = json.Unmarshal([]byte(tools.String), &p.ToolsUsed)
		}
		p.Success = success == 1
		p.CreatedAt = parseSQLiteTime(created)
		if lastUsed.Valid {
			p.LastUsed = parseSQLiteTime(lastUsed.String)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchPattern bumps usage on suggestion reuse.
func (s *Store) TouchPattern(id int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE decomposition_patterns SET
			usage_count = usage_count + 1,
			success_count = success_count + ?,
			last_used = CURRENT_TIMESTAMP
		WHERE id = ?`, boolInt(success), id)
	return err
}

// CountPatterns returns the number of learned patterns.
func (s *Store) CountPatterns() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM decomposition_patterns`).Scan(&n)
	return n, err
}

// efficiencyScore maps a duration to (0, 1]: instant work scores 1,
// a minute scores ~0.01.
func efficiencyScore(ms int64) float64 {
	if ms <= 0 {
		return 1
	}
	return 1000.0 / (1000.0 + float64(ms))
}
