package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"goalforge/internal/logging"
)

// PathwayRow is the persisted form of a cached execution plan. The pathway
// cache keeps an in-memory similarity index over these rows; this file is
// only durability.
type PathwayRow struct {
	ID           string
	Goal         string
	Embedding    []float32
	Trace        string // compressed trace, JSON
	ToolsUsed    []string
	ToolHashes   map[string]string
	SuccessCount int
	FailureCount int
	Valid        bool
	CreatedAt    time.Time
	LastUsed     time.Time
}

// InsertPathway persists a new pathway.
func (s *Store) InsertPathway(p PathwayRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emb, err := json.Marshal(p.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	tools, _ := json.Marshal(p.ToolsUsed)
	hashes, _ := json.Marshal(p.ToolHashes)

	_, err = s.db.Exec(`
		INSERT INTO pathways (id, goal, embedding, trace, tools_used, tool_hashes, success_count, failure_count, valid, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		p.ID, p.Goal, string(emb), p.Trace, string(tools), string(hashes),
		p.SuccessCount, p.FailureCount, boolInt(p.Valid))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to insert pathway %s: %v", p.ID, err)
	}
	return err
}

// ValidPathways returns all valid pathways, used to build the in-memory index.
func (s *Store) ValidPathways() ([]PathwayRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, goal, embedding, trace, tools_used, tool_hashes, success_count, failure_count, valid, created_at, last_used
		FROM pathways WHERE valid = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPathways(rows)
}

// GetPathway returns one pathway by id.
func (s *Store) GetPathway(id string) (*PathwayRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, goal, embedding, trace, tools_used, tool_hashes, success_count, failure_count, valid, created_at, last_used
		FROM pathways WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanPathways(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// MarkPathwayInvalid flips the validity flag. Invalidation is terminal: there
// is no way back to valid.
func (s *Store) MarkPathwayInvalid(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE pathways SET valid = 0 WHERE id = ?`, id)
	return err
}

// InvalidatePathwaysByTool invalidates every valid pathway whose dependency
// list contains toolName. Returns the ids invalidated.
func (s *Store) InvalidatePathwaysByTool(toolName string) ([]string, error) {
	return s.invalidateWhere(toolName, "")
}

// InvalidatePathwaysByHash invalidates valid pathways that depend on toolName
// with a stored hash different from newHash.
func (s *Store) InvalidatePathwaysByHash(toolName, newHash string) ([]string, error) {
	return s.invalidateWhere(toolName, newHash)
}

// invalidateWhere is the shared predicate query. When keepHash is non-empty,
// pathways whose stored hash for the tool equals keepHash survive.
func (s *Store) invalidateWhere(toolName, keepHash string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, tools_used, tool_hashes FROM pathways WHERE valid = 1`)
	if err != nil {
		return nil, err
	}

	var hit []string
	for rows.Next() {
		var id, toolsJSON, hashesJSON string
		if err := rows.Scan(&id, &toolsJSON, &hashesJSON); err != nil {
			continue
		}
		var tools []string
		_ = json.Unmarshal([]byte(toolsJSON), &tools)
		if !contains(tools, toolName) {
			continue
		}
		if keepHash != "" {
			var hashes map[string]string
			_ = json.Unmarshal([]byte(hashesJSON), &hashes)
			if hashes[toolName] == keepHash {
				continue
			}
		}
		hit = append(hit, id)
	}
	rows.Close()

	for _, id := range hit {
		if _, err := s.db.Exec(`UPDATE pathways SET valid = 0 WHERE id = ?`, id); err != nil {
			return hit, err
		}
	}
	if len(hit) > 0 {
		logging.Pathway("invalidated %d pathways depending on %s", len(hit), toolName)
	}
	return hit, nil
}

// RecordPathwayUse bumps the success or failure counter and last_used.
func (s *Store) RecordPathwayUse(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err := s.db.Exec(
		`UPDATE pathways SET `+col+` = `+col+` + 1, last_used = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// EvictInvalidPathways deletes invalid pathways beyond keep, oldest-use first.
// Valid pathways are never evicted.
func (s *Store) EvictInvalidPathways(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM pathways WHERE valid = 0 AND id NOT IN (
			SELECT id FROM pathways WHERE valid = 0
			ORDER BY COALESCE(last_used, created_at) DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPathways returns (valid, total).
func (s *Store) CountPathways() (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var valid, total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pathways WHERE valid = 1`).Scan(&valid); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pathways`).Scan(&total); err != nil {
		return 0, 0, err
	}
	return valid, total, nil
}

func scanPathways(rows *sql.Rows) ([]PathwayRow, error) {
	var out []PathwayRow
	for rows.Next() {
		var p PathwayRow
		var emb, tools, hashes string
		var valid int
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&p.ID, &p.Goal, &emb, &p.Trace, &tools, &hashes,
			&p.SuccessCount, &p.FailureCount, &valid, &created, &lastUsed); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(emb), &p.Embedding)
		_ = json.Unmarshal([]byte(tools), &p.ToolsUsed)
		_ = json.Unmarshal([]byte(hashes), &p.ToolHashes)
		p.Valid = valid == 1
		p.CreatedAt = parseSQLiteTime(created)
		if lastUsed.Valid {
			p.LastUsed = parseSQLiteTime(lastUsed.String)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
