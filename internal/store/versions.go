package store

import (
	"database/sql"
	"time"

	"goalforge/internal/logging"
)

// Author kinds for tool versions.
const (
	AuthorHuman     = "human"
	AuthorGenerated = "generated"
)

// ToolVersion is one append-only entry in a tool's version history.
type ToolVersion struct {
	ID          int64
	ToolName    string
	Version     int
	ContentHash string
	Author      string
	Reason      string
	CreatedAt   time.Time
}

// RecordVersion appends the next version for a tool and returns it. The
// version number is monotonically increasing per tool. Callers serialize
// per-tool writes with WithToolLock.
func (s *Store) RecordVersion(toolName, contentHash, author, reason string) (*ToolVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM tool_versions WHERE tool_name = ?`,
		toolName).Scan(&next)
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(`
		INSERT INTO tool_versions (tool_name, version, content_hash, author, reason)
		VALUES (?, ?, ?, ?, ?)`,
		toolName, next, contentHash, author, reason)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()

	logging.Improve("recorded version %d of %s (author=%s)", next, toolName, author)
	return &ToolVersion{
		ID:          id,
		ToolName:    toolName,
		Version:     next,
		ContentHash: contentHash,
		Author:      author,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}, nil
}

// LatestVersion returns the newest version record for a tool, or nil.
func (s *Store) LatestVersion(toolName string) (*ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, tool_name, version, content_hash, author, reason, created_at
		FROM tool_versions WHERE tool_name = ? ORDER BY version DESC LIMIT 1`, toolName)
	return scanVersion(row)
}

// ListVersions returns all versions of a tool, oldest first.
func (s *Store) ListVersions(toolName string) ([]ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, tool_name, version, content_hash, author, reason, created_at
		FROM tool_versions WHERE tool_name = ? ORDER BY version ASC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolVersion
	for rows.Next() {
		var v ToolVersion
		var reason sql.NullString
		var created string
		if err := rows.Scan(&v.ID, &v.ToolName, &v.Version, &v.ContentHash, &v.Author, &reason, &created); err != nil {
			return nil, err
		}
		v.Reason = reason.String
		v.CreatedAt = parseSQLiteTime(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row *sql.Row) (*ToolVersion, error) {
	var v ToolVersion
	var reason sql.NullString
	var created string
	if err := row.Scan(&v.ID, &v.ToolName, &v.Version, &v.ContentHash, &v.Author, &reason, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	v.Reason = reason.String
	v.CreatedAt = parseSQLiteTime(created)
	return &v, nil
}
