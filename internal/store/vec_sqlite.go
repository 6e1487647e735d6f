//go:build sqlite_vec && cgo

package store

import (
	"encoding/json"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"goalforge/internal/logging"
)

func init() {
	// Register sqlite-vec with the mattn/go-sqlite3 driver before any
	// connection opens.
	vec.Auto()
}

// VecAvailable reports whether vec0 KNN queries can run.
func (s *Store) VecAvailable() bool { return true }

// vecTable returns the vec0 table for a kind, creating it on first use. The
// dimensionality is pinned by the first vector seen.
func (s *Store) vecTable(kind string, dims int) (string, error) {
	table := "vec_" + kind
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	if s.vecTables == nil {
		s.vecTables = make(map[string]bool)
	}
	if s.vecTables[table] {
		return table, nil
	}
	stmt := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(ref_id TEXT, embedding FLOAT[%d])`,
		table, dims)
	if _, err := s.db.Exec(stmt); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", table, err)
	}
	logging.StoreDebug("vec0 table %s ready (%d dims)", table, dims)
	s.vecTables[table] = true
	return table, nil
}

// VecUpsert replaces the vector stored under refID.
func (s *Store) VecUpsert(kind, refID string, v []float32) error {
	if len(v) == 0 {
		return nil
	}
	table, err := s.vecTable(kind, len(v))
	if err != nil {
		return err
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE ref_id = ?`, table), refID); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(`INSERT INTO %s(ref_id, embedding) VALUES (?, ?)`, table),
		refID, string(blob))
	return err
}

// VecDelete drops the vector stored under refID.
func (s *Store) VecDelete(kind, refID string) error {
	table, err := s.vecTable(kind, 1)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE ref_id = ?`, table), refID)
	return err
}

// VecSearch runs a vec0 KNN query and returns the k nearest ref_ids, best
// first. Callers re-rank the survivors with their own tie-breaks.
func (s *Store) VecSearch(kind string, v []float32, k int) ([]string, error) {
	if len(v) == 0 || k <= 0 {
		return nil, nil
	}
	table, err := s.vecTable(kind, len(v))
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT ref_id FROM %s WHERE embedding MATCH ? AND k = ? ORDER BY distance`, table),
		string(blob), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
