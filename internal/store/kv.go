package store

import "database/sql"

// Namespaced key-value storage for tool credentials and scratch state.
// Namespace is conventionally the tool name.

// KVSet stores a value under (namespace, key).
func (s *Store) KVSet(namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tool_storage (namespace, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value)
	return err
}

// KVGet returns the value for (namespace, key). Missing keys return ("", false).
func (s *Store) KVGet(namespace, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow(`
		SELECT value FROM tool_storage WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value.String, true, nil
}

// KVDelete removes a key.
func (s *Store) KVDelete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM tool_storage WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}
