//go:build !(sqlite_vec && cgo)

package store

// Without the sqlite_vec extension similarity search happens in process over
// the JSON-encoded embeddings each component holds in memory. These stubs
// keep call sites identical in both builds.

// VecAvailable reports whether vec0 KNN queries can run.
func (s *Store) VecAvailable() bool { return false }

// VecUpsert is a no-op without the extension.
func (s *Store) VecUpsert(kind, refID string, vec []float32) error { return nil }

// VecDelete is a no-op without the extension.
func (s *Store) VecDelete(kind, refID string) error { return nil }

// VecSearch reports no candidates; callers fall back to a full scan.
func (s *Store) VecSearch(kind string, vec []float32, k int) ([]string, error) {
	return nil, nil
}
