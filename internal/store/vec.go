package store

// Vector index kinds. Each kind maps to its own vec0 virtual table, created
// lazily on first upsert. Builds without the sqlite_vec tag keep the same
// call surface but report VecAvailable() == false, and callers scan their
// in-memory indexes instead.
const (
	VecPathways = "pathways"
	VecPatterns = "patterns"
)
