package store

import (
	"database/sql"
	"sort"
	"time"

	"goalforge/internal/logging"
)

// ToolStatistics is the derived per-tool aggregate. Recomputed from
// invocations by the maintenance pass; the hot path never edits it in place.
type ToolStatistics struct {
	ToolName     string
	TotalUses    int
	SuccessCount int
	MeanMs       float64
	MedianMs     float64
	P95Ms        float64
	P99Ms        float64
	FirstUsed    time.Time
	LastUsed     time.Time
	ComputedAt   time.Time
}

// SuccessRate returns successes / total, or 0 for unused tools.
func (ts *ToolStatistics) SuccessRate() float64 {
	if ts.TotalUses == 0 {
		return 0
	}
	return float64(ts.SuccessCount) / float64(ts.TotalUses)
}

// ToolStats returns the statistics for one tool, computing them on the fly
// from the invocation log. The persisted tool_statistics row is a snapshot
// for reporting; callers that need fresh numbers use this.
func (s *Store) ToolStats(toolName string) (*ToolStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.computeStats(toolName)
}

// RecomputeStatistics recalculates and persists the statistics snapshot for
// every tool that has invocations. Intended to run from the maintenance pass.
func (s *Store) RecomputeStatistics() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT DISTINCT tool_name FROM tool_invocations`)
	if err != nil {
		return 0, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			names = append(names, name)
		}
	}
	rows.Close()

	count := 0
	for _, name := range names {
		stats, err := s.computeStats(name)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("failed to compute stats for %s: %v", name, err)
			continue
		}
		_, err = s.db.Exec(`
			INSERT INTO tool_statistics
			(tool_name, total_uses, success_count, mean_ms, median_ms, p95_ms, p99_ms, first_used, last_used, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(tool_name) DO UPDATE SET
				total_uses = excluded.total_uses,
				success_count = excluded.success_count,
				mean_ms = excluded.mean_ms,
				median_ms = excluded.median_ms,
				p95_ms = excluded.p95_ms,
				p99_ms = excluded.p99_ms,
				first_used = excluded.first_used,
				last_used = excluded.last_used,
				computed_at = CURRENT_TIMESTAMP`,
			stats.ToolName, stats.TotalUses, stats.SuccessCount,
			stats.MeanMs, stats.MedianMs, stats.P95Ms, stats.P99Ms,
			stats.FirstUsed.UTC().Format(sqliteTimeLayout),
			stats.LastUsed.UTC().Format(sqliteTimeLayout))
		if err != nil {
			logging.Get(logging.CategoryStore).Error("failed to persist stats for %s: %v", name, err)
			continue
		}
		count++
	}

	logging.Store("recomputed statistics for %d tools", count)
	return count, nil
}

// computeStats derives statistics from the invocation log. Caller holds a lock.
func (s *Store) computeStats(toolName string) (*ToolStatistics, error) {
	stats := &ToolStatistics{ToolName: toolName, ComputedAt: time.Now()}

	var first, last sql.NullString
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0), MIN(created_at), MAX(created_at)
		FROM tool_invocations WHERE tool_name = ?`, toolName,
	).Scan(&stats.TotalUses, &stats.SuccessCount, &first, &last)
	if err != nil {
		return nil, err
	}
	if first.Valid {
		stats.FirstUsed = parseSQLiteTime(first.String)
	}
	if last.Valid {
		stats.LastUsed = parseSQLiteTime(last.String)
	}
	if stats.TotalUses == 0 {
		return stats, nil
	}

	rows, err := s.db.Query(`
		SELECT duration_ms FROM tool_invocations WHERE tool_name = ? ORDER BY duration_ms ASC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var durations []float64
	var sum float64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			continue
		}
		durations = append(durations, float64(d))
		sum += float64(d)
	}
	if len(durations) == 0 {
		return stats, nil
	}

	stats.MeanMs = sum / float64(len(durations))
	stats.MedianMs = percentile(durations, 0.50)
	stats.P95Ms = percentile(durations, 0.95)
	stats.P99Ms = percentile(durations, 0.99)
	return stats, nil
}

// percentile takes a sorted slice and a fraction in (0, 1].
// Uses the nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if !sort.Float64sAreSorted(sorted) {
		sort.Float64s(sorted)
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
