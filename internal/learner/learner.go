// Package learner remembers how goals decompose into subgoals, so similar
// goals skip the LLM decomposition step.
package learner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"goalforge/internal/embedding"
	"goalforge/internal/logging"
	"goalforge/internal/store"
)

// Suggestion is a learned decomposition for a goal.
type Suggestion struct {
	PatternID  int64
	Subgoals   []string
	Confidence float64
	Similarity float64
}

// Learner keeps an in-memory similarity index over persisted patterns.
// Patterns are coarser than pathways, so the matching threshold is lower.
type Learner struct {
	store     *store.Store
	engine    embedding.Engine
	threshold float64

	mu       sync.RWMutex
	patterns []store.PatternRow
}

// New builds a learner and loads the pattern index from the store.
func New(st *store.Store, engine embedding.Engine, threshold float64) (*Learner, error) {
	l := &Learner{store: st, engine: engine, threshold: threshold}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if st.VecAvailable() {
		for _, p := range l.patterns {
			if err := st.VecUpsert(store.VecPatterns, p.NormalizedGoal, p.Embedding); err != nil {
				logging.Get(logging.CategoryLearner).Error("vec index sync failed for %q: %v", p.NormalizedGoal, err)
			}
		}
	}
	logging.Learner("pattern index loaded with %d patterns", len(l.patterns))
	return l, nil
}

// Suggest returns the best matching decomposition above the threshold, or
// nil when nothing learned applies. Among matches, highest efficiency wins,
// then most recent use.
func (l *Learner) Suggest(ctx context.Context, goal string) (*Suggestion, error) {
	l.mu.RLock()
	patterns := l.patterns
	l.mu.RUnlock()
	if len(patterns) == 0 {
		return nil, nil
	}

	goalVec, err := l.engine.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("failed to embed goal: %w", err)
	}

	// With the sqlite_vec extension the KNN index narrows the scan; exact
	// cosine against the threshold stays authoritative.
	if refs, err := l.store.VecSearch(store.VecPatterns, goalVec, 16); err == nil && len(refs) > 0 {
		want := make(map[string]bool, len(refs))
		for _, r := range refs {
			want[r] = true
		}
		narrowed := make([]store.PatternRow, 0, len(refs))
		for _, p := range patterns {
			if want[p.NormalizedGoal] {
				narrowed = append(narrowed, p)
			}
		}
		if len(narrowed) > 0 {
			patterns = narrowed
		}
	}

	best := -1
	bestSim := 0.0
	for i, p := range patterns {
		sim, err := embedding.CosineSimilarity(goalVec, p.Embedding)
		if err != nil || sim <= l.threshold {
			continue
		}
		if best < 0 || better(&patterns[i], sim, &patterns[best], bestSim) {
			best, bestSim = i, sim
		}
	}
	if best < 0 {
		logging.Learner("no pattern above %.2f for %q", l.threshold, goal)
		return nil, nil
	}

	p := patterns[best]
	s := &Suggestion{
		PatternID:  p.ID,
		Subgoals:   append([]string(nil), p.Subgoals...),
		Confidence: Confidence(p.SuccessRate(), p.UsageCount),
		Similarity: bestSim,
	}
	logging.Learner("suggesting %d subgoals for %q (similarity %.3f, confidence %.2f)",
		len(s.Subgoals), goal, s.Similarity, s.Confidence)
	return s, nil
}

// Store persists a decomposition outcome. Repeated goals collapse into one
// pattern whose counters grow; the subgoal list never changes.
func (l *Learner) Store(ctx context.Context, goal string, subgoals []string, success bool, duration time.Duration, tools []string) error {
	vec, err := l.engine.Embed(ctx, goal)
	if err != nil {
		return fmt.Errorf("failed to embed goal: %w", err)
	}

	err = l.store.UpsertPattern(store.PatternRow{
		Goal:           goal,
		NormalizedGoal: Normalize(goal),
		Embedding:      vec,
		Subgoals:       subgoals,
		Success:        success,
		ExecutionMs:    duration.Milliseconds(),
		ToolsUsed:      tools,
	})
	if err != nil {
		return err
	}
	if err := l.store.VecUpsert(store.VecPatterns, Normalize(goal), vec); err != nil {
		logging.Get(logging.CategoryLearner).Error("vec index upsert failed for %q: %v", goal, err)
	}
	return l.reload()
}

// RecordUse bumps a pattern's counters after its suggestion was replayed.
func (l *Learner) RecordUse(patternID int64, success bool) error {
	if err := l.store.TouchPattern(patternID, success); err != nil {
		return err
	}
	return l.reload()
}

// Count returns the number of learned patterns.
func (l *Learner) Count() (int, error) {
	return l.store.CountPatterns()
}

func (l *Learner) reload() error {
	patterns, err := l.store.AllPatterns()
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}
	l.mu.Lock()
	l.patterns = patterns
	l.mu.Unlock()
	return nil
}

// better orders candidate patterns above the threshold: efficiency, then
// recency, then similarity. All matches are close enough already; the fast
// proven one beats the marginally closer one.
func better(a *store.PatternRow, aSim float64, b *store.PatternRow, bSim float64) bool {
	if a.Efficiency != b.Efficiency {
		return a.Efficiency > b.Efficiency
	}
	if !a.LastUsed.Equal(b.LastUsed) {
		return a.LastUsed.After(b.LastUsed)
	}
	return aSim > bSim
}

// Confidence maps a track record to [0, 1]. One use of a perfect pattern
// scores ~0.3; ten or more uses saturate the usage term.
func Confidence(successRate float64, usage int) float64 {
	return successRate * math.Min(1, math.Log10(float64(usage)+1))
}

// Normalize collapses a goal to its comparable form: lowercase, single
// spaces, trailing punctuation dropped.
func Normalize(goal string) string {
	s := strings.ToLower(strings.TrimSpace(goal))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}
