package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"goalforge/internal/embedding"
	"goalforge/internal/logging"
)

// UsageStats is the slice of tool history discovery cares about.
type UsageStats struct {
	SuccessRate float64
	Uses        int
	LastUsed    time.Time
}

// StatsProvider supplies usage history for ranking. The zero provider (nil)
// ranks on similarity alone.
type StatsProvider interface {
	StatsFor(toolName string) (UsageStats, bool)
}

// Candidate is one discovery hit.
type Candidate struct {
	Tool       *Tool
	Similarity float64 // cosine similarity of goal vs description
	Score      float64 // similarity boosted by usage history
}

// Discovery finds tools relevant to a goal by embedding the goal text and
// comparing it against embedded tool descriptions. Description vectors are
// cached per content hash so a registry refresh only re-embeds what changed.
type Discovery struct {
	registry *Registry
	engine   embedding.Engine
	stats    StatsProvider

	mu    sync.Mutex
	cache map[string][]float32 // tool hash -> description vector
}

// NewDiscovery builds a discovery index over the registry.
func NewDiscovery(registry *Registry, engine embedding.Engine, stats StatsProvider) *Discovery {
	return &Discovery{
		registry: registry,
		engine:   engine,
		stats:    stats,
		cache:    make(map[string][]float32),
	}
}

// Search returns the top k candidates for the goal, best first.
func (d *Discovery) Search(ctx context.Context, goal string, k int) ([]Candidate, error) {
	all := d.registry.All()
	if len(all) == 0 {
		return nil, ErrNoTools
	}

	goalVec, err := d.engine.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("failed to embed goal: %w", err)
	}

	candidates := make([]Candidate, 0, len(all))
	for _, t := range all {
		vec, err := d.descriptionVector(ctx, t)
		if err != nil {
			logging.Tools("skipping %s in discovery: %v", t.Definition.Name, err)
			continue
		}
		sim, err := embedding.CosineSimilarity(goalVec, vec)
		if err != nil {
			logging.Tools("skipping %s in discovery: %v", t.Definition.Name, err)
			continue
		}
		candidates = append(candidates, Candidate{
			Tool:       t,
			Similarity: sim,
			Score:      sim * d.boost(t.Definition.Name),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Invalidate drops a cached description vector, used after a tool changes.
func (d *Discovery) Invalidate(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, hash)
}

func (d *Discovery) descriptionVector(ctx context.Context, t *Tool) ([]float32, error) {
	d.mu.Lock()
	if vec, ok := d.cache[t.Hash]; ok {
		d.mu.Unlock()
		return vec, nil
	}
	d.mu.Unlock()

	text := t.Definition.Name + ": " + t.Definition.Description
	vec, err := d.engine.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[t.Hash] = vec
	d.mu.Unlock()
	return vec, nil
}

// boost rewards tools with a track record. A proven tool gets up to a modest
// multiplier over a brand new one; recency decays over 30 days so a stale
// track record fades.
func (d *Discovery) boost(name string) float64 {
	if d.stats == nil {
		return 1
	}
	st, ok := d.stats.StatsFor(name)
	if !ok || st.Uses == 0 {
		return 1
	}
	recency := 1.0
	if !st.LastUsed.IsZero() {
		age := time.Since(st.LastUsed)
		recency = math.Max(0, 1-age.Hours()/(30*24))
	}
	return 1 + 0.25*st.SuccessRate*math.Log1p(float64(st.Uses))*recency
}
