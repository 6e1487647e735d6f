// Package pathway is the fast path: a similarity cache of successful
// execution plans keyed by goal embedding, with dependency-aware
// invalidation against the tool registry.
package pathway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"goalforge/internal/embedding"
	"goalforge/internal/logging"
	"goalforge/internal/store"
)

// Step is one compressed trace entry. Full tool outputs are not retained,
// only a short summary for explanation purposes.
type Step struct {
	Tool    string `json:"tool"`
	Input   string `json:"input"`
	Summary string `json:"summary,omitempty"`
}

// Pathway is a cached execution plan ready to replay.
type Pathway struct {
	ID           string
	Goal         string
	Steps        []Step
	ToolsUsed    []string
	ToolHashes   map[string]string
	SuccessCount int
	FailureCount int
	LastUsed     time.Time
}

// SuccessRatio is the tie-break between equally similar pathways.
func (p *Pathway) SuccessRatio() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// Hit is a successful cache lookup.
type Hit struct {
	Pathway    *Pathway
	Similarity float64
}

// Resolver supplies the current content hash for a tool name. Missing tools
// report ok = false.
type Resolver interface {
	Hash(toolName string) (string, bool)
}

// Cache keeps an in-memory similarity index over the persisted pathways.
// Writes go through the store first; the index is rebuilt from it on start.
type Cache struct {
	store    *store.Store
	engine   embedding.Engine
	resolver Resolver

	strict float64
	loose  float64

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	row store.PathwayRow
	vec []float32
}

// vecSearchK is how many KNN candidates the vec0 index hands back for
// exact re-ranking.
const vecSearchK = 16

// New builds a cache and loads the valid pathways from the store.
func New(st *store.Store, engine embedding.Engine, resolver Resolver, strict, loose float64) (*Cache, error) {
	c := &Cache{
		store:    st,
		engine:   engine,
		resolver: resolver,
		strict:   strict,
		loose:    loose,
		entries:  make(map[string]*entry),
	}
	rows, err := st.ValidPathways()
	if err != nil {
		return nil, fmt.Errorf("failed to load pathways: %w", err)
	}
	for _, row := range rows {
		c.entries[row.ID] = &entry{row: row, vec: row.Embedding}
	}
	// Pathways stored by a build without the extension are absent from the
	// vec0 index; re-upserting at load keeps the KNN pre-filter complete.
	if st.VecAvailable() {
		for _, row := range rows {
			if err := st.VecUpsert(store.VecPathways, row.ID, row.Embedding); err != nil {
				logging.Get(logging.CategoryPathway).Error("vec index sync failed for %s: %v", row.ID, err)
			}
		}
	}
	logging.Pathway("cache loaded with %d valid pathways", len(c.entries))
	return c, nil
}

// Find returns the best valid pathway above the strict threshold, or nil on
// a miss. Every dependency is checked against the resolver; a pathway whose
// tools changed or vanished is invalidated on the spot and the search moves
// to the next candidate.
func (c *Cache) Find(ctx context.Context, goal string) (*Hit, error) {
	return c.find(ctx, goal, c.strict)
}

// FindLoose is Find at the looser threshold, used for subgoals where an
// approximate plan is still worth replaying.
func (c *Cache) FindLoose(ctx context.Context, goal string) (*Hit, error) {
	return c.find(ctx, goal, c.loose)
}

func (c *Cache) find(ctx context.Context, goal string, threshold float64) (*Hit, error) {
	goalVec, err := c.engine.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("failed to embed goal: %w", err)
	}

	type scored struct {
		e   *entry
		sim float64
	}
	c.mu.RLock()
	// With the sqlite_vec extension the KNN index pre-filters; the exact
	// cosine and tie-breaks below stay authoritative either way.
	pool := make([]*entry, 0, len(c.entries))
	if ids, err := c.store.VecSearch(store.VecPathways, goalVec, vecSearchK); err == nil && len(ids) > 0 {
		for _, id := range ids {
			if e, ok := c.entries[id]; ok {
				pool = append(pool, e)
			}
		}
	}
	if len(pool) == 0 {
		for _, e := range c.entries {
			pool = append(pool, e)
		}
	}
	candidates := make([]scored, 0, len(pool))
	for _, e := range pool {
		sim, err := embedding.CosineSimilarity(goalVec, e.vec)
		if err != nil {
			continue
		}
		if sim > 1 {
			sim = 1
		}
		// Strictly above threshold. A threshold of 1.0 can never hit.
		if sim > threshold {
			candidates = append(candidates, scored{e, sim})
		}
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		logging.PathwayDebug("cache miss for %q (threshold %.2f)", goal, threshold)
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		pi, pj := toPathway(candidates[i].e.row), toPathway(candidates[j].e.row)
		if pi.SuccessRatio() != pj.SuccessRatio() {
			return pi.SuccessRatio() > pj.SuccessRatio()
		}
		return pi.LastUsed.After(pj.LastUsed)
	})

	for _, cand := range candidates {
		p := toPathway(cand.e.row)
		if c.dependenciesValid(p) {
			logging.Pathway("cache hit %s for %q (similarity %.3f)", p.ID, goal, cand.sim)
			return &Hit{Pathway: p, Similarity: cand.sim}, nil
		}
		// Stale dependencies. Terminal invalidation, then keep looking.
		c.invalidate(p.ID)
	}
	return nil, nil
}

// Store compresses and persists a successful trace, then indexes it.
func (c *Cache) Store(ctx context.Context, goal string, steps []Step, hashes map[string]string) (*Pathway, error) {
	vec, err := c.engine.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("failed to embed goal: %w", err)
	}

	tools := make([]string, 0, len(hashes))
	for name := range hashes {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	trace, err := json.Marshal(compress(steps))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trace: %w", err)
	}

	row := store.PathwayRow{
		ID:           uuid.NewString(),
		Goal:         goal,
		Embedding:    vec,
		Trace:        string(trace),
		ToolsUsed:    tools,
		ToolHashes:   hashes,
		SuccessCount: 1,
		Valid:        true,
		LastUsed:     time.Now(),
	}
	if err := c.store.InsertPathway(row); err != nil {
		return nil, err
	}
	if err := c.store.VecUpsert(store.VecPathways, row.ID, vec); err != nil {
		logging.Get(logging.CategoryPathway).Error("vec index upsert failed for %s: %v", row.ID, err)
	}

	c.mu.Lock()
	c.entries[row.ID] = &entry{row: row, vec: vec}
	c.mu.Unlock()

	logging.Pathway("stored pathway %s for %q (%d steps, %d tools)", row.ID, goal, len(steps), len(tools))
	return toPathway(row), nil
}

// RecordUse bumps the pathway's counters after a replay.
func (c *Cache) RecordUse(id string, success bool) error {
	if err := c.store.RecordPathwayUse(id, success); err != nil {
		return err
	}
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if success {
			e.row.SuccessCount++
		} else {
			e.row.FailureCount++
		}
		e.row.LastUsed = time.Now()
	}
	c.mu.Unlock()
	return nil
}

// InvalidateByTool invalidates every pathway depending on the tool.
func (c *Cache) InvalidateByTool(toolName string) (int, error) {
	ids, err := c.store.InvalidatePathwaysByTool(toolName)
	c.dropFromIndex(ids)
	return len(ids), err
}

// InvalidateByHash invalidates pathways that recorded a different content
// hash for the tool than newHash.
func (c *Cache) InvalidateByHash(toolName, newHash string) (int, error) {
	ids, err := c.store.InvalidatePathwaysByHash(toolName, newHash)
	c.dropFromIndex(ids)
	return len(ids), err
}

// EvictInvalid trims invalid pathways beyond keep, oldest first.
func (c *Cache) EvictInvalid(keep int) (int, error) {
	return c.store.EvictInvalidPathways(keep)
}

// Counts returns (valid, total) pathway counts from the store.
func (c *Cache) Counts() (int, int, error) {
	return c.store.CountPathways()
}

func (c *Cache) dependenciesValid(p *Pathway) bool {
	if c.resolver == nil {
		return true
	}
	for _, name := range p.ToolsUsed {
		current, ok := c.resolver.Hash(name)
		if !ok {
			logging.Pathway("pathway %s depends on missing tool %s", p.ID, name)
			return false
		}
		if current != p.ToolHashes[name] {
			logging.Pathway("pathway %s depends on changed tool %s", p.ID, name)
			return false
		}
	}
	return true
}

func (c *Cache) invalidate(id string) {
	if err := c.store.MarkPathwayInvalid(id); err != nil {
		logging.Get(logging.CategoryPathway).Error("failed to invalidate pathway %s: %v", id, err)
	}
	_ = c.store.VecDelete(store.VecPathways, id)
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cache) dropFromIndex(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		_ = c.store.VecDelete(store.VecPathways, id)
	}
}

// compress truncates step summaries; full outputs never enter the cache.
func compress(steps []Step) []Step {
	const maxSummary = 200
	out := make([]Step, len(steps))
	for i, s := range steps {
		if len(s.Summary) > maxSummary {
			n := maxSummary
			for n > 0 && !utf8.RuneStart(s.Summary[n]) {
				n--
			}
			s.Summary = s.Summary[:n]
		}
		out[i] = s
	}
	return out
}

func toPathway(row store.PathwayRow) *Pathway {
	var steps []Step
	_ = json.Unmarshal([]byte(row.Trace), &steps)
	return &Pathway{
		ID:           row.ID,
		Goal:         row.Goal,
		Steps:        steps,
		ToolsUsed:    row.ToolsUsed,
		ToolHashes:   row.ToolHashes,
		SuccessCount: row.SuccessCount,
		FailureCount: row.FailureCount,
		LastUsed:     row.LastUsed,
	}
}
