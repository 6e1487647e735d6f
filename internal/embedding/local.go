package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalHashEngine is a deterministic, dependency-free embedding engine.
// It hashes word tokens into a fixed-dimensional bag-of-words vector.
// Similar texts share tokens and therefore score high cosine similarity,
// which is enough for offline demos and tests. Not a semantic model.
type LocalHashEngine struct {
	dims int
}

// NewLocalHashEngine creates a local hash engine with the given dimensionality.
func NewLocalHashEngine(dims int) *LocalHashEngine {
	if dims <= 0 {
		dims = 384
	}
	return &LocalHashEngine{dims: dims}
}

// Embed produces a normalized token-hash vector.
func (e *LocalHashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		idx := int(h.Sum32()) % e.dims
		if idx < 0 {
			idx += e.dims
		}
		vec[idx]++
	}

	// L2-normalize so cosine similarity is a dot product.
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalHashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *LocalHashEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalHashEngine) Name() string {
	return "local:hash"
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}
