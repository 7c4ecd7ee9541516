// Package semantic provides description similarity and text embeddings for
// the reconciliation matcher and the ingestion pipeline. The engine depends
// only on the Service interface; the local implementation runs a
// deterministic token-hash embedder with a process-wide cache, and the gRPC
// implementation delegates to an external model, degrading to local scoring
// when the remote call fails.
package semantic

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/zenith/forensics/internal/textmatch"
)

// Service is the abstract semantic contract. Similarity scores are in
// [0,1]; Embed returns a fixed-dimension vector.
type Service interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// DefaultDim is the local embedder's vector dimension.
const DefaultDim = 384

// tokenSortShortCircuit is the lexical score above which no embedding
// lookup is needed.
const tokenSortShortCircuit = 0.85

// ============================================================================
// LOCAL SERVICE
// ============================================================================

// Local is the in-process implementation. Without a trained model the
// embedder hashes tokens into a normalized bag-of-words vector; it is
// deterministic, cheap, and good enough for the cosine gates, but it does
// not capture synonymy the way a sentence model would.
type Local struct {
	dim int

	// cache is read-mostly with monotonic growth; entries are never
	// evicted within a process lifetime unless the cap is hit.
	mu    sync.RWMutex
	cache map[string][]float64
	cap   int
}

// NewLocal builds a local service. Non-positive dim or cacheSize apply the
// defaults.
func NewLocal(dim, cacheSize int) *Local {
	if dim <= 0 {
		dim = DefaultDim
	}
	if cacheSize <= 0 {
		cacheSize = 10_000
	}
	return &Local{dim: dim, cache: make(map[string][]float64), cap: cacheSize}
}

// Similarity scores two descriptions: exact lowercase equality is 1.0, a
// high token-sort ratio short-circuits, anything else is the cosine of the
// embeddings.
func (l *Local) Similarity(ctx context.Context, a, b string) (float64, error) {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1.0, nil
	}
	if ts := textmatch.TokenSortRatio(na, nb); ts >= tokenSortShortCircuit {
		return ts, nil
	}
	va, err := l.Embed(ctx, na)
	if err != nil {
		return 0, err
	}
	vb, err := l.Embed(ctx, nb)
	if err != nil {
		return 0, err
	}
	return textmatch.Cosine(va, vb), nil
}

// Embed returns the cached vector for a text, computing it on first sight.
func (l *Local) Embed(_ context.Context, text string) ([]float64, error) {
	key := normalize(text)

	l.mu.RLock()
	v, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return v, nil
	}

	v = hashEmbed(key, l.dim)

	l.mu.Lock()
	if len(l.cache) < l.cap {
		l.cache[key] = v
	}
	l.mu.Unlock()
	return v, nil
}

// CacheSize reports how many embeddings are cached.
func (l *Local) CacheSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

func normalize(s string) string {
	return strings.Join(textmatch.Tokens(s), " ")
}

// hashEmbed folds each token into the vector at a hashed position with a
// hashed sign, then L2-normalizes. Identical token multisets embed
// identically regardless of order.
func hashEmbed(text string, dim int) []float64 {
	v := make([]float64, dim)
	for _, token := range strings.Fields(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		v[idx] += sign
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}
