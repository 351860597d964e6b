// Package memory provides an in-process sqlengine.VectorBackend. Suitable
// for tests and single-node deployments; records live for the process
// lifetime only.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"rvbbit.dev/rvbbit/sql/sqlengine"
)

// Backend implements sqlengine.VectorBackend over a guarded slice with
// cosine-similarity ranking.
type Backend struct {
	mu      sync.RWMutex
	records map[string]sqlengine.EmbedRecord
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{records: make(map[string]sqlengine.EmbedRecord)}
}

// Upsert implements sqlengine.VectorBackend. Records replace by ID.
func (b *Backend) Upsert(_ context.Context, records []sqlengine.EmbedRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range records {
		b.records[r.ID] = r
	}
	return nil
}

// Search implements sqlengine.VectorBackend.
func (b *Backend) Search(_ context.Context, vector []float32, k int, minScore float64, filter map[string]any) ([]sqlengine.ScoredRow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var hits []sqlengine.ScoredRow
	for _, r := range b.records {
		if !matches(r.Metadata, filter) {
			continue
		}
		score := cosine(vector, r.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, sqlengine.ScoredRow{ID: r.ID, Text: r.Text, Score: score, Metadata: r.Metadata})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func matches(meta, filter map[string]any) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
