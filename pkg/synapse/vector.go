package synapse

import (
	"math"
	"sort"
	"sync"
)

// ScoredNode is one vector-search hit.
type ScoredNode struct {
	NodeID     string
	Similarity float64
}

// VectorIndex is a brute-force cosine-similarity index over node
// embeddings (§4.4 "Vector search ... The index is local to each
// replica and is rebuilt from stored nodes on startup; it is not
// itself replicated").
type VectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewVectorIndex returns an empty index.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{vectors: make(map[string][]float32)}
}

// BuildVectorIndex rebuilds an index from scratch out of every node in
// g carrying a non-empty embedding, the startup path named in §4.4 and
// §6 ("the vector index is rebuilt").
func BuildVectorIndex(g *Graph) *VectorIndex {
	idx := NewVectorIndex()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for id, n := range g.nodes {
		if len(n.Embedding) > 0 {
			idx.vectors[id] = n.Embedding
		}
	}
	return idx
}

// Upsert inserts or replaces nodeID's embedding.
func (v *VectorIndex) Upsert(nodeID string, embedding []float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[nodeID] = embedding
}

// Remove drops nodeID from the index.
func (v *VectorIndex) Remove(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, nodeID)
}

// TopK returns the k nodes whose embeddings have the highest cosine
// similarity to query, descending by score. Nodes with a zero-norm
// embedding are skipped (undefined cosine similarity).
func (v *VectorIndex) TopK(query []float32, k int) []ScoredNode {
	v.mu.RLock()
	defer v.mu.RUnlock()

	scored := make([]ScoredNode, 0, len(v.vectors))
	for id, vec := range v.vectors {
		sim, ok := cosineSimilarity(query, vec)
		if !ok {
			continue
		}
		scored = append(scored, ScoredNode{NodeID: id, Similarity: sim})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].NodeID < scored[j].NodeID
	})

	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Len returns the number of indexed embeddings.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

func cosineSimilarity(a, b []float32) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
