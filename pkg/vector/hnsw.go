package vector

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
)

// ErrDimension is returned when a vector's length does not match the index.
var ErrDimension = errors.New("vector dimension mismatch")

// ErrZeroVector is returned for a vector with no direction.
var ErrZeroVector = errors.New("zero vector")

// filterExpansion widens the candidate pool for filtered searches so enough
// matching nodes survive.
const filterExpansion = 10

// Filter restricts search results by metadata. Zero fields match anything.
type Filter struct {
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	Author  string    `json:"author,omitempty"`
	Channel string    `json:"channel,omitempty"`
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Since.IsZero() && f.Until.IsZero() && f.Author == "" && f.Channel == ""
}

// Match reports whether r passes the filter.
func (f Filter) Match(r models.EmbeddingRecord) bool {
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
		return false
	}
	if f.Author != "" && r.Author != f.Author {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	return true
}

// Match is a search hit. Score is cosine similarity.
type Match struct {
	Record models.EmbeddingRecord `json:"record"`
	Score  float64                `json:"score"`
}

// HNSWConfig tunes the index graph.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

type node struct {
	rec       models.EmbeddingRecord
	vec       []float32 // unit length
	neighbors [][]int   // per layer
}

// HNSW is an in-memory hierarchical navigable small world graph over unit
// vectors. Distance is 1 - cosine similarity.
type HNSW struct {
	mu       sync.RWMutex
	cfg      HNSWConfig
	levelMul float64
	rnd      *rand.Rand
	dim      int
	nodes    []*node
	byHash   map[string]int
	entry    int
	maxLevel int
}

// NewHNSW creates an empty index. Level assignment is drawn from a RNG
// seeded with cfg.Seed so builds are reproducible.
func NewHNSW(cfg HNSWConfig) *HNSW {
	if cfg.M < 2 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}
	return &HNSW{
		cfg:      cfg,
		levelMul: 1 / math.Log(float64(cfg.M)),
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		byHash:   make(map[string]int),
		entry:    -1,
	}
}

// Len returns the number of indexed vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Contains reports whether hash is indexed.
func (h *HNSW) Contains(hash string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byHash[hash]
	return ok
}

// Insert adds rec to the graph. A hash already present is ignored.
func (h *HNSW) Insert(rec models.EmbeddingRecord) error {
	vec, ok := normalize(rec.Vector)
	if !ok {
		return fmt.Errorf("insert %s: %w", rec.ContentHash, ErrZeroVector)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.byHash[rec.ContentHash]; dup {
		return nil
	}
	if h.dim == 0 {
		h.dim = len(vec)
	} else if len(vec) != h.dim {
		return fmt.Errorf("insert %s: %w: got %d, index has %d", rec.ContentHash, ErrDimension, len(vec), h.dim)
	}

	level := h.randomLevel()
	id := len(h.nodes)
	n := &node{rec: rec, vec: vec, neighbors: make([][]int, level+1)}
	h.nodes = append(h.nodes, n)
	h.byHash[rec.ContentHash] = id

	if h.entry < 0 {
		h.entry = id
		h.maxLevel = level
		return nil
	}

	ep := h.entry
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(vec, ep, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		cands := h.searchLayer(context.Background(), vec, ep, h.cfg.EfConstruction, l, nil)
		neigh := closest(cands, h.cfg.M)
		n.neighbors[l] = neigh
		for _, nb := range neigh {
			h.link(nb, id, l)
		}
		ep = cands[0].id
	}
	if level > h.maxLevel {
		h.entry = id
		h.maxLevel = level
	}
	return nil
}

// Search returns up to k records most similar to query that pass f.
func (h *HNSW) Search(ctx context.Context, query []float32, k int, f Filter) ([]Match, error) {
	q, ok := normalize(query)
	if !ok {
		return nil, fmt.Errorf("search: %w", ErrZeroVector)
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry < 0 {
		return nil, nil
	}
	if len(q) != h.dim {
		return nil, fmt.Errorf("search: %w: got %d, index has %d", ErrDimension, len(q), h.dim)
	}

	var match func(*node) bool
	ef := max(h.cfg.EfSearch, k)
	if !f.IsZero() {
		match = func(n *node) bool { return f.Match(n.rec) }
		ef = max(ef, k*filterExpansion)
	}

	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(q, ep, l)
	}
	found := h.searchLayer(ctx, q, ep, ef, 0, match)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A selective filter can leave the graph walk short; scan the
	// remaining matches directly.
	if match != nil && len(found) < k {
		found = h.scan(q, match)
	}

	if len(found) > k {
		found = found[:k]
	}
	out := make([]Match, len(found))
	for i, c := range found {
		out[i] = Match{Record: h.nodes[c.id].rec, Score: 1 - float64(c.dist)}
	}
	return out, nil
}

func (h *HNSW) randomLevel() int {
	return int(math.Floor(-math.Log(1-h.rnd.Float64()) * h.levelMul))
}

func (h *HNSW) maxConn(layer int) int {
	if layer == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

// link adds an edge from a to b on layer, pruning a's list to its closest
// neighbours when it overflows.
func (h *HNSW) link(a, b, layer int) {
	na := h.nodes[a]
	na.neighbors[layer] = append(na.neighbors[layer], b)
	limit := h.maxConn(layer)
	if len(na.neighbors[layer]) <= limit {
		return
	}
	cands := make([]candidate, len(na.neighbors[layer]))
	for i, id := range na.neighbors[layer] {
		cands[i] = candidate{id: id, dist: distance(na.vec, h.nodes[id].vec)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	na.neighbors[layer] = closest(cands, limit)
}

// greedy walks layer toward q and returns the closest node found.
func (h *HNSW) greedy(q []float32, ep, layer int) int {
	cur, curDist := ep, distance(q, h.nodes[ep].vec)
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[cur].neighbors[layer] {
			if d := distance(q, h.nodes[nb].vec); d < curDist {
				cur, curDist, changed = nb, d, true
			}
		}
	}
	return cur
}

// searchLayer is the HNSW beam search. When match is set, every node is
// traversed but only matching ones are collected. Results are sorted by
// ascending distance.
func (h *HNSW) searchLayer(ctx context.Context, q []float32, ep, ef, layer int, match func(*node) bool) []candidate {
	visited := map[int]bool{ep: true}
	d := distance(q, h.nodes[ep].vec)

	cands := &minHeap{{id: ep, dist: d}}
	results := &maxHeap{}
	if match == nil || match(h.nodes[ep]) {
		heap.Push(results, candidate{id: ep, dist: d})
	}

	for steps := 0; cands.Len() > 0; steps++ {
		if steps%64 == 63 && ctx.Err() != nil {
			break
		}
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		for _, nb := range h.nodes[c.id].neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nd := distance(q, h.nodes[nb].vec)
			if results.Len() < ef || nd < (*results)[0].dist {
				heap.Push(cands, candidate{id: nb, dist: nd})
				if match == nil || match(h.nodes[nb]) {
					heap.Push(results, candidate{id: nb, dist: nd})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	if len(out) == 0 && match == nil {
		out = append(out, candidate{id: ep, dist: d})
	}
	return out
}

func (h *HNSW) scan(q []float32, match func(*node) bool) []candidate {
	var out []candidate
	for id, n := range h.nodes {
		if match(n) {
			out = append(out, candidate{id: id, dist: distance(q, n.vec)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

type candidate struct {
	id   int
	dist float32
}

func closest(sorted []candidate, n int) []int {
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	ids := make([]int, len(sorted))
	for i, c := range sorted {
		ids[i] = c.id
	}
	return ids
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// normalize returns v scaled to unit length.
func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return nil, false
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out, true
}

func distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}
