// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vector implements the in-memory approximate nearest neighbor
// index over session turn embeddings.
//
// # Description
//
// The index is a hierarchical navigable small world (HNSW) graph in
// cosine space. Vectors are L2-normalized before insertion (the memory
// writer guarantees this), so cosine distance reduces to 1 - dot(a, b).
//
// The index is derived state: the row store is the system of record, and
// the index is warm-rebuilt from it at startup when no snapshot is
// present or the snapshot's dimension does not match. Single-entry
// deletion is deliberately unsupported; dropping a collection leaves
// orphan entries that the retriever filters by session id.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Queries share a read
// lock; adds take the write lock. An add racing a query is either fully
// visible to that query or not at all, never partially.
package vector

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// =============================================================================
// Parameters
// =============================================================================

// Params carries the HNSW shape and accuracy knobs.
type Params struct {
	// Dim is the vector dimension D. Immutable once set.
	Dim int

	// MaxElements caps the number of entries the index accepts.
	MaxElements int

	// M is the graph connectivity: the number of bidirectional links kept
	// per node on layers above 0. Layer 0 keeps 2*M.
	M int

	// EfConstruction is the candidate beam width during insertion.
	EfConstruction int

	// EfQuery is the candidate beam width during queries. Effective width
	// is max(EfQuery, k).
	EfQuery int
}

// node is one graph vertex: the external id, its vector, and its neighbor
// lists per layer (links[l] holds internal indices).
type node struct {
	ID     uint64
	Vector []float32
	Links  [][]int32
}

// Index is the process-global HNSW index.
type Index struct {
	mu sync.RWMutex

	params    Params
	levelMult float64

	nodes    []node
	entry    int32 // internal index of the entry point; -1 when empty
	maxLevel int

	rng *rand.Rand
}

// New creates an empty index with the given parameters.
//
// # Inputs
//
//   - params: Shape knobs. Dim and MaxElements must be positive; M must
//     be at least 2.
//
// # Outputs
//
//   - *Index: Empty index ready for Add and Query.
//   - error: Non-nil when params are out of range.
func New(params Params) (*Index, error) {
	if params.Dim <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", params.Dim)
	}
	if params.MaxElements <= 0 {
		return nil, fmt.Errorf("hnsw: max elements must be positive, got %d", params.MaxElements)
	}
	if params.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", params.M)
	}
	if params.EfConstruction < params.M {
		params.EfConstruction = params.M
	}
	if params.EfQuery <= 0 {
		params.EfQuery = params.M
	}
	return &Index{
		params:    params,
		levelMult: 1.0 / math.Log(float64(params.M)),
		entry:     -1,
		// Fixed seed: level assignment only needs a well-mixed sequence,
		// and determinism makes rebuild behavior reproducible in tests.
		rng: rand.New(rand.NewSource(0x6877)),
	}, nil
}

// Size returns the number of entries currently in the index.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// Dim returns the configured vector dimension.
func (ix *Index) Dim() int {
	return ix.params.Dim
}

// =============================================================================
// Add
// =============================================================================

// Add inserts a normalized vector under the given external id.
//
// # Description
//
// The caller owns id uniqueness: the row store assigns ids and never
// reuses them, so the index does not deduplicate. The vector is copied;
// the caller may reuse its slice.
//
// # Outputs
//
//   - error: IndexError when the index is full or the dimension is wrong.
func (ix *Index) Add(vec []float32, id uint64) error {
	if len(vec) != ix.params.Dim {
		return &datatypes.IndexError{Op: "add", Cause: fmt.Errorf("dimension %d != %d", len(vec), ix.params.Dim)}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.nodes) >= ix.params.MaxElements {
		return &datatypes.IndexError{Op: "add", Cause: fmt.Errorf("index full (%d elements)", ix.params.MaxElements)}
	}

	level := ix.randomLevel()
	n := node{
		ID:     id,
		Vector: append([]float32(nil), vec...),
		Links:  make([][]int32, level+1),
	}
	newIdx := int32(len(ix.nodes))
	ix.nodes = append(ix.nodes, n)

	if ix.entry < 0 {
		ix.entry = newIdx
		ix.maxLevel = level
		return nil
	}

	cur := ix.entry
	// Greedy descent through layers above the new node's top level.
	for l := ix.maxLevel; l > level; l-- {
		cur = ix.greedyClosest(vec, cur, l)
	}

	// Connect on each shared layer, beam width EfConstruction.
	for l := min(level, ix.maxLevel); l >= 0; l-- {
		candidates := ix.searchLayer(vec, cur, ix.params.EfConstruction, l)
		maxLinks := ix.params.M
		if l == 0 {
			maxLinks = 2 * ix.params.M
		}
		neighbors := ix.selectClosest(candidates, maxLinks)
		ix.nodes[newIdx].Links[l] = neighbors
		for _, nb := range neighbors {
			ix.linkBack(nb, newIdx, l, maxLinks)
		}
		if len(candidates) > 0 {
			cur = candidates[0].idx
		}
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = newIdx
	}
	return nil
}

// randomLevel draws a geometric level per the standard HNSW construction.
func (ix *Index) randomLevel() int {
	r := ix.rng.Float64()
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * ix.levelMult))
}

// linkBack adds newIdx to nb's layer-l neighbor list, pruning back to
// maxLinks by distance when the list overflows.
func (ix *Index) linkBack(nb, newIdx int32, l, maxLinks int) {
	links := ix.nodes[nb].Links[l]
	links = append(links, newIdx)
	if len(links) > maxLinks {
		base := ix.nodes[nb].Vector
		cands := make([]scored, 0, len(links))
		for _, li := range links {
			cands = append(cands, scored{idx: li, dist: ix.distance(base, ix.nodes[li].Vector)})
		}
		insertionSort(cands)
		links = ix.selectClosest(cands, maxLinks)
	}
	ix.nodes[nb].Links[l] = links
}

// =============================================================================
// Query
// =============================================================================

// Query returns up to min(k, Size) entries nearest to vec, ranked by
// cosine distance ascending with ties broken by insertion order.
//
// # Outputs
//
//   - ids: External ids of the neighbors.
//   - dists: Cosine distances (1 - dot), aligned with ids.
//   - error: IndexError on dimension mismatch.
func (ix *Index) Query(vec []float32, k int) ([]uint64, []float32, error) {
	if len(vec) != ix.params.Dim {
		return nil, nil, &datatypes.IndexError{Op: "query", Cause: fmt.Errorf("dimension %d != %d", len(vec), ix.params.Dim)}
	}
	if k <= 0 {
		return nil, nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.entry < 0 {
		return nil, nil, nil
	}
	if k > len(ix.nodes) {
		k = len(ix.nodes)
	}

	cur := ix.entry
	for l := ix.maxLevel; l > 0; l-- {
		cur = ix.greedyClosest(vec, cur, l)
	}

	ef := ix.params.EfQuery
	if ef < k {
		ef = k
	}
	candidates := ix.searchLayer(vec, cur, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	ids := make([]uint64, len(candidates))
	dists := make([]float32, len(candidates))
	for i, c := range candidates {
		ids[i] = ix.nodes[c.idx].ID
		dists[i] = c.dist
	}
	return ids, dists, nil
}

// greedyClosest walks layer l from start toward vec until no neighbor is
// closer, returning the local minimum.
func (ix *Index) greedyClosest(vec []float32, start int32, l int) int32 {
	cur := start
	curDist := ix.distance(vec, ix.nodes[cur].Vector)
	for {
		improved := false
		if l < len(ix.nodes[cur].Links) {
			for _, nb := range ix.nodes[cur].Links[l] {
				d := ix.distance(vec, ix.nodes[nb].Vector)
				if d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// scored pairs an internal index with its distance to the query.
type scored struct {
	idx  int32
	dist float32
}

// less orders by distance ascending, then insertion order, making ranking
// deterministic for equal distances.
func (s scored) less(o scored) bool {
	if s.dist != o.dist {
		return s.dist < o.dist
	}
	return s.idx < o.idx
}

// searchLayer runs the ef-bounded best-first search on layer l starting
// from entry, returning up to ef results sorted ascending by distance.
func (ix *Index) searchLayer(vec []float32, entry int32, ef, l int) []scored {
	visited := make(map[int32]struct{}, ef*4)
	visited[entry] = struct{}{}

	start := scored{idx: entry, dist: ix.distance(vec, ix.nodes[entry].Vector)}
	cand := &minHeap{start}
	res := &maxHeap{start}

	for cand.Len() > 0 {
		c := heap.Pop(cand).(scored)
		worst := (*res)[0]
		if c.dist > worst.dist && res.Len() >= ef {
			break
		}
		if l < len(ix.nodes[c.idx].Links) {
			for _, nb := range ix.nodes[c.idx].Links[l] {
				if _, seen := visited[nb]; seen {
					continue
				}
				visited[nb] = struct{}{}
				d := ix.distance(vec, ix.nodes[nb].Vector)
				if res.Len() < ef || d < (*res)[0].dist {
					heap.Push(cand, scored{idx: nb, dist: d})
					heap.Push(res, scored{idx: nb, dist: d})
					if res.Len() > ef {
						heap.Pop(res)
					}
				}
			}
		}
	}

	out := make([]scored, res.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(res).(scored)
	}
	// Heap pop order is by distance only; restore the tie-break.
	insertionSort(out)
	return out
}

// selectClosest keeps the m closest candidates as a neighbor list.
func (ix *Index) selectClosest(candidates []scored, m int) []int32 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]int32, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}
	return out
}

// distance is cosine distance over normalized vectors: 1 - dot(a, b).
func (ix *Index) distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

// insertionSort orders a small slice by (dist, idx). The slices here are
// ef-bounded, so the quadratic sort never sees more than a few dozen
// elements.
func insertionSort(s []scored) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].less(s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// =============================================================================
// Heaps
// =============================================================================

// minHeap pops the closest candidate first.
type minHeap []scored

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxHeap pops the farthest result first, so the root is the eviction
// candidate while the result set is capped at ef.
type maxHeap []scored

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[j].less(h[i]) }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// =============================================================================
// Snapshot / Restore
// =============================================================================

// snapshotState is the gob-encoded on-disk form of the index. Versioned
// so a future layout change can be detected instead of misdecoded.
type snapshotState struct {
	Version  int
	Dim      int
	M        int
	MaxLevel int
	Entry    int32
	Nodes    []node
}

const snapshotVersion = 1

// Snapshot serializes the index to a single opaque artifact at path.
// Written atomically: a temp file is renamed over the target.
//
// Encoding happens under the read lock. Concurrent Adds mutate neighbor
// lists in place, so the node slice must not be walked unlocked; only the
// file write runs outside the lock.
func (ix *Index) Snapshot(path string) error {
	var buf bytes.Buffer
	ix.mu.RLock()
	state := snapshotState{
		Version:  snapshotVersion,
		Dim:      ix.params.Dim,
		M:        ix.params.M,
		MaxLevel: ix.maxLevel,
		Entry:    ix.entry,
		Nodes:    ix.nodes,
	}
	err := gob.NewEncoder(&buf).Encode(&state)
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Restore replaces the index contents from a snapshot artifact.
//
// # Outputs
//
//   - error: IndexShapeError when the snapshot's dimension differs from
//     the configured one; IndexError on read or decode failure. On any
//     error the index is left unchanged.
func (ix *Index) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &datatypes.IndexError{Op: "restore", Cause: err}
	}
	defer f.Close()

	var state snapshotState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return &datatypes.IndexError{Op: "restore", Cause: fmt.Errorf("decode snapshot: %w", err)}
	}
	if state.Version != snapshotVersion {
		return &datatypes.IndexError{Op: "restore", Cause: fmt.Errorf("unsupported snapshot version %d", state.Version)}
	}
	if state.Dim != ix.params.Dim {
		return &datatypes.IndexShapeError{Expected: ix.params.Dim, Actual: state.Dim}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes = state.Nodes
	ix.entry = state.Entry
	ix.maxLevel = state.MaxLevel
	return nil
}
