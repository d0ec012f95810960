// Package hnsw implements the per-shard hierarchical navigable small
// world index: configurable M/ef_construction/ef_search/ml,
// lexicographic tie-breaking, lazy tombstone deletion with
// threshold-triggered compaction, and single-writer/lock-free-read concurrency within a
// shard.
package hnsw

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/brainydb/brainy/pkg/distance"
)

// ErrDimensionMismatch is returned by Insert when a vector's length
// does not match the index's fixed dimension.
var ErrDimensionMismatch = errors.New("hnsw: dimension mismatch")

// ErrNotFound is returned by Delete for an unknown id.
var ErrNotFound = errors.New("hnsw: node not found")

// Node is one vector's entry in the graph.
type Node struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]string // Neighbors[level] is a set of ids, unordered in memory
	Deleted   bool
	ready     bool // set once every layer is linked; gates visibility to readers
}

// Config mirrors index.hnsw.*.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	ML             float64
	Dim            int
	Distance       distance.Func
	// TombstoneCompactionRatio triggers a rebuild once the
	// tombstone fraction of live nodes exceeds it (default 0.20).
	TombstoneCompactionRatio float64
}

// Index is one shard's HNSW graph. Readers may proceed in parallel;
// writers take the shard-level write lock (single-writer).
type Index struct {
	cfg Config

	mu         sync.RWMutex
	nodes      map[string]*Node
	entryPoint string

	rng *rand.Rand

	tombstones int
}

// New constructs an empty Index. MaxM for layer 0 is 2*cfg.M, matching
// the classical HNSW construction.
func New(cfg Config) *Index {
	if cfg.Distance == nil {
		cfg.Distance = distance.Cosine
	}
	if cfg.TombstoneCompactionRatio <= 0 {
		cfg.TombstoneCompactionRatio = 0.20
	}
	return &Index{
		cfg:   cfg,
		nodes: make(map[string]*Node),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (idx *Index) maxM(level int) int {
	if level == 0 {
		return idx.cfg.M * 2
	}
	return idx.cfg.M
}

// selectLevel draws floor(-ln(U)*ml) for U in (0,1], the standard HNSW
// exponential level distribution.
func (idx *Index) selectLevel() int {
	u := idx.rng.Float64()
	for u == 0 {
		u = idx.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * idx.cfg.ML))
	if level > 32 {
		level = 32
	}
	return level
}

// Insert adds id/vector to the graph, validating dimension first.
func (idx *Index) Insert(id string, vector []float32) error {
	if idx.cfg.Dim > 0 && len(vector) != idx.cfg.Dim {
		return ErrDimensionMismatch
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.nodes[id]; ok && !existing.Deleted {
		return errors.New("hnsw: node already exists")
	}

	level := idx.selectLevel()
	node := &Node{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}
	for i := range node.Neighbors {
		node.Neighbors[i] = []string{}
	}
	idx.nodes[id] = node

	if idx.entryPoint == "" {
		idx.entryPoint = id
		node.ready = true
		return nil
	}

	entryNode := idx.nodes[idx.entryPoint]
	currNearest := []string{idx.entryPoint}
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = idx.searchLayer(vector, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		m := idx.maxM(lc)
		candidates := idx.searchLayer(vector, currNearest, idx.cfg.EfConstruction, lc)
		neighbors := idx.selectNeighborsHeuristic(vector, candidates, m)
		node.Neighbors[lc] = neighbors

		for _, n := range neighbors {
			idx.addConnection(n, id, lc)
			idx.pruneIfNeeded(n, lc)
		}
		if len(candidates) > 0 {
			currNearest = candidates
		}
	}

	node.ready = true
	if level > entryNode.Level {
		idx.entryPoint = id
	}
	return nil
}

func (idx *Index) pruneIfNeeded(id string, level int) {
	node, ok := idx.nodes[id]
	if !ok || level >= len(node.Neighbors) {
		return
	}
	max := idx.maxM(level)
	if len(node.Neighbors[level]) <= max {
		return
	}
	pruned := idx.selectNeighborsHeuristic(node.Vector, node.Neighbors[level], max)
	node.Neighbors[level] = pruned
}

func (idx *Index) addConnection(from, to string, level int) {
	node, ok := idx.nodes[from]
	if !ok || level >= len(node.Neighbors) {
		return
	}
	for _, n := range node.Neighbors[level] {
		if n == to {
			return
		}
	}
	node.Neighbors[level] = append(node.Neighbors[level], to)
}

type heapItem struct {
	id   string
	dist float32
}

type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].id < h[j].id // lexicographic tie-break
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxHeap struct{ minHeap }

func (h maxHeap) Less(i, j int) bool {
	if h.minHeap[i].dist != h.minHeap[j].dist {
		return h.minHeap[i].dist > h.minHeap[j].dist
	}
	return h.minHeap[i].id > h.minHeap[j].id
}

func (idx *Index) dist(query []float32, id string) float32 {
	return idx.cfg.Distance(query, idx.nodes[id].Vector)
}

// searchLayer performs a greedy expansion within one layer, returning
// up to ef candidates closest first.
func (idx *Index) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool, ef*2)
	candidates := &minHeap{}
	best := &maxHeap{}

	for _, id := range entryPoints {
		if _, ok := idx.nodes[id]; !ok {
			continue
		}
		d := idx.dist(query, id)
		heap.Push(candidates, &heapItem{id: id, dist: d})
		heap.Push(best, &heapItem{id: id, dist: d})
		visited[id] = true
	}

	for candidates.Len() > 0 {
		if best.Len() > 0 && (*candidates)[0].dist > best.minHeap[0].dist {
			break
		}
		current := heap.Pop(candidates).(*heapItem)
		node := idx.nodes[current.id]
		if layer >= len(node.Neighbors) {
			continue
		}
		for _, nb := range node.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode, ok := idx.nodes[nb]
			if !ok || !nbNode.ready {
				continue
			}
			d := idx.dist(query, nb)
			if best.Len() < ef || d < best.minHeap[0].dist {
				heap.Push(candidates, &heapItem{id: nb, dist: d})
				heap.Push(best, &heapItem{id: nb, dist: d})
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	result := make([]string, best.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(best).(*heapItem).id
	}
	return result
}

func (idx *Index) searchLayerClosest(query []float32, entryPoints []string, layer int) []string {
	res := idx.searchLayer(query, entryPoints, 1, layer)
	if len(res) > 1 {
		res = res[:1]
	}
	return res
}

// selectNeighborsHeuristic keeps the m closest candidates, breaking
// ties lexicographically.
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		out := append([]string(nil), candidates...)
		sort.Strings(out)
		return out
	}
	type pair struct {
		id   string
		dist float32
	}
	pairs := make([]pair, len(candidates))
	for i, c := range candidates {
		pairs[i] = pair{id: c, dist: idx.dist(query, c)}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dist != pairs[j].dist {
			return pairs[i].dist < pairs[j].dist
		}
		return pairs[i].id < pairs[j].id
	})
	out := make([]string, m)
	for i := 0; i < m; i++ {
		out[i] = pairs[i].id
	}
	return out
}

// Result is one hit from Search.
type Result struct {
	ID       string
	Distance float32
}

// Search returns the k nearest live nodes to query, expanding the
// bottom layer with a beam of ef_search (or the override passed here).
func (idx *Index) Search(query []float32, k int, ef int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" {
		return nil
	}
	if ef <= 0 {
		ef = idx.cfg.EfSearch
	}

	entryNode := idx.nodes[idx.entryPoint]
	curr := []string{idx.entryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		curr = idx.searchLayerClosest(query, curr, layer)
	}

	candidates := idx.searchLayer(query, curr, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, id := range candidates {
		node := idx.nodes[id]
		if node.Deleted || !node.ready {
			continue
		}
		results = append(results, Result{ID: id, Distance: idx.dist(query, id)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Delete lazily tombstones id; neighbors are not rewired.
// Searches skip tombstones. Triggers a compaction check.
func (idx *Index) Delete(id string) error {
	idx.mu.Lock()
	node, ok := idx.nodes[id]
	if !ok || node.Deleted {
		idx.mu.Unlock()
		return ErrNotFound
	}
	node.Deleted = true
	idx.tombstones++

	if idx.entryPoint == id {
		idx.entryPoint = ""
		for otherID, other := range idx.nodes {
			if !other.Deleted {
				idx.entryPoint = otherID
				break
			}
		}
	}
	needsCompaction := idx.shouldCompactLocked()
	idx.mu.Unlock()

	if needsCompaction {
		idx.Compact()
	}
	return nil
}

func (idx *Index) shouldCompactLocked() bool {
	live := 0
	for _, n := range idx.nodes {
		if !n.Deleted {
			live++
		}
	}
	if live == 0 {
		return false
	}
	return float64(idx.tombstones)/float64(live) > idx.cfg.TombstoneCompactionRatio
}

// Compact rebuilds the graph from scratch using only live nodes,
// discarding tombstones. Delete calls it synchronously, in the
// deleting goroutine, once the tombstone ratio is exceeded.
func (idx *Index) Compact() {
	idx.mu.Lock()
	live := make([]*Node, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		if !n.Deleted {
			live = append(live, n)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	idx.mu.Unlock()

	fresh := New(idx.cfg)
	for _, n := range live {
		_ = fresh.Insert(n.ID, n.Vector)
	}

	idx.mu.Lock()
	idx.nodes = fresh.nodes
	idx.entryPoint = fresh.entryPoint
	idx.tombstones = 0
	idx.mu.Unlock()
}

// Size returns the number of live (non-tombstoned) nodes.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	count := 0
	for _, n := range idx.nodes {
		if !n.Deleted {
			count++
		}
	}
	return count
}

// Stats reports graph-level statistics.
type Stats struct {
	TotalNodes      int
	ActiveNodes     int
	DeletedNodes    int
	TotalEdges      int
	AvgEdgesPerNode float64
	MaxLevel        int
	EntryPoint      string
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var s Stats
	s.TotalNodes = len(idx.nodes)
	s.EntryPoint = idx.entryPoint
	edges := 0
	for _, n := range idx.nodes {
		if n.Deleted {
			continue
		}
		s.ActiveNodes++
		if n.Level > s.MaxLevel {
			s.MaxLevel = n.Level
		}
		for _, neighbors := range n.Neighbors {
			edges += len(neighbors)
		}
	}
	s.DeletedNodes = s.TotalNodes - s.ActiveNodes
	s.TotalEdges = edges
	if s.ActiveNodes > 0 {
		s.AvgEdgesPerNode = float64(edges) / float64(s.ActiveNodes)
	}
	return s
}

// IDVector is a live node's id and vector, used by the partitioned
// index when sampling nodes for a split or rebuild.
type IDVector struct {
	ID     string
	Vector []float32
}

// Export returns every live node's id and vector in lexicographic id
// order.
func (idx *Index) Export() []IDVector {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]IDVector, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		if !n.Deleted {
			out = append(out, IDVector{ID: n.ID, Vector: n.Vector})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Has reports whether id is present and live, for the partitioned
// index's cache/neighbor-lookahead queries.
func (idx *Index) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[id]
	return ok && !n.Deleted
}

// Neighbors returns the union of id's neighbor sets across all levels,
// for cache prefetching.
func (idx *Index) Neighbors(id string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, level := range n.Neighbors {
		for _, nb := range level {
			if !seen[nb] {
				seen[nb] = true
				out = append(out, nb)
			}
		}
	}
	return out
}
