// Package planner implements the hybrid query planner: it
// combines a shard-fanned vector recall with metadata filtering and an
// optional graph-traversal boost (vector score + inverse-hop graph
// score, linearly combined) over the partitioned HNSW index and
// storage engine of this module.
package planner

import (
	"context"
	"sort"
)

// Hit is one ranked result of a Find call.
type Hit struct {
	ID          string
	Score       float64
	Depth       *int
	Explanation string
}

// Searcher is the vector-recall capability the planner drives,
// satisfied by *coordinator.Coordinator without an import cycle.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int, strategy string) ([]SearchResult, error)
}

// SearchResult is one shard-search hit handed back by a Searcher.
type SearchResult struct {
	ID       string
	Distance float32
}

// Embedder turns text into a vector, satisfied structurally by the
// root package's Embedder interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NounFilter reports whether a noun id passes the caller's type and
// attribute predicates. Implementations consult the storage engine or
// an optional metadata index.
type NounFilter func(id string) bool

// Traversal describes the graph-boost phase: starting ids, an allowed
// verb-type set (nil/empty means "any"), a traversal direction, and a
// max BFS depth.
type Traversal struct {
	FromIDs  []string
	VerbType map[string]bool
	Outgoing bool
	Incoming bool
	MaxDepth int
	Alpha    float64 // similarity weight, default 0.7
	Beta     float64 // graph-score weight, default 0.3
}

// Neighbors returns the ids reachable by one hop from id, filtered to
// the traversal's allowed verb types and direction. Supplied by the
// caller (backed by the in-memory source/target adjacency index) to
// avoid an import cycle on the root package.
type Neighbors func(ctx context.Context, id string, t Traversal) []string

// Request is one Find/Similar call.
type Request struct {
	Query           string
	Vector          []float32
	K               int
	Filter          NounFilter
	FilterSlack     int
	Traversal       *Traversal
	Neighbors       Neighbors
	Strategy        string
	SkipCache       bool
	ExcludeDangling bool
	IsDangling      func(id string) bool
}

// Planner ties vector recall (via a Searcher), metadata filtering, and
// graph-traversal boosting into four phases.
type Planner struct {
	search   Searcher
	embedder Embedder
	dim      func() int
}

// New constructs a Planner over search, embedding text queries with
// embedder when a Request carries Query but no Vector.
func New(search Searcher, embedder Embedder) *Planner {
	return &Planner{search: search, embedder: embedder}
}

// partial is returned when some phase failed recoverably; the caller
// may still use Hits but should surface Partial to the user.
type partial struct {
	Hits    []Hit
	Partial bool
}

// Find runs the four planning phases: vectorize, vector recall,
// metadata filter, graph boost, then truncates to k.
func (p *Planner) Find(ctx context.Context, req Request) ([]Hit, bool, error) {
	vector := req.Vector
	if len(vector) == 0 && req.Query != "" {
		if p.embedder == nil {
			return nil, false, errNoEmbedder
		}
		v, err := p.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, true, err
		}
		vector = v
	}
	if len(vector) == 0 {
		return nil, false, errNoQuery
	}

	k := req.K
	if k <= 0 {
		k = 10
	}
	kEff := k * 2
	if kEff < k {
		kEff = k
	}
	kEff += req.FilterSlack

	raw, err := p.search.Search(ctx, vector, kEff, req.Strategy)
	partialFlag := false
	if err != nil {
		if len(raw) == 0 {
			return nil, false, err
		}
		partialFlag = true
	}

	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		if req.Filter != nil && !req.Filter(r.ID) {
			continue
		}
		if req.ExcludeDangling && req.IsDangling != nil && req.IsDangling(r.ID) {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: similarityFromDistance(r.Distance)})
	}

	if req.Traversal != nil && len(req.Traversal.FromIDs) > 0 && req.Neighbors != nil {
		hits = p.applyGraphBoost(ctx, hits, *req.Traversal, req.Neighbors)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, partialFlag, nil
}

// similarityFromDistance converts a cosine/Euclidean distance into a
// bounded similarity-like score for ranking and display; 0 distance
// (identical vectors) maps to 1.0.
func similarityFromDistance(d float32) float64 {
	s := 1.0 / (1.0 + float64(d))
	return s
}

// applyGraphBoost computes, for each hit, a BFS distance from the
// traversal's starting ids and combines it linearly with the
// similarity score: score = alpha*similarity + beta*graph_score,
// where graph_score = 1/hops for a node reached in one or more hops,
// 1 for a starting id itself, and 0 for an unreachable node (leaving
// the hit at its pure similarity weighted by alpha only).
func (p *Planner) applyGraphBoost(ctx context.Context, hits []Hit, t Traversal, neighbors Neighbors) []Hit {
	alpha, beta := t.Alpha, t.Beta
	if alpha == 0 && beta == 0 {
		alpha, beta = 0.7, 0.3
	}
	maxDepth := t.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}

	dist := bfsDistances(ctx, t.FromIDs, maxDepth, t, neighbors)

	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = h
		if d, ok := dist[h.ID]; ok {
			depth := d
			out[i].Depth = &depth
			graphScore := 1.0
			if d > 0 {
				graphScore = 1.0 / float64(d)
			}
			out[i].Score = alpha*h.Score + beta*graphScore
			out[i].Explanation = "graph-boosted"
		} else {
			out[i].Score = alpha * h.Score
		}
	}
	return out
}

func bfsDistances(ctx context.Context, from []string, maxDepth int, t Traversal, neighbors Neighbors) map[string]int {
	dist := make(map[string]int)
	type item struct {
		id string
		d  int
	}
	queue := make([]item, 0, len(from))
	for _, id := range from {
		if _, seen := dist[id]; !seen {
			dist[id] = 0
			queue = append(queue, item{id, 0})
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.d >= maxDepth {
			continue
		}
		for _, n := range neighbors(ctx, cur.id, t) {
			if _, seen := dist[n]; seen {
				continue
			}
			dist[n] = cur.d + 1
			queue = append(queue, item{n, cur.d + 1})
		}
	}
	return dist
}

type planErr string

func (e planErr) Error() string { return string(e) }

const (
	errNoEmbedder = planErr("planner: query text given but no embedder configured")
	errNoQuery    = planErr("planner: no query vector or text provided")
)
