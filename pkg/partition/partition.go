// Package partition implements the partitioned index: routing
// items across up to 256 in-memory HNSW shards by hash or semantic
// (centroid-nearest) strategy, with auto-tuning and fan-out search
// bounded by golang.org/x/sync/errgroup.
package partition

import (
	"context"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainydb/brainy/pkg/distance"
	"github.com/brainydb/brainy/pkg/hnsw"
)

// Strategy selects the routing algorithm.
type Strategy string

const (
	StrategyHash     Strategy = "hash"
	StrategySemantic Strategy = "semantic"
)

const maxPartitions = 256

type partition struct {
	index    *hnsw.Index
	centroid []float32
	radius   float32
	count    int64
}

// Config mirrors index.partition.* plus the HNSW parameters used
// to construct each new shard.
type Config struct {
	MaxNodesPerPartition int
	Strategy             Strategy
	AutoTune             bool
	HNSW                 hnsw.Config
	Distance             distance.Func
}

// Index routes items across up to 256 partitions, each an independent
// hnsw.Index.
type Index struct {
	cfg Config

	mu         sync.RWMutex
	partitions []*partition
	idToPart   map[string]int
	totalNodes int64

	targetPartitions int
	lastAutoTune     time.Time
}

// New constructs an Index. Under StrategyHash it pre-sizes the
// partition slice to the full 256-shard byte space so routeHashLocked
// can place every id by its first byte directly; shards are
// created lazily on first insert so small datasets don't pay for 256
// empty HNSW graphs. Under StrategySemantic it starts with a single
// partition that grows by splitting.
func New(cfg Config) *Index {
	if cfg.Distance == nil {
		cfg.Distance = distance.Cosine
	}
	if cfg.HNSW.Distance == nil {
		cfg.HNSW.Distance = cfg.Distance
	}
	idx := &Index{
		cfg:              cfg,
		idToPart:         make(map[string]int),
		targetPartitions: 1,
	}
	if cfg.Strategy == StrategyHash {
		idx.partitions = make([]*partition, maxPartitions)
	} else {
		idx.partitions = append(idx.partitions, &partition{index: hnsw.New(cfg.HNSW)})
	}
	return idx
}

// Insert routes id/vector to a partition and inserts it.
func (idx *Index) Insert(id string, vector []float32) error {
	idx.mu.Lock()

	var target int
	switch idx.cfg.Strategy {
	case StrategySemantic:
		target = idx.routeSemanticLocked(vector)
	default:
		target = idx.routeHashLocked(id)
		if idx.partitions[target] == nil {
			idx.partitions[target] = &partition{index: hnsw.New(idx.cfg.HNSW)}
		}
	}
	p := idx.partitions[target]
	idx.idToPart[id] = target
	idx.totalNodes++
	idx.mu.Unlock()

	if err := p.index.Insert(id, vector); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.updateCentroidLocked(p, vector)
	p.count++
	overflow := idx.cfg.Strategy == StrategySemantic &&
		idx.cfg.MaxNodesPerPartition > 0 &&
		p.count > int64(idx.cfg.MaxNodesPerPartition)
	idx.mu.Unlock()

	if overflow {
		idx.splitPartition(target)
	}
	return nil
}

// routeHashLocked places id in the partition indexed by its first
// byte. For an id that starts with two hex characters (a UUID) that
// byte is their value, 0x00-0xff, the same shard as the storage key
// layout; any other id uses the byte value of its first character.
// Placement does not depend on how many of the 256 shards have been
// lazily created so far.
func (idx *Index) routeHashLocked(id string) int {
	if len(id) == 0 {
		return 0
	}
	if len(id) >= 2 {
		if b, err := strconv.ParseUint(id[:2], 16, 8); err == nil {
			return int(b)
		}
	}
	return int(id[0])
}

func (idx *Index) routeSemanticLocked(vector []float32) int {
	best := -1
	var bestDist float32
	for i, p := range idx.partitions {
		if idx.cfg.MaxNodesPerPartition > 0 && p.count >= int64(idx.cfg.MaxNodesPerPartition) {
			continue
		}
		if p.centroid == nil {
			return i
		}
		d := idx.cfg.Distance(vector, p.centroid)
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best == -1 {
		// every partition is full; route to the globally nearest one
		// and let the overflow check below trigger a split.
		for i, p := range idx.partitions {
			if p.centroid == nil {
				return i
			}
			d := idx.cfg.Distance(vector, p.centroid)
			if best == -1 || d < bestDist {
				best, bestDist = i, d
			}
		}
	}
	if best == -1 {
		best = 0
	}
	return best
}

// updateCentroidLocked applies the incremental mean update of :
// centroid_new = centroid_old + (v - centroid_old) / n.
func (idx *Index) updateCentroidLocked(p *partition, v []float32) {
	n := float32(p.count + 1)
	if p.centroid == nil {
		p.centroid = append([]float32(nil), v...)
		return
	}
	for i := range p.centroid {
		p.centroid[i] += (v[i] - p.centroid[i]) / n
	}
	r := idx.cfg.Distance(v, p.centroid)
	if r > p.radius {
		p.radius = r
	}
}

// splitPartition performs a 2-way clustering of a sample of the
// overflowing partition's nodes, moving roughly half into a new
// partition. Existing node assignments elsewhere are left untouched
// (no global rebalancing takes place).
func (idx *Index) splitPartition(pIdx int) {
	idx.mu.Lock()
	if len(idx.partitions) >= maxPartitions {
		idx.mu.Unlock()
		return
	}
	src := idx.partitions[pIdx]
	idx.mu.Unlock()

	sample := src.index.Export()
	const maxSample = 256
	if len(sample) > maxSample {
		sample = sample[:maxSample]
	}
	if len(sample) < 2 {
		return
	}

	seedA, seedB := sample[0], sample[1]
	bestDist := float32(-1)
	for i := 0; i < len(sample); i++ {
		for j := i + 1; j < len(sample); j++ {
			d := idx.cfg.Distance(sample[i].Vector, sample[j].Vector)
			if d > bestDist {
				bestDist = d
				seedA, seedB = sample[i], sample[j]
			}
		}
	}

	var toMove []hnsw.IDVector
	for _, n := range sample {
		if n.ID == seedA.ID || n.ID == seedB.ID {
			continue
		}
		if idx.cfg.Distance(n.Vector, seedB.Vector) < idx.cfg.Distance(n.Vector, seedA.Vector) {
			toMove = append(toMove, n)
		}
	}
	if len(toMove) == 0 {
		return
	}

	idx.mu.Lock()
	newPart := &partition{index: hnsw.New(idx.cfg.HNSW)}
	idx.partitions = append(idx.partitions, newPart)
	newIdx := len(idx.partitions) - 1
	idx.mu.Unlock()

	for _, n := range toMove {
		if err := src.index.Delete(n.ID); err != nil {
			continue
		}
		if err := newPart.index.Insert(n.ID, n.Vector); err != nil {
			continue
		}
		idx.mu.Lock()
		idx.idToPart[n.ID] = newIdx
		idx.updateCentroidLocked(newPart, n.Vector)
		newPart.count++
		src.count--
		idx.mu.Unlock()
	}
}

// liveIndicesLocked returns the indices of non-nil partitions; under
// StrategyHash, partitions are created lazily, so idx.partitions may
// contain gaps for byte values not yet seen.
func (idx *Index) liveIndicesLocked() []int {
	live := make([]int, 0, len(idx.partitions))
	for i, p := range idx.partitions {
		if p != nil {
			live = append(live, i)
		}
	}
	return live
}

// Search fans a query out across up to maxPartitions shards (ranked by
// centroid distance when semantic, otherwise all or a random subset),
// merging by ascending distance.
func (idx *Index) Search(ctx context.Context, query []float32, k int, maxPartitionsBudget int) ([]hnsw.Result, error) {
	idx.mu.RLock()
	targets := idx.selectPartitionsLocked(query, maxPartitionsBudget)
	idx.mu.RUnlock()

	type partial struct {
		results []hnsw.Result
	}
	out := make([]partial, len(targets))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, pIdx := range targets {
		i, pIdx := i, pIdx
		g.Go(func() error {
			idx.mu.RLock()
			p := idx.partitions[pIdx]
			idx.mu.RUnlock()
			if p == nil {
				return nil
			}
			out[i] = partial{results: p.index.Search(query, 2*k, 0)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []hnsw.Result
	for _, p := range out {
		merged = append(merged, p.results...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Distance != merged[j].Distance {
			return merged[i].Distance < merged[j].Distance
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func (idx *Index) selectPartitionsLocked(query []float32, budget int) []int {
	live := idx.liveIndicesLocked()
	n := len(live)
	if budget <= 0 || budget >= n {
		return live
	}
	if idx.cfg.Strategy == StrategySemantic {
		type scored struct {
			idx  int
			dist float32
		}
		scoredList := make([]scored, n)
		for i, pIdx := range live {
			p := idx.partitions[pIdx]
			d := float32(0)
			if p.centroid != nil {
				d = idx.cfg.Distance(query, p.centroid)
			}
			scoredList[i] = scored{idx: pIdx, dist: d}
		}
		sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].dist < scoredList[j].dist })
		out := make([]int, 0, budget)
		for i := 0; i < budget && i < len(scoredList); i++ {
			out = append(out, scoredList[i].idx)
		}
		return out
	}
	// random subset for the hash strategy
	perm := rand.Perm(n)
	out := make([]int, budget)
	for i := 0; i < budget; i++ {
		out[i] = live[perm[i]]
	}
	return out
}

// Delete removes id from its owning partition.
func (idx *Index) Delete(id string) error {
	idx.mu.Lock()
	pIdx, ok := idx.idToPart[id]
	if !ok {
		idx.mu.Unlock()
		return hnsw.ErrNotFound
	}
	p := idx.partitions[pIdx]
	delete(idx.idToPart, id)
	idx.totalNodes--
	idx.mu.Unlock()
	return p.index.Delete(id)
}

// PartitionCount returns the current number of live partitions (under
// StrategyHash, the ones lazily created so far, not the full 256-shard
// keyspace).
func (idx *Index) PartitionCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.liveIndicesLocked())
}

// Size returns the total number of live nodes across every partition,
// for the statistics record's hnsw_index_size field.
func (idx *Index) Size() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalNodes
}

// Clear discards every partition and starts over, backing a
// database-wide Clear operation.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.cfg.Strategy == StrategyHash {
		idx.partitions = make([]*partition, maxPartitions)
	} else {
		idx.partitions = []*partition{{index: hnsw.New(idx.cfg.HNSW)}}
	}
	idx.idToPart = make(map[string]int)
	idx.totalNodes = 0
	idx.targetPartitions = 1
}

const (
	autoTuneRaiseUtilization = 0.8
	autoTuneLowerUtilization = 0.3
	autoTuneLowerFloor       = 4
)

// AutoTune recomputes the target partition count from load, per the
// every-1s/5s cadence of : consistently above 80% capacity raises
// the target, below 30% with more than 4 live partitions lowers it.
// Raising the target for a semantic index also splits its fullest
// partition so the raise takes effect immediately rather than waiting
// for the next overflowing insert; lowering never migrates nodes back
// together (see the Open Question decision in DESIGN.md), it only
// gates future raises. For the hash strategy, partition count already
// tracks the first-byte keyspace directly, so raising/lowering only
// adjusts the bookkeeping target, not routing.
func (idx *Index) AutoTune() {
	if !idx.cfg.AutoTune || idx.cfg.MaxNodesPerPartition <= 0 {
		return
	}

	idx.mu.Lock()
	live := idx.liveIndicesLocked()
	n := len(live)
	if n == 0 {
		idx.mu.Unlock()
		return
	}
	avg := float64(idx.totalNodes) / float64(n)
	capacity := float64(idx.cfg.MaxNodesPerPartition)
	utilization := avg / capacity

	if idx.targetPartitions < n {
		idx.targetPartitions = n
	}
	raise := utilization >= autoTuneRaiseUtilization
	lower := utilization < autoTuneLowerUtilization && n > autoTuneLowerFloor
	switch {
	case raise && idx.targetPartitions < maxPartitions:
		idx.targetPartitions++
	case lower:
		idx.targetPartitions--
	}
	idx.lastAutoTune = time.Now()

	var fullest int = -1
	var fullestCount int64 = -1
	if raise && idx.cfg.Strategy == StrategySemantic {
		for _, i := range live {
			if c := idx.partitions[i].count; c > fullestCount {
				fullestCount, fullest = c, i
			}
		}
	}
	idx.mu.Unlock()

	if fullest != -1 {
		idx.splitPartition(fullest)
	}
}

// TargetPartitions reports the partition count AutoTune is currently
// steering towards.
func (idx *Index) TargetPartitions() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.targetPartitions
}

// Has reports whether id is present (live) anywhere in the index.
func (idx *Index) Has(id string) bool {
	idx.mu.RLock()
	pIdx, ok := idx.idToPart[id]
	if !ok {
		idx.mu.RUnlock()
		return false
	}
	p := idx.partitions[pIdx]
	idx.mu.RUnlock()
	return p.index.Has(id)
}

// Neighbors returns id's HNSW neighbor ids within its owning partition.
func (idx *Index) Neighbors(id string) []string {
	idx.mu.RLock()
	pIdx, ok := idx.idToPart[id]
	if !ok {
		idx.mu.RUnlock()
		return nil
	}
	p := idx.partitions[pIdx]
	idx.mu.RUnlock()
	return p.index.Neighbors(id)
}
