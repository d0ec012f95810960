// Package coordinator implements the scaled search coordinator:
// it drives the partitioned index's fan-out search under a selectable
// strategy, tracks a rolling latency average to adapt on the next
// call, and runs the partitioned index's auto-tuning cadence.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/brainydb/brainy/pkg/hnsw"
)

// Strategy selects how a query is fanned out.
type Strategy string

const (
	StrategyAdaptive     Strategy = "adaptive"
	StrategyExhaustive   Strategy = "exhaustive"
	StrategyBeam         Strategy = "beam"
	StrategyRandomSubset Strategy = "random_subset"
)

// PartitionedIndex is the subset of partition.Index the coordinator
// drives; declared here to avoid an import cycle. Scale-preset
// selection lives in the root package's ScalePreset, applied by
// Open before the partitioned index and coordinator are constructed,
// so AutoTune here only needs to drive the partitioned index's own
// target-partition-count adjustment, not re-derive a preset.
type PartitionedIndex interface {
	Search(ctx context.Context, query []float32, k int, maxPartitions int) ([]hnsw.Result, error)
	PartitionCount() int
	AutoTune()
}

const (
	autoTuneFastInterval = time.Second
	autoTuneSlowInterval = 5 * time.Second
)

// Coordinator fans a query out across a PartitionedIndex. Search is
// safe for concurrent use; the rolling latency average is guarded by
// its own mutex so concurrent queries don't corrupt it.
type Coordinator struct {
	index PartitionedIndex

	latencyMu      sync.Mutex
	rollingLatency time.Duration
	samples        int
	targetLatency  time.Duration

	highVolume func() bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Coordinator over idx, with a target per-query
// latency used to scale the distributed-search timeout (5x the
// target), and starts the auto-tuning cadence: every second if
// highVolume reports true, every 5 seconds otherwise. highVolume may
// be nil, in which case auto-tuning always runs on the 5s cadence.
func New(idx PartitionedIndex, targetLatency time.Duration, highVolume func() bool) *Coordinator {
	if targetLatency <= 0 {
		targetLatency = 50 * time.Millisecond
	}
	c := &Coordinator{
		index:         idx,
		targetLatency: targetLatency,
		highVolume:    highVolume,
		stopCh:        make(chan struct{}),
	}
	c.wg.Add(1)
	go c.autoTuneLoop()
	return c
}

func (c *Coordinator) autoTuneLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(autoTuneFastInterval)
	defer ticker.Stop()
	var sinceSlowTune time.Duration
	for {
		select {
		case <-ticker.C:
			sinceSlowTune += autoTuneFastInterval
			fast := c.highVolume != nil && c.highVolume()
			if fast || sinceSlowTune >= autoTuneSlowInterval {
				c.index.AutoTune()
				sinceSlowTune = 0
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the auto-tuning loop.
func (c *Coordinator) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// Search executes one query under the given strategy, returning hits
// and recording latency for the next adaptive decision.
func (c *Coordinator) Search(ctx context.Context, query []float32, k int, strategy Strategy) ([]hnsw.Result, error) {
	if strategy == "" {
		strategy = StrategyAdaptive
	}

	timeout := 5 * c.targetLatency
	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	budget := c.partitionBudget(strategy)

	start := time.Now()
	results, err := c.index.Search(searchCtx, query, k, budget)
	c.recordLatency(time.Since(start))
	return results, err
}

func (c *Coordinator) partitionBudget(strategy Strategy) int {
	n := c.index.PartitionCount()
	switch strategy {
	case StrategyExhaustive:
		return 0 // 0 means "all" to partition.Index.Search
	case StrategyBeam:
		if n <= 2 {
			return n
		}
		return maxInt(1, n/4)
	case StrategyRandomSubset:
		return maxInt(1, n/2)
	default: // adaptive
		return c.adaptiveBudget(n)
	}
}

// adaptiveBudget picks between semantic-top-N and exhaustive based on
// partition count and recent latency.
func (c *Coordinator) adaptiveBudget(n int) int {
	if n <= 4 {
		return 0
	}
	if c.RollingLatency() > c.targetLatency*2 {
		return maxInt(1, n/4)
	}
	return maxInt(1, n/2)
}

func (c *Coordinator) recordLatency(d time.Duration) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	c.samples++
	if c.samples == 1 {
		c.rollingLatency = d
		return
	}
	// exponential moving average, weight 0.2 for the new sample
	c.rollingLatency = time.Duration(0.8*float64(c.rollingLatency) + 0.2*float64(d))
}

// RollingLatency returns the current rolling average search latency.
func (c *Coordinator) RollingLatency() time.Duration {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	return c.rollingLatency
}

// RandomSubsetSize returns how many of n partitions a fraction covers,
// int(n*fraction), and at least 1 when n is positive.
func RandomSubsetSize(n int, fraction float64) int {
	if n == 0 {
		return 0
	}
	size := int(float64(n) * fraction)
	if size < 1 {
		size = 1
	}
	return size
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
