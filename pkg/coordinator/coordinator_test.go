package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brainydb/brainy/pkg/hnsw"
)

type fakeIndex struct {
	partitions int
	calls      []int
	results    []hnsw.Result

	autoTunes int32
}

func (f *fakeIndex) Search(ctx context.Context, query []float32, k int, maxPartitions int) ([]hnsw.Result, error) {
	f.calls = append(f.calls, maxPartitions)
	return f.results, nil
}

func (f *fakeIndex) PartitionCount() int { return f.partitions }

func (f *fakeIndex) AutoTune() { atomic.AddInt32(&f.autoTunes, 1) }

func (f *fakeIndex) autoTuneCount() int32 { return atomic.LoadInt32(&f.autoTunes) }

func TestAdaptiveExhaustiveForFewPartitions(t *testing.T) {
	idx := &fakeIndex{partitions: 3}
	c := New(idx, 10*time.Millisecond, nil)
	defer c.Close()

	if _, err := c.Search(context.Background(), []float32{0, 0}, 5, StrategyAdaptive); err != nil {
		t.Fatalf("search: %v", err)
	}
	if idx.calls[0] != 0 {
		t.Fatalf("expected exhaustive budget (0) for few partitions, got %d", idx.calls[0])
	}
}

func TestExhaustiveStrategyAlwaysBudgetsZero(t *testing.T) {
	idx := &fakeIndex{partitions: 50}
	c := New(idx, 10*time.Millisecond, nil)
	defer c.Close()
	if _, err := c.Search(context.Background(), []float32{0, 0}, 5, StrategyExhaustive); err != nil {
		t.Fatalf("search: %v", err)
	}
	if idx.calls[0] != 0 {
		t.Fatalf("expected budget 0 for exhaustive, got %d", idx.calls[0])
	}
}

func TestRollingLatencyUpdates(t *testing.T) {
	idx := &fakeIndex{partitions: 10}
	c := New(idx, time.Millisecond, nil)
	defer c.Close()
	for i := 0; i < 3; i++ {
		if _, err := c.Search(context.Background(), []float32{0, 0}, 5, StrategyBeam); err != nil {
			t.Fatalf("search: %v", err)
		}
	}
	if c.RollingLatency() <= 0 {
		t.Fatal("expected rolling latency to be recorded")
	}
}

func TestAutoTuneLoopRunsOnHighVolumeCadence(t *testing.T) {
	idx := &fakeIndex{partitions: 10}
	c := New(idx, time.Millisecond, func() bool { return true })
	defer c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for idx.autoTuneCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if idx.autoTuneCount() == 0 {
		t.Fatal("expected AutoTune to be driven on the high-volume 1s cadence")
	}
}
