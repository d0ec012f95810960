package hnsw

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/brainydb/brainy/pkg/distance"
)

func testConfig() Config {
	return Config{
		M:              8,
		EfConstruction: 64,
		EfSearch:       32,
		ML:             1.0 / 0.6931471805599453, // 1/ln(2)
		Dim:            4,
		Distance:       distance.Euclidean,
	}
}

func TestInsertAndRecall(t *testing.T) {
	idx := New(testConfig())

	vectors := map[string][]float32{
		"a": {0, 0, 0, 0},
		"b": {1, 1, 1, 1},
		"c": {5, 5, 5, 5},
		"d": {0.1, 0.1, 0.1, 0.1},
	}
	for id, v := range vectors {
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	results := idx.Search([]float32{0, 0, 0, 0}, 2, 0)
	if len(results) == 0 || results[0].ID != "a" {
		t.Fatalf("expected exact match 'a' first, got %+v", results)
	}
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	idx := New(testConfig())
	if err := idx.Insert("a", []float32{1, 2, 3}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestDeleteIsLazyAndSkippedBySearch(t *testing.T) {
	idx := New(testConfig())
	_ = idx.Insert("a", []float32{0, 0, 0, 0})
	_ = idx.Insert("b", []float32{0.01, 0.01, 0.01, 0.01})

	if err := idx.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if idx.Size() != 1 {
		t.Fatalf("expected 1 live node after delete, got %d", idx.Size())
	}

	results := idx.Search([]float32{0, 0, 0, 0}, 2, 0)
	for _, r := range results {
		if r.ID == "a" {
			t.Fatal("deleted node must not appear in search results")
		}
	}
}

func TestDeleteUnknownReturnsNotFound(t *testing.T) {
	idx := New(testConfig())
	if err := idx.Delete("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompactionTriggersAfterThreshold(t *testing.T) {
	idx := New(testConfig())
	rng := rand.New(rand.NewSource(1))
	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("n%d", i)
		ids = append(ids, id)
		v := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := idx.Delete(ids[i]); err != nil {
			t.Fatalf("delete %s: %v", ids[i], err)
		}
	}

	if idx.Size() != 7 {
		t.Fatalf("expected 7 live nodes, got %d", idx.Size())
	}
	// The second delete leaves 2 tombstones against 8 live nodes (0.25 >
	// 0.20) and triggers a compaction; the third leaves 1 against 7
	// (about 0.14), under the ratio, so one tombstone remains.
	stats := idx.Stats()
	if stats.DeletedNodes != 1 {
		t.Fatalf("expected compaction to have dropped the first two tombstones, got %d deleted", stats.DeletedNodes)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := New(testConfig())
	if results := idx.Search([]float32{0, 0, 0, 0}, 5, 0); results != nil {
		t.Fatalf("expected nil results on empty index, got %+v", results)
	}
}

func TestNeighborsReturnsUnionAcrossLevels(t *testing.T) {
	idx := New(testConfig())
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("n%d", i)
		if err := idx.Insert(id, []float32{float32(i), 0, 0, 0}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if neighbors := idx.Neighbors("n0"); len(neighbors) == 0 {
		t.Fatal("expected n0 to have at least one neighbor after several inserts")
	}
}
