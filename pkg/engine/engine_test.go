package engine

import (
	"context"
	"testing"
	"time"

	"github.com/brainydb/brainy/pkg/backpressure"
	"github.com/brainydb/brainy/pkg/cache"
	"github.com/brainydb/brainy/pkg/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := storage.NewMemory()
	e, err := New(context.Background(), Options{
		Backend:          backend,
		Cache:            cache.New(16, 64, 0),
		WriteBufferSize:  1,
		WriteBufferAge:   0,
		WriteConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func TestShardOfIsStableAndLowercase(t *testing.T) {
	id := "ABCDEF12-0000-0000-0000-000000000000"
	if got := shardOf(id); got != "ab" {
		t.Fatalf("expected shard ab, got %s", got)
	}
}

func TestSaveAndGetNounRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	vb := VectorBlob{ID: "n1", Type: "person", Vector: []float32{1, 2, 3}}
	mb := MetadataBlob{ID: "n1", Label: "Alice"}
	if err := e.SaveNoun(ctx, vb, mb, true); err != nil {
		t.Fatalf("SaveNoun: %v", err)
	}
	// WriteBufferSize=1 triggers an async flush on Add; give it a moment
	// to land.
	time.Sleep(10 * time.Millisecond)

	gotV, gotM, err := e.GetNoun(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNoun: %v", err)
	}
	if gotV.Type != "person" || len(gotV.Vector) != 3 {
		t.Fatalf("unexpected vector blob: %+v", gotV)
	}
	if gotM.Label != "Alice" {
		t.Fatalf("unexpected metadata blob: %+v", gotM)
	}

	counts := e.Counts()
	if counts.TotalNouns != 1 || counts.NounTypes["person"] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestGetNounNotFound(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.GetNoun(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteNounDecrementsCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	vb := VectorBlob{ID: "n1", Type: "person", Vector: []float32{1, 2}}
	mb := MetadataBlob{ID: "n1"}
	if err := e.SaveNoun(ctx, vb, mb, true); err != nil {
		t.Fatalf("SaveNoun: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := e.DeleteNoun(ctx, "n1", "person"); err != nil {
		t.Fatalf("DeleteNoun: %v", err)
	}
	if _, _, err := e.GetNoun(ctx, "n1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	counts := e.Counts()
	if counts.TotalNouns != 0 || counts.NounTypes["person"] != 0 {
		t.Fatalf("expected zeroed counts after delete, got %+v", counts)
	}
}

func TestSaveVerbRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	vb := VectorBlob{ID: "v1", Type: "owns", Vector: []float32{0.1, 0.2}}
	mb := MetadataBlob{ID: "v1", SourceID: "n1", TargetID: "n2"}
	if err := e.SaveVerb(ctx, vb, mb, true); err != nil {
		t.Fatalf("SaveVerb: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	gotV, gotM, err := e.GetVerb(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVerb: %v", err)
	}
	if gotV.Type != "owns" || gotM.SourceID != "n1" || gotM.TargetID != "n2" {
		t.Fatalf("unexpected verb round trip: %+v %+v", gotV, gotM)
	}
}

func TestInvalidateCallbackFiresOnMutation(t *testing.T) {
	backend := storage.NewMemory()
	fired := 0
	e, err := New(context.Background(), Options{
		Backend:          backend,
		Cache:            cache.New(16, 64, 0),
		WriteBufferSize:  1,
		WriteConcurrency: 2,
		OnInvalidate:     func() { fired++ },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Shutdown(context.Background())

	vb := VectorBlob{ID: "n1", Type: "person", Vector: []float32{1}}
	if err := e.SaveNoun(context.Background(), vb, MetadataBlob{ID: "n1"}, true); err != nil {
		t.Fatalf("SaveNoun: %v", err)
	}
	if fired == 0 {
		t.Fatal("expected invalidation callback to fire on save")
	}
}

func TestFlushStatisticsPersistsCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.SaveNoun(ctx, VectorBlob{ID: "n1", Type: "person", Vector: []float32{1}}, MetadataBlob{ID: "n1"}, true); err != nil {
		t.Fatalf("SaveNoun: %v", err)
	}
	if err := e.FlushStatistics(ctx); err != nil {
		t.Fatalf("FlushStatistics: %v", err)
	}

	data, err := e.backend.Get(ctx, "_system/counts.json")
	if err != nil {
		t.Fatalf("expected counts.json to exist: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty counts.json")
	}
}

func TestPrefetchNounsWarmsCacheForUnseenNeighbor(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// n2 is saved (so GetNoun can resolve it) but never touched again,
	// so it starts out absent from the cache.
	if err := e.SaveNoun(ctx, VectorBlob{ID: "n2", Type: "person", Vector: []float32{2}}, MetadataBlob{ID: "n2"}, true); err != nil {
		t.Fatalf("SaveNoun n2: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	e.hotCache.Evict("noun:n2")

	if e.HasNounCached("n2") {
		t.Fatal("expected n2 to start out uncached")
	}

	neighbors := func(id string) []string { return []string{"n2"} }
	e.PrefetchNouns(ctx, []string{"seed"}, neighbors, 1)
	time.Sleep(10 * time.Millisecond)

	if !e.HasNounCached("n2") {
		t.Fatal("expected PrefetchNouns to warm the cache for n2")
	}
}

func TestSaveNounReportsPendingToBackpressure(t *testing.T) {
	backend := storage.NewMemory()
	bp := backpressure.New(nil)
	defer bp.Close()
	e, err := New(context.Background(), Options{
		Backend:          backend,
		Cache:            cache.New(16, 64, 0),
		Backpressure:     bp,
		WriteBufferSize:  1000, // large enough that Add doesn't trigger an immediate async flush
		WriteConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Shutdown(context.Background())

	if bp.HighVolume() {
		t.Fatal("expected high volume to start false")
	}
	for i := 0; i < 25; i++ {
		id := "n" + string(rune('a'+i))
		if err := e.SaveNoun(context.Background(), VectorBlob{ID: id, Type: "person", Vector: []float32{1}}, MetadataBlob{ID: id}, true); err != nil {
			t.Fatalf("SaveNoun: %v", err)
		}
	}
	if !bp.HighVolume() {
		t.Fatal("expected NotePending to engage high-volume mode once pending ops exceeded the threshold")
	}
}

func TestCursorEncodeDecodeRoundTrips(t *testing.T) {
	c := Cursor{ShardIndex: 12, Token: "abc"}
	s := encodeCursor(c)
	got := decodeCursor(s)
	if got != c {
		t.Fatalf("expected round trip, got %+v", got)
	}
}

func TestCorruptedBlobIsQuarantinedAndSurfacesNotFound(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()
	if err := backend.Put(ctx, "entities/nouns/vectors/ba/bad1.json", []byte("{not json"), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := backend.Put(ctx, "entities/nouns/metadata/ba/bad1.json", []byte("{}"), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, err := New(ctx, Options{
		Backend:          backend,
		Cache:            cache.New(16, 64, 0),
		WriteBufferSize:  1,
		WriteConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Shutdown(ctx)

	if _, _, err := e.GetNoun(ctx, "bad1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for corrupted blob, got %v", err)
	}
	if q := e.Quarantined(); len(q) != 1 {
		t.Fatalf("expected one quarantined id, got %+v", q)
	}
	// Quarantine is process-lifetime: the id stays unreadable even if a
	// later lookup would decode fine.
	if _, _, err := e.GetNoun(ctx, "bad1"); err != ErrNotFound {
		t.Fatalf("expected quarantined id to stay NotFound, got %v", err)
	}
}

func TestFlushStatisticsWritesStatisticsRecord(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()
	e, err := New(ctx, Options{
		Backend:          backend,
		Cache:            cache.New(16, 64, 0),
		WriteBufferSize:  1,
		WriteConcurrency: 2,
		StatisticsExtra:  func() any { return map[string]int{"hnsw_index_size": 7} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Shutdown(ctx)

	if err := e.FlushStatistics(ctx); err != nil {
		t.Fatalf("FlushStatistics: %v", err)
	}
	var got map[string]int
	if err := e.GetStatistics(ctx, &got); err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if got["hnsw_index_size"] != 7 {
		t.Fatalf("unexpected statistics record: %+v", got)
	}
}

func TestGetVerbsByFilteredScans(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Verb ids start with two hex characters, as UUIDs do, so their
	// shards fall inside the 00..ff sweep.
	verbs := []struct {
		id, typ, src, tgt string
	}{
		{"a1", "owns", "a", "b"},
		{"a2", "owns", "a", "c"},
		{"b3", "knows", "b", "c"},
	}
	for _, v := range verbs {
		vb := VectorBlob{ID: v.id, Type: v.typ}
		mb := MetadataBlob{ID: v.id, SourceID: v.src, TargetID: v.tgt}
		if err := e.SaveVerb(ctx, vb, mb, true); err != nil {
			t.Fatalf("SaveVerb %s: %v", v.id, err)
		}
	}
	e.FlushWrites(ctx)

	bySrc, err := e.GetVerbsBySource(ctx, "a")
	if err != nil {
		t.Fatalf("GetVerbsBySource: %v", err)
	}
	if len(bySrc) != 2 {
		t.Fatalf("expected 2 verbs from source a, got %d", len(bySrc))
	}
	byTgt, err := e.GetVerbsByTarget(ctx, "c")
	if err != nil {
		t.Fatalf("GetVerbsByTarget: %v", err)
	}
	if len(byTgt) != 2 {
		t.Fatalf("expected 2 verbs targeting c, got %d", len(byTgt))
	}
	byType, err := e.GetVerbsByType(ctx, "knows")
	if err != nil {
		t.Fatalf("GetVerbsByType: %v", err)
	}
	if len(byType) != 1 || byType[0].Vector.ID != "b3" {
		t.Fatalf("expected only b3 for type knows, got %+v", byType)
	}
}

func TestDeleteDropsPendingBufferedWrite(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()
	e, err := New(ctx, Options{
		Backend:          backend,
		Cache:            cache.New(16, 64, 0),
		WriteBufferSize:  1000,
		WriteBufferAge:   time.Hour, // keep the write buffered until we flush by hand
		WriteConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Shutdown(ctx)

	vb := VectorBlob{ID: "n1", Type: "person", Vector: []float32{1}}
	if err := e.SaveNoun(ctx, vb, MetadataBlob{ID: "n1"}, true); err != nil {
		t.Fatalf("SaveNoun: %v", err)
	}
	if err := e.DeleteNoun(ctx, "n1", "person"); err != nil {
		t.Fatalf("DeleteNoun: %v", err)
	}
	e.FlushWrites(ctx)

	if _, err := backend.Get(ctx, "entities/nouns/vectors/n1/n1.json"); err == nil {
		t.Fatal("expected no resurrected blob after delete-then-flush")
	}
	if _, _, err := e.GetNoun(ctx, "n1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
