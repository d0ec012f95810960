package brainy

import (
	"context"
	"errors"
	"testing"
)

const (
	idA = "aaaaaaaa-0000-4000-8000-000000000001"
	idB = "bbbbbbbb-0000-4000-8000-000000000002"
	idC = "cccccccc-0000-4000-8000-000000000003"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Shutdown(context.Background()) })
	return db
}

func TestAddThenFindReturnsInsertedNoun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, AddRequest{ID: idB, Type: NounPerson, Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	resp, err := db.Find(ctx, FindRequest{Vector: []float32{1, 0, 0}, K: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].ID != idA {
		t.Fatalf("expected %s as the only hit, got %+v", idA, resp.Hits)
	}
	if resp.Hits[0].Score < 0.99 {
		t.Fatalf("expected near-1.0 score for an exact match, got %f", resp.Hits[0].Score)
	}
}

func TestTypeFilterExcludesOtherTypes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		id  string
		typ NounType
		vec []float32
	}{
		{idA, NounPerson, []float32{1, 0, 0}},
		{idB, NounPerson, []float32{0, 1, 0}},
		{idC, NounDocument, []float32{1, 0, 0}},
	} {
		if _, err := db.Add(ctx, AddRequest{ID: n.id, Type: n.typ, Vector: n.vec}); err != nil {
			t.Fatalf("Add %s: %v", n.id, err)
		}
	}

	resp, err := db.Find(ctx, FindRequest{
		Vector: []float32{1, 0, 0}, K: 2,
		Filter: &Filter{Types: []NounType{NounPerson}},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(resp.Hits) == 0 || resp.Hits[0].ID != idA {
		t.Fatalf("expected %s first, got %+v", idA, resp.Hits)
	}
	for _, h := range resp.Hits {
		if h.ID == idC {
			t.Fatalf("document noun leaked through person filter: %+v", resp.Hits)
		}
	}
}

func TestSearchCacheHitThenInvalidationOnAdd(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	req := FindRequest{Vector: []float32{1, 0, 0}, K: 3}
	if _, err := db.Find(ctx, req); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if _, err := db.Find(ctx, req); err != nil {
		t.Fatalf("Find: %v", err)
	}
	stats := db.SearchCacheStats()
	if stats.Hits != 1 {
		t.Fatalf("expected exactly one cache hit, got %+v", stats)
	}
	missesBefore := stats.Misses

	if _, err := db.Add(ctx, AddRequest{ID: idB, Type: NounPerson, Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Find(ctx, req); err != nil {
		t.Fatalf("Find: %v", err)
	}
	stats = db.SearchCacheStats()
	if stats.Misses != missesBefore+1 {
		t.Fatalf("expected one new miss after the mutation, got %+v", stats)
	}
}

func TestDeleteRemovesFromGetAndFind(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Delete(ctx, idA); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get(ctx, idA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	resp, err := db.Find(ctx, FindRequest{Vector: []float32{1, 0, 0}, K: 5})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for _, h := range resp.Hits {
		if h.ID == idA {
			t.Fatalf("deleted noun still returned by Find: %+v", resp.Hits)
		}
	}
}

func TestAddThenDeleteRestoresCounts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	before := db.GetStatistics(ctx)
	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Delete(ctx, idA); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	after := db.GetStatistics(ctx)
	if after.TotalNounCount != before.TotalNounCount {
		t.Fatalf("noun count not restored: before %d, after %d", before.TotalNounCount, after.TotalNounCount)
	}
	if after.HNSWIndexSize != before.HNSWIndexSize {
		t.Fatalf("index size not restored: before %d, after %d", before.HNSWIndexSize, after.HNSWIndexSize)
	}
}

func TestDoubleAddOfSameIDIsUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	stats := db.GetStatistics(ctx)
	if stats.TotalNounCount != 1 {
		t.Fatalf("expected one logical noun after double add, got %d", stats.TotalNounCount)
	}
	n, err := db.Get(ctx, idA)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n.Vector[0] != 0 || n.Vector[1] != 1 {
		t.Fatalf("expected last write to win, got vector %v", n.Vector)
	}
}

func TestRelateRejectsUnknownEndpoints(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Relate(ctx, RelateRequest{From: idA, To: idB, Type: VerbKnows}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown target, got %v", err)
	}
}

func TestDanglingVerbIsRetrievableButFilterable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		id  string
		vec []float32
	}{{idA, []float32{1, 0}}, {idB, []float32{0, 1}}} {
		if _, err := db.Add(ctx, AddRequest{ID: n.id, Type: NounPerson, Vector: n.vec}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := db.Relate(ctx, RelateRequest{From: idA, To: idB, Type: VerbKnows}); err != nil {
		t.Fatalf("Relate: %v", err)
	}
	if err := db.Delete(ctx, idB); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	from := idA
	all, err := db.GetRelations(ctx, GetRelationsRequest{From: &from})
	if err != nil {
		t.Fatalf("GetRelations: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the dangling verb to remain retrievable, got %d", len(all))
	}

	filtered, err := db.GetRelations(ctx, GetRelationsRequest{From: &from, ExcludeDangling: true})
	if err != nil {
		t.Fatalf("GetRelations: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("expected dangling verb filtered out, got %d", len(filtered))
	}
}

func TestUnrelateRemovesVerb(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		id  string
		vec []float32
	}{{idA, []float32{1, 0}}, {idB, []float32{0, 1}}} {
		if _, err := db.Add(ctx, AddRequest{ID: n.id, Type: NounPerson, Vector: n.vec}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	vid, err := db.Relate(ctx, RelateRequest{From: idA, To: idB, Type: VerbKnows})
	if err != nil {
		t.Fatalf("Relate: %v", err)
	}
	if err := db.Unrelate(ctx, vid); err != nil {
		t.Fatalf("Unrelate: %v", err)
	}
	from := idA
	verbs, err := db.GetRelations(ctx, GetRelationsRequest{From: &from})
	if err != nil {
		t.Fatalf("GetRelations: %v", err)
	}
	if len(verbs) != 0 {
		t.Fatalf("expected no verbs after unrelate, got %d", len(verbs))
	}
}

func TestDimensionMismatchIsRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := db.Add(ctx, AddRequest{ID: idB, Type: NounPerson, Vector: []float32{1, 0}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestFindOnEmptyIndexReturnsEmptyNotError(t *testing.T) {
	db := newTestDB(t)
	resp, err := db.Find(context.Background(), FindRequest{Vector: []float32{1, 0}, K: 5})
	if err != nil {
		t.Fatalf("Find on empty index: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("expected no hits, got %+v", resp.Hits)
	}
}

func TestFindIsDeterministicUnderQuiescence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	vectors := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0.8, 0.2, 0}, {0, 1, 0}, {0, 0, 1}}
	for i, v := range vectors {
		id := string(rune('a'+i)) + "0000000-0000-4000-8000-000000000000"
		if _, err := db.Add(ctx, AddRequest{ID: id, Type: NounConcept, Vector: v}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	req := FindRequest{Vector: []float32{1, 0, 0}, K: 3, SkipCache: true}
	first, err := db.Find(ctx, req)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	second, err := db.Find(ctx, req)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(first.Hits) != len(second.Hits) {
		t.Fatalf("result size changed between identical queries: %d vs %d", len(first.Hits), len(second.Hits))
	}
	for i := range first.Hits {
		if first.Hits[i].ID != second.Hits[i].ID {
			t.Fatalf("result order changed at %d: %s vs %s", i, first.Hits[i].ID, second.Hits[i].ID)
		}
	}
}

func TestGraphBoostRanksConnectedNounHigher(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// idB and idC are equidistant from the query; idB is one hop from
	// idA, so the traversal boost must rank it first.
	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{0, 0, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, AddRequest{ID: idB, Type: NounPerson, Vector: []float32{1, 0.1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, AddRequest{ID: idC, Type: NounPerson, Vector: []float32{1, -0.1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Relate(ctx, RelateRequest{From: idA, To: idB, Type: VerbKnows}); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	resp, err := db.Find(ctx, FindRequest{
		Vector: []float32{1, 0, 0}, K: 2,
		Traversal: &GraphTraversal{FromIDs: []string{idA}, MaxDepth: 2},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(resp.Hits) < 2 {
		t.Fatalf("expected two hits, got %+v", resp.Hits)
	}
	if resp.Hits[0].ID != idB {
		t.Fatalf("expected graph-connected %s first, got %+v", idB, resp.Hits)
	}
	if resp.Hits[0].Depth == nil || *resp.Hits[0].Depth != 1 {
		t.Fatalf("expected depth 1 on the boosted hit, got %+v", resp.Hits[0])
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := newTestDB(t)
	ctx := context.Background()

	if _, err := src.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0}, Label: "Alice"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := src.Add(ctx, AddRequest{ID: idB, Type: NounOrganization, Vector: []float32{0, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := src.Relate(ctx, RelateRequest{From: idA, To: idB, Type: VerbWorksAt}); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	doc, err := src.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if len(doc.Nouns) != 2 || len(doc.Verbs) != 1 {
		t.Fatalf("unexpected backup contents: %d nouns, %d verbs", len(doc.Nouns), len(doc.Verbs))
	}

	dst := newTestDB(t)
	if err := dst.Restore(ctx, doc); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	n, err := dst.Get(ctx, idA)
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if n.Label != "Alice" || n.Type != NounPerson {
		t.Fatalf("restored noun mismatch: %+v", n)
	}
	resp, err := dst.Find(ctx, FindRequest{Vector: []float32{1, 0}, K: 1})
	if err != nil {
		t.Fatalf("Find after restore: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].ID != idA {
		t.Fatalf("restored index did not recall %s: %+v", idA, resp.Hits)
	}
	from := idA
	verbs, err := dst.GetRelations(ctx, GetRelationsRequest{From: &from})
	if err != nil {
		t.Fatalf("GetRelations after restore: %v", err)
	}
	if len(verbs) != 1 || verbs[0].Type != VerbWorksAt {
		t.Fatalf("restored verbs mismatch: %+v", verbs)
	}
	stats := dst.GetStatistics(ctx)
	if stats.TotalNounCount != 2 || stats.TotalVerbCount != 1 {
		t.Fatalf("restored counts mismatch: %+v", stats)
	}
}

func TestClearResetsEverything(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		id  string
		vec []float32
	}{{idA, []float32{1, 0}}, {idB, []float32{0, 1}}} {
		if _, err := db.Add(ctx, AddRequest{ID: n.id, Type: NounPerson, Vector: n.vec}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := db.Relate(ctx, RelateRequest{From: idA, To: idB, Type: VerbKnows}); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	if err := db.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	stats := db.GetStatistics(ctx)
	if stats.TotalNounCount != 0 || stats.TotalVerbCount != 0 || stats.HNSWIndexSize != 0 {
		t.Fatalf("expected empty statistics after Clear, got %+v", stats)
	}
	resp, err := db.Find(ctx, FindRequest{Vector: []float32{1, 0}, K: 5})
	if err != nil {
		t.Fatalf("Find after Clear: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("expected no hits after Clear, got %+v", resp.Hits)
	}
}

func TestStatisticsPerTypeCountsSumToTotals(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		id  string
		typ NounType
	}{{idA, NounPerson}, {idB, NounPerson}, {idC, NounDocument}} {
		if _, err := db.Add(ctx, AddRequest{ID: n.id, Type: n.typ, Vector: []float32{1, 0}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	stats := db.GetStatistics(ctx)
	var sum int64
	for _, c := range stats.NounTypeCounts {
		sum += c
	}
	if sum != stats.TotalNounCount {
		t.Fatalf("per-type counts sum %d != total %d", sum, stats.TotalNounCount)
	}
	if stats.NounTypeCounts["person"] != 2 || stats.NounTypeCounts["document"] != 1 {
		t.Fatalf("unexpected per-type counts: %+v", stats.NounTypeCounts)
	}
}

func TestSimilarByStoredID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		id  string
		vec []float32
	}{{idA, []float32{1, 0, 0}}, {idB, []float32{0.95, 0.05, 0}}, {idC, []float32{0, 0, 1}}} {
		if _, err := db.Add(ctx, AddRequest{ID: n.id, Type: NounConcept, Vector: n.vec}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	resp, err := db.Similar(ctx, SimilarRequest{ID: idA, K: 2})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(resp.Hits) < 2 || resp.Hits[0].ID != idA || resp.Hits[1].ID != idB {
		t.Fatalf("expected [%s %s], got %+v", idA, idB, resp.Hits)
	}

	threshold := 0.99
	resp, err = db.Similar(ctx, SimilarRequest{ID: idA, K: 3, Threshold: &threshold})
	if err != nil {
		t.Fatalf("Similar with threshold: %v", err)
	}
	for _, h := range resp.Hits {
		if h.Score < threshold {
			t.Fatalf("threshold not enforced: %+v", h)
		}
	}
}

func TestOperationsAfterShutdownReturnErrClosed(t *testing.T) {
	cfg := DefaultConfig()
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := db.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := db.Add(ctx, AddRequest{Type: NounPerson, Vector: []float32{1}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Add, got %v", err)
	}
	if _, err := db.Find(ctx, FindRequest{Vector: []float32{1}, K: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Find, got %v", err)
	}
}

func TestAuditLogRecordsOperations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Find(ctx, FindRequest{Vector: []float32{1, 0}, K: 1}); err != nil {
		t.Fatalf("Find: %v", err)
	}

	entries := db.AuditLog()
	if len(entries) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(entries))
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[string(e.Op)] = true
		if e.SessionID == "" {
			t.Fatalf("audit entry missing session id: %+v", e)
		}
	}
	if !seen["add"] || !seen["search"] {
		t.Fatalf("expected add and search entries, got %v", seen)
	}
}

func TestListNounsPagesInShardOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ids := []string{
		"11111111-0000-4000-8000-000000000001",
		"22222222-0000-4000-8000-000000000002",
		"33333333-0000-4000-8000-000000000003",
	}
	for _, id := range ids {
		if _, err := db.Add(ctx, AddRequest{ID: id, Type: NounPerson, Vector: []float32{1, 0}}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	var got []string
	cursor := ""
	for {
		page, err := db.ListNouns(ctx, ListRequest{Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("ListNouns: %v", err)
		}
		for _, n := range page.Nouns {
			got = append(got, n.ID)
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d nouns across pages, got %d (%v)", len(ids), len(got), got)
	}
	for i, id := range ids {
		if got[i] != id {
			t.Fatalf("expected shard-ordered sweep %v, got %v", ids, got)
		}
	}
}

func TestListNounsTypeFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Add(ctx, AddRequest{ID: idA, Type: NounPerson, Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, AddRequest{ID: idC, Type: NounDocument, Vector: []float32{0, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	typ := NounDocument
	page, err := db.ListNouns(ctx, ListRequest{Limit: 10, Type: &typ})
	if err != nil {
		t.Fatalf("ListNouns: %v", err)
	}
	if len(page.Nouns) != 1 || page.Nouns[0].ID != idC {
		t.Fatalf("expected only the document noun, got %+v", page.Nouns)
	}
}
