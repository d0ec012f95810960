package classifier

import (
	"context"
	"testing"

	brainy "github.com/brainydb/brainy"
)

func TestPatternSignalMatchesOwnership(t *testing.T) {
	// A lone pattern vote contributes confidence*0.30, so the default
	// 0.60 acceptance threshold would reject it; lower the bar to see
	// the signal itself.
	c := New(nil, nil, WithMinConfidence(0.2))
	v, err := c.Classify(context.Background(), Input{
		Subject: "Acme Corp", Object: "the warehouse", Context: "Acme Corp owns the warehouse",
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.VerbType != brainy.VerbOwns {
		t.Fatalf("expected owns, got %v", v.VerbType)
	}
	if v.Source != SourceSingle {
		t.Fatalf("expected single-signal source, got %v", v.Source)
	}
}

func TestContextPriorFillsInWithoutText(t *testing.T) {
	c := New(nil, nil, WithMinConfidence(0.1))
	v, err := c.Classify(context.Background(), Input{
		Subject: "Jane", Object: "Acme", SubjectType: brainy.NounPerson, ObjectType: brainy.NounOrganization,
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.VerbType != brainy.VerbWorksWith {
		t.Fatalf("expected works_with from context prior, got %v", v.VerbType)
	}
}

func TestEmbeddingSignalPicksNearestCatalogEntry(t *testing.T) {
	catalog := map[brainy.VerbType][]float32{
		brainy.VerbCauses:  {1, 0, 0},
		brainy.VerbEnables: {0, 1, 0},
	}
	c := New(nil, catalog, WithMinConfidence(0.5))
	v, err := c.Classify(context.Background(), Input{
		Subject: "x", Object: "y", ContextVector: []float32{0.9, 0.1, 0},
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.VerbType != brainy.VerbCauses {
		t.Fatalf("expected causes from nearest embedding, got %v", v.VerbType)
	}
}

func TestAgreementAcrossSignalsBoostsScoreAndMarksEnsemble(t *testing.T) {
	catalog := map[brainy.VerbType][]float32{
		brainy.VerbOwns: {1, 0},
	}
	c := New(nil, catalog)
	v, err := c.Classify(context.Background(), Input{
		Subject: "Acme", Object: "the building", Context: "Acme owns the building",
		ContextVector: []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.VerbType != brainy.VerbOwns {
		t.Fatalf("expected owns, got %v", v.VerbType)
	}
	if v.Source != SourceEnsemble {
		t.Fatalf("expected ensemble source when pattern and embedding agree, got %v", v.Source)
	}
	if len(v.Evidence) < 2 {
		t.Fatalf("expected evidence from both signals, got %+v", v.Evidence)
	}
}

func TestEnsembleOutweighsSinglePatternVote(t *testing.T) {
	// "works at" fires the pattern signal for works_at, but the context
	// prior (person -> organization) and a nearby catalog embedding both
	// vote works_with; their combined weight plus the agreement boost
	// wins over the lone pattern vote at the default threshold.
	catalog := map[brainy.VerbType][]float32{
		brainy.VerbWorksWith: {1, 0, 0},
		brainy.VerbEmploys:   {0, 1, 0},
	}
	c := New(nil, catalog)
	v, err := c.Classify(context.Background(), Input{
		Subject:       "Alice",
		Object:        "UCSF",
		Context:       "Alice works at UCSF",
		SubjectType:   brainy.NounPerson,
		ObjectType:    brainy.NounOrganization,
		ContextVector: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.VerbType != brainy.VerbWorksWith {
		t.Fatalf("expected works_with, got %v", v.VerbType)
	}
	if v.Confidence < 0.70 {
		t.Fatalf("expected confidence >= 0.70, got %f", v.Confidence)
	}
	if v.Source != SourceEnsemble {
		t.Fatalf("expected ensemble source, got %v", v.Source)
	}
	if len(v.Evidence) < 2 {
		t.Fatalf("expected at least two contributing signals, got %+v", v.Evidence)
	}
}

func TestNoSignalMatchReturnsError(t *testing.T) {
	c := New(nil, nil)
	_, err := c.Classify(context.Background(), Input{Subject: "foo", Object: "bar", Context: "foo zzz bar"})
	if err == nil {
		t.Fatal("expected error when no signal matches")
	}
}

func TestEnsembleCachesVerdictForRepeatedInput(t *testing.T) {
	c := New(nil, nil, WithMinConfidence(0.2))
	in := Input{Subject: "A", Object: "B", Context: "A owns B"}
	v1, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	v2, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v1.VerbType != v2.VerbType {
		t.Fatalf("expected cached verdict to match, got %v vs %v", v1.VerbType, v2.VerbType)
	}
	if c.Stats().CacheHits["ensemble"] != 1 {
		t.Fatalf("expected one ensemble cache hit, got %+v", c.Stats())
	}
}

func TestPatternSignalCachesPerHaystack(t *testing.T) {
	c := New(nil, nil, WithMinConfidence(0.1))
	// Same subject/object/context but different declared types: the
	// ensemble key differs, the pattern haystack does not, so the second
	// call must be served from the pattern signal's own cache.
	base := Input{Subject: "A", Object: "B", Context: "A owns B"}
	if _, err := c.Classify(context.Background(), base); err != nil {
		t.Fatalf("classify: %v", err)
	}
	typed := base
	typed.SubjectType = brainy.NounOrganization
	if _, err := c.Classify(context.Background(), typed); err != nil {
		t.Fatalf("classify: %v", err)
	}
	stats := c.Stats()
	if stats.CacheHits["ensemble"] != 0 {
		t.Fatalf("expected no ensemble hits across distinct inputs, got %+v", stats.CacheHits)
	}
	if stats.CacheHits["pattern"] != 1 {
		t.Fatalf("expected one pattern-signal cache hit, got %+v", stats.CacheHits)
	}
}

type countingEmbedder struct {
	calls int
	vec   []float32
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return e.vec, nil
}

func TestEmbeddingSignalCachesPerContextText(t *testing.T) {
	emb := &countingEmbedder{vec: []float32{1, 0}}
	catalog := map[brainy.VerbType][]float32{
		brainy.VerbCauses: {1, 0},
	}
	c := New(emb, catalog, WithMinConfidence(0.1))
	// Same context sentence under different type pairs: one embed call,
	// one embedding-signal cache hit.
	first := Input{Subject: "x", Object: "y", Context: "x zzz y"}
	if _, err := c.Classify(context.Background(), first); err != nil {
		t.Fatalf("classify: %v", err)
	}
	second := first
	second.SubjectType = brainy.NounPerson
	second.ObjectType = brainy.NounPerson
	if _, err := c.Classify(context.Background(), second); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if emb.calls != 1 {
		t.Fatalf("expected the embed call to be cached, got %d calls", emb.calls)
	}
	stats := c.Stats()
	if stats.CacheHits["embedding"] != 1 {
		t.Fatalf("expected one embedding-signal cache hit, got %+v", stats.CacheHits)
	}
	if stats.CacheHits["context"] != 0 {
		t.Fatalf("expected no context-signal hit for distinct type pairs, got %+v", stats.CacheHits)
	}
}

func TestStatsTrackTotalsAndAverageConfidence(t *testing.T) {
	c := New(nil, nil, WithMinConfidence(0.2))
	if _, err := c.Classify(context.Background(), Input{Subject: "A", Object: "B", Context: "A owns B"}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if _, err := c.Classify(context.Background(), Input{Subject: "C", Object: "D", Context: "C belongs to D"}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	stats := c.Stats()
	if stats.TotalClassifications != 2 {
		t.Fatalf("expected 2 classifications, got %d", stats.TotalClassifications)
	}
	if stats.AverageConfidence <= 0 {
		t.Fatalf("expected positive average confidence, got %f", stats.AverageConfidence)
	}
}
