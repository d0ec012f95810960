// Package classifier implements the relationship classifier: an
// ensemble of a deterministic pattern signal, a learned embedding
// signal, and a rule-based context signal, combined into a single
// confidence-weighted verdict.
package classifier

import (
	"container/list"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	brainy "github.com/brainydb/brainy"
	"github.com/brainydb/brainy/pkg/distance"
)

// Config holds ensemble tuning knobs.
type Config struct {
	PatternWeight      float64
	EmbeddingWeight    float64
	ContextWeight      float64
	MinConfidence      float64
	EmbeddingThreshold float64
	CacheSize          int
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config)

// DefaultConfig returns the ensemble weights and thresholds.
func DefaultConfig() Config {
	return Config{
		PatternWeight:      0.30,
		EmbeddingWeight:    0.55,
		ContextWeight:      0.15,
		MinConfidence:      0.60,
		EmbeddingThreshold: 0.70,
		CacheSize:          1024,
	}
}

// WithMinConfidence overrides the acceptance threshold.
func WithMinConfidence(v float64) ConfigOption { return func(c *Config) { c.MinConfidence = v } }

// WithCacheSize overrides the capacity used for each signal's LRU and
// the ensemble verdict cache.
func WithCacheSize(n int) ConfigOption { return func(c *Config) { c.CacheSize = n } }

// Input is the classifier's request: a subject/object pair, optional
// sentence context, and optional declared entity types.
type Input struct {
	Subject     string
	Object      string
	Context     string
	SubjectType brainy.NounType
	ObjectType  brainy.NounType
	// ContextVector, if set, skips the embedding signal's own embed
	// call (the caller already has one, e.g. from the query planner).
	ContextVector []float32
}

func (in Input) cacheKey() string {
	return strings.ToLower(strings.TrimSpace(in.Subject)) + "|" +
		strings.ToLower(strings.TrimSpace(in.Object)) + "|" +
		strings.ToLower(strings.TrimSpace(in.Context)) + "|" +
		in.SubjectType.String() + "|" + in.ObjectType.String()
}

// Source identifies whether the ensemble's verdict came from agreement
// across signals or a single dominant signal.
type Source string

const (
	SourceEnsemble Source = "ensemble"
	SourceSingle   Source = "best_signal"
)

// Evidence records one signal's contribution to the winning verdict.
type Evidence struct {
	Signal     string
	VerbType   brainy.VerbType
	Confidence float64
}

// Verdict is the classifier's final answer.
type Verdict struct {
	VerbType   brainy.VerbType
	Confidence float64
	Source     Source
	Evidence   []Evidence
}

// vote is one signal's opinion, or a null vote if Matched is false.
type vote struct {
	signal     string
	verbType   brainy.VerbType
	confidence float64
	matched    bool
}

// Embedder produces a context vector for a sentence, used by the
// embedding signal when Input.ContextVector is unset.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Classifier runs the pattern, embedding, and context signals in
// parallel and combines their votes. Each signal keeps its own LRU
// keyed by its normalized inputs; the ensemble keeps a fourth over the
// final verdict.
type Classifier struct {
	cfg      Config
	embedder Embedder
	catalog  []catalogEntry

	mu           sync.Mutex
	ensembleLRU  *lru
	patternLRU   *lru
	embeddingLRU *lru
	contextLRU   *lru
	stats        Stats
}

type catalogEntry struct {
	verbType brainy.VerbType
	vector   []float32
}

// New constructs a Classifier. catalog is the precomputed
// verb-keyword embedding table consulted by the embedding signal.
func New(embedder Embedder, catalog map[brainy.VerbType][]float32, opts ...ConfigOption) *Classifier {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	entries := make([]catalogEntry, 0, len(catalog))
	for vt, vec := range catalog {
		entries = append(entries, catalogEntry{verbType: vt, vector: vec})
	}
	return &Classifier{
		cfg:          cfg,
		embedder:     embedder,
		catalog:      entries,
		ensembleLRU:  newLRU(cfg.CacheSize),
		patternLRU:   newLRU(cfg.CacheSize),
		embeddingLRU: newLRU(cfg.CacheSize),
		contextLRU:   newLRU(cfg.CacheSize),
		stats:        Stats{CacheHits: make(map[string]int64)},
	}
}

// Classify runs the ensemble over in, returning the winning verdict or
// an error if no signal clears MinConfidence.
func (c *Classifier) Classify(ctx context.Context, in Input) (Verdict, error) {
	key := in.cacheKey()
	if v, ok := c.ensembleLRU.get(key); ok {
		c.recordHit("ensemble")
		return v.(Verdict), nil
	}

	var patternVote, contextVote, embeddingVote vote
	var err error
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); patternVote = c.patternSignal(in) }()
	go func() { defer wg.Done(); contextVote = c.contextSignal(in) }()
	go func() { defer wg.Done(); embeddingVote, err = c.embeddingSignal(ctx, in) }()
	wg.Wait()
	if err != nil {
		embeddingVote = vote{signal: "embedding"}
	}

	votes := []vote{patternVote, embeddingVote, contextVote}
	scores := make(map[brainy.VerbType]float64)
	signalsPerType := make(map[brainy.VerbType][]Evidence)

	weights := map[string]float64{
		"pattern":   c.cfg.PatternWeight,
		"embedding": c.cfg.EmbeddingWeight,
		"context":   c.cfg.ContextWeight,
	}

	for _, v := range votes {
		if !v.matched {
			continue
		}
		w := weights[v.signal]
		scores[v.verbType] += v.confidence * w
		signalsPerType[v.verbType] = append(signalsPerType[v.verbType], Evidence{
			Signal: v.signal, VerbType: v.verbType, Confidence: v.confidence,
		})
	}

	for vt, evs := range signalsPerType {
		if len(evs) > 1 {
			scores[vt] += 0.05 * float64(len(evs)-1)
		}
	}

	var bestType brainy.VerbType
	bestScore := -1.0
	for vt, score := range scores {
		if score > bestScore {
			bestScore = score
			bestType = vt
		}
	}

	if bestScore < 0 || bestScore < c.cfg.MinConfidence {
		return Verdict{}, fmt.Errorf("classifier: no signal reached min confidence %.2f (best %.2f)", c.cfg.MinConfidence, bestScore)
	}
	if bestScore > 1.0 {
		bestScore = 1.0
	}

	source := SourceSingle
	if len(signalsPerType[bestType]) > 1 {
		source = SourceEnsemble
	}

	verdict := Verdict{
		VerbType:   bestType,
		Confidence: bestScore,
		Source:     source,
		Evidence:   signalsPerType[bestType],
	}

	c.ensembleLRU.set(key, verdict)
	c.recordResult(source, bestScore)
	return verdict, nil
}

func (c *Classifier) recordHit(signal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.CacheHits[signal]++
}

func (c *Classifier) recordResult(source Source, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalClassifications++
	if source == SourceEnsemble {
		c.stats.EnsembleWins++
	} else {
		c.stats.SingleSignalWins++
	}
	n := float64(c.stats.TotalClassifications)
	c.stats.AverageConfidence = c.stats.AverageConfidence + (confidence-c.stats.AverageConfidence)/n
}

// Stats tracks ensemble-level statistics.
type Stats struct {
	TotalClassifications int64
	EnsembleWins         int64
	SingleSignalWins     int64
	AverageConfidence    float64
	CacheHits            map[string]int64
}

// Stats returns a snapshot of ensemble statistics.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.CacheHits = make(map[string]int64, len(c.stats.CacheHits))
	for k, v := range c.stats.CacheHits {
		out.CacheHits[k] = v
	}
	return out
}

// patternSignal evaluates the compiled rule families in priority
// order, the first family to clear its own confidence winning. Votes
// are cached per normalized haystack.
func (c *Classifier) patternSignal(in Input) vote {
	haystack := strings.ToLower(in.Subject + " " + in.Context + " " + in.Object)
	if v, ok := c.patternLRU.get(haystack); ok {
		c.recordHit("pattern")
		return v.(vote)
	}
	out := vote{signal: "pattern"}
	for _, rule := range patternRules {
		if rule.re.MatchString(haystack) {
			out = vote{signal: "pattern", verbType: rule.verbType, confidence: rule.confidence, matched: true}
			break
		}
	}
	c.patternLRU.set(haystack, out)
	return out
}

// contextSignal maps a declared (subject_type, object_type) pair to a
// built-in prior verb type, caching per type pair.
func (c *Classifier) contextSignal(in Input) vote {
	key := in.SubjectType.String() + "|" + in.ObjectType.String()
	if v, ok := c.contextLRU.get(key); ok {
		c.recordHit("context")
		return v.(vote)
	}
	out := vote{signal: "context"}
	if prior, ok := contextPriors[typePair{in.SubjectType, in.ObjectType}]; ok {
		out = vote{signal: "context", verbType: prior.verbType, confidence: prior.confidence, matched: true}
	}
	c.contextLRU.set(key, out)
	return out
}

// embeddingSignal compares the context vector against the catalog,
// returning the nearest verb type above the threshold. Votes derived
// from the context text (not a caller-supplied vector) are cached per
// normalized sentence, saving the embed call on a repeat.
func (c *Classifier) embeddingSignal(ctx context.Context, in Input) (vote, error) {
	if len(c.catalog) == 0 {
		return vote{signal: "embedding"}, nil
	}
	vec := in.ContextVector
	cacheKey := ""
	if vec == nil {
		text := strings.TrimSpace(in.Context)
		if c.embedder == nil || text == "" {
			return vote{signal: "embedding"}, nil
		}
		cacheKey = strings.ToLower(text)
		if v, ok := c.embeddingLRU.get(cacheKey); ok {
			c.recordHit("embedding")
			return v.(vote), nil
		}
		var err error
		vec, err = c.embedder.Embed(ctx, in.Context)
		if err != nil {
			return vote{signal: "embedding"}, err
		}
	}

	var bestType brainy.VerbType
	bestSim := float32(-2.0)
	for _, entry := range c.catalog {
		sim := distance.CosineSimilarity(vec, entry.vector)
		if sim > bestSim {
			bestSim = sim
			bestType = entry.verbType
		}
	}
	out := vote{signal: "embedding"}
	if float64(bestSim) >= c.cfg.EmbeddingThreshold {
		out = vote{signal: "embedding", verbType: bestType, confidence: float64(bestSim), matched: true}
	}
	if cacheKey != "" {
		c.embeddingLRU.set(cacheKey, out)
	}
	return out, nil
}

type patternRule struct {
	family     string
	re         *regexp.Regexp
	verbType   brainy.VerbType
	confidence float64
}

func rule(family, pattern string, vt brainy.VerbType, confidence float64) patternRule {
	return patternRule{family: family, re: regexp.MustCompile(pattern), verbType: vt, confidence: confidence}
}

// patternRules is sorted by descending confidence so the first match
// within a haystack is the highest-confidence rule that fired,
// matching the "higher-confidence patterns shadow lower" directive.
var patternRules = sortedRules([]patternRule{
	// ownership
	rule("ownership", `\bowns?\b`, brainy.VerbOwns, 0.92),
	rule("ownership", `\bbelongs? to\b`, brainy.VerbBelongsTo, 0.90),
	rule("ownership", `\bcontrols?\b`, brainy.VerbControls, 0.85),
	rule("ownership", `\bmanages?\b`, brainy.VerbManages, 0.85),
	rule("ownership", `\bacquired\b`, brainy.VerbOwns, 0.80),

	// part-whole
	rule("part_whole", `\bpart of\b`, brainy.VerbPartOf, 0.90),
	rule("part_whole", `\bcontains?\b`, brainy.VerbContains, 0.88),
	rule("part_whole", `\bcompose(d|s)? of\b`, brainy.VerbComposedOf, 0.85),
	rule("part_whole", `\bmember of\b`, brainy.VerbMemberOf, 0.88),
	rule("part_whole", `\bconsists? of\b`, brainy.VerbComposedOf, 0.82),

	// location
	rule("location", `\blocated in\b`, brainy.VerbLocatedIn, 0.90),
	rule("location", `\bbased in\b`, brainy.VerbLocatedIn, 0.85),
	rule("location", `\bnear\b`, brainy.VerbLocatedNear, 0.70),
	rule("location", `\boriginates? from\b`, brainy.VerbOriginatesFrom, 0.85),
	rule("location", `\btravel(s|ed)? to\b`, brainy.VerbTravelsTo, 0.82),

	// organizational
	rule("organizational", `\bworks? at\b`, brainy.VerbWorksAt, 0.90),
	rule("organizational", `\bworks? with\b`, brainy.VerbWorksWith, 0.85),
	rule("organizational", `\bemploys?\b`, brainy.VerbEmploys, 0.88),
	rule("organizational", `\breports? to\b`, brainy.VerbReportsTo, 0.88),
	rule("organizational", `\bcollaborat(es?|ed|ing) with\b`, brainy.VerbCollaboratesWith, 0.82),
	rule("organizational", `\bcompetes? with\b`, brainy.VerbCompetesWith, 0.82),

	// social
	rule("social", `\bknows?\b`, brainy.VerbKnows, 0.70),
	rule("social", `\bfriends? with\b`, brainy.VerbFriendsWith, 0.85),
	rule("social", `\bmarried to\b`, brainy.VerbMarriedTo, 0.92),
	rule("social", `\brelated to\b`, brainy.VerbRelatedTo, 0.75),
	rule("social", `\bfollows?\b`, brainy.VerbFollows, 0.70),

	// reference
	rule("reference", `\breferences?\b`, brainy.VerbReferences, 0.80),
	rule("reference", `\bcites?\b`, brainy.VerbCites, 0.85),
	rule("reference", `\bmentions?\b`, brainy.VerbMentions, 0.75),
	rule("reference", `\blinks? to\b`, brainy.VerbLinksTo, 0.78),
	rule("reference", `\bderived from\b`, brainy.VerbDerivedFrom, 0.82),

	// temporal
	rule("temporal", `\bprecedes?\b`, brainy.VerbPrecedes, 0.80),
	rule("temporal", `\bfollow(s|ed) (it )?in time\b`, brainy.VerbFollowsInTime, 0.78),
	rule("temporal", `\bconcurrent with\b`, brainy.VerbConcurrentWith, 0.80),
	rule("temporal", `\bscheduled for\b`, brainy.VerbScheduledFor, 0.82),

	// causal
	rule("causal", `\bcauses?\b`, brainy.VerbCauses, 0.88),
	rule("causal", `\bprevents?\b`, brainy.VerbPrevents, 0.85),
	rule("causal", `\benables?\b`, brainy.VerbEnables, 0.82),
	rule("causal", `\btriggers?\b`, brainy.VerbTriggers, 0.85),
	rule("causal", `\bresults? in\b`, brainy.VerbResultsIn, 0.82),

	// modal
	rule("modal", `\brequires?\b`, brainy.VerbRequires, 0.82),
	rule("modal", `\bdepends? on\b`, brainy.VerbDependsOn, 0.82),
	rule("modal", `\bsupports?\b`, brainy.VerbSupports, 0.78),
	rule("modal", `\bconflicts? with\b`, brainy.VerbConflictsWith, 0.80),

	// epistemic
	rule("epistemic", `\bbelieves?\b`, brainy.VerbBelieves, 0.75),
	rule("epistemic", `\bknows? that\b`, brainy.VerbKnowsThat, 0.78),
	rule("epistemic", `\bdoubts?\b`, brainy.VerbDoubts, 0.75),
	rule("epistemic", `\bconfirms?\b`, brainy.VerbConfirms, 0.80),

	// transformation
	rule("transformation", `\btransforms? into\b`, brainy.VerbTransformsInto, 0.85),
	rule("transformation", `\bproduces?\b`, brainy.VerbProduces, 0.80),
	rule("transformation", `\bconsumes?\b`, brainy.VerbConsumes, 0.78),
	rule("transformation", `\bmodifies?\b`, brainy.VerbModifies, 0.78),

	// classification
	rule("classification", `\bis an?\b`, brainy.VerbIsA, 0.85),
	rule("classification", `\binstance of\b`, brainy.VerbInstanceOf, 0.88),
	rule("classification", `\bsimilar to\b`, brainy.VerbSimilarTo, 0.78),
	rule("classification", `\bcategorized as\b`, brainy.VerbCategorizedAs, 0.82),

	// implementation
	rule("implementation", `\bimplements?\b`, brainy.VerbImplements, 0.85),
	rule("implementation", `\bextends?\b`, brainy.VerbExtends, 0.82),
	rule("implementation", `\buses?\b`, brainy.VerbUses, 0.70),
	rule("implementation", `\bdepends? on\b.*\b(library|package|framework)\b`, brainy.VerbDependsOnTech, 0.80),

	// interaction
	rule("interaction", `\bcommunicates? with\b`, brainy.VerbCommunicatesWith, 0.80),
	rule("interaction", `\binteracts? with\b`, brainy.VerbInteractsWith, 0.78),
	rule("interaction", `\bobserves?\b`, brainy.VerbObserves, 0.75),
	rule("interaction", `\bresponds? to\b`, brainy.VerbRespondsTo, 0.78),
})

func sortedRules(rules []patternRule) []patternRule {
	out := make([]patternRule, len(rules))
	copy(out, rules)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].confidence > out[j-1].confidence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type typePair struct {
	subject brainy.NounType
	object  brainy.NounType
}

type contextPrior struct {
	verbType   brainy.VerbType
	confidence float64
}

// contextPriors maps a declared (subject_type, object_type) pair to a
// built-in prior, e.g. Person -> Organization implies works_with.
var contextPriors = map[typePair]contextPrior{
	{brainy.NounPerson, brainy.NounOrganization}:   {brainy.VerbWorksWith, 0.75},
	{brainy.NounOrganization, brainy.NounPerson}:   {brainy.VerbEmploys, 0.70},
	{brainy.NounPerson, brainy.NounPerson}:         {brainy.VerbKnows, 0.55},
	{brainy.NounOrganization, brainy.NounLocation}: {brainy.VerbLocatedIn, 0.70},
	{brainy.NounDocument, brainy.NounDocument}:     {brainy.VerbReferences, 0.60},
	{brainy.NounConcept, brainy.NounConcept}:       {brainy.VerbRelatedTo, 0.55},
}

// lru is a minimal string-keyed LRU, built on container/list, shared by
// the ensemble verdict cache and (via its own instance) each signal.
type lru struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	index map[string]*list.Element
}

type lruEntry struct {
	key   string
	value any
}

func newLRU(cap int) *lru {
	if cap <= 0 {
		cap = 1
	}
	return &lru{cap: cap, order: list.New(), index: make(map[string]*list.Element)}
}

func (l *lru) get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.index[key]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (l *lru) set(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.index[key]; ok {
		el.Value.(*lruEntry).value = value
		l.order.MoveToFront(el)
		return
	}
	el := l.order.PushFront(&lruEntry{key: key, value: value})
	l.index[key] = el
	for l.order.Len() > l.cap {
		back := l.order.Back()
		if back == nil {
			break
		}
		l.order.Remove(back)
		delete(l.index, back.Value.(*lruEntry).key)
	}
}
