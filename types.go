package brainy

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NounType is a closed enumeration of entity tags. ParseNounType maps
// unknown tags to NounCustom; the original string is not retained.
type NounType int

const (
	NounUnknown NounType = iota
	NounPerson
	NounOrganization
	NounLocation
	NounDocument
	NounEvent
	NounConcept
	NounProcess
	NounProduct
	NounProject
	NounTask
	NounGoal
	NounSkill
	NounTool
	NounResource
	NounAsset
	NounAccount
	NounGroup
	NounRole
	NounPolicy
	NounRule
	NounContract
	NounAgreement
	NounTransaction
	NounMessage
	NounConversation
	NounTopic
	NounCategory
	NounTag
	NounAttribute
	NounMetric
	NounDataset
	NounModel
	NounAlgorithm
	NounExperiment
	NounHypothesis
	NounObservation
	NounIssue
	NounRisk
	NounOpportunity
	NounCustom
)

var nounTypeNames = map[NounType]string{
	NounUnknown:      "unknown",
	NounPerson:       "person",
	NounOrganization: "organization",
	NounLocation:     "location",
	NounDocument:     "document",
	NounEvent:        "event",
	NounConcept:      "concept",
	NounProcess:      "process",
	NounProduct:      "product",
	NounProject:      "project",
	NounTask:         "task",
	NounGoal:         "goal",
	NounSkill:        "skill",
	NounTool:         "tool",
	NounResource:     "resource",
	NounAsset:        "asset",
	NounAccount:      "account",
	NounGroup:        "group",
	NounRole:         "role",
	NounPolicy:       "policy",
	NounRule:         "rule",
	NounContract:     "contract",
	NounAgreement:    "agreement",
	NounTransaction:  "transaction",
	NounMessage:      "message",
	NounConversation: "conversation",
	NounTopic:        "topic",
	NounCategory:     "category",
	NounTag:          "tag",
	NounAttribute:    "attribute",
	NounMetric:       "metric",
	NounDataset:      "dataset",
	NounModel:        "model",
	NounAlgorithm:    "algorithm",
	NounExperiment:   "experiment",
	NounHypothesis:   "hypothesis",
	NounObservation:  "observation",
	NounIssue:        "issue",
	NounRisk:         "risk",
	NounOpportunity:  "opportunity",
	NounCustom:       "custom",
}

var nounTypeByName = invertNounNames(nounTypeNames)

func invertNounNames(m map[NounType]string) map[string]NounType {
	out := make(map[string]NounType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// String returns the canonical lowercase tag for t.
func (t NounType) String() string {
	if name, ok := nounTypeNames[t]; ok {
		return name
	}
	return "custom"
}

// ParseNounType maps a string tag to a NounType, falling back to
// NounCustom for anything outside the closed enumeration.
func ParseNounType(s string) NounType {
	if t, ok := nounTypeByName[s]; ok {
		return t
	}
	return NounCustom
}

// VerbType is a closed enumeration of relationship tags grouped by
// family (ownership, part-of, temporal, causal, modal, epistemic, ...).
// Unknown tags map to VerbCustom.
type VerbType int

const (
	VerbUnknown VerbType = iota

	// Ownership family
	VerbOwns
	VerbBelongsTo
	VerbControls
	VerbManages

	// Part-of family
	VerbPartOf
	VerbContains
	VerbComposedOf
	VerbMemberOf

	// Location family
	VerbLocatedIn
	VerbLocatedNear
	VerbOriginatesFrom
	VerbTravelsTo

	// Organizational family
	VerbWorksAt
	VerbWorksWith
	VerbEmploys
	VerbReportsTo
	VerbCollaboratesWith
	VerbCompetesWith

	// Social family
	VerbKnows
	VerbFriendsWith
	VerbMarriedTo
	VerbRelatedTo
	VerbFollows

	// Reference family
	VerbReferences
	VerbCites
	VerbMentions
	VerbLinksTo
	VerbDerivedFrom

	// Temporal family
	VerbPrecedes
	VerbFollowsInTime
	VerbConcurrentWith
	VerbScheduledFor

	// Causal family
	VerbCauses
	VerbPrevents
	VerbEnables
	VerbTriggers
	VerbResultsIn

	// Modal family
	VerbRequires
	VerbDependsOn
	VerbSupports
	VerbConflictsWith

	// Epistemic family
	VerbBelieves
	VerbKnowsThat
	VerbDoubts
	VerbConfirms

	// Transformation family
	VerbTransformsInto
	VerbProduces
	VerbConsumes
	VerbModifies

	// Classification family
	VerbIsA
	VerbInstanceOf
	VerbSimilarTo
	VerbCategorizedAs

	// Implementation family
	VerbImplements
	VerbExtends
	VerbUses
	VerbDependsOnTech

	// Interaction family
	VerbCommunicatesWith
	VerbInteractsWith
	VerbObserves
	VerbRespondsTo

	VerbCustom
)

var verbTypeNames = map[VerbType]string{
	VerbUnknown:          "unknown",
	VerbOwns:             "owns",
	VerbBelongsTo:        "belongs_to",
	VerbControls:         "controls",
	VerbManages:          "manages",
	VerbPartOf:           "part_of",
	VerbContains:         "contains",
	VerbComposedOf:       "composed_of",
	VerbMemberOf:         "member_of",
	VerbLocatedIn:        "located_in",
	VerbLocatedNear:      "located_near",
	VerbOriginatesFrom:   "originates_from",
	VerbTravelsTo:        "travels_to",
	VerbWorksAt:          "works_at",
	VerbWorksWith:        "works_with",
	VerbEmploys:          "employs",
	VerbReportsTo:        "reports_to",
	VerbCollaboratesWith: "collaborates_with",
	VerbCompetesWith:     "competes_with",
	VerbKnows:            "knows",
	VerbFriendsWith:      "friends_with",
	VerbMarriedTo:        "married_to",
	VerbRelatedTo:        "related_to",
	VerbFollows:          "follows",
	VerbReferences:       "references",
	VerbCites:            "cites",
	VerbMentions:         "mentions",
	VerbLinksTo:          "links_to",
	VerbDerivedFrom:      "derived_from",
	VerbPrecedes:         "precedes",
	VerbFollowsInTime:    "follows_in_time",
	VerbConcurrentWith:   "concurrent_with",
	VerbScheduledFor:     "scheduled_for",
	VerbCauses:           "causes",
	VerbPrevents:         "prevents",
	VerbEnables:          "enables",
	VerbTriggers:         "triggers",
	VerbResultsIn:        "results_in",
	VerbRequires:         "requires",
	VerbDependsOn:        "depends_on",
	VerbSupports:         "supports",
	VerbConflictsWith:    "conflicts_with",
	VerbBelieves:         "believes",
	VerbKnowsThat:        "knows_that",
	VerbDoubts:           "doubts",
	VerbConfirms:         "confirms",
	VerbTransformsInto:   "transforms_into",
	VerbProduces:         "produces",
	VerbConsumes:         "consumes",
	VerbModifies:         "modifies",
	VerbIsA:              "is_a",
	VerbInstanceOf:       "instance_of",
	VerbSimilarTo:        "similar_to",
	VerbCategorizedAs:    "categorized_as",
	VerbImplements:       "implements",
	VerbExtends:          "extends",
	VerbUses:             "uses",
	VerbDependsOnTech:    "depends_on_tech",
	VerbCommunicatesWith: "communicates_with",
	VerbInteractsWith:    "interacts_with",
	VerbObserves:         "observes",
	VerbRespondsTo:       "responds_to",
	VerbCustom:           "custom",
}

var verbTypeByName = invertVerbNames(verbTypeNames)

func invertVerbNames(m map[VerbType]string) map[string]VerbType {
	out := make(map[string]VerbType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// String returns the canonical lowercase tag for t.
func (t VerbType) String() string {
	if name, ok := verbTypeNames[t]; ok {
		return name
	}
	return "custom"
}

// ParseVerbType maps a string tag to a VerbType, falling back to
// VerbCustom for anything outside the closed enumeration.
func ParseVerbType(s string) VerbType {
	if t, ok := verbTypeByName[s]; ok {
		return t
	}
	return VerbCustom
}

// Timestamp mirrors the on-disk {"seconds":..,"nanoseconds":..} shape
// used by every blob in the keyspace.
type Timestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

// NewTimestamp converts a time.Time to the on-disk representation.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// Time converts the on-disk representation back to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanoseconds)).UTC()
}

// CreatorTag records which augmentation or client produced an entity,
// mirroring the "created_by" field of the on-disk blob format.
type CreatorTag struct {
	Augmentation string `json:"augmentation,omitempty"`
	Version      string `json:"version,omitempty"`
}

// Noun is a typed entity with an immutable vector.
type Noun struct {
	ID         string         `json:"id"`
	Type       NounType       `json:"type"`
	Vector     []float32      `json:"vector"`
	CreatedAt  Timestamp      `json:"created_at"`
	UpdatedAt  Timestamp      `json:"updated_at"`
	CreatedBy  CreatorTag     `json:"created_by,omitempty"`
	Label      string         `json:"label,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone returns a deep-enough copy of n suitable for cache storage
// (independent vector and attribute backing arrays).
func (n *Noun) Clone() *Noun {
	if n == nil {
		return nil
	}
	out := *n
	if n.Vector != nil {
		out.Vector = append([]float32(nil), n.Vector...)
	}
	if n.Attributes != nil {
		out.Attributes = make(map[string]any, len(n.Attributes))
		for k, v := range n.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Verb is a directed, typed edge between two nouns.
type Verb struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       VerbType       `json:"type"`
	CreatedAt  Timestamp      `json:"created_at"`
	UpdatedAt  Timestamp      `json:"updated_at"`
	CreatedBy  CreatorTag     `json:"created_by,omitempty"`
	Weight     *float64       `json:"weight,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Label      string         `json:"label,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Vector     []float32      `json:"vector,omitempty"`
}

// Clone returns a deep-enough copy of v suitable for cache storage.
func (v *Verb) Clone() *Verb {
	if v == nil {
		return nil
	}
	out := *v
	if v.Vector != nil {
		out.Vector = append([]float32(nil), v.Vector...)
	}
	if v.Attributes != nil {
		out.Attributes = make(map[string]any, len(v.Attributes))
		for k, val := range v.Attributes {
			out.Attributes[k] = val
		}
	}
	if v.Weight != nil {
		w := *v.Weight
		out.Weight = &w
	}
	if v.Confidence != nil {
		c := *v.Confidence
		out.Confidence = &c
	}
	return &out
}

// DefaultVerbWeight is applied when a verb is created without an
// explicit weight.
const DefaultVerbWeight = 0.5

// WeightOrDefault returns v.Weight if set, else DefaultVerbWeight.
func (v *Verb) WeightOrDefault() float64 {
	if v.Weight != nil {
		return *v.Weight
	}
	return DefaultVerbWeight
}

// Statistics is the single process-wide record of the database:
// per-type counts, the field-name catalog, and the HNSW index size.
// It is eventually consistent and flushed to disk in batches.
type Statistics struct {
	TotalNounCount int64            `json:"total_noun_count"`
	TotalVerbCount int64            `json:"total_verb_count"`
	NounTypeCounts map[string]int64 `json:"noun_type_counts"`
	VerbTypeCounts map[string]int64 `json:"verb_type_counts"`
	FieldCatalog   map[string]bool  `json:"field_catalog"`
	HNSWIndexSize  int64            `json:"hnsw_index_size"`
	LastFlushedAt  Timestamp        `json:"last_flushed_at"`
}

// FieldNames returns the discovered attribute-field catalog in
// deterministic lexicographic order, since the underlying map carries
// no iteration guarantee and statistics output must be stable.
func (s Statistics) FieldNames() []string {
	names := maps.Keys(s.FieldCatalog)
	slices.Sort(names)
	return names
}

// NounTypeNames returns the noun types present in NounTypeCounts in
// deterministic lexicographic order.
func (s Statistics) NounTypeNames() []string {
	names := maps.Keys(s.NounTypeCounts)
	slices.Sort(names)
	return names
}

// VerbTypeNames returns the verb types present in VerbTypeCounts in
// deterministic lexicographic order.
func (s Statistics) VerbTypeNames() []string {
	names := maps.Keys(s.VerbTypeCounts)
	slices.Sort(names)
	return names
}
