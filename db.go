package brainy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainydb/brainy/internal/logging"
	"github.com/brainydb/brainy/pkg/backpressure"
	"github.com/brainydb/brainy/pkg/cache"
	"github.com/brainydb/brainy/pkg/coordinator"
	"github.com/brainydb/brainy/pkg/distance"
	"github.com/brainydb/brainy/pkg/engine"
	"github.com/brainydb/brainy/pkg/hnsw"
	"github.com/brainydb/brainy/pkg/partition"
	"github.com/brainydb/brainy/pkg/pipeline"
	"github.com/brainydb/brainy/pkg/planner"
	"github.com/brainydb/brainy/pkg/searchcache"
	"github.com/brainydb/brainy/pkg/storage"
)

// DB is an open database instance, wiring the storage engine,
// partitioned HNSW index, search coordinator, caches, and augmentation
// pipeline together behind the database's public operations.
type DB struct {
	cfg    Config
	logger logging.Logger

	eng *engine.Engine
	idx *partition.Index

	coord       *coordinator.Coordinator
	plan        *planner.Planner
	embedder    Embedder
	searchCache *searchcache.Cache
	bp          *backpressure.Controller
	pipe        *pipeline.Pipeline
	auditLog    *pipeline.AuditLog
	auditSink   *sqliteAuditSink
	sessionID   string

	dimMu sync.Mutex
	dim   int

	relMu      sync.RWMutex
	bySource   map[string][]string
	byTarget   map[string][]string
	byVerbType map[string][]string
	edges      map[string]verbEdge

	fieldMu      sync.Mutex
	fieldCatalog map[string]bool

	closed atomicBool
}

// verbEdge is the in-memory adjacency record backing GetRelations and
// the planner's graph-boost traversal. The storage engine does not
// maintain secondary indices (they are optional), so this
// is rebuilt from scratch at Open time and kept current on every
// Relate/Unrelate.
type verbEdge struct {
	id       string
	source   string
	target   string
	verbType string
}

// atomicBool is a tiny guard against use-after-Shutdown.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomicBool) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *atomicBool) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// Open constructs a database from cfg, wiring every component: the
// storage engine over the configured backend, the partitioned HNSW
// index behind the search coordinator, the search-result cache, and
// the built-in cache/metrics/audit augmentations over the dispatch
// pipeline. A nil cfg uses DefaultConfig.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ExpectedNodes > 0 {
		preset := ScalePreset(cfg.ExpectedNodes)
		cfg.Partition.MaxNodesPerPartition = preset.Partition.MaxNodesPerPartition
		cfg.HNSW = preset.HNSW
		cfg.Cache.HotMax = preset.Cache.HotMax
		cfg.Cache.WarmMax = preset.Cache.WarmMax
		cfg.Concurrency.Max = preset.Concurrency.Max
	}

	lg := wrapConfigLogger(cfg.Logger)

	backend, err := storage.New(ctx, storage.Options{
		Kind:        storage.Kind(cfg.Storage.Kind),
		Bucket:      cfg.Storage.Bucket,
		Prefix:      cfg.Storage.Prefix,
		Region:      cfg.Storage.Region,
		Credentials: cfg.Storage.Credentials,
		LocalPath:   cfg.Storage.LocalPath,
	})
	if err != nil {
		return nil, wrapError("open_storage", err)
	}

	bp := backpressure.New(nil)
	if strings.EqualFold(os.Getenv("BRAINY_FORCE_HIGH_VOLUME"), "true") {
		bp.ForceHighVolume()
	}

	entityCache := cache.New(cfg.Cache.HotMax, cfg.Cache.WarmMax, cfg.Cache.MaxAge)

	db := &DB{
		cfg:          *cfg,
		logger:       lg,
		embedder:     cfg.Embedder,
		bp:           bp,
		bySource:     make(map[string][]string),
		byTarget:     make(map[string][]string),
		byVerbType:   make(map[string][]string),
		edges:        make(map[string]verbEdge),
		fieldCatalog: make(map[string]bool),
		sessionID:    uuid.New().String(),
		dim:          cfg.Dimension,
	}

	eng, err := engine.New(ctx, engine.Options{
		Backend:          backend,
		Cache:            entityCache,
		Backpressure:     bp,
		Logger:           lg,
		OnInvalidate:     db.invalidateSearchCache,
		StatisticsExtra:  db.statisticsSnapshot,
		WriteBufferSize:  64,
		WriteBufferAge:   200 * time.Millisecond,
		WriteConcurrency: maxOf(cfg.Concurrency.Max, 4),
	})
	if err != nil {
		bp.Close()
		return nil, wrapError("open_engine", err)
	}
	db.eng = eng

	distFn := distance.ByName(cfg.DistanceKind)
	db.idx = partition.New(partition.Config{
		MaxNodesPerPartition: cfg.Partition.MaxNodesPerPartition,
		Strategy:             partition.Strategy(cfg.Partition.Strategy),
		AutoTune:             cfg.Partition.AutoTune,
		HNSW: hnsw.Config{
			M:              cfg.HNSW.M,
			EfConstruction: cfg.HNSW.EfConstruction,
			EfSearch:       cfg.HNSW.EfSearch,
			ML:             cfg.HNSW.ML,
			Distance:       distFn,
		},
		Distance: distFn,
	})

	db.coord = coordinator.New(db.idx, 50*time.Millisecond, bp.HighVolume)
	db.plan = planner.New(&coordinatorSearcher{db.coord}, db.plannerEmbedder())

	if err := db.rebuildAdjacency(ctx); err != nil {
		db.logger.Warn("adjacency rebuild incomplete", "err", err)
	}

	if cfg.SearchCache.Enabled {
		db.searchCache = searchcache.New(cfg.SearchCache.MaxSize, cfg.SearchCache.TTL)
	}

	db.pipe = pipeline.New(db.dispatch)
	if db.searchCache != nil {
		db.pipe.Use(db.cacheAugmentation())
	}
	db.pipe.Use(pipeline.NewMetricsAugmentation(db.recordMetric))

	var sink func(pipeline.AuditEntry) error
	if cfg.AuditSQLiteDSN != "" {
		s, err := openAuditSink(cfg.AuditSQLiteDSN)
		if err != nil {
			return nil, wrapError("open_audit_sink", err)
		}
		db.auditSink = s
		sink = s.sink
	}
	db.auditLog = pipeline.NewAuditLog(1000, sink)
	db.pipe.Use(pipeline.NewAuditAugmentation(db.auditLog, db.sessionID, pipeline.DigestString))

	return db, nil
}

// Use registers a caller-supplied augmentation on the dispatch
// pipeline, following its priority ordering rules.
func (db *DB) Use(a pipeline.Augmentation) {
	db.pipe.Use(a)
}

// AuditLog exposes the recent audit-log ring buffer.
func (db *DB) AuditLog() []pipeline.AuditEntry {
	return db.auditLog.Recent()
}

// SearchCacheStats reports the search-result cache's hit/miss/eviction
// counters; zero stats when the cache is disabled.
func (db *DB) SearchCacheStats() searchcache.Stats {
	if db.searchCache == nil {
		return searchcache.Stats{}
	}
	return db.searchCache.Stats()
}

func maxOf(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

// coordinatorSearcher adapts *coordinator.Coordinator to the
// planner.Searcher interface, converting the string strategy name and
// hnsw.Result slice at the boundary.
type coordinatorSearcher struct {
	c *coordinator.Coordinator
}

func (s *coordinatorSearcher) Search(ctx context.Context, vector []float32, k int, strategy string) ([]planner.SearchResult, error) {
	results, err := s.c.Search(ctx, vector, k, coordinator.Strategy(strategy))
	out := make([]planner.SearchResult, len(results))
	for i, r := range results {
		out[i] = planner.SearchResult{ID: r.ID, Distance: r.Distance}
	}
	return out, err
}

func (db *DB) plannerEmbedder() planner.Embedder {
	if db.embedder == nil {
		return nil
	}
	return db.embedder
}

// cacheAugmentation builds the search-result cache hook directly
// (rather than through pipeline.NewCacheAugmentation) so it can honor
// FindRequest.SkipCache and bypass attribute-predicate queries, whose
// semantics require full-attribute evaluation on every call.
func (db *DB) cacheAugmentation() pipeline.Augmentation {
	mutating := map[pipeline.Op]bool{
		pipeline.OpAdd: true, pipeline.OpUpdate: true, pipeline.OpDelete: true,
		pipeline.OpRelate: true, pipeline.OpUnrelate: true, pipeline.OpClear: true,
		pipeline.OpRestore: true,
	}
	return pipeline.Augmentation{
		Name:     "search_cache",
		Priority: 50,
		Timing:   pipeline.Around,
		Ops: map[pipeline.Op]bool{
			pipeline.OpSearch: true, pipeline.OpAdd: true, pipeline.OpUpdate: true,
			pipeline.OpDelete: true, pipeline.OpRelate: true, pipeline.OpUnrelate: true,
			pipeline.OpClear: true, pipeline.OpRestore: true,
		},
		Around: func(ctx context.Context, op pipeline.Op, params any, next pipeline.Next) (any, error) {
			if mutating[op] {
				result, err := next()
				if err == nil {
					db.searchCache.InvalidateAll()
				}
				return result, err
			}
			req, ok := params.(FindRequest)
			if !ok || req.SkipCache || (req.Filter != nil && len(req.Filter.Attributes) > 0) {
				return next()
			}
			key := db.fingerprint(req)
			if v, ok := db.searchCache.Get(key); ok {
				return v, nil
			}
			result, err := next()
			if err == nil {
				db.searchCache.Set(key, result)
			}
			return result, err
		},
	}
}

func (db *DB) fingerprint(req FindRequest) string {
	vector := req.Vector
	if len(vector) == 0 && req.Query != "" && db.embedder != nil {
		if v, err := db.embedder.Embed(context.Background(), req.Query); err == nil {
			vector = v
		}
	}
	filters := map[string]string{}
	if req.Filter != nil {
		for i, t := range req.Filter.Types {
			filters[fmt.Sprintf("type.%d", i)] = t.String()
		}
	}
	return searchcache.Fingerprint(vector, req.K, filters)
}

func (db *DB) recordMetric(op pipeline.Op, d time.Duration, success bool) {
	db.logger.Debug("op_complete", "op", string(op), "duration_ms", d.Milliseconds(), "success", success)
}

func (db *DB) invalidateSearchCache() {
	if db.searchCache != nil {
		db.searchCache.InvalidateAll()
	}
}

// rebuildAdjacency re-derives the source/target/verb-type adjacency
// index by sweeping every verb at Open time, since it is not itself
// persisted (secondary indices are optional and may be rebuilt
// from the canonical keyspace).
func (db *DB) rebuildAdjacency(ctx context.Context) error {
	cursor := ""
	for {
		keys, next, err := db.eng.ListVerbs(ctx, cursor, 500)
		if err != nil {
			return err
		}
		for _, key := range keys {
			id := idFromKey(key)
			vb, mb, gerr := db.eng.GetVerb(ctx, id)
			if gerr != nil {
				continue
			}
			db.trackVerb(id, mb.SourceID, mb.TargetID, vb.Type)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	// Re-populate the HNSW index itself from persisted nouns.
	cursor = ""
	for {
		keys, next, err := db.eng.ListNouns(ctx, cursor, 500)
		if err != nil {
			return err
		}
		for _, key := range keys {
			id := idFromKey(key)
			vb, _, gerr := db.eng.GetNoun(ctx, id)
			if gerr != nil {
				continue
			}
			if len(vb.Vector) > 0 {
				_ = db.idx.Insert(id, vb.Vector)
				if db.dim == 0 {
					db.dim = len(vb.Vector)
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil
}

func idFromKey(key string) string {
	base := key
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".json")
}

func timestampMap(t time.Time) map[string]any {
	return map[string]any{"seconds": t.Unix(), "nanoseconds": t.Nanosecond()}
}

func timestampFromMap(m map[string]any) Timestamp {
	if m == nil {
		return Timestamp{}
	}
	return Timestamp{Seconds: toInt64(m["seconds"]), Nanoseconds: int32(toInt64(m["nanoseconds"]))}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func blobToNoun(vb engine.VectorBlob, mb engine.MetadataBlob) *Noun {
	return &Noun{
		ID:         vb.ID,
		Type:       ParseNounType(vb.Type),
		Vector:     vb.Vector,
		CreatedAt:  timestampFromMap(vb.CreatedAt),
		UpdatedAt:  timestampFromMap(vb.UpdatedAt),
		Label:      mb.Label,
		Attributes: mb.Attributes,
	}
}

func blobToVerb(vb engine.VectorBlob, mb engine.MetadataBlob) *Verb {
	return &Verb{
		ID:         vb.ID,
		SourceID:   mb.SourceID,
		TargetID:   mb.TargetID,
		Type:       ParseVerbType(vb.Type),
		CreatedAt:  timestampFromMap(vb.CreatedAt),
		UpdatedAt:  timestampFromMap(vb.UpdatedAt),
		Weight:     mb.Weight,
		Confidence: mb.Confidence,
		Label:      mb.Label,
		Attributes: mb.Attributes,
		Vector:     vb.Vector,
	}
}

func (db *DB) trackNounFields(attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	db.fieldMu.Lock()
	defer db.fieldMu.Unlock()
	for k := range attrs {
		db.fieldCatalog[k] = true
	}
}

func (db *DB) trackVerb(id, source, target, verbType string) {
	db.relMu.Lock()
	defer db.relMu.Unlock()
	db.edges[id] = verbEdge{id: id, source: source, target: target, verbType: verbType}
	db.bySource[source] = append(db.bySource[source], id)
	db.byTarget[target] = append(db.byTarget[target], id)
	db.byVerbType[verbType] = append(db.byVerbType[verbType], id)
}

func (db *DB) untrackVerb(id string) {
	db.relMu.Lock()
	defer db.relMu.Unlock()
	e, ok := db.edges[id]
	if !ok {
		return
	}
	delete(db.edges, id)
	db.bySource[e.source] = removeString(db.bySource[e.source], id)
	db.byTarget[e.target] = removeString(db.byTarget[e.target], id)
	db.byVerbType[e.verbType] = removeString(db.byVerbType[e.verbType], id)
}

func removeString(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func matchesVerbTypeSet(set map[string]bool, verbType string) bool {
	if len(set) == 0 {
		return true
	}
	return set[verbType]
}

// graphNeighbors satisfies planner.Neighbors over the in-memory
// adjacency index, used by Find's graph-boost phase.
func (db *DB) graphNeighbors(ctx context.Context, id string, t planner.Traversal) []string {
	db.relMu.RLock()
	defer db.relMu.RUnlock()
	var out []string
	if t.Outgoing {
		for _, vid := range db.bySource[id] {
			if e, ok := db.edges[vid]; ok && matchesVerbTypeSet(t.VerbType, e.verbType) {
				out = append(out, e.target)
			}
		}
	}
	if t.Incoming {
		for _, vid := range db.byTarget[id] {
			if e, ok := db.edges[vid]; ok && matchesVerbTypeSet(t.VerbType, e.verbType) {
				out = append(out, e.source)
			}
		}
	}
	return out
}

func (db *DB) isDangling(id string) bool {
	return !db.idx.Has(id)
}

func (db *DB) checkDimension(n int) error {
	db.dimMu.Lock()
	defer db.dimMu.Unlock()
	if n == 0 {
		return ErrInvalidInput
	}
	if db.dim == 0 {
		db.dim = n
		return nil
	}
	if db.dim != n {
		return &DimensionError{Expected: db.dim, Actual: n}
	}
	return nil
}

// dispatch is the pipeline's built-in handler, the terminal of the
// around/replace chain for every operation.
func (db *DB) dispatch(ctx context.Context, op pipeline.Op, params any) (any, error) {
	switch op {
	case pipeline.OpAdd:
		return db.doAdd(ctx, params.(AddRequest))
	case pipeline.OpUpdate:
		return nil, db.doUpdate(ctx, params.(UpdateRequest))
	case pipeline.OpDelete:
		return nil, db.doDelete(ctx, params.(string))
	case pipeline.OpGet:
		return db.doGet(ctx, params.(string))
	case pipeline.OpSearch:
		return db.doFind(ctx, params.(FindRequest))
	case pipeline.OpRelate:
		return db.doRelate(ctx, params.(RelateRequest))
	case pipeline.OpUnrelate:
		return nil, db.doUnrelate(ctx, params.(string))
	case pipeline.OpList:
		return db.doList(ctx, params.(ListRequest))
	case pipeline.OpClear:
		return nil, db.doClear(ctx)
	case pipeline.OpBackup:
		return db.doBackup(ctx)
	case pipeline.OpRestore:
		return nil, db.doRestore(ctx, params.(*BackupDocument))
	default:
		return nil, fmt.Errorf("brainy: unsupported operation %q", op)
	}
}

// AddRequest is the input to Add.
type AddRequest struct {
	ID       string
	Type     NounType
	Vector   []float32
	Label    string
	Metadata map[string]any
}

// Add inserts a new noun, assigning a random id when ID is empty.
func (db *DB) Add(ctx context.Context, req AddRequest) (string, error) {
	if db.closed.get() {
		return "", ErrClosed
	}
	result, err := db.pipe.Dispatch(ctx, pipeline.OpAdd, req)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (db *DB) doAdd(ctx context.Context, req AddRequest) (string, error) {
	if len(req.Vector) == 0 {
		return "", ErrInvalidInput
	}
	if err := db.checkDimension(len(req.Vector)); err != nil {
		return "", err
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	// Re-adding an existing id is an upsert: one logical state, both
	// calls succeed, no double counting.
	exists := db.idx.Has(id)
	now := timestampMap(time.Now())
	vb := engine.VectorBlob{
		ID: id, Type: req.Type.String(), Vector: req.Vector,
		CreatedAt: now, UpdatedAt: now,
		CreatedBy: map[string]any{"augmentation": "add", "version": "1"},
	}
	mb := engine.MetadataBlob{ID: id, Label: req.Label, Attributes: req.Metadata}
	if err := db.eng.SaveNoun(ctx, vb, mb, !exists); err != nil {
		return "", wrapError("add", err)
	}
	if exists {
		_ = db.idx.Delete(id)
	}
	if err := db.idx.Insert(id, req.Vector); err != nil {
		return "", wrapError("add_index", err)
	}
	db.trackNounFields(req.Metadata)
	return id, nil
}

// UpdateRequest is the input to Update; nil fields are left unchanged.
type UpdateRequest struct {
	ID       string
	Vector   []float32
	Label    *string
	Metadata map[string]any
}

// Update replaces a noun's vector and/or metadata in place.
func (db *DB) Update(ctx context.Context, req UpdateRequest) error {
	if db.closed.get() {
		return ErrClosed
	}
	_, err := db.pipe.Dispatch(ctx, pipeline.OpUpdate, req)
	return err
}

func (db *DB) doUpdate(ctx context.Context, req UpdateRequest) error {
	vb, mb, err := db.eng.GetNoun(ctx, req.ID)
	if err != nil {
		if err == engine.ErrNotFound {
			return ErrNotFound
		}
		return wrapError("update", err)
	}
	if len(req.Vector) > 0 {
		if err := db.checkDimension(len(req.Vector)); err != nil {
			return err
		}
		vb.Vector = req.Vector
	}
	if req.Label != nil {
		mb.Label = *req.Label
	}
	if req.Metadata != nil {
		mb.Attributes = req.Metadata
	}
	vb.UpdatedAt = timestampMap(time.Now())
	if err := db.eng.SaveNoun(ctx, vb, mb, false); err != nil {
		return wrapError("update", err)
	}
	if len(req.Vector) > 0 {
		_ = db.idx.Delete(req.ID)
		if err := db.idx.Insert(req.ID, req.Vector); err != nil {
			return wrapError("update_index", err)
		}
	}
	db.trackNounFields(req.Metadata)
	return nil
}

// Delete removes a noun and every verb will subsequently resolve it as
// a dangling endpoint (invariant: deletion does not cascade).
func (db *DB) Delete(ctx context.Context, id string) error {
	if db.closed.get() {
		return ErrClosed
	}
	_, err := db.pipe.Dispatch(ctx, pipeline.OpDelete, id)
	return err
}

func (db *DB) doDelete(ctx context.Context, id string) error {
	vb, _, err := db.eng.GetNoun(ctx, id)
	if err != nil {
		if err == engine.ErrNotFound {
			return ErrNotFound
		}
		return wrapError("delete", err)
	}
	if err := db.eng.DeleteNoun(ctx, id, vb.Type); err != nil {
		return wrapError("delete", err)
	}
	_ = db.idx.Delete(id)
	return nil
}

// Get retrieves a single noun by id.
func (db *DB) Get(ctx context.Context, id string) (*Noun, error) {
	if db.closed.get() {
		return nil, ErrClosed
	}
	result, err := db.pipe.Dispatch(ctx, pipeline.OpGet, id)
	if err != nil {
		return nil, err
	}
	return result.(*Noun), nil
}

func (db *DB) doGet(ctx context.Context, id string) (*Noun, error) {
	vb, mb, err := db.eng.GetNoun(ctx, id)
	if err != nil {
		if err == engine.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, wrapError("get", err)
	}
	return blobToNoun(vb, mb), nil
}

// ListRequest is the input to ListNouns: a cursor from a prior page
// (empty for the first), a page size, and an optional type filter
// applied after the scan.
type ListRequest struct {
	Cursor string
	Limit  int
	Type   *NounType
}

// ListResponse is one page of a noun scan; Cursor is empty when the
// sweep across shards 00->ff is exhausted.
type ListResponse struct {
	Nouns  []*Noun
	Cursor string
}

// ListNouns pages through every noun in deterministic shard order,
// the cursor encoding a (shard, continuation-token) position.
func (db *DB) ListNouns(ctx context.Context, req ListRequest) (ListResponse, error) {
	if db.closed.get() {
		return ListResponse{}, ErrClosed
	}
	result, err := db.pipe.Dispatch(ctx, pipeline.OpList, req)
	if err != nil {
		return ListResponse{}, err
	}
	return result.(ListResponse), nil
}

func (db *DB) doList(ctx context.Context, req ListRequest) (ListResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	db.eng.FlushWrites(ctx)
	keys, next, err := db.eng.ListNouns(ctx, req.Cursor, limit)
	if err != nil {
		return ListResponse{}, wrapError("list", err)
	}
	out := ListResponse{Cursor: next}
	for _, key := range keys {
		id := idFromKey(key)
		vb, mb, gerr := db.eng.GetNoun(ctx, id)
		if gerr != nil {
			continue
		}
		if req.Type != nil && vb.Type != req.Type.String() {
			continue
		}
		out.Nouns = append(out.Nouns, blobToNoun(vb, mb))
	}
	return out, nil
}

// RelateRequest is the input to Relate. Source and target must resolve
// to existing nouns at write time; reads tolerate
// dangling edges afterward.
type RelateRequest struct {
	ID         string
	From       string
	To         string
	Type       VerbType
	Weight     *float64
	Confidence *float64
	Label      string
	Metadata   map[string]any
	Vector     []float32
}

// Relate creates a verb from From to To.
func (db *DB) Relate(ctx context.Context, req RelateRequest) (string, error) {
	if db.closed.get() {
		return "", ErrClosed
	}
	result, err := db.pipe.Dispatch(ctx, pipeline.OpRelate, req)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (db *DB) doRelate(ctx context.Context, req RelateRequest) (string, error) {
	if req.From == "" || req.To == "" {
		return "", ErrInvalidInput
	}
	if !db.idx.Has(req.From) || !db.idx.Has(req.To) {
		return "", wrapError("relate", ErrInvalidInput)
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := timestampMap(time.Now())
	vb := engine.VectorBlob{ID: id, Type: req.Type.String(), Vector: req.Vector, CreatedAt: now, UpdatedAt: now}
	mb := engine.MetadataBlob{
		ID: id, SourceID: req.From, TargetID: req.To,
		Weight: req.Weight, Confidence: req.Confidence,
		Label: req.Label, Attributes: req.Metadata,
	}
	if err := db.eng.SaveVerb(ctx, vb, mb, true); err != nil {
		return "", wrapError("relate", err)
	}
	db.trackVerb(id, req.From, req.To, req.Type.String())
	db.trackNounFields(req.Metadata)
	return id, nil
}

// Unrelate removes a verb by id.
func (db *DB) Unrelate(ctx context.Context, id string) error {
	if db.closed.get() {
		return ErrClosed
	}
	_, err := db.pipe.Dispatch(ctx, pipeline.OpUnrelate, id)
	return err
}

func (db *DB) doUnrelate(ctx context.Context, id string) error {
	vb, _, err := db.eng.GetVerb(ctx, id)
	if err != nil {
		if err == engine.ErrNotFound {
			return ErrNotFound
		}
		return wrapError("unrelate", err)
	}
	if err := db.eng.DeleteVerb(ctx, id, vb.Type); err != nil {
		return wrapError("unrelate", err)
	}
	db.untrackVerb(id)
	return nil
}

// Filter narrows Find/Similar results by noun type and exact
// attribute match. An attribute filter forces full-attribute
// evaluation and bypasses the search-result cache.
type Filter struct {
	Types      []NounType
	Attributes map[string]any
}

// GraphTraversal configures Find's graph-boost phase.
type GraphTraversal struct {
	FromIDs   []string
	VerbTypes []VerbType
	Direction string // "out" (default), "in", or "both"
	MaxDepth  int
	Alpha     float64
	Beta      float64
}

// FindRequest is the input to Find.
type FindRequest struct {
	Query           string
	Vector          []float32
	K               int
	Filter          *Filter
	FilterSlack     int
	Traversal       *GraphTraversal
	Strategy        SearchStrategy
	SkipCache       bool
	IncludeVectors  bool
	IncludeMetadata bool
	ExcludeDangling bool
}

// FindHit is one ranked result.
type FindHit struct {
	ID          string
	Score       float64
	Depth       *int
	Explanation string
	Noun        *Noun
}

// FindResponse is Find's result: the ranked hits plus a flag set when
// some shard's search failed and the result is best-effort.
type FindResponse struct {
	Hits    []FindHit
	Partial bool
}

// Find runs the hybrid query planner: vectorize, vector recall,
// metadata filter, optional graph-traversal boost, truncate to K.
func (db *DB) Find(ctx context.Context, req FindRequest) (FindResponse, error) {
	if db.closed.get() {
		return FindResponse{}, ErrClosed
	}
	result, err := db.pipe.Dispatch(ctx, pipeline.OpSearch, req)
	if err != nil {
		return FindResponse{}, err
	}
	return result.(FindResponse), nil
}

func (db *DB) doFind(ctx context.Context, req FindRequest) (FindResponse, error) {
	vector := req.Vector
	if len(vector) == 0 && req.Query != "" {
		if db.embedder == nil {
			return FindResponse{}, ErrInvalidInput
		}
		v, err := db.embedder.Embed(ctx, req.Query)
		if err != nil {
			return FindResponse{}, wrapError("find_embed", err)
		}
		vector = v
	}
	if len(vector) == 0 {
		return FindResponse{}, ErrInvalidInput
	}

	var trav *planner.Traversal
	var neighborsFn planner.Neighbors
	if req.Traversal != nil && len(req.Traversal.FromIDs) > 0 {
		t := &planner.Traversal{
			FromIDs:  req.Traversal.FromIDs,
			MaxDepth: req.Traversal.MaxDepth,
			Alpha:    req.Traversal.Alpha,
			Beta:     req.Traversal.Beta,
		}
		switch req.Traversal.Direction {
		case "in":
			t.Incoming = true
		case "both":
			t.Outgoing, t.Incoming = true, true
		default:
			t.Outgoing = true
		}
		if len(req.Traversal.VerbTypes) > 0 {
			t.VerbType = make(map[string]bool, len(req.Traversal.VerbTypes))
			for _, vt := range req.Traversal.VerbTypes {
				t.VerbType[vt.String()] = true
			}
		}
		trav = t
		neighborsFn = db.graphNeighbors
	}

	hits, partial, err := db.plan.Find(ctx, planner.Request{
		Vector:          vector,
		K:               req.K,
		Filter:          db.buildFilter(req.Filter),
		FilterSlack:     req.FilterSlack,
		Traversal:       trav,
		Neighbors:       neighborsFn,
		Strategy:        string(req.Strategy),
		ExcludeDangling: req.ExcludeDangling,
		IsDangling:      db.isDangling,
	})
	if err != nil {
		return FindResponse{}, wrapError("find", err)
	}

	out := make([]FindHit, len(hits))
	ids := make([]string, len(hits))
	for i, h := range hits {
		out[i] = FindHit{ID: h.ID, Score: h.Score, Depth: h.Depth, Explanation: h.Explanation}
		ids[i] = h.ID
		if req.IncludeVectors || req.IncludeMetadata {
			if n, gerr := db.doGet(ctx, h.ID); gerr == nil {
				if !req.IncludeVectors {
					n.Vector = nil
				}
				if !req.IncludeMetadata {
					n.Label = ""
					n.Attributes = nil
				}
				out[i].Noun = n
			}
		}
	}
	if db.cfg.Cache.EnablePrefetch {
		db.eng.PrefetchNouns(context.Background(), ids, db.idx.Neighbors, db.cfg.Cache.PrefetchSize)
	}
	return FindResponse{Hits: out, Partial: partial}, nil
}

func (db *DB) buildFilter(f *Filter) planner.NounFilter {
	if f == nil {
		return nil
	}
	return func(id string) bool {
		vb, mb, err := db.eng.GetNoun(context.Background(), id)
		if err != nil {
			return false
		}
		if len(f.Types) > 0 {
			match := false
			for _, t := range f.Types {
				if t.String() == vb.Type {
					match = true
					break
				}
			}
			if !match {
				return false
			}
		}
		for k, v := range f.Attributes {
			if mb.Attributes == nil {
				return false
			}
			av, ok := mb.Attributes[k]
			if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", v) {
				return false
			}
		}
		return true
	}
}

// SimilarRequest is the input to Similar: either an existing noun's id
// (whose stored vector is used as the query) or an explicit vector.
type SimilarRequest struct {
	ID        string
	Vector    []float32
	K         int
	Filter    *Filter
	Threshold *float64
}

// Similar is Find specialized to "nearest neighbors of an existing
// entity or raw vector", with an optional minimum-score cutoff.
func (db *DB) Similar(ctx context.Context, req SimilarRequest) (FindResponse, error) {
	vector := req.Vector
	if len(vector) == 0 && req.ID != "" {
		n, err := db.Get(ctx, req.ID)
		if err != nil {
			return FindResponse{}, err
		}
		vector = n.Vector
	}
	resp, err := db.Find(ctx, FindRequest{Vector: vector, K: req.K, Filter: req.Filter, Strategy: SearchAdaptive})
	if err != nil {
		return FindResponse{}, err
	}
	if req.Threshold != nil {
		filtered := resp.Hits[:0]
		for _, h := range resp.Hits {
			if h.Score >= *req.Threshold {
				filtered = append(filtered, h)
			}
		}
		resp.Hits = filtered
	}
	return resp, nil
}

// GetRelationsRequest narrows GetRelations by endpoint and/or type;
// any combination of nil fields means "don't filter on this".
type GetRelationsRequest struct {
	From            *string
	To              *string
	Type            *VerbType
	ExcludeDangling bool
}

// GetRelations returns verbs matching req, served from the in-memory
// adjacency index maintained by Relate/Unrelate.
func (db *DB) GetRelations(ctx context.Context, req GetRelationsRequest) ([]*Verb, error) {
	if db.closed.get() {
		return nil, ErrClosed
	}
	db.relMu.RLock()
	var candidates []verbEdge
	switch {
	case req.From != nil:
		for _, vid := range db.bySource[*req.From] {
			if e, ok := db.edges[vid]; ok {
				candidates = append(candidates, e)
			}
		}
	case req.To != nil:
		for _, vid := range db.byTarget[*req.To] {
			if e, ok := db.edges[vid]; ok {
				candidates = append(candidates, e)
			}
		}
	case req.Type != nil:
		for _, vid := range db.byVerbType[req.Type.String()] {
			if e, ok := db.edges[vid]; ok {
				candidates = append(candidates, e)
			}
		}
	default:
		for _, e := range db.edges {
			candidates = append(candidates, e)
		}
	}
	db.relMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	out := make([]*Verb, 0, len(candidates))
	for _, e := range candidates {
		if req.Type != nil && e.verbType != req.Type.String() {
			continue
		}
		if req.ExcludeDangling && (!db.idx.Has(e.source) || !db.idx.Has(e.target)) {
			continue
		}
		vb, mb, err := db.eng.GetVerb(ctx, e.id)
		if err != nil {
			continue
		}
		out = append(out, blobToVerb(vb, mb))
	}
	return out, nil
}

// Clear removes every noun and verb, resetting the index and
// search-result cache. It is a blanket reset, not a mutating op that
// the cache augmentation can short-circuit cheaply, so it sweeps the
// full keyspace.
func (db *DB) Clear(ctx context.Context) error {
	if db.closed.get() {
		return ErrClosed
	}
	_, err := db.pipe.Dispatch(ctx, pipeline.OpClear, nil)
	return err
}

func (db *DB) doClear(ctx context.Context) error {
	db.eng.FlushWrites(ctx)
	cursor := ""
	for {
		keys, next, err := db.eng.ListNouns(ctx, cursor, 500)
		if err != nil {
			return wrapError("clear", err)
		}
		for _, key := range keys {
			id := idFromKey(key)
			if vb, _, gerr := db.eng.GetNoun(ctx, id); gerr == nil {
				_ = db.eng.DeleteNoun(ctx, id, vb.Type)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	cursor = ""
	for {
		keys, next, err := db.eng.ListVerbs(ctx, cursor, 500)
		if err != nil {
			return wrapError("clear", err)
		}
		for _, key := range keys {
			id := idFromKey(key)
			if vb, _, gerr := db.eng.GetVerb(ctx, id); gerr == nil {
				_ = db.eng.DeleteVerb(ctx, id, vb.Type)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	db.idx.Clear()

	db.relMu.Lock()
	db.bySource = make(map[string][]string)
	db.byTarget = make(map[string][]string)
	db.byVerbType = make(map[string][]string)
	db.edges = make(map[string]verbEdge)
	db.relMu.Unlock()

	db.fieldMu.Lock()
	db.fieldCatalog = make(map[string]bool)
	db.fieldMu.Unlock()

	return nil
}

// GetStatistics returns the current (eventually consistent) process
// statistics record.
func (db *DB) GetStatistics(ctx context.Context) Statistics {
	return db.statisticsRecord()
}

func (db *DB) statisticsRecord() Statistics {
	counts := db.eng.Counts()

	db.fieldMu.Lock()
	fields := make(map[string]bool, len(db.fieldCatalog))
	for k := range db.fieldCatalog {
		fields[k] = true
	}
	db.fieldMu.Unlock()

	return Statistics{
		TotalNounCount: counts.TotalNouns,
		TotalVerbCount: counts.TotalVerbs,
		NounTypeCounts: counts.NounTypes,
		VerbTypeCounts: counts.VerbTypes,
		FieldCatalog:   fields,
		HNSWIndexSize:  db.idx.Size(),
		LastFlushedAt:  NewTimestamp(db.eng.LastFlush()),
	}
}

// statisticsSnapshot is the engine's statistics provider: it supplies
// the full record persisted to _system/statistics.json on every flush.
// Guarded against the brief window during Open where the engine exists
// but the index does not yet.
func (db *DB) statisticsSnapshot() any {
	if db.eng == nil || db.idx == nil {
		return Statistics{}
	}
	return db.statisticsRecord()
}

// BackupDocument is the portable export produced by Backup and consumed
// by Restore: every noun and verb, with ids and timestamps preserved.
type BackupDocument struct {
	Version   int       `json:"version"`
	CreatedAt Timestamp `json:"created_at"`
	Nouns     []*Noun   `json:"nouns"`
	Verbs     []*Verb   `json:"verbs"`
}

// Backup exports the full database through the pipeline (backup
// op), so augmentations observe it like any other operation.
func (db *DB) Backup(ctx context.Context) (*BackupDocument, error) {
	if db.closed.get() {
		return nil, ErrClosed
	}
	result, err := db.pipe.Dispatch(ctx, pipeline.OpBackup, nil)
	if err != nil {
		return nil, err
	}
	return result.(*BackupDocument), nil
}

func (db *DB) doBackup(ctx context.Context) (*BackupDocument, error) {
	db.eng.FlushWrites(ctx)
	doc := &BackupDocument{Version: 1, CreatedAt: NewTimestamp(time.Now())}
	cursor := ""
	for {
		keys, next, err := db.eng.ListNouns(ctx, cursor, 500)
		if err != nil {
			return nil, wrapError("backup", err)
		}
		for _, key := range keys {
			id := idFromKey(key)
			if vb, mb, gerr := db.eng.GetNoun(ctx, id); gerr == nil {
				doc.Nouns = append(doc.Nouns, blobToNoun(vb, mb))
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	cursor = ""
	for {
		keys, next, err := db.eng.ListVerbs(ctx, cursor, 500)
		if err != nil {
			return nil, wrapError("backup", err)
		}
		for _, key := range keys {
			id := idFromKey(key)
			if vb, mb, gerr := db.eng.GetVerb(ctx, id); gerr == nil {
				doc.Verbs = append(doc.Verbs, blobToVerb(vb, mb))
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return doc, nil
}

// Restore loads a BackupDocument into the database, preserving ids and
// timestamps. It assumes a cleared target: entities already present
// under the same ids are overwritten and double-counted, so call Clear
// first when restoring over live data. Restore is a mutating op and
// wipes the search cache.
func (db *DB) Restore(ctx context.Context, doc *BackupDocument) error {
	if db.closed.get() {
		return ErrClosed
	}
	if doc == nil {
		return ErrInvalidInput
	}
	_, err := db.pipe.Dispatch(ctx, pipeline.OpRestore, doc)
	return err
}

func (db *DB) doRestore(ctx context.Context, doc *BackupDocument) error {
	for _, n := range doc.Nouns {
		if len(n.Vector) == 0 {
			continue
		}
		if err := db.checkDimension(len(n.Vector)); err != nil {
			return err
		}
		vb := engine.VectorBlob{
			ID: n.ID, Type: n.Type.String(), Vector: n.Vector,
			CreatedAt: timestampMap(n.CreatedAt.Time()),
			UpdatedAt: timestampMap(n.UpdatedAt.Time()),
		}
		mb := engine.MetadataBlob{ID: n.ID, Label: n.Label, Attributes: n.Attributes}
		if err := db.eng.SaveNoun(ctx, vb, mb, true); err != nil {
			return wrapError("restore", err)
		}
		if err := db.idx.Insert(n.ID, n.Vector); err != nil {
			return wrapError("restore_index", err)
		}
		db.trackNounFields(n.Attributes)
	}
	for _, v := range doc.Verbs {
		vb := engine.VectorBlob{
			ID: v.ID, Type: v.Type.String(), Vector: v.Vector,
			CreatedAt: timestampMap(v.CreatedAt.Time()),
			UpdatedAt: timestampMap(v.UpdatedAt.Time()),
		}
		mb := engine.MetadataBlob{
			ID: v.ID, SourceID: v.SourceID, TargetID: v.TargetID,
			Weight: v.Weight, Confidence: v.Confidence,
			Label: v.Label, Attributes: v.Attributes,
		}
		if err := db.eng.SaveVerb(ctx, vb, mb, true); err != nil {
			return wrapError("restore", err)
		}
		db.trackVerb(v.ID, v.SourceID, v.TargetID, v.Type.String())
	}
	return nil
}

// Shutdown flushes the write buffer and statistics, closes the audit
// sink, and stops background loops.
func (db *DB) Shutdown(ctx context.Context) error {
	db.closed.set(true)
	db.coord.Close()
	if db.auditSink != nil {
		_ = db.auditSink.Close()
	}
	db.bp.Close()
	return db.eng.Shutdown(ctx)
}

// wrapConfigLogger adapts the small Debug/Info/Warn/Error interface
// accepted by Config.Logger to the richer internal/logging.Logger
// interface the rest of the module expects, defaulting to a no-op
// logger when cfg.Logger is nil.
func wrapConfigLogger(l interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}) logging.Logger {
	if l == nil {
		return logging.Nop()
	}
	return configLoggerAdapter{inner: l}
}

type configLoggerAdapter struct {
	inner interface {
		Debug(msg string, keyvals ...any)
		Info(msg string, keyvals ...any)
		Warn(msg string, keyvals ...any)
		Error(msg string, keyvals ...any)
	}
	kv []any
}

func (a configLoggerAdapter) Debug(msg string, keyvals ...any) {
	a.inner.Debug(msg, append(append([]any{}, a.kv...), keyvals...)...)
}

func (a configLoggerAdapter) Info(msg string, keyvals ...any) {
	a.inner.Info(msg, append(append([]any{}, a.kv...), keyvals...)...)
}

func (a configLoggerAdapter) Warn(msg string, keyvals ...any) {
	a.inner.Warn(msg, append(append([]any{}, a.kv...), keyvals...)...)
}

func (a configLoggerAdapter) Error(msg string, keyvals ...any) {
	a.inner.Error(msg, append(append([]any{}, a.kv...), keyvals...)...)
}

func (a configLoggerAdapter) With(keyvals ...any) logging.Logger {
	return configLoggerAdapter{inner: a.inner, kv: append(append([]any{}, a.kv...), keyvals...)}
}
