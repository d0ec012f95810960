// Package engine implements the storage engine: the UUID-prefix
// sharded key layout over a pluggable backend, CRUD for nouns/verbs,
// cursor-paginated listing, and the statistics record's flush cadence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brainydb/brainy/internal/logging"
	"github.com/brainydb/brainy/pkg/backpressure"
	"github.com/brainydb/brainy/pkg/cache"
	"github.com/brainydb/brainy/pkg/storage"
	"github.com/brainydb/brainy/pkg/writebuffer"
)

// ErrNotFound mirrors storage.ErrNotFound at the engine's API surface.
var ErrNotFound = storage.ErrNotFound

// ErrCorrupted indicates a blob failed to decode.
var ErrCorrupted = errors.New("engine: corrupted blob")

const (
	minFlushInterval    = 5 * time.Second
	maxFlushLag         = 30 * time.Second
	pendingPollInterval = 200 * time.Millisecond
	maxThrottleRetries  = 5
)

// VectorBlob is the on-disk shape of entities/{kind}/vectors/{ss}/{uuid}.json.
type VectorBlob struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Vector    []float32      `json:"vector"`
	CreatedAt map[string]any `json:"created_at"`
	UpdatedAt map[string]any `json:"updated_at"`
	CreatedBy map[string]any `json:"created_by,omitempty"`
}

// MetadataBlob is the on-disk shape of entities/{kind}/metadata/{ss}/{uuid}.json.
type MetadataBlob struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// Verb-only fields; empty for nouns.
	SourceID   string   `json:"source_id,omitempty"`
	TargetID   string   `json:"target_id,omitempty"`
	Weight     *float64 `json:"weight,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// CountsBlob is _system/counts.json.
type CountsBlob struct {
	TotalNouns int64            `json:"total_noun_count"`
	TotalVerbs int64            `json:"total_verb_count"`
	NounTypes  map[string]int64 `json:"noun_type_counts"`
	VerbTypes  map[string]int64 `json:"verb_type_counts"`
}

// shardOf returns the lowercase first two hex characters of a UUID
// string, the storage shard id.
func shardOf(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) < 2 {
		return "00"
	}
	return strings.ToLower(clean[:2])
}

func nounVectorKey(id string) string {
	return fmt.Sprintf("entities/nouns/vectors/%s/%s.json", shardOf(id), id)
}
func nounMetaKey(id string) string {
	return fmt.Sprintf("entities/nouns/metadata/%s/%s.json", shardOf(id), id)
}
func verbVectorKey(id string) string {
	return fmt.Sprintf("entities/verbs/vectors/%s/%s.json", shardOf(id), id)
}
func verbMetaKey(id string) string {
	return fmt.Sprintf("entities/verbs/metadata/%s/%s.json", shardOf(id), id)
}

// Engine ties the keyspace layout to the backend, the multi-tier
// cache, the write buffer, and the admission controller.
type Engine struct {
	backend storage.Backend
	logger  logging.Logger
	bp      *backpressure.Controller

	hotCache *cache.Cache
	nounBuf  *writebuffer.Buffer
	verbBuf  *writebuffer.Buffer

	nounCoalescer *writebuffer.Coalescer
	verbCoalescer *writebuffer.Coalescer

	mu     sync.Mutex
	counts CountsBlob

	statsMu   sync.Mutex
	lastFlush time.Time
	dirty     int32

	quarMu      sync.Mutex
	quarantined map[string]string

	onInvalidate func()
	statsExtra   func() any

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures Engine construction.
type Options struct {
	Backend      storage.Backend
	Cache        *cache.Cache
	Backpressure *backpressure.Controller
	Logger       logging.Logger
	// OnInvalidate is called after any successful mutation, wired to
	// the search cache's blanket invalidation.
	OnInvalidate func()
	// StatisticsExtra, when set, supplies the process-wide statistics
	// record persisted to _system/statistics.json alongside the counts
	// file on every flush. The returned value must be
	// json-marshalable.
	StatisticsExtra  func() any
	WriteBufferSize  int
	WriteBufferAge   time.Duration
	WriteConcurrency int
}

// New constructs an Engine. On init, it attempts to load
// _system/counts.json; if absent, it performs the one permitted full
// scan to recover counts.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	e := &Engine{
		backend:      opts.Backend,
		logger:       opts.Logger,
		bp:           opts.Backpressure,
		hotCache:     opts.Cache,
		onInvalidate: opts.OnInvalidate,
		statsExtra:   opts.StatisticsExtra,
		quarantined:  make(map[string]string),
		stopCh:       make(chan struct{}),
		counts: CountsBlob{
			NounTypes: make(map[string]int64),
			VerbTypes: make(map[string]int64),
		},
	}

	if err := e.backend.Init(ctx); err != nil {
		return nil, wrapErr("init", err)
	}

	if err := e.loadCounts(ctx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if err := e.recoverCounts(ctx); err != nil {
				return nil, wrapErr("recover_counts", err)
			}
		} else {
			return nil, wrapErr("load_counts", err)
		}
	}

	e.nounBuf = writebuffer.New(e.writeNoun, opts.WriteBufferSize, opts.WriteBufferAge, maxOr(opts.WriteConcurrency, 4))
	e.verbBuf = writebuffer.New(e.writeVerb, opts.WriteBufferSize, opts.WriteBufferAge, maxOr(opts.WriteConcurrency, 4))
	e.nounCoalescer = writebuffer.NewCoalescer(e.fetchNoun)
	e.verbCoalescer = writebuffer.NewCoalescer(e.fetchVerb)

	e.wg.Add(1)
	go e.flushStatisticsLoop()

	if e.bp != nil {
		e.wg.Add(1)
		go e.pendingMonitorLoop()
	}

	return e, nil
}

// pendingMonitorLoop keeps the admission controller's pending-op
// estimate current as buffered writes drain in the background, not
// just at the moment a new write is added.
func (e *Engine) pendingMonitorLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.notePending()
		case <-e.stopCh:
			return
		}
	}
}

func maxOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

func (e *Engine) loadCounts(ctx context.Context) error {
	data, err := e.backend.Get(ctx, "_system/counts.json")
	if err != nil {
		return err
	}
	var c CountsBlob
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if c.NounTypes == nil {
		c.NounTypes = make(map[string]int64)
	}
	if c.VerbTypes == nil {
		c.VerbTypes = make(map[string]int64)
	}
	e.mu.Lock()
	e.counts = c
	e.mu.Unlock()
	return nil
}

// recoverCounts performs the one permitted init-time full scan, used
// only when _system/counts.json is missing.
func (e *Engine) recoverCounts(ctx context.Context) error {
	nounKeys, err := e.scanAll(ctx, "entities/nouns/vectors/")
	if err != nil {
		return err
	}
	verbKeys, err := e.scanAll(ctx, "entities/verbs/vectors/")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.counts.TotalNouns = int64(len(nounKeys))
	e.counts.TotalVerbs = int64(len(verbKeys))
	e.mu.Unlock()
	return nil
}

func (e *Engine) scanAll(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	token := ""
	for {
		keys, next, err := e.backend.List(ctx, prefix, token, 1000)
		if err != nil {
			return nil, err
		}
		all = append(all, keys...)
		if next == "" {
			break
		}
		token = next
	}
	return all, nil
}

// acquire wraps a backend call with the admission semaphore, if one is
// configured, classifying throttling errors. Throttled
// calls are retried up to maxThrottleRetries attempts; each failed
// attempt shrinks the controller's capacity and may arm its backoff
// window, so later attempts wait inside Acquire.
func (e *Engine) acquire(ctx context.Context, op func() error) error {
	if e.bp == nil {
		return op()
	}
	var err error
	for attempt := 0; attempt < maxThrottleRetries; attempt++ {
		var permit *backpressure.Permit
		permit, err = e.bp.Acquire(ctx)
		if err != nil {
			return err
		}
		err = op()
		throttled := isThrottled(err)
		permit.Release(err == nil, throttled)
		if !throttled {
			return err
		}
		e.logger.Warn("backend throttled", "attempt", attempt+1)
	}
	return err
}

func isThrottled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrThrottled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota")
}

func (e *Engine) writeNoun(ctx context.Context, id string, item any) error {
	pair := item.(blobPair)
	return e.acquire(ctx, func() error {
		if err := e.backend.Put(ctx, nounVectorKey(id), pair.vector, "application/json"); err != nil {
			return err
		}
		return e.backend.Put(ctx, nounMetaKey(id), pair.metadata, "application/json")
	})
}

func (e *Engine) writeVerb(ctx context.Context, id string, item any) error {
	pair := item.(blobPair)
	return e.acquire(ctx, func() error {
		if err := e.backend.Put(ctx, verbVectorKey(id), pair.vector, "application/json"); err != nil {
			return err
		}
		return e.backend.Put(ctx, verbMetaKey(id), pair.metadata, "application/json")
	})
}

type blobPair struct {
	vector   []byte
	metadata []byte
}

// SaveNoun upserts a noun's vector and metadata blobs, bumping the
// counts and invalidating the search cache on success.
func (e *Engine) SaveNoun(ctx context.Context, vb VectorBlob, mb MetadataBlob, isNew bool) error {
	vbytes, err := json.Marshal(vb)
	if err != nil {
		return err
	}
	mbytes, err := json.Marshal(mb)
	if err != nil {
		return err
	}
	e.nounBuf.Add(vb.ID, blobPair{vector: vbytes, metadata: mbytes})
	e.notePending()

	if e.hotCache != nil {
		e.hotCache.Set("noun:"+vb.ID, &noun{vector: vb, metadata: mb})
	}
	if isNew {
		e.mu.Lock()
		e.counts.TotalNouns++
		e.counts.NounTypes[vb.Type]++
		e.mu.Unlock()
		atomic.StoreInt32(&e.dirty, 1)
	}
	e.invalidate()
	return nil
}

// SaveVerb upserts a verb's vector and metadata blobs.
func (e *Engine) SaveVerb(ctx context.Context, vb VectorBlob, mb MetadataBlob, isNew bool) error {
	vbytes, err := json.Marshal(vb)
	if err != nil {
		return err
	}
	mbytes, err := json.Marshal(mb)
	if err != nil {
		return err
	}
	e.verbBuf.Add(vb.ID, blobPair{vector: vbytes, metadata: mbytes})
	e.notePending()

	if e.hotCache != nil {
		e.hotCache.Set("verb:"+vb.ID, &verb{vector: vb, metadata: mb})
	}
	if isNew {
		e.mu.Lock()
		e.counts.TotalVerbs++
		e.counts.VerbTypes[vb.Type]++
		e.mu.Unlock()
		atomic.StoreInt32(&e.dirty, 1)
	}
	e.invalidate()
	return nil
}

type noun struct {
	vector   VectorBlob
	metadata MetadataBlob
}

type verb struct {
	vector   VectorBlob
	metadata MetadataBlob
}

// fetchNoun loads a noun's vector and metadata blobs straight from the
// backend, bypassing the cache; it is the Coalescer's FetchFunc, so
// concurrent misses for the same id share this one call.
func (e *Engine) fetchNoun(ctx context.Context, id string) (any, error) {
	var vb VectorBlob
	var mb MetadataBlob
	err := e.acquire(ctx, func() error {
		vdata, err := e.backend.Get(ctx, nounVectorKey(id))
		if err != nil {
			return err
		}
		mdata, err := e.backend.Get(ctx, nounMetaKey(id))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(vdata, &vb); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if err := json.Unmarshal(mdata, &mb); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &noun{vector: vb, metadata: mb}, nil
}

// GetNoun retrieves a noun's vector and metadata, consulting the cache
// before the backend. Cache misses are routed through nounCoalescer so
// concurrent requests for the same id attach to the same in-flight
// backend fetch instead of each issuing their own.
func (e *Engine) GetNoun(ctx context.Context, id string) (VectorBlob, MetadataBlob, error) {
	if e.isQuarantined(id) {
		return VectorBlob{}, MetadataBlob{}, ErrNotFound
	}
	if e.hotCache != nil {
		if v, tier := e.hotCache.Get("noun:" + id); tier != cache.TierMiss {
			n := v.(*noun)
			return n.vector, n.metadata, nil
		}
	}
	v, err := e.nounCoalescer.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return VectorBlob{}, MetadataBlob{}, ErrNotFound
		}
		if errors.Is(err, ErrCorrupted) {
			e.quarantine(id, err)
			return VectorBlob{}, MetadataBlob{}, ErrNotFound
		}
		return VectorBlob{}, MetadataBlob{}, err
	}
	n := v.(*noun)
	if e.hotCache != nil {
		e.hotCache.Set("noun:"+id, n)
	}
	return n.vector, n.metadata, nil
}

// HasNounCached reports whether id's noun is present in either cache
// tier without touching the backend, used to decide what to skip
// during predictive prefetch.
func (e *Engine) HasNounCached(id string) bool {
	if e.hotCache == nil {
		return false
	}
	_, tier := e.hotCache.Get("noun:" + id)
	return tier != cache.TierMiss
}

// PrefetchNouns asynchronously warms the cache for up to prefetchSize
// neighbor ids of ids that aren't already cached, fetching each
// through GetNoun (and therefore through the request coalescer on a
// cache miss). Errors are discarded: prefetch is best-effort.
func (e *Engine) PrefetchNouns(ctx context.Context, ids []string, neighbors cache.NeighborLookup, prefetchSize int) {
	cache.Prefetch(ids, neighbors, e.HasNounCached, prefetchSize, func(id string) {
		_, _, _ = e.GetNoun(ctx, id)
	})
}

// fetchVerb is verbCoalescer's FetchFunc, the verb-side equivalent of
// fetchNoun.
func (e *Engine) fetchVerb(ctx context.Context, id string) (any, error) {
	var vb VectorBlob
	var mb MetadataBlob
	err := e.acquire(ctx, func() error {
		vdata, err := e.backend.Get(ctx, verbVectorKey(id))
		if err != nil {
			return err
		}
		mdata, err := e.backend.Get(ctx, verbMetaKey(id))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(vdata, &vb); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if err := json.Unmarshal(mdata, &mb); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &verb{vector: vb, metadata: mb}, nil
}

// GetVerb retrieves a verb's vector and metadata, routing cache misses
// through verbCoalescer.
func (e *Engine) GetVerb(ctx context.Context, id string) (VectorBlob, MetadataBlob, error) {
	if e.isQuarantined(id) {
		return VectorBlob{}, MetadataBlob{}, ErrNotFound
	}
	if e.hotCache != nil {
		if v, tier := e.hotCache.Get("verb:" + id); tier != cache.TierMiss {
			x := v.(*verb)
			return x.vector, x.metadata, nil
		}
	}
	v, err := e.verbCoalescer.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return VectorBlob{}, MetadataBlob{}, ErrNotFound
		}
		if errors.Is(err, ErrCorrupted) {
			e.quarantine(id, err)
			return VectorBlob{}, MetadataBlob{}, ErrNotFound
		}
		return VectorBlob{}, MetadataBlob{}, err
	}
	x := v.(*verb)
	if e.hotCache != nil {
		e.hotCache.Set("verb:"+id, x)
	}
	return x.vector, x.metadata, nil
}

// DeleteNoun removes a noun's blobs, decrements counts, and evicts it
// from the cache. Any write still buffered for the id is dropped first
// so a later flush can't resurrect it.
func (e *Engine) DeleteNoun(ctx context.Context, id string, nounType string) error {
	e.nounBuf.Remove(id)
	err := e.acquire(ctx, func() error {
		if err := e.backend.Delete(ctx, nounVectorKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := e.backend.Delete(ctx, nounMetaKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e.hotCache != nil {
		e.hotCache.Evict("noun:" + id)
	}
	e.mu.Lock()
	if e.counts.TotalNouns > 0 {
		e.counts.TotalNouns--
	}
	if e.counts.NounTypes[nounType] > 0 {
		e.counts.NounTypes[nounType]--
	}
	e.mu.Unlock()
	atomic.StoreInt32(&e.dirty, 1)
	e.invalidate()
	return nil
}

// DeleteVerb removes a verb's blobs and decrements counts.
func (e *Engine) DeleteVerb(ctx context.Context, id string, verbType string) error {
	e.verbBuf.Remove(id)
	err := e.acquire(ctx, func() error {
		if err := e.backend.Delete(ctx, verbVectorKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := e.backend.Delete(ctx, verbMetaKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e.hotCache != nil {
		e.hotCache.Evict("verb:" + id)
	}
	e.mu.Lock()
	if e.counts.TotalVerbs > 0 {
		e.counts.TotalVerbs--
	}
	if e.counts.VerbTypes[verbType] > 0 {
		e.counts.VerbTypes[verbType]--
	}
	e.mu.Unlock()
	atomic.StoreInt32(&e.dirty, 1)
	e.invalidate()
	return nil
}

// Cursor encodes (shard_index, backend_continuation_token) for a
// deterministic left-to-right sweep across shards 00->ff.
type Cursor struct {
	ShardIndex int
	Token      string
}

func encodeCursor(c Cursor) string {
	return strconv.Itoa(c.ShardIndex) + ":" + c.Token
}

func decodeCursor(s string) Cursor {
	if s == "" {
		return Cursor{}
	}
	parts := strings.SplitN(s, ":", 2)
	idx, _ := strconv.Atoi(parts[0])
	token := ""
	if len(parts) > 1 {
		token = parts[1]
	}
	return Cursor{ShardIndex: idx, Token: token}
}

// ListNouns performs a cursor-paginated, shard-ordered scan of noun
// vector keys, returning raw keys for the caller to resolve.
func (e *Engine) ListNouns(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	return e.listShardedSweep(ctx, "entities/nouns/vectors/", cursor, limit)
}

// ListVerbs performs the verb-side equivalent of ListNouns.
func (e *Engine) ListVerbs(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	return e.listShardedSweep(ctx, "entities/verbs/vectors/", cursor, limit)
}

func (e *Engine) listShardedSweep(ctx context.Context, root string, cursor string, limit int) ([]string, string, error) {
	c := decodeCursor(cursor)
	for shard := c.ShardIndex; shard < 256; shard++ {
		prefix := fmt.Sprintf("%s%02x/", root, shard)
		keys, next, err := e.backend.List(ctx, prefix, c.Token, limit)
		if err != nil {
			return nil, "", err
		}
		if len(keys) == 0 && next == "" {
			c.Token = ""
			continue
		}
		if next != "" {
			return keys, encodeCursor(Cursor{ShardIndex: shard, Token: next}), nil
		}
		if shard+1 < 256 {
			return keys, encodeCursor(Cursor{ShardIndex: shard + 1}), nil
		}
		return keys, "", nil
	}
	return nil, "", nil
}

// Counts returns a snapshot of in-memory counters.
func (e *Engine) Counts() CountsBlob {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := CountsBlob{
		TotalNouns: e.counts.TotalNouns,
		TotalVerbs: e.counts.TotalVerbs,
		NounTypes:  make(map[string]int64, len(e.counts.NounTypes)),
		VerbTypes:  make(map[string]int64, len(e.counts.VerbTypes)),
	}
	for k, v := range e.counts.NounTypes {
		out.NounTypes[k] = v
	}
	for k, v := range e.counts.VerbTypes {
		out.VerbTypes[k] = v
	}
	return out
}

// quarantine marks id unreadable for the process lifetime after its
// blob failed schema validation; callers see ErrNotFound from then on
// and a later init may attempt recovery.
func (e *Engine) quarantine(id string, cause error) {
	e.quarMu.Lock()
	_, already := e.quarantined[id]
	e.quarantined[id] = cause.Error()
	e.quarMu.Unlock()
	if !already {
		e.logger.Error("blob quarantined", "id", id, "cause", cause)
	}
}

func (e *Engine) isQuarantined(id string) bool {
	e.quarMu.Lock()
	defer e.quarMu.Unlock()
	_, ok := e.quarantined[id]
	return ok
}

// Quarantined returns the ids quarantined so far this process, with the
// decode failure that caused each.
func (e *Engine) Quarantined() map[string]string {
	e.quarMu.Lock()
	defer e.quarMu.Unlock()
	out := make(map[string]string, len(e.quarantined))
	for k, v := range e.quarantined {
		out[k] = v
	}
	return out
}

// VerbRecord pairs a verb's two blobs for the filtered-scan accessors.
type VerbRecord struct {
	Vector   VectorBlob
	Metadata MetadataBlob
}

// GetVerbsBySource scans the verb keyspace and returns every verb whose
// source is src. The engine maintains no secondary index (leaves
// those optional), so this is a full filtered sweep.
func (e *Engine) GetVerbsBySource(ctx context.Context, src string) ([]VerbRecord, error) {
	return e.filterVerbs(ctx, func(r VerbRecord) bool { return r.Metadata.SourceID == src })
}

// GetVerbsByTarget scans the verb keyspace and returns every verb whose
// target is tgt.
func (e *Engine) GetVerbsByTarget(ctx context.Context, tgt string) ([]VerbRecord, error) {
	return e.filterVerbs(ctx, func(r VerbRecord) bool { return r.Metadata.TargetID == tgt })
}

// GetVerbsByType scans the verb keyspace and returns every verb of the
// given type.
func (e *Engine) GetVerbsByType(ctx context.Context, verbType string) ([]VerbRecord, error) {
	return e.filterVerbs(ctx, func(r VerbRecord) bool { return r.Vector.Type == verbType })
}

func (e *Engine) filterVerbs(ctx context.Context, keep func(VerbRecord) bool) ([]VerbRecord, error) {
	var out []VerbRecord
	cursor := ""
	for {
		keys, next, err := e.ListVerbs(ctx, cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			id := idFromKey(key)
			vb, mb, err := e.GetVerb(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return out, err
			}
			if r := (VerbRecord{Vector: vb, Metadata: mb}); keep(r) {
				out = append(out, r)
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func idFromKey(key string) string {
	base := key
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".json")
}

// notePending reports the combined noun/verb write-buffer depth to the
// admission controller, driving its high-volume trigger once
// pending ops exceed its threshold.
func (e *Engine) notePending() {
	if e.bp == nil {
		return
	}
	e.bp.NotePending(e.nounBuf.Len() + e.verbBuf.Len())
}

func (e *Engine) invalidate() {
	if e.onInvalidate != nil {
		e.onInvalidate()
	}
}

// flushStatisticsLoop persists counts no more often than
// minFlushInterval and no less often than maxFlushLag.
func (e *Engine) flushStatisticsLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(minFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt32(&e.dirty) == 1 || time.Since(e.LastFlush()) > maxFlushLag {
				_ = e.FlushStatistics(context.Background())
			}
		case <-e.stopCh:
			return
		}
	}
}

// LastFlush returns the timestamp of the last successful statistics
// flush, the zero value before the first one.
func (e *Engine) LastFlush() time.Time {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.lastFlush
}

// FlushStatistics persists _system/counts.json and, when a statistics
// provider is configured, the full process-wide record to
// _system/statistics.json.
func (e *Engine) FlushStatistics(ctx context.Context) error {
	// The provider runs before statsMu is taken: it may call LastFlush,
	// which takes statsMu itself.
	var extra any
	if e.statsExtra != nil {
		extra = e.statsExtra()
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	counts := e.Counts()
	data, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	if err := e.backend.Put(ctx, "_system/counts.json", data, "application/json"); err != nil {
		return err
	}
	if e.statsExtra != nil {
		if err := e.saveStatisticsLocked(ctx, extra); err != nil {
			return err
		}
	}
	e.lastFlush = time.Now()
	atomic.StoreInt32(&e.dirty, 0)
	return nil
}

func (e *Engine) saveStatisticsLocked(ctx context.Context, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return e.backend.Put(ctx, "_system/statistics.json", data, "application/json")
}

// SaveStatistics persists an explicit statistics record immediately,
// outside the flush cadence.
func (e *Engine) SaveStatistics(ctx context.Context, record any) error {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.saveStatisticsLocked(ctx, record)
}

// GetStatistics reads the last persisted _system/statistics.json into out.
func (e *Engine) GetStatistics(ctx context.Context, out any) error {
	data, err := e.backend.Get(ctx, "_system/statistics.json")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return nil
}

// IncrementTypeCount adjusts one per-type counter directly, for callers
// that mutate outside SaveNoun/SaveVerb (e.g. a restore path). kind is
// "noun" or "verb".
func (e *Engine) IncrementTypeCount(kind, typeName string, delta int64) {
	e.mu.Lock()
	switch kind {
	case "verb":
		e.counts.TotalVerbs += delta
		e.counts.VerbTypes[typeName] += delta
	default:
		e.counts.TotalNouns += delta
		e.counts.NounTypes[typeName] += delta
	}
	e.mu.Unlock()
	atomic.StoreInt32(&e.dirty, 1)
}

// FlushWrites drains both write buffers synchronously, so that a
// subsequent backend listing observes every buffered write. Full-scan
// operations (clear, backup) call this first.
func (e *Engine) FlushWrites(ctx context.Context) {
	e.nounBuf.Flush(ctx)
	e.verbBuf.Flush(ctx)
}

// Shutdown flushes buffers and statistics, then stops background work.
func (e *Engine) Shutdown(ctx context.Context) error {
	close(e.stopCh)
	e.wg.Wait()
	e.nounBuf.Close(ctx)
	e.verbBuf.Close(ctx)
	if e.hotCache != nil {
		e.hotCache.Close()
	}
	return e.FlushStatistics(ctx)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("engine: %s: %w", op, err)
}
