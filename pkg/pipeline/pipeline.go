// Package pipeline implements the augmentation pipeline: every
// externally visible database operation dispatches through an ordered
// chain of augmentations that can observe, wrap, or replace it.
package pipeline

import (
	"container/ring"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Timing controls when an augmentation runs relative to the operation
// it is attached to.
type Timing int

const (
	// Before runs first and cannot alter the result.
	Before Timing = iota
	// Around wraps the call to Next and may skip it entirely.
	Around
	// After runs last and may transform the result.
	After
	// Replace bypasses the built-in implementation entirely.
	Replace
)

// Op names an externally visible operation.
type Op string

const (
	OpAdd      Op = "add"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpSearch   Op = "search"
	OpRelate   Op = "relate"
	OpUnrelate Op = "unrelate"
	OpGet      Op = "get"
	OpList     Op = "list"
	OpClear    Op = "clear"
	OpBackup   Op = "backup"
	OpRestore  Op = "restore"
)

// AllOps is the closed set an augmentation may declare via "all".
var AllOps = []Op{OpAdd, OpUpdate, OpDelete, OpSearch, OpRelate, OpUnrelate, OpGet, OpList, OpClear, OpBackup, OpRestore}

// State is the state machine position of one dispatched call.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateSuccess
	StateError
	StateCancelled
)

// Next invokes the remainder of the chain (or the built-in handler),
// returning its result.
type Next func() (any, error)

// Augmentation is a named, prioritized hook into the pipeline.
type Augmentation struct {
	Name     string
	Priority int
	Timing   Timing
	Ops      map[Op]bool // nil or empty means "all"

	// Before/After receive the params and (for After) the prior result;
	// returning a non-nil error short-circuits with StateError.
	Before func(ctx context.Context, op Op, params any) error
	After  func(ctx context.Context, op Op, params any, result any, err error) (any, error)

	// Around wraps next; called only when Timing == Around.
	Around func(ctx context.Context, op Op, params any, next Next) (any, error)

	// Replace bypasses the built-in handler entirely.
	Replace func(ctx context.Context, op Op, params any) (any, error)

	insertOrder int
}

func (a *Augmentation) appliesTo(op Op) bool {
	if len(a.Ops) == 0 {
		return true
	}
	return a.Ops[op]
}

// Handler is the built-in implementation an operation falls back to
// when no Replace augmentation intercepts it.
type Handler func(ctx context.Context, op Op, params any) (any, error)

// Pipeline dispatches operations through a descending-priority chain
// of augmentations.
type Pipeline struct {
	mu            sync.RWMutex
	augmentations []*Augmentation
	nextOrder     int
	handler       Handler
}

// New constructs a Pipeline whose built-in behavior falls back to handler.
func New(handler Handler) *Pipeline {
	return &Pipeline{handler: handler}
}

// Use registers an augmentation, re-sorting by descending priority with
// ties broken by insertion order.
func (p *Pipeline) Use(a Augmentation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.insertOrder = p.nextOrder
	p.nextOrder++
	p.augmentations = append(p.augmentations, &a)
	sort.SliceStable(p.augmentations, func(i, j int) bool {
		if p.augmentations[i].Priority != p.augmentations[j].Priority {
			return p.augmentations[i].Priority > p.augmentations[j].Priority
		}
		return p.augmentations[i].insertOrder < p.augmentations[j].insertOrder
	})
}

// ErrCancelled is returned (or propagated) when ctx is cancelled mid-chain.
var ErrCancelled = errors.New("pipeline: cancelled")

// Dispatch runs op through the pipeline: before-hooks, then the
// around-wrapped chain terminating in either a replace augmentation or
// the built-in handler, then after-hooks.
func (p *Pipeline) Dispatch(ctx context.Context, op Op, params any) (any, error) {
	p.mu.RLock()
	chain := make([]*Augmentation, len(p.augmentations))
	copy(chain, p.augmentations)
	p.mu.RUnlock()

	for _, a := range chain {
		if a.Timing != Before || !a.appliesTo(op) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		if err := a.Before(ctx, op, params); err != nil {
			return nil, err
		}
	}

	result, err := p.runCore(ctx, op, params, chain)

	for _, a := range chain {
		if a.Timing != After || !a.appliesTo(op) {
			continue
		}
		result, err = a.After(ctx, op, params, result, err)
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return result, ErrCancelled
	}
	return result, err
}

// runCore builds the around/replace chain and the terminal built-in
// handler, then invokes it.
func (p *Pipeline) runCore(ctx context.Context, op Op, params any, chain []*Augmentation) (any, error) {
	var arounds []*Augmentation
	var replace *Augmentation
	for _, a := range chain {
		if !a.appliesTo(op) {
			continue
		}
		switch a.Timing {
		case Around:
			arounds = append(arounds, a)
		case Replace:
			if replace == nil {
				replace = a
			}
		}
	}

	terminal := Next(func() (any, error) {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if replace != nil {
			return replace.Replace(ctx, op, params)
		}
		return p.handler(ctx, op, params)
	})

	chainFn := terminal
	for i := len(arounds) - 1; i >= 0; i-- {
		a := arounds[i]
		next := chainFn
		chainFn = func() (any, error) {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return a.Around(ctx, op, params, next)
		}
	}
	return chainFn()
}

// AuditEntry is one record held by the audit-log augmentation's ring
// buffer.
type AuditEntry struct {
	ID           string
	Timestamp    time.Time
	Op           Op
	ParamsDigest string
	ResultDigest string
	Err          error
	Duration     time.Duration
	SessionID    string
}

// AuditLog is an in-memory ring buffer of the last N calls, built on
// container/ring. A nil sink disables SQLite persistence.
type AuditLog struct {
	mu   sync.Mutex
	buf  *ring.Ring
	size int
	sink func(AuditEntry) error
}

// NewAuditLog constructs a ring buffer bounded by maxMemoryLogs. sink,
// if non-nil, additionally persists each entry (e.g. to SQLite).
func NewAuditLog(maxMemoryLogs int, sink func(AuditEntry) error) *AuditLog {
	if maxMemoryLogs <= 0 {
		maxMemoryLogs = 1
	}
	return &AuditLog{buf: ring.New(maxMemoryLogs), size: maxMemoryLogs, sink: sink}
}

// Record appends entry, evicting the oldest on overflow.
func (l *AuditLog) Record(entry AuditEntry) {
	l.mu.Lock()
	l.buf.Value = entry
	l.buf = l.buf.Next()
	l.mu.Unlock()
	if l.sink != nil {
		_ = l.sink(entry)
	}
}

// Recent returns up to the full buffer contents in oldest-first order.
func (l *AuditLog) Recent() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEntry
	l.buf.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(AuditEntry))
	})
	return out
}

// NewAuditAugmentation builds the built-in audit-log augmentation
// (priority 90, around), recording a digest rather than the full
// params/result to bound memory use.
func NewAuditAugmentation(log *AuditLog, sessionID string, digest func(any) string) Augmentation {
	return Augmentation{
		Name:     "audit_log",
		Priority: 90,
		Timing:   Around,
		Around: func(ctx context.Context, op Op, params any, next Next) (any, error) {
			start := time.Now()
			result, err := next()
			entry := AuditEntry{
				Timestamp:    start,
				Op:           op,
				ParamsDigest: digest(params),
				Duration:     time.Since(start),
				SessionID:    sessionID,
			}
			if err != nil {
				entry.Err = err
			} else {
				entry.ResultDigest = digest(result)
			}
			log.Record(entry)
			return result, err
		},
	}
}

// MetricsSink receives one (op, duration, success) sample per call.
type MetricsSink func(op Op, d time.Duration, success bool)

// NewMetricsAugmentation builds the built-in metrics augmentation
// (priority 90, around).
func NewMetricsAugmentation(sink MetricsSink) Augmentation {
	return Augmentation{
		Name:     "metrics",
		Priority: 90,
		Timing:   Around,
		Around: func(ctx context.Context, op Op, params any, next Next) (any, error) {
			start := time.Now()
			result, err := next()
			sink(op, time.Since(start), err == nil)
			return result, err
		},
	}
}

// SearchCache is the minimal capability the cache augmentation needs;
// satisfied structurally by *searchcache.Cache without an import.
type SearchCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	InvalidateAll()
}

// NewCacheAugmentation builds the built-in cache augmentation (priority
// 50, around): serves search results from cache, invalidating on every
// mutating op (/).
func NewCacheAugmentation(cache SearchCache, fingerprint func(params any) string) Augmentation {
	mutating := map[Op]bool{OpAdd: true, OpUpdate: true, OpDelete: true, OpRelate: true, OpUnrelate: true, OpClear: true, OpRestore: true}
	return Augmentation{
		Name:     "cache",
		Priority: 50,
		Timing:   Around,
		Ops:      map[Op]bool{OpSearch: true, OpAdd: true, OpUpdate: true, OpDelete: true, OpRelate: true, OpUnrelate: true, OpClear: true, OpRestore: true},
		Around: func(ctx context.Context, op Op, params any, next Next) (any, error) {
			if mutating[op] {
				result, err := next()
				if err == nil {
					cache.InvalidateAll()
				}
				return result, err
			}
			key := fingerprint(params)
			if v, ok := cache.Get(key); ok {
				return v, nil
			}
			result, err := next()
			if err == nil {
				cache.Set(key, result)
			}
			return result, err
		},
	}
}

// DigestString is a trivial digest helper for callers that don't need
// cryptographic properties, only a bounded stable label.
func DigestString(v any) string {
	return fmt.Sprintf("%v", v)
}
