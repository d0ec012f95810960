// Package writebuffer implements the write buffer and request
// coalescer: batched flush of buffered writes on size/age/close,
// and a read-side coalescer built on golang.org/x/sync/singleflight so
// concurrent reads for the same id share one backend fetch.
package writebuffer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// WriteFunc persists one buffered item. It is invoked concurrently,
// bounded by the caller-supplied concurrency limit.
type WriteFunc func(ctx context.Context, id string, item any) error

type buffered struct {
	item any
	seq  uint64
}

// Buffer batches writes for one (backend, entity-kind) pair. Add either
// replaces an already-buffered item with the same id or appends;
// flush drains on size threshold, max age, or explicit close, writing
// concurrently with at-most-once-per-id, last-write-wins semantics.
type Buffer struct {
	mu          sync.Mutex
	items       map[string]buffered
	order       []string
	seq         uint64
	write       WriteFunc
	maxSize     int
	maxAge      time.Duration
	concurrency int

	flushTimer *time.Timer
	closed     bool
	closeCh    chan struct{}
}

// New constructs a Buffer that flushes via write, bounded by
// concurrency simultaneous writes, when it reaches maxSize items or
// ages past maxAge.
func New(write WriteFunc, maxSize int, maxAge time.Duration, concurrency int) *Buffer {
	if concurrency <= 0 {
		concurrency = 1
	}
	b := &Buffer{
		items:       make(map[string]buffered),
		write:       write,
		maxSize:     maxSize,
		maxAge:      maxAge,
		concurrency: concurrency,
		closeCh:     make(chan struct{}),
	}
	return b
}

// Add buffers item under id, replacing any existing buffered value,
// and arms the age-based flush timer if this is the first item since
// the last flush.
func (b *Buffer) Add(id string, item any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.items[id]; !exists {
		b.order = append(b.order, id)
	}
	b.seq++
	b.items[id] = buffered{item: item, seq: b.seq}

	if b.flushTimer == nil && b.maxAge > 0 {
		b.flushTimer = time.AfterFunc(b.maxAge, func() { b.Flush(context.Background()) })
	}
	shouldFlush := b.maxSize > 0 && len(b.items) >= b.maxSize
	if shouldFlush {
		go b.Flush(context.Background())
	}
}

// FlushResult reports per-item outcomes of one flush.
type FlushResult struct {
	Succeeded []string
	Failed    map[string]error
}

// Flush drains the buffer, writing items concurrently bounded by the
// configured concurrency. Failed items remain buffered for retry;
// succeeded items are removed.
func (b *Buffer) Flush(ctx context.Context) FlushResult {
	b.mu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if len(b.items) == 0 {
		b.mu.Unlock()
		return FlushResult{Failed: map[string]error{}}
	}
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	snapshot := make(map[string]buffered, len(b.items))
	for k, v := range b.items {
		snapshot[k] = v
	}
	b.mu.Unlock()

	var mu sync.Mutex
	result := FlushResult{Failed: make(map[string]error)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, id := range ids {
		id := id
		item := snapshot[id].item
		g.Go(func() error {
			err := b.write(gctx, id, item)
			mu.Lock()
			if err != nil {
				result.Failed[id] = err
			} else {
				result.Succeeded = append(result.Succeeded, id)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	b.mu.Lock()
	for _, id := range result.Succeeded {
		// Remove only the exact version that was written: an Add that
		// raced with this flush bumped the seq and must survive for the
		// next flush (last write wins).
		if cur, ok := b.items[id]; ok && cur.seq == snapshot[id].seq {
			delete(b.items, id)
		}
	}
	b.order = b.order[:0]
	for id := range b.items {
		b.order = append(b.order, id)
	}
	b.mu.Unlock()

	return result
}

// Remove drops any buffered write for id without flushing it, so a
// delete that races with a pending write can't be undone by the next
// flush re-persisting the stale item.
func (b *Buffer) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[id]; !ok {
		return
	}
	delete(b.items, id)
	for i, other := range b.order {
		if other == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of items currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close flushes any remaining items and stops the age timer.
func (b *Buffer) Close(ctx context.Context) FlushResult {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return FlushResult{Failed: map[string]error{}}
	}
	b.closed = true
	b.mu.Unlock()
	close(b.closeCh)
	return b.Flush(ctx)
}

// FetchFunc retrieves one id from the backend.
type FetchFunc func(ctx context.Context, id string) (any, error)

// Coalescer deduplicates concurrent reads for the same id onto a
// single in-flight backend fetch.
type Coalescer struct {
	group singleflight.Group
	fetch FetchFunc
}

// NewCoalescer wraps fetch with request coalescing.
func NewCoalescer(fetch FetchFunc) *Coalescer {
	return &Coalescer{fetch: fetch}
}

// Get attaches the caller to any in-flight fetch for id, or starts a
// new one. The fetch runs with the starting caller's context values but
// not its cancellation, so no caller's cancellation aborts a fetch
// shared by other callers; Get returns once that fetch completes.
func (c *Coalescer) Get(ctx context.Context, id string) (any, error) {
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.fetch(fetchCtx, id)
	})
	return v, err
}
