package brainy

import "context"

// Embedder produces a fixed-dimension vector from text. Concrete
// embedding models are out of scope here; callers either pass
// vectors directly or configure an Embedder that wraps their own model.
type Embedder interface {
	// Embed converts a single text into a vector of dimension Dim().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one call. Implementations
	// that have no native batch API can embed BaseEmbedder to get a
	// goroutine-based default.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the dimension of vectors this embedder produces. It
	// must be stable for the process lifetime.
	Dim() int
}

// BaseEmbedder gives an Embedder a default EmbedBatch built from Embed,
// fanning out one goroutine per text.
type BaseEmbedder struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
	DimFn   func() int
}

func (b *BaseEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.EmbedFn(ctx, text)
}

func (b *BaseEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	type result struct {
		idx int
		vec []float32
		err error
	}
	ch := make(chan result, len(texts))
	for i, text := range texts {
		go func(idx int, t string) {
			vec, err := b.EmbedFn(ctx, t)
			ch <- result{idx: idx, vec: vec, err: err}
		}(i, text)
	}
	results := make([][]float32, len(texts))
	for range texts {
		r := <-ch
		if r.err != nil {
			return nil, r.err
		}
		results[r.idx] = r.vec
	}
	return results, nil
}

func (b *BaseEmbedder) Dim() int {
	return b.DimFn()
}
