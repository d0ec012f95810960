// Package brainy is an embedded vector-and-graph database. It stores
// typed entities ("nouns") and typed relationships ("verbs"), indexes
// entities for approximate nearest-neighbor similarity search, and
// retrieves them through hybrid queries that combine vector similarity,
// graph traversal, and metadata filtering.
//
// # Quick start
//
//	cfg := brainy.DefaultConfig()
//	cfg.Storage.Kind = brainy.StorageMemory
//	db, err := brainy.Open(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Shutdown(context.Background())
//
//	id, err := db.Add(ctx, brainy.AddRequest{
//	    Type:   brainy.NounPerson,
//	    Vector: []float32{0.1, 0.2, 0.3},
//	})
//
//	results, err := db.Find(ctx, brainy.FindRequest{
//	    Vector: []float32{0.1, 0.2, 0.3},
//	    K:      5,
//	})
//
// # Architecture
//
// A database is assembled from independently testable components: a
// storage engine (pkg/engine) over a pluggable backend (pkg/storage), a
// multi-tier cache (pkg/cache) and write buffer (pkg/writebuffer) sitting
// in front of it, a partitioned HNSW index (pkg/partition, pkg/hnsw)
// behind a scaled search coordinator (pkg/coordinator), a search-result
// cache (pkg/searchcache), a relationship classifier (pkg/classifier),
// and a hybrid query planner (pkg/planner) that ties vector recall to
// graph traversal and metadata filters. Every public operation is
// dispatched through an augmentation pipeline (pkg/pipeline) so that
// caching, metrics, and audit logging compose without touching the core
// call sites.
package brainy
