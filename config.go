package brainy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StorageKind selects the pluggable object-store backend (storage.kind).
type StorageKind string

const (
	StorageMemory  StorageKind = "memory"
	StorageLocalFS StorageKind = "local_fs"
	StorageS3      StorageKind = "s3"
	StorageGCS     StorageKind = "gcs"
)

// PartitionStrategy selects how the partitioned index routes new items.
type PartitionStrategy string

const (
	PartitionHash     PartitionStrategy = "hash"
	PartitionSemantic PartitionStrategy = "semantic"
)

// SearchStrategy selects how the scaled search coordinator fans out a query.
type SearchStrategy string

const (
	SearchAdaptive     SearchStrategy = "adaptive"
	SearchExhaustive   SearchStrategy = "exhaustive"
	SearchBeam         SearchStrategy = "beam"
	SearchRandomSubset SearchStrategy = "random_subset"
)

// StorageConfig configures the pluggable object-store backend.
type StorageConfig struct {
	Kind        StorageKind
	Bucket      string
	Prefix      string
	Region      string
	Credentials string
	// LocalPath is consulted only when Kind is StorageLocalFS.
	LocalPath string
}

// HNSWConfig configures the per-shard HNSW index.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	ML             float64
}

// PartitionConfig configures the partitioned index.
type PartitionConfig struct {
	MaxNodesPerPartition int
	Strategy             PartitionStrategy
	AutoTune             bool
}

// CacheConfig configures the multi-tier entity cache.
type CacheConfig struct {
	HotMax         int
	WarmMax        int
	MaxAge         time.Duration
	PrefetchSize   int
	EnablePrefetch bool
}

// SearchCacheConfig configures the search-result cache.
type SearchCacheConfig struct {
	Enabled bool
	MaxSize int
	TTL     time.Duration
}

// ConcurrencyConfig configures the admission semaphore.
type ConcurrencyConfig struct {
	Max      int
	ReadOnly bool
}

// AugmentationSpec describes one configured augmentation before the
// pipeline resolves it against the registry of built-ins/custom hooks.
type AugmentationSpec struct {
	ID         string
	Priority   int
	Operations []string
	Config     map[string]any
}

// Config is the top-level configuration object. Use DefaultConfig and
// the With* options to build one, or set fields directly.
type Config struct {
	Dimension int
	// ExpectedNodes, when set, drives the scale-preset selection
	// Open performs at init: HNSW parameters, partition capacity,
	// cache sizes, and concurrency are taken from ScalePreset(ExpectedNodes)
	// instead of DefaultConfig's <=10k preset.
	ExpectedNodes int64
	DistanceKind  string
	Storage       StorageConfig
	HNSW          HNSWConfig
	Partition     PartitionConfig
	Cache         CacheConfig
	SearchCache   SearchCacheConfig
	Concurrency   ConcurrencyConfig
	Augmentations []AugmentationSpec
	Embedder      Embedder
	Logger        interface {
		Debug(msg string, keyvals ...any)
		Info(msg string, keyvals ...any)
		Warn(msg string, keyvals ...any)
		Error(msg string, keyvals ...any)
	}
	AuditSQLiteDSN string
}

// Option mutates a Config during construction.
type Option func(*Config)

// DefaultConfig returns the "≤10k" preset, the smallest of the
// coordinator's scale presets, as a safe starting point.
func DefaultConfig() *Config {
	return &Config{
		Dimension:    0,
		DistanceKind: "cosine",
		Storage: StorageConfig{
			Kind: StorageMemory,
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       50,
			ML:             1.0 / math.Log(16),
		},
		Partition: PartitionConfig{
			MaxNodesPerPartition: 10000,
			Strategy:             PartitionHash,
			AutoTune:             true,
		},
		Cache: CacheConfig{
			HotMax:  1000,
			WarmMax: 5000,
			MaxAge:  10 * time.Minute,
		},
		SearchCache: SearchCacheConfig{
			Enabled: true,
			MaxSize: 1000,
			TTL:     time.Minute,
		},
		Concurrency: ConcurrencyConfig{
			Max: 4,
		},
	}
}

// WithDimension fixes the vector dimension D up front instead of inferring
// it from the first insert.
func WithDimension(d int) Option {
	return func(c *Config) { c.Dimension = d }
}

// WithStorage sets the storage backend configuration.
func WithStorage(s StorageConfig) Option {
	return func(c *Config) { c.Storage = s }
}

// WithHotCacheSize sets cache.hot_max.
func WithHotCacheSize(n int) Option {
	return func(c *Config) { c.Cache.HotMax = n }
}

// WithWarmCacheSize sets cache.warm_max.
func WithWarmCacheSize(n int) Option {
	return func(c *Config) { c.Cache.WarmMax = n }
}

// WithSearchCacheTTL sets search_cache.ttl_ms.
func WithSearchCacheTTL(ttl time.Duration) Option {
	return func(c *Config) { c.SearchCache.TTL = ttl }
}

// WithPartitionStrategy sets index.partition.strategy.
func WithPartitionStrategy(s PartitionStrategy) Option {
	return func(c *Config) { c.Partition.Strategy = s }
}

// WithEmbedder installs the Embedder capability consumed by the planner.
func WithEmbedder(e Embedder) Option {
	return func(c *Config) { c.Embedder = e }
}

// WithExpectedNodes sets ExpectedNodes, selecting the scale
// preset Open applies at init.
func WithExpectedNodes(n int64) Option {
	return func(c *Config) { c.ExpectedNodes = n }
}

// WithConcurrency sets concurrency.max.
func WithConcurrency(max int) Option {
	return func(c *Config) { c.Concurrency.Max = max }
}

// WithAuditSQLite configures the audit-log augmentation's optional SQLite
// sink; dsn is a modernc.org/sqlite data source name.
func WithAuditSQLite(dsn string) Option {
	return func(c *Config) { c.AuditSQLiteDSN = dsn }
}

// Apply runs each option over c in order.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// ParseConfigValue sets one configuration field from its canonical
// option name, matched case-insensitively. It is the entry point
// for external configuration surfaces (CLI flags, config files) that
// carry options as strings rather than through the typed struct.
func (c *Config) ParseConfigValue(name string, value any) error {
	switch strings.ToLower(name) {
	case "storage.kind":
		c.Storage.Kind = StorageKind(strings.ToLower(fmt.Sprint(value)))
	case "storage.bucket":
		c.Storage.Bucket = fmt.Sprint(value)
	case "storage.prefix":
		c.Storage.Prefix = fmt.Sprint(value)
	case "storage.region":
		c.Storage.Region = fmt.Sprint(value)
	case "storage.credentials":
		c.Storage.Credentials = fmt.Sprint(value)
	case "index.hnsw.m":
		return setInt(&c.HNSW.M, value)
	case "index.hnsw.ef_construction":
		return setInt(&c.HNSW.EfConstruction, value)
	case "index.hnsw.ef_search":
		return setInt(&c.HNSW.EfSearch, value)
	case "index.hnsw.ml":
		return setFloat(&c.HNSW.ML, value)
	case "index.partition.max_nodes":
		return setInt(&c.Partition.MaxNodesPerPartition, value)
	case "index.partition.strategy":
		c.Partition.Strategy = PartitionStrategy(strings.ToLower(fmt.Sprint(value)))
	case "index.partition.auto_tune":
		return setBool(&c.Partition.AutoTune, value)
	case "cache.hot_max":
		return setInt(&c.Cache.HotMax, value)
	case "cache.warm_max":
		return setInt(&c.Cache.WarmMax, value)
	case "cache.max_age_ms":
		return setMillis(&c.Cache.MaxAge, value)
	case "search_cache.max_size":
		return setInt(&c.SearchCache.MaxSize, value)
	case "search_cache.ttl_ms":
		return setMillis(&c.SearchCache.TTL, value)
	case "search_cache.enabled":
		return setBool(&c.SearchCache.Enabled, value)
	case "concurrency.max":
		return setInt(&c.Concurrency.Max, value)
	case "concurrency.read_only":
		return setBool(&c.Concurrency.ReadOnly, value)
	default:
		return fmt.Errorf("brainy: unrecognized config option %q", name)
	}
	return nil
}

func setInt(dst *int, value any) error {
	switch v := value.(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	case float64:
		*dst = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("brainy: expected integer, got %q", v)
		}
		*dst = n
	default:
		return fmt.Errorf("brainy: expected integer, got %T", value)
	}
	return nil
}

func setFloat(dst *float64, value any) error {
	switch v := value.(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("brainy: expected number, got %q", v)
		}
		*dst = f
	default:
		return fmt.Errorf("brainy: expected number, got %T", value)
	}
	return nil
}

func setBool(dst *bool, value any) error {
	switch v := value.(type) {
	case bool:
		*dst = v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("brainy: expected boolean, got %q", v)
		}
		*dst = b
	default:
		return fmt.Errorf("brainy: expected boolean, got %T", value)
	}
	return nil
}

func setMillis(dst *time.Duration, value any) error {
	var ms int
	if err := setInt(&ms, value); err != nil {
		return err
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

// ScalePreset returns the coordinator preset appropriate for an
// expected dataset size.
func ScalePreset(expectedNodes int64) Config {
	cfg := *DefaultConfig()
	switch {
	case expectedNodes <= 10_000:
		cfg.Partition.MaxNodesPerPartition = 10_000
		cfg.HNSW = HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 50, ML: 1.0 / math.Log(16)}
		cfg.Cache = CacheConfig{HotMax: 1_000, WarmMax: 5_000, MaxAge: cfg.Cache.MaxAge}
		cfg.Concurrency.Max = 4
	case expectedNodes <= 100_000:
		cfg.Partition.MaxNodesPerPartition = 25_000
		cfg.HNSW = HNSWConfig{M: 24, EfConstruction: 300, EfSearch: 75, ML: 1.0 / math.Log(24)}
		cfg.Cache = CacheConfig{HotMax: 2_000, WarmMax: 15_000, MaxAge: cfg.Cache.MaxAge}
		cfg.Concurrency.Max = 8
	case expectedNodes <= 1_000_000:
		cfg.Partition.MaxNodesPerPartition = 50_000
		cfg.HNSW = HNSWConfig{M: 32, EfConstruction: 400, EfSearch: 100, ML: 1.0 / math.Log(32)}
		cfg.Cache = CacheConfig{HotMax: 5_000, WarmMax: 25_000, MaxAge: cfg.Cache.MaxAge}
		cfg.Concurrency.Max = 12
	default:
		cfg.Partition.MaxNodesPerPartition = 100_000
		cfg.HNSW = HNSWConfig{M: 48, EfConstruction: 500, EfSearch: 150, ML: 1.0 / math.Log(48)}
		cfg.Cache = CacheConfig{HotMax: 10_000, WarmMax: 50_000, MaxAge: cfg.Cache.MaxAge}
		cfg.Concurrency.Max = 20
	}
	return cfg
}
