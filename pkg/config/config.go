// Package config loads Brainy's configuration from environment variables,
// with an optional YAML file as a lower-precedence overlay.
//
// Configuration is organized into the same sections as the component design:
// storage, HNSW, statistics, pipeline, embedding, and logging. Every field has
// a sensible default, so LoadFromEnv can be called without any environment
// variables set at all.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all of Brainy's configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	HNSW      HNSWConfig      `yaml:"hnsw"`
	Stats     StatsConfig     `yaml:"stats"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects and configures the storage.Adapter backend.
type StorageConfig struct {
	// Backend is one of "memory", "filesystem", "opfs", "s3".
	Backend string `yaml:"backend"`
	// DataDir is the Badger directory for the filesystem backend.
	DataDir string `yaml:"dataDir"`
	// S3Bucket, S3Prefix, S3Region configure the object-store backend.
	S3Bucket string `yaml:"s3Bucket"`
	S3Prefix string `yaml:"s3Prefix"`
	S3Region string `yaml:"s3Region"`
	// OPFSOrigin names the simulated browser origin for the opfs backend.
	OPFSOrigin string `yaml:"opfsOrigin"`
}

// HNSWConfig holds the tunable HNSW index parameters.
type HNSWConfig struct {
	Dimensions     int    `yaml:"dimensions"`
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"efConstruction"`
	EfSearch       int    `yaml:"efSearch"`
	MaxLevel       int    `yaml:"maxLevel"`
	Kernel         string `yaml:"kernel"` // "euclidean", "cosine", "manhattan", "dot"
}

// StatsConfig tunes the statistics flush schedule.
type StatsConfig struct {
	BaseFlushInterval time.Duration `yaml:"baseFlushInterval"`
	FastFlushInterval time.Duration `yaml:"fastFlushInterval"`
	IdleFlushInterval time.Duration `yaml:"idleFlushInterval"`
}

// PipelineConfig tunes the augmentation pipeline and streaming ingestion.
type PipelineConfig struct {
	SenseChunkSize     int           `yaml:"senseChunkSize"`
	StreamParallelism  int           `yaml:"streamParallelism"`
	DefaultStageTimeout time.Duration `yaml:"defaultStageTimeout"`
}

// EmbeddingConfig configures the embedding dispatcher.
type EmbeddingConfig struct {
	Dimension      int `yaml:"dimension"`
	MaxConcurrency int `yaml:"maxConcurrency"`
}

// LoggingConfig configures the zap logger used module-wide.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// JSON selects JSON-encoded output over the human-readable console format.
	JSON bool `yaml:"json"`
}

// LoadFromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Storage.Backend = getEnv("BRAINY_STORAGE_BACKEND", "memory")
	cfg.Storage.DataDir = getEnv("BRAINY_STORAGE_DATA_DIR", "./data")
	cfg.Storage.S3Bucket = getEnv("BRAINY_STORAGE_S3_BUCKET", "")
	cfg.Storage.S3Prefix = getEnv("BRAINY_STORAGE_S3_PREFIX", "brainy/")
	cfg.Storage.S3Region = getEnv("BRAINY_STORAGE_S3_REGION", "us-east-1")
	cfg.Storage.OPFSOrigin = getEnv("BRAINY_STORAGE_OPFS_ORIGIN", "default")

	cfg.HNSW.Dimensions = getEnvInt("BRAINY_HNSW_DIMENSIONS", 0)
	cfg.HNSW.M = getEnvInt("BRAINY_HNSW_M", 16)
	cfg.HNSW.EfConstruction = getEnvInt("BRAINY_HNSW_EF_CONSTRUCTION", 200)
	cfg.HNSW.EfSearch = getEnvInt("BRAINY_HNSW_EF_SEARCH", 50)
	cfg.HNSW.MaxLevel = getEnvInt("BRAINY_HNSW_MAX_LEVEL", 16)
	cfg.HNSW.Kernel = getEnv("BRAINY_HNSW_KERNEL", "euclidean")

	cfg.Stats.BaseFlushInterval = getEnvDuration("BRAINY_STATS_BASE_FLUSH_INTERVAL", 2*time.Second)
	cfg.Stats.FastFlushInterval = getEnvDuration("BRAINY_STATS_FAST_FLUSH_INTERVAL", 1*time.Second)
	cfg.Stats.IdleFlushInterval = getEnvDuration("BRAINY_STATS_IDLE_FLUSH_INTERVAL", 10*time.Second)

	cfg.Pipeline.SenseChunkSize = getEnvInt("BRAINY_PIPELINE_SENSE_CHUNK_SIZE", 1000)
	cfg.Pipeline.StreamParallelism = getEnvInt("BRAINY_PIPELINE_STREAM_PARALLELISM", 4)
	cfg.Pipeline.DefaultStageTimeout = getEnvDuration("BRAINY_PIPELINE_DEFAULT_STAGE_TIMEOUT", 0)

	cfg.Embedding.Dimension = getEnvInt("BRAINY_EMBEDDING_DIMENSION", 0)
	cfg.Embedding.MaxConcurrency = getEnvInt("BRAINY_EMBEDDING_MAX_CONCURRENCY", 4)

	cfg.Logging.Level = getEnv("BRAINY_LOG_LEVEL", "info")
	cfg.Logging.JSON = getEnvBool("BRAINY_LOG_JSON", true)

	return cfg
}

// LoadFromFile reads a YAML file and overlays it onto base. Fields present
// in base but absent from the file keep base's value: the file is a sparse
// overlay, not a full replacement. Call this before applying environment
// overrides, since env always wins over the file per Brainy's precedence
// rule.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	merged := *base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &merged, nil
}

// LoadFromFileThenEnv is the recommended entry point: it loads the YAML
// overlay at path (if non-empty) and then re-applies every environment
// variable on top, so an operator's env always takes precedence over a
// checked-in config file.
func LoadFromFileThenEnv(path string) (*Config, error) {
	cfg := LoadFromEnv()
	if path == "" {
		return cfg, nil
	}
	fromFile, err := LoadFromFile(path, cfg)
	if err != nil {
		return nil, err
	}
	merged := applyEnvOverEnvUnsetFields(fromFile, cfg)
	return merged, nil
}

// applyEnvOverEnvUnsetFields starts from the file-provided config and
// re-applies every value LoadFromEnv produced whose environment variable was
// actually set, so env wins field-by-field rather than wholesale. Every
// field LoadFromEnv reads has an entry here; adding a field to Config and
// LoadFromEnv without adding its override here would silently let a file
// value block that one env var from ever winning.
func applyEnvOverEnvUnsetFields(fromFile, fromEnv *Config) *Config {
	out := *fromFile

	if v, ok := os.LookupEnv("BRAINY_STORAGE_BACKEND"); ok && v != "" {
		out.Storage.Backend = fromEnv.Storage.Backend
	}
	if v, ok := os.LookupEnv("BRAINY_STORAGE_DATA_DIR"); ok && v != "" {
		out.Storage.DataDir = fromEnv.Storage.DataDir
	}
	if v, ok := os.LookupEnv("BRAINY_STORAGE_S3_BUCKET"); ok && v != "" {
		out.Storage.S3Bucket = fromEnv.Storage.S3Bucket
	}
	if v, ok := os.LookupEnv("BRAINY_STORAGE_S3_PREFIX"); ok && v != "" {
		out.Storage.S3Prefix = fromEnv.Storage.S3Prefix
	}
	if v, ok := os.LookupEnv("BRAINY_STORAGE_S3_REGION"); ok && v != "" {
		out.Storage.S3Region = fromEnv.Storage.S3Region
	}
	if v, ok := os.LookupEnv("BRAINY_STORAGE_OPFS_ORIGIN"); ok && v != "" {
		out.Storage.OPFSOrigin = fromEnv.Storage.OPFSOrigin
	}
	if v, ok := os.LookupEnv("BRAINY_HNSW_DIMENSIONS"); ok && v != "" {
		out.HNSW.Dimensions = fromEnv.HNSW.Dimensions
	}
	if v, ok := os.LookupEnv("BRAINY_HNSW_M"); ok && v != "" {
		out.HNSW.M = fromEnv.HNSW.M
	}
	if v, ok := os.LookupEnv("BRAINY_HNSW_EF_CONSTRUCTION"); ok && v != "" {
		out.HNSW.EfConstruction = fromEnv.HNSW.EfConstruction
	}
	if v, ok := os.LookupEnv("BRAINY_HNSW_EF_SEARCH"); ok && v != "" {
		out.HNSW.EfSearch = fromEnv.HNSW.EfSearch
	}
	if v, ok := os.LookupEnv("BRAINY_HNSW_MAX_LEVEL"); ok && v != "" {
		out.HNSW.MaxLevel = fromEnv.HNSW.MaxLevel
	}
	if v, ok := os.LookupEnv("BRAINY_HNSW_KERNEL"); ok && v != "" {
		out.HNSW.Kernel = fromEnv.HNSW.Kernel
	}
	if v, ok := os.LookupEnv("BRAINY_STATS_BASE_FLUSH_INTERVAL"); ok && v != "" {
		out.Stats.BaseFlushInterval = fromEnv.Stats.BaseFlushInterval
	}
	if v, ok := os.LookupEnv("BRAINY_STATS_FAST_FLUSH_INTERVAL"); ok && v != "" {
		out.Stats.FastFlushInterval = fromEnv.Stats.FastFlushInterval
	}
	if v, ok := os.LookupEnv("BRAINY_STATS_IDLE_FLUSH_INTERVAL"); ok && v != "" {
		out.Stats.IdleFlushInterval = fromEnv.Stats.IdleFlushInterval
	}
	if v, ok := os.LookupEnv("BRAINY_PIPELINE_SENSE_CHUNK_SIZE"); ok && v != "" {
		out.Pipeline.SenseChunkSize = fromEnv.Pipeline.SenseChunkSize
	}
	if v, ok := os.LookupEnv("BRAINY_PIPELINE_STREAM_PARALLELISM"); ok && v != "" {
		out.Pipeline.StreamParallelism = fromEnv.Pipeline.StreamParallelism
	}
	if v, ok := os.LookupEnv("BRAINY_PIPELINE_DEFAULT_STAGE_TIMEOUT"); ok && v != "" {
		out.Pipeline.DefaultStageTimeout = fromEnv.Pipeline.DefaultStageTimeout
	}
	if v, ok := os.LookupEnv("BRAINY_EMBEDDING_DIMENSION"); ok && v != "" {
		out.Embedding.Dimension = fromEnv.Embedding.Dimension
	}
	if v, ok := os.LookupEnv("BRAINY_EMBEDDING_MAX_CONCURRENCY"); ok && v != "" {
		out.Embedding.MaxConcurrency = fromEnv.Embedding.MaxConcurrency
	}
	if v, ok := os.LookupEnv("BRAINY_LOG_LEVEL"); ok && v != "" {
		out.Logging.Level = fromEnv.Logging.Level
	}
	if v, ok := os.LookupEnv("BRAINY_LOG_JSON"); ok && v != "" {
		out.Logging.JSON = fromEnv.Logging.JSON
	}
	return &out
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "filesystem", "opfs", "s3":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3Bucket == "" {
		return fmt.Errorf("config: s3 storage backend requires BRAINY_STORAGE_S3_BUCKET")
	}

	if c.HNSW.M <= 0 {
		return fmt.Errorf("config: invalid HNSW M: %d", c.HNSW.M)
	}
	if c.HNSW.EfConstruction <= 0 {
		return fmt.Errorf("config: invalid HNSW efConstruction: %d", c.HNSW.EfConstruction)
	}
	if c.HNSW.EfSearch <= 0 {
		return fmt.Errorf("config: invalid HNSW efSearch: %d", c.HNSW.EfSearch)
	}
	switch strings.ToLower(c.HNSW.Kernel) {
	case "euclidean", "cosine", "manhattan", "dot":
	default:
		return fmt.Errorf("config: unknown HNSW kernel %q", c.HNSW.Kernel)
	}

	if c.Pipeline.StreamParallelism <= 0 {
		return fmt.Errorf("config: invalid pipeline stream parallelism: %d", c.Pipeline.StreamParallelism)
	}

	if c.Embedding.MaxConcurrency <= 0 {
		return fmt.Errorf("config: invalid embedding max concurrency: %d", c.Embedding.MaxConcurrency)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}

	return nil
}

// String returns a safe, loggable summary of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Storage: %s, HNSW: {M:%d, EfSearch:%d, Kernel:%s}, LogLevel: %s}",
		c.Storage.Backend, c.HNSW.M, c.HNSW.EfSearch, c.HNSW.Kernel, c.Logging.Level,
	)
}

// Helper functions for environment variable parsing.

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
