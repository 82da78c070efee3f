// Package config loads service configuration from defaults, an optional YAML
// file, an optional .env file and RECALL_* environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/oscillatelabsllc/recall/internal/models"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Memory      MemoryConfig      `yaml:"memory" env:"MEMORY"`
	Intent      IntentConfig      `yaml:"intent" env:"INTENT"`
	Router      RouterConfig      `yaml:"router" env:"ROUTER"`
	Buffer      BufferConfig      `yaml:"buffer" env:"BUFFER"`
	Store       StoreConfig       `yaml:"store" env:"STORE"`
	Vector      VectorConfig      `yaml:"vector" env:"VECTOR"`
	Embedding   EmbeddingConfig   `yaml:"embedding" env:"EMBEDDING"`
	Indexer     IndexerConfig     `yaml:"indexer" env:"INDEXER"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" env:"RETRIEVAL"`
	Enrich      EnrichConfig      `yaml:"enrich" env:"ENRICH"`
	Timeouts    TimeoutConfig     `yaml:"timeouts" env:"TIMEOUTS"`
	Maintenance MaintenanceConfig `yaml:"maintenance" env:"MAINTENANCE"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           string        `yaml:"port" env:"PORT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// MemoryConfig holds settings shared by every tier.
type MemoryConfig struct {
	ReservedSessions []string `yaml:"reserved_sessions" env:"RESERVED_SESSIONS"`
	// MaxTextBytes bounds the UTF-8 size of texto_semantico; longer payloads
	// are clipped on a rune boundary with a marker.
	MaxTextBytes int `yaml:"max_text_bytes" env:"MAX_TEXT_BYTES"`
}

// IntentConfig configures the classifier thresholds.
type IntentConfig struct {
	SimilarityLow  float64 `yaml:"similarity_low" env:"SIMILARITY_LOW"`
	SimilarityHigh float64 `yaml:"similarity_high" env:"SIMILARITY_HIGH"`
}

// RouterConfig configures the agent router.
type RouterConfig struct {
	RoutingLogCapacity int `yaml:"routing_log_capacity" env:"ROUTING_LOG_CAPACITY"`
	// Profiles overrides the built-in registry, keyed by intent label. The
	// "general" key replaces the fallback profile.
	Profiles map[string]models.AgentProfile `yaml:"profiles" env:"-"`
}

// BufferConfig configures the short-term buffer (T1).
type BufferConfig struct {
	Backend          string        `yaml:"backend" env:"BACKEND"` // redis, memory or none
	RedisAddr        string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword    string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB          int           `yaml:"redis_db" env:"REDIS_DB"`
	ThreadBufferSize int           `yaml:"thread_buffer_size" env:"THREAD_BUFFER_SIZE"`
	TTL              time.Duration `yaml:"ttl" env:"TTL"`
	ContextTTL       time.Duration `yaml:"context_ttl" env:"CONTEXT_TTL"`
}

// StoreConfig configures the durable document store (T2).
type StoreConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"` // duckdb or mongo
	DuckDBPath    string        `yaml:"duckdb_path" env:"DUCKDB_PATH"`
	MongoURI      string        `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string        `yaml:"mongo_database" env:"MONGO_DATABASE"`
	WriteAttempts int           `yaml:"write_attempts" env:"WRITE_ATTEMPTS"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// VectorConfig configures the vector index (T3).
type VectorConfig struct {
	// Path of the DuckDB file holding vectors. Empty shares the T2 file when
	// T2 is DuckDB.
	DuckDBPath string `yaml:"duckdb_path" env:"DUCKDB_PATH"`
	Dimensions int    `yaml:"dimensions" env:"DIMENSIONS"`
	HNSW       bool   `yaml:"hnsw" env:"HNSW"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider" env:"PROVIDER"` // openai, genai or local
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`
	Model    string `yaml:"model" env:"MODEL"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
}

// IndexerConfig configures the asynchronous T3 indexing queue.
type IndexerConfig struct {
	QueueSize                int     `yaml:"queue_size" env:"QUEUE_SIZE"`
	Workers                  int     `yaml:"workers" env:"WORKERS"`
	RatePerSecond            float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	IndexEligibilityMinChars int     `yaml:"index_eligibility_min_chars" env:"INDEX_ELIGIBILITY_MIN_CHARS"`
}

// RetrievalConfig configures the context retriever.
type RetrievalConfig struct {
	MaxContextAgeHours       int  `yaml:"max_context_age_hours" env:"MAX_CONTEXT_AGE_HOURS"`
	MaxTokensEstimate        int  `yaml:"max_tokens_estimate" env:"MAX_TOKENS_ESTIMATE"`
	ThreadLimit              int  `yaml:"thread_limit" env:"THREAD_LIMIT"`
	SemanticK                int  `yaml:"semantic_k" env:"SEMANTIC_K"`
	GlobalFloor              int  `yaml:"global_floor" env:"GLOBAL_FLOOR"`
	SemanticForLowConfidence bool `yaml:"semantic_for_low_confidence" env:"SEMANTIC_FOR_LOW_CONFIDENCE"`
}

// EnrichConfig configures the pre-response enricher.
type EnrichConfig struct {
	MinUtteranceChars int `yaml:"min_utterance_chars" env:"MIN_UTTERANCE_CHARS"`
}

// TimeoutConfig holds per-tier call timeouts.
type TimeoutConfig struct {
	Buffer    time.Duration `yaml:"buffer" env:"BUFFER"`
	Store     time.Duration `yaml:"store" env:"STORE"`
	Vector    time.Duration `yaml:"vector" env:"VECTOR"`
	Embedding time.Duration `yaml:"embedding" env:"EMBEDDING"`
}

// MaintenanceConfig configures the background clean-up jobs.
type MaintenanceConfig struct {
	Schedule      string        `yaml:"schedule" env:"SCHEDULE"`
	NoiseMinChars int           `yaml:"noise_min_chars" env:"NOISE_MIN_CHARS"`
	ReindexWindow time.Duration `yaml:"reindex_window" env:"REINDEX_WINDOW"`
	ReindexBatch  int           `yaml:"reindex_batch" env:"REINDEX_BATCH"`

	// SyntheticRetention is how long synthetic events survive before purge.
	SyntheticRetention time.Duration `yaml:"synthetic_retention" env:"SYNTHETIC_RETENTION"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			RequestTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Memory: MemoryConfig{
			ReservedSessions: append([]string(nil), models.DefaultReservedSessions...),
			MaxTextBytes:     2048,
		},
		Intent: IntentConfig{
			SimilarityLow:  0.30,
			SimilarityHigh: 0.70,
		},
		Router: RouterConfig{
			RoutingLogCapacity: 100,
		},
		Buffer: BufferConfig{
			Backend:          "memory",
			RedisAddr:        "localhost:6379",
			ThreadBufferSize: 64,
			TTL:              time.Hour,
			ContextTTL:       5 * time.Minute,
		},
		Store: StoreConfig{
			Backend:       "duckdb",
			DuckDBPath:    "recall.duckdb",
			MongoDatabase: "recall",
			WriteAttempts: 3,
			RetryDelay:    100 * time.Millisecond,
		},
		Vector: VectorConfig{
			Dimensions: 768,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			BaseURL:  "http://localhost:11434",
			Model:    "nomic-embed-text",
		},
		Indexer: IndexerConfig{
			QueueSize:                1024,
			Workers:                  2,
			RatePerSecond:            20,
			IndexEligibilityMinChars: 10,
		},
		Retrieval: RetrievalConfig{
			MaxContextAgeHours:       24,
			MaxTokensEstimate:        2000,
			ThreadLimit:              10,
			SemanticK:                5,
			GlobalFloor:              3,
			SemanticForLowConfidence: true,
		},
		Enrich: EnrichConfig{
			MinUtteranceChars: 10,
		},
		Timeouts: TimeoutConfig{
			Buffer:    10 * time.Second,
			Store:     10 * time.Second,
			Vector:    10 * time.Second,
			Embedding: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Schedule:           "@every 30m",
			NoiseMinChars:      3,
			ReindexWindow:      7 * 24 * time.Hour,
			ReindexBatch:       500,
			SyntheticRetention: 7 * 24 * time.Hour,
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Intent.SimilarityLow < 0 || c.Intent.SimilarityHigh > 1 {
		return fmt.Errorf("intent thresholds must lie in [0,1]")
	}
	if c.Intent.SimilarityLow > c.Intent.SimilarityHigh {
		return fmt.Errorf("similarity_low (%.2f) exceeds similarity_high (%.2f)",
			c.Intent.SimilarityLow, c.Intent.SimilarityHigh)
	}
	if c.Retrieval.MaxTokensEstimate <= 0 {
		return fmt.Errorf("max_tokens_estimate must be positive")
	}
	if c.Buffer.ThreadBufferSize <= 0 {
		return fmt.Errorf("thread_buffer_size must be positive")
	}
	if c.Router.RoutingLogCapacity <= 0 {
		return fmt.Errorf("routing_log_capacity must be positive")
	}
	if c.Memory.MaxTextBytes <= 0 {
		return fmt.Errorf("max_text_bytes must be positive")
	}
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("vector dimensions must be positive")
	}
	switch c.Buffer.Backend {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("unknown buffer backend %q", c.Buffer.Backend)
	}
	switch c.Store.Backend {
	case "duckdb":
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store backend mongo requires mongo_uri")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Embedding.Provider {
	case "openai", "genai", "local":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	return nil
}

// MaxContextAge returns the retrieval cutoff as a duration.
func (r RetrievalConfig) MaxContextAge() time.Duration {
	return time.Duration(r.MaxContextAgeHours) * time.Hour
}
