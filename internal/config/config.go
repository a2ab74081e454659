package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Geocode       GeocodeConfig       `yaml:"geocode"`
	Vision        VisionConfig        `yaml:"vision"`
	Semantic      SemanticConfig      `yaml:"semantic"`
	Library       LibraryConfig       `yaml:"library"`
	Index         IndexConfig         `yaml:"index"`
	Search        SearchConfig        `yaml:"search"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addresses    []string       `yaml:"addresses"`
	Password     string         `yaml:"password"`
	DB           int            `yaml:"db"`
	PoolSize     int            `yaml:"pool_size"`
	MinIdleConns int            `yaml:"min_idle_conns"`
	DialTimeout  time.Duration  `yaml:"dial_timeout"`
	ReadTimeout  time.Duration  `yaml:"read_timeout"`
	WriteTimeout time.Duration  `yaml:"write_timeout"`
	TTL          CacheTTLConfig `yaml:"ttl"`
}

type CacheTTLConfig struct {
	SearchResults time.Duration `yaml:"search_results"`
	Geocode       time.Duration `yaml:"geocode"`
	StaleFallback time.Duration `yaml:"stale_fallback"`
}

type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	TopicChanges  string        `yaml:"topic_changes"`
	TopicDLQ      string        `yaml:"topic_dlq"`
	ConsumerGroup string        `yaml:"consumer_group"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

type GeocodeConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type VisionConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SemanticConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LibraryConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

type IndexConfig struct {
	GeohashPrecision  int           `yaml:"geohash_precision"`
	LabelBuildLimit   int           `yaml:"label_build_limit"`
	AbortFailureRatio float64       `yaml:"abort_failure_ratio"`
	ProgressInterval  int           `yaml:"progress_interval"`
	BuildTimeout      time.Duration `yaml:"build_timeout"`
}

type SearchConfig struct {
	DefaultLimit   int                  `yaml:"default_limit"`
	MaxLimit       int                  `yaml:"max_limit"`
	QueryTimeout   time.Duration        `yaml:"query_timeout"`
	KnownPlaces    []string             `yaml:"known_places"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	SlowQuery      SlowQueryConfig      `yaml:"slow_query"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`
}

type SlowQueryConfig struct {
	WarningThreshold  time.Duration `yaml:"warning_threshold"`
	CriticalThreshold time.Duration `yaml:"critical_threshold"`
}

type ObservabilityConfig struct {
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	ServiceName string `yaml:"service_name"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path: "mediafind.db",
		},
		Redis: RedisConfig{
			Addresses:    []string{"localhost:6379"},
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			TTL: CacheTTLConfig{
				SearchResults: 2 * time.Minute,
				Geocode:       24 * time.Hour,
				StaleFallback: 1 * time.Hour,
			},
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			TopicChanges:  "media.changes",
			TopicDLQ:      "media.changes.dlq",
			ConsumerGroup: "mediafind-indexer",
			BatchSize:     500,
			BatchTimeout:  1 * time.Second,
			MaxRetries:    3,
		},
		Geocode: GeocodeConfig{
			Endpoint:       "https://nominatim.openstreetmap.org/search",
			RequestTimeout: 3 * time.Second,
		},
		Vision: VisionConfig{
			RequestTimeout: 10 * time.Second,
		},
		Semantic: SemanticConfig{
			RequestTimeout: 20 * time.Second,
		},
		Library: LibraryConfig{
			ManifestPath: "library.json",
		},
		Index: IndexConfig{
			GeohashPrecision:  5,
			AbortFailureRatio: 0.5,
			ProgressInterval:  25,
			BuildTimeout:      2 * time.Hour,
		},
		Search: SearchConfig{
			DefaultLimit: 30,
			MaxLimit:     200,
			QueryTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:      10,
				Interval:         30 * time.Second,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
			Retry: RetryConfig{
				MaxAttempts: 2,
				InitialWait: 100 * time.Millisecond,
				MaxWait:     1 * time.Second,
				Multiplier:  2.0,
			},
			SlowQuery: SlowQueryConfig{
				WarningThreshold:  500 * time.Millisecond,
				CriticalThreshold: 2 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			ServiceName: "mediafind",
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path required")
	}
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("at least one redis address required")
	}
	if c.Index.GeohashPrecision < 1 || c.Index.GeohashPrecision > 12 {
		return fmt.Errorf("geohash precision must be between 1 and 12, got %d", c.Index.GeohashPrecision)
	}
	if c.Index.AbortFailureRatio < 0 || c.Index.AbortFailureRatio > 1 {
		return fmt.Errorf("abort failure ratio must be between 0 and 1, got %f", c.Index.AbortFailureRatio)
	}
	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("default limit must be positive")
	}
	if c.Search.MaxLimit <= 0 || c.Search.MaxLimit > 1000 {
		return fmt.Errorf("max limit must be between 1 and 1000")
	}
	return nil
}
