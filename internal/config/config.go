package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline"`
	DeadLetter     DeadLetterConfig     `mapstructure:"deadletter"`
	Source         SourceConfig         `mapstructure:"source"`
	Ingest         IngestConfig         `mapstructure:"ingest"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	RunMigrations bool           `mapstructure:"run_migrations"`
	MaxOpenConns  int            `mapstructure:"max_open_conns"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// OverflowPolicy decides what Submit does when the buffer is at capacity.
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowFailFast   OverflowPolicy = "fail-fast"
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

type PipelineConfig struct {
	BufferCapacity      int            `mapstructure:"buffer_capacity"`
	OverflowPolicy      OverflowPolicy `mapstructure:"overflow_policy"`
	SubmitTimeout       time.Duration  `mapstructure:"submit_timeout"`
	BatchMaxRecords     int            `mapstructure:"batch_max_records"`
	BatchMaxWindow      time.Duration  `mapstructure:"batch_max_window"`
	WriterConcurrency   int            `mapstructure:"writer_concurrency"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	MaxMessageBytes     int            `mapstructure:"max_message_bytes"`
	Retry               RetryConfig    `mapstructure:"retry"`
	SpillDir            string         `mapstructure:"spill_dir"`
	FlushCooldown       time.Duration  `mapstructure:"flush_cooldown"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type DeadLetterConfig struct {
	Sink     string `mapstructure:"sink"` // "postgres" or "file"
	FilePath string `mapstructure:"file_path"`
}

type SourceConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type IngestConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

// DefaultPipeline returns the pipeline settings used when a field is left
// unset in the config file.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		BufferCapacity:      10000,
		OverflowPolicy:      OverflowBlock,
		SubmitTimeout:       2 * time.Second,
		BatchMaxRecords:     500,
		BatchMaxWindow:      time.Second,
		WriterConcurrency:   4,
		ShutdownGracePeriod: 10 * time.Second,
		MaxMessageBytes:     64 * 1024,
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
		},
		SpillDir:      "spill",
		FlushCooldown: time.Minute,
	}
}
