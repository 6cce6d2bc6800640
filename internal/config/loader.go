package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	defaults := DefaultPipeline()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 0)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("deadletter.sink", "postgres")

	viper.SetDefault("pipeline.buffer_capacity", defaults.BufferCapacity)
	viper.SetDefault("pipeline.overflow_policy", string(defaults.OverflowPolicy))
	viper.SetDefault("pipeline.submit_timeout", defaults.SubmitTimeout)
	viper.SetDefault("pipeline.batch_max_records", defaults.BatchMaxRecords)
	viper.SetDefault("pipeline.batch_max_window", defaults.BatchMaxWindow)
	viper.SetDefault("pipeline.writer_concurrency", defaults.WriterConcurrency)
	viper.SetDefault("pipeline.shutdown_grace_period", defaults.ShutdownGracePeriod)
	viper.SetDefault("pipeline.max_message_bytes", defaults.MaxMessageBytes)
	viper.SetDefault("pipeline.retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("pipeline.retry.initial_interval", defaults.Retry.InitialInterval)
	viper.SetDefault("pipeline.retry.max_interval", defaults.Retry.MaxInterval)
	viper.SetDefault("pipeline.retry.multiplier", defaults.Retry.Multiplier)
	viper.SetDefault("pipeline.spill_dir", defaults.SpillDir)
	viper.SetDefault("pipeline.flush_cooldown", defaults.FlushCooldown)
}

func bindEnvVariables() {
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("source.kafka.brokers", "SOURCE_KAFKA_BROKERS")
	viper.BindEnv("source.kafka.topic", "SOURCE_KAFKA_TOPIC")
	viper.BindEnv("source.kafka.group_id", "SOURCE_KAFKA_GROUP_ID")

	viper.BindEnv("pipeline.spill_dir", "PIPELINE_SPILL_DIR")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("SOURCE_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Source.Kafka.Brokers = brokers
		}
	}

	return nil
}
