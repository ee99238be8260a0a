package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" json:"host"`
	Port            int           `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig represents PostgreSQL configuration.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn" json:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"` // seconds
}

// RedisConfig represents the active-model cache configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address" json:"address"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
}

// KafkaConfig represents the alert broker configuration.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers" json:"brokers"`
	AlertTopic string   `mapstructure:"alert_topic" json:"alert_topic"`
	Enabled    bool     `mapstructure:"enabled" json:"enabled"`
}

// EnsembleWeights are the fusion weights of the four sub-signals.
// They are policy, not truths: overridable through configuration, the
// defaults must sum to 1.0.
type EnsembleWeights struct {
	Clustering      float64 `mapstructure:"clustering" json:"clustering"`
	Statistical     float64 `mapstructure:"statistical" json:"statistical"`
	Rule            float64 `mapstructure:"rule" json:"rule"`
	BallisticTiming float64 `mapstructure:"ballistic_timing" json:"ballistic_timing"`
}

// Sum returns the total weight mass.
func (w EnsembleWeights) Sum() float64 {
	return w.Clustering + w.Statistical + w.Rule + w.BallisticTiming
}

// RuleWeights are the per-flag contributions of the rule-based signal.
type RuleWeights struct {
	CrossUnitTransfer float64 `mapstructure:"cross_unit_transfer" json:"cross_unit_transfer"`
	RapidExchange     float64 `mapstructure:"rapid_exchange" json:"rapid_exchange"`
	BallisticBefore   float64 `mapstructure:"ballistic_before" json:"ballistic_before"`
	BallisticAfter    float64 `mapstructure:"ballistic_after" json:"ballistic_after"`
	OffHours          float64 `mapstructure:"off_hours" json:"off_hours"`
	CrossUnitHistory  float64 `mapstructure:"cross_unit_history" json:"cross_unit_history"`
	HighExchangeRate  float64 `mapstructure:"high_exchange_rate" json:"high_exchange_rate"`
	HighBallisticFreq float64 `mapstructure:"high_ballistic_freq" json:"high_ballistic_freq"`
	RepeatedCrossUnit float64 `mapstructure:"repeated_cross_unit" json:"repeated_cross_unit"`
}

// ClusteringConfig governs training of the k-means model.
type ClusteringConfig struct {
	K                 int     `mapstructure:"k" json:"k"`
	MinSamples        int     `mapstructure:"min_samples" json:"min_samples"`
	MaxIterations     int     `mapstructure:"max_iterations" json:"max_iterations"`
	WindowDays        int     `mapstructure:"window_days" json:"window_days"`
	FallbackThreshold float64 `mapstructure:"fallback_threshold" json:"fallback_threshold"`
}

// RetrainConfig governs the periodic retraining decision.
type RetrainConfig struct {
	MaxAgeDays         int           `mapstructure:"max_age_days" json:"max_age_days"`
	NewSampleThreshold int64         `mapstructure:"new_sample_threshold" json:"new_sample_threshold"`
	FalsePositiveRate  float64       `mapstructure:"false_positive_rate" json:"false_positive_rate"`
	MinDecisions       int64         `mapstructure:"min_decisions" json:"min_decisions"`
	CheckInterval      time.Duration `mapstructure:"check_interval" json:"check_interval"`
}

// AnomalyConfig bundles all detection pipeline settings.
type AnomalyConfig struct {
	Weights           EnsembleWeights  `mapstructure:"weights" json:"weights"`
	RuleWeights       RuleWeights      `mapstructure:"rule_weights" json:"rule_weights"`
	ScoreThreshold    float64          `mapstructure:"score_threshold" json:"score_threshold"`
	CrossUnitFloor    float64          `mapstructure:"cross_unit_floor" json:"cross_unit_floor"`
	Clustering        ClusteringConfig `mapstructure:"clustering" json:"clustering"`
	Retrain           RetrainConfig    `mapstructure:"retrain" json:"retrain"`
	QueueSize         int              `mapstructure:"queue_size" json:"queue_size"`
	Workers           int              `mapstructure:"workers" json:"workers"`
	NotifyMinSeverity string           `mapstructure:"notify_min_severity" json:"notify_min_severity"`
}

// Config represents the application configuration.
type Config struct {
	Environment string         `mapstructure:"environment" json:"environment"`
	Server      ServerConfig   `mapstructure:"server" json:"server"`
	Database    DatabaseConfig `mapstructure:"database" json:"database"`
	Redis       RedisConfig    `mapstructure:"redis" json:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka" json:"kafka"`
	Anomaly     AnomalyConfig  `mapstructure:"anomaly" json:"anomaly"`
	LogLevel    string         `mapstructure:"log_level" json:"log_level"`
}

// LoadConfig loads configuration from an optional YAML file plus
// ARMORYTRACE_-prefixed environment variables, with code defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("ARMORYTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	for _, path := range paths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.dsn", "host=localhost user=armorytrace dbname=armorytrace sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.alert_topic", "armorytrace.anomaly-alerts")
	v.SetDefault("kafka.enabled", false)

	v.SetDefault("anomaly.weights.clustering", 0.35)
	v.SetDefault("anomaly.weights.statistical", 0.25)
	v.SetDefault("anomaly.weights.rule", 0.25)
	v.SetDefault("anomaly.weights.ballistic_timing", 0.15)

	v.SetDefault("anomaly.rule_weights.cross_unit_transfer", 0.9)
	v.SetDefault("anomaly.rule_weights.rapid_exchange", 0.8)
	v.SetDefault("anomaly.rule_weights.ballistic_before", 0.85)
	v.SetDefault("anomaly.rule_weights.ballistic_after", 0.8)
	v.SetDefault("anomaly.rule_weights.off_hours", 0.3)
	v.SetDefault("anomaly.rule_weights.cross_unit_history", 0.5)
	v.SetDefault("anomaly.rule_weights.high_exchange_rate", 0.6)
	v.SetDefault("anomaly.rule_weights.high_ballistic_freq", 0.7)
	v.SetDefault("anomaly.rule_weights.repeated_cross_unit", 0.75)

	v.SetDefault("anomaly.score_threshold", 0.35)
	v.SetDefault("anomaly.cross_unit_floor", 0.4)

	v.SetDefault("anomaly.clustering.k", 6)
	v.SetDefault("anomaly.clustering.min_samples", 100)
	v.SetDefault("anomaly.clustering.max_iterations", 100)
	v.SetDefault("anomaly.clustering.window_days", 180)
	v.SetDefault("anomaly.clustering.fallback_threshold", 0.5)

	v.SetDefault("anomaly.retrain.max_age_days", 30)
	v.SetDefault("anomaly.retrain.new_sample_threshold", 1000)
	v.SetDefault("anomaly.retrain.false_positive_rate", 0.30)
	v.SetDefault("anomaly.retrain.min_decisions", 20)
	v.SetDefault("anomaly.retrain.check_interval", 7*24*time.Hour)

	v.SetDefault("anomaly.queue_size", 1024)
	v.SetDefault("anomaly.workers", 4)
	v.SetDefault("anomaly.notify_min_severity", "high")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if sum := cfg.Anomaly.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("ensemble weights must sum to 1.0, got %.4f", sum)
	}
	if cfg.Anomaly.Clustering.K < 2 {
		return fmt.Errorf("cluster count must be at least 2, got %d", cfg.Anomaly.Clustering.K)
	}
	if cfg.Anomaly.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", cfg.Anomaly.QueueSize)
	}
	if cfg.Anomaly.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", cfg.Anomaly.Workers)
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
