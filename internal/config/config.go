package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Rules         RulesConfig         `yaml:"rules" mapstructure:"rules"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator" mapstructure:"evaluator"`
	Escalation    EscalationConfig    `yaml:"escalation" mapstructure:"escalation"`
	Dispatch      DispatchConfig      `yaml:"dispatch" mapstructure:"dispatch"`
	Audit         AuditConfig         `yaml:"audit" mapstructure:"audit"`
	Consensus     ConsensusConfig     `yaml:"consensus" mapstructure:"consensus"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Partner       PartnerConfig       `yaml:"partner" mapstructure:"partner"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Determination DeterminationConfig `yaml:"determination" mapstructure:"determination"`
}

// StoreConfig configures the certificate store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// FallbackMemory serves from an in-memory mirror while the database is unreachable.
	FallbackMemory bool  `yaml:"fallback_memory" mapstructure:"fallback_memory"`
	MaxConns       int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns       int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeoutS int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RulesConfig locates the origin rule catalog.
type RulesConfig struct {
	// CatalogPath overrides the built-in catalog.
	CatalogPath        string  `yaml:"catalog_path" mapstructure:"catalog_path"`
	ConsensusThreshold float64 `yaml:"consensus_threshold" mapstructure:"consensus_threshold"`
}

// EvaluatorConfig configures the external evaluation service.
type EvaluatorConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutMS        int    `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// EscalationConfig selects and configures the review queue.
type EscalationConfig struct {
	Backend           string `yaml:"backend" mapstructure:"backend"`
	RedisURL          string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisList         string `yaml:"redis_list" mapstructure:"redis_list"`
	TemporalHost      string `yaml:"temporal_host" mapstructure:"temporal_host"`
	TemporalNamespace string `yaml:"temporal_namespace" mapstructure:"temporal_namespace"`
	TemporalTaskQueue string `yaml:"temporal_task_queue" mapstructure:"temporal_task_queue"`
}

// DispatchConfig sizes the background task dispatcher.
type DispatchConfig struct {
	Workers     int `yaml:"workers" mapstructure:"workers"`
	QueueSize   int `yaml:"queue_size" mapstructure:"queue_size"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AuditConfig configures where audit events go. Without brokers events are
// written to the log.
type AuditConfig struct {
	KafkaBrokers string `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

// ConsensusConfig configures multi-advisor consensus.
type ConsensusConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries     int  `yaml:"retries" mapstructure:"retries"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PartnerConfig configures the partner API.
type PartnerConfig struct {
	// APIKeys restricts access to the listed keys. Empty accepts any
	// well-formed key.
	APIKeys        []string `yaml:"api_keys" mapstructure:"api_keys"`
	RateLimit      int      `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateWindowSecs int      `yaml:"rate_window_secs" mapstructure:"rate_window_secs"`
}

// MonitoringConfig configures KPI alerting.
type MonitoringConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours     int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	ConformRateFloor  float64 `yaml:"conform_rate_floor" mapstructure:"conform_rate_floor"`
	ReviewRateCeiling float64 `yaml:"review_rate_ceiling" mapstructure:"review_rate_ceiling"`
}

// DeterminationConfig describes the importer when delegating to the
// evaluation service.
type DeterminationConfig struct {
	TenantID      string `yaml:"tenant_id" mapstructure:"tenant_id"`
	ImportCountry string `yaml:"import_country" mapstructure:"import_country"`
	ExportCountry string `yaml:"export_country" mapstructure:"export_country"`
	Currency      string `yaml:"currency" mapstructure:"currency"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORIGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.fallback_memory", true)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("rules.consensus_threshold", 0.75)
	v.SetDefault("evaluator.timeout_ms", 10000)
	v.SetDefault("evaluator.failure_threshold", 5)
	v.SetDefault("evaluator.reset_timeout_secs", 30)
	v.SetDefault("evaluator.max_attempts", 2)
	v.SetDefault("escalation.backend", "memory")
	v.SetDefault("escalation.redis_list", "origin:human-review")
	v.SetDefault("escalation.temporal_namespace", "default")
	v.SetDefault("escalation.temporal_task_queue", "origin-human-review")
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("audit.kafka_topic", "origin.audit")
	v.SetDefault("consensus.enabled", false)
	v.SetDefault("consensus.timeout_secs", 12)
	v.SetDefault("consensus.retries", 1)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("partner.rate_limit", 100)
	v.SetDefault("partner.rate_window_secs", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.conform_rate_floor", 0.5)
	v.SetDefault("monitoring.review_rate_ceiling", 0.4)
	v.SetDefault("determination.tenant_id", "00000000-0000-0000-0000-000000000000")
	v.SetDefault("determination.import_country", "NL")
	v.SetDefault("determination.currency", "EUR")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
