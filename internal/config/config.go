// Package config loads and validates the worker's runtime configuration.
// Values come from defaults, an optional YAML file and COMPLISCAN_-prefixed
// environment variables, in increasing order of precedence. Per-task scan
// policy is a domain concern and lives elsewhere.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	localeen "github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/spf13/viper"
)

// envPrefix namespaces every environment override, e.g.
// COMPLISCAN_KAFKA_BROKERS or COMPLISCAN_POSTGRES_PASSWORD.
const envPrefix = "COMPLISCAN"

// Config is the complete runtime configuration of a worker process.
type Config struct {
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Health    HealthConfig    `mapstructure:"health"`
}

// KafkaConfig locates the broker and names the topics the worker uses.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers" validate:"required,min=1,dive,hostname_port"`
	TaskTopic      string   `mapstructure:"task_topic" validate:"required"`
	LifecycleTopic string   `mapstructure:"lifecycle_topic" validate:"required"`
	ProgressTopic  string   `mapstructure:"progress_topic" validate:"required"`
	GroupID        string   `mapstructure:"group_id" validate:"required"`
	ClientID       string   `mapstructure:"client_id" validate:"required"`
}

// PostgresConfig locates the task store.
type PostgresConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	Database string `mapstructure:"database" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// CacheConfig sizes the in-process result cache.
type CacheConfig struct {
	Size int           `mapstructure:"size" validate:"gt=0"`
	TTL  time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// ReconcileConfig paces the store reconciliation sweeps.
type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	StartupDelay time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
}

// PipelineConfig carries the orchestrator's process-level execution knobs.
// Per-task stage settings arrive with each submission; these values govern
// the worker itself.
type PipelineConfig struct {
	// MaxConcurrentTasks bounds how many tasks this worker executes at once.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" validate:"gt=0"`

	// MinReportInterval throttles per-unit progress publications per task.
	MinReportInterval time.Duration `mapstructure:"min_report_interval" validate:"gte=0"`

	// CancelGracePeriod is how long a cancelled task may keep running before
	// its context is torn down.
	CancelGracePeriod time.Duration `mapstructure:"cancel_grace_period" validate:"gte=0"`

	// ExistenceProbeInterval bounds how often running tasks re-verify their
	// store record at checkpoints.
	ExistenceProbeInterval time.Duration `mapstructure:"existence_probe_interval" validate:"gte=0"`

	// StallThreshold is how long a task may go without progress before the
	// stall warning fires. StallSweepInterval paces the detector.
	StallThreshold     time.Duration `mapstructure:"stall_threshold" validate:"gt=0"`
	StallSweepInterval time.Duration `mapstructure:"stall_sweep_interval" validate:"gt=0"`

	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig shapes the backoff between stage attempts.
type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval         time.Duration `mapstructure:"max_interval" validate:"gt=0"`
	Multiplier          float64       `mapstructure:"multiplier" validate:"gte=1"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" validate:"gte=0,lte=1"`
}

// DiscoveryConfig locates the certificate transparency index the discovery
// stage queries. An empty endpoint disables CT lookups for every task.
type DiscoveryConfig struct {
	CTLogEndpoint string `mapstructure:"ctlog_endpoint" validate:"omitempty,url"`
}

// ClassifyConfig locates the content classification service.
type ClassifyConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string        `mapstructure:"api_key"`
	RPS      float64       `mapstructure:"rps" validate:"gt=0"`
	Burst    int           `mapstructure:"burst" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// BlobConfig locates artifact storage on the local filesystem.
type BlobConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// RendererConfig locates the optional screenshot renderer. An empty endpoint
// disables screenshot capture.
type RendererConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// TelemetryConfig points traces and metrics at an OTLP collector. An empty
// endpoint targets the collector default, localhost:4317.
type TelemetryConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
}

// HealthConfig binds the readiness endpoint.
type HealthConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// Default returns the configuration a worker runs with when nothing is
// overridden.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			TaskTopic:      "scan-tasks",
			LifecycleTopic: "scan-lifecycle",
			ProgressTopic:  "scan-progress",
			GroupID:        "compliscan-workers",
			ClientID:       "compliscan-worker",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "compliscan",
			User:     "postgres",
			Password: "postgres",
			SSLMode:  "disable",
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  30 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Interval:     time.Hour,
			StartupDelay: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentTasks:     4,
			MinReportInterval:      200 * time.Millisecond,
			CancelGracePeriod:      10 * time.Second,
			ExistenceProbeInterval: 5 * time.Second,
			StallThreshold:         45 * time.Second,
			StallSweepInterval:     15 * time.Second,
			Retry: RetryConfig{
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         10 * time.Second,
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
		},
		Discovery: DiscoveryConfig{
			CTLogEndpoint: "https://crt.sh",
		},
		Classify: ClassifyConfig{
			RPS:     5,
			Burst:   10,
			Timeout: 10 * time.Second,
		},
		Blob: BlobConfig{
			Dir: "/var/lib/compliscan/blobs",
		},
		Renderer: RendererConfig{
			Timeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			SamplingRatio: 1,
		},
		Health: HealthConfig{
			Addr: ":8081",
		},
	}
}

// Load reads configuration from defaults, the optional YAML file at path and
// the environment, then validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every default with viper so AutomaticEnv can override
// any individual key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.task_topic", d.Kafka.TaskTopic)
	v.SetDefault("kafka.lifecycle_topic", d.Kafka.LifecycleTopic)
	v.SetDefault("kafka.progress_topic", d.Kafka.ProgressTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)

	v.SetDefault("postgres.host", d.Postgres.Host)
	v.SetDefault("postgres.port", d.Postgres.Port)
	v.SetDefault("postgres.database", d.Postgres.Database)
	v.SetDefault("postgres.user", d.Postgres.User)
	v.SetDefault("postgres.password", d.Postgres.Password)
	v.SetDefault("postgres.ssl_mode", d.Postgres.SSLMode)

	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.startup_delay", d.Reconcile.StartupDelay)

	v.SetDefault("pipeline.max_concurrent_tasks", d.Pipeline.MaxConcurrentTasks)
	v.SetDefault("pipeline.min_report_interval", d.Pipeline.MinReportInterval)
	v.SetDefault("pipeline.cancel_grace_period", d.Pipeline.CancelGracePeriod)
	v.SetDefault("pipeline.existence_probe_interval", d.Pipeline.ExistenceProbeInterval)
	v.SetDefault("pipeline.stall_threshold", d.Pipeline.StallThreshold)
	v.SetDefault("pipeline.stall_sweep_interval", d.Pipeline.StallSweepInterval)
	v.SetDefault("pipeline.retry.initial_interval", d.Pipeline.Retry.InitialInterval)
	v.SetDefault("pipeline.retry.max_interval", d.Pipeline.Retry.MaxInterval)
	v.SetDefault("pipeline.retry.multiplier", d.Pipeline.Retry.Multiplier)
	v.SetDefault("pipeline.retry.randomization_factor", d.Pipeline.Retry.RandomizationFactor)

	v.SetDefault("discovery.ctlog_endpoint", d.Discovery.CTLogEndpoint)

	v.SetDefault("classify.endpoint", d.Classify.Endpoint)
	v.SetDefault("classify.api_key", d.Classify.APIKey)
	v.SetDefault("classify.rps", d.Classify.RPS)
	v.SetDefault("classify.burst", d.Classify.Burst)
	v.SetDefault("classify.timeout", d.Classify.Timeout)

	v.SetDefault("blob.dir", d.Blob.Dir)

	v.SetDefault("renderer.endpoint", d.Renderer.Endpoint)
	v.SetDefault("renderer.timeout", d.Renderer.Timeout)

	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.sampling_ratio", d.Telemetry.SamplingRatio)

	v.SetDefault("health.addr", d.Health.Addr)
}

// Validate checks the configuration and reports every violation in one
// error, with field paths readers can map back to keys.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	english := localeen.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		return fmt.Errorf("register validation translations: %w", err)
	}

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", fe.Namespace(), fe.Translate(trans)))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
