package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type TemporalConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Namespace   string `mapstructure:"namespace"`
	TaskQueue   string `mapstructure:"task_queue"`
	MaxAttempts int32  `mapstructure:"max_attempts"`
	// JobTimeout bounds a single attempt; an attempt exceeding it counts as interrupted.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

type ImportConfig struct {
	EntityPollInterval      time.Duration `mapstructure:"entity_poll_interval"`
	ExportPollInterval      time.Duration `mapstructure:"export_poll_interval"`
	ExportStatusTTL         time.Duration `mapstructure:"export_status_ttl"`
	ExportExpiry            time.Duration `mapstructure:"export_expiry"`
	FinishPollInterval      time.Duration `mapstructure:"finish_poll_interval"`
	BatchConcurrency        int           `mapstructure:"batch_concurrency"`
	BatchStaleTimeout       time.Duration `mapstructure:"batch_stale_timeout"`
	LockTTL                 time.Duration `mapstructure:"lock_ttl"`
	StaleAfter              time.Duration `mapstructure:"stale_after"`
	StuckAfter              time.Duration `mapstructure:"stuck_after"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize          int           `mapstructure:"sweep_batch_size"`
	ReferencesBatchSize     int           `mapstructure:"references_batch_size"`
	BatchedMinSourceVersion string        `mapstructure:"batched_min_source_version"`
}

type ExportConfig struct {
	BatchSize              int           `mapstructure:"batch_size"`
	ConcurrentBatchLimit   int           `mapstructure:"concurrent_batch_limit"`
	BatchStartTimeout      time.Duration `mapstructure:"batch_start_timeout"`
	AdmissionRetryInterval time.Duration `mapstructure:"admission_retry_interval"`
	FinishPollInterval     time.Duration `mapstructure:"finish_poll_interval"`
	StaleAfter             time.Duration `mapstructure:"stale_after"`
	ReadyTTL               time.Duration `mapstructure:"ready_ttl"`
}

type HealthConfig struct {
	PoolSaturation   float64       `mapstructure:"pool_saturation"`
	CacheLatency     time.Duration `mapstructure:"cache_latency"`
	DeferDelay       time.Duration `mapstructure:"defer_delay"`
	IndicatorTimeout time.Duration `mapstructure:"indicator_timeout"`
}

type SourceConfig struct {
	AccessToken       string        `mapstructure:"access_token"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type Config struct {
	DatabaseURL string         `mapstructure:"database_url"`
	RedisURL    string         `mapstructure:"redis_url"`
	ServerPort  string         `mapstructure:"server_port"`
	InstanceURL string         `mapstructure:"instance_url"`
	Version     string         `mapstructure:"version"`
	Temporal    TemporalConfig `mapstructure:"temporal"`
	Import      ImportConfig   `mapstructure:"import"`
	Export      ExportConfig   `mapstructure:"export"`
	Health      HealthConfig   `mapstructure:"health"`
	Source      SourceConfig   `mapstructure:"source"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("Error reading config file: %v", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	if config.DatabaseURL == "" {
		log.Fatal("database_url must be set in the config file")
	}

	return config
}

func decode(v *viper.Viper) (*Config, error) {
	// Env-only keys are invisible to Unmarshal unless bound.
	for _, key := range []string{"database_url", "redis_url", "server_port", "instance_url", "source.access_token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(c *Config) {
	// Fallback defaults
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.InstanceURL == "" {
		c.InstanceURL = "http://localhost:" + c.ServerPort
	}
	if c.Version == "" {
		c.Version = "16.2.0"
	}

	t := &c.Temporal
	if t.Host == "" {
		t.Host = "localhost"
	}
	if t.Port == 0 {
		t.Port = 7233
	}
	if t.Namespace == "" {
		t.Namespace = "default"
	}
	if t.TaskQueue == "" {
		t.TaskQueue = "stratum-transfer"
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.JobTimeout == 0 {
		t.JobTimeout = 30 * time.Minute
	}

	i := &c.Import
	setDuration(&i.EntityPollInterval, 5*time.Second)
	setDuration(&i.ExportPollInterval, 10*time.Second)
	setDuration(&i.ExportStatusTTL, 30*time.Second)
	setDuration(&i.ExportExpiry, 6*time.Hour)
	setDuration(&i.FinishPollInterval, 5*time.Second)
	setDuration(&i.BatchStaleTimeout, time.Hour)
	setDuration(&i.LockTTL, time.Hour)
	setDuration(&i.StaleAfter, 24*time.Hour)
	setDuration(&i.StuckAfter, 24*time.Hour)
	setDuration(&i.SweepInterval, 5*time.Minute)
	if i.BatchConcurrency == 0 {
		i.BatchConcurrency = 10
	}
	if i.SweepBatchSize == 0 {
		i.SweepBatchSize = 100
	}
	if i.ReferencesBatchSize == 0 {
		i.ReferencesBatchSize = 100
	}
	if i.BatchedMinSourceVersion == "" {
		i.BatchedMinSourceVersion = "16.2.0"
	}

	e := &c.Export
	if e.BatchSize == 0 {
		e.BatchSize = 1000
	}
	if e.ConcurrentBatchLimit == 0 {
		e.ConcurrentBatchLimit = 6
	}
	setDuration(&e.BatchStartTimeout, time.Hour)
	setDuration(&e.AdmissionRetryInterval, time.Minute)
	setDuration(&e.FinishPollInterval, 5*time.Second)
	setDuration(&e.StaleAfter, 24*time.Hour)
	setDuration(&e.ReadyTTL, 24*time.Hour)

	h := &c.Health
	if h.PoolSaturation == 0 {
		h.PoolSaturation = 0.9
	}
	setDuration(&h.CacheLatency, 200*time.Millisecond)
	setDuration(&h.DeferDelay, 30*time.Second)
	setDuration(&h.IndicatorTimeout, 2*time.Second)

	s := &c.Source
	if s.RequestsPerSecond == 0 {
		s.RequestsPerSecond = 10
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	setDuration(&s.Timeout, 30*time.Second)
}

func setDuration(d *time.Duration, fallback time.Duration) {
	if *d == 0 {
		*d = fallback
	}
}
