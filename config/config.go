package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	IntegrityWatch IntegrityWatchConfig `yaml:"integritywatch"`
}

// IntegrityWatchConfig is the project configuration.
type IntegrityWatchConfig struct {
	Engine    EngineConfig    `yaml:"engine"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Rules     RulesConfig     `yaml:"rules"`
	Storage   StorageConfig   `yaml:"storage"`
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig controls ingestion and per-session processing.
type EngineConfig struct {
	MaxBatchSize       int           `yaml:"max_batch_size"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
	QueueSize          int           `yaml:"queue_size"`
	StorageRetries     int           `yaml:"storage_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	DedupeCacheSize    int           `yaml:"dedupe_cache_size"`
	AnalyzerWorkers    int           `yaml:"analyzer_workers"`
	TimelineBucket     time.Duration `yaml:"timeline_bucket"`
}

// DetectorsConfig holds deployment-wide detector defaults. Sessions may
// override thresholds but not weights.
type DetectorsConfig struct {
	WindowSize     int           `yaml:"window_size"`
	WindowDuration time.Duration `yaml:"window_duration"`
	DecayFactor    float64       `yaml:"decay_factor"`

	AbsenceThreshold time.Duration `yaml:"absence_threshold"`
	AbsenceWindow    time.Duration `yaml:"absence_window"`
	AbsenceWeight    float64       `yaml:"absence_weight"`

	MultiplicityWeight float64 `yaml:"multiplicity_weight"`

	GazeCount      int           `yaml:"gaze_count"`
	GazeWindow     time.Duration `yaml:"gaze_window"`
	GazeWeight     float64       `yaml:"gaze_weight"`
	GazeWeightStep float64       `yaml:"gaze_weight_step"`

	FocusLossCount      int     `yaml:"focus_loss_count"`
	FocusLossWeight     float64 `yaml:"focus_loss_weight"`
	FocusLossWeightStep float64 `yaml:"focus_loss_weight_step"`

	PasteWeight          float64 `yaml:"paste_weight"`
	PasteLength          int     `yaml:"paste_length"`
	PasteLargeMultiplier float64 `yaml:"paste_large_multiplier"`

	DriftScore  float64 `yaml:"drift_score"`
	DriftWeight float64 `yaml:"drift_weight"`

	CorrelationWindow time.Duration `yaml:"correlation_window"`
	CorrelationBonus  float64       `yaml:"correlation_bonus"`

	FlagThreshold   float64            `yaml:"flag_threshold"`
	FlagThresholds  map[string]float64 `yaml:"flag_thresholds"`
	ConfidenceScale float64            `yaml:"confidence_scale"`
}

// RulesConfig controls operator-defined Sigma rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Watch   bool   `yaml:"watch"`
}

// StorageConfig selects the storage collaborator.
type StorageConfig struct {
	Mode   string       `yaml:"mode"` // memory|sqlite|redis
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

// SQLiteConfig controls the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	KeyPrefix    string        `yaml:"key_prefix"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// InputConfig controls optional queue-based ingestion.
type InputConfig struct {
	Redis RedisInputConfig `yaml:"redis"`
	NATS  NATSInputConfig  `yaml:"nats"`
}

// RedisInputConfig controls the Redis list consumer.
type RedisInputConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Redis       RedisConfig `yaml:",inline"`
	Workers     int         `yaml:"workers"`
	DeadLetters string      `yaml:"dead_letter_key"`
}

// NATSInputConfig controls the NATS subscriber.
type NATSInputConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
	Workers int    `yaml:"workers"`
}

// OutputConfig controls export sinks. Both streams share one batching
// policy.
type OutputConfig struct {
	Flags         FlagOutputConfig  `yaml:"flags"`
	Events        EventOutputConfig `yaml:"events"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
}

// FlagOutputConfig controls the flag export sink.
type FlagOutputConfig struct {
	Mode string           `yaml:"mode"` // none|file|http|nats
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
	NATS NATSOutputConfig `yaml:"nats"`
}

// EventOutputConfig controls the accepted-event audit export.
type EventOutputConfig struct {
	Mode       string                 `yaml:"mode"` // none|file|clickhouse
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// NATSOutputConfig config for NATS publishing.
type NATSOutputConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Addr           string  `yaml:"addr"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
