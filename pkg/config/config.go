// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, RPC, Storage, Model, Redis, Kafka, Postgres, Audit, etc.).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "TM_"

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	RPC      RPCConfig      `yaml:"rpc" envPrefix:"RPC_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Model    ModelConfig    `yaml:"model" envPrefix:"MODEL_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Kafka    KafkaConfig    `yaml:"kafka" envPrefix:"KAFKA_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Audit    AuditConfig    `yaml:"audit" envPrefix:"AUDIT_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimit is the number of requests per minute allowed per client;
	// zero disables limiting.
	RateLimit int `yaml:"rateLimit" env:"RATE_LIMIT"`
	// CORSOrigins lists origins allowed to call the API from a browser;
	// "*" allows any.
	CORSOrigins []string `yaml:"corsOrigins" env:"CORS_ORIGINS" envSeparator:","`
	// APIKeys, when set, are required on requests that change state.
	APIKeys []string `yaml:"apiKeys" env:"API_KEYS" envSeparator:","`
}

// RPCConfig holds the length-prefixed JSON-RPC TCP server settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
	// MaxFrameSize bounds a single request payload in bytes.
	MaxFrameSize int `yaml:"maxFrameSize" env:"MAX_FRAME_SIZE"`
}

// Addr returns host:port for the RPC listener.
func (r RPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StorageConfig locates alphabets on disk. Sources are scanned in order;
// each maps a tag (user, mods, ...) to a directory of alphabets.
type StorageConfig struct {
	DataDir   string   `yaml:"dataDir" env:"DATA_DIR"`
	Sources   []Source `yaml:"sources"`
	ExportDir string   `yaml:"exportDir" env:"EXPORT_DIR"`
}

// Source is a tagged directory holding alphabets.
type Source struct {
	Tag string `yaml:"tag"`
	Dir string `yaml:"dir"`
}

// ModelConfig controls symbol model training and scoring.
type ModelConfig struct {
	NGauss       int     `yaml:"nGauss" env:"N_GAUSS"`
	PointsRange  float64 `yaml:"pointsRange" env:"POINTS_RANGE"`
	MaxIter      int     `yaml:"maxIter" env:"MAX_ITER"`
	Tolerance    float64 `yaml:"tolerance" env:"TOLERANCE"`
	Seed         uint64  `yaml:"seed" env:"SEED"`
	TrainWorkers int     `yaml:"trainWorkers" env:"TRAIN_WORKERS"`
	// TrainTimeout bounds how long a queued training request is waited on.
	TrainTimeout time.Duration `yaml:"trainTimeout" env:"TRAIN_TIMEOUT"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	PoolSize int           `yaml:"poolSize" env:"POOL_SIZE"`
	CacheTTL time.Duration `yaml:"cacheTTL" env:"CACHE_TTL"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled" env:"ENABLED"`
	Brokers       []string    `yaml:"brokers" env:"BROKERS" envSeparator:","`
	ConsumerGroup string      `yaml:"consumerGroup" env:"CONSUMER_GROUP"`
	Topics        KafkaTopics `yaml:"topics" envPrefix:"TOPIC_"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Events        string `yaml:"events" env:"EVENTS"`
	TrainRequests string `yaml:"trainRequests" env:"TRAIN_REQUESTS"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	Database        string        `yaml:"database" env:"DATABASE"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	SSLMode         string        `yaml:"sslMode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"maxOpenConns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"maxIdleConns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// AuditConfig selects where alphabet check reports are kept.
// Backend is one of "none", "sqlite" or "postgres".
type AuditConfig struct {
	Backend    string `yaml:"backend" env:"BACKEND"`
	SQLitePath string `yaml:"sqlitePath" env:"SQLITE_PATH"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TracingConfig controls span sampling.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" env:"ENABLED"`
	SampleRate float64 `yaml:"sampleRate" env:"SAMPLE_RATE"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values the recognizer cannot work with.
func (c *Config) Validate() error {
	if c.Model.NGauss < 1 {
		return fmt.Errorf("model.nGauss must be positive, got %d", c.Model.NGauss)
	}
	if c.Model.PointsRange <= 0 {
		return fmt.Errorf("model.pointsRange must be positive, got %g", c.Model.PointsRange)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit must not be negative, got %d", c.Server.RateLimit)
	}
	switch c.Audit.Backend {
	case "", "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("audit.backend %q is not one of none, sqlite, postgres", c.Audit.Backend)
	}
	for _, s := range c.Storage.Sources {
		if s.Tag == "" || s.Dir == "" {
			return fmt.Errorf("storage source needs both tag and dir: %+v", s)
		}
	}
	return nil
}

// fillDerived sets paths that depend on the data directory when the config
// left them empty.
func (c *Config) fillDerived() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir()
	}
	if len(c.Storage.Sources) == 0 {
		c.Storage.Sources = []Source{
			{Tag: "user", Dir: filepath.Join(c.Storage.DataDir, "user", "alphabets")},
			{Tag: "mods", Dir: filepath.Join(c.Storage.DataDir, "mods", "alphabets")},
		}
	}
	if c.Storage.ExportDir == "" {
		c.Storage.ExportDir = filepath.Join(c.Storage.DataDir, "export")
	}
	if c.Audit.SQLitePath == "" {
		c.Audit.SQLitePath = filepath.Join(c.Storage.DataDir, "audit.db")
	}
}

// DefaultDataDir returns the per-user data directory: %APPDATA%/WordsOfPower
// on Windows, ~/.local/share/WordsOfPower elsewhere.
func DefaultDataDir() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "WordsOfPower")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "WordsOfPower")
}

// defaultConfig returns a Config with defaults suitable for local use.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
		},
		RPC: RPCConfig{
			Enabled:      true,
			Host:         "localhost",
			Port:         6969,
			MaxFrameSize: 4 << 20,
		},
		Model: ModelConfig{
			NGauss:       10,
			PointsRange:  1000,
			MaxIter:      100,
			Tolerance:    1e-3,
			Seed:         1,
			TrainWorkers: 4,
			TrainTimeout: 10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "texnomagic-group",
			Topics: KafkaTopics{
				Events:        "texnomagic-events",
				TrainRequests: "texnomagic-train-requests",
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "texnomagic",
			User:            "texnomagic",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Backend: "none",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}
