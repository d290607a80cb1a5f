package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Game        GameConfig        `yaml:"game"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects the room-store backend. The backend is picked once
// at startup and injected; there is no runtime switching.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration for the match
// archive. The archive is skipped entirely when Enabled is false.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration for progress-event
// ingestion.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// MaintenanceConfig holds background cleanup worker configuration
type MaintenanceConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	ScanLimit int           `yaml:"scan_limit"`
}

// GameConfig holds room lifecycle tuning: the game clock, the join
// window, per-state retention, and client-side send intervals.
type GameConfig struct {
	MaxPlayers         int           `yaml:"max_players"`
	PlayTimeout        time.Duration `yaml:"play_timeout"`
	WaitingTTL         time.Duration `yaml:"waiting_ttl"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	ClosedRetention    time.Duration `yaml:"closed_retention"`
	HostlessTTL        time.Duration `yaml:"hostless_ttl"`
	StaleCutoff        time.Duration `yaml:"stale_cutoff"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ProgressDebounce   time.Duration `yaml:"progress_debounce"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "room-progress"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "room-progress-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Maintenance defaults
	if c.Maintenance.Interval == 0 {
		c.Maintenance.Interval = 2 * time.Minute
	}
	if c.Maintenance.ScanLimit == 0 {
		c.Maintenance.ScanLimit = 100
	}

	// Game defaults
	if c.Game.MaxPlayers == 0 {
		c.Game.MaxPlayers = 4
	}
	if c.Game.PlayTimeout == 0 {
		c.Game.PlayTimeout = 40 * time.Minute
	}
	if c.Game.WaitingTTL == 0 {
		c.Game.WaitingTTL = 5 * time.Minute
	}
	if c.Game.CompletedRetention == 0 {
		c.Game.CompletedRetention = 15 * time.Minute
	}
	if c.Game.ClosedRetention == 0 {
		c.Game.ClosedRetention = 60 * time.Second
	}
	if c.Game.HostlessTTL == 0 {
		c.Game.HostlessTTL = 15 * time.Minute
	}
	if c.Game.StaleCutoff == 0 {
		c.Game.StaleCutoff = 90 * time.Second
	}
	if c.Game.HeartbeatInterval == 0 {
		c.Game.HeartbeatInterval = 45 * time.Second
	}
	if c.Game.ProgressDebounce == 0 {
		c.Game.ProgressDebounce = 2 * time.Second
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Maintenance.Enabled = true
	return cfg
}
