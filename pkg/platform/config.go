// Package platform assembles the relay from its configuration.
package platform

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store providers.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Storage providers.
const (
	StorageLocal  = "local"
	StorageMemory = "memory"
	StorageS3     = "s3"
)

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 3030
	defaultSessionTTL      = time.Hour
	defaultCleanupInterval = time.Minute
	defaultRedisKeyPrefix  = "inimatic:session:"
	defaultMaxOpenConns    = 25
	defaultIdleTimeout     = 30 * time.Second
	defaultChunkSize       = 64 * 1024
	defaultPingInterval    = 10 * time.Second
	defaultPingTimeout     = 10 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultBridgeBaseURL   = "http://127.0.0.1:8777"
	defaultTokenTTL        = 24 * time.Hour
	defaultMetricsPath     = "/metrics"
)

// Config holds the complete relay configuration.
type Config struct {
	APIVersion string         `yaml:"apiVersion"`
	Server     ServerConfig   `yaml:"server"`
	Session    SessionConfig  `yaml:"session"`
	Database   DatabaseConfig `yaml:"database"`
	Storage    StorageConfig  `yaml:"storage"`
	Upload     UploadConfig   `yaml:"upload"`
	Bridge     BridgeConfig   `yaml:"bridge"`
	Token      TokenConfig    `yaml:"token"`
	Logging    LoggingConfig  `yaml:"logging"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener and the socket transport.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SessionConfig configures session record storage.
type SessionConfig struct {
	Provider        string        `yaml:"provider"` // "redis", "postgres", "memory"
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig configures the database connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// StorageConfig configures where uploaded files are kept.
type StorageConfig struct {
	Provider string          `yaml:"provider"` // "local", "memory", "s3"
	Dir      string          `yaml:"dir"`
	S3       S3StorageConfig `yaml:"s3"`
}

// S3StorageConfig configures the S3 storage provider.
type S3StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// UploadConfig configures file ingestion and distribution.
type UploadConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	ChunkSize   int           `yaml:"chunk_size"`
}

// BridgeConfig configures the hub bridge.
type BridgeConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BaseURL      string   `yaml:"base_url"`
	Token        string   `yaml:"token"`
	AllowedBases []string `yaml:"allowed_bases"`
}

// TokenConfig configures web session tokens.
type TokenConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
	Output string `yaml:"output"` // "stdout", "stderr" or a file path
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references first.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	if err := checkVersion(PeekVersion(data)); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// DefaultConfig returns the configuration used without a file. HOST and PORT
// select the listener; PRODUCTION points the Redis store at the "redis" host.
func DefaultConfig() *Config {
	redisHost := "localhost"
	if os.Getenv("PRODUCTION") != "" {
		redisHost = "redis"
	}

	cfg := &Config{
		APIVersion: CurrentConfigVersion,
		Server: ServerConfig{
			Host: os.Getenv("HOST"),
		},
		Session: SessionConfig{
			Provider: StoreRedis,
			Redis: RedisConfig{
				URL: "redis://" + net.JoinHostPort(redisHost, "6379"),
			},
		},
		Storage: StorageConfig{
			Provider: StorageLocal,
		},
		Bridge: BridgeConfig{
			BaseURL: os.Getenv("ADAOS_BASE"),
			Token:   os.Getenv("ADAOS_TOKEN"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		cfg.Server.Port = port
	}

	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentConfigVersion
	}
	applyServerDefaults(&cfg.Server)
	applySessionDefaults(&cfg.Session)

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = StorageLocal
	}
	if cfg.Upload.IdleTimeout == 0 {
		cfg.Upload.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Upload.ChunkSize == 0 {
		cfg.Upload.ChunkSize = defaultChunkSize
	}
	if cfg.Bridge.BaseURL == "" {
		cfg.Bridge.BaseURL = defaultBridgeBaseURL
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = defaultTokenTTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Host == "" {
		s.Host = defaultHost
	}
	if s.Port == 0 {
		s.Port = defaultPort
	}
	if len(s.OriginPatterns) == 0 {
		s.OriginPatterns = []string{"*"}
	}
	if s.PingInterval == 0 {
		s.PingInterval = defaultPingInterval
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = defaultPingTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
}

func applySessionDefaults(s *SessionConfig) {
	if s.Provider == "" {
		s.Provider = StoreRedis
	}
	if s.TTL == 0 {
		s.TTL = defaultSessionTTL
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = defaultCleanupInterval
	}
	if s.Redis.URL == "" {
		s.Redis.URL = "redis://localhost:6379"
	}
	if s.Redis.KeyPrefix == "" {
		s.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.PingInterval > 0 && c.Server.PingTimeout < 0 {
		errs = append(errs, "server.ping_timeout must not be negative")
	}

	switch c.Session.Provider {
	case StoreRedis:
		if c.Session.Redis.URL == "" {
			errs = append(errs, "session.redis.url is required for the redis provider")
		}
	case StorePostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres provider")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("session.provider %q is not one of redis, postgres, memory", c.Session.Provider))
	}
	if c.Session.TTL < 0 {
		errs = append(errs, "session.ttl must not be negative")
	}

	switch c.Storage.Provider {
	case StorageLocal, StorageMemory:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, "storage.s3.bucket is required when storage.provider is s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.provider %q is not one of local, memory, s3", c.Storage.Provider))
	}

	if c.Upload.IdleTimeout < 0 {
		errs = append(errs, "upload.idle_timeout must not be negative")
	}
	if c.Upload.ChunkSize < 0 {
		errs = append(errs, "upload.chunk_size must not be negative")
	}

	if c.Bridge.Enabled && !strings.HasPrefix(c.Bridge.BaseURL, "http://") && !strings.HasPrefix(c.Bridge.BaseURL, "https://") {
		errs = append(errs, "bridge.base_url must be an http(s) url")
	}

	errs = append(errs, c.Logging.validate()...)

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (l LoggingConfig) validate() []string {
	var errs []string
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", l.Level))
	}
	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of text, json", l.Format))
	}
	return errs
}
