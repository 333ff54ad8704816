// Package config loads the client configuration from YAML with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/objectstore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINESYNC_"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
	Daemon  DaemonConfig  `yaml:"daemon"`
}

// ServerConfig locates the remote API.
type ServerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig supplies the bearer token. TokenFile wins over Token.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// StorageConfig selects where the local store is persisted.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// EncryptionKey, when set, encrypts the persisted blob with a key derived from it.
	EncryptionKey string             `yaml:"encryption_key"`
	S3            objectstore.Config `yaml:"s3"`
}

// SyncConfig tunes the engine and scheduler.
type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	Interval         time.Duration `yaml:"interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ConflictStrategy string        `yaml:"conflict_strategy"`
	CollapseDeletes  bool          `yaml:"collapse_deletes"`
}

// LoggingConfig sets the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DaemonConfig configures the desktop event server.
type DaemonConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			Path:    "./data/offlinesync.json",
			S3:      objectstore.Config{Provider: objectstore.ProviderAWS, UseSSL: true},
		},
		Sync: SyncConfig{
			BatchSize:        5,
			Interval:         15 * time.Minute,
			RetryInterval:    time.Minute,
			ProbeInterval:    30 * time.Second,
			ConflictStrategy: string(conflict.ResolutionStrategyLastWriteWins),
			CollapseDeletes:  true,
		},
		Logging: LoggingConfig{Level: "info"},
		Daemon:  DaemonConfig{Listen: "localhost:8090"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("SERVER_URL", &c.Server.BaseURL)
	str("TOKEN", &c.Auth.Token)
	str("TOKEN_FILE", &c.Auth.TokenFile)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_PATH", &c.Storage.Path)
	str("ENCRYPTION_KEY", &c.Storage.EncryptionKey)
	str("S3_BUCKET", &c.Storage.S3.Bucket)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("S3_ACCESS_KEY", &c.Storage.S3.AccessKey)
	str("S3_SECRET_KEY", &c.Storage.S3.SecretKey)
	str("CONFLICT_STRATEGY", &c.Sync.ConflictStrategy)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LISTEN", &c.Daemon.Listen)

	if v, ok := lookup(EnvPrefix + "SERVER_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSERVER_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Server.Timeout = d
	}
	if v, ok := lookup(EnvPrefix + "BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBATCH_SIZE: %w", EnvPrefix, err)
		}
		c.Sync.BatchSize = n
	}
	if v, ok := lookup(EnvPrefix + "COLLAPSE_DELETES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCOLLAPSE_DELETES: %w", EnvPrefix, err)
		}
		c.Sync.CollapseDeletes = b
	}
	return nil
}

// Validate checks the values a client cannot start without.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if c.Server.Timeout <= 0 {
		return errors.New("server.timeout must be positive")
	}
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	switch conflict.ResolutionStrategy(c.Sync.ConflictStrategy) {
	case conflict.ResolutionStrategyLastWriteWins, conflict.ResolutionStrategyManual:
	default:
		return fmt.Errorf("unknown sync.conflict_strategy %q", c.Sync.ConflictStrategy)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
