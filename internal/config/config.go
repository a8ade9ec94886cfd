// Package config provides configuration management for recipesync.
// Values come from defaults, an optional YAML file, and RECIPESYNC_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. RECIPESYNC_SYNC_INTERVAL.
const EnvPrefix = "RECIPESYNC"

// Remote providers.
const (
	ProviderMemory = "memory"
	ProviderMinIO  = "minio"
	ProviderAWS    = "aws"
	ProviderR2     = "r2"
	ProviderS3     = "s3"
)

// Config represents the complete recipesync configuration.
type Config struct {
	// DataDir holds the queue database and the photo blob store
	DataDir string       `mapstructure:"data_dir" yaml:"data_dir"`
	Log     LogConfig    `mapstructure:"log" yaml:"log"`
	Sync    SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Remote  RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Auth    AuthConfig   `mapstructure:"auth" yaml:"auth"`
	Server  ServerConfig `mapstructure:"server" yaml:"server"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File enables a size-rotated log file when set
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// SyncConfig holds synchronization settings.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	PassTimeout  time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// RemoteConfig selects and configures the remote object store.
type RemoteConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	AccountID string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// AuthConfig holds the signed-in identity used by the daemon.
type AuthConfig struct {
	OwnerID string `mapstructure:"owner_id" yaml:"owner_id,omitempty"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
}

// ServerConfig holds the local HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultDataDir returns ~/.recipesync, or .recipesync if the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recipesync"
	}
	return filepath.Join(home, ".recipesync")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Sync: SyncConfig{
			Interval:     30 * time.Second,
			MaxRetries:   3,
			PassTimeout:  5 * time.Minute,
			ProbeTimeout: 10 * time.Second,
		},
		Remote: RemoteConfig{
			Provider: ProviderMemory,
			UseSSL:   true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is an explicit config path. When empty, config.yaml in the
	// data directory is used if it exists.
	File string
	// Fs overrides the filesystem; nil means the OS filesystem.
	Fs afero.Fs
}

// Load resolves configuration from defaults, file, and environment.
func Load(opts Options) (*Config, error) {
	v := newViper(opts.Fs)

	file := opts.File
	if file == "" {
		dataDir := v.GetString("data_dir")
		candidate := filepath.Join(dataDir, "config.yaml")
		if exists, _ := afero.Exists(fsOrOS(opts.Fs), candidate); exists {
			file = candidate
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fsOrOS(fs afero.Fs) afero.Fs {
	if fs == nil {
		return afero.NewOsFs()
	}
	return fs
}

func newViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fsOrOS(fs))

	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.pass_timeout", d.Sync.PassTimeout)
	v.SetDefault("sync.probe_timeout", d.Sync.ProbeTimeout)
	v.SetDefault("remote.provider", d.Remote.Provider)
	v.SetDefault("remote.endpoint", d.Remote.Endpoint)
	v.SetDefault("remote.bucket", d.Remote.Bucket)
	v.SetDefault("remote.region", d.Remote.Region)
	v.SetDefault("remote.account_id", d.Remote.AccountID)
	v.SetDefault("remote.access_key", d.Remote.AccessKey)
	v.SetDefault("remote.secret_key", d.Remote.SecretKey)
	v.SetDefault("remote.use_ssl", d.Remote.UseSSL)
	v.SetDefault("auth.owner_id", d.Auth.OwnerID)
	v.SetDefault("auth.token", d.Auth.Token)
	v.SetDefault("server.addr", d.Server.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.PassTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.pass_timeout must be positive, got %s", c.Sync.PassTimeout))
	}
	if c.Sync.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.probe_timeout must be positive, got %s", c.Sync.ProbeTimeout))
	}

	switch c.Remote.Provider {
	case ProviderMemory:
	case ProviderMinIO, ProviderS3:
		if c.Remote.Endpoint == "" {
			errs = append(errs, fmt.Errorf("remote.endpoint is required for provider %q", c.Remote.Provider))
		}
		if c.Remote.Bucket == "" {
			errs = append(errs, fmt.Errorf("remote.bucket is required for provider %q", c.Remote.Provider))
		}
	case ProviderAWS:
		if c.Remote.Region == "" || c.Remote.Bucket == "" {
			errs = append(errs, errors.New("remote.region and remote.bucket are required for provider \"aws\""))
		}
	case ProviderR2:
		if c.Remote.AccountID == "" || c.Remote.Bucket == "" {
			errs = append(errs, errors.New("remote.account_id and remote.bucket are required for provider \"r2\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote.provider %q", c.Remote.Provider))
	}

	return errors.Join(errs...)
}

// DatabaseDir returns the directory holding the queue database.
func (c *Config) DatabaseDir() string {
	return c.DataDir
}

// BlobDir returns the directory holding queued photo bytes.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Remote.SecretKey != "" {
		masked.Remote.SecretKey = "********"
	}
	if masked.Auth.Token != "" {
		masked.Auth.Token = "********"
	}
	return yaml.Marshal(&masked)
}
