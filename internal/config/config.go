// Package config loads caresync settings from caresync.toml, CARESYNC_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/logging"
)

const (
	// FileName is the config file name searched for without --config.
	FileName = "caresync.toml"

	// EnvPrefix prefixes environment overrides, e.g. CARESYNC_SYNC_INTERVAL.
	EnvPrefix = "CARESYNC"
)

// Backend names.
const (
	BackendSnapshot = "snapshot"
	BackendManaged  = "managed"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir       string `mapstructure:"data_dir"`
	Backend       string `mapstructure:"backend"`
	SessionPolicy string `mapstructure:"session_policy"`

	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Managed   ManagedConfig   `mapstructure:"managed"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Netmon    NetmonConfig    `mapstructure:"netmon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       logging.Config  `mapstructure:"log"`

	v *viper.Viper
}

type SnapshotConfig struct {
	File string `mapstructure:"file"`
}

type ManagedConfig struct {
	Path           string        `mapstructure:"path"`
	ReadyWait      time.Duration `mapstructure:"ready_wait"`
	ReadyPoll      time.Duration `mapstructure:"ready_poll"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
	ReaderContexts int           `mapstructure:"reader_contexts"`
	RangeCap       int           `mapstructure:"range_cap"`
}

type QueueConfig struct {
	Path          string        `mapstructure:"path"`
	Parallelism   int           `mapstructure:"parallelism"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// RemoteConfig selects the remote record store. DSN wins over URL; with
// neither set the installation is local-only.
type RemoteConfig struct {
	URL               string        `mapstructure:"url"`
	DSN               string        `mapstructure:"dsn"`
	FamilyID          string        `mapstructure:"family_id"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether any remote is configured.
func (r RemoteConfig) Enabled() bool {
	return r.URL != "" || r.DSN != ""
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	WindowDays int           `mapstructure:"window_days"`
	BatchSize  int           `mapstructure:"batch_size"`
	Deadline   time.Duration `mapstructure:"deadline"`
}

// Window is the pull window as a duration.
func (s SyncConfig) Window() time.Duration {
	return time.Duration(s.WindowDays) * 24 * time.Hour
}

type NetmonConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// defaults is the single source for viper defaults and `config init`.
// Durations are strings so the TOML rendering stays readable.
func defaults() map[string]any {
	log := logging.DefaultConfig()
	return map[string]any{
		"data_dir":       DefaultDataDir(),
		"backend":        BackendSnapshot,
		"session_policy": "reject",
		"snapshot": map[string]any{
			"file": "caresync.json",
		},
		"managed": map[string]any{
			"path":            "caresync.db",
			"ready_wait":      "2s",
			"ready_poll":      "100ms",
			"op_timeout":      "5s",
			"reader_contexts": 4,
			"range_cap":       1000,
		},
		"queue": map[string]any{
			"path":           "queue.db",
			"parallelism":    4,
			"retry_interval": "1m",
		},
		"remote": map[string]any{
			"url":                 "",
			"dsn":                 "",
			"family_id":           "",
			"api_key":             "",
			"requests_per_second": 10.0,
			"timeout":             "10s",
		},
		"sync": map[string]any{
			"interval":    "5m",
			"window_days": 30,
			"batch_size":  100,
			"deadline":    "2m",
		},
		"netmon": map[string]any{
			"probe_url":      "",
			"probe_interval": "30s",
		},
		"dashboard": map[string]any{
			"addr": "127.0.0.1:8377",
		},
		"retry": map[string]any{
			"max_attempts": 3,
		},
		"log": map[string]any{
			"level":        log.Level,
			"format":       log.Format,
			"file":         "",
			"max_size_mb":  log.MaxSizeMB,
			"max_backups":  log.MaxBackups,
			"max_age_days": log.MaxAgeDays,
			"compress":     false,
		},
	}
}

// DefaultDataDir is $XDG_DATA_HOME/caresync, falling back to
// ~/.local/share/caresync and finally ./.caresync.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "caresync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "caresync")
	}
	return ".caresync"
}

// DefaultConfigDir is where Load looks for caresync.toml besides ".".
func DefaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "caresync")
	}
	return "."
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for key, val := range tree {
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, prefix+key+".", sub)
			continue
		}
		v.SetDefault(prefix+key, val)
	}
}

// Load reads configuration. An explicit path must exist; without one the
// search path is the user config dir then the working directory, and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.SetConfigType("toml")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSnapshot, BackendManaged:
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendSnapshot, BackendManaged, c.Backend))
	}
	switch c.SessionPolicy {
	case "reject", "replace":
	default:
		errs = append(errs, fmt.Errorf("session_policy must be reject or replace, got %q", c.SessionPolicy))
	}
	if c.Remote.Enabled() && c.Remote.FamilyID == "" {
		errs = append(errs, fmt.Errorf("remote.family_id is required when a remote is configured"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive"))
	}
	if c.Sync.WindowDays <= 0 {
		errs = append(errs, fmt.Errorf("sync.window_days must be positive"))
	}
	if c.Managed.RangeCap <= 0 {
		errs = append(errs, fmt.Errorf("managed.range_cap must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Resolve anchors a relative path at DataDir.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// SnapshotPath is the resolved snapshot document path.
func (c *Config) SnapshotPath() string { return c.Resolve(c.Snapshot.File) }

// ManagedPath is the resolved managed database path.
func (c *Config) ManagedPath() string { return c.Resolve(c.Managed.Path) }

// QueuePath is the resolved offline queue database path.
func (c *Config) QueuePath() string { return c.Resolve(c.Queue.Path) }

// FileUsed is the config file that was read, or "".
func (c *Config) FileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and passes the new
// value to onChange. Invalid edits are logged and ignored. It is a no-op
// when no file was loaded.
func (c *Config) Watch(logger *zap.Logger, onChange func(*Config)) {
	if c.FileUsed() == "" {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		next, err := decode(c.v)
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		onChange(next)
	})
	c.v.WatchConfig()
}

// WriteDefault writes a commented default config to path. An existing
// file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# caresync configuration\n")
	buf.WriteString("# Every key can be overridden with CARESYNC_<SECTION>_<KEY>.\n")
	buf.WriteString("# Relative paths are resolved under data_dir.\n\n")
	if err := toml.NewEncoder(&buf).Encode(defaults()); err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Keys lists every known key in dotted form, sorted.
func Keys() []string {
	var keys []string
	var walk func(prefix string, tree map[string]any)
	walk = func(prefix string, tree map[string]any) {
		for k, val := range tree {
			if sub, ok := val.(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			keys = append(keys, prefix+k)
		}
	}
	walk("", defaults())
	sort.Strings(keys)
	return keys
}

// Get returns the effective value for a dotted key.
func (c *Config) Get(key string) any {
	if c.v == nil {
		return nil
	}
	return c.v.Get(key)
}
