// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for onedrive-fuse.
//
// Configuration is loaded from a single file passed via --config (or
// the ONEDRIVE_FUSE_CONFIG environment variable). The file may be YAML
// or JSONC (.json/.jsonc). There is no automatic discovery beyond the
// default path under the user's config directory — this keeps the
// effective configuration deterministic and auditable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for onedrive-fuse.
type Config struct {
	// API configures the Microsoft Graph endpoint.
	API APIConfig `yaml:"api"`

	// AttrCache configures per-inode attribute caching.
	AttrCache AttrCacheConfig `yaml:"attr_cache"`

	// DirCache configures per-directory children caching.
	DirCache DirCacheConfig `yaml:"dir_cache"`

	// DiskCache configures the local content cache.
	DiskCache DiskCacheConfig `yaml:"disk_cache"`

	// Download configures streaming downloads.
	Download DownloadConfig `yaml:"download"`

	// Upload configures write-back uploads.
	Upload UploadConfig `yaml:"upload"`

	// Sync configures the delta reconciliation loop.
	Sync SyncConfig `yaml:"sync"`

	// Mount configures the FUSE mount.
	Mount MountConfig `yaml:"mount"`

	// State configures where local state lives (sealed tokens, key
	// file, state database, snapshot).
	State StateConfig `yaml:"state"`

	// Permissions configures the POSIX identity presented by the
	// mount. OneDrive has no POSIX permission model, so these are
	// synthesized uniformly.
	Permissions PermissionsConfig `yaml:"permissions"`
}

// APIConfig configures the Microsoft Graph endpoint.
type APIConfig struct {
	// BaseURL is the Graph API root. Must use HTTPS.
	BaseURL string `yaml:"base_url"`

	// TokenURL is the OAuth2 token endpoint used for refresh.
	TokenURL string `yaml:"token_url"`

	// ClientID is the registered application (client) ID.
	ClientID string `yaml:"client_id"`

	// Timeout bounds each metadata request. Downloads and uploads
	// stream and are bounded per-chunk instead.
	Timeout Duration `yaml:"timeout"`
}

// AttrCacheConfig configures attribute caching.
type AttrCacheConfig struct {
	// TTL is how long a fetched attribute set stays valid. Within the
	// TTL, Getattr is served locally; after it, the next access
	// refetches from Graph.
	TTL Duration `yaml:"ttl"`
}

// DirCacheConfig configures directory listing caching.
type DirCacheConfig struct {
	// TTL is how long a directory's children listing stays valid.
	TTL Duration `yaml:"ttl"`
}

// DiskCacheConfig configures the local content cache.
type DiskCacheConfig struct {
	// Enable turns the disk cache on. Without it, files are read-only
	// and streamed; any open for write fails.
	Enable bool `yaml:"enable"`

	// Path is the cache directory. Defaults to <state.dir>/cache.
	Path string `yaml:"path"`

	// MaxCachedFileSize is the largest file the cache will hold.
	// Larger files are streamed instead (and cannot be written).
	MaxCachedFileSize int64 `yaml:"max_cached_file_size"`

	// MaxFiles bounds the number of cached entries.
	MaxFiles int `yaml:"max_files"`

	// MaxTotalSize bounds the total bytes of cached content.
	MaxTotalSize int64 `yaml:"max_total_size"`
}

// DownloadConfig configures streaming downloads.
type DownloadConfig struct {
	// MaxRetry is how many times a failed ranged GET is retried
	// before the download is abandoned.
	MaxRetry int `yaml:"max_retry"`

	// RetryDelay is the pause between download retries.
	RetryDelay Duration `yaml:"retry_delay"`

	// StreamBufferChunks is the channel depth between the downloader
	// goroutine and the reader.
	StreamBufferChunks int `yaml:"stream_buffer_chunks"`
}

// UploadConfig configures write-back uploads.
type UploadConfig struct {
	// MaxSize is the largest file that may be written through the
	// mount. Files above the small-upload ceiling go through an
	// upload session.
	MaxSize int64 `yaml:"max_size"`

	// FlushDelay debounces uploads: a dirty file is uploaded this
	// long after its last write, unless an fsync/close forces it
	// earlier.
	FlushDelay Duration `yaml:"flush_delay"`

	// RetryDelay is the pause before retrying a failed upload.
	RetryDelay Duration `yaml:"retry_delay"`

	// SessionChunkSize is the chunk size for upload sessions. Graph
	// requires a multiple of 320 KiB.
	SessionChunkSize int64 `yaml:"session_chunk_size"`
}

// SyncConfig configures the delta reconciliation loop.
type SyncConfig struct {
	// Interval is how often the delta endpoint is polled.
	Interval Duration `yaml:"interval"`

	// MaxBackoff caps the exponential backoff applied after polling
	// errors.
	MaxBackoff Duration `yaml:"max_backoff"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	// FsName is the filesystem name shown in /proc/mounts.
	FsName string `yaml:"fsname"`

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`

	// Readonly mounts the filesystem read-only regardless of cache
	// configuration.
	Readonly bool `yaml:"readonly"`

	// EntryTimeout is how long the kernel caches lookup results.
	EntryTimeout Duration `yaml:"entry_timeout"`

	// AttrTimeout is how long the kernel caches attributes.
	AttrTimeout Duration `yaml:"attr_timeout"`

	// NegativeTimeout is how long the kernel caches failed lookups.
	NegativeTimeout Duration `yaml:"negative_timeout"`
}

// StateConfig configures local state locations.
type StateConfig struct {
	// Dir is the base directory for all local state: the sealed token
	// file, the age key file, the state database, and the cache
	// snapshot.
	Dir string `yaml:"dir"`
}

// PermissionsConfig configures the synthesized POSIX identity.
type PermissionsConfig struct {
	// FileMode is the mode reported for regular files.
	FileMode uint32 `yaml:"file_mode"`

	// DirMode is the mode reported for directories.
	DirMode uint32 `yaml:"dir_mode"`
}

// graphBaseURL is the public Microsoft Graph v1.0 endpoint.
const graphBaseURL = "https://graph.microsoft.com/v1.0"

// consumerTokenURL is the common OAuth2 v2 token endpoint.
const consumerTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

// Default returns the default configuration. The config file overrides
// these values field by field.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "share", "onedrive-fuse")

	return &Config{
		API: APIConfig{
			BaseURL:  graphBaseURL,
			TokenURL: consumerTokenURL,
			Timeout:  Duration(30 * time.Second),
		},
		AttrCache: AttrCacheConfig{TTL: Duration(30 * time.Second)},
		DirCache:  DirCacheConfig{TTL: Duration(30 * time.Second)},
		DiskCache: DiskCacheConfig{
			Enable:            true,
			MaxCachedFileSize: 256 << 20, // 256 MiB
			MaxFiles:          1024,
			MaxTotalSize:      4 << 30, // 4 GiB
		},
		Download: DownloadConfig{
			MaxRetry:           3,
			RetryDelay:         Duration(5 * time.Second),
			StreamBufferChunks: 16,
		},
		Upload: UploadConfig{
			MaxSize:          1 << 30, // 1 GiB
			FlushDelay:       Duration(5 * time.Second),
			RetryDelay:       Duration(10 * time.Second),
			SessionChunkSize: 10 << 20, // 10 MiB, a multiple of 320 KiB
		},
		Sync: SyncConfig{
			Interval:   Duration(30 * time.Second),
			MaxBackoff: Duration(5 * time.Minute),
		},
		Mount: MountConfig{
			FsName:          "onedrive",
			EntryTimeout:    Duration(time.Second),
			AttrTimeout:     Duration(time.Second),
			NegativeTimeout: Duration(100 * time.Millisecond),
		},
		State: StateConfig{Dir: stateDir},
		Permissions: PermissionsConfig{
			FileMode: 0o644,
			DirMode:  0o755,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "onedrive-fuse", "config.yaml")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "onedrive-fuse", "config.yaml")
}

// Load loads configuration from the given path, falling back to
// defaults for any field the file does not set. A missing file is not
// an error when path is the default location — the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath() {
			cfg.finish()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// JSONC configs are converted to plain JSON, which YAML parses.
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".json" || ext == ".jsonc" {
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.finish()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// finish expands path variables and fills in derived defaults.
func (c *Config) finish() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.State.Dir = expandVars(c.State.Dir, vars)
	c.DiskCache.Path = expandVars(c.DiskCache.Path, vars)

	if c.DiskCache.Path == "" {
		c.DiskCache.Path = filepath.Join(c.State.Dir, "cache")
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("api.base_url must use HTTPS"))
	}
	if !strings.HasPrefix(c.API.TokenURL, "https://") {
		errs = append(errs, fmt.Errorf("api.token_url must use HTTPS"))
	}
	if c.State.Dir == "" {
		errs = append(errs, fmt.Errorf("state.dir is required"))
	}
	if c.AttrCache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("attr_cache.ttl must be positive"))
	}
	if c.DirCache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("dir_cache.ttl must be positive"))
	}

	if c.DiskCache.Enable {
		if c.DiskCache.MaxCachedFileSize <= 0 {
			errs = append(errs, fmt.Errorf("disk_cache.max_cached_file_size must be positive"))
		}
		if c.DiskCache.MaxFiles <= 0 {
			errs = append(errs, fmt.Errorf("disk_cache.max_files must be positive"))
		}
		if c.DiskCache.MaxTotalSize < c.DiskCache.MaxCachedFileSize {
			errs = append(errs, fmt.Errorf("disk_cache.max_total_size must be at least max_cached_file_size"))
		}
	}

	if c.Download.StreamBufferChunks <= 0 {
		errs = append(errs, fmt.Errorf("download.stream_buffer_chunks must be positive"))
	}
	if c.Upload.SessionChunkSize <= 0 || c.Upload.SessionChunkSize%(320<<10) != 0 {
		errs = append(errs, fmt.Errorf("upload.session_chunk_size must be a positive multiple of 320 KiB"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// TokenFile returns the path of the sealed token bundle.
func (c *Config) TokenFile() string { return filepath.Join(c.State.Dir, "tokens.age") }

// KeyFile returns the path of the age key protecting the token bundle.
func (c *Config) KeyFile() string { return filepath.Join(c.State.Dir, "identity.key") }

// StateDB returns the path of the SQLite state database.
func (c *Config) StateDB() string { return filepath.Join(c.State.Dir, "state.db") }

// SnapshotFile returns the path of the cache snapshot.
func (c *Config) SnapshotFile() string { return filepath.Join(c.State.Dir, "snapshot.cbor.lz4") }

// EnsurePaths creates the state and cache directories if they do not
// exist. The state directory is private — it holds the key file.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.State.Dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.State.Dir, err)
	}
	if c.DiskCache.Enable {
		if err := os.MkdirAll(c.DiskCache.Path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", c.DiskCache.Path, err)
		}
	}
	return nil
}
