package config

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sys/unix"
)

//go:embed sample_config.toml
var sampleConfig string

// Cache contains configuration for the on-disk chunk cache.
type Cache struct {
	Enabled       bool   `toml:"enabled"`
	Dir           string `toml:"dir"`
	Cleanup       bool   `toml:"cleanup"`
	RetentionDays int    `toml:"retention_days"`
}

// Stream contains the chunked stream tuning knobs.
type Stream struct {
	PreloadAhead        int  `toml:"preload_ahead"`
	MaxChunkTries       int  `toml:"max_chunk_tries"`
	PreloadChunkRetries int  `toml:"preload_chunk_retries"`
	HaltGraceMS         int  `toml:"halt_grace_ms"`
	RetryBackoff        bool `toml:"retry_backoff"`
}

// Transport contains the access point connection settings. The keys are
// produced by the session handshake and handed over hex-encoded.
type Transport struct {
	Address            string `toml:"address"`
	SendKey            string `toml:"send_key"`
	RecvKey            string `toml:"recv_key"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// CDN contains the optional HTTP range-request chunk source.
type CDN struct {
	Enabled        bool   `toml:"enabled"`
	URLTemplate    string `toml:"url_template"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Config encapsulates all configuration values for tonearm.
//
// Configuration sections by subsystem:
//   - Cache: chunk cache location, cleanup and retention
//   - Stream: readahead and retry tuning for chunked streams
//   - Transport: access point address and session keys
//   - CDN: HTTP range-request fallback source
//   - Logging: log format, level, and optional file
type Config struct {
	Cache     Cache     `toml:"cache"`
	Stream    Stream    `toml:"stream"`
	Transport Transport `toml:"transport"`
	CDN       CDN       `toml:"cdn"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/tonearm/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tonearm.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the cache directory and verifies it is usable.
func (c *Config) EnsureDirectories() error {
	if !c.Cache.Enabled {
		return nil
	}
	if err := os.MkdirAll(c.Cache.Dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory %q: %w", c.Cache.Dir, err)
	}
	if err := unix.Access(c.Cache.Dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("cache directory %q: insufficient permissions: %w", c.Cache.Dir, err)
	}
	return nil
}

// SendKey decodes the client-to-server cipher key.
func (c *Config) SendKey() ([]byte, error) {
	return decodeKey("transport.send_key", c.Transport.SendKey)
}

// RecvKey decodes the server-to-client cipher key.
func (c *Config) RecvKey() ([]byte, error) {
	return decodeKey("transport.recv_key", c.Transport.RecvKey)
}

func decodeKey(field, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%s is not set", field)
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return key, nil
}

// Retention returns how long an untouched cache entry is kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cache.RetentionDays) * 24 * time.Hour
}

// HaltGrace returns how long a read may block before a halt is reported.
func (c *Config) HaltGrace() time.Duration {
	return time.Duration(c.Stream.HaltGraceMS) * time.Millisecond
}

// DialTimeout returns the access point dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Transport.DialTimeoutSeconds) * time.Second
}

// CDNTimeout returns the per-request timeout for the CDN source.
func (c *Config) CDNTimeout() time.Duration {
	return time.Duration(c.CDN.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "tonearm", "chunks")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/tonearm/chunks"
	}
	return filepath.Join(home, ".cache", "tonearm", "chunks")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the config as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
