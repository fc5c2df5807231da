package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateStream(); err != nil {
		return err
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := c.validateCDN(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateCache() error {
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Dir) == "" {
		return errors.New("cache.dir must be set when cache.enabled is true")
	}
	if c.Cache.RetentionDays <= 0 {
		return errors.New("cache.retention_days must be positive")
	}
	return nil
}

func (c *Config) validateStream() error {
	if c.Stream.PreloadAhead < 0 {
		return errors.New("stream.preload_ahead must not be negative")
	}
	if c.Stream.MaxChunkTries < 0 {
		return errors.New("stream.max_chunk_tries must not be negative")
	}
	if c.Stream.PreloadChunkRetries < 0 {
		return errors.New("stream.preload_chunk_retries must not be negative")
	}
	if c.Stream.HaltGraceMS < 0 {
		return errors.New("stream.halt_grace_ms must not be negative")
	}
	return nil
}

func (c *Config) validateTransport() error {
	for field, value := range map[string]string{
		"transport.send_key": c.Transport.SendKey,
		"transport.recv_key": c.Transport.RecvKey,
	} {
		if value == "" {
			continue
		}
		if _, err := decodeKey(field, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateCDN() error {
	if !c.CDN.Enabled {
		return nil
	}
	if c.CDN.URLTemplate == "" {
		return errors.New("cdn.url_template must be set when cdn.enabled is true")
	}
	if !strings.Contains(c.CDN.URLTemplate, "{file_id}") {
		return fmt.Errorf("cdn.url_template %q must contain {file_id}", c.CDN.URLTemplate)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
