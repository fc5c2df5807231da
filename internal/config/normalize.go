package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeCache(); err != nil {
		return err
	}
	c.normalizeTransport()
	c.normalizeCDN()
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalizeCache() error {
	if strings.TrimSpace(c.Cache.Dir) == "" {
		c.Cache.Dir = defaultCacheDir()
	}
	dir, err := expandPath(c.Cache.Dir)
	if err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	c.Cache.Dir = dir
	return nil
}

func (c *Config) normalizeTransport() {
	c.Transport.Address = strings.TrimSpace(c.Transport.Address)
	if c.Transport.SendKey == "" {
		if value, ok := os.LookupEnv("TONEARM_SEND_KEY"); ok {
			c.Transport.SendKey = value
		}
	}
	if c.Transport.RecvKey == "" {
		if value, ok := os.LookupEnv("TONEARM_RECV_KEY"); ok {
			c.Transport.RecvKey = value
		}
	}
	c.Transport.SendKey = strings.ToLower(strings.TrimSpace(c.Transport.SendKey))
	c.Transport.RecvKey = strings.ToLower(strings.TrimSpace(c.Transport.RecvKey))
	if c.Transport.DialTimeoutSeconds <= 0 {
		c.Transport.DialTimeoutSeconds = defaultDialTimeoutSeconds
	}
}

func (c *Config) normalizeCDN() {
	c.CDN.URLTemplate = strings.TrimSpace(c.CDN.URLTemplate)
	if c.CDN.TimeoutSeconds <= 0 {
		c.CDN.TimeoutSeconds = defaultCDNTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if file := strings.TrimSpace(c.Logging.File); file != "" {
		expanded, err := expandPath(file)
		if err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
		c.Logging.File = expanded
	}
	return nil
}
