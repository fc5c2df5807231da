package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"tonearm/internal/cache"
	"tonearm/internal/config"
	"tonearm/internal/logging"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil {
			if level := strings.ToLower(strings.TrimSpace(*c.logLevelFlag)); level != "" {
				cfg.Logging.Level = level
				if err := cfg.Validate(); err != nil {
					c.configErr = err
					return
				}
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) logger(component string) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logging.NewComponentLogger(logger, component), nil
}

// openCache opens the configured cache without background maintenance.
// A disabled cache yields a nil manager and an explanatory message.
func (c *commandContext) openCache() (*cache.Manager, string, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, "", err
	}
	if cfg == nil || !cfg.Cache.Enabled {
		return nil, "Chunk cache is disabled (set [cache] enabled = true in config.toml)", nil
	}
	logger, err := c.logger("cli-cache")
	if err != nil {
		return nil, "", err
	}
	manager, err := cache.Open(cache.Options{
		Dir:       cfg.Cache.Dir,
		Cleanup:   cfg.Cache.Cleanup,
		Retention: cfg.Retention(),
		Logger:    logger,
	})
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return nil, "", fmt.Errorf("open cache: %w (another tonearm process is using it)", err)
		}
		return nil, "", fmt.Errorf("open cache: %w", err)
	}
	return manager, "", nil
}

// withCache runs fn against the opened cache, printing the disabled
// message instead when there is none.
func (c *commandContext) withCache(cmd *cobra.Command, fn func(context.Context, *cache.Manager) error) error {
	manager, warn, err := c.openCache()
	if warn != "" {
		fmt.Fprintln(cmd.OutOrStdout(), warn)
	}
	if err != nil || manager == nil {
		return err
	}
	defer manager.Close()
	return fn(cmd.Context(), manager)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
