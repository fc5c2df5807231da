package config

const (
	defaultCacheRetentionDays  = 7
	defaultPreloadAhead        = 3
	defaultMaxChunkTries       = 128
	defaultPreloadChunkRetries = 2
	defaultHaltGraceMS         = 500
	defaultDialTimeoutSeconds  = 10
	defaultCDNTimeoutSeconds   = 30
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Cache: Cache{
			Enabled:       true,
			Dir:           defaultCacheDir(),
			Cleanup:       true,
			RetentionDays: defaultCacheRetentionDays,
		},
		Stream: Stream{
			PreloadAhead:        defaultPreloadAhead,
			MaxChunkTries:       defaultMaxChunkTries,
			PreloadChunkRetries: defaultPreloadChunkRetries,
			HaltGraceMS:         defaultHaltGraceMS,
			RetryBackoff:        true,
		},
		Transport: Transport{
			DialTimeoutSeconds: defaultDialTimeoutSeconds,
		},
		CDN: CDN{
			TimeoutSeconds: defaultCDNTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
