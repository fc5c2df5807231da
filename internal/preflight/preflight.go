package preflight

import (
	"context"

	"tonearm/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name    string
	Passed  bool
	Skipped bool
	Detail  string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	if cfg.Cache.Enabled {
		dirCheck := CheckDirectoryAccess("Cache directory", cfg.Cache.Dir)
		results = append(results, dirCheck)
		if dirCheck.Passed {
			results = append(results, CheckCache(ctx, cfg))
		}
	} else {
		results = append(results, Result{Name: "Cache directory", Skipped: true, Detail: "cache disabled"})
	}

	if cfg.Transport.Address != "" {
		keys := CheckSessionKeys(cfg)
		results = append(results, keys)
		results = append(results, CheckAccessPoint(ctx, cfg.Transport.Address, cfg.DialTimeout()))
	} else {
		results = append(results, Result{Name: "Access point", Skipped: true, Detail: "transport.address not set"})
	}

	if cfg.CDN.Enabled {
		results = append(results, CheckCDN(ctx, cfg.CDN.URLTemplate, cfg.CDNTimeout()))
	} else {
		results = append(results, Result{Name: "CDN", Skipped: true, Detail: "disabled"})
	}

	return results
}

// Failed reports whether any non-skipped check failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Skipped {
			return true
		}
	}
	return false
}
