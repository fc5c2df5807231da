package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"tonearm/internal/cache"
	"tonearm/internal/config"
	"tonearm/internal/logging"
)

const probeFileID = "0000000000000000000000000000000000000000"

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckCache opens the journal, which also proves no other process holds
// the directory lock, and summarises its contents.
func CheckCache(ctx context.Context, cfg *config.Config) Result {
	const name = "Cache journal"

	m, err := cache.Open(cache.Options{
		Dir:       cfg.Cache.Dir,
		Retention: cfg.Retention(),
		Logger:    logging.NewNop(),
	})
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return Result{Name: name, Detail: "locked by another tonearm process"}
		}
		return Result{Name: name, Detail: err.Error()}
	}
	defer m.Close()

	stats, err := m.Stats(ctx)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d entries, %s, %s free",
		stats.Entries,
		humanize.IBytes(uint64(stats.TotalBytes)),
		humanize.IBytes(stats.FreeBytes),
	)}
}

// CheckSessionKeys verifies both transport keys are present and decode.
func CheckSessionKeys(cfg *config.Config) Result {
	const name = "Session keys"

	send, err := cfg.SendKey()
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	recv, err := cfg.RecvKey()
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	if len(send) == 0 || len(recv) == 0 {
		return Result{Name: name, Detail: "empty key"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("send %d bytes, recv %d bytes", len(send), len(recv))}
}

// CheckAccessPoint verifies a TCP connection to address can be opened.
func CheckAccessPoint(ctx context.Context, address string, timeout time.Duration) Result {
	const name = "Access point"

	if strings.TrimSpace(address) == "" {
		return Result{Name: name, Detail: "missing address"}
	}
	dialer := net.Dialer{Timeout: timeout}
	started := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s unreachable (%v)", address, err)}
	}
	_ = conn.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable in %s", address, time.Since(started).Round(time.Millisecond))}
}

// CheckCDN verifies the CDN answers HTTP for the configured template. Any
// status proves reachability; server errors fail the check.
func CheckCDN(ctx context.Context, template string, timeout time.Duration) Result {
	const name = "CDN"

	template = strings.TrimSpace(template)
	if template == "" {
		return Result{Name: name, Detail: "missing url_template"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.ReplaceAll(template, "{file_id}", probeFileID)
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, url, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("bad url (%v)", err)}
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("unreachable (%v)", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{Name: name, Detail: fmt.Sprintf("server error (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("reachable (%d)", resp.StatusCode)}
}
