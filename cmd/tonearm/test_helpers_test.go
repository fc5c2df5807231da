package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tonearm/internal/cache"
	"tonearm/internal/config"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
	"tonearm/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	base := testsupport.BaseDir(cfg)
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(base, "xdg-cache"))
	cfg.Transport.Address = ""
	cfg.Logging.Level = "error"

	env := &cliTestEnv{
		cfg:        cfg,
		configPath: filepath.Join(homeDir, ".config", "tonearm", "config.toml"),
		baseDir:    base,
	}
	env.writeConfig(t)
	return env
}

func (e *cliTestEnv) writeConfig(t *testing.T) {
	t.Helper()
	encoded, err := e.cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(e.configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// seedCache stores chunks for id directly through the cache package.
func (e *cliTestEnv) seedCache(t *testing.T, id streamid.StreamID, size int64, chunks map[int][]byte) {
	t.Helper()
	m, err := cache.Open(cache.Options{Dir: e.cfg.Cache.Dir, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer m.Close()
	h, err := m.Handler(id)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	defer h.Close()
	if err := h.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	for index, data := range chunks {
		if err := h.WriteChunk(index, data); err != nil {
			t.Fatalf("WriteChunk(%d): %v", index, err)
		}
	}
}

func (e *cliTestEnv) payloadPath(id streamid.StreamID) string {
	return filepath.Join(e.cfg.Cache.Dir, id.Shard(), id.String())
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
