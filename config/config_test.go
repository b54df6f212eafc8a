package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fetchpool/fetchpool/cache"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"WORKERS", "LOG_DIR", "CACHE_DIR", "WORKER_ID", "CACHE_PROVIDER", "PORT"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetchpool.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Proxy.Port != 8080 || cfg.Proxy.HealthIntervalDur != 10*time.Second ||
		cfg.Proxy.ProbeTimeoutDur != 5*time.Second || cfg.Proxy.RPCTimeoutDur != 30*time.Second {
		t.Fatalf("unexpected proxy defaults %+v", cfg.Proxy)
	}
	if cfg.Worker.CacheTTLDur != 60*time.Second || cfg.Worker.FetchTimeoutDur != 10*time.Second ||
		cfg.Worker.Provider != cache.ProviderFile {
		t.Fatalf("unexpected worker defaults %+v", cfg.Worker)
	}
	if cfg.Worker.WorkerID() != "worker-8001" {
		t.Fatalf("unexpected worker id %q", cfg.Worker.WorkerID())
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
proxy:
  port: 9090
  workers: ["w1:8001", "w2:8002", "w3:8003"]
  defaultOrigin: http://origin.test/
  rpcTimeout: 2s
worker:
  id: alpha
  provider: sqlite
  cacheTTL: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Proxy.Port != 9090 || len(cfg.Proxy.Workers) != 3 || cfg.Proxy.RPCTimeoutDur != 2*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.Proxy)
	}
	if cfg.Proxy.DefaultOrigin != "http://origin.test" {
		t.Fatalf("origin not trimmed: %q", cfg.Proxy.DefaultOrigin)
	}
	// unset values keep their defaults
	if cfg.Proxy.HealthIntervalDur != 10*time.Second || cfg.Worker.Port != 8001 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Proxy, cfg.Worker)
	}
	if cfg.Worker.WorkerID() != "alpha" || cfg.Worker.Provider != cache.ProviderSQLite || cfg.Worker.CacheTTLDur != 90*time.Second {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKERS", "a:1, b:2,,")
	t.Setenv("CACHE_PROVIDER", "memory")
	t.Setenv("PORT", "7000")
	path := writeConfig(t, "worker:\n  provider: sqlite\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Proxy.Workers, []string{"a:1", "b:2"}) {
		t.Fatalf("unexpected workers %v", cfg.Proxy.Workers)
	}
	if cfg.Worker.Provider != cache.ProviderMemory {
		t.Fatalf("provider not overridden: %q", cfg.Worker.Provider)
	}
	if cfg.Proxy.Port != 7000 || cfg.Worker.Port != 7000 {
		t.Fatalf("port not overridden: %d %d", cfg.Proxy.Port, cfg.Worker.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	for name, content := range map[string]string{
		"bad yaml":         "proxy: [",
		"bad duration":     "proxy:\n  probeTimeout: soon\n",
		"negative ttl":     "worker:\n  cacheTTL: -1s\n",
		"unknown provider": "worker:\n  provider: redis\n",
		"bad port":         "proxy:\n  port: 70000\n",
	} {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	_, err := Load(writeConfig(t, "worker:\n  provider: redis\n"))
	if !errors.Is(err, cache.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	t.Setenv("PORT", "http")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for non-numeric PORT")
	}
}
