// Package config loads the YAML configuration shared by the proxy and worker
// binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fetchpool/fetchpool/cache"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Proxy  ProxyConfig  `yaml:"proxy"`
	Worker WorkerConfig `yaml:"worker"`
}

type ProxyConfig struct {
	Port           int      `yaml:"port"`
	Workers        []string `yaml:"workers"`
	LogDir         string   `yaml:"logDir"`
	DefaultOrigin  string   `yaml:"defaultOrigin"`
	HealthInterval string   `yaml:"healthInterval"`
	ProbeTimeout   string   `yaml:"probeTimeout"`
	RPCTimeout     string   `yaml:"rpcTimeout"`

	// parsed
	HealthIntervalDur time.Duration `yaml:"-"`
	ProbeTimeoutDur   time.Duration `yaml:"-"`
	RPCTimeoutDur     time.Duration `yaml:"-"`
}

type WorkerConfig struct {
	Port         int    `yaml:"port"`
	ID           string `yaml:"id"`
	CacheDir     string `yaml:"cacheDir"`
	Provider     string `yaml:"provider"`
	CacheTTL     string `yaml:"cacheTTL"`
	FetchTimeout string `yaml:"fetchTimeout"`
	UserAgent    string `yaml:"userAgent"`

	// parsed
	CacheTTLDur     time.Duration `yaml:"-"`
	FetchTimeoutDur time.Duration `yaml:"-"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Proxy: ProxyConfig{
			Port:           8080,
			Workers:        []string{"http://localhost:8001", "http://localhost:8002"},
			LogDir:         "./logs",
			DefaultOrigin:  "http://example.com",
			HealthInterval: "10s",
			ProbeTimeout:   "5s",
			RPCTimeout:     "30s",
		},
		Worker: WorkerConfig{
			Port:         8001,
			CacheDir:     "./cache_data",
			Provider:     cache.ProviderFile,
			CacheTTL:     "60s",
			FetchTimeout: "10s",
			UserAgent:    "Mozilla/5.0 (fetchpool worker)",
		},
	}
}

// Load reads the YAML file at path, fills in defaults for anything it leaves
// out and applies environment overrides. An empty path loads only defaults
// and environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		var fromFile Config
		if err := yaml.Unmarshal(b, &fromFile); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.merge(fromFile)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// merge overwrites defaults with the values set in the file.
func (c *Config) merge(f Config) {
	setInt(&c.Proxy.Port, f.Proxy.Port)
	if len(f.Proxy.Workers) > 0 {
		c.Proxy.Workers = f.Proxy.Workers
	}
	setString(&c.Proxy.LogDir, f.Proxy.LogDir)
	setString(&c.Proxy.DefaultOrigin, f.Proxy.DefaultOrigin)
	setString(&c.Proxy.HealthInterval, f.Proxy.HealthInterval)
	setString(&c.Proxy.ProbeTimeout, f.Proxy.ProbeTimeout)
	setString(&c.Proxy.RPCTimeout, f.Proxy.RPCTimeout)

	setInt(&c.Worker.Port, f.Worker.Port)
	setString(&c.Worker.ID, f.Worker.ID)
	setString(&c.Worker.CacheDir, f.Worker.CacheDir)
	setString(&c.Worker.Provider, f.Worker.Provider)
	setString(&c.Worker.CacheTTL, f.Worker.CacheTTL)
	setString(&c.Worker.FetchTimeout, f.Worker.FetchTimeout)
	setString(&c.Worker.UserAgent, f.Worker.UserAgent)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnv applies the environment overrides. PORT sets the port of both
// binaries, each of which only reads its own.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("WORKERS"); v != "" {
		c.Proxy.Workers = SplitList(v)
	}
	setString(&c.Proxy.LogDir, getenv("LOG_DIR"))
	setString(&c.Worker.CacheDir, getenv("CACHE_DIR"))
	setString(&c.Worker.ID, getenv("WORKER_ID"))
	setString(&c.Worker.Provider, getenv("CACHE_PROVIDER"))
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Proxy.Port = port
		c.Worker.Port = port
	}
	return nil
}

// Resolve validates the configuration and parses its durations. Call it
// again after changing fields, e.g. from command-line flags.
func (c *Config) Resolve() error {
	var err error
	if c.Proxy.HealthIntervalDur, err = parseDuration("proxy.healthInterval", c.Proxy.HealthInterval); err != nil {
		return err
	}
	if c.Proxy.ProbeTimeoutDur, err = parseDuration("proxy.probeTimeout", c.Proxy.ProbeTimeout); err != nil {
		return err
	}
	if c.Proxy.RPCTimeoutDur, err = parseDuration("proxy.rpcTimeout", c.Proxy.RPCTimeout); err != nil {
		return err
	}
	if c.Worker.CacheTTLDur, err = parseDuration("worker.cacheTTL", c.Worker.CacheTTL); err != nil {
		return err
	}
	if c.Worker.FetchTimeoutDur, err = parseDuration("worker.fetchTimeout", c.Worker.FetchTimeout); err != nil {
		return err
	}
	switch c.Worker.Provider {
	case cache.ProviderFile, cache.ProviderSQLite, cache.ProviderLevelDB, cache.ProviderMemory:
	default:
		return fmt.Errorf("worker.provider: %w: %q", cache.ErrUnknownProvider, c.Worker.Provider)
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port: invalid port %d", c.Proxy.Port)
	}
	if c.Worker.Port <= 0 || c.Worker.Port > 65535 {
		return fmt.Errorf("worker.port: invalid port %d", c.Worker.Port)
	}
	c.Proxy.DefaultOrigin = strings.TrimRight(c.Proxy.DefaultOrigin, "/")
	return nil
}

func parseDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", name, v)
	}
	return d, nil
}

// WorkerID returns the configured id, or one derived from the port.
func (w WorkerConfig) WorkerID() string {
	if w.ID != "" {
		return w.ID
	}
	return fmt.Sprintf("worker-%d", w.Port)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
