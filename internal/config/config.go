// Package config loads the host agent configuration from a file and the environment.
package config

import (
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HOSTAGENT_DISPATCH_TIMEOUT.
const EnvPrefix = "HOSTAGENT"

// Config represents the complete configuration for the host agent
type Config struct {
	Host      HostConfig      `mapstructure:"host"`
	Network   NetworkConfig   `mapstructure:"network"`
	Agents    []AgentConfig   `mapstructure:"agents"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	// AgentURLs lists extra specialist base URLs, typically from HOSTAGENT_AGENT_URLS.
	AgentURLs []string `mapstructure:"agent_urls"`
}

// HostConfig describes the card the host publishes about itself
type HostConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Version     string `mapstructure:"version"`
}

// NetworkConfig contains listener configuration
type NetworkConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// PublicURL is advertised in the host card; derived from ListenAddr when empty.
	PublicURL string `mapstructure:"public_url"`
}

// AgentConfig names one specialist endpoint
type AgentConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// DispatchConfig bounds how specialists are called
type DispatchConfig struct {
	// Timeout is the global deadline for one query.
	Timeout time.Duration `mapstructure:"timeout"`
	// TaskTimeout bounds a single specialist call.
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	// Streaming requests message/stream from agents that support it.
	Streaming bool `mapstructure:"streaming"`
}

// RegistryConfig tunes agent card caching
type RegistryConfig struct {
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	// MinRefreshGap throttles asynchronous refreshes of one agent.
	MinRefreshGap time.Duration `mapstructure:"min_refresh_gap"`
}

// RoutingConfig tunes the router
type RoutingConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// TelemetryConfig enables OTLP/HTTP export of spans and metrics
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	HTTPEndpoint string `mapstructure:"http_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// Endpoints returns every configured specialist URL, de-duplicated, in configuration order.
func (c *Config) Endpoints() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, a := range c.Agents {
		add(a.URL)
	}
	for _, u := range c.AgentURLs {
		add(u)
	}
	return out
}

// Validate rejects configurations the host cannot run with
func (c *Config) Validate() error {
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if c.Dispatch.TaskTimeout < 0 || c.Dispatch.RetryBackoff < 0 {
		return fmt.Errorf("dispatch durations must not be negative")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Registry.FreshnessWindow < 0 || c.Registry.RefreshInterval < 0 || c.Registry.FetchTimeout < 0 {
		return fmt.Errorf("registry durations must not be negative")
	}
	if c.Routing.Threshold < 0 || c.Routing.Threshold > 1 {
		return fmt.Errorf("routing.threshold must be within [0,1], got %v", c.Routing.Threshold)
	}
	for _, endpoint := range c.Endpoints() {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid agent url %q", endpoint)
		}
	}
	return nil
}

// Loader wraps a viper instance bound to one config file
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for path. An empty path loads defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
			v.SetConfigType("yaml")
		}
	}
	return &Loader{v: v, path: path}
}

// Load reads the file (when set), applies env overrides and validates the result
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// StringToSlice only splits when the env value arrives as a single string.
	if len(cfg.AgentURLs) == 1 && strings.Contains(cfg.AgentURLs[0], ",") {
		cfg.AgentURLs = strings.Split(cfg.AgentURLs[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read configuration whenever the file changes.
// Invalid intermediate edits are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Printf("[config] ignoring change to %s: %v", e.Name, err)
			return
		}
		log.Printf("[config] reloaded %s", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load reads configuration from path (JSON, YAML or TOML by extension)
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// LoadDefault returns a configuration with sensible defaults and environment overrides
func LoadDefault() *Config {
	cfg, err := NewLoader("").Load()
	if err != nil {
		log.Printf("[config] environment override rejected (%v), using built-in defaults", err)
		v := viper.New()
		setDefaults(v)
		cfg = &Config{}
		_ = v.Unmarshal(cfg)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host.name", "Retail Host Agent")
	v.SetDefault("host.description", "Orchestrates between customer service and inventory management agents")
	v.SetDefault("host.version", "1.0.0")

	v.SetDefault("network.listen_addr", "localhost:8000")
	v.SetDefault("network.public_url", "")

	v.SetDefault("agents", []map[string]any{
		{"name": "inventory", "url": "http://localhost:8001"},
		{"name": "customer_service", "url": "http://localhost:8002"},
	})
	v.SetDefault("agent_urls", []string{})

	v.SetDefault("dispatch.timeout", 60*time.Second)
	v.SetDefault("dispatch.task_timeout", 30*time.Second)
	v.SetDefault("dispatch.max_retries", 2)
	v.SetDefault("dispatch.retry_backoff", 250*time.Millisecond)
	v.SetDefault("dispatch.max_parallel", 8)
	v.SetDefault("dispatch.streaming", true)

	v.SetDefault("registry.freshness_window", 5*time.Minute)
	v.SetDefault("registry.refresh_interval", 10*time.Minute)
	v.SetDefault("registry.failure_threshold", 3)
	v.SetDefault("registry.fetch_timeout", 5*time.Second)
	v.SetDefault("registry.min_refresh_gap", 5*time.Second)

	v.SetDefault("routing.threshold", 0.15)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.http_endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "hostagent")
}
