// ABOUTME: Configuration loading and parsing for coven-fleet
// ABOUTME: Supports YAML, TOML and JSONC files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Target kinds select the probe strategy used for a fleet target.
const (
	KindBuiltin = "builtin" // in-process capability query, no network
	KindHTTP    = "http"    // GET liveness endpoint
	KindGRPC    = "grpc"    // grpc.health.v1 Check
	KindTCP     = "tcp"     // bare port reachability
	KindRedis   = "redis"   // PING
)

// Control types select how a target is stopped and started.
const (
	ControlService = "service" // OS service manager
	ControlHTTP    = "http"    // POST <url>/stop and <url>/start
	ControlExec    = "exec"    // configured commands
)

// Default values applied when a field is left empty.
const (
	DefaultProbeTimeout  = 3 * time.Second
	DefaultSettleDelay   = time.Second
	DefaultStopTimeout   = 10 * time.Second
	DefaultToolTimeout   = 30 * time.Second
	DefaultReconnectMin  = time.Second
	DefaultReconnectMax  = 30 * time.Second
	DefaultReadTimeout   = 70 * time.Second
	DefaultDedupeTTL     = 5 * time.Minute
	DefaultTelemetryName = "coven-fleet"
)

// Config represents the complete coven-fleet configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Ingest    IngestConfig    `yaml:"ingest" toml:"ingest"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy"`
	Fleet     FleetConfig     `yaml:"fleet" toml:"fleet"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds the control API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds authentication configuration for the control API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DatabaseConfig holds the history database location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// IngestConfig holds the push-channel connection settings
type IngestConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`

	ReconnectMin time.Duration `yaml:"-" toml:"-"`
	ReconnectMax time.Duration `yaml:"-" toml:"-"`
	ReadTimeout  time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReconnectMinRaw string `yaml:"reconnect_min" toml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max" toml:"reconnect_max"`
	ReadTimeoutRaw  string `yaml:"read_timeout" toml:"read_timeout"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ToolsConfig holds the remote tool endpoint settings
type ToolsConfig struct {
	// Endpoint is the MCP JSON-RPC URL of the tool-execution core.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// PolicyConfig points at an optional rego policy file
type PolicyConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// FleetConfig holds prober timing and the target roster
type FleetConfig struct {
	ProbeTimeout  time.Duration `yaml:"-" toml:"-"`
	ProbeInterval time.Duration `yaml:"-" toml:"-"`
	SettleDelay   time.Duration `yaml:"-" toml:"-"`
	StopTimeout   time.Duration `yaml:"-" toml:"-"`

	ProbeTimeoutRaw  string `yaml:"probe_timeout" toml:"probe_timeout"`
	ProbeIntervalRaw string `yaml:"probe_interval" toml:"probe_interval"`
	SettleDelayRaw   string `yaml:"settle_delay" toml:"settle_delay"`
	StopTimeoutRaw   string `yaml:"stop_timeout" toml:"stop_timeout"`

	// MaxParallel bounds concurrent probes in one sweep. Zero means unbounded.
	MaxParallel int `yaml:"max_parallel" toml:"max_parallel"`

	// WatchConfig reloads the target roster when the config file changes.
	WatchConfig bool `yaml:"watch_config" toml:"watch_config"`

	Targets []TargetConfig `yaml:"targets" toml:"targets"`
}

// TargetConfig describes one backend process in the fleet
type TargetConfig struct {
	ID      string        `yaml:"id" toml:"id"`
	Name    string        `yaml:"name" toml:"name"`
	Kind    string        `yaml:"kind" toml:"kind"`
	URL     string        `yaml:"url" toml:"url"`
	Metric  MetricConfig  `yaml:"metric" toml:"metric"`
	Control ControlConfig `yaml:"control" toml:"control"`
}

// MetricConfig locates the liveness metric of a target.
// Path uses gjson syntax, e.g. "tools.#" or "sessions.active".
// Kind "tools" also reports the value as the target's tool count.
type MetricConfig struct {
	URL  string `yaml:"url" toml:"url"`
	Path string `yaml:"path" toml:"path"`
	Kind string `yaml:"kind" toml:"kind"`
}

// ControlConfig describes how a target is stopped and started
type ControlConfig struct {
	Type    string   `yaml:"type" toml:"type"`
	Service string   `yaml:"service" toml:"service"`
	URL     string   `yaml:"url" toml:"url"`
	Stop    []string `yaml:"stop" toml:"stop"`
	Start   []string `yaml:"start" toml:"start"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
}

// ResolvePath returns the config file path.
// Priority: explicit flag > COVEN_FLEET_CONFIG > XDG_CONFIG_HOME/coven/fleet.yaml > ~/.config/coven/fleet.yaml
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("COVEN_FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleet.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "fleet.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first so that ${VAR_NAME}
// references can resolve against it. The decoder is chosen by file extension.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext is the file extension
// (".yaml", ".yml", ".toml", ".json", ".jsonc") and defaults to YAML.
func Parse(ext string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone
		if err := yaml.Unmarshal(jsonc.ToJSON([]byte(expanded)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Fleet.MaxParallel < 0 {
		return fmt.Errorf("fleet.max_parallel must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Fleet.Targets))
	for i, t := range c.Fleet.Targets {
		if t.ID == "" {
			return fmt.Errorf("fleet.targets[%d].id is required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("fleet.targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}

		switch t.Kind {
		case KindBuiltin:
		case KindHTTP, KindGRPC, KindTCP, KindRedis:
			if t.URL == "" {
				return fmt.Errorf("fleet.targets[%d].url is required for kind %q", i, t.Kind)
			}
		default:
			return fmt.Errorf("fleet.targets[%d].kind %q is not one of builtin, http, grpc, tcp, redis", i, t.Kind)
		}

		switch t.Control.Type {
		case "":
		case ControlService:
			if t.Control.Service == "" {
				return fmt.Errorf("fleet.targets[%d].control.service is required for service control", i)
			}
		case ControlHTTP:
			if t.Control.URL == "" {
				return fmt.Errorf("fleet.targets[%d].control.url is required for http control", i)
			}
		case ControlExec:
			if len(t.Control.Stop) == 0 || len(t.Control.Start) == 0 {
				return fmt.Errorf("fleet.targets[%d].control needs both stop and start commands", i)
			}
		default:
			return fmt.Errorf("fleet.targets[%d].control.type %q is not one of service, http, exec", i, t.Control.Type)
		}
	}

	return nil
}

// applyDefaults fills zero-valued fields with their defaults
func (c *Config) applyDefaults() {
	if c.Ingest.ReconnectMin == 0 {
		c.Ingest.ReconnectMin = DefaultReconnectMin
	}
	if c.Ingest.ReconnectMax == 0 {
		c.Ingest.ReconnectMax = DefaultReconnectMax
	}
	if c.Ingest.ReadTimeout == 0 {
		c.Ingest.ReadTimeout = DefaultReadTimeout
	}
	if c.Ingest.DedupeTTL == 0 {
		c.Ingest.DedupeTTL = DefaultDedupeTTL
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = DefaultToolTimeout
	}
	if c.Fleet.ProbeTimeout == 0 {
		c.Fleet.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Fleet.SettleDelay == 0 {
		c.Fleet.SettleDelay = DefaultSettleDelay
	}
	if c.Fleet.StopTimeout == 0 {
		c.Fleet.StopTimeout = DefaultStopTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultTelemetryName
	}
	for i := range c.Fleet.Targets {
		if c.Fleet.Targets[i].Name == "" {
			c.Fleet.Targets[i].Name = c.Fleet.Targets[i].ID
		}
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ingest.reconnect_min", cfg.Ingest.ReconnectMinRaw, &cfg.Ingest.ReconnectMin},
		{"ingest.reconnect_max", cfg.Ingest.ReconnectMaxRaw, &cfg.Ingest.ReconnectMax},
		{"ingest.read_timeout", cfg.Ingest.ReadTimeoutRaw, &cfg.Ingest.ReadTimeout},
		{"ingest.dedupe_ttl", cfg.Ingest.DedupeTTLRaw, &cfg.Ingest.DedupeTTL},
		{"tools.timeout", cfg.Tools.TimeoutRaw, &cfg.Tools.Timeout},
		{"fleet.probe_timeout", cfg.Fleet.ProbeTimeoutRaw, &cfg.Fleet.ProbeTimeout},
		{"fleet.probe_interval", cfg.Fleet.ProbeIntervalRaw, &cfg.Fleet.ProbeInterval},
		{"fleet.settle_delay", cfg.Fleet.SettleDelayRaw, &cfg.Fleet.SettleDelay},
		{"fleet.stop_timeout", cfg.Fleet.StopTimeoutRaw, &cfg.Fleet.StopTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
