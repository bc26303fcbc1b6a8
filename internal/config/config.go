package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models arc.yml. Secrets never live here; they come from the environment.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
	} `yaml:"database"`
	Causal struct {
		GateAllStages bool `yaml:"gate_all_stages"`
	} `yaml:"causal"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig controls OTLP metric export. The endpoint may also come
// from ARC_OTLP_ENDPOINT.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ServiceName    string        `yaml:"service_name"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

type RealtimeConfig struct {
	Path             string         `yaml:"path"`
	Feed             string         `yaml:"feed"`
	PollInterval     time.Duration  `yaml:"poll_interval"`
	MaxPending       int            `yaml:"max_pending"`
	CalibrationDelay time.Duration  `yaml:"calibration_delay"`
	CaptureDelay     time.Duration  `yaml:"capture_delay"`
	Sources          []SourceConfig `yaml:"sources"`
}

// SourceConfig maps one watched table to the event type clients receive.
type SourceConfig struct {
	Table string   `yaml:"table"`
	Event string   `yaml:"event"`
	Ops   []string `yaml:"ops"`
}

const (
	FeedPoll   = "poll"
	FeedListen = "listen"
	FeedOff    = "off"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with arc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	rt := c.Realtime
	if !strings.HasPrefix(rt.Path, "/") {
		return fmt.Errorf("config.realtime.path must start with /")
	}
	switch rt.Feed {
	case FeedPoll, FeedListen, FeedOff:
	default:
		return fmt.Errorf("config.realtime.feed must be one of poll, listen, off")
	}
	if rt.Feed == FeedListen && strings.ToLower(c.Database.Driver) != "postgres" {
		return fmt.Errorf("config.realtime.feed=listen requires database.driver=postgres")
	}
	if rt.Feed == FeedPoll && rt.PollInterval <= 0 {
		return fmt.Errorf("config.realtime.poll_interval must be positive")
	}
	if rt.MaxPending < 0 {
		return fmt.Errorf("config.realtime.max_pending must not be negative")
	}
	if rt.CalibrationDelay < 0 || rt.CaptureDelay < 0 {
		return fmt.Errorf("config.realtime command delays must not be negative")
	}
	if c.Telemetry.ExportInterval < 0 {
		return fmt.Errorf("config.telemetry.export_interval must not be negative")
	}
	seen := map[string]bool{}
	for i, src := range rt.Sources {
		if !identRe.MatchString(src.Table) {
			return fmt.Errorf("realtime source %d has invalid table %q", i, src.Table)
		}
		if strings.TrimSpace(src.Event) == "" {
			return fmt.Errorf("realtime source %s has empty event", src.Table)
		}
		for _, op := range src.Ops {
			key := src.Table + "/" + strings.ToUpper(op)
			switch strings.ToUpper(op) {
			case "INSERT", "UPDATE":
			default:
				return fmt.Errorf("realtime source %s has unsupported op %q", src.Table, op)
			}
			if seen[key] {
				return fmt.Errorf("realtime source %s maps op %s twice", src.Table, op)
			}
			seen[key] = true
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "arc.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their defaults; lists given in the document replace them.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:9002
  base_path: /v0
  cors_origins: ["*"]

database:
  driver: sqlite

causal:
  gate_all_stages: false

realtime:
  path: /ws/activity
  feed: poll
  poll_interval: 500ms
  max_pending: 0
  calibration_delay: 5s
  capture_delay: 30s
  sources:
    - table: activity_feed
      event: new_activity
      ops: [INSERT]
    - table: anomalies
      event: new_anomaly
      ops: [INSERT]
    - table: tasks
      event: task_update
      ops: [INSERT, UPDATE]
    - table: scenarios
      event: scenario_update
      ops: [INSERT, UPDATE]

telemetry:
  enabled: false
  otlp_endpoint: ""
  service_name: arcline
  export_interval: 30s
`
