package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/local"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// Transport types.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
)

// AgentConfig is the agent configuration file.
type AgentConfig struct {
	// Node overrides detected node facts.
	Node NodeConfig `yaml:"node"`

	// Transport selects how the node is reached.
	Transport TransportConfig `yaml:"transport"`

	// Declarations lists CUE files or directories to converge.
	Declarations []string `yaml:"declarations,omitempty"`

	// Store configures run history.
	Store StoreConfig `yaml:"store"`

	// Policy configures the action gate.
	Policy PolicyConfig `yaml:"policy"`

	// Guards configures block guard evaluation.
	Guards GuardsConfig `yaml:"guards"`

	// Daemon configures scheduled runs.
	Daemon DaemonConfig `yaml:"daemon"`

	// MaxNotificationDepth bounds notification cascades.
	MaxNotificationDepth int `yaml:"max_notification_depth" validate:"gte=0"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// NodeConfig overrides node facts.
type NodeConfig struct {
	// Name defaults to the hostname.
	Name string `yaml:"name,omitempty"`

	// Platform skips platform detection when set (e.g., "openbsd").
	Platform string `yaml:"platform,omitempty"`

	// PlatformVersion is used with Platform.
	PlatformVersion string `yaml:"platform_version,omitempty"`

	// Attributes are exposed to providers and guards.
	Attributes map[string]interface{} `yaml:"attributes,omitempty"`
}

// TransportConfig selects the node transport.
type TransportConfig struct {
	// Type is local or ssh.
	Type string `yaml:"type" validate:"required,oneof=local ssh"`

	// Local configures the local transport.
	Local local.Config `yaml:"local"`

	// SSH configures the SSH transport. Fields left out keep their defaults.
	SSH *ssh.Config `yaml:"ssh,omitempty"`
}

// StoreConfig configures run history.
type StoreConfig struct {
	// Enabled controls whether runs are recorded.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database path.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// RetainRuns prunes older runs after each run. Zero keeps everything.
	RetainRuns int `yaml:"retain_runs" validate:"gte=0"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `yaml:"enabled"`

	// Paths lists policy files or directories.
	Paths []string `yaml:"paths,omitempty" validate:"required_if=Enabled true"`

	// Mode is advisory (log denials) or enforcing (veto actions).
	Mode string `yaml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch"`
}

// GuardsConfig configures block guards.
type GuardsConfig struct {
	// Timeout bounds a single guard evaluation.
	Timeout time.Duration `yaml:"timeout"`

	// WASM enables WebAssembly guards.
	WASM bool `yaml:"wasm"`

	// MemoryLimitPages bounds WASM guard memory in 64KB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// DaemonConfig configures scheduled runs.
type DaemonConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 30m".
	Schedule string `yaml:"schedule" validate:"required"`

	// Splay delays each run by a random duration up to Splay.
	Splay time.Duration `yaml:"splay" validate:"gte=0"`

	// MetricsAddress serves Prometheus metrics; empty disables the endpoint.
	MetricsAddress string `yaml:"metrics_address,omitempty"`
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Transport: TransportConfig{
			Type:  TransportLocal,
			Local: local.DefaultConfig(),
			SSH:   ssh.DefaultConfig("", ""),
		},
		Store: StoreConfig{
			Enabled:    true,
			Path:       "/var/db/converge/history.db",
			RetainRuns: 500,
		},
		Policy: PolicyConfig{
			Mode: "enforcing",
		},
		Guards: GuardsConfig{
			Timeout:          5 * time.Second,
			MemoryLimitPages: 256,
		},
		Daemon: DaemonConfig{
			Schedule:       "@every 30m",
			Splay:          5 * time.Minute,
			MetricsAddress: ":9464",
		},
		MaxNotificationDepth: engine.DefaultMaxNotificationDepth,
		Telemetry:            telemetry.DefaultConfig(),
	}
}

// LoadAgentConfig reads path over the defaults and validates the result.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}
	return ParseAgentConfig(data)
}

// ParseAgentConfig parses YAML over the defaults and validates the result.
func ParseAgentConfig(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *AgentConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	if c.Transport.Type == TransportSSH {
		if c.Transport.SSH == nil || c.Transport.SSH.Host == "" {
			return fmt.Errorf("invalid agent config: ssh transport requires an ssh host")
		}
		if err := c.Transport.SSH.Validate(); err != nil {
			return fmt.Errorf("invalid ssh transport: %w", err)
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}
