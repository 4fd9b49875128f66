package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/pkg/protocol"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "warren.yml"

// Backend values
const (
	BackendMemory    = "memory"
	BackendNetworked = "networked"
)

// Defaults applied by Validate when a key is omitted
const (
	DefaultNamespace            = "default"
	DefaultRedisURL             = "redis://localhost:6379/0"
	DefaultTTL                  = time.Hour
	DefaultMaxAuditEvents       = 10000
	DefaultAuditTrimFraction    = 0.10
	DefaultCycleCheckDepthLimit = 1000
	DefaultReclaimSchedule      = "@every 1m"
	DefaultContextHistoryLimit  = 50
)

// WarrenConfig represents the top-level warren.yml configuration
type WarrenConfig struct {
	Version              string            `yaml:"version"`
	Namespace            string            `yaml:"namespace,omitempty"`               // Isolates inboxes of several cores sharing one Redis
	Backend              string            `yaml:"backend,omitempty"`                 // "memory" (default) or "networked"
	Redis                *RedisConfig      `yaml:"redis,omitempty"`                   // Used by the networked backend
	DefaultTTL           time.Duration     `yaml:"default_ttl,omitempty"`             // Applied to messages sent without a TTL
	MaxAuditEvents       int               `yaml:"max_audit_events,omitempty"`        // Audit log capacity before trimming
	AuditTrimFraction    float64           `yaml:"audit_trim_fraction,omitempty"`     // Share of the oldest events purged at capacity
	AuditArchivePath     string            `yaml:"audit_archive_path,omitempty"`      // SQLite file receiving purged audit events
	CycleCheckDepthLimit int               `yaml:"cycle_check_depth_limit,omitempty"` // Bound on the dependency cycle search
	MaxPayloadBytes      int               `yaml:"max_payload_bytes,omitempty"`       // Encoded payload size limit
	ReclaimSchedule      string            `yaml:"reclaim_schedule,omitempty"`        // Cron spec for expired context and message cleanup
	ContextHistoryLimit  int               `yaml:"context_history_limit,omitempty"`   // Revisions retained per context
	Agents               map[string]Agent  `yaml:"agents"`
	PayloadSchemas       map[string]string `yaml:"payload_schemas,omitempty"` // Message type to JSON Schema file

	dir string
}

// Agent represents a single agent identity
type Agent struct {
	Role string `yaml:"role"`
	Rank int    `yaml:"rank,omitempty"` // Higher rank wins priority-based conflict resolution
}

// RedisConfig specifies how the networked backend reaches Redis
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Validate performs strict validation on the configuration and fills in defaults
func (c *WarrenConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(name); err != nil {
			return err
		}
	}

	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}

	switch c.Backend {
	case "":
		c.Backend = BackendMemory
	case BackendMemory:
	case BackendNetworked:
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		if c.Redis.URL == "" {
			c.Redis.URL = DefaultRedisURL
		}
	default:
		return fmt.Errorf("invalid backend: %s (must be '%s' or '%s')", c.Backend, BackendMemory, BackendNetworked)
	}

	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	} else if c.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl must be positive, got %s", c.DefaultTTL)
	}

	if c.MaxAuditEvents == 0 {
		c.MaxAuditEvents = DefaultMaxAuditEvents
	} else if c.MaxAuditEvents < 0 {
		return fmt.Errorf("max_audit_events must be >= 1, got %d", c.MaxAuditEvents)
	}

	if c.AuditTrimFraction == 0 {
		c.AuditTrimFraction = DefaultAuditTrimFraction
	} else if c.AuditTrimFraction < 0 || c.AuditTrimFraction > 1 {
		return fmt.Errorf("audit_trim_fraction must be in (0, 1], got %g", c.AuditTrimFraction)
	}

	if c.CycleCheckDepthLimit == 0 {
		c.CycleCheckDepthLimit = DefaultCycleCheckDepthLimit
	} else if c.CycleCheckDepthLimit < 0 {
		return fmt.Errorf("cycle_check_depth_limit must be >= 1, got %d", c.CycleCheckDepthLimit)
	}

	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = protocol.DefaultMaxPayloadBytes
	} else if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("max_payload_bytes must be >= 1, got %d", c.MaxPayloadBytes)
	}

	if c.ContextHistoryLimit == 0 {
		c.ContextHistoryLimit = DefaultContextHistoryLimit
	} else if c.ContextHistoryLimit < 0 {
		return fmt.Errorf("context_history_limit must be >= 1, got %d", c.ContextHistoryLimit)
	}

	if c.ReclaimSchedule == "" {
		c.ReclaimSchedule = DefaultReclaimSchedule
	}
	if _, err := cron.ParseStandard(c.ReclaimSchedule); err != nil {
		return fmt.Errorf("invalid reclaim_schedule %q: %w", c.ReclaimSchedule, err)
	}

	for msgType, path := range c.PayloadSchemas {
		if err := protocol.MessageType(msgType).Validate(); err != nil {
			return fmt.Errorf("payload_schemas: %w", err)
		}
		if path == "" {
			return fmt.Errorf("payload_schemas: no schema file for message type %s", msgType)
		}
	}

	return nil
}

// Validate performs validation on a single agent configuration
func (a *Agent) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if name == protocol.Broadcast {
		return fmt.Errorf("agent name %q is reserved for broadcasts", name)
	}
	if a.Role == "" {
		return fmt.Errorf("agent '%s': role is required", name)
	}
	if a.Rank < 0 {
		return fmt.Errorf("agent '%s': rank must be >= 0, got %d", name, a.Rank)
	}
	return nil
}

// AgentNames returns the configured agent names, sorted.
func (c *WarrenConfig) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaPath resolves a payload schema file relative to the config file.
func (c *WarrenConfig) SchemaPath(msgType string) string {
	return c.resolve(c.PayloadSchemas[msgType])
}

// ArchivePath resolves audit_archive_path relative to the config file.
func (c *WarrenConfig) ArchivePath() string {
	return c.resolve(c.AuditArchivePath)
}

func (c *WarrenConfig) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// Parse decodes and validates warren.yml content.
func Parse(data []byte) (*WarrenConfig, error) {
	var config WarrenConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates warren.yml from the specified path
func Load(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}
	config.dir = filepath.Dir(path)
	return config, nil
}
