package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models controlroom.yml.
type Config struct {
	Emitter struct {
		ID string `yaml:"id"`
	} `yaml:"emitter"`
	Policies struct {
		// Scopes maps a dangerous operation scope to the policy that
		// governs its approvals. A task whose scope appears here must
		// pass the approval gate before running.
		Scopes  map[string]string        `yaml:"scopes"`
		Catalog map[string]PolicyEntry   `yaml:"catalog"`
		Default PolicyDefaults           `yaml:"default"`
	} `yaml:"policies"`
	Sanitizer struct {
		MaxStringLen int      `yaml:"max_string_len"`
		MaxListLen   int      `yaml:"max_list_len"`
		DenyKeys     []string `yaml:"deny_keys"`
	} `yaml:"sanitizer"`
	Cancel struct {
		GraceSeconds int `yaml:"grace_seconds"`
	} `yaml:"cancel"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type PolicyEntry struct {
	Description string `yaml:"description"`
	ApprovalTTL string `yaml:"approval_ttl"`
}

type PolicyDefaults struct {
	ApprovalTTL string `yaml:"approval_ttl"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// DangerousScope reports whether a scope requires approval and which policy
// governs it.
func (c *Config) DangerousScope(scope string) (string, bool) {
	if scope == "" {
		return "", false
	}
	policyID, ok := c.Policies.Scopes[scope]
	return policyID, ok
}

// ApprovalTTL returns the approval lifetime for a policy, falling back to
// the configured default and finally to one hour.
func (c *Config) ApprovalTTL(policyID string) time.Duration {
	if entry, ok := c.Policies.Catalog[policyID]; ok && entry.ApprovalTTL != "" {
		if d, err := time.ParseDuration(entry.ApprovalTTL); err == nil && d > 0 {
			return d
		}
	}
	if c.Policies.Default.ApprovalTTL != "" {
		if d, err := time.ParseDuration(c.Policies.Default.ApprovalTTL); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}

// CancelGrace is the window a running Run gets to acknowledge a cancel
// request before the orchestrator forces the task to canceled.
func (c *Config) CancelGrace() time.Duration {
	if c.Cancel.GraceSeconds > 0 {
		return time.Duration(c.Cancel.GraceSeconds) * time.Second
	}
	return 30 * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Emitter.ID == "" {
		return fmt.Errorf("config.emitter.id is required")
	}
	for scope, policyID := range c.Policies.Scopes {
		if scope == "" {
			return fmt.Errorf("config.policies.scopes contains empty scope")
		}
		if policyID == "" {
			return fmt.Errorf("scope %s has empty policy id", scope)
		}
		if len(c.Policies.Catalog) > 0 {
			if _, ok := c.Policies.Catalog[policyID]; !ok {
				return fmt.Errorf("scope %s references unknown policy %s", scope, policyID)
			}
		}
	}
	for policyID, entry := range c.Policies.Catalog {
		if policyID == "" {
			return fmt.Errorf("config.policies.catalog contains empty policy id")
		}
		if entry.ApprovalTTL != "" {
			if _, err := time.ParseDuration(entry.ApprovalTTL); err != nil {
				return fmt.Errorf("policy %s: invalid approval_ttl: %w", policyID, err)
			}
		}
	}
	if c.Policies.Default.ApprovalTTL != "" {
		if _, err := time.ParseDuration(c.Policies.Default.ApprovalTTL); err != nil {
			return fmt.Errorf("default approval_ttl: %w", err)
		}
	}
	if c.Sanitizer.MaxStringLen < 0 || c.Sanitizer.MaxListLen < 0 {
		return fmt.Errorf("sanitizer caps must be non-negative")
	}
	for _, k := range c.Sanitizer.DenyKeys {
		if k == "" {
			return fmt.Errorf("config.sanitizer.deny_keys contains empty key")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "controlroom.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with crctl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct for an emitter.
func Default(emitterID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, emitterID))).Decode(&cfg)
	cfg.Emitter.ID = emitterID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(emitterID string) string {
	return fmt.Sprintf(defaultTemplate, emitterID)
}

const defaultTemplate = `emitter:
  id: %s

policies:
  scopes:
    deploy: change.approval
    infra.mutate: change.approval
    data.delete: destructive.approval
    secrets.rotate: destructive.approval

  catalog:
    change.approval:
      description: "Production change; one human sign-off required"
      approval_ttl: 4h
    destructive.approval:
      description: "Destructive operation; short-lived sign-off"
      approval_ttl: 30m

  default:
    approval_ttl: 1h

sanitizer:
  max_string_len: 2000
  max_list_len: 50
  deny_keys: []

cancel:
  grace_seconds: 30
`
