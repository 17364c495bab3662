package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"backplane/internal/domain"
)

// Config models backplane.yml.
type Config struct {
	Server struct {
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Policy struct {
		EvaluationTimeoutMS int `yaml:"evaluation_timeout_ms"`
	} `yaml:"policy"`
	Delivery struct {
		RetryMaxAttempts int `yaml:"retry_max_attempts"`
		BackoffBaseMS    int `yaml:"backoff_base_ms"`
		BackoffCapMS     int `yaml:"backoff_cap_ms"`
		AttemptTimeoutMS int `yaml:"attempt_timeout_ms"`
	} `yaml:"delivery"`
	Escalation struct {
		TTLHours             int `yaml:"ttl_hours"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"escalation"`
	Registry struct {
		MissedProbeThreshold int `yaml:"missed_probe_threshold"`
	} `yaml:"registry"`
}

// Validate fills defaults and rejects values that would disable the
// conservative failure modes.
func (c *Config) Validate() error {
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Policy.EvaluationTimeoutMS == 0 {
		c.Policy.EvaluationTimeoutMS = 250
	}
	if c.Policy.EvaluationTimeoutMS < 0 {
		return fmt.Errorf("policy.evaluation_timeout_ms must be positive")
	}
	if c.Delivery.RetryMaxAttempts == 0 {
		c.Delivery.RetryMaxAttempts = 5
	}
	if c.Delivery.RetryMaxAttempts < 1 {
		return fmt.Errorf("delivery.retry_max_attempts must be at least 1")
	}
	if c.Delivery.BackoffBaseMS == 0 {
		c.Delivery.BackoffBaseMS = 1000
	}
	if c.Delivery.BackoffCapMS == 0 {
		c.Delivery.BackoffCapMS = 60000
	}
	if c.Delivery.BackoffCapMS < c.Delivery.BackoffBaseMS {
		return fmt.Errorf("delivery.backoff_cap_ms must be >= backoff_base_ms")
	}
	if c.Delivery.AttemptTimeoutMS == 0 {
		c.Delivery.AttemptTimeoutMS = 5000
	}
	if c.Escalation.TTLHours == 0 {
		c.Escalation.TTLHours = 24
	}
	if c.Escalation.TTLHours < 0 {
		return fmt.Errorf("escalation.ttl_hours must be positive")
	}
	if c.Escalation.SweepIntervalSeconds == 0 {
		c.Escalation.SweepIntervalSeconds = 60
	}
	if c.Registry.MissedProbeThreshold == 0 {
		c.Registry.MissedProbeThreshold = 3
	}
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "backplane.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	_ = cfg.Validate()
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// RuleFile is the on-disk policy rule set imported via the CLI or API.
type RuleFile struct {
	Rules []domain.PolicyRule `yaml:"rules"`
}

// RulesFromYAML parses and validates a rule file.
func RulesFromYAML(data []byte) ([]domain.PolicyRule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}
	seen := map[string]bool{}
	for i, r := range f.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.TopicPattern == "" {
			return nil, fmt.Errorf("rule %s: topic_pattern is required", r.ID)
		}
		if r.Predicate == "" {
			return nil, fmt.Errorf("rule %s: predicate is required", r.ID)
		}
		if r.OnFail != domain.OnFailReject && r.OnFail != domain.OnFailEscalate {
			return nil, fmt.Errorf("rule %s: on_fail must be reject or escalate", r.ID)
		}
	}
	return f.Rules, nil
}

// RulesFromFile reads a YAML rule file from disk.
func RulesFromFile(path string) ([]domain.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return RulesFromYAML(data)
}

const defaultTemplate = `server:
  base_path: /v0
  jwt_secret: ""

policy:
  evaluation_timeout_ms: 250

delivery:
  retry_max_attempts: 5
  backoff_base_ms: 1000
  backoff_cap_ms: 60000
  attempt_timeout_ms: 5000

escalation:
  ttl_hours: 24
  sweep_interval_seconds: 60

registry:
  missed_probe_threshold: 3
`
