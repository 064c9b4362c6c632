package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models incidentline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Analysis struct {
		Threshold            int      `yaml:"threshold"`
		QualifyingSeverities []string `yaml:"qualifying_severities"`
		AutoResolve          bool     `yaml:"auto_resolve"`
	} `yaml:"analysis"`
	Reasoning struct {
		Endpoint       string `yaml:"endpoint"`
		Instruction    string `yaml:"instruction"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"reasoning"`
	Stream struct {
		SubscriberBuffer int  `yaml:"subscriber_buffer"`
		KeepaliveSeconds int  `yaml:"keepalive_seconds"`
		Archive          bool `yaml:"archive"`
	} `yaml:"stream"`
	Owners struct {
		Default  Owner            `yaml:"default"`
		Services map[string]Owner `yaml:"services"`
	} `yaml:"owners"`
	KnowledgeBase []KnowledgeEntry `yaml:"knowledge_base"`
	Resolution    struct {
		Workers        int           `yaml:"workers"`
		TimeoutSeconds int           `yaml:"timeout_seconds"`
		Backend        string        `yaml:"backend"`
		DefaultRunbook string        `yaml:"default_runbook"`
		Runbooks       []RunbookRule `yaml:"runbooks"`
	} `yaml:"resolution"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Owner struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Team string `yaml:"team"`
}

type KnowledgeEntry struct {
	Match string `yaml:"match"`
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
}

// RunbookRule binds a runbook file to tickets of a service and issue type.
// Empty fields match anything.
type RunbookRule struct {
	Service   string `yaml:"service"`
	IssueType string `yaml:"issue_type"`
	File      string `yaml:"file"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	BackendLocal   = "local"
	BackendProcess = "process"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with il config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Analysis.Threshold < 1 {
		return fmt.Errorf("config.analysis.threshold must be >= 1")
	}
	if len(c.Analysis.QualifyingSeverities) == 0 {
		return fmt.Errorf("config.analysis.qualifying_severities is required")
	}
	for _, s := range c.Analysis.QualifyingSeverities {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.analysis.qualifying_severities has an empty entry")
		}
	}
	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("config.stream.subscriber_buffer must be >= 1")
	}
	if c.Stream.KeepaliveSeconds < 1 {
		return fmt.Errorf("config.stream.keepalive_seconds must be >= 1")
	}
	if c.Owners.Default.Team == "" {
		return fmt.Errorf("config.owners.default.team is required")
	}
	for svc, o := range c.Owners.Services {
		if svc == "" {
			return fmt.Errorf("config.owners.services contains an empty service name")
		}
		if o.Team == "" {
			return fmt.Errorf("owner for service %s has no team", svc)
		}
	}
	for i, kb := range c.KnowledgeBase {
		if kb.Match == "" || kb.Title == "" {
			return fmt.Errorf("knowledge_base[%d] requires match and title", i)
		}
	}
	if c.Resolution.Workers < 1 {
		return fmt.Errorf("config.resolution.workers must be >= 1")
	}
	if c.Resolution.TimeoutSeconds < 1 {
		return fmt.Errorf("config.resolution.timeout_seconds must be >= 1")
	}
	switch c.Resolution.Backend {
	case BackendLocal, BackendProcess:
	default:
		return fmt.Errorf("config.resolution.backend must be %q or %q", BackendLocal, BackendProcess)
	}
	for i, rule := range c.Resolution.Runbooks {
		if rule.File == "" {
			return fmt.Errorf("resolution.runbooks[%d] has no file", i)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d] has no url", i)
		}
	}
	return nil
}

func (c *Config) ResolutionTimeout() time.Duration {
	return time.Duration(c.Resolution.TimeoutSeconds) * time.Second
}

func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Stream.KeepaliveSeconds) * time.Second
}

func (c *Config) ReasoningTimeout() time.Duration {
	if c.Reasoning.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Reasoning.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "incidentline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info
  json: false

analysis:
  threshold: 5
  qualifying_severities: [Critical, Fatal]
  auto_resolve: false

reasoning:
  # NDJSON analysis endpoint; empty means deterministic fallback only.
  endpoint: ""
  timeout_seconds: 60
  instruction: >-
    Identify FATAL conditions that recur at least five times for the same
    service and report each as an issue with service, issue_type, severity,
    count, first_seen, last_seen and description.

stream:
  subscriber_buffer: 256
  keepalive_seconds: 15
  archive: true

owners:
  default:
    id: ai-oncall-001
    name: AI Oncall Agent
    team: Automated Response
  services:
    api-gateway:
      id: eng-001
      name: Alice Smith
      team: Backend
    payment-service:
      id: eng-002
      name: Bob Johnson
      team: Infrastructure
    web-frontend:
      id: eng-003
      name: Charlie Davis
      team: Frontend
    inventory-service:
      id: eng-004
      name: Diana Lee
      team: Database
    auth-service:
      id: eng-005
      name: Evan Wilson
      team: Security

knowledge_base:
  - match: OutOfMemoryError
    title: "Diagnosing JVM heap exhaustion"
    url: https://kb.example.internal/runbooks/oom
  - match: timeout
    title: "Upstream timeout triage"
    url: https://kb.example.internal/runbooks/timeouts
  - match: connection
    title: "Connection pool saturation"
    url: https://kb.example.internal/runbooks/connection-pools

resolution:
  workers: 2
  timeout_seconds: 600
  backend: local
  default_runbook: ""
  runbooks: []

webhooks: []
`
