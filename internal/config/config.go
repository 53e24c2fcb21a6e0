package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentline/internal/domain"
)

const FileName = "agentline.yml"

// Capacity policies applied when max_running sessions are already active.
const (
	CapacityFail  = "fail"
	CapacityBlock = "block"
)

// Config models agentline.yml.
type Config struct {
	Orchestrator Orchestrator           `yaml:"orchestrator"`
	Agents       map[string]AgentConfig `yaml:"agents"`
	Server       ServerConfig           `yaml:"server"`
	Webhooks     []WebhookConfig        `yaml:"webhooks"`
}

type Orchestrator struct {
	Project           string   `yaml:"project"`
	MaxDepth          int      `yaml:"max_depth"`
	MaxRunning        int      `yaml:"max_running"`
	CapacityPolicy    string   `yaml:"capacity_policy"`
	BlockPollMillis   int      `yaml:"block_poll_millis"`
	GraceSeconds      float64  `yaml:"grace_seconds"`
	IOWaitSeconds     float64  `yaml:"io_wait_seconds"`
	OutputMaxBytes    int      `yaml:"output_max_bytes"`
	SummaryMaxChars   int      `yaml:"summary_max_chars"`
	TimeoutWarnLow    float64  `yaml:"timeout_warn_low"`
	TimeoutWarnHigh   float64  `yaml:"timeout_warn_high"`
	StaleSlackSeconds int      `yaml:"stale_slack_seconds"`
	WorkspaceRoots    []string `yaml:"workspace_roots"`
	DefaultAgent      string   `yaml:"default_agent"`
}

type AgentConfig struct {
	Description           string            `yaml:"description"`
	ModelTier             string            `yaml:"model_tier"`
	DefaultTimeoutSeconds int               `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int               `yaml:"max_timeout_seconds"`
	Capabilities          []string          `yaml:"capabilities"`
	CanSpawnChildren      bool              `yaml:"can_spawn_children"`
	CostPerTaskUSD        float64           `yaml:"cost_per_task_usd"`
	Keywords              []string          `yaml:"keywords"`
	Command               []string          `yaml:"command"`
	Stdin                 bool              `yaml:"stdin"`
	Env                   map[string]string `yaml:"env"`
}

type ServerConfig struct {
	PublicURL       string `yaml:"public_url"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (c *Config) applyDefaults() {
	o := &c.Orchestrator
	if o.Project == "" {
		o.Project = "default"
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 2
	}
	if o.MaxRunning <= 0 {
		o.MaxRunning = 4
	}
	if o.CapacityPolicy == "" {
		o.CapacityPolicy = CapacityFail
	}
	if o.BlockPollMillis <= 0 {
		o.BlockPollMillis = 250
	}
	if o.GraceSeconds <= 0 {
		o.GraceSeconds = 3
	}
	if o.IOWaitSeconds <= 0 {
		o.IOWaitSeconds = 2
	}
	if o.OutputMaxBytes <= 0 {
		o.OutputMaxBytes = 1 << 20
	}
	if o.SummaryMaxChars <= 0 {
		o.SummaryMaxChars = 2000
	}
	if o.TimeoutWarnLow <= 0 {
		o.TimeoutWarnLow = 0.5
	}
	if o.TimeoutWarnHigh <= 0 {
		o.TimeoutWarnHigh = 2.0
	}
	if o.StaleSlackSeconds <= 0 {
		o.StaleSlackSeconds = 30
	}
	if c.Server.TokenTTLMinutes <= 0 {
		c.Server.TokenTTLMinutes = 60
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.CapacityPolicy != CapacityFail && o.CapacityPolicy != CapacityBlock {
		return fmt.Errorf("orchestrator.capacity_policy must be %q or %q", CapacityFail, CapacityBlock)
	}
	if o.TimeoutWarnLow >= o.TimeoutWarnHigh {
		return fmt.Errorf("orchestrator.timeout_warn_low must be below timeout_warn_high")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents must define at least one agent type")
	}
	for name, a := range c.Agents {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.agents contains empty agent type name")
		}
		if a.DefaultTimeoutSeconds <= 0 || a.MaxTimeoutSeconds <= 0 {
			return fmt.Errorf("agent %s: timeouts must be positive", name)
		}
		if a.DefaultTimeoutSeconds > a.MaxTimeoutSeconds {
			return fmt.Errorf("agent %s: default_timeout_seconds %d exceeds max_timeout_seconds %d", name, a.DefaultTimeoutSeconds, a.MaxTimeoutSeconds)
		}
		if len(a.Command) == 0 || strings.TrimSpace(a.Command[0]) == "" {
			return fmt.Errorf("agent %s: command is required", name)
		}
	}
	if o.DefaultAgent != "" {
		if _, ok := c.Agents[o.DefaultAgent]; !ok {
			return fmt.Errorf("orchestrator.default_agent %s is not a defined agent type", o.DefaultAgent)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// AgentSpecs converts the agents section into catalog entries keyed by name.
func (c *Config) AgentSpecs() map[string]domain.AgentSpec {
	out := make(map[string]domain.AgentSpec, len(c.Agents))
	for name, a := range c.Agents {
		env := make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			env[k] = v
		}
		out[name] = domain.AgentSpec{
			Name:                  name,
			Description:           a.Description,
			ModelTier:             a.ModelTier,
			DefaultTimeoutSeconds: a.DefaultTimeoutSeconds,
			MaxTimeoutSeconds:     a.MaxTimeoutSeconds,
			Capabilities:          sortedCopy(a.Capabilities),
			CanSpawnChildren:      a.CanSpawnChildren,
			CostPerTaskUSD:        a.CostPerTaskUSD,
			Keywords:              append([]string(nil), a.Keywords...),
			Command:               append([]string(nil), a.Command...),
			Stdin:                 a.Stdin,
			Env:                   env,
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func (o Orchestrator) Grace() time.Duration {
	return time.Duration(o.GraceSeconds * float64(time.Second))
}

func (o Orchestrator) IOWait() time.Duration {
	return time.Duration(o.IOWaitSeconds * float64(time.Second))
}

func (o Orchestrator) BlockPoll() time.Duration {
	return time.Duration(o.BlockPollMillis) * time.Millisecond
}

func (o Orchestrator) StaleSlack() time.Duration {
	return time.Duration(o.StaleSlackSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with agl init", path)
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

const defaultTemplate = `orchestrator:
  project: default
  max_depth: 2
  max_running: 4
  # fail: reject with capacity_exceeded; block: wait for a free slot
  capacity_policy: fail
  grace_seconds: 3
  io_wait_seconds: 2
  output_max_bytes: 1048576
  summary_max_chars: 2000
  timeout_warn_low: 0.5
  timeout_warn_high: 2.0
  stale_slack_seconds: 30
  workspace_roots: []
  default_agent: echo-worker

agents:
  echo-worker:
    description: "Prints the task text and exits"
    model_tier: none
    default_timeout_seconds: 5
    max_timeout_seconds: 30
    capabilities: [shell]
    keywords: [echo, print]
    command: ["sh", "-c", "printf '%s\n' \"$AGENTLINE_TASK\""]

  sleep-forever:
    description: "Ignores SIGTERM and never exits; exercises timeout enforcement"
    model_tier: none
    default_timeout_seconds: 10
    max_timeout_seconds: 60
    capabilities: [shell]
    keywords: [sleep, hang]
    command: ["sh", "-c", "trap '' TERM; while :; do sleep 1; done"]

  coordinator:
    description: "Delegates work to workers through the orchestrator API"
    model_tier: sonnet
    default_timeout_seconds: 600
    max_timeout_seconds: 1800
    capabilities: [delegate, inbox]
    can_spawn_children: true
    cost_per_task_usd: 0.21
    keywords: [plan, breakdown, coordinate, roadmap]
    command: ["claude", "--model", "{model}", "--print"]
    stdin: true

  coder-haiku:
    description: "General coding worker"
    model_tier: haiku
    default_timeout_seconds: 300
    max_timeout_seconds: 600
    capabilities: [read, write, shell]
    cost_per_task_usd: 0.035
    keywords: [code, write, implement, fix, build]
    command: ["claude", "--model", "{model}", "--print"]
    stdin: true

  reviewer-sonnet:
    description: "Read-only code reviewer"
    model_tier: sonnet
    default_timeout_seconds: 300
    max_timeout_seconds: 900
    capabilities: [read]
    cost_per_task_usd: 0.11
    keywords: [review, audit, security]
    command: ["claude", "--model", "{model}", "--print", "--permission-mode", "plan"]
    stdin: true

server:
  public_url: ""
  token_ttl_minutes: 60

webhooks: []
`
