// Package config loads the fabric's lifecycle and QoS profile
// configuration from YAML, per spec.md §5's "All QoS profiles are loaded
// from external ... configuration files referenced by profile name. No QoS
// values are hardcoded." Genesis profiles are plain YAML documents
// referenced by name instead of the original's RTI XML library::profile
// pairs, loaded with the same koanf stack the teacher uses for its
// agent/tool/llm definitions.
//
// Grounded on the teacher's pkg/config/koanf_loader.go (Loader wrapping
// *koanf.Koanf, file provider + confmap-defaults, Load/expandEnvVars/
// unmarshal pipeline), narrowed to the file provider only — this module
// carries no Consul/etcd/Zookeeper remote-config dependency (see
// DESIGN.md for why those teacher deps were dropped) — plus its
// ${VAR}-expansion convention from expandEnvVarsInKoanf.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Recognized environment variables, spec.md §6.
const (
	EnvDomainID      = "GENESIS_DOMAIN_ID"
	EnvLogLevel      = "GENESIS_LOG_LEVEL"
	EnvLogFormat     = "GENESIS_LOG_FORMAT"
	EnvLogFile       = "GENESIS_LOG_FILE"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
)

// Error is the typed error this package returns.
type Error struct {
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[config:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[config:%s] %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Durability mirrors spec.md §6's durability notes (TRANSIENT_LOCAL /
// VOLATILE), carried as config rather than hardcoded per §5's QoS
// invariant.
type Durability string

const (
	DurabilityTransientLocal Durability = "transient_local"
	DurabilityVolatile       Durability = "volatile"
)

// Reliability mirrors the RELIABLE QoS kind spec.md §6 uses for every
// topic.
type Reliability string

const (
	ReliabilityReliable  Reliability = "reliable"
	ReliabilityBestEffort Reliability = "best_effort"
)

// Profile is one named QoS profile, the Go equivalent of the original's
// `cft_Library::cft_Profile` reference.
type Profile struct {
	Durability   Durability  `yaml:"durability"`
	Reliability  Reliability `yaml:"reliability"`
	HistoryDepth int         `yaml:"history_depth"`
}

// SetDefaults fills zero-valued fields with spec.md §6's documented
// defaults (RELIABLE always; KEEP_LAST 500 for the advertisement topic).
func (p *Profile) SetDefaults() {
	if p.Reliability == "" {
		p.Reliability = ReliabilityReliable
	}
	if p.HistoryDepth <= 0 {
		p.HistoryDepth = 500
	}
}

// LLMConfig resolves model provider credentials and defaults.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	APIKeyEnv   string  `yaml:"api_key_env"`
}

// LogConfig carries the logging section of the loaded YAML. cmd/genesis's
// logger does not read it: that logger takes its settings from -v and the
// GENESIS_LOG_* environment variables only.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// AgentConfig describes one locally-hosted agent this process bootstraps:
// the identity it advertises on the bus, the prompts it runs with, and the
// cycle-protection budget it enforces on delegation chains it originates.
// This is the bridge cmd/genesis's agent subcommand needs between
// config-file data and a running orchestrator.Agent + rpc.Replier — every
// other CLI surface (the interface helper) needs none of this since it
// only discovers and calls agents, never hosts one.
type AgentConfig struct {
	AgentID         string   `yaml:"agent_id"`
	Name            string   `yaml:"name"`
	ServiceName     string   `yaml:"service_name"`
	Capabilities    []string `yaml:"capabilities"`
	Specializations []string `yaml:"specializations"`

	SystemPromptToolCapable string `yaml:"system_prompt_tool_capable"`
	SystemPromptGeneral     string `yaml:"system_prompt_general"`

	MaxDepth int `yaml:"max_depth"`
}

// Config is the fabric's root lifecycle configuration.
type Config struct {
	DomainID string             `yaml:"domain_id"`
	Log      LogConfig          `yaml:"log"`
	LLM      LLMConfig          `yaml:"llm"`
	Profiles map[string]Profile `yaml:"profiles"`
	Agent    AgentConfig        `yaml:"agent"`

	// ReplyDrainWindowMS is the rpc.Session quiet-window override discussed
	// in DESIGN.md's Open Question Decision #2; zero uses rpc.DefaultDrainWindow.
	ReplyDrainWindowMS int `yaml:"reply_drain_window_ms"`
}

// SetDefaults applies defaults and ensures every profile referenced has
// its own defaults resolved.
func (c *Config) SetDefaults() {
	if c.Profiles == nil {
		c.Profiles = make(map[string]Profile)
	}
	for name, p := range c.Profiles {
		p.SetDefaults()
		c.Profiles[name] = p
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = EnvAnthropicKey
	}
}

// ResolveProfile looks up a named QoS profile (the `cft_Library::cft_Profile`
// equivalent); unknown names return a zero Profile with defaults applied,
// matching spec.md §5's "referenced by profile name" without treating a
// missing reference as fatal at this layer — callers decide whether that's
// an error for their component.
func (c *Config) ResolveProfile(name string) (Profile, bool) {
	p, ok := c.Profiles[name]
	if !ok {
		p = Profile{}
		p.SetDefaults()
		return p, false
	}
	return p, true
}

// ResolveAPIKey reads the environment variable named by c.LLM.APIKeyEnv.
func (c *Config) ResolveAPIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces every `${VAR}` occurrence in s with the current
// environment value, following the teacher's expandEnvVarsInKoanf
// convention. Unset variables expand to empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}

// Loader loads Config from a YAML file, merged over confmap defaults.
type Loader struct {
	path     string
	defaults map[string]any
}

// NewLoader creates a Loader for the YAML file at path. defaults, if
// non-nil, seeds values a missing or partial file won't override.
func NewLoader(path string, defaults map[string]any) *Loader {
	return &Loader{path: path, defaults: defaults}
}

// Load reads, merges, expands, and unmarshals the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path == "" {
		return nil, &Error{Action: "Load", Message: "config path is required"}
	}

	k := koanf.New(".")

	if len(l.defaults) > 0 {
		if err := k.Load(confmap.Provider(l.defaults, "."), nil); err != nil {
			return nil, &Error{Action: "Load", Message: "failed to load defaults", Err: err}
		}
	}

	if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
		return nil, &Error{Action: "Load", Message: "failed to load config file " + l.path, Err: err}
	}

	if err := expandInPlace(k); err != nil {
		return nil, &Error{Action: "Load", Message: "failed to expand environment variables", Err: err}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, &Error{Action: "Load", Message: "failed to unmarshal config", Err: err}
	}

	if cfg.DomainID == "" {
		cfg.DomainID = os.Getenv(EnvDomainID)
	}
	cfg.SetDefaults()

	return cfg, nil
}

// expandInPlace walks every string leaf koanf loaded and expands ${VAR}
// references, then re-merges the expanded values back in.
func expandInPlace(k *koanf.Koanf) error {
	expanded := expandAny(k.Raw())
	m, ok := expanded.(map[string]any)
	if !ok {
		return &Error{Action: "expandInPlace", Message: "unexpected root config shape"}
	}
	return k.Load(confmap.Provider(m, "."), nil)
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvVars(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = expandAny(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = expandAny(v)
		}
		return out
	default:
		return v
	}
}
