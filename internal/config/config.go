// Package config loads and hot-swaps the gateway configuration. YAML and
// JSON files are both accepted; YAML wins when both exist.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
)

// DefaultProviderURLs maps well-known provider names to their streaming
// endpoints, so a minimal config only needs a name and a key.
var DefaultProviderURLs = map[string]string{
	"openai":     "https://api.openai.com/v1/chat/completions",
	"openrouter": "https://openrouter.ai/api/v1/chat/completions",
	"anthropic":  "https://api.anthropic.com/v1/messages",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/models",
}

// DefaultProviderProtocols maps well-known provider names to the wire
// protocol their endpoint speaks.
var DefaultProviderProtocols = map[string]string{
	"openai":     codec.VendorOpenAI,
	"openrouter": codec.VendorOpenAI,
	"anthropic":  codec.VendorAnthropic,
	"gemini":     codec.VendorGemini,
}

// Provider is one upstream model vendor.
type Provider struct {
	Name string `json:"name" yaml:"name"`
	// Protocol selects the stream codec: openai, openai-responses,
	// anthropic, or gemini. Defaulted from Name for known providers.
	Protocol string   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	APIBase  string   `json:"api_base_url,omitempty" yaml:"url,omitempty"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Models   []string `json:"models,omitempty" yaml:"models,omitempty"`
	// ModelWhitelist restricts which requested models may route here.
	ModelWhitelist []string `json:"model_whitelist,omitempty" yaml:"model_whitelist,omitempty"`
	// ReasoningShape names where an OpenAI-compatible endpoint puts
	// reasoning deltas: content, string, or nested.
	ReasoningShape string `json:"reasoning_shape,omitempty" yaml:"reasoning_shape,omitempty"`
}

// RouterConfig selects the upstream model per request class. Values use the
// "provider,model" form.
type RouterConfig struct {
	Default     string `json:"default" yaml:"default"`
	Think       string `json:"think,omitempty" yaml:"think,omitempty"`
	Background  string `json:"background,omitempty" yaml:"background,omitempty"`
	LongContext string `json:"longContext,omitempty" yaml:"long_context,omitempty"`
	WebSearch   string `json:"webSearch,omitempty" yaml:"web_search,omitempty"`
}

type Config struct {
	Host   string `json:"HOST,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"PORT,omitempty" yaml:"port,omitempty"`
	APIKey string `json:"APIKEY,omitempty" yaml:"api_key,omitempty"`
	// ToolsWebhook, when set, lets the gateway execute tool calls itself by
	// POSTing them to this URL and feeding results back to the model.
	ToolsWebhook string       `json:"ToolsWebhook,omitempty" yaml:"tools_webhook,omitempty"`
	Providers    []Provider   `json:"Providers" yaml:"providers"`
	Router       RouterConfig `json:"Router" yaml:"router"`
}

// FindProvider returns the provider with the given name.
func (c *Config) FindProvider(name string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}

	return nil, false
}

// AllowsModel reports whether the provider accepts the requested model.
// An empty whitelist allows everything.
func (p *Provider) AllowsModel(model string) bool {
	if len(p.ModelWhitelist) == 0 {
		return true
	}

	for _, allowed := range p.ModelWhitelist {
		if model == allowed || containsFold(model, allowed) {
			return true
		}
	}

	return false
}

// Manager owns the config file and hands out the current snapshot. Reloads
// swap atomically so in-flight requests keep a consistent view.
type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Load reads the config file, applies defaults, validates, and installs
// the result as the current snapshot.
func (m *Manager) Load() (*Config, error) {
	path, data, err := m.readFile()
	if err != nil {
		return nil, err
	}

	var cfg Config

	if filepath.Ext(path) == ".yaml" || filepath.Ext(path) == ".yml" {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}

	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func (m *Manager) readFile() (string, []byte, error) {
	for _, name := range []string{DefaultYAMLFilename, "config.yml", DefaultConfigFilename} {
		path := filepath.Join(m.baseDir, name)

		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}

		if !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return "", nil, fmt.Errorf("no config file in %s", m.baseDir)
}

// Get returns the current snapshot, loading it on first use. A failed load
// yields listen defaults with no providers.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}

	return cfg
}

// Save writes the config as JSON and installs it as the current snapshot.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.baseDir, DefaultConfigFilename), data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	applyDefaults(cfg)
	m.configValue.Store(cfg)

	return nil
}

// GetPath returns the JSON config path used by Save.
func (m *Manager) GetPath() string {
	return filepath.Join(m.baseDir, DefaultConfigFilename)
}

// Exists reports whether any config file is present.
func (m *Manager) Exists() bool {
	_, _, err := m.readFile()
	return err == nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]

		if p.APIBase == "" {
			p.APIBase = DefaultProviderURLs[p.Name]
		}

		if p.Protocol == "" {
			if proto, ok := DefaultProviderProtocols[p.Name]; ok {
				p.Protocol = proto
			} else {
				p.Protocol = codec.VendorOpenAI
			}
		}

		if len(p.Models) == 0 {
			p.Models = DefaultModels[p.Name]
		}
	}
}

// DefaultModels seeds the model list for well-known providers.
var DefaultModels = map[string][]string{
	"openai":     {"gpt-4o", "gpt-4o-mini", "o3-mini"},
	"openrouter": {"anthropic/claude-sonnet-4", "openai/gpt-4o"},
	"anthropic":  {"claude-sonnet-4-20250514", "claude-haiku-4-20250514"},
	"gemini":     {"gemini-2.0-flash", "gemini-2.5-pro"},
}

func validate(cfg *Config) error {
	known := map[string]bool{
		codec.VendorOpenAI:          true,
		codec.VendorOpenAIResponses: true,
		codec.VendorAnthropic:       true,
		codec.VendorGemini:          true,
	}

	seen := make(map[string]bool, len(cfg.Providers))

	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}

		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}

		seen[p.Name] = true

		if !known[p.Protocol] {
			return fmt.Errorf("provider %q: unknown protocol %q", p.Name, p.Protocol)
		}

		if p.APIBase == "" {
			return fmt.Errorf("provider %q: no endpoint URL and no default for that name", p.Name)
		}
	}

	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
