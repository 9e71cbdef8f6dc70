package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
)

func TestManager_LoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()
	mgr := NewManager(tmpDir)

	cfg := &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "gw-key",
		Providers: []Provider{
			{
				Name:    "openrouter",
				APIBase: "https://openrouter.ai/api/v1/chat/completions",
				APIKey:  "sk-or-1",
				Models:  []string{"anthropic/claude-sonnet-4"},
			},
		},
		Router: RouterConfig{
			Default:     "openrouter,anthropic/claude-sonnet-4",
			LongContext: "openrouter,anthropic/claude-sonnet-4",
		},
	}

	require.NoError(t, mgr.Save(cfg))
	assert.True(t, mgr.Exists())

	loaded, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", loaded.Host)
	assert.Equal(t, 8080, loaded.Port)
	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, codec.VendorOpenAI, loaded.Providers[0].Protocol,
		"openrouter speaks the chat completions protocol by default")
}

func TestManager_YAMLSupport(t *testing.T) {
	tmpDir := t.TempDir()
	mgr := NewManager(tmpDir)

	yamlConfig := `
host: "0.0.0.0"
port: 8080
api_key: "gw-key"
providers:
  - name: "openrouter"
    api_key: "sk-or-1"
    model_whitelist: ["claude", "gpt-4"]
  - name: "gemini"
    api_key: "AIza-test"
  - name: "my-proxy"
    protocol: "openai-responses"
    url: "https://proxy.internal/v1/responses"
    api_key: "sk-int"
router:
  default: "openrouter,anthropic/claude-sonnet-4"
  think: "my-proxy,o3-mini"
`

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, DefaultYAMLFilename), []byte(yamlConfig), 0o644))

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "gw-key", cfg.APIKey)

	require.Len(t, cfg.Providers, 3)

	openrouter := cfg.Providers[0]
	assert.Equal(t, DefaultProviderURLs["openrouter"], openrouter.APIBase, "endpoint defaulted from the name")
	assert.Equal(t, codec.VendorOpenAI, openrouter.Protocol)
	assert.Equal(t, []string{"claude", "gpt-4"}, openrouter.ModelWhitelist)
	assert.NotEmpty(t, openrouter.Models, "models seeded from defaults")

	gemini := cfg.Providers[1]
	assert.Equal(t, codec.VendorGemini, gemini.Protocol)

	custom := cfg.Providers[2]
	assert.Equal(t, codec.VendorOpenAIResponses, custom.Protocol, "explicit protocol wins")
	assert.Equal(t, "https://proxy.internal/v1/responses", custom.APIBase)

	assert.Equal(t, "my-proxy,o3-mini", cfg.Router.Think)
}

func TestManager_YAMLPreferredOverJSON(t *testing.T) {
	tmpDir := t.TempDir()
	mgr := NewManager(tmpDir)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, DefaultConfigFilename),
		[]byte(`{"PORT": 1111, "Providers": [], "Router": {"default": "json"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, DefaultYAMLFilename),
		[]byte("port: 2222\nrouter:\n  default: yaml\n"), 0o644))

	cfg, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "yaml", cfg.Router.Default)
}

func TestManager_ValidationRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown protocol",
			yaml: "providers:\n  - name: x\n    protocol: smoke-signals\n    url: https://x\n    api_key: k\n",
		},
		{
			name: "duplicate provider names",
			yaml: "providers:\n  - name: openai\n    api_key: a\n  - name: openai\n    api_key: b\n",
		},
		{
			name: "unknown provider without url",
			yaml: "providers:\n  - name: mystery\n    api_key: k\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(tmpDir, DefaultYAMLFilename), []byte(tc.yaml), 0o644))

			_, err := NewManager(tmpDir).Load()
			assert.Error(t, err)
		})
	}
}

func TestManager_GetFallsBackToDefaults(t *testing.T) {
	mgr := NewManager(t.TempDir())

	cfg := mgr.Get()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Empty(t, cfg.Providers)
}

func TestProvider_AllowsModel(t *testing.T) {
	open := Provider{Name: "openai"}
	assert.True(t, open.AllowsModel("anything"), "empty whitelist allows all")

	limited := Provider{Name: "openrouter", ModelWhitelist: []string{"claude", "gpt-4"}}
	assert.True(t, limited.AllowsModel("anthropic/claude-sonnet-4"))
	assert.True(t, limited.AllowsModel("GPT-4o"))
	assert.False(t, limited.AllowsModel("llama-70b"))
}

func TestConfig_FindProvider(t *testing.T) {
	cfg := &Config{Providers: []Provider{{Name: "a"}, {Name: "b"}}}

	p, ok := cfg.FindProvider("b")
	require.True(t, ok)
	assert.Equal(t, "b", p.Name)

	_, ok = cfg.FindProvider("c")
	assert.False(t, ok)
}
