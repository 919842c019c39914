package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-llm/conduit/pkg/protocol"
)

func TestGenerationParams_Defaults(t *testing.T) {
	p := &GenerationParams{Model: "gpt-4o-mini"}
	p.SetDefaults()

	require.NotNil(t, p.Temperature)
	assert.Equal(t, 0.7, *p.Temperature)
	assert.Equal(t, OutputText, p.OutputType)
	require.NoError(t, p.Validate())
}

func TestGenerationParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		params GenerationParams
		valid  bool
	}{
		{"missing model", GenerationParams{OutputType: OutputText}, false},
		{"bad temperature", GenerationParams{Model: "m", OutputType: OutputText, Temperature: floatPtr(3)}, false},
		{"bad top_p", GenerationParams{Model: "m", OutputType: OutputText, TopP: floatPtr(1.5)}, false},
		{"negative max_tokens", GenerationParams{Model: "m", OutputType: OutputText, MaxTokens: -1}, false},
		{"bad output type", GenerationParams{Model: "m", OutputType: "video"}, false},
		{"ok", GenerationParams{Model: "m", OutputType: OutputAudio}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestGenerationParams_Clone(t *testing.T) {
	p := &GenerationParams{
		Model:        "gpt-4o",
		Temperature:  floatPtr(0.2),
		ClientParams: map[string]interface{}{"seed": 7},
	}
	clone := p.Clone()

	*clone.Temperature = 0.9
	clone.ClientParams["seed"] = 8

	assert.Equal(t, 0.2, *p.Temperature)
	assert.Equal(t, 7, p.ClientParams["seed"])
}

func TestParseVerbosity(t *testing.T) {
	assert.Equal(t, VerbositySilent, ParseVerbosity("silent"))
	assert.Equal(t, VerbosityDebug, ParseVerbosity("debug"))
	assert.Equal(t, VerbosityProgress, ParseVerbosity("bogus"))
	assert.Equal(t, "summary", VerbositySummary.String())
}

func TestProviderConfig_MissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &ProviderConfig{Type: ProviderOpenAI, Model: "gpt-4o-mini"}
	cfg.SetDefaults()
	err := cfg.Validate()
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CodeMissingCredentials, ce.Info.Code)
	assert.Equal(t, protocol.CategoryClient, ce.Info.Category)
}

func TestProviderConfig_DefaultsFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg := &ProviderConfig{Type: ProviderAnthropic, Model: "claude-sonnet-4-20250514"}
	cfg.SetDefaults()

	assert.Equal(t, "sk-ant-test", cfg.APIKey)
	assert.Equal(t, DefaultAnthropicHost, cfg.Host)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, 120, cfg.StreamTimeoutSeconds)
	require.NoError(t, cfg.Validate())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	sqlite := &DatabaseConfig{Path: "/tmp/cache.db"}
	sqlite.SetDefaults()
	assert.Equal(t, "sqlite3", sqlite.DriverName())
	assert.Equal(t, "/tmp/cache.db", sqlite.DSN())

	pg := &DatabaseConfig{Driver: "postgres", User: "conduit", Password: "secret", Name: "telemetry"}
	pg.SetDefaults()
	assert.Equal(t, "host=localhost port=5432 user=conduit password=secret dbname=telemetry sslmode=disable", pg.DSN())

	explicit := &DatabaseConfig{Driver: "postgres", Dsn: "postgres://u:p@db/x"}
	explicit.SetDefaults()
	assert.Equal(t, "postgres://u:p@db/x", explicit.DSN())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.yaml")
	content := []byte(`
params:
  model: gpt-4o-mini
  max_tokens: 256
options:
  project_name: demo
  persistence_mode: overwrite
log_level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Params.Model)
	assert.Equal(t, 256, cfg.Params.MaxTokens)
	assert.Equal(t, "demo", cfg.Options.ProjectName)
	assert.Equal(t, PersistenceOverwrite, cfg.Options.PersistenceMode)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NoError(t, cfg.Validate())

	// Missing file falls back to defaults.
	cfg, err = Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Options.ProjectName)
}

func floatPtr(f float64) *float64 { return &f }
