package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigmac/backend"
	"sigmac/detect"
)

func newTestConfig() Config {
	var c Config
	c.Log.Level = "info"
	c.Compiler.ConditionGrammar = string(detect.GrammarTokenScan)
	c.Compiler.CacheSize = 100
	c.DialectOverrides = DialectConfig{
		AndToken:   "AND",
		OrToken:    "OR",
		NotToken:   "NOT",
		EqToken:    ":",
		StrQuote:   `"`,
		EscapeChar: `\`,
	}
	return c
}

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", config.Log.Level)
	assert.False(t, config.Compiler.CollectErrors)
	assert.Equal(t, detect.GrammarTokenScan, config.Grammar())
	assert.Equal(t, backend.DefaultCacheSize, config.Compiler.CacheSize)
	assert.Equal(t, backend.DefaultDialect(), config.Dialect())
}

func TestLoadConfigFile(t *testing.T) {
	viper.Reset()
	path := filepath.Join(t.TempDir(), "sigmac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
compiler:
  collect_errors: true
  condition_grammar: Precedence
  workers: 4
dialect:
  and_token: "&&"
  or_token: "||"
`), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Log.Level)
	assert.True(t, config.Compiler.CollectErrors)
	assert.Equal(t, detect.GrammarPrecedence, config.Grammar())
	assert.Equal(t, 4, config.Compiler.Workers)

	d := config.Dialect()
	assert.Equal(t, "&&", d.AndToken)
	assert.Equal(t, "||", d.OrToken)
	assert.Equal(t, "NOT", d.NotToken)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())
	t.Setenv("SIGMAC_COMPILER_COLLECT_ERRORS", "true")
	t.Setenv("SIGMAC_LOG_LEVEL", "warn")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, config.Compiler.CollectErrors)
	assert.Equal(t, "warn", config.Log.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	viper.Reset()
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	viper.Reset()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compiler:\n  condition_grammar: lalr\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"bad grammar", func(c *Config) { c.Compiler.ConditionGrammar = "peg" }, true},
		{"negative cache size", func(c *Config) { c.Compiler.CacheSize = -1 }, true},
		{"too many workers", func(c *Config) { c.Compiler.Workers = 1000 }, true},
		{"mappings enabled without path", func(c *Config) { c.Compiler.EnableFieldMappings = true }, true},
		{"mappings enabled with path", func(c *Config) {
			c.Compiler.EnableFieldMappings = true
			c.Compiler.FieldMappingsPath = "mappings.yaml"
		}, false},
		{"missing and token", func(c *Config) { c.DialectOverrides.AndToken = "" }, true},
		{"long escape char", func(c *Config) { c.DialectOverrides.EscapeChar = "\\\\" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConfig()
			tt.modify(&c)
			err := validateConfig(&c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
