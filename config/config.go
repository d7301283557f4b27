package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"sigmac/backend"
	"sigmac/detect"
)

// EnvPrefix prefixes environment overrides, e.g. SIGMAC_COMPILER_WORKERS.
const EnvPrefix = "SIGMAC"

// Config holds all configuration for sigmac.
type Config struct {
	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`

	Compiler CompilerConfig `mapstructure:"compiler"`
	// DialectOverrides is read from the "dialect" section.
	DialectOverrides DialectConfig `mapstructure:"dialect"`
}

// CompilerConfig controls rule compilation.
type CompilerConfig struct {
	// CollectErrors records per-item failures instead of failing the rule.
	CollectErrors bool `mapstructure:"collect_errors"`
	// ConditionGrammar is "token_scan" (default) or "precedence".
	ConditionGrammar    string `mapstructure:"condition_grammar" validate:"oneof=token_scan precedence"`
	EnableFieldMappings bool   `mapstructure:"enable_field_mappings"`
	FieldMappingsPath   string `mapstructure:"field_mappings_path" validate:"required_if=EnableFieldMappings true"`
	// CacheSize is the number of compiled rules kept in memory; 0 disables
	// the cache.
	CacheSize int `mapstructure:"cache_size" validate:"min=0,max=100000"`
	// Workers bounds concurrent compiles; 0 uses GOMAXPROCS.
	Workers int `mapstructure:"workers" validate:"min=0,max=256"`
}

// DialectConfig overrides tokens of the default query dialect.
type DialectConfig struct {
	AndToken                  string `mapstructure:"and_token" validate:"required"`
	OrToken                   string `mapstructure:"or_token" validate:"required"`
	NotToken                  string `mapstructure:"not_token" validate:"required"`
	EqToken                   string `mapstructure:"eq_token" validate:"required"`
	StrQuote                  string `mapstructure:"str_quote"`
	ReQuote                   string `mapstructure:"re_quote"`
	EscapeChar                string `mapstructure:"escape_char" validate:"max=1"`
	FieldSeparatorReplacement string `mapstructure:"field_separator_replacement"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log.level", "info")

	viper.SetDefault("compiler.collect_errors", false)
	viper.SetDefault("compiler.condition_grammar", string(detect.GrammarTokenScan))
	viper.SetDefault("compiler.enable_field_mappings", false)
	viper.SetDefault("compiler.field_mappings_path", "config/field_mappings.yaml")
	viper.SetDefault("compiler.cache_size", backend.DefaultCacheSize)
	viper.SetDefault("compiler.workers", 0)

	d := backend.DefaultDialect()
	viper.SetDefault("dialect.and_token", d.AndToken)
	viper.SetDefault("dialect.or_token", d.OrToken)
	viper.SetDefault("dialect.not_token", d.NotToken)
	viper.SetDefault("dialect.eq_token", d.EqToken)
	viper.SetDefault("dialect.str_quote", d.StrQuote)
	viper.SetDefault("dialect.re_quote", d.ReQuote)
	viper.SetDefault("dialect.escape_char", d.EscapeChar)
	viper.SetDefault("dialect.field_separator_replacement", d.FieldSeparatorReplacement)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// LoadConfig loads configuration from path, or from sigmac.yaml in the
// working directory or ./config when path is empty, then applies
// environment overrides. A missing default file is not an error.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("sigmac")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Compiler.ConditionGrammar = strings.ToLower(strings.TrimSpace(config.Compiler.ConditionGrammar))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func validateConfig(config *Config) error {
	return validator.New().Struct(config)
}

// Grammar returns the configured condition grammar.
func (c *Config) Grammar() detect.Grammar {
	g, err := detect.ParseGrammar(c.Compiler.ConditionGrammar)
	if err != nil {
		return detect.GrammarTokenScan
	}
	return g
}

// Dialect returns the default dialect with the configured overrides.
func (c *Config) Dialect() backend.Dialect {
	d := backend.DefaultDialect()
	d.AndToken = c.DialectOverrides.AndToken
	d.OrToken = c.DialectOverrides.OrToken
	d.NotToken = c.DialectOverrides.NotToken
	d.EqToken = c.DialectOverrides.EqToken
	d.StrQuote = c.DialectOverrides.StrQuote
	d.ReQuote = c.DialectOverrides.ReQuote
	d.EscapeChar = c.DialectOverrides.EscapeChar
	d.ReEscapeChar = c.DialectOverrides.EscapeChar
	d.FieldSeparatorReplacement = c.DialectOverrides.FieldSeparatorReplacement
	return d
}
