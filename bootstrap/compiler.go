package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"sigmac/backend"
	"sigmac/config"
)

// CompilerComponents holds the compiler built from configuration.
type CompilerComponents struct {
	Backend     *backend.Backend
	FieldMapper *backend.FieldMapper
	// Cache is nil when caching is disabled.
	Cache *backend.CachingCompiler
}

// Compiler returns the outermost compiler: the cache when enabled, the
// backend otherwise.
func (c *CompilerComponents) Compiler() backend.Compiler {
	if c.Cache != nil {
		return c.Cache
	}
	return c.Backend
}

// InitCompiler builds the backend, its optional field mapper and the
// compiled-rule cache.
func InitCompiler(cfg *config.Config, sugar *zap.SugaredLogger) (*CompilerComponents, error) {
	var mapper *backend.FieldMapper
	if cfg.Compiler.EnableFieldMappings {
		mapper = backend.NewFieldMapper()
		if err := mapper.LoadMappings(cfg.Compiler.FieldMappingsPath); err != nil {
			return nil, fmt.Errorf("failed to load field mappings: %w", err)
		}
		stats := mapper.Stats()
		sugar.Infow("Field mappings loaded",
			"path", cfg.Compiler.FieldMappingsPath,
			"logsources", stats.LogsourceCount,
			"generic_fields", stats.GenericFieldCount,
			"total_fields", stats.TotalFieldMappings)
	}

	b := backend.New(cfg.Dialect(), backend.Options{
		CollectErrors: cfg.Compiler.CollectErrors,
		Grammar:       cfg.Grammar(),
		FieldMapper:   mapper,
		Logger:        sugar,
	})
	components := &CompilerComponents{Backend: b, FieldMapper: mapper}

	if cfg.Compiler.CacheSize > 0 {
		cache, err := backend.NewCachingCompiler(b, cfg.Compiler.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create compile cache: %w", err)
		}
		components.Cache = cache
	}
	return components, nil
}
