package backend

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// GenericMapping is the mapping consulted when no logsource-specific entry
// matches.
const GenericMapping = "generic"

const (
	maxMappingFileSize    = 5 * 1024 * 1024
	maxLogsourceNameLen   = 100
	maxFieldsPerLogsource = 1000
)

// FieldMapping maps rule field names to index field names.
type FieldMapping map[string]string

// Logsource identifies the kind of log a rule targets.
type Logsource struct {
	Product  string `json:"product,omitempty" yaml:"product,omitempty" msgpack:"product,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty" msgpack:"category,omitempty"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty" msgpack:"service,omitempty"`
}

// Keys returns the mapping keys for the logsource, most specific first:
// product_service, product_category, product, service, category.
func (l Logsource) Keys() []string {
	product := strings.TrimSpace(l.Product)
	service := strings.TrimSpace(l.Service)
	category := strings.TrimSpace(l.Category)

	var keys []string
	if product != "" && service != "" {
		keys = append(keys, product+"_"+service)
	}
	if product != "" && category != "" {
		keys = append(keys, product+"_"+category)
	}
	if product != "" {
		keys = append(keys, product)
	}
	if service != "" && service != product {
		keys = append(keys, service)
	}
	if category != "" && category != product && category != service {
		keys = append(keys, category)
	}
	return keys
}

// FieldMapper renames rule fields per logsource.
//
// File format:
//
//	process_creation:
//	  CommandLine: process.command_line
//	generic:
//	  User: user.name
//
// Lookups fall back from the logsource keys to the generic mapping and
// finally pass the field through unchanged. Safe for concurrent use.
type FieldMapper struct {
	mu            sync.RWMutex
	mappings      map[string]FieldMapping
	globalMapping FieldMapping
}

// NewFieldMapper returns an empty mapper that passes every field through.
func NewFieldMapper() *FieldMapper {
	return &FieldMapper{
		mappings:      make(map[string]FieldMapping),
		globalMapping: make(FieldMapping),
	}
}

// LoadMappings replaces the mapper's contents with the YAML file at path.
func (fm *FieldMapper) LoadMappings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read field mappings config %q: %w", path, err)
	}
	return fm.LoadMappingsData(data)
}

// LoadMappingsData replaces the mapper's contents with the given YAML.
func (fm *FieldMapper) LoadMappingsData(data []byte) error {
	if len(data) > maxMappingFileSize {
		return fmt.Errorf("field mappings config exceeds maximum size of %d bytes", maxMappingFileSize)
	}

	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse field mappings YAML: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("field mappings config is empty or invalid")
	}

	mappings := make(map[string]FieldMapping, len(raw))
	global := make(FieldMapping)
	for logsource, fields := range raw {
		logsource = strings.TrimSpace(logsource)
		if logsource == "" || len(fields) == 0 {
			continue
		}
		if len(logsource) > maxLogsourceNameLen {
			return fmt.Errorf("logsource name exceeds maximum length: %q", logsource)
		}
		if len(fields) > maxFieldsPerLogsource {
			return fmt.Errorf("logsource %q has too many field mappings (%d, max %d)",
				logsource, len(fields), maxFieldsPerLogsource)
		}
		if logsource == GenericMapping {
			global = fields
			continue
		}
		mappings[logsource] = fields
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.mappings = mappings
	fm.globalMapping = global
	return nil
}

// MapField returns the index field for field under the given logsource.
func (fm *FieldMapper) MapField(field string, ls Logsource) string {
	mapped, _ := fm.MapFieldWithSource(field, ls)
	return mapped
}

// MapFieldWithSource is MapField that also reports which mapping matched:
// "logsource:<key>", "generic" or "passthrough".
func (fm *FieldMapper) MapFieldWithSource(field string, ls Logsource) (string, string) {
	if fm == nil {
		return field, "passthrough"
	}
	trimmed := strings.TrimSpace(field)
	if trimmed == "" {
		return field, "passthrough"
	}

	fm.mu.RLock()
	defer fm.mu.RUnlock()

	for _, key := range ls.Keys() {
		if mapping, ok := fm.mappings[key]; ok {
			if mapped, found := mapping[trimmed]; found {
				return mapped, "logsource:" + key
			}
		}
	}
	if mapped, found := fm.globalMapping[trimmed]; found {
		return mapped, GenericMapping
	}
	return trimmed, "passthrough"
}

// MappingStats summarises the loaded mappings.
type MappingStats struct {
	LogsourceCount     int            `json:"logsource_count"`
	GenericFieldCount  int            `json:"generic_field_count"`
	TotalFieldMappings int            `json:"total_field_mappings"`
	LogsourceMappings  map[string]int `json:"logsource_mappings"`
}

// Stats returns counts of the loaded mappings.
func (fm *FieldMapper) Stats() MappingStats {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	stats := MappingStats{
		LogsourceCount:    len(fm.mappings),
		GenericFieldCount: len(fm.globalMapping),
		LogsourceMappings: make(map[string]int, len(fm.mappings)),
	}
	total := len(fm.globalMapping)
	for logsource, mapping := range fm.mappings {
		stats.LogsourceMappings[logsource] = len(mapping)
		total += len(mapping)
	}
	stats.TotalFieldMappings = total
	return stats
}
