package sigma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sigmac/detect"
	"sigmac/metrics"
)

// maxRuleFileSize bounds a single rule document.
const maxRuleFileSize = 1024 * 1024

// ruleSchema is the structural check applied before decoding. Semantic
// checks live in Rule.Validate.
const ruleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "detection"],
  "properties": {
    "id": {"type": "string"},
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "status": {"type": "string"},
    "level": {"type": "string"},
    "references": {"type": "array", "items": {"type": "string"}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "falsepositives": {"type": "array"},
    "logsource": {
      "type": "object",
      "properties": {
        "product": {"type": "string"},
        "category": {"type": "string"},
        "service": {"type": "string"}
      }
    },
    "detection": {
      "type": "object",
      "required": ["condition"],
      "properties": {
        "condition": {
          "oneOf": [
            {"type": "string"},
            {"type": "array", "items": {"type": "string"}, "minItems": 1}
          ]
        }
      }
    }
  }
}`

// LoadError reports a rule file that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SchemaError lists the schema violations of a rule document.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "rule does not match schema: " + strings.Join(e.Violations, "; ")
}

// Parser reads Sigma rule documents.
type Parser struct {
	schema gojsonschema.JSONLoader
	logger *zap.SugaredLogger
}

// NewParser creates a parser. A nil logger discards log output.
func NewParser(logger *zap.SugaredLogger) *Parser {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Parser{
		schema: gojsonschema.NewStringLoader(ruleSchema),
		logger: logger,
	}
}

// ParseDirectory parses every .yml/.yaml file below directory. Files that
// fail to load are returned as LoadErrors and do not stop the walk.
func (p *Parser) ParseDirectory(directory string) ([]*Rule, []error, error) {
	var (
		rules []*Rule
		errs  []error
	)
	err := filepath.WalkDir(directory, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleFile(path) {
			return nil
		}

		rule, err := p.ParseFile(path)
		if err != nil {
			p.logger.Warnw("Skipping rule file", "path", path, "error", err)
			errs = append(errs, err)
			return nil
		}
		rules = append(rules, rule)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	p.logger.Infow("Loaded rules", "directory", directory, "rules", len(rules), "failed", len(errs))
	return rules, errs, nil
}

// ParsePaths parses rule files and directories in the order given.
func (p *Parser) ParsePaths(paths []string) ([]*Rule, []error, error) {
	var (
		rules []*Rule
		errs  []error
	)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat %q: %w", path, err)
		}
		if !info.IsDir() {
			rule, err := p.ParseFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rules = append(rules, rule)
			continue
		}
		dirRules, dirErrs, err := p.ParseDirectory(path)
		if err != nil {
			return nil, nil, err
		}
		rules = append(rules, dirRules...)
		errs = append(errs, dirErrs...)
	}
	return rules, errs, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// ParseFile parses a single rule file.
func (p *Parser) ParseFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		metrics.RulesLoadedTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, &LoadError{Path: path, Err: fmt.Errorf("failed to read file: %w", err)}
	}
	rule, err := p.ParseYAML(data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	rule.FilePath = path
	return rule, nil
}

// ParseYAML parses a rule from YAML bytes. A missing id is replaced by a
// random UUID.
func (p *Parser) ParseYAML(data []byte) (rule *Rule, err error) {
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.RulesLoadedTotal.WithLabelValues(result).Inc()
	}()

	if len(data) > maxRuleFileSize {
		return nil, fmt.Errorf("rule exceeds maximum size of %d bytes", maxRuleFileSize)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := p.validateSchema(&doc); err != nil {
		return nil, err
	}

	rule = &Rule{}
	if err := doc.Decode(rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	detection := mappingValue(&doc, "detection")
	if detection == nil {
		return nil, errors.New("rule detection logic is required")
	}
	rule.Detection, err = decodeDetection(detection)
	if err != nil {
		return nil, err
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.RawYAML = string(data)
	rule.ContentHash = calculateContentHash(rule)

	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Sigma rule: %w", err)
	}
	return rule, nil
}

func (p *Parser) validateSchema(doc *yaml.Node) error {
	var generic any
	if err := doc.Decode(&generic); err != nil {
		return fmt.Errorf("failed to decode rule: %w", err)
	}
	result, err := gojsonschema.Validate(p.schema, gojsonschema.NewGoLoader(jsonCompatible(generic)))
	if err != nil {
		return fmt.Errorf("failed to validate rule against schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	sort.Strings(violations)
	return &SchemaError{Violations: violations}
}

// jsonCompatible converts YAML maps with non-string keys so the document can
// be handed to the schema validator.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	default:
		return v
	}
}

// mappingValue returns the value node of key in the document's top-level
// mapping.
func mappingValue(doc *yaml.Node, key string) *yaml.Node {
	n := doc
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// decodeDetection decodes the detection section. Block names become map
// keys; mappings below them keep their order as detect.Fields.
func decodeDetection(n *yaml.Node) (map[string]any, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("detection must be a mapping, got %s", nodeKind(n))
	}
	out := make(map[string]any, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		value, err := decodeNode(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("detection %q: %w", n.Content[i].Value, err)
		}
		out[n.Content[i].Value] = value
	}
	return out, nil
}

func decodeNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return decodeNode(n.Content[0])
	case yaml.AliasNode:
		return decodeNode(n.Alias)
	case yaml.MappingNode:
		fields := make(detect.Fields, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			value, err := decodeNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			fields = append(fields, detect.Field{Key: n.Content[i].Value, Value: value})
		}
		return fields, nil
	case yaml.SequenceNode:
		list := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			value, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		return list, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		if n.ShortTag() == "!!timestamp" {
			return n.Value, nil
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node %s", n.Line, nodeKind(n))
	}
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
