package sigma

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sigmac/backend"
)

// Conversion is a compiled rule together with the rule metadata needed to
// deploy it.
type Conversion struct {
	RuleID          string                `json:"rule_id" msgpack:"rule_id"`
	Title           string                `json:"title" msgpack:"title"`
	Severity        string                `json:"severity" msgpack:"severity"`
	Logsource       backend.Logsource     `json:"logsource" msgpack:"logsource"`
	MitreTactics    []string              `json:"mitre_tactics,omitempty" msgpack:"mitre_tactics,omitempty"`
	MitreTechniques []string              `json:"mitre_techniques,omitempty" msgpack:"mitre_techniques,omitempty"`
	ContentHash     string                `json:"content_hash,omitempty" msgpack:"content_hash,omitempty"`
	FilePath        string                `json:"file_path,omitempty" msgpack:"file_path,omitempty"`
	Compiled        *backend.CompiledRule `json:"compiled" msgpack:"compiled"`
	// Errors are the failures collected while compiling.
	Errors []string `json:"errors,omitempty" msgpack:"errors,omitempty"`
}

// Converter compiles Sigma rules with a backend compiler.
type Converter struct {
	compiler backend.Compiler
}

// NewConverter creates a converter around compiler.
func NewConverter(compiler backend.Compiler) *Converter {
	return &Converter{compiler: compiler}
}

// Convert compiles every condition of a rule.
func (c *Converter) Convert(rule *Rule) ([]*Conversion, error) {
	if rule == nil {
		return nil, fmt.Errorf("sigma rule is nil")
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Sigma rule: %w", err)
	}

	inputs := rule.RuleInputs()
	out := make([]*Conversion, 0, len(inputs))
	for _, in := range inputs {
		compiled, err := c.compiler.Compile(in)
		if err != nil {
			return nil, fmt.Errorf("failed to convert rule %s: %w", rule.ID, err)
		}
		out = append(out, c.conversion(rule, in.ID, compiled))
	}
	return out, nil
}

// ConvertBatch compiles rules concurrently. Rules that fail are reported in
// the error slice and left out of the conversions; the order of the
// remaining conversions follows the input. When ctx is cancelled the
// conversions finished so far are returned along with ctx.Err().
func (c *Converter) ConvertBatch(ctx context.Context, rules []*Rule, workers int) ([]*Conversion, []error, error) {
	var (
		inputs []backend.RuleInput
		owners []*Rule
		errs   []error
	)
	for i, rule := range rules {
		if rule == nil {
			errs = append(errs, fmt.Errorf("sigma rule at index %d is nil", i))
			continue
		}
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to convert rule %s: %w", rule.ID, err))
			continue
		}
		for _, in := range rule.RuleInputs() {
			inputs = append(inputs, in)
			owners = append(owners, rule)
		}
	}

	results, err := backend.CompileAll(ctx, c.compiler, inputs, workers)

	conversions := make([]*Conversion, 0, len(results))
	for i, r := range results {
		if err != nil && r.Rule == nil && errors.Is(r.Err, err) {
			continue
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("failed to convert rule %s: %w", r.Input.ID, r.Err))
			continue
		}
		conversions = append(conversions, c.conversion(owners[i], r.Input.ID, r.Rule))
	}
	return conversions, errs, err
}

func (c *Converter) conversion(rule *Rule, id string, compiled *backend.CompiledRule) *Conversion {
	tactics, techniques := extractMITRETags(rule.Tags)
	return &Conversion{
		RuleID:          id,
		Title:           rule.Title,
		Severity:        mapSeverity(rule.Level),
		Logsource:       rule.Logsource,
		MitreTactics:    tactics,
		MitreTechniques: techniques,
		ContentHash:     rule.ContentHash,
		FilePath:        rule.FilePath,
		Compiled:        compiled,
		Errors:          compiled.ErrorMessages(),
	}
}

// mapSeverity maps Sigma levels to alert severities.
func mapSeverity(level string) string {
	switch level {
	case "informational", "low":
		return "low"
	case "medium":
		return "medium"
	case "high":
		return "high"
	case "critical":
		return "critical"
	default:
		return "medium"
	}
}

// extractMITRETags splits "attack.*" tags into tactics and techniques.
func extractMITRETags(tags []string) ([]string, []string) {
	var tactics, techniques []string
	for _, tag := range tags {
		rest, ok := strings.CutPrefix(strings.ToLower(tag), "attack.")
		if !ok || rest == "" {
			continue
		}
		// Techniques look like t1078 or t1059.001.
		if len(rest) >= 5 && rest[0] == 't' && rest[1] >= '0' && rest[1] <= '9' {
			techniques = append(techniques, "T"+rest[1:])
			continue
		}
		tactics = append(tactics, rest)
	}
	return tactics, techniques
}
