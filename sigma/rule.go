package sigma

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"sigmac/backend"
	"sigmac/detect"
)

// Rule is a Sigma detection rule as read from YAML.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Date        string `json:"date,omitempty" yaml:"date,omitempty"`
	Modified    string `json:"modified,omitempty" yaml:"modified,omitempty"`

	Status string `json:"status,omitempty" yaml:"status,omitempty"` // experimental, test, stable, deprecated, unsupported
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // informational, low, medium, high, critical

	References     []string          `json:"references,omitempty" yaml:"references,omitempty"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Logsource      backend.Logsource `json:"logsource" yaml:"logsource"`
	FalsePositives []string          `json:"falsepositives,omitempty" yaml:"falsepositives,omitempty"`

	// Detection holds the named blocks and the condition. Mappings inside
	// blocks are detect.Fields so that document order survives.
	Detection map[string]any `json:"detection" yaml:"-"`

	RawYAML     string `json:"-" yaml:"-"`
	FilePath    string `json:"file_path,omitempty" yaml:"-"`
	ContentHash string `json:"content_hash,omitempty" yaml:"-"`
}

var validStatuses = map[string]bool{
	"experimental": true,
	"test":         true,
	"stable":       true,
	"deprecated":   true,
	"unsupported":  true,
}

var validLevels = map[string]bool{
	"informational": true,
	"low":           true,
	"medium":        true,
	"high":          true,
	"critical":      true,
}

// Validate checks that a rule has the fields needed to compile it.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule ID is required")
	}
	if r.Title == "" {
		return errors.New("rule title is required")
	}
	if len(r.Detection) == 0 {
		return errors.New("rule detection logic is required")
	}
	if _, ok := r.Detection[detect.ConditionKey]; !ok {
		return errors.New("rule detection condition is required")
	}
	if r.Status != "" && !validStatuses[r.Status] {
		return errors.New("invalid status: must be experimental, test, stable, deprecated, or unsupported")
	}
	if r.Level != "" && !validLevels[r.Level] {
		return errors.New("invalid level: must be informational, low, medium, high, or critical")
	}
	return nil
}

// Conditions returns the rule's condition expressions. Sigma allows a list
// of conditions; most rules have one.
func (r *Rule) Conditions() []string {
	switch c := r.Detection[detect.ConditionKey].(type) {
	case string:
		return []string{c}
	case []any:
		out := make([]string, 0, len(c))
		for _, v := range c {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RuleInput converts the rule for compilation. Rules with several
// conditions must be expanded with RuleInputs.
func (r *Rule) RuleInput() backend.RuleInput {
	return backend.RuleInput{
		ID:         r.ID,
		Logsource:  r.Logsource,
		Detections: r.Detection,
	}
}

// RuleInputs returns one input per condition. Inputs after the first get
// an "#<n>" suffix on their ID.
func (r *Rule) RuleInputs() []backend.RuleInput {
	conditions := r.Conditions()
	if len(conditions) <= 1 {
		return []backend.RuleInput{r.RuleInput()}
	}
	inputs := make([]backend.RuleInput, len(conditions))
	for i, c := range conditions {
		in := r.RuleInput()
		in.Condition = c
		if i > 0 {
			in.ID = fmt.Sprintf("%s#%d", r.ID, i)
		}
		inputs[i] = in
	}
	return inputs
}

// calculateContentHash computes a SHA-256 of the rule's content for
// deduplication.
func calculateContentHash(rule *Rule) string {
	data := fmt.Sprintf("%s|%s|%v", rule.Title, rule.Description, rule.Detection)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
