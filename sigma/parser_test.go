package sigma

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigmac/backend"
	"sigmac/detect"
)

const failedLogonRule = `
title: Failed interactive logon
id: 5d0c6e2f-9b36-4a8f-9a77-3c2f4f1a0001
status: stable
level: high
tags:
  - attack.credential_access
  - attack.t1110.001
logsource:
  product: windows
  service: security
detection:
  selection:
    LogonType:
      - 2
      - 10
    EventID: 4625
  condition: selection
`

func TestParseYAML(t *testing.T) {
	p := NewParser(nil)
	rule, err := p.ParseYAML([]byte(failedLogonRule))
	require.NoError(t, err)

	assert.Equal(t, "5d0c6e2f-9b36-4a8f-9a77-3c2f4f1a0001", rule.ID)
	assert.Equal(t, "Failed interactive logon", rule.Title)
	assert.Equal(t, backend.Logsource{Product: "windows", Service: "security"}, rule.Logsource)
	assert.Equal(t, []string{"selection"}, rule.Conditions())
	assert.Len(t, rule.ContentHash, 64)

	// Document order is kept inside blocks.
	sel, ok := rule.Detection["selection"].(detect.Fields)
	require.True(t, ok)
	require.Len(t, sel, 2)
	assert.Equal(t, "LogonType", sel[0].Key)
	assert.Equal(t, []any{2, 10}, sel[0].Value)
	assert.Equal(t, "EventID", sel[1].Key)
	assert.Equal(t, 4625, sel[1].Value)
}

func TestParseYAMLCompilesInDocumentOrder(t *testing.T) {
	rule, err := NewParser(nil).ParseYAML([]byte(failedLogonRule))
	require.NoError(t, err)

	compiled, err := backend.New(backend.DefaultDialect(), backend.Options{}).Compile(rule.RuleInput())
	require.NoError(t, err)
	assert.Equal(t, "(LogonType: 2 OR LogonType: 10) AND EventID: 4625", compiled.FilterQuery)
}

func TestParseYAMLGeneratesID(t *testing.T) {
	rule, err := NewParser(nil).ParseYAML([]byte(`
title: No id
detection:
  keywords:
    - mimikatz
  condition: keywords
`))
	require.NoError(t, err)
	assert.Len(t, rule.ID, 36)
}

func TestParseYAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "title: [unclosed"},
		{"missing title", "detection:\n  sel:\n    a: 1\n  condition: sel\n"},
		{"missing condition", "title: t\ndetection:\n  sel:\n    a: 1\n"},
		{"condition not a string", "title: t\ndetection:\n  sel:\n    a: 1\n  condition: 5\n"},
		{"invalid level", "title: t\nlevel: urgent\ndetection:\n  sel:\n    a: 1\n  condition: sel\n"},
		{"invalid status", "title: t\nstatus: beta\ndetection:\n  sel:\n    a: 1\n  condition: sel\n"},
	}

	p := NewParser(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ParseYAML([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseYAMLSchemaError(t *testing.T) {
	_, err := NewParser(nil).ParseYAML([]byte("title: t\ntags: notalist\ndetection:\n  sel:\n    a: 1\n  condition: sel\n"))
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.NotEmpty(t, schemaErr.Violations)
}

func TestParseDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "windows"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "windows", "logon.yml"), []byte(failedLogonRule), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("title: [x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# rules"), 0o600))

	rules, errs, err := NewParser(nil).ParseDirectory(dir)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, filepath.Join(dir, "windows", "logon.yml"), rules[0].FilePath)

	require.Len(t, errs, 1)
	var loadErr *LoadError
	require.ErrorAs(t, errs[0], &loadErr)
	assert.Equal(t, filepath.Join(dir, "broken.yaml"), loadErr.Path)
}

func TestParsePaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rule.yml")
	require.NoError(t, os.WriteFile(file, []byte(failedLogonRule), 0o600))

	rules, errs, err := NewParser(nil).ParsePaths([]string{file, dir})
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Len(t, rules, 2)

	_, _, err = NewParser(nil).ParsePaths([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestRuleInputsPerCondition(t *testing.T) {
	rule, err := NewParser(nil).ParseYAML([]byte(`
title: Two conditions
id: multi
detection:
  a:
    x: 1
  b:
    y: 2
  condition:
    - a
    - b
`))
	require.NoError(t, err)

	inputs := rule.RuleInputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "multi", inputs[0].ID)
	assert.Equal(t, "a", inputs[0].Condition)
	assert.Equal(t, "multi#1", inputs[1].ID)
	assert.Equal(t, "b", inputs[1].Condition)
}
