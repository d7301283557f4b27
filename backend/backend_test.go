package backend

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigmac/detect"
	"sigmac/metrics"
)

func fixedTriggerID() string { return "trigger-1" }

func newTestBackend(opts Options) *Backend {
	if opts.TriggerID == nil {
		opts.TriggerID = fixedTriggerID
	}
	return New(DefaultDialect(), opts)
}

func compile(t *testing.T, b *Backend, dets map[string]any, condition string) *CompiledRule {
	t.Helper()
	rule, err := b.Compile(RuleInput{ID: "test-rule", Detections: dets, Condition: condition})
	require.NoError(t, err)
	return rule
}

func TestCompileFailedLogon(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"selection": map[string]any{
			"EventID":   4625,
			"LogonType": []any{2, 10},
		},
	}, "selection")

	assert.Equal(t, "EventID: 4625 AND (LogonType: 2 OR LogonType: 10)", rule.FilterQuery)
	assert.Equal(t, map[string]FieldType{
		"EventID":   IntegerField,
		"LogonType": IntegerField,
	}, rule.ReferencedFields)
	assert.Nil(t, rule.Aggregation)
	assert.Empty(t, rule.Errors)
	assert.NoError(t, rule.Err())
}

func TestCompileValueRendering(t *testing.T) {
	tests := []struct {
		name      string
		selection map[string]any
		want      string
		fields    map[string]FieldType
	}{
		{
			name:      "plain string is quoted and escaped",
			selection: map[string]any{"Image": `C:\Windows\cmd.exe`},
			want:      `Image: "C\:\\Windows\\cmd.exe"`,
			fields:    map[string]FieldType{"Image": TextField},
		},
		{
			name:      "contains produces an unquoted wildcard",
			selection: map[string]any{"CommandLine|contains": "whoami"},
			want:      "CommandLine: *whoami*",
			fields:    map[string]FieldType{"CommandLine": TextField},
		},
		{
			name:      "float",
			selection: map[string]any{"score": 0.5},
			want:      "score: 0.5",
			fields:    map[string]FieldType{"score": FloatField},
		},
		{
			name:      "bool",
			selection: map[string]any{"elevated": true},
			want:      "elevated: true",
			fields:    map[string]FieldType{"elevated": BooleanField},
		},
		{
			name:      "null",
			selection: map[string]any{"ParentImage": nil},
			want:      "ParentImage: null",
			fields:    map[string]FieldType{"ParentImage": TextField},
		},
		{
			name:      "regex escapes quotes",
			selection: map[string]any{"CommandLine|re": `a"b.*`},
			want:      `CommandLine: /a\"b.*/`,
			fields:    map[string]FieldType{"CommandLine": TextField},
		},
		{
			name:      "cidr",
			selection: map[string]any{"SourceIp|cidr": "10.0.0.0/8"},
			want:      `SourceIp: "10.0.0.0/8"`,
			fields:    map[string]FieldType{"SourceIp": TextField},
		},
		{
			name:      "compare",
			selection: map[string]any{"bytes|gte": 1024},
			want:      `"bytes" "gte" 1024`,
			fields:    map[string]FieldType{"bytes": IntegerField},
		},
		{
			name:      "dotted field names are flattened",
			selection: map[string]any{"process.name": "cmd.exe"},
			want:      `process_name: "cmd.exe"`,
			fields:    map[string]FieldType{"process_name": TextField},
		},
		{
			name:      "all links list values with AND",
			selection: map[string]any{"CommandLine|contains|all": []any{"net", "user"}},
			want:      "CommandLine: *net* AND CommandLine: *user*",
			fields:    map[string]FieldType{"CommandLine": TextField},
		},
	}

	b := newTestBackend(Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := compile(t, b, map[string]any{"selection": tt.selection}, "selection")
			assert.Equal(t, tt.want, rule.FilterQuery)
			assert.Equal(t, tt.fields, rule.ReferencedFields)
		})
	}
}

func TestCompileKeywordsUseOrdinalFields(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"keywords": []any{"evil", "bad*", 42},
	}, "keywords")

	assert.Equal(t, `_0: "evil" OR _1: bad* OR _2: 42`, rule.FilterQuery)
	assert.Equal(t, map[string]FieldType{
		"_0": TextField,
		"_1": TextField,
		"_2": IntegerField,
	}, rule.ReferencedFields)

	// Ordinals restart for every compile.
	again := compile(t, b, map[string]any{"keywords": []any{"evil"}}, "keywords")
	assert.Equal(t, `_0: "evil"`, again.FilterQuery)
}

func TestCompileNot(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"selection": map[string]any{"EventID": 1},
		"filter": map[string]any{
			"User":  "SYSTEM",
			"Image": "svchost.exe",
		},
	}, "selection and not filter")

	assert.Equal(t, `EventID: 1 AND (NOT (Image: "svchost.exe" AND User: "SYSTEM"))`, rule.FilterQuery)
}

func TestCompilePrecedence(t *testing.T) {
	dets := map[string]any{
		"a": map[string]any{"x": 1},
		"b": map[string]any{"y": 2},
		"c": map[string]any{"z": 3},
	}
	tests := []struct {
		condition string
		want      string
	}{
		{"a or b and not c", "x: 1 OR y: 2 AND (NOT z: 3)"},
		{"(a or b) and c", "(x: 1 OR y: 2) AND z: 3"},
		{"not (a and b) or c", "(NOT (x: 1 AND y: 2)) OR z: 3"},
		{"a and (b and c)", "x: 1 AND y: 2 AND z: 3"},
		{"all of them", "x: 1 AND y: 2 AND z: 3"},
	}

	b := newTestBackend(Options{Grammar: detect.GrammarPrecedence})
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			rule := compile(t, b, dets, tt.condition)
			assert.Equal(t, tt.want, rule.FilterQuery)
		})
	}
}

func TestCompileParenthesisedGroupsBothGrammars(t *testing.T) {
	dets := map[string]any{
		"a": map[string]any{"x": 1},
		"b": map[string]any{"y": 2},
		"c": map[string]any{"z": 3},
	}
	tests := []struct {
		condition string
		want      string
	}{
		{"(a and b) or c", "x: 1 AND y: 2 OR z: 3"},
		{"a and (b or c)", "x: 1 AND (y: 2 OR z: 3)"},
		{"c or (a and b)", "z: 3 OR x: 1 AND y: 2"},
	}

	for _, grammar := range []detect.Grammar{detect.GrammarTokenScan, detect.GrammarPrecedence} {
		b := newTestBackend(Options{Grammar: grammar})
		for _, tt := range tests {
			t.Run(string(grammar)+"/"+tt.condition, func(t *testing.T) {
				rule := compile(t, b, dets, tt.condition)
				assert.Equal(t, tt.want, rule.FilterQuery)
			})
		}
	}
}

func TestCompileTokenScanLeadingNot(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"a": map[string]any{"f": 1},
		"b": map[string]any{"g": 1},
	}, "not a and b")

	assert.Equal(t, "(NOT (f: 1 AND g: 1))", rule.FilterQuery)
}

func TestCompileTokenScanRejectsUnbalancedParens(t *testing.T) {
	b := newTestBackend(Options{CollectErrors: true})
	for _, condition := range []string{"(a and b or c", "a and b) or c"} {
		_, err := b.Compile(RuleInput{ID: "test-rule", Detections: map[string]any{
			"a": map[string]any{"x": 1},
			"b": map[string]any{"y": 2},
			"c": map[string]any{"z": 3},
		}, Condition: condition})
		var parseErr *detect.ParseError
		assert.ErrorAs(t, err, &parseErr, condition)
	}
}

func TestCompileGroupsOrInsideAnd(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"sel1": map[string]any{"a": []any{1, 2}},
		"sel2": map[string]any{"b": 3},
	}, "sel1 and sel2")

	assert.Equal(t, "(a: 1 OR a: 2) AND b: 3", rule.FilterQuery)
}

func TestCompileAggregation(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"selection": map[string]any{"type": "purchase"},
	}, "selection | avg(price) by category > 100")

	require.NotNil(t, rule.Aggregation)
	agg := rule.Aggregation
	assert.Equal(t, `type: "purchase"`, rule.FilterQuery)
	assert.Equal(t, "params.price > 100", agg.TriggerScript)
	assert.Equal(t, `"aggs":{"result_agg":{"terms":{"field":"category"},"aggs":{"price":{"avg":{"field":"price"}}}}}`, agg.AggQuery)
	assert.Equal(t, `{"buckets_path":{"price":"price"},"parent_bucket_path":"result_agg","script":{"source":"params.price > 100","lang":"painless"}}`, agg.TriggerQuery)
	assert.Equal(t, "category", agg.GroupByField)
	assert.Equal(t, "price", agg.MetricField)
	assert.Equal(t, "trigger-1", agg.TriggerID)
}

func TestCompileCountAggregation(t *testing.T) {
	tests := []struct {
		clause string
		group  string
		script string
	}{
		{"count() > 5", IndexField, "params._cnt > 5"},
		{"count(*) >= 2", IndexField, "params._cnt >= 2"},
		{"count(user) by host > 10", "host", "params._cnt > 10"},
	}

	b := newTestBackend(Options{})
	for _, tt := range tests {
		t.Run(tt.clause, func(t *testing.T) {
			rule := compile(t, b, map[string]any{"selection": map[string]any{"EventID": 1}}, "selection | "+tt.clause)
			require.NotNil(t, rule.Aggregation)
			assert.Equal(t, `"aggs":{"result_agg":{"terms":{"field":"`+tt.group+`"}}}`, rule.Aggregation.AggQuery)
			assert.Equal(t, tt.script, rule.Aggregation.TriggerScript)
			assert.Equal(t, CountAlias, rule.Aggregation.BucketAlias)
		})
	}
}

func TestCompileSeparateAggregationClause(t *testing.T) {
	b := newTestBackend(Options{})
	rule, err := b.Compile(RuleInput{
		ID:          "r",
		Detections:  map[string]any{"selection": map[string]any{"a": 1}},
		Condition:   "selection",
		Aggregation: "max(bytes) by host > 1000",
	})
	require.NoError(t, err)
	require.NotNil(t, rule.Aggregation)
	assert.Equal(t, "params.bytes > 1000", rule.Aggregation.TriggerScript)
}

func TestCompileConditionFromDetections(t *testing.T) {
	b := newTestBackend(Options{})
	rule, err := b.Compile(RuleInput{
		ID: "r",
		Detections: map[string]any{
			"selection": map[string]any{"a": 1},
			"condition": "selection | count() > 3",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "a: 1", rule.FilterQuery)
	require.NotNil(t, rule.Aggregation)
	assert.Equal(t, "params._cnt > 3", rule.Aggregation.TriggerScript)
}

func TestCompileFatalErrors(t *testing.T) {
	dets := map[string]any{"selection": map[string]any{"a": 1}}
	for _, collect := range []bool{false, true} {
		b := newTestBackend(Options{CollectErrors: collect})

		_, err := b.Compile(RuleInput{ID: "r", Detections: dets, Condition: "selecton"})
		var parseErr *detect.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, parseErr.Reason, "selection")

		_, err = b.Compile(RuleInput{ID: "r", Detections: dets, Condition: "selection | median(a) > 1"})
		var aggErr *detect.AggregationError
		assert.ErrorAs(t, err, &aggErr)
	}
}

func TestCompileUnknownModifier(t *testing.T) {
	dets := map[string]any{
		"selection": map[string]any{
			"Image|sha256": "abc",
			"User":         "admin",
		},
	}

	t.Run("strict", func(t *testing.T) {
		b := newTestBackend(Options{})
		_, err := b.Compile(RuleInput{ID: "r", Detections: dets, Condition: "selection"})
		var modErr *detect.UnknownModifierError
		require.ErrorAs(t, err, &modErr)
		assert.Equal(t, "sha256", modErr.Modifier)
		assert.ErrorIs(t, err, detect.ErrUnsupportedModifier)
	})

	t.Run("collect", func(t *testing.T) {
		b := newTestBackend(Options{CollectErrors: true})
		before := testutil.ToFloat64(metrics.CollectedErrorsTotal.WithLabelValues("unknown_modifier"))

		rule, err := b.Compile(RuleInput{ID: "r", Detections: dets, Condition: "selection"})
		require.NoError(t, err)
		assert.Equal(t, `User: "admin"`, rule.FilterQuery)
		assert.Equal(t, map[string]FieldType{"User": TextField}, rule.ReferencedFields)
		require.Len(t, rule.Errors, 1)

		var itemErr *detect.ItemError
		require.ErrorAs(t, rule.Errors[0], &itemErr)
		assert.Equal(t, "selection", itemErr.Detection)
		assert.Equal(t, "Image", itemErr.Field)
		assert.ErrorIs(t, rule.Err(), detect.ErrUnsupportedModifier)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.CollectedErrorsTotal.WithLabelValues("unknown_modifier")))
	})

	t.Run("collect drops an emptied block", func(t *testing.T) {
		b := newTestBackend(Options{CollectErrors: true})
		rule, err := b.Compile(RuleInput{
			ID: "r",
			Detections: map[string]any{
				"selection": map[string]any{"Image|sha256": "abc"},
				"other":     map[string]any{"a": 1},
			},
			Condition: "selection or other",
		})
		require.NoError(t, err)
		assert.Equal(t, "a: 1", rule.FilterQuery)
		assert.Len(t, rule.Errors, 1)
	})
}

func TestCompileUnsupportedKeywordValue(t *testing.T) {
	// A cidr keyword has no field to match against.
	ctx := newTestBackend(Options{}).newCompileContext(Logsource{})
	_, err := ctx.convert(&detect.Or{Args: []detect.ConditionNode{
		&detect.ValueExpr{Value: detect.PlainStr("ok")},
		&detect.ValueExpr{Value: detect.Cidr{Block: "10.0.0.0/8"}},
	}})
	var opErr *UnsupportedOperatorError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, OperatorOr, opErr.Operator)
	var valueErr *detect.ValueError
	assert.ErrorAs(t, err, &valueErr)

	collect := newTestBackend(Options{CollectErrors: true}).newCompileContext(Logsource{})
	out, err := collect.convert(&detect.Or{Args: []detect.ConditionNode{
		&detect.ValueExpr{Value: detect.PlainStr("ok")},
		&detect.ValueExpr{Value: detect.Cidr{Block: "10.0.0.0/8"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, `_0: "ok"`, out)
	require.Len(t, collect.errors, 1)
	assert.ErrorAs(t, collect.errors[0], &opErr)
}

func TestConvertRecoversPanics(t *testing.T) {
	// A nil value makes the leaf renderer panic.
	broken := &detect.And{Args: []detect.ConditionNode{
		&detect.FieldEq{Field: "a", Value: detect.IntNum(1)},
		&detect.FieldEq{Field: "b"},
	}}

	ctx := newTestBackend(Options{}).newCompileContext(Logsource{})
	_, err := ctx.convert(broken)
	var opErr *UnsupportedOperatorError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, OperatorAnd, opErr.Operator)
	assert.Contains(t, err.Error(), "panic")

	collect := newTestBackend(Options{CollectErrors: true}).newCompileContext(Logsource{})
	out, err := collect.convert(&detect.Or{Args: []detect.ConditionNode{
		&detect.FieldEq{Field: "c", Value: detect.IntNum(3)},
		broken,
	}})
	require.NoError(t, err)
	assert.Equal(t, "c: 3", out)
	require.Len(t, collect.errors, 1)
	assert.True(t, errors.As(collect.errors[0], &opErr))
	assert.Equal(t, OperatorAnd, opErr.Operator)
}

func TestCompileWithFieldMapper(t *testing.T) {
	fm := NewFieldMapper()
	require.NoError(t, fm.LoadMappingsData([]byte(`
process_creation:
  CommandLine: process.command_line
generic:
  User: user.name
`)))

	b := newTestBackend(Options{FieldMapper: fm})
	rule, err := b.Compile(RuleInput{
		ID:        "r",
		Logsource: Logsource{Product: "windows", Category: "process_creation"},
		Detections: map[string]any{
			"selection": map[string]any{
				"CommandLine|contains": "whoami",
				"User":                 "admin",
			},
		},
		Condition: "selection",
	})
	require.NoError(t, err)
	assert.Equal(t, `process_command_line: *whoami* AND user_name: "admin"`, rule.FilterQuery)
	assert.Contains(t, rule.ReferencedFields, "process_command_line")
	assert.Contains(t, rule.ReferencedFields, "user_name")
}

func TestCompileAggregationFieldsMatchFilterFields(t *testing.T) {
	b := newTestBackend(Options{})
	rule := compile(t, b, map[string]any{
		"selection": map[string]any{"src.ip": "1.2.3.4"},
	}, "selection | count() by src.ip > 5")

	assert.Equal(t, `src_ip: "1.2.3.4"`, rule.FilterQuery)
	require.NotNil(t, rule.Aggregation)
	assert.Equal(t, "src_ip", rule.Aggregation.GroupByField)
	assert.Equal(t, `"aggs":{"result_agg":{"terms":{"field":"src_ip"}}}`, rule.Aggregation.AggQuery)

	fm := NewFieldMapper()
	require.NoError(t, fm.LoadMappingsData([]byte(`
generic:
  Host: host.name
  Bytes: network.bytes
`)))
	mapped := newTestBackend(Options{FieldMapper: fm})
	rule = compile(t, mapped, map[string]any{
		"selection": map[string]any{"Host": "web-1"},
	}, "selection | sum(Bytes) by Host > 1000")

	assert.Equal(t, `host_name: "web-1"`, rule.FilterQuery)
	require.NotNil(t, rule.Aggregation)
	assert.Equal(t, "host_name", rule.Aggregation.GroupByField)
	assert.Equal(t, "network_bytes", rule.Aggregation.MetricField)
	assert.Equal(t,
		`"aggs":{"result_agg":{"terms":{"field":"host_name"},"aggs":{"network_bytes":{"sum":{"field":"network_bytes"}}}}}`,
		rule.Aggregation.AggQuery)
	assert.Equal(t, "params.network_bytes > 1000", rule.Aggregation.TriggerScript)
}

func TestCompileMetrics(t *testing.T) {
	b := newTestBackend(Options{})
	success := testutil.ToFloat64(metrics.CompilesTotal.WithLabelValues(metrics.ResultSuccess))
	failed := testutil.ToFloat64(metrics.CompilesTotal.WithLabelValues(metrics.ResultError))

	_, err := b.Compile(RuleInput{ID: "r", Detections: map[string]any{"s": map[string]any{"a": 1}}, Condition: "s"})
	require.NoError(t, err)
	_, err = b.Compile(RuleInput{ID: "r", Detections: map[string]any{"s": map[string]any{"a": 1}}, Condition: "missing"})
	require.Error(t, err)

	assert.Equal(t, success+1, testutil.ToFloat64(metrics.CompilesTotal.WithLabelValues(metrics.ResultSuccess)))
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.CompilesTotal.WithLabelValues(metrics.ResultError)))
}

func TestBackendConcurrentCompiles(t *testing.T) {
	b := newTestBackend(Options{})
	dets := map[string]any{
		"keywords":  []any{"a", "b"},
		"selection": map[string]any{"EventID": 4688},
	}

	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rule, err := b.Compile(RuleInput{ID: "r", Detections: dets, Condition: "keywords and selection"})
			if err == nil {
				results[i] = rule.FilterQuery
			}
		}()
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, `(_0: "a" OR _1: "b") AND EventID: 4688`, got)
	}
}

func TestCompileRegexWarnings(t *testing.T) {
	b := newTestBackend(Options{})

	rule := compile(t, b, map[string]any{
		"selection": map[string]any{"CommandLine|re": `(\w+\s?)*$`},
	}, "selection")
	require.Len(t, rule.Warnings, 1)
	assert.Contains(t, rule.Warnings[0], "field CommandLine")
	assert.Contains(t, rule.Warnings[0], "nested quantifier")
	assert.Empty(t, rule.Errors)

	rule = compile(t, b, map[string]any{
		"selection": map[string]any{"CommandLine|re": `cmd\.exe /c .*`},
	}, "selection")
	assert.Empty(t, rule.Warnings)
}
