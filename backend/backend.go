package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sigmac/detect"
	"sigmac/metrics"
)

// FieldType is the index mapping reported for a referenced field.
type FieldType struct {
	Type     string `json:"type" msgpack:"type"`
	Analyzer string `json:"analyzer,omitempty" msgpack:"analyzer,omitempty"`
}

// Field types assigned during compilation.
var (
	TextField    = FieldType{Type: "text", Analyzer: "rule_analyzer"}
	IntegerField = FieldType{Type: "integer"}
	FloatField   = FieldType{Type: "float"}
	BooleanField = FieldType{Type: "boolean"}
)

// RuleInput is a rule ready for compilation. Detections holds the named
// blocks of the rule's detection section; a "condition" entry is used when
// Condition is empty.
type RuleInput struct {
	ID          string         `json:"id"`
	Logsource   Logsource      `json:"logsource"`
	Detections  map[string]any `json:"detections"`
	Condition   string         `json:"condition,omitempty"`
	Aggregation string         `json:"aggregation,omitempty"`
}

// CompiledRule is the result of compiling one rule. It is never modified
// after Compile returns.
type CompiledRule struct {
	RuleID           string               `json:"rule_id,omitempty" msgpack:"rule_id,omitempty"`
	FilterQuery      string               `json:"filter_query" msgpack:"filter_query"`
	Aggregation      *AggregationQueries  `json:"aggregation,omitempty" msgpack:"aggregation,omitempty"`
	ReferencedFields map[string]FieldType `json:"referenced_fields" msgpack:"referenced_fields"`
	// Warnings describe parts of the query that compiled but may be slow,
	// such as backtracking-prone regular expressions.
	Warnings []string `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
	// Errors holds the failures dropped in collect mode.
	Errors []error `json:"-" msgpack:"-"`
}

// Err joins the collected errors, or returns nil when there are none.
func (r *CompiledRule) Err() error {
	return errors.Join(r.Errors...)
}

// ErrorMessages returns the collected errors as strings.
func (r *CompiledRule) ErrorMessages() []string {
	msgs := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		msgs[i] = err.Error()
	}
	return msgs
}

// Compiler compiles rules. Backend and CachingCompiler implement it.
type Compiler interface {
	Compile(in RuleInput) (*CompiledRule, error)
}

// Options configures a Backend.
type Options struct {
	// CollectErrors records recoverable failures on the result instead of
	// aborting the compile.
	CollectErrors bool
	Grammar       detect.Grammar
	// FieldMapper renames fields before they are finalised; nil disables
	// field mapping.
	FieldMapper *FieldMapper
	Registry    *detect.Registry
	// TriggerID generates bucket trigger ids; defaults to random UUIDs.
	TriggerID func() string
	Logger    *zap.SugaredLogger
}

// Backend compiles rules for one dialect. It holds no per-compile state and
// may be shared between goroutines.
type Backend struct {
	dialect Dialect
	opts    Options
	logger  *zap.SugaredLogger
}

// New creates a Backend.
func New(dialect Dialect, opts Options) *Backend {
	if opts.Registry == nil {
		opts.Registry = detect.DefaultRegistry()
	}
	if opts.TriggerID == nil {
		opts.TriggerID = uuid.NewString
	}
	if opts.Grammar == "" {
		opts.Grammar = detect.GrammarTokenScan
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Backend{dialect: dialect, opts: opts, logger: logger}
}

// Dialect returns the backend's dialect.
func (b *Backend) Dialect() Dialect {
	return b.dialect
}

// Compile turns a rule into a filter query, its aggregation artifacts and
// the fields it references. Condition and aggregation errors are always
// returned; other failures are collected on the result in collect mode.
func (b *Backend) Compile(in RuleInput) (rule *CompiledRule, err error) {
	start := time.Now()
	defer func() {
		metrics.CompileDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			metrics.CompilesTotal.WithLabelValues(metrics.ResultError).Inc()
		case len(rule.Errors) > 0:
			metrics.CompilesTotal.WithLabelValues(metrics.ResultPartial).Inc()
		default:
			metrics.CompilesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		}
	}()

	condition, aggClause, err := ruleCondition(in)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", in.ID, err)
	}

	dets, itemErrs, err := detect.BuildDetections(in.Detections, detect.BuildOptions{
		Registry:      b.opts.Registry,
		CollectErrors: b.opts.CollectErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", in.ID, err)
	}

	parsed, err := detect.ParseCondition(condition, b.opts.Grammar)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", in.ID, err)
	}
	root, err := detect.ResolveSelectors(parsed, dets)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", in.ID, err)
	}

	var agg *detect.AggregationSpec
	if aggClause != "" {
		if agg, err = detect.ParseAggregation(aggClause); err != nil {
			return nil, fmt.Errorf("rule %q: %w", in.ID, err)
		}
	}

	ctx := b.newCompileContext(in.Logsource)
	ctx.errors = append(ctx.errors, itemErrs...)

	var filter string
	if root != nil {
		filter, err = ctx.convert(root)
		if err != nil {
			if !ctx.collect {
				return nil, fmt.Errorf("rule %q: %w", in.ID, err)
			}
			ctx.record(err)
			filter = ""
		}
	}

	rule = &CompiledRule{
		RuleID:           in.ID,
		FilterQuery:      filter,
		ReferencedFields: ctx.fields,
		Warnings:         ctx.warnings,
		Errors:           ctx.errors,
	}
	if agg != nil {
		if rule.Aggregation, err = b.convertAggregation(ctx, agg); err != nil {
			return nil, fmt.Errorf("rule %q: %w", in.ID, err)
		}
	}

	for _, e := range rule.Errors {
		metrics.CollectedErrorsTotal.WithLabelValues(errorKind(e)).Inc()
		b.logger.Warnw("Dropped part of rule", "rule_id", in.ID, "error", e)
	}
	for _, w := range rule.Warnings {
		b.logger.Warnw("Rule compiled with warning", "rule_id", in.ID, "warning", w)
	}
	b.logger.Debugw("Compiled rule",
		"rule_id", in.ID,
		"fields", len(rule.ReferencedFields),
		"aggregation", rule.Aggregation != nil,
		"collected_errors", len(rule.Errors))
	return rule, nil
}

// ruleCondition finds the condition of a rule and splits off its
// aggregation clause.
func ruleCondition(in RuleInput) (string, string, error) {
	condition := in.Condition
	if condition == "" {
		switch c := in.Detections[detect.ConditionKey].(type) {
		case string:
			condition = c
		case []any:
			if len(c) != 1 {
				return "", "", &detect.ParseError{Position: -1, Reason: fmt.Sprintf("expected one condition, got %d", len(c))}
			}
			s, ok := c[0].(string)
			if !ok {
				return "", "", &detect.ParseError{Position: -1, Reason: fmt.Sprintf("condition must be a string, got %T", c[0])}
			}
			condition = s
		case nil:
		default:
			return "", "", &detect.ParseError{Position: -1, Reason: fmt.Sprintf("condition must be a string, got %T", c)}
		}
	}

	filter, agg := detect.SplitCondition(condition)
	if in.Aggregation != "" {
		agg = strings.TrimSpace(in.Aggregation)
	}
	return filter, agg, nil
}
