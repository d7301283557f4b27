package backend

import (
	"fmt"
	"strconv"
	"strings"

	"sigmac/detect"
)

// compileContext holds the state of a single Compile call.
type compileContext struct {
	dialect   Dialect
	mapper    *FieldMapper
	logsource Logsource
	collect   bool

	fields   map[string]FieldType
	unbound  int
	errors   []error
	warnings []string
}

func (b *Backend) newCompileContext(ls Logsource) *compileContext {
	return &compileContext{
		dialect:   b.dialect,
		mapper:    b.opts.FieldMapper,
		logsource: ls,
		collect:   b.opts.CollectErrors,
		fields:    make(map[string]FieldType),
	}
}

func (c *compileContext) record(err error) {
	c.errors = append(c.errors, err)
}

func (c *compileContext) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *compileContext) register(field string, ft FieldType) {
	c.fields[field] = ft
}

// finalField applies the field mapping and the dialect's separator
// replacement.
func (c *compileContext) finalField(field string) string {
	if c.mapper != nil {
		field = c.mapper.MapField(field, c.logsource)
	}
	if c.dialect.FieldSeparatorReplacement != "" {
		field = strings.ReplaceAll(field, ".", c.dialect.FieldSeparatorReplacement)
	}
	return field
}

// nextUnbound allocates the synthetic field of a keyword value.
func (c *compileContext) nextUnbound() string {
	field := "_" + strconv.Itoa(c.unbound)
	c.unbound++
	return field
}

// Binding strength of a rendered node; a child is grouped when it binds
// more loosely than its parent.
type rank int

const (
	rankAtom rank = iota
	rankNot
	rankAnd
	rankOr
)

func rankOf(node detect.ConditionNode) rank {
	switch n := node.(type) {
	case *detect.Not:
		return rankNot
	case *detect.And:
		return rankAnd
	case *detect.Or:
		return rankOr
	case *detect.FieldEq:
		if _, ok := n.Value.(detect.Expansion); ok {
			return rankOr
		}
	case *detect.ValueExpr:
		if _, ok := n.Value.(detect.Expansion); ok {
			return rankOr
		}
	}
	return rankAtom
}

func (c *compileContext) group(s string) string {
	return fmt.Sprintf(c.dialect.GroupExpression, s)
}

func (c *compileContext) convert(node detect.ConditionNode) (string, error) {
	switch n := node.(type) {
	case *detect.And:
		return c.convertJoin(OperatorAnd, rankAnd, n.Args, c.dialect.AndToken)
	case *detect.Or:
		return c.convertJoin(OperatorOr, rankOr, n.Args, c.dialect.OrToken)
	case *detect.Not:
		return c.convertNot(n)
	case *detect.FieldEq:
		return c.convertFieldEq(n)
	case *detect.ValueExpr:
		return c.convertValueExpr(n)
	case *detect.Selector:
		return "", &detect.ParseError{Position: -1, Token: n.String(), Reason: "selector was not resolved"}
	default:
		return "", fmt.Errorf("unsupported condition node %T", node)
	}
}

// convertJoin renders the operands of an AND or OR. A failing operand is
// dropped in collect mode; a panic while rendering becomes an
// UnsupportedOperatorError.
func (c *compileContext) convertJoin(op string, parent rank, args []detect.ConditionNode, token string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", &UnsupportedOperatorError{Operator: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	parts := make([]string, 0, len(args))
	for _, arg := range args {
		s, err := c.convert(arg)
		if err != nil {
			err = operatorError(op, err)
			if c.collect {
				c.record(err)
				continue
			}
			return "", err
		}
		if s == "" {
			continue
		}
		if rankOf(arg) > parent {
			s = c.group(s)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, c.dialect.joiner(token)), nil
}

func (c *compileContext) convertNot(n *detect.Not) (string, error) {
	s, err := c.convert(n.Arg)
	if err != nil {
		return "", operatorError(OperatorNot, err)
	}
	if s == "" {
		return "", nil
	}
	if rankOf(n.Arg) > rankNot {
		s = c.group(s)
	}
	return c.group(c.dialect.NotToken + c.dialect.TokenSeparator + s), nil
}

// expand renders an Expansion leaf as an OR of its elements.
func (c *compileContext) expand(exp detect.Expansion, leaf func(detect.Value) detect.ConditionNode) (string, error) {
	args := make([]detect.ConditionNode, len(exp.Values))
	for i, v := range exp.Values {
		args[i] = leaf(v)
	}
	return c.convertJoin(OperatorOr, rankOr, args, c.dialect.OrToken)
}

func (c *compileContext) convertFieldEq(n *detect.FieldEq) (string, error) {
	if exp, ok := n.Value.(detect.Expansion); ok {
		return c.expand(exp, func(v detect.Value) detect.ConditionNode {
			return &detect.FieldEq{Field: n.Field, Value: v}
		})
	}

	d := c.dialect
	field := c.finalField(n.Field)
	eq := field + d.EqToken + " "

	switch v := n.Value.(type) {
	case detect.Str:
		s, err := v.Convert(d.convertOptions())
		if err != nil {
			return "", err
		}
		quote := d.StrQuote
		if v.Wildcards {
			quote = d.ReQuote
		}
		c.register(field, TextField)
		return eq + quote + s + quote, nil
	case detect.Num:
		c.register(field, numberField(v))
		return eq + v.String(), nil
	case detect.Bool:
		c.register(field, BooleanField)
		return eq + v.String(), nil
	case detect.Null:
		c.register(field, TextField)
		return fmt.Sprintf(d.FieldNullExpression, field), nil
	case detect.Regex:
		re, err := v.Escape(d.ReEscape, d.ReEscapeChar)
		if err != nil {
			return "", err
		}
		if risk := detect.AnalyzeRegexComplexity(v.Pattern); !risk.Safe() {
			c.warn("field %s: regex /%s/ has %s", field, v.Pattern, risk.Summary())
		}
		c.register(field, TextField)
		return fmt.Sprintf(d.ReExpression, field, re), nil
	case detect.Cidr:
		c.register(field, TextField)
		return fmt.Sprintf(d.CidrExpression, field, v.Block), nil
	case detect.Compare:
		op, ok := d.CompareOperators[v.Op]
		if !ok {
			return "", &detect.ValueError{Value: v.String(), Reason: "comparison operator not supported by the dialect"}
		}
		c.register(field, numberField(v.Number))
		return fmt.Sprintf(d.CompareOpExpression, field, op, v.Number.String()), nil
	default:
		return "", &detect.ValueError{Value: n.Value.String(), Reason: fmt.Sprintf("%s values cannot be matched against a field", n.Value.Kind())}
	}
}

// convertValueExpr renders a keyword value against the next synthetic field.
func (c *compileContext) convertValueExpr(n *detect.ValueExpr) (string, error) {
	if exp, ok := n.Value.(detect.Expansion); ok {
		return c.expand(exp, func(v detect.Value) detect.ConditionNode {
			return &detect.ValueExpr{Value: v}
		})
	}

	d := c.dialect
	var (
		template string
		value    string
		ft       FieldType
	)
	switch v := n.Value.(type) {
	case detect.Str:
		s, err := v.Convert(d.convertOptions())
		if err != nil {
			return "", err
		}
		template, value, ft = d.UnboundValueStrExpression, s, TextField
		if v.Wildcards {
			template = d.UnboundWildcardExpression
		}
	case detect.Num:
		template, value, ft = d.UnboundValueNumExpression, v.String(), numberField(v)
	case detect.Bool:
		template, value, ft = d.UnboundValueNumExpression, v.String(), BooleanField
	case detect.Regex:
		re, err := v.Escape(d.ReEscape, d.ReEscapeChar)
		if err != nil {
			return "", err
		}
		template, value, ft = d.UnboundReExpression, re, TextField
	default:
		return "", &detect.ValueError{Value: n.Value.String(), Reason: fmt.Sprintf("%s values are not supported as keywords", n.Value.Kind())}
	}

	field := c.nextUnbound()
	c.register(field, ft)
	return fmt.Sprintf(template, field, value), nil
}

func numberField(n detect.Num) FieldType {
	if n.IsFloat {
		return FloatField
	}
	return IntegerField
}
