package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ryanuber/go-glob"
)

// ConditionNode is a node of the boolean condition tree. The set of
// implementations is closed: And, Or, Not, FieldEq, ValueExpr and Selector.
type ConditionNode interface {
	String() string
	conditionNode()
}

// And is an n-ary conjunction.
type And struct {
	Args []ConditionNode
}

// Or is an n-ary disjunction.
type Or struct {
	Args []ConditionNode
}

// Not negates its argument.
type Not struct {
	Arg ConditionNode
}

// FieldEq matches Value against a named field.
type FieldEq struct {
	Field string
	Value Value
}

// ValueExpr matches Value against any field (keyword search).
type ValueExpr struct {
	Value Value
}

// Quantifiers accepted by a Selector.
const (
	QuantifierOne = "1"
	QuantifierAny = "any"
	QuantifierAll = "all"
)

// ThemPattern selects every detection block.
const ThemPattern = "them"

// Selector references detection blocks by name or glob. It only exists
// between parsing and ResolveSelectors.
type Selector struct {
	Quantifier string
	Pattern    string
}

func (*And) conditionNode()       {}
func (*Or) conditionNode()        {}
func (*Not) conditionNode()       {}
func (*FieldEq) conditionNode()   {}
func (*ValueExpr) conditionNode() {}
func (*Selector) conditionNode()  {}

func (n *And) String() string { return joinStrings(n.Args, " and ") }
func (n *Or) String() string  { return joinStrings(n.Args, " or ") }
func (n *Not) String() string { return "not (" + n.Arg.String() + ")" }
func (n *FieldEq) String() string {
	return n.Field + "=" + n.Value.String()
}
func (n *ValueExpr) String() string { return n.Value.String() }
func (n *Selector) String() string {
	if n.Quantifier == QuantifierOne && !strings.ContainsRune(n.Pattern, '*') && n.Pattern != ThemPattern {
		return n.Pattern
	}
	return n.Quantifier + " of " + n.Pattern
}

func joinStrings(args []ConditionNode, sep string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = "(" + a.String() + ")"
	}
	return strings.Join(parts, sep)
}

// Grammar selects how condition strings are parsed.
type Grammar string

const (
	// GrammarTokenScan splits on a leading "not ", then " and ", then
	// " or ", outside parentheses only. It reproduces the behaviour of
	// existing rule sets.
	GrammarTokenScan Grammar = "token_scan"
	// GrammarPrecedence is a recursive-descent parser with parentheses and
	// the usual NOT > AND > OR precedence.
	GrammarPrecedence Grammar = "precedence"
)

// ParseGrammar validates a grammar name; "" selects the default.
func ParseGrammar(name string) (Grammar, error) {
	switch Grammar(strings.ToLower(strings.TrimSpace(name))) {
	case "", GrammarTokenScan:
		return GrammarTokenScan, nil
	case GrammarPrecedence:
		return GrammarPrecedence, nil
	default:
		return "", fmt.Errorf("unknown condition grammar %q (expected %s or %s)", name, GrammarTokenScan, GrammarPrecedence)
	}
}

// SplitCondition separates "filter | aggregation".
func SplitCondition(condition string) (filter, aggregation string) {
	filter, aggregation, _ = strings.Cut(condition, "|")
	return strings.TrimSpace(filter), strings.TrimSpace(aggregation)
}

// ParseCondition parses a condition (without aggregation) into a tree whose
// leaves are Selectors.
func ParseCondition(condition string, grammar Grammar) (ConditionNode, error) {
	if strings.TrimSpace(condition) == "" {
		return nil, &ParseError{Expression: condition, Position: -1, Reason: "condition is empty"}
	}
	if grammar == GrammarPrecedence {
		return NewConditionParser().Parse(condition)
	}
	if pos := unbalancedParen(condition); pos >= 0 {
		return nil, &ParseError{Expression: condition, Position: pos, Token: string(condition[pos]),
			Reason: "unbalanced parenthesis"}
	}
	return scanCondition(condition, condition)
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	selectorPattern   = regexp.MustCompile(`^[A-Za-z0-9_*-]+$`)
)

// scanCondition implements GrammarTokenScan. Operators are only split at
// parenthesis depth 0; a leading "not " negates everything after it.
func scanCondition(expr, full string) (ConditionNode, error) {
	s := stripEnclosingParens(strings.TrimSpace(expr))
	if s == "" {
		return nil, &ParseError{Expression: full, Position: -1, Reason: "empty sub-expression"}
	}

	if rest, ok := strings.CutPrefix(s, "not "); ok {
		arg, err := scanCondition(rest, full)
		if err != nil {
			return nil, err
		}
		return &Not{Arg: arg}, nil
	}
	if tokens := splitTopLevel(s, " and "); len(tokens) > 1 {
		return scanJoin(tokens, full, LinkAnd)
	}
	if tokens := splitTopLevel(s, " or "); len(tokens) > 1 {
		return scanJoin(tokens, full, LinkOr)
	}
	return scanLeaf(s, full)
}

func scanJoin(tokens []string, full string, linking Linking) (ConditionNode, error) {
	args := make([]ConditionNode, 0, len(tokens))
	for _, tok := range tokens {
		node, err := scanCondition(tok, full)
		if err != nil {
			return nil, err
		}
		args = append(args, node)
	}
	return join(linking, args), nil
}

func scanLeaf(token, full string) (ConditionNode, error) {
	leaf := strings.TrimSpace(token)
	words := strings.Fields(leaf)

	switch {
	case strings.ContainsAny(leaf, "()"):
		return nil, &ParseError{Expression: full, Position: strings.Index(full, leaf), Token: leaf,
			Reason: "parenthesis inside an operand"}
	case len(words) == 1 && identifierPattern.MatchString(words[0]):
		return &Selector{Quantifier: QuantifierOne, Pattern: words[0]}, nil
	case len(words) == 3 && words[1] == "of":
		quantifier := words[0]
		if quantifier != QuantifierOne && quantifier != QuantifierAny && quantifier != QuantifierAll {
			return nil, &ParseError{Expression: full, Position: strings.Index(full, leaf), Token: quantifier,
				Reason: "quantifier must be 1, any or all"}
		}
		if words[2] != ThemPattern && !selectorPattern.MatchString(words[2]) {
			return nil, &ParseError{Expression: full, Position: strings.Index(full, leaf), Token: words[2],
				Reason: "invalid detection name pattern"}
		}
		return &Selector{Quantifier: quantifier, Pattern: words[2]}, nil
	default:
		return nil, &ParseError{Expression: full, Position: strings.Index(full, leaf), Token: leaf,
			Reason: "expected a detection name or '<quantifier> of <pattern>'"}
	}
}

// stripEnclosingParens removes parentheses that wrap the whole expression.
func stripEnclosingParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && closingParen(s) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// splitTopLevel splits s around sep where sep is outside any parentheses.
func splitTopLevel(s, sep string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(s[i:], sep) {
				parts = append(parts, s[start:i])
				start = i + len(sep)
				i += len(sep) - 1
			}
		}
	}
	return append(parts, s[start:])
}

// unbalancedParen returns the offset of the first parenthesis without a
// partner, or -1.
func unbalancedParen(s string) int {
	var open []int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			open = append(open, i)
		case ')':
			if len(open) == 0 {
				return i
			}
			open = open[:len(open)-1]
		}
	}
	if len(open) > 0 {
		return open[0]
	}
	return -1
}

// closingParen returns the index of the parenthesis closing s[0], or -1.
func closingParen(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ResolveSelectors replaces every Selector with the condition of the blocks
// it matches. Blocks with no remaining predicates resolve to nothing and are
// dropped from their parent.
func ResolveSelectors(node ConditionNode, dets Detections) (ConditionNode, error) {
	return resolve(node, dets, dets.Names())
}

func resolve(node ConditionNode, dets Detections, names []string) (ConditionNode, error) {
	switch n := node.(type) {
	case *Selector:
		return resolveSelector(n, dets, names)
	case *And:
		args, err := resolveArgs(n.Args, dets, names)
		if err != nil {
			return nil, err
		}
		return join(LinkAnd, args), nil
	case *Or:
		args, err := resolveArgs(n.Args, dets, names)
		if err != nil {
			return nil, err
		}
		return join(LinkOr, args), nil
	case *Not:
		arg, err := resolve(n.Arg, dets, names)
		if err != nil || arg == nil {
			return nil, err
		}
		return &Not{Arg: arg}, nil
	case *FieldEq, *ValueExpr:
		return n, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown condition node %T", node)
	}
}

func resolveArgs(args []ConditionNode, dets Detections, names []string) ([]ConditionNode, error) {
	out := make([]ConditionNode, 0, len(args))
	for _, a := range args {
		r, err := resolve(a, dets, names)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func resolveSelector(sel *Selector, dets Detections, names []string) (ConditionNode, error) {
	matched := MatchDetections(sel.Pattern, names)
	if len(matched) == 0 {
		reason := "no detection matches the pattern"
		if !strings.ContainsRune(sel.Pattern, '*') && sel.Pattern != ThemPattern {
			reason = "undefined detection"
			if hints := similarIdentifiers(sel.Pattern, names, 3); len(hints) > 0 {
				reason += fmt.Sprintf(" (did you mean: %s?)", strings.Join(hints, ", "))
			}
		}
		return nil, &ParseError{Position: -1, Token: sel.Pattern, Reason: reason}
	}

	args := make([]ConditionNode, 0, len(matched))
	for _, name := range matched {
		if c := dets[name].Condition(); c != nil {
			args = append(args, c)
		}
	}
	if sel.Quantifier == QuantifierAll {
		return join(LinkAnd, args), nil
	}
	return join(LinkOr, args), nil
}

// MatchDetections returns the names matched by a selector pattern, in the
// order given. "them" matches everything.
func MatchDetections(pattern string, names []string) []string {
	var matched []string
	for _, name := range names {
		switch {
		case pattern == ThemPattern:
			matched = append(matched, name)
		case strings.ContainsRune(pattern, '*'):
			if glob.Glob(pattern, name) {
				matched = append(matched, name)
			}
		case pattern == name:
			matched = append(matched, name)
		}
	}
	return matched
}
