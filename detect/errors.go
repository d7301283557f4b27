package detect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedModifier is matched (errors.Is) by every UnknownModifierError.
var ErrUnsupportedModifier = errors.New("unsupported modifier")

// ParseError is a malformed condition expression or an unresolvable reference
// to a detection block. Condition errors are always fatal for a rule.
type ParseError struct {
	// Expression is the condition text being parsed
	Expression string
	// Position is the byte offset of the offending token, -1 if unknown
	Position int
	// Token is the text that could not be handled
	Token string
	// Reason describes the problem
	Reason string
}

func (e *ParseError) Error() string {
	if e.Position >= 0 && e.Token != "" {
		return fmt.Sprintf("condition parse error at position %d near %q: %s", e.Position, e.Token, e.Reason)
	}
	if e.Token != "" {
		return fmt.Sprintf("condition parse error near %q: %s", e.Token, e.Reason)
	}
	return fmt.Sprintf("condition parse error in %q: %s", e.Expression, e.Reason)
}

// Is matches another ParseError at the same position with the same token.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}
	return e.Position == t.Position && e.Token == t.Token
}

// UnknownModifierError is returned when a detection key names a modifier that
// is not registered.
type UnknownModifierError struct {
	Modifier string
	Field    string
}

func (e *UnknownModifierError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("unsupported modifier '%s' on field '%s'", e.Modifier, e.Field)
	}
	return fmt.Sprintf("unsupported modifier '%s'", e.Modifier)
}

func (e *UnknownModifierError) Unwrap() error {
	return ErrUnsupportedModifier
}

// ModifierTypeError is returned when a modifier is applied to a value kind it
// does not accept.
type ModifierTypeError struct {
	Modifier string
	Actual   Kind
	Expected []Kind
}

func (e *ModifierTypeError) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("modifier '%s' cannot be applied to %s value", e.Modifier, e.Actual)
	}
	expected := make([]string, len(e.Expected))
	for i, k := range e.Expected {
		expected[i] = k.String()
	}
	return fmt.Sprintf("modifier '%s' cannot be applied to %s value (accepts %s)",
		e.Modifier, e.Actual, strings.Join(expected, ", "))
}

// RegexEscapeError is returned for invalid regular expressions or a pattern
// that cannot be escaped for the target dialect.
type RegexEscapeError struct {
	Pattern string
	Reason  string
	Err     error
}

func (e *RegexEscapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid regular expression %q: %s: %v", e.Pattern, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid regular expression %q: %s", e.Pattern, e.Reason)
}

func (e *RegexEscapeError) Unwrap() error {
	return e.Err
}

// ValueError is returned when a raw value cannot be represented or converted.
type ValueError struct {
	Value  string
	Reason string
	Err    error
}

func (e *ValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid value %q: %s: %v", e.Value, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid value %q: %s", e.Value, e.Reason)
}

func (e *ValueError) Unwrap() error {
	return e.Err
}

// AggregationError is a malformed or unsupported aggregation clause.
type AggregationError struct {
	Clause   string
	Function string
	Reason   string
}

func (e *AggregationError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("aggregation error in %q: function '%s' %s", e.Clause, e.Function, e.Reason)
	}
	return fmt.Sprintf("aggregation error in %q: %s", e.Clause, e.Reason)
}

// ItemError attributes a per-item failure to its detection block and field.
type ItemError struct {
	Detection string
	Field     string
	Err       error
}

func (e *ItemError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("detection '%s' keyword item: %v", e.Detection, e.Err)
	}
	return fmt.Sprintf("detection '%s' field '%s': %v", e.Detection, e.Field, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// similarIdentifiers suggests detection names close to target: same three
// character prefix first, then substring matches.
func similarIdentifiers(target string, available []string, maxResults int) []string {
	if len(available) == 0 || target == "" {
		return nil
	}

	targetLower := strings.ToLower(target)
	prefix := targetLower
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}

	var suggestions []string
	seen := make(map[string]bool)
	for _, id := range available {
		if strings.HasPrefix(strings.ToLower(id), prefix) {
			suggestions = append(suggestions, id)
			seen[id] = true
			if len(suggestions) >= maxResults {
				return suggestions
			}
		}
	}
	for _, id := range available {
		idLower := strings.ToLower(id)
		if seen[id] {
			continue
		}
		if strings.Contains(idLower, targetLower) || strings.Contains(targetLower, idLower) {
			suggestions = append(suggestions, id)
			if len(suggestions) >= maxResults {
				break
			}
		}
	}
	return suggestions
}
