package backend

import (
	"errors"
	"fmt"

	"sigmac/detect"
)

// Operators reported by UnsupportedOperatorError.
const (
	OperatorAnd = "and"
	OperatorOr  = "or"
	OperatorNot = "not"
)

// UnsupportedOperatorError reports that an AND/OR/NOT node could not be
// rendered because one of its children failed.
type UnsupportedOperatorError struct {
	Operator string
	Err      error
}

func (e *UnsupportedOperatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("operator '%s' not supported by the backend: %v", e.Operator, e.Err)
	}
	return fmt.Sprintf("operator '%s' not supported by the backend", e.Operator)
}

func (e *UnsupportedOperatorError) Unwrap() error {
	return e.Err
}

// operatorError wraps err unless an inner operator already claimed it.
func operatorError(op string, err error) error {
	var opErr *UnsupportedOperatorError
	if errors.As(err, &opErr) {
		return err
	}
	return &UnsupportedOperatorError{Operator: op, Err: err}
}

// errorKind labels an error for the collected-errors metric.
func errorKind(err error) string {
	var (
		unknownMod *detect.UnknownModifierError
		typeErr    *detect.ModifierTypeError
		regexErr   *detect.RegexEscapeError
		valueErr   *detect.ValueError
		parseErr   *detect.ParseError
		opErr      *UnsupportedOperatorError
	)
	switch {
	case errors.As(err, &unknownMod):
		return "unknown_modifier"
	case errors.As(err, &typeErr):
		return "modifier_type"
	case errors.As(err, &regexErr):
		return "regex"
	case errors.As(err, &valueErr):
		return "value"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &opErr):
		return "operator"
	default:
		return "other"
	}
}
