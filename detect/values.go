package detect

import (
	"fmt"
	"math"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
)

// Sigma string escaping. A backslash only escapes the wildcard characters and
// itself; any other backslash is a literal character (C:\Windows stays as-is).
const (
	EscapeChar     = '\\'
	WildcardMulti  = '*'
	WildcardSingle = '?'
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindStr Kind = iota
	KindNum
	KindBool
	KindNull
	KindRegex
	KindCidr
	KindCompare
	KindExpansion
)

var kindNames = map[Kind]string{
	KindStr:       "string",
	KindNum:       "number",
	KindBool:      "bool",
	KindNull:      "null",
	KindRegex:     "regex",
	KindCidr:      "cidr",
	KindCompare:   "compare",
	KindExpansion: "expansion",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is a typed Sigma value. The set of implementations is closed: Str,
// Num, Bool, Null, Regex, Cidr, Compare and Expansion.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

// StrPart is one segment of a Sigma string: either literal text or a single
// wildcard special (WildcardMulti / WildcardSingle).
type StrPart struct {
	Text     string
	Wildcard rune
}

// IsWildcard reports whether the part is a wildcard special.
func (p StrPart) IsWildcard() bool { return p.Wildcard != 0 }

// Str is a Sigma string. Pattern holds the text in Sigma escaped form; Parts
// returns the decoded literal/wildcard segments.
type Str struct {
	Pattern   string
	Wildcards bool
}

// NewStr wraps raw rule text. Wildcards are detected on the escaped form.
func NewStr(pattern string) Str {
	s := Str{Pattern: pattern}
	for _, p := range s.Parts() {
		if p.IsWildcard() {
			s.Wildcards = true
			break
		}
	}
	return s
}

// StrFromParts re-encodes segments into a Str, escaping literal text so that
// it cannot be mistaken for wildcards.
func StrFromParts(parts []StrPart) Str {
	var b strings.Builder
	wildcards := false
	for _, p := range parts {
		if p.IsWildcard() {
			b.WriteRune(p.Wildcard)
			wildcards = true
			continue
		}
		b.WriteString(escapeLiteral(p.Text))
	}
	return Str{Pattern: b.String(), Wildcards: wildcards}
}

// PlainStr builds a Str whose whole content is literal text.
func PlainStr(text string) Str {
	return Str{Pattern: escapeLiteral(text)}
}

// escapeLiteral works on bytes: encoded payloads (utf16, base64) need not be
// valid UTF-8 and the special characters are all ASCII.
func escapeLiteral(text string) string {
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		if isSpecial(text[i]) {
			b.WriteByte(EscapeChar)
		}
		b.WriteByte(text[i])
	}
	return b.String()
}

func (s Str) Kind() Kind     { return KindStr }
func (s Str) String() string { return s.Pattern }
func (s Str) isValue()       {}

// Literal returns the decoded text with wildcards in place and escapes removed.
func (s Str) Literal() string {
	var b strings.Builder
	for _, p := range s.Parts() {
		if p.IsWildcard() {
			b.WriteRune(p.Wildcard)
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Parts decodes the escaped pattern into literal runs and wildcard specials.
func (s Str) Parts() []StrPart {
	var parts []StrPart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, StrPart{Text: lit.String()})
			lit.Reset()
		}
	}

	p := s.Pattern
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == EscapeChar && i+1 < len(p) && isSpecial(p[i+1]):
			lit.WriteByte(p[i+1])
			i++
		case c == WildcardMulti || c == WildcardSingle:
			flush()
			parts = append(parts, StrPart{Wildcard: rune(c)})
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return parts
}

func isSpecial(c byte) bool {
	return c == EscapeChar || c == WildcardMulti || c == WildcardSingle
}

// StartsWithWildcard reports whether the first part is an unescaped '*'.
func (s Str) StartsWithWildcard() bool {
	parts := s.Parts()
	return len(parts) > 0 && parts[0].Wildcard == WildcardMulti
}

// EndsWithWildcard reports whether the last part is an unescaped '*'.
func (s Str) EndsWithWildcard() bool {
	parts := s.Parts()
	return len(parts) > 0 && parts[len(parts)-1].Wildcard == WildcardMulti
}

// WithLeadingWildcard returns s prefixed by '*' unless it already starts with one.
func (s Str) WithLeadingWildcard() Str {
	if s.StartsWithWildcard() {
		return s
	}
	return Str{Pattern: string(WildcardMulti) + s.Pattern, Wildcards: true}
}

// WithTrailingWildcard returns s suffixed by '*' unless it already ends with one.
func (s Str) WithTrailingWildcard() Str {
	if s.EndsWithWildcard() {
		return s
	}
	return Str{Pattern: s.Pattern + string(WildcardMulti), Wildcards: true}
}

// MapLiterals applies fn to every literal segment and keeps wildcards in place.
func (s Str) MapLiterals(fn func(string) string) Str {
	parts := s.Parts()
	for i := range parts {
		if !parts[i].IsWildcard() {
			parts[i].Text = fn(parts[i].Text)
		}
	}
	return StrFromParts(parts)
}

// ConvertOptions describes how a target dialect wants a Str rendered.
type ConvertOptions struct {
	EscapeChar     string
	WildcardMulti  string
	WildcardSingle string
	// AddEscaped lists characters that get EscapeChar prepended.
	AddEscaped string
	// AddReserved lists whole words that are escaped wherever they occur.
	AddReserved []string
	// FilterChars are dropped from literal text.
	FilterChars string
}

// Convert renders the string for a query dialect: wildcards become the
// dialect's wildcard tokens, special literal characters are escaped.
func (s Str) Convert(opts ConvertOptions) (string, error) {
	var b strings.Builder
	for _, p := range s.Parts() {
		if p.IsWildcard() {
			token := opts.WildcardMulti
			if p.Wildcard == WildcardSingle {
				token = opts.WildcardSingle
			}
			if token == "" {
				return "", &ValueError{Value: s.Pattern, Reason: fmt.Sprintf("wildcard %q not supported by dialect", p.Wildcard)}
			}
			b.WriteString(token)
			continue
		}
		b.WriteString(convertLiteral(p.Text, opts))
	}
	return b.String(), nil
}

func convertLiteral(text string, opts ConvertOptions) string {
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		c := text[i]
		if strings.IndexByte(opts.FilterChars, c) >= 0 {
			continue
		}
		if (opts.EscapeChar != "" && string(c) == opts.EscapeChar) || strings.IndexByte(opts.AddEscaped, c) >= 0 {
			b.WriteString(opts.EscapeChar)
		}
		b.WriteByte(c)
	}
	out := b.String()
	for _, word := range opts.AddReserved {
		if word == "" || opts.EscapeChar == "" {
			continue
		}
		out = strings.ReplaceAll(out, word, opts.EscapeChar+word)
	}
	return out
}

// Num is an integer or floating point number.
type Num struct {
	Int     int64
	Float   float64
	IsFloat bool
}

// IntNum and FloatNum construct numbers.
func IntNum(i int64) Num     { return Num{Int: i} }
func FloatNum(f float64) Num { return Num{Float: f, IsFloat: true} }

func (n Num) Kind() Kind { return KindNum }
func (n Num) isValue()   {}
func (n Num) String() string {
	if n.IsFloat {
		return strconv.FormatFloat(n.Float, 'f', -1, 64)
	}
	return strconv.FormatInt(n.Int, 10)
}

// Bool is a boolean literal.
type Bool struct {
	V bool
}

func (b Bool) Kind() Kind     { return KindBool }
func (b Bool) String() string { return strconv.FormatBool(b.V) }
func (b Bool) isValue()       {}

// Null matches a field that is absent or empty.
type Null struct{}

func (Null) Kind() Kind     { return KindNull }
func (Null) String() string { return "null" }
func (Null) isValue()       {}

// Regex keeps the pattern exactly as written in the rule. Escaping for a
// target dialect happens at compile time via Escape.
type Regex struct {
	Pattern string
}

func (r Regex) Kind() Kind     { return KindRegex }
func (r Regex) String() string { return r.Pattern }
func (r Regex) isValue()       {}

// Escape prefixes every occurrence of the chars with escapeChar. A character
// that is already preceded by escapeChar is copied verbatim, so escaping an
// escaped pattern yields the same pattern.
func (r Regex) Escape(chars []string, escapeChar string) (string, error) {
	if escapeChar == "" {
		return r.Pattern, nil
	}
	esc := []rune(escapeChar)
	if len(esc) != 1 {
		return "", &RegexEscapeError{Pattern: r.Pattern, Reason: "escape character must be a single character"}
	}

	runes := []rune(r.Pattern)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == esc[0] {
			if i+1 >= len(runes) {
				return "", &RegexEscapeError{Pattern: r.Pattern, Reason: "trailing escape character"}
			}
			b.WriteRune(c)
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		for _, ch := range chars {
			if ch == string(c) {
				b.WriteRune(esc[0])
				break
			}
		}
		b.WriteRune(c)
	}
	return b.String(), nil
}

// Cidr is a network block such as 10.0.0.0/8.
type Cidr struct {
	Block string
}

// NewCidr validates the block.
func NewCidr(block string) (Cidr, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(block))
	if err != nil {
		return Cidr{}, &ValueError{Value: block, Reason: "invalid CIDR block", Err: err}
	}
	return Cidr{Block: prefix.String()}, nil
}

func (c Cidr) Kind() Kind     { return KindCidr }
func (c Cidr) String() string { return c.Block }
func (c Cidr) isValue()       {}

// CompareOp is a numeric comparison operator.
type CompareOp string

const (
	OpLT  CompareOp = "<"
	OpLTE CompareOp = "<="
	OpGT  CompareOp = ">"
	OpGTE CompareOp = ">="
)

// Compare is a numeric comparison produced by the lt/lte/gt/gte modifiers.
type Compare struct {
	Op     CompareOp
	Number Num
}

func (c Compare) Kind() Kind     { return KindCompare }
func (c Compare) String() string { return string(c.Op) + " " + c.Number.String() }
func (c Compare) isValue()       {}

// Expansion is an ordered set of alternative values. It never nests directly
// inside another Expansion.
type Expansion struct {
	Values []Value
}

// NewExpansion flattens nested expansions.
func NewExpansion(values ...Value) Expansion {
	flat := make([]Value, 0, len(values))
	for _, v := range values {
		if inner, ok := v.(Expansion); ok {
			flat = append(flat, NewExpansion(inner.Values...).Values...)
			continue
		}
		flat = append(flat, v)
	}
	return Expansion{Values: flat}
}

func (e Expansion) Kind() Kind { return KindExpansion }
func (e Expansion) isValue()   {}
func (e Expansion) String() string {
	parts := make([]string, len(e.Values))
	for i, v := range e.Values {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// HintKind is the kind used when type-checking a value against a modifier.
// An Expansion checks as its first element.
func HintKind(v Value) Kind {
	if e, ok := v.(Expansion); ok && len(e.Values) > 0 {
		return HintKind(e.Values[0])
	}
	return v.Kind()
}

// Equal compares values structurally.
func Equal(a, b Value) bool {
	return reflect.DeepEqual(a, b)
}

// FromRaw converts a decoded YAML scalar or list into a Value.
func FromRaw(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case string:
		return NewStr(v), nil
	case bool:
		return Bool{V: v}, nil
	case int:
		return IntNum(int64(v)), nil
	case int8:
		return IntNum(int64(v)), nil
	case int16:
		return IntNum(int64(v)), nil
	case int32:
		return IntNum(int64(v)), nil
	case int64:
		return IntNum(v), nil
	case uint:
		return uintNum(uint64(v))
	case uint8:
		return IntNum(int64(v)), nil
	case uint16:
		return IntNum(int64(v)), nil
	case uint32:
		return IntNum(int64(v)), nil
	case uint64:
		return uintNum(v)
	case float32:
		return FloatNum(float64(v)), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ValueError{Value: fmt.Sprint(v), Reason: "number is not finite"}
		}
		return FloatNum(v), nil
	case []any:
		values := make([]Value, 0, len(v))
		for _, item := range v {
			val, err := FromRaw(item)
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
		return NewExpansion(values...), nil
	case []string:
		values := make([]Value, len(v))
		for i, s := range v {
			values[i] = NewStr(s)
		}
		return NewExpansion(values...), nil
	default:
		return nil, &ValueError{Value: fmt.Sprintf("%v", raw), Reason: fmt.Sprintf("unsupported value type %T", raw)}
	}
}

func uintNum(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return nil, &ValueError{Value: strconv.FormatUint(u, 10), Reason: "integer out of range"}
	}
	return IntNum(int64(u)), nil
}
