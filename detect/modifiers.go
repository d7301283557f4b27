package detect

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"sigmac/metrics"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/encoding/unicode"
)

// Supported Sigma modifiers
const (
	// Wildcard placement
	ModifierContains   = "contains"
	ModifierStartsWith = "startswith"
	ModifierEndsWith   = "endswith"

	// List linking
	ModifierAll = "all"

	// Numeric comparison
	ModifierLessThan           = "lt"
	ModifierLessThanOrEqual    = "lte"
	ModifierGreaterThan        = "gt"
	ModifierGreaterThanOrEqual = "gte"

	// Type conversion
	ModifierRegex = "re"
	ModifierCIDR  = "cidr"

	// Encoding transforms
	ModifierBase64       = "base64"
	ModifierBase64Offset = "base64offset"
	ModifierWide         = "wide"
	ModifierUTF16LE      = "utf16le"
	ModifierUTF16BE      = "utf16be"
	ModifierUTF16        = "utf16"
	ModifierWindash      = "windash"
)

// maxRegexPatternLength bounds patterns accepted by the re modifier.
const maxRegexPatternLength = 10000

// Modifier transforms a value. Apply is only called with a value whose kind
// is listed by Accepts; a nil Accepts list means every kind.
type Modifier interface {
	Name() string
	Accepts() []Kind
	Apply(v Value) (Value, error)
}

// ItemLinker is implemented by modifiers that change how the alternatives of
// a list value are joined.
type ItemLinker interface {
	Linking() Linking
}

// Registry maps modifier names to implementations. Register before sharing a
// registry between goroutines; lookups are read-only afterwards.
type Registry struct {
	modifiers map[string]Modifier
}

// NewRegistry creates a registry holding the given modifiers.
func NewRegistry(mods ...Modifier) *Registry {
	r := &Registry{modifiers: make(map[string]Modifier, len(mods))}
	for _, m := range mods {
		r.Register(m)
	}
	return r
}

// DefaultRegistry returns a fresh registry with every built-in modifier.
func DefaultRegistry() *Registry {
	return NewRegistry(builtinModifiers()...)
}

// Register adds or replaces a modifier.
func (r *Registry) Register(m Modifier) {
	r.modifiers[m.Name()] = m
}

// Lookup resolves a modifier by name.
func (r *Registry) Lookup(name string) (Modifier, bool) {
	m, ok := r.modifiers[name]
	return m, ok
}

// Names lists registered modifier names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modifiers))
	for name := range r.modifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps modifier names to implementations, failing on the first
// unknown name.
func (r *Registry) Resolve(field string, names []string) ([]Modifier, error) {
	mods := make([]Modifier, 0, len(names))
	for _, name := range names {
		m, ok := r.Lookup(name)
		if !ok {
			return nil, &UnknownModifierError{Modifier: name, Field: field}
		}
		mods = append(mods, m)
	}
	return mods, nil
}

func builtinModifiers() []Modifier {
	return []Modifier{
		containsModifier{},
		startsWithModifier{},
		endsWithModifier{},
		allModifier{},
		compareModifier{name: ModifierLessThan, op: OpLT},
		compareModifier{name: ModifierLessThanOrEqual, op: OpLTE},
		compareModifier{name: ModifierGreaterThan, op: OpGT},
		compareModifier{name: ModifierGreaterThanOrEqual, op: OpGTE},
		regexModifier{},
		cidrModifier{},
		base64Modifier{},
		base64OffsetModifier{},
		utf16Modifier{name: ModifierWide, endianness: unicode.LittleEndian},
		utf16Modifier{name: ModifierUTF16LE, endianness: unicode.LittleEndian},
		utf16Modifier{name: ModifierUTF16BE, endianness: unicode.BigEndian},
		utf16Modifier{name: ModifierUTF16, endianness: unicode.LittleEndian, bom: true},
		windashModifier{},
	}
}

// ApplyModifiers folds the modifiers over v from left to right. The kind is
// checked before every step; applying to an Expansion distributes over its
// elements and re-wraps the results.
func ApplyModifiers(v Value, mods []Modifier) (Value, error) {
	for _, m := range mods {
		next, err := applyModifier(m, v)
		if err != nil {
			return nil, err
		}
		metrics.ModifierApplicationsTotal.WithLabelValues(m.Name()).Inc()
		v = next
	}
	return v, nil
}

func applyModifier(m Modifier, v Value) (Value, error) {
	if exp, ok := v.(Expansion); ok && len(exp.Values) == 0 {
		return exp, nil
	}
	if !accepts(m, HintKind(v)) {
		return nil, &ModifierTypeError{Modifier: m.Name(), Actual: HintKind(v), Expected: m.Accepts()}
	}

	exp, ok := v.(Expansion)
	if !ok {
		return m.Apply(v)
	}
	out := make([]Value, 0, len(exp.Values))
	for _, el := range exp.Values {
		r, err := applyModifier(m, el)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return NewExpansion(out...), nil
}

func accepts(m Modifier, k Kind) bool {
	kinds := m.Accepts()
	if kinds == nil {
		return true
	}
	for _, accepted := range kinds {
		if accepted == k {
			return true
		}
	}
	return false
}

var strOnly = []Kind{KindStr}

type containsModifier struct{}

func (containsModifier) Name() string    { return ModifierContains }
func (containsModifier) Accepts() []Kind { return strOnly }
func (containsModifier) Apply(v Value) (Value, error) {
	return v.(Str).WithLeadingWildcard().WithTrailingWildcard(), nil
}

type startsWithModifier struct{}

func (startsWithModifier) Name() string    { return ModifierStartsWith }
func (startsWithModifier) Accepts() []Kind { return strOnly }
func (startsWithModifier) Apply(v Value) (Value, error) {
	return v.(Str).WithTrailingWildcard(), nil
}

type endsWithModifier struct{}

func (endsWithModifier) Name() string    { return ModifierEndsWith }
func (endsWithModifier) Accepts() []Kind { return strOnly }
func (endsWithModifier) Apply(v Value) (Value, error) {
	return v.(Str).WithLeadingWildcard(), nil
}

// allModifier leaves the value alone and switches the item to AND linking.
type allModifier struct{}

func (allModifier) Name() string                 { return ModifierAll }
func (allModifier) Accepts() []Kind              { return nil }
func (allModifier) Apply(v Value) (Value, error) { return v, nil }
func (allModifier) Linking() Linking             { return LinkAnd }

type compareModifier struct {
	name string
	op   CompareOp
}

func (m compareModifier) Name() string    { return m.name }
func (m compareModifier) Accepts() []Kind { return []Kind{KindNum} }
func (m compareModifier) Apply(v Value) (Value, error) {
	return Compare{Op: m.op, Number: v.(Num)}, nil
}

// regexModifier turns the raw rule text into a Regex. The pattern is compiled
// with regexp2 so that PCRE constructs used by Sigma rules are accepted.
type regexModifier struct{}

func (regexModifier) Name() string    { return ModifierRegex }
func (regexModifier) Accepts() []Kind { return strOnly }
func (regexModifier) Apply(v Value) (Value, error) {
	pattern := v.(Str).Pattern
	if len(pattern) > maxRegexPatternLength {
		return nil, &RegexEscapeError{
			Pattern: pattern[:64] + "...",
			Reason:  fmt.Sprintf("pattern longer than %d characters", maxRegexPatternLength),
		}
	}
	if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
		return nil, &RegexEscapeError{Pattern: pattern, Reason: "does not compile", Err: err}
	}
	return Regex{Pattern: pattern}, nil
}

type cidrModifier struct{}

func (cidrModifier) Name() string    { return ModifierCIDR }
func (cidrModifier) Accepts() []Kind { return strOnly }
func (cidrModifier) Apply(v Value) (Value, error) {
	s := v.(Str)
	if s.Wildcards {
		return nil, &ValueError{Value: s.Pattern, Reason: "CIDR block cannot contain wildcards"}
	}
	return NewCidr(s.Literal())
}

func plainText(modifier string, s Str) (string, error) {
	if s.Wildcards {
		return "", &ValueError{Value: s.Pattern, Reason: fmt.Sprintf("modifier '%s' requires a value without wildcards", modifier)}
	}
	return s.Literal(), nil
}

type base64Modifier struct{}

func (base64Modifier) Name() string    { return ModifierBase64 }
func (base64Modifier) Accepts() []Kind { return strOnly }
func (base64Modifier) Apply(v Value) (Value, error) {
	text, err := plainText(ModifierBase64, v.(Str))
	if err != nil {
		return nil, err
	}
	return PlainStr(base64.StdEncoding.EncodeToString([]byte(text))), nil
}

// base64OffsetModifier yields the three encodings of the value as it can
// appear at byte offsets 0, 1 and 2 of a larger base64 payload, with the
// characters that depend on surrounding data removed.
type base64OffsetModifier struct{}

var (
	base64OffsetStart = [3]int{0, 2, 3}
	base64OffsetEnd   = [3]int{0, 3, 2}
)

func (base64OffsetModifier) Name() string    { return ModifierBase64Offset }
func (base64OffsetModifier) Accepts() []Kind { return strOnly }
func (base64OffsetModifier) Apply(v Value) (Value, error) {
	text, err := plainText(ModifierBase64Offset, v.(Str))
	if err != nil {
		return nil, err
	}

	values := make([]Value, 0, 3)
	for i := 0; i < 3; i++ {
		padded := strings.Repeat(" ", i) + text
		encoded := base64.StdEncoding.EncodeToString([]byte(padded))
		end := len(encoded) - base64OffsetEnd[(len(text)+i)%3]
		start := base64OffsetStart[i]
		if start > end {
			start = end
		}
		values = append(values, PlainStr(encoded[start:end]))
	}
	return NewExpansion(values...), nil
}

// utf16Modifier re-encodes the literal parts of a string as UTF-16 code units.
// Wildcards stay in place so contains/startswith still work afterwards.
type utf16Modifier struct {
	name       string
	endianness unicode.Endianness
	bom        bool
}

func (m utf16Modifier) Name() string    { return m.name }
func (m utf16Modifier) Accepts() []Kind { return strOnly }
func (m utf16Modifier) Apply(v Value) (Value, error) {
	encoder := unicode.UTF16(m.endianness, unicode.IgnoreBOM).NewEncoder()

	var encodeErr error
	out := v.(Str).MapLiterals(func(text string) string {
		encoded, err := encoder.String(text)
		if err != nil && encodeErr == nil {
			encodeErr = err
		}
		return encoded
	})
	if encodeErr != nil {
		return nil, &ValueError{Value: v.String(), Reason: "cannot encode as UTF-16", Err: encodeErr}
	}

	if m.bom {
		bom := "\xff\xfe"
		if m.endianness == unicode.BigEndian {
			bom = "\xfe\xff"
		}
		out = Str{Pattern: escapeLiteral(bom) + out.Pattern, Wildcards: out.Wildcards}
	}
	return out, nil
}

// windashVariants are the characters Windows accepts as an option prefix.
var windashVariants = []string{"-", "/", "–", "—", "―"}

// windashModifier expands every option prefix ('-' or '/' at the start of a
// word) into each dash variant.
type windashModifier struct{}

func (windashModifier) Name() string    { return ModifierWindash }
func (windashModifier) Accepts() []Kind { return strOnly }
func (windashModifier) Apply(v Value) (Value, error) {
	s := v.(Str)
	positions := optionPrefixes(s.Pattern)
	if len(positions) == 0 {
		return s, nil
	}

	seen := make(map[string]bool, len(windashVariants))
	values := make([]Value, 0, len(windashVariants))
	for _, dash := range windashVariants {
		var b strings.Builder
		last := 0
		for _, pos := range positions {
			b.WriteString(s.Pattern[last:pos])
			b.WriteString(dash)
			last = pos + 1
		}
		b.WriteString(s.Pattern[last:])

		pattern := b.String()
		if seen[pattern] {
			continue
		}
		seen[pattern] = true
		values = append(values, Str{Pattern: pattern, Wildcards: s.Wildcards})
	}
	return NewExpansion(values...), nil
}

func optionPrefixes(pattern string) []int {
	var positions []int
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '-' && c != '/' {
			continue
		}
		if i > 0 && isWordByte(pattern[i-1]) {
			continue
		}
		if i+1 >= len(pattern) || !isWordByte(pattern[i+1]) {
			continue
		}
		positions = append(positions, i)
	}
	return positions
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
