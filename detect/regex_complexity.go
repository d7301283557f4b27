package detect

import (
	"fmt"
	"strings"
)

// RiskLevel grades how expensive a regular expression may be to evaluate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Complexity limits. MaxRegexLength matches OpenSearch's default
// index.max_regex_length.
const (
	MaxRegexLength  = 1000
	MaxNestingDepth = 3
	MaxAlternations = 50
	MaxRepetition   = 1000
)

// RegexComplexity is the result of AnalyzeRegexComplexity.
type RegexComplexity struct {
	Level             RiskLevel
	Issues            []string
	NestingDepth      int
	NestedQuantifiers bool
}

// Safe reports whether no issue was found.
func (r *RegexComplexity) Safe() bool { return r.Level == RiskLow }

// Summary is a one-line description of the issues.
func (r *RegexComplexity) Summary() string {
	if r.Safe() {
		return string(RiskLow)
	}
	return fmt.Sprintf("%s risk: %s", r.Level, strings.Join(r.Issues, "; "))
}

func (r *RegexComplexity) add(level RiskLevel, format string, args ...any) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	if level == RiskHigh || r.Level == RiskLow {
		r.Level = level
	}
}

type regexGroup struct {
	// quantified is set once anything inside the group carries a quantifier.
	quantified bool
}

// AnalyzeRegexComplexity scans pattern for constructs prone to catastrophic
// backtracking: quantified groups whose contents are themselves quantified,
// stacked quantifiers, huge repetition bounds, deep nesting and long
// alternations. The scan is syntactic; it never compiles the pattern.
func AnalyzeRegexComplexity(pattern string) *RegexComplexity {
	r := &RegexComplexity{Level: RiskLow}
	if len(pattern) > MaxRegexLength {
		r.add(RiskHigh, "pattern length %d exceeds %d", len(pattern), MaxRegexLength)
	}

	var (
		stack        = []*regexGroup{{}}
		closed       *regexGroup
		prevQuant    bool
		alternations int
	)

	for i := 0; i < len(pattern); i++ {
		justClosed, wasQuant := closed, prevQuant
		closed, prevQuant = nil, false

		switch c := pattern[i]; c {
		case '\\':
			i++
		case '[':
			i = skipCharClass(pattern, i)
		case '(':
			stack = append(stack, &regexGroup{})
			if depth := len(stack) - 1; depth > r.NestingDepth {
				r.NestingDepth = depth
			}
			i += groupPrefixLen(pattern, i)
		case ')':
			if len(stack) > 1 {
				closed = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if closed.quantified {
					stack[len(stack)-1].quantified = true
				}
			}
		case '|':
			alternations++
		case '*', '+', '?', '{':
			end := i
			if c == '{' {
				bound, e, ok := parseRepetition(pattern, i)
				if !ok {
					continue
				}
				end = e
				if bound > MaxRepetition {
					r.add(RiskMedium, "repetition bound %d exceeds %d", bound, MaxRepetition)
				}
			}
			prevQuant = true
			if wasQuant {
				// A trailing ? makes the previous quantifier lazy.
				if c != '?' {
					r.add(RiskMedium, "stacked quantifier at offset %d", i)
				}
				i = end
				continue
			}
			if justClosed != nil && justClosed.quantified && !r.NestedQuantifiers {
				r.NestedQuantifiers = true
				r.add(RiskHigh, "nested quantifier at offset %d", i)
			}
			stack[len(stack)-1].quantified = true
			i = end
		}
	}

	if r.NestingDepth > MaxNestingDepth {
		r.add(RiskMedium, "group nesting depth %d exceeds %d", r.NestingDepth, MaxNestingDepth)
	}
	if alternations > MaxAlternations {
		r.add(RiskMedium, "%d alternations exceed %d", alternations, MaxAlternations)
	}
	return r
}

// skipCharClass returns the index of the ']' closing the class opened at i.
func skipCharClass(p string, i int) int {
	j := i + 1
	if j < len(p) && p[j] == '^' {
		j++
	}
	if j < len(p) && p[j] == ']' {
		j++
	}
	for j < len(p) {
		switch p[j] {
		case '\\':
			j += 2
			continue
		case ']':
			return j
		}
		j++
	}
	return len(p) - 1
}

// groupPrefixLen is the length of a "?:", "?=" or "?<name>" style prefix
// following the '(' at i.
func groupPrefixLen(p string, i int) int {
	if i+1 >= len(p) || p[i+1] != '?' {
		return 0
	}
	rest := p[i+2:]
	switch {
	case strings.HasPrefix(rest, "<=") || strings.HasPrefix(rest, "<!"):
		return 3
	case strings.HasPrefix(rest, "P<") || strings.HasPrefix(rest, "<"):
		if end := strings.IndexByte(rest, '>'); end >= 0 {
			return end + 2
		}
		return 1
	case rest != "" && strings.ContainsRune(":=!>", rune(rest[0])):
		return 2
	default:
		// Inline flags such as (?i) or (?i:...).
		if end := strings.IndexAny(rest, ":)"); end >= 0 && rest[end] == ':' {
			return end + 2
		}
		return 1
	}
}

// parseRepetition parses "{n}", "{n,}" or "{n,m}" at i and returns the
// largest explicit bound and the index of '}'. ok is false when the brace
// is a literal.
func parseRepetition(p string, i int) (bound, end int, ok bool) {
	j := i + 1
	n, j, digits := readInt(p, j)
	if !digits {
		return 0, 0, false
	}
	bound = n
	if j < len(p) && p[j] == ',' {
		var m int
		if m, j, digits = readInt(p, j+1); digits && m > bound {
			bound = m
		}
	}
	if j >= len(p) || p[j] != '}' {
		return 0, 0, false
	}
	return bound, j, true
}

func readInt(p string, j int) (int, int, bool) {
	start, n := j, 0
	for j < len(p) && p[j] >= '0' && p[j] <= '9' {
		if n <= MaxRepetition*10 {
			n = n*10 + int(p[j]-'0')
		}
		j++
	}
	return n, j, j > start
}
