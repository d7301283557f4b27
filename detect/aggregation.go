package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// Aggregation functions
const (
	AggCount = "count"
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
)

// AggregationAllFields is the target of count(*) and count().
const AggregationAllFields = "*"

var aggregationFunctions = map[string]bool{
	AggCount: true,
	AggSum:   true,
	AggMin:   true,
	AggMax:   true,
	AggAvg:   true,
}

var aggregationComparators = map[string]bool{
	">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true,
}

// AggregationSpec is a parsed "fn(field) [by group] cmp threshold" clause.
type AggregationSpec struct {
	Function     string
	TargetField  string
	GroupByField string
	Comparator   string
	Threshold    Num
}

// IsGroupless reports whether the aggregation has no by-clause.
func (a *AggregationSpec) IsGroupless() bool { return a.GroupByField == "" }

// CountsEverything reports whether this is count(*) without a group.
func (a *AggregationSpec) CountsEverything() bool {
	return a.Function == AggCount && a.TargetField == AggregationAllFields && a.IsGroupless()
}

var aggregationPattern = regexp.MustCompile(
	`^\s*([A-Za-z]+)\s*\(\s*([^()\s]*)\s*\)` + // function and target
		`(?:\s+by\s+([^\s<>=!]+))?` + // optional group-by
		`\s*(>=|<=|==|!=|>|<)` + // comparator
		`\s*(-?\d+(?:\.\d+)?)\s*$`) // threshold

// ParseAggregation parses the part of a condition after '|'.
func ParseAggregation(clause string) (*AggregationSpec, error) {
	m := aggregationPattern.FindStringSubmatch(clause)
	if m == nil {
		return nil, &AggregationError{Clause: clause, Reason: "expected '<function>(<field>) [by <field>] <comparator> <number>'"}
	}

	fn := strings.ToLower(m[1])
	if !aggregationFunctions[fn] {
		return nil, &AggregationError{Clause: clause, Function: fn, Reason: "is not supported"}
	}
	if !aggregationComparators[m[4]] {
		return nil, &AggregationError{Clause: clause, Reason: "unsupported comparator " + m[4]}
	}

	target := m[2]
	if target == "" {
		target = AggregationAllFields
	}
	if fn != AggCount && target == AggregationAllFields {
		return nil, &AggregationError{Clause: clause, Function: fn, Reason: "requires a field"}
	}

	threshold, err := parseThreshold(m[5])
	if err != nil {
		return nil, &AggregationError{Clause: clause, Reason: "invalid threshold " + m[5]}
	}

	return &AggregationSpec{
		Function:     fn,
		TargetField:  target,
		GroupByField: m[3],
		Comparator:   m[4],
		Threshold:    threshold,
	}, nil
}

func parseThreshold(s string) (Num, error) {
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		return FloatNum(f), err
	}
	i, err := strconv.ParseInt(s, 10, 64)
	return IntNum(i), err
}
