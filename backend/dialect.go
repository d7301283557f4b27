// Package backend compiles Sigma detections into a target query language and
// the aggregation artifacts needed for bucket-level alerting.
package backend

import "sigmac/detect"

// Dialect describes the surface syntax of a target query language. Format
// templates use fmt verbs in the order documented on each field.
type Dialect struct {
	TokenSeparator string
	OrToken        string
	AndToken       string
	NotToken       string
	// EqToken follows the field name of an equality: <field><eq> <value>
	EqToken string

	EscapeChar     string
	WildcardMulti  string
	WildcardSingle string
	// AddEscaped characters are prefixed with EscapeChar in string values.
	AddEscaped string
	// AddReserved words are prefixed with EscapeChar in string values.
	AddReserved []string
	// FilterChars are removed from string values.
	FilterChars string

	// StrQuote wraps plain strings, ReQuote wraps strings with wildcards.
	StrQuote string
	ReQuote  string
	// ReEscape characters are prefixed with ReEscapeChar inside regexes.
	ReEscape     []string
	ReEscapeChar string

	// FieldSeparatorReplacement replaces '.' in final field names; empty keeps dots.
	FieldSeparatorReplacement string

	GroupExpression           string // (%s) expression
	ReExpression              string // field, regex
	CidrExpression            string // field, block
	FieldNullExpression       string // field
	UnboundValueStrExpression string // field, value
	UnboundValueNumExpression string // field, value
	UnboundWildcardExpression string // field, value
	UnboundReExpression       string // field, regex
	CompareOpExpression       string // field, operator, number
	CompareOperators          map[detect.CompareOp]string

	// Aggregations
	AggregationName     string
	AggQuery            string // name, group field, metric name, function, metric field
	AggCountQuery       string // name, group field
	BucketTriggerQuery  string // path key, path value, parent, param, comparator, threshold
	BucketTriggerScript string // param, comparator, threshold
}

// Synthetic fields and aliases used by the aggregation templates.
const (
	IndexField = "_index"
	CountAlias = "_cnt"
)

// DefaultDialect is the OpenSearch query-string dialect.
func DefaultDialect() Dialect {
	return Dialect{
		TokenSeparator: " ",
		OrToken:        "OR",
		AndToken:       "AND",
		NotToken:       "NOT",
		EqToken:        ":",

		EscapeChar:     `\`,
		WildcardMulti:  "*",
		WildcardSingle: "?",
		AddEscaped:     `/:\+-=><!(){}[]^"~*?`,
		AddReserved:    []string{"&&", "||"},

		StrQuote:     `"`,
		ReQuote:      "",
		ReEscape:     []string{`"`},
		ReEscapeChar: `\`,

		FieldSeparatorReplacement: "_",

		GroupExpression:           "(%s)",
		ReExpression:              "%s: /%s/",
		CidrExpression:            `%s: "%s"`,
		FieldNullExpression:       "%s: null",
		UnboundValueStrExpression: `%s: "%s"`,
		UnboundValueNumExpression: "%s: %s",
		UnboundWildcardExpression: "%s: %s",
		UnboundReExpression:       "%s: /%s/",
		CompareOpExpression:       `"%s" "%s" %s`,
		CompareOperators: map[detect.CompareOp]string{
			detect.OpLT:  "lt",
			detect.OpLTE: "lte",
			detect.OpGT:  "gt",
			detect.OpGTE: "gte",
		},

		AggregationName:     "result_agg",
		AggQuery:            `"aggs":{"%s":{"terms":{"field":"%s"},"aggs":{"%s":{"%s":{"field":"%s"}}}}}`,
		AggCountQuery:       `"aggs":{"%s":{"terms":{"field":"%s"}}}`,
		BucketTriggerQuery:  `{"buckets_path":{"%s":"%s"},"parent_bucket_path":"%s","script":{"source":"params.%s %s %s","lang":"painless"}}`,
		BucketTriggerScript: "params.%s %s %s",
	}
}

// joiner returns the separator between operands of a binary operator.
func (d Dialect) joiner(token string) string {
	if d.TokenSeparator == token {
		return token
	}
	return d.TokenSeparator + token + d.TokenSeparator
}

func (d Dialect) convertOptions() detect.ConvertOptions {
	return detect.ConvertOptions{
		EscapeChar:     d.EscapeChar,
		WildcardMulti:  d.WildcardMulti,
		WildcardSingle: d.WildcardSingle,
		AddEscaped:     d.AddEscaped,
		AddReserved:    d.AddReserved,
		FilterChars:    d.FilterChars,
	}
}
