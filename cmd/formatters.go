package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"sigmac/backend"
	"sigmac/metrics"
	"sigmac/sigma"
)

// renderConversions displays compiled rules
func renderConversions(w io.Writer, conversions []*sigma.Conversion) {
	if len(conversions) == 0 {
		warningColor.Fprintln(w, "No rules compiled")
		return
	}

	for i, c := range conversions {
		if i > 0 {
			fmt.Fprintln(w)
		}
		headerColor.Fprintf(w, "%s (%s)\n", c.Title, c.RuleID)
		printField(w, "Severity", c.Severity)
		printField(w, "Logsource", formatLogsource(c.Logsource))
		if len(c.MitreTechniques) > 0 {
			printField(w, "Techniques", strings.Join(c.MitreTechniques, ", "))
		}
		printField(w, "Query", c.Compiled.FilterQuery)

		if agg := c.Compiled.Aggregation; agg != nil {
			printField(w, "Aggregation", agg.AggQuery)
			printField(w, "Trigger", agg.TriggerScript)
		}
		for _, msg := range c.Errors {
			warningColor.Fprintf(w, "  ⚠ dropped: %s\n", msg)
		}
		for _, msg := range c.Compiled.Warnings {
			warningColor.Fprintf(w, "  ⚠ %s\n", msg)
		}
	}
}

// renderFailures prints load and compile errors
func renderFailures(w io.Writer, failures []error) {
	for _, err := range failures {
		var loadErr *sigma.LoadError
		if errors.As(err, &loadErr) {
			errorColor.Fprintf(w, "✗ %s: %v\n", loadErr.Path, loadErr.Err)
			continue
		}
		errorColor.Fprintf(w, "✗ %v\n", err)
	}
}

// renderValidationResults displays one line per validated rule
func renderValidationResults(w io.Writer, results []ValidationResult) {
	valid := 0
	for _, r := range results {
		name := r.FilePath
		if name == "" {
			name = r.RuleID
		}
		if r.Valid {
			valid++
			successColor.Fprintf(w, "✓ %s\n", name)
		} else {
			errorColor.Fprintf(w, "✗ %s\n", name)
		}
		for _, msg := range r.Errors {
			fmt.Fprintf(w, "    %s\n", msg)
		}
		for _, msg := range r.Warnings {
			warningColor.Fprintf(w, "    ⚠ %s\n", msg)
		}
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))
	infoColor.Fprintf(w, "%d valid, %d invalid\n", valid, len(results)-valid)
}

// renderFieldsTable displays referenced fields
func renderFieldsTable(w io.Writer, reports []FieldReport) {
	if len(reports) == 0 {
		warningColor.Fprintln(w, "No fields referenced")
		return
	}

	headerColor.Fprintln(w, "FIELDS")
	headerColor.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%-40s %-10s %-15s %s\n", "Field", "Type", "Analyzer", "Rules")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, r := range reports {
		name := r.Name
		if r.Conflict {
			name = warningColor.Sprint(name + " (!)")
		}
		fmt.Fprintf(w, "%-40s %-10s %-15s %d\n", name, r.Type.Type, r.Type.Analyzer, len(r.Rules))
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

// renderFieldMappings displays resolved field names
func renderFieldMappings(w io.Writer, ls backend.Logsource, mappings []FieldMappingResult) {
	printSection(w, "Logsource "+formatLogsource(ls))
	for _, m := range mappings {
		fmt.Fprintf(w, "  %-30s -> %-30s (%s)\n", m.Field, m.QueryField, m.Source)
	}
}

// renderStats prints the compiler metrics
func renderStats(w io.Writer, samples []metrics.Sample) {
	printSection(w, "Compiler metrics")
	for _, s := range samples {
		fmt.Fprintf(w, "  %-70s %g\n", s.Key(), s.Value)
	}
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-14s %s\n", key+":", value)
}

func formatLogsource(ls backend.Logsource) string {
	var parts []string
	for _, kv := range [][2]string{{"product", ls.Product}, {"category", ls.Category}, {"service", ls.Service}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}
