package cmd

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"sigmac/backend"
	"sigmac/bootstrap"
	"sigmac/sigma"
)

// FieldReport is one referenced field across a set of rules.
type FieldReport struct {
	Name     string            `json:"name"`
	Type     backend.FieldType `json:"type"`
	Rules    []string          `json:"rules"`
	Conflict bool              `json:"conflict,omitempty"`
}

// newFieldsCmd creates the 'fields' subcommand
func newFieldsCmd() *cobra.Command {
	var asMapping bool

	cmd := &cobra.Command{
		Use:   "fields <file|dir>...",
		Short: "List the index fields referenced by Sigma rules",
		Long: `Compile Sigma rules and list every index field their queries reference,
together with the inferred field type. With --mapping the output is an
OpenSearch mappings document that can be merged into an index template.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEnvironment(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			rules, loadErrs, err := sigma.NewParser(env.sugar).ParsePaths(args)
			if err != nil {
				return err
			}
			components, err := bootstrap.InitCompiler(env.cfg, env.sugar)
			if err != nil {
				return err
			}

			conversions, convErrs, err := sigma.NewConverter(components.Compiler()).
				ConvertBatch(compileContext(cmd), rules, env.cfg.Compiler.Workers)
			if err != nil {
				return err
			}
			renderFailures(cmd.ErrOrStderr(), append(loadErrs, convErrs...))

			reports := collectFields(conversions)
			out := cmd.OutOrStdout()
			switch {
			case asMapping:
				return outputAsJSON(out, fieldMapping(reports))
			case outputJSON:
				return outputAsJSON(out, reports)
			default:
				renderFieldsTable(out, reports)
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&asMapping, "mapping", false, "Output an OpenSearch mappings document")

	return cmd
}

// collectFields merges the referenced fields of all conversions. The first
// type seen for a field wins; later disagreements mark it as a conflict.
func collectFields(conversions []*sigma.Conversion) []FieldReport {
	byName := make(map[string]*FieldReport)
	for _, c := range conversions {
		for name, ft := range c.Compiled.ReferencedFields {
			r, ok := byName[name]
			if !ok {
				r = &FieldReport{Name: name, Type: ft}
				byName[name] = r
			} else if r.Type != ft {
				r.Conflict = true
			}
			r.Rules = append(r.Rules, c.RuleID)
		}
	}

	reports := make([]FieldReport, 0, len(byName))
	for _, r := range byName {
		sort.Strings(r.Rules)
		reports = append(reports, *r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports
}

// fieldMapping renders reports as {"properties": {...}}.
func fieldMapping(reports []FieldReport) map[string]any {
	props := make(map[string]backend.FieldType, len(reports))
	for _, r := range reports {
		props[r.Name] = r.Type
	}
	return map[string]any{"properties": props}
}

// newMapFieldCmd creates the 'map-field' subcommand
func newMapFieldCmd() *cobra.Command {
	var ls backend.Logsource

	cmd := &cobra.Command{
		Use:   "map-field <field>...",
		Short: "Show how Sigma field names map to index fields",
		Long: `Resolve Sigma field names through the configured field mappings for a
logsource and show which mapping was used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEnvironment(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			if !env.cfg.Compiler.EnableFieldMappings {
				warningColor.Fprintln(cmd.ErrOrStderr(), "Field mappings are disabled; fields pass through unchanged")
			}
			components, err := bootstrap.InitCompiler(env.cfg, env.sugar)
			if err != nil {
				return err
			}

			sep := components.Backend.Dialect().FieldSeparatorReplacement
			mappings := make([]FieldMappingResult, 0, len(args))
			for _, field := range args {
				mapped, source := components.FieldMapper.MapFieldWithSource(field, ls)
				query := mapped
				if sep != "" {
					query = strings.ReplaceAll(mapped, ".", sep)
				}
				mappings = append(mappings, FieldMappingResult{Field: field, Mapped: mapped, QueryField: query, Source: source})
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), mappings)
			}
			renderFieldMappings(cmd.OutOrStdout(), ls, mappings)
			return nil
		},
	}

	cmd.Flags().StringVar(&ls.Product, "product", "", "Logsource product")
	cmd.Flags().StringVar(&ls.Category, "category", "", "Logsource category")
	cmd.Flags().StringVar(&ls.Service, "service", "", "Logsource service")

	return cmd
}

// FieldMappingResult is the resolution of one field name.
type FieldMappingResult struct {
	Field  string `json:"field"`
	Mapped string `json:"mapped"`
	// QueryField is the name as it appears in compiled queries.
	QueryField string `json:"query_field"`
	Source     string `json:"source"`
}

