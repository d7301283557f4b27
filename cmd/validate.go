package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sigmac/bootstrap"
	"sigmac/sigma"
)

// ValidationResult is the outcome of validating one rule file.
type ValidationResult struct {
	FilePath string   `json:"file_path"`
	RuleID   string   `json:"rule_id,omitempty"`
	Title    string   `json:"title,omitempty"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// newValidateCmd creates the 'validate' subcommand
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Validate Sigma rules",
		Long: `Validate Sigma rules against the rule schema and compile them in strict mode.

A rule is valid when it loads, passes schema validation and every condition
compiles without errors. Warnings (such as risky regular expressions) do not
make a rule invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEnvironment(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			// Validation always compiles strictly and without the cache.
			env.cfg.Compiler.CollectErrors = false
			env.cfg.Compiler.CacheSize = 0

			rules, loadErrs, err := sigma.NewParser(env.sugar).ParsePaths(args)
			if err != nil {
				return err
			}
			components, err := bootstrap.InitCompiler(env.cfg, env.sugar)
			if err != nil {
				return err
			}

			results := validateRules(sigma.NewConverter(components.Compiler()), rules, loadErrs)

			if outputJSON {
				if err := outputAsJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				renderValidationResults(cmd.OutOrStdout(), results)
			}

			invalid := 0
			for _, r := range results {
				if !r.Valid {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d rules are invalid", invalid, len(results))
			}
			return nil
		},
	}

	return cmd
}

func validateRules(converter *sigma.Converter, rules []*sigma.Rule, loadErrs []error) []ValidationResult {
	results := make([]ValidationResult, 0, len(rules)+len(loadErrs))
	for _, err := range loadErrs {
		result := ValidationResult{Errors: []string{err.Error()}}
		var loadErr *sigma.LoadError
		if errors.As(err, &loadErr) {
			result.FilePath = loadErr.Path
			result.Errors = []string{loadErr.Err.Error()}
		}
		results = append(results, result)
	}

	for _, rule := range rules {
		result := ValidationResult{
			FilePath: rule.FilePath,
			RuleID:   rule.ID,
			Title:    rule.Title,
			Valid:    true,
		}
		conversions, err := converter.Convert(rule)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, err.Error())
		}
		for _, c := range conversions {
			result.Warnings = append(result.Warnings, c.Compiled.Warnings...)
		}
		results = append(results, result)
	}
	return results
}
