package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"sigmac/bootstrap"
	"sigmac/detect"
	"sigmac/metrics"
	"sigmac/sigma"
)

// newCompileCmd creates the 'compile' subcommand
func newCompileCmd() *cobra.Command {
	var (
		format        string
		collectErrors bool
		grammar       string
		workers       int
		showStats     bool
		showProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "compile <file|dir>...",
		Short: "Compile Sigma rules into OpenSearch queries",
		Long: `Compile Sigma rules into OpenSearch query-string filters and aggregation triggers.

Directories are searched recursively for .yml and .yaml files. Rules with more
than one condition produce one query per condition.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				format = formatJSON
			}
			format = strings.ToLower(format)
			switch format {
			case formatText, formatJSON, formatMsgpack:
			default:
				return fmt.Errorf("unsupported output format %q (want text, json or msgpack)", format)
			}

			env, err := initEnvironment(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			if cmd.Flags().Changed("collect-errors") {
				env.cfg.Compiler.CollectErrors = collectErrors
			}
			if cmd.Flags().Changed("grammar") {
				g, err := detect.ParseGrammar(grammar)
				if err != nil {
					return err
				}
				env.cfg.Compiler.ConditionGrammar = string(g)
			}
			if cmd.Flags().Changed("workers") {
				env.cfg.Compiler.Workers = workers
			}

			rules, loadErrs, err := sigma.NewParser(env.sugar).ParsePaths(args)
			if err != nil {
				return err
			}

			components, err := bootstrap.InitCompiler(env.cfg, env.sugar)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(compileContext(cmd), os.Interrupt)
			defer stop()

			var s *spinner.Spinner
			if showProgress && format == formatText && !quiet {
				s = spinner.New(spinner.CharSets[14], spinnerDelay, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = fmt.Sprintf(" Compiling %d rules...", len(rules))
				s.Start()
			}

			conversions, convErrs, err := sigma.NewConverter(components.Compiler()).
				ConvertBatch(ctx, rules, env.cfg.Compiler.Workers)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("compilation interrupted: %w", err)
			}

			out := cmd.OutOrStdout()
			switch format {
			case formatJSON:
				err = outputAsJSON(out, conversions)
			case formatMsgpack:
				err = outputAsMsgpack(out, conversions)
			default:
				renderConversions(out, conversions)
			}
			if err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}

			failures := append(loadErrs, convErrs...)
			renderFailures(cmd.ErrOrStderr(), failures)

			if showStats {
				samples, err := metrics.Snapshot(nil)
				if err != nil {
					return fmt.Errorf("failed to gather metrics: %w", err)
				}
				renderStats(cmd.ErrOrStderr(), samples)
			}

			if len(failures) > 0 {
				return fmt.Errorf("%d rules failed to load or compile", len(failures))
			}
			if !quiet && format == formatText {
				successColor.Fprintf(cmd.ErrOrStderr(), "✓ Compiled %d queries from %d rules\n", len(conversions), len(rules))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatText, "Output format: text, json or msgpack")
	cmd.Flags().BoolVar(&collectErrors, "collect-errors", false, "Drop failing detection items instead of failing the rule")
	cmd.Flags().StringVar(&grammar, "grammar", "", "Condition grammar: token_scan or precedence")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent compiles (0 = GOMAXPROCS)")
	cmd.Flags().BoolVar(&showStats, "stats", false, "Print compiler metrics after compiling")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")

	return cmd
}

// compileContext is the context used when the command has none.
func compileContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
