// Package cmd provides the sigmac command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"sigmac/bootstrap"
	"sigmac/config"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags shared by all commands
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

// Output formats accepted by --format.
const (
	formatText    = "text"
	formatJSON    = "json"
	formatMsgpack = "msgpack"
)

const spinnerDelay = 100 * time.Millisecond

// NewRootCmd creates the sigmac command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sigmac",
		Short: "Compile Sigma detection rules into OpenSearch queries",
		Long: `sigmac compiles Sigma detection rules into OpenSearch query-string filters
and bucket-level aggregation triggers.

Rules are read from YAML files or directories. Configuration is read from
sigmac.yaml (or --config) and SIGMAC_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./sigmac.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newCompileCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newFieldsCmd())
	rootCmd.AddCommand(newMapFieldCmd())

	return rootCmd
}

// environment is what every command needs before it can do work.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func (e *environment) close() {
	_ = e.logger.Sync()
}

// initEnvironment loads the configuration and builds a logger writing to
// the command's stderr.
func initEnvironment(cmd *cobra.Command) (*environment, error) {
	cfg, err := bootstrap.InitConfig(configFile, zap.NewNop().Sugar())
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if quiet {
		level = "error"
	}
	logger, sugar, err := bootstrap.InitLogger(level, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &environment{cfg: cfg, logger: logger, sugar: sugar}, nil
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// outputAsMsgpack writes data as a single msgpack document.
func outputAsMsgpack(w io.Writer, data interface{}) error {
	return msgpack.NewEncoder(w).Encode(data)
}
