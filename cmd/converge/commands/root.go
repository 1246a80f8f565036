package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// ExitError carries a process exit code other than 1. It is not logged.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// app holds what every command shares once flags and settings are read.
type app struct {
	version   string
	commit    string
	buildDate string

	v          *viper.Viper
	configPath string
	verbose    bool

	settings  *config.Settings
	logger    zerolog.Logger
	logCloser io.Closer
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(&app{
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		v:         config.NewViper(),
		logger:    zerolog.Nop(),
	})
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge files to their declared state",
		Long: `converge reads declarations of files and directories and makes the
system match them: existence, content, ownership, permissions and links.

Features:
  - Manifests in CUE, YAML or Starlark
  - Content drift detection against recorded checksums
  - Recursive management of directory trees from a local or SFTP source
  - Rego policies evaluated before anything changes
  - Prometheus metrics and OpenTelemetry traces`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", a.version, a.commit, a.buildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "settings file (default ./converge.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.Bool("json", false, "log JSON lines instead of console output")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("baseline-backend", "", "baseline backend (file, sqlite, bolt, memory)")
	flags.String("baseline-path", "", "baseline store location")
	flags.String("policy-dir", "", "directory of extra .rego policies")
	flags.Bool("no-policy", false, "skip the policy gate")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	a.bindFlag(rootCmd, "log.json", "json")
	a.bindFlag(rootCmd, "log.level", "log-level")
	a.bindFlag(rootCmd, "baseline.backend", "baseline-backend")
	a.bindFlag(rootCmd, "baseline.path", "baseline-path")
	a.bindFlag(rootCmd, "policy.dir", "policy-dir")
	a.bindFlag(rootCmd, "metrics.addr", "metrics-addr")

	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newApplyCommand(a))
	rootCmd.AddCommand(newBaselineCommand(a))
	rootCmd.AddCommand(newWatchCommand(a))
	rootCmd.AddCommand(newVersionCommand(a))

	return rootCmd
}

// bindFlag binds a persistent flag to a settings key. Unset flags leave the
// file, environment and default values alone.
func (a *app) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := a.v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

// setup reads settings and builds the process logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if noPolicy, _ := cmd.Flags().GetBool("no-policy"); noPolicy {
		a.v.Set("policy.enabled", false)
	}

	settings, err := config.ReadSettings(a.v, a.configPath)
	if err != nil {
		return err
	}
	if a.verbose {
		settings.Log.Level = "debug"
	}
	a.settings = settings

	logger, closer, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: settings.Log.Level,
		JSON:  settings.Log.JSON,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	a.logCloser = closer

	a.logger.Debug().
		Str("command", cmd.Name()).
		Str("baseline_backend", settings.Baseline.Backend).
		Str("config", a.v.ConfigFileUsed()).
		Msg("Settings loaded")
	return nil
}
