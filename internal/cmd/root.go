// Package cmd implements the casesweep command-line interface.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/caseops/casesweep/internal/observability"
)

// versionInfo holds build-time version metadata, set via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "casesweep",
	Short: "Remote discovery-job orchestrator",
	Long: `casesweep provisions a case-scoped discovery search on a remote
compliance service, binds external data sources to it, triggers the
statistics-estimation job, waits for it to finish, and writes run artifacts.

Configuration comes from a run manifest (YAML or JSON); credentials come
from the environment. See 'casesweep run --help' to get started.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(
			viper.GetString("logging.level"),
			viper.GetString("logging.profile") == "structured",
		)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig wires environment variables into viper.
// CASESWEEP_LOGGING_LEVEL=debug maps to logging.level, and so on.
func initConfig() {
	viper.SetEnvPrefix("CASESWEEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()
}

// setDefaults registers default values for tool-level settings.
func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "console")
}

// Execute runs the root command and exits the process with the code carried
// by the returned error, if any.
func Execute() {
	rootCmd.Version = versionInfo.Version
	rootCmd.SetVersionTemplate(
		"casesweep {{.Version}} (commit " + versionInfo.Commit + ", built " + versionInfo.BuildDate + ")\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err != nil {
		observability.CLILogger.Error("command failed", zap.Error(err))
		_ = observability.CLILogger.Sync()
		os.Exit(exitCodeFor(err))
	}
}
