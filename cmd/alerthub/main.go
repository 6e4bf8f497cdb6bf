package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"alerthub/internal/app"
	"alerthub/internal/clock"
	"alerthub/internal/config"
	"alerthub/internal/metrics"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Set by -ldflags at build time.
var version = "dev"

var (
	configFile string
	configDir  string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "alerthub",
	Short:         "Alert webhook ingestion, lifecycle tracking, and notification routing",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and dispatch pipeline",
	RunE:  runServe,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate configuration, then exit",
	RunE:  runCheckConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "alerthub %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "path to one TOML config file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "path to directory with TOML config fragments")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config expansion (missing file is ignored)")
	rootCmd.AddCommand(serveCmd, checkConfigCmd, versionCmd)
}

// main dispatches CLI subcommands.
// Params: process args.
// Returns: exit code 2 for config errors, 1 for runtime errors.
func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// loadSource reads dotenv and resolves config source from flags.
func loadSource() (config.ConfigSource, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.ConfigSource{}, configError{fmt.Errorf("load env file %q: %w", envFile, err)}
		}
	}
	source, err := config.FromCLI(configFile, configDir)
	if err != nil {
		return config.ConfigSource{}, configError{err}
	}
	return source, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	source, err := loadSource()
	if err != nil {
		return err
	}
	metrics.SetBuildInfo(version)
	service, err := app.NewService(cmd.Context(), source, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	if err := service.Run(cmd.Context()); err != nil {
		return fmt.Errorf("service run failed: %w", err)
	}
	return nil
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	source, err := loadSource()
	if err != nil {
		return err
	}
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return configError{err}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config ok: mode=%s store=%s rules=%d silences=%d\n",
		cfg.Service.Mode, cfg.Store.Backend, len(cfg.Rule), len(cfg.Silence))
	return nil
}
