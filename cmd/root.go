package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/habittribe/tribe/config"
	"github.com/habittribe/tribe/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	profile    string
	version    string = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "habittribe",
	Short: "HabitTribe client and development hub",
	Long: `HabitTribe keeps you in step with your habit groups.

The client logs in against the HabitTribe API and follows your groups over a
live notification channel: new posts, edits, removals and comments arrive as
they happen.

Quick Start:
  habittribe serve                       # run a local development hub
  habittribe tui                         # interactive client
  habittribe watch --email me@x.io \
      --password secret1                 # print notifications as JSON lines`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Validate(logLevel)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "habittribe.yaml", "Path to the client configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level ("+logging.LevelNames()+"), overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json), overrides the config file")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Persist the session in the named profile instead of memory")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("profile") {
		cfg.Profile = profile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	return logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
}
