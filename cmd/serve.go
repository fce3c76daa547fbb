package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/habittribe/tribe/hub"
	"github.com/habittribe/tribe/logging"
)

const hubLogFile = "hub.log"

var (
	hubConfigPath string
	serveHost     string
	servePort     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development hub",
	Long: `Run a local HabitTribe hub: the REST API under /api/ and the notification
hub at /hubs/notifications.

The hub configuration is YAML; a missing file is created with defaults and a
generated signing secret. Accounts registered with an email listed in
admin_emails get the Admin role. The log is archived to a tar.gz on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := hub.NewConfig(hubConfigPath)
		if err := cfg.Load(); err != nil {
			return fmt.Errorf("load hub config: %w", err)
		}
		if cmd.Flags().Changed("host") {
			cfg.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}

		level, format := "info", "text"
		if logLevel != "" {
			level = logLevel
		}
		if logFormat != "" {
			format = logFormat
		}
		logFile, err := logging.OpenFile(cfg.LogDir, hubLogFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger, err := logging.Setup(logging.Options{
			Level:  level,
			Format: format,
			Output: io.MultiWriter(cmd.ErrOrStderr(), logFile),
		})
		if err != nil {
			logFile.Close()
			return err
		}
		defer func() {
			logFile.Close()
			target, err := logging.Archive(cfg.LogDir, hubLogFile, time.Now())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Failed to archive log: %v\n", err)
			} else if target != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Log archived to %s\n", target)
			}
		}()

		store, err := hub.OpenStore(cfg.Database)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return hub.NewServer(cfg, store, logger).ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&hubConfigPath, "hub-config", "hub.yaml", "Path to the hub configuration file")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host, overrides the hub config")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Listen port, overrides the hub config")
	rootCmd.AddCommand(serveCmd)
}
