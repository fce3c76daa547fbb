package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/habittribe/tribe/app"
	"github.com/habittribe/tribe/logging"
	"github.com/habittribe/tribe/tui"
)

const clientLogFile = "habittribe.log"

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Run the interactive client",
	Long: `Run the interactive terminal client.

Log in with /login, list groups with /groups and follow them with /join.
Notifications for followed groups appear in the feed as they arrive. Logs go
to the configured log directory so they do not disturb the screen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logFile, err := logging.OpenFile(cfg.Log.Dir, clientLogFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()
		logger, err := newLogger(cfg, logFile)
		if err != nil {
			return err
		}

		a, err := app.New(cfg, app.Deps{Logger: logger})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stop := a.Watch(ctx)
		defer stop()

		logger.Info("client started", "backend", cfg.APIBase(), "hub", cfg.Hub())
		if err := tui.Run(ctx, a); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
