package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/habittribe/tribe/app"
	"github.com/habittribe/tribe/model"
	"github.com/habittribe/tribe/realtime"
)

var (
	watchEmail    string
	watchPassword string
	watchFor      time.Duration
)

// event is one line of watch output.
type event struct {
	Time  time.Time `json:"time"`
	Event string    `json:"event"`
	Data  any       `json:"data"`
}

// eventWriter serialises JSON lines from concurrent callbacks.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *eventWriter) write(name string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enc.Encode(event{Time: time.Now().UTC(), Event: name, Data: data})
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications as JSON lines",
	Long: `Connect without a user interface and print every notification for the
groups you belong to as one JSON object per line on stdout.

With --email and --password the command logs in first; otherwise it reuses
the session stored in --profile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, cmd.ErrOrStderr())
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
		if watchFor > 0 {
			ctx, cancel = context.WithTimeout(ctx, watchFor)
			defer cancel()
		}

		subscribe(a, cmd.OutOrStdout())
		stop := a.Watch(ctx)
		defer stop()

		if watchEmail != "" {
			if err := a.Login(ctx, watchEmail, watchPassword); err != nil {
				return err
			}
		}
		if !a.Session.Current().Authenticated() {
			logger.Warn("no session; pass --email and --password or a logged in --profile")
		}

		<-ctx.Done()
		return nil
	},
}

func subscribe(a *app.App, out io.Writer) {
	w := &eventWriter{enc: json.NewEncoder(out)}
	rt := a.Realtime
	rt.OnStateChange(func(s realtime.State) { w.write("ConnectionState", s.String()) })
	rt.OnNewPost(func(n model.PostNotification) { w.write(model.EventNewPost, n) })
	rt.OnPostUpdated(func(n model.PostUpdatedNotification) { w.write(model.EventPostUpdated, n) })
	rt.OnPostDeleted(func(n model.PostDeletedNotification) { w.write(model.EventPostDeleted, n) })
	rt.OnNewComment(func(n model.CommentNotification) { w.write(model.EventNewComment, n) })
	a.Session.Messages().Subscribe(func(t model.Toast) { w.write("Toast", t) })
}

func init() {
	watchCmd.Flags().StringVar(&watchEmail, "email", "", "Log in with this email before watching")
	watchCmd.Flags().StringVar(&watchPassword, "password", "", "Password for --email")
	watchCmd.Flags().DurationVar(&watchFor, "for", 0, "Stop after this long (0 runs until interrupted)")
	rootCmd.AddCommand(watchCmd)
}
