package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/creatorsync/client/internal/config"
	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/models"
	"github.com/creatorsync/client/internal/progress"
	"github.com/creatorsync/client/internal/store"
	"github.com/creatorsync/client/internal/transcript"
	"github.com/creatorsync/client/internal/upload"
)

// Run executes the CreatorSync command line with args.
func Run(ctx context.Context, args []string) error {
	r := &runner{
		loadConfig: config.Load,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	return r.execute(ctx, args)
}

type runner struct {
	loadConfig func() (config.Config, error)
	transport  http.RoundTripper
	stdout     io.Writer
	stderr     io.Writer

	deps    dependencies
	cleanup func() error
}

func (r *runner) execute(ctx context.Context, args []string) error {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	err := root.ExecuteContext(ctx)
	if cerr := r.teardown(); err == nil {
		err = cerr
	}
	return err
}

func (r *runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "creatorsync",
		Short:         "CreatorSync client: chats, video requests and upload progress",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.setup(cmd)
		},
	}

	root.AddCommand(
		r.whoamiCommand(),
		r.chatsCommand(),
		r.addEditorCommand(),
		r.deleteChatCommand(),
		r.historyCommand(),
		r.sendCommand(),
		r.uploadCommand(),
		r.requestCommand(),
		r.approveCommand(),
		r.retryCommand(),
		r.progressCommand(),
		r.exportCommand(),
	)
	return root
}

func (r *runner) setup(cmd *cobra.Command) error {
	// Built-in help and completion commands run without a backend.
	if !cmd.HasParent() || cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Parent().Name() == "completion" {
		return nil
	}
	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(r.stderr, cfg.LogLevel)
	slog.SetDefault(logger)
	cmd.SetContext(logging.WithLogger(cmd.Context(), logger))

	notifier := store.NotifierFunc(func(n store.Notification) {
		fmt.Fprintf(r.stderr, "! %s: %s\n", n.Op, n.Message)
	})
	deps, cleanup, err := buildDependencies(cmd.Context(), cfg, r.transport, notifier)
	if err != nil {
		return err
	}
	r.deps = deps
	r.cleanup = cleanup
	return nil
}

func (r *runner) teardown() error {
	if r.cleanup == nil {
		return nil
	}
	err := r.cleanup()
	r.cleanup = nil
	return err
}

func (r *runner) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := r.deps.Session.User()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s publishing=%t\n", u.Username, u.ID, u.Role, u.PublishingConnected)
			return nil
		},
	}
}

func (r *runner) chatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List your chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, fromCache, err := r.deps.Store.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if fromCache {
				fmt.Fprintln(out, "(offline: showing saved chats)")
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			role := r.deps.Store.Self().Role
			for _, chat := range list {
				last := ""
				if chat.LastMessage != nil {
					last = summary(*chat.LastMessage)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", chat.ID, chat.Counterpart(role), formatTime(chat.UpdatedAt), last)
			}
			return tw.Flush()
		},
	}
}

func (r *runner) addEditorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-editor <editor-id>",
		Short: "Open a chat with an editor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := r.deps.Store.CreateChat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created chat %s with %s\n", chat.ID, chat.Editor.Username)
			return nil
		},
	}
}

func (r *runner) deleteChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-chat <chat-id>",
		Short: "Delete a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := r.deps.Store.Bootstrap(cmd.Context()); err != nil {
				return err
			}
			if err := r.deps.Store.DeleteChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted chat %s\n", args[0])
			return nil
		},
	}
}

func (r *runner) historyCommand() *cobra.Command {
	var older int
	var all bool
	cmd := &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Show a chat's history, newest page first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID := args[0]
			if err := r.openChat(cmd.Context(), chatID); err != nil {
				return err
			}
			if all {
				older = -1
			}
			if err := r.fetchOlder(cmd.Context(), chatID, older); err != nil {
				return err
			}

			s := r.deps.Store
			out := cmd.OutOrStdout()
			if s.Stale(chatID) {
				fmt.Fprintln(out, "(offline: showing saved history)")
			}
			msgs := s.Messages.Messages(chatID)
			fmt.Fprintf(out, "%d of %d messages\n", len(msgs), s.Messages.Total(chatID))
			printMessages(out, msgs)
			return nil
		},
	}
	cmd.Flags().IntVar(&older, "older", 0, "number of older pages to load")
	cmd.Flags().BoolVar(&all, "all", false, "load the whole history")
	return cmd
}

func (r *runner) sendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat-id> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.openChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			msg, err := r.deps.Store.SendText(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.Key())
			return nil
		},
	}
}

func (r *runner) uploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <chat-id> <file>",
		Short: "Send an image or video",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, closeFile, err := upload.Open(args[1])
			if err != nil {
				return err
			}
			defer closeFile()

			if err := r.openChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			msg, err := r.deps.Store.SendMedia(cmd.Context(), args[0], file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s as %s\n", file.Name, msg.Kind)
			return nil
		},
	}
}

func (r *runner) requestCommand() *cobra.Command {
	var title, description, videoPath, thumbnailPath string
	cmd := &cobra.Command{
		Use:   "request <chat-id>",
		Short: "Propose a video for the creator to publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if videoPath == "" {
				return errs.Validationf("--video is required")
			}
			video, closeVideo, err := upload.Open(videoPath)
			if err != nil {
				return err
			}
			defer closeVideo()

			var thumbnail *upload.File
			if thumbnailPath != "" {
				thumb, closeThumb, err := upload.Open(thumbnailPath)
				if err != nil {
					return err
				}
				defer closeThumb()
				thumbnail = &thumb
			}

			if err := r.openChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			msg, err := r.deps.Store.CreateVideoRequest(cmd.Context(), args[0], title, description, video, thumbnail)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested %q (%s)\n", msg.VideoRequest.Title, msg.Key())
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "video title")
	cmd.Flags().StringVar(&description, "description", "", "video description")
	cmd.Flags().StringVar(&videoPath, "video", "", "path of the video file")
	cmd.Flags().StringVar(&thumbnailPath, "thumbnail", "", "path of the thumbnail image")
	return cmd
}

func (r *runner) approveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <chat-id> <request-id>",
		Short: "Approve a pending video request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.loadRequest(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if err := r.deps.Store.ApproveVideoRequest(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", args[1])
			return nil
		},
	}
}

func (r *runner) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <chat-id> <request-id>",
		Short: "Retry a failed video request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.loadRequest(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if err := r.deps.Store.RetryVideoRequest(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retrying %s\n", args[1])
			return nil
		},
	}
}

func (r *runner) progressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <chat-id> <request-id>",
		Short: "Follow the upload progress of a video request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := r.loadRequest(ctx, args[0], args[1]); err != nil {
				return err
			}
			session, err := r.deps.Store.WatchProgress(ctx, args[0], args[1])
			if session == nil {
				return err
			}
			defer session.Close()

			out := cmd.OutOrStdout()
			var last progress.View
			render := func(v progress.View) {
				if v == last {
					return
				}
				last = v
				fmt.Fprintln(out, v)
			}
			render(session.View())
			if err != nil {
				return err
			}

			for {
				select {
				case v, ok := <-session.Updates():
					if !ok {
						return nil
					}
					render(v)
				case <-session.Finished():
					render(session.View())
					printCheckpoints(out, session.View())
					return session.Err()
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func (r *runner) exportCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "export <chat-id>",
		Short: "Export a chat transcript as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			chatID := args[0]
			if err := r.openChat(ctx, chatID); err != nil {
				return err
			}
			if all {
				if err := r.fetchOlder(ctx, chatID, -1); err != nil {
					return err
				}
			}

			chat, msgs, total, ok := r.deps.Store.Snapshot(chatID)
			if !ok {
				return fmt.Errorf("export %s: %w", chatID, errs.ErrUnknownChat)
			}
			if r.deps.Exporter == nil {
				return transcript.Render(cmd.OutOrStdout(), chat, msgs, total, time.Now())
			}
			loc, err := r.deps.Exporter.Export(ctx, chat, msgs, total)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", loc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include the whole history")
	return cmd
}

// openChat lists the chats so chatID is known locally, then loads its history.
func (r *runner) openChat(ctx context.Context, chatID string) error {
	if _, _, err := r.deps.Store.Bootstrap(ctx); err != nil {
		return err
	}
	return r.deps.Store.OpenChat(ctx, chatID)
}

// fetchOlder loads up to pages older pages, or all of them when pages < 0.
func (r *runner) fetchOlder(ctx context.Context, chatID string, pages int) error {
	for i := 0; pages < 0 || i < pages; i++ {
		if !r.deps.Store.Messages.HasOlder(chatID) {
			return nil
		}
		if _, err := r.deps.Store.FetchOlder(ctx, chatID); err != nil {
			return err
		}
	}
	return nil
}

// loadRequest pages back through history until the request is loaded.
func (r *runner) loadRequest(ctx context.Context, chatID, requestID string) error {
	if err := r.openChat(ctx, chatID); err != nil {
		return err
	}
	s := r.deps.Store
	for {
		if _, ok := s.Messages.FindVideoRequest(chatID, requestID); ok {
			return nil
		}
		if !s.Messages.HasOlder(chatID) {
			return fmt.Errorf("video request %s: %w", requestID, errs.ErrNotFound)
		}
		if _, err := s.FetchOlder(ctx, chatID); err != nil {
			return err
		}
	}
}

func printMessages(w io.Writer, msgs []models.Message) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		state := ""
		if m.Delivery != models.DeliverySent && m.Delivery != "" {
			state = string(m.Delivery)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatTime(m.CreatedAt), m.SenderID, m.Key(), summary(m), state)
	}
	_ = tw.Flush()
}

func printCheckpoints(w io.Writer, v progress.View) {
	for _, cp := range v.Checkpoints() {
		mark := " "
		if cp.Reached {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s] %s\n", mark, cp.Name)
	}
}

func summary(m models.Message) string {
	switch m.Kind {
	case models.KindVideoRequest:
		if r := m.VideoRequest; r != nil {
			s := fmt.Sprintf("[request %s] %s (%s, %s)", r.ID, r.Title, r.Status, r.UploadStatus)
			if r.ErrorReason != "" {
				s += ": " + r.ErrorReason
			}
			return s
		}
	case models.KindImage, models.KindVideo:
		return "[" + string(m.Kind) + "]"
	}
	return m.Content
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// ExitCode maps a command error onto a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errs.ErrValidation):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
