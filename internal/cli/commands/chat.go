package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/tavern-chat/internal/cli/ui"
	"github.com/zhouzirui/tavern-chat/internal/client/api"
	"github.com/zhouzirui/tavern-chat/internal/client/history"
	"github.com/zhouzirui/tavern-chat/internal/client/reconciler"
	"github.com/zhouzirui/tavern-chat/internal/client/stream"
	"github.com/zhouzirui/tavern-chat/internal/config"
)

var chatSession int64

// chatCmd is the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "start an interactive conversation",
	Long: `Start an interactive conversation. Replies stream in as they are generated.

The last conversation is resumed unless --session or /new says otherwise.
Type /help for the list of commands. Ctrl-C stops a reply in progress and
exits when nothing is being generated.`,
	Example: `  $ tavern-chat chat
  $ tavern-chat chat --session 12`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().Int64VarP(&chatSession, "session", "s", 0, "conversation to continue")
	chatCmd.SilenceUsage = true
}

func runChat(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	state, err := config.LoadState(e.cfg.StatePath)
	if err != nil {
		ui.PrintWarning("ignoring saved state: %v", err)
	}
	active := state.ActiveSessionID
	if chatSession > 0 {
		active = chatSession
	}

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	controller := stream.NewController(e.client,
		stream.WithNonStreamingAttachments(e.cfg.NonStreamingAttachments),
		stream.WithBaseContext(ctx),
	)
	var r *repl
	rec := reconciler.New(reconciler.Options{
		API:           e.client,
		Streams:       controller,
		History:       e.cache,
		Notifier:      reconciler.NotifierFunc(func(n reconciler.Notification) { r.notify(n) }),
		ActiveSession: active,
	})
	defer rec.Close()
	r = newREPL(rec, os.Stdout, e.cfg.PageSize)

	ui.PrintBold("tavern chat %s, connected to %s", version, e.cfg.BaseURL)
	ui.PrintInfo("type /help for commands")
	if active != 0 {
		if err := r.history(ctx); err != nil {
			return err
		}
	}
	ui.Prompt()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := readLines(os.Stdin)
	changes, unsubscribe := rec.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchChanges(gctx, e.client, e.cache)
		return nil
	})
	g.Go(func() error {
		return r.render(gctx, changes)
	})
	g.Go(func() error {
		defer stop()
		return inputLoop(gctx, r, lines, interrupts)
	})
	err = g.Wait()

	if id, _ := rec.ActiveSession(); id != state.ActiveSessionID || chatSession > 0 {
		if saveErr := config.SaveState(e.cfg.StatePath, config.ClientState{ActiveSessionID: id}); saveErr != nil {
			slog.Warn("failed to save client state", "error", saveErr)
		}
	}
	return err
}

func inputLoop(ctx context.Context, r *repl, lines <-chan string, interrupts <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			if errors.Is(r.interrupt(), errQuit) {
				fmt.Println()
				return nil
			}
			fmt.Println()
			ui.Prompt()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, line); errors.Is(err, errQuit) {
				return nil
			} else if err != nil {
				return err
			}
			if !r.rec.IsStreaming() {
				ui.Prompt()
			}
		}
	}
}

// readLines feeds stdin lines to a channel that closes at EOF. The reader
// goroutine outlives the command when stdin stays open, which only happens at
// process exit.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// watchChanges keeps the history cache in step with the server change feed,
// reconnecting with backoff until ctx ends.
func watchChanges(ctx context.Context, client *api.Client, cache *history.Cache) {
	backoff := time.Second
	for {
		start := time.Now()
		err := client.WatchEvents(ctx, cache.ApplyEvent)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		slog.Debug("change feed disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}
