package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-chat/internal/cli/ui"
	"github.com/zhouzirui/tavern-chat/internal/client/api"
	"github.com/zhouzirui/tavern-chat/internal/config"
	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

var sessionsPage int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "list conversations",
	Example: `  $ tavern-chat sessions
  $ tavern-chat sessions --page 2`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "delete a conversation and all of its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRm,
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var rmMessageCmd = &cobra.Command{
	Use:   "rm-message <message-id>",
	Short: "delete one message",
	Args:  cobra.ExactArgs(1),
	RunE:  runRmMessage,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsPage, "page", "p", 1, "page to show")
	sessionsCmd.AddCommand(sessionsRmCmd)

	for _, cmd := range []*cobra.Command{sessionsCmd, sessionsRmCmd, historyCmd, rmMessageCmd} {
		cmd.SilenceUsage = true
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	page, err := e.cache.Sessions(ctx, sessionsPage, e.cfg.PageSize)
	if err != nil {
		ui.PrintError("failed to list conversations: %v", err)
		return fmt.Errorf("list operation failed")
	}

	state, _ := config.LoadState(e.cfg.StatePath)
	ui.RenderSessions(os.Stdout, page, state.ActiveSessionID)
	return nil
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	e, err := loadEnv()
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := e.client.DeleteSession(ctx, id); err != nil {
		if api.IsNotFound(err) {
			ui.PrintError("conversation %d does not exist", id)
		} else {
			ui.PrintError("failed to delete conversation: %v", err)
		}
		return fmt.Errorf("delete operation failed")
	}

	if state, err := config.LoadState(e.cfg.StatePath); err == nil && state.ActiveSessionID == id {
		if err := config.SaveState(e.cfg.StatePath, config.ClientState{}); err != nil {
			ui.PrintWarning("failed to clear active conversation: %v", err)
		}
	}
	ui.PrintSuccess("conversation %d deleted", id)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	e, err := loadEnv()
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	messages, err := e.cache.Messages(ctx, id)
	if err != nil {
		if api.IsNotFound(err) {
			ui.PrintError("conversation %d does not exist", id)
		} else {
			ui.PrintError("failed to load messages: %v", err)
		}
		return fmt.Errorf("history operation failed")
	}

	ui.RenderTranscript(os.Stdout, messages)
	return nil
}

func runRmMessage(cmd *cobra.Command, args []string) error {
	if chat.IsTemporaryID(args[0]) {
		ui.PrintError("message %s has not been saved yet", args[0])
		return fmt.Errorf("invalid message id")
	}
	id, err := parseID(args[0])
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	e, err := loadEnv()
	if err != nil {
		ui.PrintError("%v", err)
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := e.client.DeleteMessage(ctx, id); err != nil {
		if api.IsNotFound(err) {
			ui.PrintError("message %d does not exist", id)
		} else {
			ui.PrintError("failed to delete message: %v", err)
		}
		return fmt.Errorf("delete operation failed")
	}
	ui.PrintSuccess("message %d deleted", id)
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
