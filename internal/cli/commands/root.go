package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-chat/internal/client/api"
	"github.com/zhouzirui/tavern-chat/internal/client/history"
	"github.com/zhouzirui/tavern-chat/internal/config"
	"github.com/zhouzirui/tavern-chat/pkg/logger"
)

const version = "0.1.0"

var configPath string

// rootCmd is the root command
var rootCmd = &cobra.Command{
	Use:     "tavern-chat",
	Short:   "Terminal client for the tavern chat backend",
	Version: version,
	Long: `A terminal client for the tavern chat backend. Replies stream in as they
are generated; conversations are kept on the server and can be listed, read
and deleted from here.`,
	Example: `  # Start an interactive conversation
  $ tavern-chat chat

  # Continue a specific conversation
  $ tavern-chat chat --session 12

  # List and delete conversations
  $ tavern-chat sessions
  $ tavern-chat sessions rm 12`,
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultClientPath(), "client config file")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rmMessageCmd)
}

// env is what every command needs to talk to the backend.
type env struct {
	cfg    config.ClientConfig
	client *api.Client
	cache  *history.Cache
}

func loadEnv() (*env, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Setup(cfg.Log); err != nil {
		return nil, fmt.Errorf("set up logger: %w", err)
	}

	client := api.New(cfg.BaseURL, api.WithToken(cfg.Token))
	return &env{
		cfg:    cfg,
		client: client,
		cache:  history.New(client, history.WithTTL(cfg.CacheTTL)),
	}, nil
}
