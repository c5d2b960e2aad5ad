package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/zhouzirui/tavern-chat/internal/cli/commands"
	"github.com/zhouzirui/tavern-chat/internal/cli/ui"
)

func main() {
	if err := commands.Execute(); err != nil {
		if strings.Contains(err.Error(), "unknown command") {
			ui.PrintError("%s", err)
			fmt.Println("\nRun 'tavern-chat --help' for usage.")
		}
		os.Exit(1)
	}
}
