package main

import (
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/workfarm/internal/tui/watch"
)

const apiKeyEnv = "WORKFARM_API_KEY"

func newWatchCmd() *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of workers and events from a running server",
		Long: `watch connects to the control API of a running "workfarm serve".

Keybindings:
  q, Ctrl+C   quit
  ↑/↓, k/j    select worker
  x           kill the selected worker`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiKey == "" {
				return errors.New("API key required: use --api-key or " + apiKeyEnv)
			}
			if _, err := tea.NewProgram(watch.New(apiURL, apiKey)).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8080", "control API URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv(apiKeyEnv), "API bearer token")
	return cmd
}
