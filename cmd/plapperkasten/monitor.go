package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/plapperkasten/internal/tui"
)

func newMonitorCmd(g *globals) *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a running supervisor through its local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiURL == "" {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				apiURL = listenURL(cfg.GetStr("core.api.listen", "127.0.0.1:7420"))
			}
			p := tea.NewProgram(tui.NewMonitor(apiURL), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("running monitor: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "", "API base URL (default: from core.api.listen)")
	return cmd
}

// listenURL turns a listen address into a URL a client can dial.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	listen = strings.Replace(listen, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + listen
}
