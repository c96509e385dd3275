package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"docbatch/internal/app"
)

// tuiCmd starts the interactive terminal frontend
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Start the interactive terminal frontend",
	Long: `Starts the full-screen terminal interface: run merges with a live stage
and event view, and browse the run history database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		model := app.NewAppModel(getConfig(), getHistoryDB())
		p := tea.NewProgram(model, tea.WithAltScreen())
		finalModel, err := p.Run()
		if err != nil {
			return fmt.Errorf("terminal frontend failed: %w", err)
		}
		if m, ok := finalModel.(*app.AppModel); ok && m.Quitting {
			getLogger().Debug("terminal frontend exited")
		}
		return nil
	},
}
