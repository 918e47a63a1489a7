package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// renderHeader returns a styled header with an optional muted subtitle.
func (t Theme) renderHeader(title, subtitle string, width int) string {
	rows := []string{t.Header.Render(clip(title, width-2, false))}
	if subtitle != "" {
		rows = append(rows, t.Faint.Render(clip(subtitle, width-2, false)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (t Theme) renderHelp(text string) string {
	return t.Help.Render(text)
}
