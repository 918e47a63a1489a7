package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/stow/internal/config"
)

const AppName = "stow"

var LogoLines = []string{
	" ▄▄▄▄▄ ▄▄▄▄▄▄  ▄▄▄▄  ▄     ▄",
	"██▀      ██   ██  ██ ██  ▄ ██",
	" ▀▀▀▄▄   ██   ██  ██ ██ ███ ██",
	"     ██  ██   ██  ██ ███████",
	"▄▄▄▄█▀   ██    ▀▀▀▀   ██ ██",
}

const CompactLogo = `stow ›`

// Theme is the set of styles every view renders with. It is built from the
// [ui.colors] section of the config.
type Theme struct {
	Primary lipgloss.Color
	Accent  lipgloss.Color
	Text    lipgloss.Color
	Muted   lipgloss.Color
	Error   lipgloss.Color
	Success lipgloss.Color

	Logo    lipgloss.Style
	Header  lipgloss.Style
	Help    lipgloss.Style
	Faint   lipgloss.Style
	Pending lipgloss.Style
	Active  lipgloss.Style
	Done    lipgloss.Style
	Failed  lipgloss.Style
}

// NewTheme builds styles from configured colors, falling back to the
// defaults for empty values.
func NewTheme(colors config.UIColors) Theme {
	def := config.DefaultConfig().UI.Colors
	pick := func(v, fallback string) lipgloss.Color {
		if v == "" {
			return lipgloss.Color(fallback)
		}
		return lipgloss.Color(v)
	}

	t := Theme{
		Primary: pick(colors.Primary, def.Primary),
		Accent:  pick(colors.Accent, def.Accent),
		Text:    pick(colors.Text, def.Text),
		Muted:   pick(colors.Muted, def.Muted),
		Error:   pick(colors.Error, def.Error),
		Success: pick(colors.Success, def.Success),
	}

	t.Logo = lipgloss.NewStyle().Foreground(t.Primary).Bold(true)
	t.Header = lipgloss.NewStyle().Foreground(t.Accent).Bold(true)
	t.Help = lipgloss.NewStyle().Foreground(t.Muted).Italic(true)
	t.Faint = lipgloss.NewStyle().Foreground(t.Muted)
	t.Pending = lipgloss.NewStyle().Foreground(t.Muted)
	t.Active = lipgloss.NewStyle().Foreground(t.Accent)
	t.Done = lipgloss.NewStyle().Foreground(t.Success)
	t.Failed = lipgloss.NewStyle().Foreground(t.Error).Bold(true)
	return t
}

// CompactBanner is the logo with a one-line message underneath.
func (t Theme) CompactBanner(message string) string {
	lines := make([]string, 0, len(LogoLines))
	for _, line := range LogoLines {
		lines = append(lines, t.Logo.Render(line))
	}
	return lipgloss.JoinVertical(
		lipgloss.Center,
		lipgloss.JoinVertical(lipgloss.Left, lines...),
		"",
		t.Help.Render(message),
	)
}

// ShowBanner writes the boxed logo and version tagline to w.
func ShowBanner(w io.Writer, t Theme, version string) {
	tagline := "    Offline content sync"
	if version != "" && version != "dev" {
		if version[0] != 'v' && version[0] != 'V' {
			version = "v" + version
		}
		tagline += " " + version
	}

	gradient := []lipgloss.Color{t.Primary, t.Accent, t.Success, t.Accent, t.Primary}
	colored := make([]string, 0, len(LogoLines)+2)
	for i, line := range LogoLines {
		style := lipgloss.NewStyle().Foreground(gradient[i%len(gradient)]).Bold(true)
		colored = append(colored, style.Render(line))
	}
	colored = append(colored, "", t.Faint.Render(tagline))

	border := lipgloss.Border{
		Top:         "═",
		Bottom:      "═",
		Left:        "║",
		Right:       "║",
		TopLeft:     "╔",
		TopRight:    "╗",
		BottomLeft:  "╚",
		BottomRight: "╝",
	}
	box := lipgloss.NewStyle().
		Border(border).
		BorderForeground(t.Accent).
		Padding(1, 3).
		MarginTop(1).
		Render(lipgloss.JoinVertical(lipgloss.Center, colored...))

	center := lipgloss.NewStyle().Width(70).Align(lipgloss.Center)
	fmt.Fprintln(w, center.Render(box))
	fmt.Fprintln(w, center.MarginBottom(1).Render(t.Faint.Render("◆ ◇ ◆ ◇ ◆")))
}
