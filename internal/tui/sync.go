// Package tui renders the terminal progress view of a sync run.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/stow/internal/download"
	"github.com/pders01/stow/internal/savedlist"
)

const (
	maxBarWidth = 60
	// header, bar, counts, blank, help
	chromeLines = 9
)

// Syncer is the part of the orchestrator the view watches.
type Syncer interface {
	Progress() download.Progress
	Updates() <-chan download.Progress
	Wait(ctx context.Context) error
}

// Entries lists saved entries with their current state.
type Entries interface {
	List() []savedlist.Entry
}

type progressMsg download.Progress

type idleMsg struct{ err error }

type syncKeys struct {
	Quit key.Binding
}

func (k syncKeys) ShortHelp() []key.Binding  { return []key.Binding{k.Quit} }
func (k syncKeys) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

// SyncView shows the progress bar and per-entry state of a running sync
// and quits once the orchestrator goes idle.
type SyncView struct {
	ctx     context.Context
	syncer  Syncer
	entries Entries
	theme   Theme

	bar     progress.Model
	spinner spinner.Model
	help    help.Model
	keys    syncKeys

	progress download.Progress
	list     []savedlist.Entry
	width    int
	height   int
	done     bool
	aborted  bool
	err      error
}

func NewSyncView(ctx context.Context, syncer Syncer, entries Entries, theme Theme) *SyncView {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Accent)

	return &SyncView{
		ctx:     ctx,
		syncer:  syncer,
		entries: entries,
		theme:   theme,
		bar: progress.New(
			progress.WithGradient(string(theme.Primary), string(theme.Success)),
			progress.WithWidth(40),
		),
		spinner: sp,
		help:    help.New(),
		keys: syncKeys{
			Quit: key.NewBinding(
				key.WithKeys("q", "esc", "ctrl+c"),
				key.WithHelp("q", "stop sync"),
			),
		},
		progress: syncer.Progress(),
		list:     entries.List(),
		width:    80,
		height:   24,
	}
}

// Aborted reports whether the user quit before the run went idle.
func (v *SyncView) Aborted() bool { return v.aborted }

// Err is the error the wait for idle ended with, if any.
func (v *SyncView) Err() error { return v.err }

func (v *SyncView) Init() tea.Cmd {
	return tea.Batch(v.spinner.Tick, v.waitForProgress(), v.waitForIdle())
}

func (v *SyncView) waitForProgress() tea.Cmd {
	updates := v.syncer.Updates()
	return func() tea.Msg {
		select {
		case p := <-updates:
			return progressMsg(p)
		case <-v.ctx.Done():
			return nil
		}
	}
}

func (v *SyncView) waitForIdle() tea.Cmd {
	return func() tea.Msg {
		return idleMsg{err: v.syncer.Wait(v.ctx)}
	}
}

func (v *SyncView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		v.width, v.height = msg.Width, msg.Height
		v.bar.Width = min(maxBarWidth, max(10, msg.Width-4))

	case tea.KeyMsg:
		if key.Matches(msg, v.keys.Quit) && !v.done {
			v.aborted = true
			return v, tea.Quit
		}

	case progressMsg:
		v.progress = download.Progress(msg)
		v.list = v.entries.List()
		return v, v.waitForProgress()

	case idleMsg:
		v.done = true
		v.err = msg.err
		v.progress = v.syncer.Progress()
		v.list = v.entries.List()
		return v, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(msg)
		return v, cmd
	}
	return v, nil
}

func (v *SyncView) percent() float64 {
	if v.progress.Total == 0 {
		if v.done {
			return 1
		}
		return 0
	}
	return float64(v.progress.Completed) / float64(v.progress.Total)
}

func (v *SyncView) View() string {
	var b strings.Builder

	status := v.spinner.View() + " " + MsgStarting
	switch {
	case v.done && v.progress.Total == 0:
		status = MsgNothing
	case v.done:
		status = MsgSummary(v.progress)
	case v.aborted:
		status = MsgStopping
	case v.progress.Total > 0:
		status = v.spinner.View() + " " + MsgSummary(v.progress)
	}

	subtitle := ""
	if v.progress.RunID != "" {
		subtitle = "run " + v.progress.RunID
	}
	b.WriteString(v.theme.renderHeader(CompactLogo+" sync", subtitle, v.width))
	b.WriteString("\n\n")
	b.WriteString(v.bar.ViewAs(v.percent()))
	b.WriteString("\n")
	b.WriteString(status)
	b.WriteString("\n")
	b.WriteString(v.theme.Faint.Render(MsgEntryCounts(v.list)))
	b.WriteString("\n\n")

	room := max(1, v.height-chromeLines)
	for i, e := range v.list {
		if i == room {
			b.WriteString(v.theme.Faint.Render(fmt.Sprintf("… %d more", len(v.list)-room)))
			b.WriteString("\n")
			break
		}
		b.WriteString(v.theme.RenderEntry(e, v.width))
		b.WriteString("\n")
	}

	if !v.done {
		b.WriteString("\n")
		b.WriteString(v.theme.renderHelp(v.help.View(v.keys)))
	}
	return b.String()
}

// RunSync shows the view until the run goes idle or the user quits. It
// returns true when the user aborted.
func RunSync(ctx context.Context, syncer Syncer, entries Entries, theme Theme) (bool, error) {
	view := NewSyncView(ctx, syncer, entries, theme)
	if _, err := tea.NewProgram(view, tea.WithContext(ctx)).Run(); err != nil {
		return view.Aborted(), fmt.Errorf("running sync view: %w", err)
	}
	return view.Aborted(), view.Err()
}
