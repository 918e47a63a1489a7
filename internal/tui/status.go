package tui

import (
	"fmt"

	"github.com/pders01/stow/internal/download"
	"github.com/pders01/stow/internal/savedlist"
)

const (
	MsgStarting = "Starting sync…"
	MsgStopping = "Stopping…"
	MsgNothing  = "Nothing to sync"
)

// MsgSummary is the one-line outcome of a run.
func MsgSummary(p download.Progress) string {
	base := fmt.Sprintf("Synced %d/%d jobs", p.Completed, p.Total)
	if p.Failed > 0 {
		base += fmt.Sprintf(" • %d failed", p.Failed)
	}
	return base
}

// MsgEntryCounts tallies entries by state, in list order of the states.
func MsgEntryCounts(entries []savedlist.Entry) string {
	var pending, fetching, complete, failed int
	for _, e := range entries {
		switch e.State {
		case savedlist.StatePending:
			pending++
		case savedlist.StateFetching:
			fetching++
		case savedlist.StateComplete:
			complete++
		case savedlist.StateFailed:
			failed++
		}
	}
	return fmt.Sprintf("%d complete • %d fetching • %d pending • %d failed", complete, fetching, pending, failed)
}

func stateGlyph(s savedlist.State) string {
	switch s {
	case savedlist.StateFetching:
		return "↓"
	case savedlist.StateComplete:
		return "✓"
	case savedlist.StateFailed:
		return "✗"
	default:
		return "·"
	}
}

// RenderEntry is one line of the entry table.
func (t Theme) RenderEntry(e savedlist.Entry, width int) string {
	style := t.Pending
	switch e.State {
	case savedlist.StateFetching:
		style = t.Active
	case savedlist.StateComplete:
		style = t.Done
	case savedlist.StateFailed:
		style = t.Failed
	}

	line := stateGlyph(e.State) + " " + clip(e.Key, width-2, true)
	if e.State == savedlist.StateFailed && e.Err != "" {
		reason := e.Err
		if e.Terminal {
			reason = "permanent: " + reason
		}
		room := width - len([]rune(line)) - 3
		if room > 8 {
			return style.Render(line) + t.Faint.Render("  "+clip(reason, room, false))
		}
	}
	return style.Render(line)
}
