package tui

// clip shortens s to at most limit runes, marking the cut with an ellipsis.
// With keepTail the cut goes in the middle, so an entry key keeps both its
// host and its title.
func clip(s string, limit int, keepTail bool) string {
	r := []rune(s)
	switch {
	case limit <= 0:
		return ""
	case len(r) <= limit:
		return s
	case limit == 1:
		return "…"
	case !keepTail:
		return string(r[:limit-1]) + "…"
	}

	right := limit / 2
	left := limit - 1 - right
	return string(r[:left]) + "…" + string(r[len(r)-right:])
}
