package session

// history is a bounded ordered buffer of finalized utterances,
// most-recent-last. Owned by the Manager; the enrichment pipeline only ever
// sees copies.
type history struct {
	items []string
	depth int
}

func newHistory(depth int) *history {
	if depth <= 0 {
		depth = 1
	}
	return &history{depth: depth}
}

func (h *history) Append(text string) {
	h.items = append(h.items, text)
	if len(h.items) > h.depth {
		h.items = h.items[len(h.items)-h.depth:]
	}
}

func (h *history) Items() []string {
	return append([]string(nil), h.items...)
}
