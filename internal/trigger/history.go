package trigger

import (
	"sync"
	"time"

	"github.com/rendis/pipewright/pkg/schema"
)

// DefaultHistorySize is the number of events kept when no size is given.
const DefaultHistorySize = 1000

// HistoryEntry is one received event.
type HistoryEntry struct {
	Event     schema.CIEvent `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
}

// HistoryFilter narrows History results. Zero fields match everything.
type HistoryFilter struct {
	RepoID string
	Kind   schema.TriggerKind
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f HistoryFilter) match(e HistoryEntry) bool {
	if f.RepoID != "" && e.Event.RepoID != f.RepoID {
		return false
	}
	if f.Kind != "" && e.Event.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// History is a fixed-capacity ring of received events; the oldest entry is
// overwritten once full.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	next    int
	full    bool
}

// NewHistory creates a ring holding up to size entries.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]HistoryEntry, size)}
}

// Add records an entry.
func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// List returns matching entries oldest first. With a Limit the newest
// matching entries are kept.
func (h *History) List(f HistoryFilter) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n, start := h.next, 0
	if h.full {
		n, start = len(h.entries), h.next
	}

	var out []HistoryEntry
	for i := 0; i < n; i++ {
		e := h.entries[(start+i)%len(h.entries)]
		if f.match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
