package fetch

import (
	"sync"
	"time"
)

// Window is one half-open [Start, End) search interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether other lies fully inside w.
func (w Window) Contains(other Window) bool {
	return !other.Start.Before(w.Start) && !other.End.After(w.End)
}

// windowTracker remembers processed windows per topic so overlapping
// queries can be planned and redundant ones skipped. Windows overlap on
// purpose: each new window starts before the last one ended so items
// that arrived late near the boundary are seen at least once. The
// storage layer absorbs the resulting duplicates.
type windowTracker struct {
	mu        sync.Mutex
	size      time.Duration
	overlap   time.Duration
	processed map[string][]Window
	now       func() time.Time
}

func newWindowTracker(size, overlap time.Duration) *windowTracker {
	if size <= 0 {
		size = 5 * time.Minute
	}
	if overlap <= 0 || overlap >= size {
		overlap = size / 10
	}
	return &windowTracker{
		size:      size,
		overlap:   overlap,
		processed: make(map[string][]Window),
		now:       time.Now,
	}
}

// Next plans the upcoming window for a topic: it ends now and starts
// overlap before the previous window's end, or one full size back when
// the topic has no history.
func (t *windowTracker) Next(topicID string) Window {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.now()
	start := end.Add(-t.size)
	if history := t.processed[topicID]; len(history) > 0 {
		last := history[len(history)-1]
		start = last.End.Add(-t.overlap)
		if end.Sub(start) > t.size {
			// Long gap (downtime); bound the window, older items are
			// outside the age policy anyway.
			start = end.Add(-t.size)
		}
	}
	return Window{Start: start, End: end}
}

// AlreadyCovered reports whether a window is fully contained in one
// already processed, in which case fetching it again is pure waste.
func (t *windowTracker) AlreadyCovered(topicID string, w Window) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, done := range t.processed[topicID] {
		if done.Contains(w) {
			return true
		}
	}
	return false
}

// MarkProcessed records a completed window and drops history older than
// twice the window size.
func (t *windowTracker) MarkProcessed(topicID string, w Window) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-2 * t.size)
	history := append(t.processed[topicID], w)
	kept := history[:0]
	for _, h := range history {
		if h.End.After(cutoff) {
			kept = append(kept, h)
		}
	}
	t.processed[topicID] = kept
}
