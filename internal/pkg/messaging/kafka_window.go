package messaging

import (
	"slices"
	"sync"
)

type offsetState uint8

const (
	offsetPending offsetState = iota
	offsetAcked
	// offsetNacked waits for the rewind to re-read it and blocks the commit
	// prefix until then.
	offsetNacked
)

type windowEntry struct {
	offset     int64
	state      offsetState
	deliveries int
}

// offsetWindow emulates per-message ack on one partition. Kafka commits are
// cumulative, so only the contiguous acked prefix of delivered offsets is
// committed. A nacked offset stays in the window and the reader rewinds to
// it; offsets that are still pending or already acked are skipped on the
// re-read.
type offsetWindow struct {
	mu        sync.Mutex
	entries   []windowEntry
	committed int64
	rewind    int64
}

func newOffsetWindow(committed int64) *offsetWindow {
	return &offsetWindow{committed: committed, rewind: -1}
}

// Track reports whether a fetched offset should be delivered.
func (w *offsetWindow) Track(offset int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed >= 0 && offset < w.committed {
		return false
	}
	i, found := w.search(offset)
	if found {
		if w.entries[i].state != offsetNacked {
			return false
		}
		w.entries[i].state = offsetPending
		w.entries[i].deliveries++
		return true
	}
	w.entries = slices.Insert(w.entries, i, windowEntry{offset: offset, state: offsetPending, deliveries: 1})
	return true
}

// Ack settles offset and returns the next offset to commit when the
// contiguous prefix advanced.
func (w *offsetWindow) Ack(offset int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	i, found := w.search(offset)
	if !found {
		return 0, false
	}
	w.entries[i].state = offsetAcked

	n := 0
	for n < len(w.entries) && w.entries[n].state == offsetAcked {
		n++
	}
	if n == 0 {
		return 0, false
	}
	w.committed = w.entries[n-1].offset + 1
	w.entries = slices.Delete(w.entries, 0, n)
	return w.committed, true
}

// Nack marks a pending offset for redelivery and asks the reader to rewind
// to it. The offset is not committed past until it is re-read and acked.
func (w *offsetWindow) Nack(offset int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	i, found := w.search(offset)
	if !found || w.entries[i].state != offsetPending {
		return false
	}
	w.entries[i].state = offsetNacked
	if w.rewind < 0 || offset < w.rewind {
		w.rewind = offset
	}
	return true
}

// Attempt returns how many times offset was delivered by this window. The
// count starts over when the partition is reassigned or the process restarts.
func (w *offsetWindow) Attempt(offset int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i, found := w.search(offset); found {
		return w.entries[i].deliveries
	}
	return 1
}

// TakeRewind returns and clears a pending rewind.
func (w *offsetWindow) TakeRewind() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rewind < 0 {
		return 0, false
	}
	off := w.rewind
	w.rewind = -1
	return off, true
}

// Pending returns the number of delivered, unacked offsets.
func (w *offsetWindow) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, e := range w.entries {
		if e.state == offsetPending {
			n++
		}
	}
	return n
}

// Committed returns the next offset to commit, or -1 when nothing was acked.
func (w *offsetWindow) Committed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

func (w *offsetWindow) search(offset int64) (int, bool) {
	return slices.BinarySearchFunc(w.entries, offset, func(e windowEntry, off int64) int {
		switch {
		case e.offset < off:
			return -1
		case e.offset > off:
			return 1
		default:
			return 0
		}
	})
}
