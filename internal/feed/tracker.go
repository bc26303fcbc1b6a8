package feed

import (
	"time"
)

const (
	defaultGapTimeout = time.Minute
	maxTrackedGaps    = 10000
)

// tracker decides which outbox ids are new. Outbox ids are assigned at insert
// time, so a transaction holding a lower id can commit after a higher one.
// Ids skipped over are kept as gaps until they show up or time out; a gap
// that never fills belongs to a rolled back transaction.
type tracker struct {
	cursor  int64
	gaps    map[int64]time.Time
	timeout time.Duration
}

func newTracker(cursor int64, timeout time.Duration) *tracker {
	if timeout <= 0 {
		timeout = defaultGapTimeout
	}
	return &tracker{cursor: cursor, gaps: map[int64]time.Time{}, timeout: timeout}
}

// accept reports whether id has not been emitted yet and records it.
func (t *tracker) accept(id int64, now time.Time) bool {
	if id > t.cursor {
		for g := t.cursor + 1; g < id && len(t.gaps) < maxTrackedGaps; g++ {
			t.gaps[g] = now
		}
		t.cursor = id
		return true
	}
	if _, ok := t.gaps[id]; ok {
		delete(t.gaps, id)
		return true
	}
	return false
}

// expire forgets gaps older than the timeout.
func (t *tracker) expire(now time.Time) {
	for id, seen := range t.gaps {
		if now.Sub(seen) >= t.timeout {
			delete(t.gaps, id)
		}
	}
}

// low is the id to read after so that open gaps are re-examined.
func (t *tracker) low() int64 {
	low := t.cursor
	for id := range t.gaps {
		if id-1 < low {
			low = id - 1
		}
	}
	return low
}
