package diagnostics

import (
	"sync"
)

// historySize bounds how many classified errors the recorder retains.
const historySize = 50

// Recorder classifies errors and keeps the most recent classifications in a
// ring. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []ErrorDetails
	next    int
	full    bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{entries: make([]ErrorDetails, historySize)}
}

// Record classifies err, appends it to the history and returns the
// classification. The oldest entry falls off once the ring is full.
func (r *Recorder) Record(err error) ErrorDetails {
	details := Classify(err)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = details
	r.next++
	if r.next == historySize {
		r.next = 0
		r.full = true
	}
	return details
}

// History returns a snapshot of the retained classifications, oldest first.
func (r *Recorder) History() []ErrorDetails {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]ErrorDetails, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]ErrorDetails, 0, historySize)
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
