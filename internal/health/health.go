// Package health maintains the passive watchdog snapshot consumed by
// external supervision and by the web UI's liveness indicator. The other
// pipeline stages overwrite fields in place as side effects of their own
// work; nothing here polls anything.
package health

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the watchdog state.
type Snapshot struct {
	LastSampleTime   time.Time `json:"lastSampleTime"`
	LinkState        string    `json:"linkState"`
	Recording        bool      `json:"recording"` // instrument's recording-to-flash flag
	SamplesDropped   uint64    `json:"samplesDropped"`
	FramingErrors    uint64    `json:"framingErrors"`
	FramingOverflows uint64    `json:"framingOverflows"`
	WriteFailures    uint64    `json:"writeFailures"`
	Fatal            bool      `json:"fatal"` // storage escalated, acquisition still running
	LastError        string    `json:"lastError,omitempty"`
}

// Health is the shared, overwritten-in-place watchdog surface.
type Health struct {
	mu   sync.Mutex
	snap Snapshot
}

// New returns a watchdog with the link considered closed.
func New() *Health {
	return &Health{snap: Snapshot{LinkState: "closed"}}
}

// Snapshot returns a copy of the current state.
func (h *Health) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// SetLinkState records a link lifecycle transition.
func (h *Health) SetLinkState(state string) {
	h.mu.Lock()
	h.snap.LinkState = state
	h.mu.Unlock()
}

// ObserveSample records the wall-clock time of the newest decoded sample.
func (h *Health) ObserveSample(t time.Time) {
	h.mu.Lock()
	if t.After(h.snap.LastSampleTime) {
		h.snap.LastSampleTime = t
	}
	h.mu.Unlock()
}

// SetRecording mirrors the instrument's recording-to-flash header flag.
func (h *Health) SetRecording(on bool) {
	h.mu.Lock()
	h.snap.Recording = on
	h.mu.Unlock()
}

// AddDropped increments the count of samples discarded from the backlog.
func (h *Health) AddDropped(n uint64) {
	h.mu.Lock()
	h.snap.SamplesDropped += n
	h.mu.Unlock()
}

// SetFraming overwrites the decoder's cumulative counters.
func (h *Health) SetFraming(errors, overflows uint64) {
	h.mu.Lock()
	h.snap.FramingErrors = errors
	h.snap.FramingOverflows = overflows
	h.mu.Unlock()
}

// ObserveWriteFailure records a failed append. fatal marks repeated
// failure (e.g. a full disk); the acquisition pipeline keeps running, so
// this is the only place the condition becomes visible.
func (h *Health) ObserveWriteFailure(err error, fatal bool) {
	h.mu.Lock()
	h.snap.WriteFailures++
	if fatal {
		h.snap.Fatal = true
	}
	if err != nil {
		h.snap.LastError = err.Error()
	}
	h.mu.Unlock()
}

// ClearFatal resets the fatal condition after writes succeed again.
func (h *Health) ClearFatal() {
	h.mu.Lock()
	h.snap.Fatal = false
	h.mu.Unlock()
}

// SetError records a non-storage error for display.
func (h *Health) SetError(err error) {
	h.mu.Lock()
	if err != nil {
		h.snap.LastError = err.Error()
	}
	h.mu.Unlock()
}
