package health

import (
	"errors"
	"testing"
	"time"
)

func TestSnapshotStartsClosed(t *testing.T) {
	h := New()
	snap := h.Snapshot()
	if snap.LinkState != "closed" {
		t.Errorf("initial link state = %q, want closed", snap.LinkState)
	}
	if !snap.LastSampleTime.IsZero() {
		t.Error("initial last sample time not zero")
	}
}

func TestObserveSampleKeepsNewest(t *testing.T) {
	h := New()
	newer := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)

	h.ObserveSample(newer)
	h.ObserveSample(older)

	if got := h.Snapshot().LastSampleTime; !got.Equal(newer) {
		t.Errorf("last sample time = %v, want %v", got, newer)
	}
}

func TestWriteFailureEscalation(t *testing.T) {
	h := New()

	h.ObserveWriteFailure(errors.New("disk full"), false)
	snap := h.Snapshot()
	if snap.WriteFailures != 1 || snap.Fatal {
		t.Fatalf("one failure: failures=%d fatal=%v", snap.WriteFailures, snap.Fatal)
	}
	if snap.LastError != "disk full" {
		t.Errorf("last error = %q", snap.LastError)
	}

	h.ObserveWriteFailure(errors.New("disk full"), true)
	if snap = h.Snapshot(); !snap.Fatal {
		t.Fatal("repeated failure did not escalate")
	}

	h.ClearFatal()
	snap = h.Snapshot()
	if snap.Fatal {
		t.Error("fatal not cleared after recovery")
	}
	if snap.WriteFailures != 2 {
		t.Errorf("recovery reset the failure counter: %d", snap.WriteFailures)
	}
}

func TestCountersAccumulate(t *testing.T) {
	h := New()
	h.AddDropped(3)
	h.AddDropped(2)
	h.SetFraming(10, 1)
	h.SetFraming(12, 1) // cumulative counters overwrite, never add
	h.SetRecording(true)
	h.SetLinkState("streaming")

	snap := h.Snapshot()
	if snap.SamplesDropped != 5 {
		t.Errorf("dropped = %d, want 5", snap.SamplesDropped)
	}
	if snap.FramingErrors != 12 || snap.FramingOverflows != 1 {
		t.Errorf("framing = %d/%d, want 12/1", snap.FramingErrors, snap.FramingOverflows)
	}
	if !snap.Recording || snap.LinkState != "streaming" {
		t.Errorf("snapshot = %+v", snap)
	}
}
