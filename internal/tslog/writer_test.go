package tslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testOptions() WriterOptions {
	return WriterOptions{
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
		Location:      time.UTC,
	}
}

func mkSample(t time.Time, ch int, value float64) Sample {
	return Sample{Time: t, Channel: ch, Value: value, Valid: true}
}

// Appends must survive a crash: the writer is abandoned without Close and
// a fresh reader must still see every acknowledged sample, exactly once.
func TestWriterDurableWithoutClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := w.Append(mkSample(base.Add(time.Duration(i)*time.Second), 0, float64(200+i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// No Close: simulate power loss after the last acked append.

	r := NewReader(dir, time.UTC)
	got, err := r.Query(base, base.Add(time.Minute), AllChannels)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d samples back, want 5", len(got))
	}
	for i, s := range got {
		if s.Value != float64(200+i) {
			t.Errorf("sample %d value = %g, want %d", i, s.Value, 200+i)
		}
		if i > 0 && got[i].Time.Before(got[i-1].Time) {
			t.Errorf("samples out of order at %d", i)
		}
	}
}

func TestWriterDayRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	before := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	after := time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	if err := w.Append(mkSample(before, 0, 300)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(mkSample(after, 0, 301)); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"20260310.tsv", "20260311.tsv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("partition %s missing: %v", name, err)
		}
	}

	got, err := NewReader(dir, time.UTC).Query(before, after.Add(time.Second), AllChannels)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("spanning query returned %d samples, want 2", len(got))
	}
	if got[0].Value != 300 || got[1].Value != 301 {
		t.Errorf("spanning query out of order: %g, %g", got[0].Value, got[1].Value)
	}
}

// A restart mid-day resumes the existing partition: one header line, all
// records from both writer lifetimes.
func TestWriterResumesPartitionAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	w1, err := NewWriter(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := w1.Append(mkSample(ts, 0, 100)); err != nil {
		t.Fatal(err)
	}
	if err := w1.Close(); err != nil {
		t.Fatal(err)
	}

	w2, err := NewWriter(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.Append(mkSample(ts.Add(time.Minute), 0, 101)); err != nil {
		t.Fatal(err)
	}
	w2.Close()

	data, err := os.ReadFile(filepath.Join(dir, "20260310.tsv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("partition has %d lines, want header + 2 records:\n%s", len(lines), data)
	}
	if lines[0] != recordHeader {
		t.Errorf("first line = %q, want header", lines[0])
	}
	if strings.Count(string(data), recordHeader) != 1 {
		t.Error("header written more than once")
	}
}

func TestWriterPartitionFromSampleTime(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// The partition is chosen from the sample's own stamp, not the wall
	// clock at append time.
	ts := time.Date(2025, 12, 31, 23, 30, 0, 0, time.UTC)
	if err := w.Append(mkSample(ts, 2, 42)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "20251231.tsv")); err != nil {
		t.Fatalf("partition for sample's day missing: %v", err)
	}
}
