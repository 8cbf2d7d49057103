package tslog

import (
	"testing"
	"time"
)

func TestLatestCache(t *testing.T) {
	l := NewLatest()

	if _, ok := l.Get(0); ok {
		t.Fatal("empty cache returned a sample")
	}

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	l.Set(mkSample(base, 0, 100))
	l.Set(mkSample(base, 1, 200))
	l.Set(mkSample(base.Add(time.Second), 0, 101))

	s, ok := l.Get(0)
	if !ok || s.Value != 101 {
		t.Errorf("Get(0) = %v, %v; want the newer sample", s, ok)
	}

	all := l.All()
	if len(all) != 2 {
		t.Fatalf("All() has %d channels, want 2", len(all))
	}

	// All returns a copy: mutating it must not reach the cache.
	all[0] = mkSample(base, 0, 999)
	if s, _ := l.Get(0); s.Value != 101 {
		t.Error("All() exposed the cache's internal map")
	}
}
