package tslog

import "sync"

// Latest is the side-channel cache of the most recent sample per channel,
// maintained on the write path and read by the display and web layers.
// Reads are cheap and never touch the filesystem.
type Latest struct {
	mu sync.RWMutex
	m  map[int]Sample
}

// NewLatest returns an empty cache.
func NewLatest() *Latest {
	return &Latest{m: make(map[int]Sample)}
}

// Set records s as the newest sample for its channel.
func (l *Latest) Set(s Sample) {
	l.mu.Lock()
	l.m[s.Channel] = s
	l.mu.Unlock()
}

// Get returns the newest sample for a channel, if one has been seen.
func (l *Latest) Get(channel int) (Sample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.m[channel]
	return s, ok
}

// All returns a copy of the cache keyed by channel.
func (l *Latest) All() map[int]Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int]Sample, len(l.m))
	for ch, s := range l.m {
		out[ch] = s
	}
	return out
}
