package tslog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AllChannels queries every channel.
const AllChannels = -1

// Reader answers range queries against committed partition files. It
// opens files read-only and never holds them across queries, so it can
// read the current day concurrently with the writer's appends: appends
// only extend the file, and the reader never rewinds past the EOF it
// observed at open time.
type Reader struct {
	dir string
	loc *time.Location
}

// NewReader returns a reader over the given partition directory.
func NewReader(dir string, loc *time.Location) *Reader {
	if loc == nil {
		loc = time.Local
	}
	return &Reader{dir: dir, loc: loc}
}

// Query returns all samples with from <= t < to, in partition order.
// channel narrows to one channel; pass AllChannels for every channel.
// Order within a partition is as written, which is non-decreasing except
// across a writer restart; such gaps are returned faithfully. Malformed
// lines (including a trailing record truncated by power loss) are
// skipped, never fatal.
func (r *Reader) Query(from, to time.Time, channel int) ([]Sample, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("tslog: empty query range [%v, %v)", from, to)
	}

	var out []Sample
	// Walk local calendar days covered by the range.
	day := startOfDay(from.In(r.loc))
	end := to.In(r.loc)
	for !day.After(end) {
		samples, err := r.scanPartition(partitionName(day, r.loc), from, to, channel)
		if err != nil {
			return nil, err
		}
		out = append(out, samples...)
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}

// Latest scans backwards through at most lookbackDays recent partitions
// and returns the newest stored sample per channel. It exists for cold
// starts: main seeds the in-memory latest-sample cache from it so the
// display answers from the moment the process is up, not from the first
// decoded frame.
func (r *Reader) Latest(lookbackDays int) (map[int]Sample, error) {
	out := make(map[int]Sample)
	day := startOfDay(time.Now().In(r.loc))
	for i := 0; i < lookbackDays; i++ {
		samples, err := r.scanPartition(partitionName(day, r.loc),
			time.Time{}, day.AddDate(0, 0, 1), AllChannels)
		if err != nil {
			return nil, err
		}
		for _, s := range samples {
			if prev, ok := out[s.Channel]; !ok || !s.Time.Before(prev.Time) {
				out[s.Channel] = s
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	return out, nil
}

func (r *Reader) scanPartition(name string, from, to time.Time, channel int) ([]Sample, error) {
	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // day with no data, e.g. a power outage
		}
		return nil, fmt.Errorf("tslog: open partition %s: %w", name, err)
	}
	defer f.Close()

	var out []Sample
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line == recordHeader {
			continue
		}
		s, err := decodeRecord(line)
		if err != nil {
			continue
		}
		if channel != AllChannels && s.Channel != channel {
			continue
		}
		if s.Time.Before(from) || !s.Time.Before(to) {
			continue
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tslog: scan partition %s: %w", name, err)
	}
	return out, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
