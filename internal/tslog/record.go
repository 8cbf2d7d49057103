package tslog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Partition files are tab-separated text, one record per line, so an
// operator can inspect them with nothing but less(1).
const (
	recordHeader = "timestamp\tchannel\tvalue_c\tflags"
	recordSep    = "\t"

	// timeLayout keeps timestamps in the operator's local zone with
	// millisecond resolution and an explicit offset, so records stay
	// unambiguous across DST changes.
	timeLayout = "2006-01-02T15:04:05.000-07:00"

	// partitionLayout names one file per local calendar day.
	partitionLayout = "20060102"
	partitionExt    = ".tsv"
)

// encodeRecord renders a sample as one partition line, without the
// trailing newline.
func encodeRecord(s Sample, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(s.Time.In(loc).Format(timeLayout))
	b.WriteString(recordSep)
	b.WriteString(strconv.Itoa(s.Channel))
	b.WriteString(recordSep)
	b.WriteString(strconv.FormatFloat(s.Value, 'f', 1, 64))
	b.WriteString(recordSep)
	b.WriteString(strconv.FormatUint(uint64(s.Flags), 10))
	return b.String()
}

// decodeRecord parses one partition line. A short or malformed line
// (typically a record truncated by power loss) returns an error; callers
// skip it rather than failing the whole file.
func decodeRecord(line string) (Sample, error) {
	fields := strings.Split(line, recordSep)
	if len(fields) != 4 {
		return Sample{}, fmt.Errorf("record has %d fields, want 4", len(fields))
	}

	ts, err := time.Parse(timeLayout, fields[0])
	if err != nil {
		return Sample{}, fmt.Errorf("bad timestamp %q: %w", fields[0], err)
	}
	ch, err := strconv.Atoi(fields[1])
	if err != nil {
		return Sample{}, fmt.Errorf("bad channel %q: %w", fields[1], err)
	}
	val, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("bad value %q: %w", fields[2], err)
	}
	fl, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return Sample{}, fmt.Errorf("bad flags %q: %w", fields[3], err)
	}

	flags := Flags(fl)
	return Sample{
		Time:    ts,
		Channel: ch,
		Value:   val,
		Valid:   flags.Valid(),
		Flags:   flags,
	}, nil
}

// partitionName returns the file name for the local calendar day of t.
func partitionName(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(partitionLayout) + partitionExt
}
