package tslog

import "time"

// Flags mark conditions attached to a Sample at acquisition time.
// They travel with the sample into the on-disk record so that anomalies
// remain diagnosable after the fact.
type Flags uint8

const (
	// FlagChecksumFailed marks a sample whose source frame failed
	// integrity validation. Reserved in the record format; the decoder
	// resynchronizes past damaged frames and counts them instead of
	// materializing samples, so current writers never set this bit.
	FlagChecksumFailed Flags = 1 << iota
	// FlagOutOfRange marks a value outside the configured plausibility
	// bounds. The sample is recorded anyway.
	FlagOutOfRange
	// FlagStaleLink marks a sample decoded from bytes that were buffered
	// while the serial link was degraded, so its timestamp may lag the
	// actual measurement.
	FlagStaleLink
)

// Valid reports whether the flags leave the measured value trustworthy.
// A stale timestamp does not invalidate the reading itself.
func (f Flags) Valid() bool {
	return f&(FlagChecksumFailed|FlagOutOfRange) == 0
}

// Sample is one timestamped thermocouple reading for a channel.
type Sample struct {
	Time    time.Time `json:"time"`
	Channel int       `json:"channel"`
	Value   float64   `json:"value"` // °C
	Valid   bool      `json:"valid"`
	Flags   Flags     `json:"flags"`
}
