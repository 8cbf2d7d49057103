package isp2

import (
	"time"

	"github.com/stovelab/tclog/internal/tslog"
)

// ExtractConfig holds the scaling and plausibility settings for turning
// raw channel counts into temperatures. The ISP2 aux encoding is a bare
// 10-bit count; what a count means in degrees depends on how the
// instrument is configured, so the mapping is explicit configuration
// rather than a constant baked into the decoder.
type ExtractConfig struct {
	// DegreesPerCount and OffsetC define the linear mapping
	// value_c = OffsetC + DegreesPerCount * count.
	DegreesPerCount float64 `yaml:"degrees_per_count" json:"degreesPerCount"`
	OffsetC         float64 `yaml:"offset_c" json:"offsetC"`

	// MinTempC/MaxTempC bound plausible readings for the attached
	// probes. Values outside the bounds are recorded with the
	// out-of-range flag rather than dropped.
	MinTempC float64 `yaml:"min_temp_c" json:"minTempC"`
	MaxTempC float64 `yaml:"max_temp_c" json:"maxTempC"`
}

// DefaultExtractConfig covers a K-type probe on a TC-4 reporting whole
// degrees Celsius per count.
func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{
		DegreesPerCount: 1,
		OffsetC:         0,
		MinTempC:        -50,
		MaxTempC:        1250,
	}
}

// Extractor maps validated frames to samples. It owns timestamp
// assignment: the stamp is taken at decode time, not at serial-read time,
// and is clamped so it never decreases within a process lifetime even if
// the wall clock steps backwards.
type Extractor struct {
	cfg   ExtractConfig
	now   func() time.Time
	last  time.Time
	stale bool
}

// NewExtractor returns an extractor using the given config.
func NewExtractor(cfg ExtractConfig) *Extractor {
	if cfg.DegreesPerCount == 0 {
		cfg.DegreesPerCount = 1
	}
	return &Extractor{cfg: cfg, now: time.Now}
}

// MarkStale flags the next extracted samples as decoded from bytes that
// sat buffered while the link was degraded. The pipeline sets this when
// the link leaves the Streaming state and clears it on the first read of
// a healthy epoch.
func (e *Extractor) MarkStale(stale bool) {
	e.stale = stale
}

// Extract returns the samples carried by a frame: one per aux word for
// sensor-data frames, none for command replies.
func (e *Extractor) Extract(f Frame) []tslog.Sample {
	if !f.SensorData() || len(f.Words) == 0 {
		return nil
	}

	ts := e.now()
	if ts.Before(e.last) {
		ts = e.last
	}
	e.last = ts

	samples := make([]tslog.Sample, 0, len(f.Words))
	for ch, w := range f.Words {
		value := e.cfg.OffsetC + e.cfg.DegreesPerCount*float64(auxValue(w))

		var flags tslog.Flags
		if value < e.cfg.MinTempC || value > e.cfg.MaxTempC {
			flags |= tslog.FlagOutOfRange
		}
		if e.stale {
			flags |= tslog.FlagStaleLink
		}

		samples = append(samples, tslog.Sample{
			Time:    ts,
			Channel: ch,
			Value:   value,
			Valid:   flags.Valid(),
			Flags:   flags,
		})
	}
	return samples
}
