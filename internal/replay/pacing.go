// Package replay implements the paced interleaving of data and status rows
// from historical SCADA tables: per-emission delays, the per-turbine
// data/status synchronizer, and the multi-turbine fan-out.
package replay

import (
	"strings"
	"time"

	"scada_replay/internal/source"
	"scada_replay/internal/timeparse"
)

// CompressionFactor maps real elapsed seconds in a status duration to
// replay seconds: the 10-minute SCADA sampling interval replays as 1 second.
const CompressionFactor = 600.0

// recordDrivenMaxSeconds bounds the duration window accepted for
// record-driven pacing. Most real inter-record gaps are a few seconds and
// replay 1:1; anything at or above this is an outlier and falls back to the
// fixed interval so the stream neither stalls nor races.
const recordDrivenMaxSeconds = 10.0

// Defaults for the three streaming modes.
const (
	DefaultSingleInterval   = 10 * time.Second
	DefaultCombinedInterval = time.Second
	DefaultMaxStatusWait    = 300 * time.Second
	DefaultFloor            = 10 * time.Millisecond
)

// Pacing decides how long to wait after each emission.
type Pacing struct {
	// Interval is the fixed fallback delay between emissions.
	Interval time.Duration
	// Floor is the minimum delay for any derived value. Parsed durations
	// can be zero or negative; clamping guarantees forward progress.
	Floor time.Duration
	// MaxStatusWait caps compressed status waits so long outages do not
	// stall the status channel.
	MaxStatusWait time.Duration
}

// Fixed returns the configured fixed interval, never negative and never
// below the floor.
func (p Pacing) Fixed() time.Duration {
	d := p.Interval
	if d < 0 {
		d = 0
	}
	return p.clamp(d)
}

// RecordDriven returns the delay after emitting rec: the record's own
// duration when one is present and inside (0, 10) seconds, otherwise the
// fixed interval.
func (p Pacing) RecordDriven(rec *source.Record) time.Duration {
	if rec == nil {
		return p.Fixed()
	}
	secs, ok := durationField(rec)
	if !ok || secs <= 0 || secs >= recordDrivenMaxSeconds {
		return p.Fixed()
	}
	return p.clamp(time.Duration(secs * float64(time.Second)))
}

// Compressed maps a real-world status duration in seconds to replay time:
// divided by the compression factor, capped at MaxStatusWait, and floored.
// Non-positive durations fall back to the fixed interval.
func (p Pacing) Compressed(seconds float64) time.Duration {
	if seconds <= 0 {
		return p.Fixed()
	}
	d := time.Duration(seconds / CompressionFactor * float64(time.Second))
	if p.MaxStatusWait > 0 && d > p.MaxStatusWait {
		d = p.MaxStatusWait
	}
	return p.clamp(d)
}

func (p Pacing) clamp(d time.Duration) time.Duration {
	if d < p.Floor {
		return p.Floor
	}
	return d
}

// durationField finds the first column whose name contains "duration"
// (case-insensitive, in schema order) and parses its value.
func durationField(rec *source.Record) (float64, bool) {
	for _, col := range rec.Columns {
		if !strings.Contains(strings.ToLower(col), "duration") {
			continue
		}
		v, ok := rec.Value(col)
		if !ok {
			return 0, false
		}
		return timeparse.ParseDuration(v)
	}
	return 0, false
}
