// Package testutil provides canned telemetry fixtures shared by the
// store and api tests.
package testutil

import (
	"math"
	"time"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/telemetry"
)

// SessionStart anchors the canned fixtures to a fixed wall-clock instant
// so rendered timestamps are stable across runs.
var SessionStart = time.Date(2025, 6, 1, 9, 30, 15, 0, time.UTC)

// FallBatch returns a minimal annotated capture: a quiet sample with
// gravity on the vertical axis, an impact labeled Start, and free fall
// labeled Stop. Sensor timestamps count device milliseconds from wake-up.
func FallBatch(start time.Time) []telemetry.Reading {
	return []telemetry.Reading{
		{SensorTimestamp: 10, Local: start, AZ: 9.80665, FallState: annotation.LabelDefault},
		{SensorTimestamp: 30, Local: start.Add(20 * time.Millisecond), AX: 3, AY: 4, FallState: annotation.LabelStart},
		{SensorTimestamp: 50, Local: start.Add(40 * time.Millisecond), FallState: annotation.LabelStop},
	}
}

// Wave returns n readings of a slow sway on the X axis with gravity held
// on Z, spaced at the 13 Hz notification interval.
func Wave(n int, start time.Time) []telemetry.Reading {
	const interval = 77 * time.Millisecond
	out := make([]telemetry.Reading, n)
	for i := range out {
		ts := float64(i) / 13
		out[i] = telemetry.Reading{
			SensorTimestamp: uint32(i * 77),
			Local:           start.Add(time.Duration(i) * interval),
			AX:              float32(0.6 * math.Sin(2*math.Pi*0.4*ts)),
			AZ:              9.81,
			FallState:       annotation.LabelDefault,
		}
	}
	return out
}
