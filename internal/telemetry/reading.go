// Package telemetry defines the decoded accelerometer sample that flows from
// the sensor session through the ingestion queue to the sinks.
package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Reading is one accelerometer sample. SensorTimestamp is the device's own
// millisecond counter; Local is the host clock at decode time. FallState is
// the annotation label that was current when the sample was decoded, so a
// label change applies to every sample notification that arrives after it.
type Reading struct {
	SensorTimestamp uint32    `json:"timestamp"`
	Local           time.Time `json:"timestamp_local"`
	AX              float32   `json:"ax"`
	AY              float32   `json:"ay"`
	AZ              float32   `json:"az"`
	FallState       string    `json:"fall_state"`
}

// CSVHeader is the column order used by the CSV sink and the session archive.
func CSVHeader() []string {
	return []string{"timestamp", "timestamp_local", "ax", "ay", "az", "fall_state"}
}

// CSVRow renders the reading in CSVHeader order. Floats are formatted with
// the shortest representation that round-trips a float32.
func (r Reading) CSVRow() []string {
	return []string{
		strconv.FormatUint(uint64(r.SensorTimestamp), 10),
		r.Local.Format(time.RFC3339Nano),
		formatAxis(r.AX),
		formatAxis(r.AY),
		formatAxis(r.AZ),
		r.FallState,
	}
}

// Magnitude returns the Euclidean norm of the three axes, in whatever
// units the axes carry.
func (r Reading) Magnitude() float64 {
	x := float64(r.AX)
	y := float64(r.AY)
	z := float64(r.AZ)
	return math.Sqrt(x*x + y*y + z*z)
}

func (r Reading) String() string {
	return fmt.Sprintf("t=%d ax=%.3f ay=%.3f az=%.3f state=%s",
		r.SensorTimestamp, r.AX, r.AY, r.AZ, r.FallState)
}

func formatAxis(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}
