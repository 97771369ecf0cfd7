package store

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SessionStats summarizes the acceleration profile of one session.
// Magnitude is the euclidean norm of the three axes per reading, so a
// sensor at rest sits near 9.81 and a fall shows up as a spike
// followed by a trough.
type SessionStats struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`

	MeanAX float64 `json:"mean_ax"`
	MeanAY float64 `json:"mean_ay"`
	MeanAZ float64 `json:"mean_az"`

	MeanMagnitude   float64 `json:"mean_magnitude"`
	StdDevMagnitude float64 `json:"stddev_magnitude"`
	MinMagnitude    float64 `json:"min_magnitude"`
	MaxMagnitude    float64 `json:"max_magnitude"`
	P95Magnitude    float64 `json:"p95_magnitude"`
}

// SessionStats computes summary statistics over a session's readings.
// A session with no readings yields a zero-valued summary.
func (db *DB) SessionStats(sessionID string) (SessionStats, error) {
	readings, err := db.SessionReadings(sessionID)
	if err != nil {
		return SessionStats{}, err
	}

	stats := SessionStats{SessionID: sessionID, Count: len(readings)}
	if len(readings) == 0 {
		return stats, nil
	}

	ax := make([]float64, len(readings))
	ay := make([]float64, len(readings))
	az := make([]float64, len(readings))
	mag := make([]float64, len(readings))
	for i, r := range readings {
		ax[i] = float64(r.AX)
		ay[i] = float64(r.AY)
		az[i] = float64(r.AZ)
		mag[i] = math.Sqrt(ax[i]*ax[i] + ay[i]*ay[i] + az[i]*az[i])
	}

	stats.MeanAX = stat.Mean(ax, nil)
	stats.MeanAY = stat.Mean(ay, nil)
	stats.MeanAZ = stat.Mean(az, nil)

	stats.MeanMagnitude = stat.Mean(mag, nil)
	stats.MinMagnitude = floats.Min(mag)
	stats.MaxMagnitude = floats.Max(mag)
	if len(mag) > 1 {
		stats.StdDevMagnitude = stat.StdDev(mag, nil)
	}

	sort.Float64s(mag)
	stats.P95Magnitude = stat.Quantile(0.95, stat.Empirical, mag, nil)

	return stats, nil
}
