// Package sink drains the ingestion queue and serializes the collected
// readings to a CSV file once the stream ends. One sink instance handles one
// session and flushes exactly once.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fallmark-data/fallmark/internal/monitoring"
	"github.com/fallmark-data/fallmark/internal/telemetry"
	"github.com/fallmark-data/fallmark/internal/timeutil"
)

// DefaultPrefix starts the output filename when none is configured.
const DefaultPrefix = "sensor_data"

// Config assembles a Sink.
type Config struct {
	// Queue delivers readings in arrival order; its close is the end-of-
	// stream signal.
	Queue <-chan telemetry.Reading
	// Dir is the output directory. Empty means the working directory.
	Dir string
	// Prefix starts the output filename. Empty means DefaultPrefix.
	Prefix string
	// Clock names the file. Defaults to the real one.
	Clock timeutil.Clock
	// Archive, when set, receives the full batch after the CSV is written.
	// Archive errors are logged and do not fail the run.
	Archive func([]telemetry.Reading) error
}

// Result reports what a completed run wrote.
type Result struct {
	Path     string `json:"path"`
	Readings int    `json:"readings"`
}

// Sink consumes one session's queue. Create with New, drive with Run.
type Sink struct {
	queue   <-chan telemetry.Reading
	dir     string
	prefix  string
	clock   timeutil.Clock
	archive func([]telemetry.Reading) error
}

func New(cfg Config) *Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Sink{
		queue:   cfg.Queue,
		dir:     cfg.Dir,
		prefix:  cfg.Prefix,
		clock:   cfg.Clock,
		archive: cfg.Archive,
	}
}

// Run blocks draining the queue until it closes, then writes every reading,
// in arrival order, to a single timestamped CSV file. An empty session still
// produces the file with its header row.
func (k *Sink) Run() (Result, error) {
	var readings []telemetry.Reading
	for r := range k.queue {
		readings = append(readings, r)
	}

	name := fmt.Sprintf("%s_%s.csv", k.prefix, k.clock.Now().Format("20060102_150405"))
	path := filepath.Join(k.dir, name)
	if err := writeCSV(path, readings); err != nil {
		return Result{}, err
	}
	monitoring.Logf("sink: wrote %d reading(s) to %s", len(readings), path)

	if k.archive != nil {
		if err := k.archive(readings); err != nil {
			monitoring.Logf("sink: archive: %v", err)
		}
	}
	return Result{Path: path, Readings: len(readings)}, nil
}

func writeCSV(path string, readings []telemetry.Reading) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(telemetry.CSVHeader()); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range readings {
		if err := w.Write(r.CSVRow()); err != nil {
			f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
