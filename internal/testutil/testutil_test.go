package testutil

import (
	"testing"
	"time"

	"github.com/fallmark-data/fallmark/internal/annotation"
)

func TestFallBatchLabelSequence(t *testing.T) {
	t.Parallel()

	batch := FallBatch(SessionStart)
	if len(batch) != 3 {
		t.Fatalf("len = %d, want 3", len(batch))
	}

	wantLabels := []string{annotation.LabelDefault, annotation.LabelStart, annotation.LabelStop}
	for i, want := range wantLabels {
		if batch[i].FallState != want {
			t.Errorf("reading %d: FallState = %q, want %q", i, batch[i].FallState, want)
		}
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].SensorTimestamp <= batch[i-1].SensorTimestamp {
			t.Errorf("sensor timestamps not increasing at %d: %d then %d",
				i, batch[i-1].SensorTimestamp, batch[i].SensorTimestamp)
		}
		if !batch[i].Local.After(batch[i-1].Local) {
			t.Errorf("local times not increasing at %d", i)
		}
	}
}

func TestWaveShape(t *testing.T) {
	t.Parallel()

	readings := Wave(26, SessionStart)
	if len(readings) != 26 {
		t.Fatalf("len = %d, want 26", len(readings))
	}

	for i, r := range readings {
		if r.AZ != 9.81 {
			t.Fatalf("reading %d: AZ = %v, want gravity on Z", i, r.AZ)
		}
		if r.FallState != annotation.LabelDefault {
			t.Fatalf("reading %d: FallState = %q, want %q", i, r.FallState, annotation.LabelDefault)
		}
		wantLocal := SessionStart.Add(time.Duration(i) * 77 * time.Millisecond)
		if !r.Local.Equal(wantLocal) {
			t.Errorf("reading %d: Local = %v, want %v", i, r.Local, wantLocal)
		}
		if r.SensorTimestamp != uint32(i*77) {
			t.Errorf("reading %d: SensorTimestamp = %d, want %d", i, r.SensorTimestamp, i*77)
		}
	}

	// The sway has to actually move; a flat line would make the chart and
	// stats fixtures useless.
	var moved bool
	for _, r := range readings {
		if r.AX > 0.1 || r.AX < -0.1 {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("expected the X axis to sway")
	}
}

func TestWaveEmpty(t *testing.T) {
	t.Parallel()

	if got := Wave(0, SessionStart); len(got) != 0 {
		t.Errorf("Wave(0) returned %d readings", len(got))
	}
}
