package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/session"
	"github.com/fallmark-data/fallmark/internal/telemetry"
)

func TestLiveStream(t *testing.T) {
	source := newFakeSource(session.Status{State: "subscribed"})
	server := NewServer(source, annotation.NewState(), nil, "mps2")

	ts := httptest.NewServer(server.ServeMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/live")
	if err != nil {
		t.Fatalf("GET /api/live failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %s, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First frame is the ping comment.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read ping: %v", err)
	}
	if !strings.HasPrefix(line, ": ping") {
		t.Fatalf("first line = %q, want ping comment", line)
	}
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("failed to read ping separator: %v", err)
	}

	source.push(telemetry.Reading{SensorTimestamp: 1234, AX: 1, AY: 2, AZ: 3, FallState: "Start"})

	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read data frame: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("frame = %q, want data: prefix", line)
	}

	var reading telemetry.Reading
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &reading); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if reading.SensorTimestamp != 1234 {
		t.Errorf("timestamp = %d, want 1234", reading.SensorTimestamp)
	}
	if reading.FallState != "Start" {
		t.Errorf("fall_state = %q, want Start", reading.FallState)
	}

	// Closing the subscriber channel ends the stream.
	source.closeAll()
	if _, err := reader.ReadString('\n'); err == nil {
		// Allow the trailing blank line from the last frame before EOF.
		if _, err := reader.ReadString('\n'); err == nil {
			t.Error("stream did not terminate after source closed")
		}
	}
}

func TestLiveStreamConvertsUnits(t *testing.T) {
	source := newFakeSource(session.Status{State: "subscribed"})
	server := NewServer(source, annotation.NewState(), nil, "g")

	ts := httptest.NewServer(server.ServeMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/live")
	if err != nil {
		t.Fatalf("GET /api/live failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// Skip the ping comment and its separator.
	for i := 0; i < 2; i++ {
		if _, err := reader.ReadString('\n'); err != nil {
			t.Fatalf("failed to read ping: %v", err)
		}
	}

	source.push(telemetry.Reading{SensorTimestamp: 1, AZ: 9.80665})

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read data frame: %v", err)
	}
	var reading telemetry.Reading
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &reading); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if reading.AZ < 0.999 || reading.AZ > 1.001 {
		t.Errorf("az = %v, want ~1g", reading.AZ)
	}

	source.closeAll()
}

func TestLiveStreamMethodNotAllowed(t *testing.T) {
	source := newFakeSource(session.Status{State: "idle"})
	server := NewServer(source, annotation.NewState(), nil, "mps2")

	req := httptest.NewRequest(http.MethodPost, "/api/live", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
