// Package config loads capture settings from a JSON file. Every field
// is optional; the Get* methods fall back to defaults so a partial
// config is safe, and command-line flags override whatever the file
// says.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CaptureConfig is the root configuration for a capture run.
type CaptureConfig struct {
	// Sensor selection and stream parameters
	SensorID   *string `json:"sensor_id,omitempty"`
	SampleRate *int    `json:"sample_rate,omitempty"`
	ClientID   *int    `json:"client_id,omitempty"`

	// Discovery params
	DiscoveryWindow *string `json:"discovery_window,omitempty"` // duration string like "5s"

	// Pipeline params
	QueueSize *int `json:"queue_size,omitempty"`

	// Output params
	OutputDir  *string `json:"output_dir,omitempty"`
	FilePrefix *string `json:"file_prefix,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`

	// HTTP params
	Listen *string `json:"listen,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// validSampleRates are the acceleration stream rates the sensor
// firmware accepts for /Meas/Acc.
var validSampleRates = map[int]bool{
	13: true, 26: true, 52: true, 104: true,
	208: true, 416: true, 833: true, 1666: true,
}

// EmptyCaptureConfig returns a CaptureConfig with all fields nil.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads a CaptureConfig from a JSON file. The file
// must have a .json extension and stay under the max file size.
// Fields omitted from the JSON retain their defaults, so partial
// configs are safe.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *CaptureConfig) Validate() error {
	if c.SampleRate != nil && !validSampleRates[*c.SampleRate] {
		return fmt.Errorf("sample_rate %d is not a rate the sensor supports", *c.SampleRate)
	}

	if c.ClientID != nil {
		if *c.ClientID < 0 || *c.ClientID > 255 {
			return fmt.Errorf("client_id must fit in one byte, got %d", *c.ClientID)
		}
	}

	if c.DiscoveryWindow != nil && *c.DiscoveryWindow != "" {
		d, err := time.ParseDuration(*c.DiscoveryWindow)
		if err != nil {
			return fmt.Errorf("invalid discovery_window '%s': %w", *c.DiscoveryWindow, err)
		}
		if d <= 0 {
			return fmt.Errorf("discovery_window must be positive, got %s", d)
		}
	}

	if c.QueueSize != nil && *c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", *c.QueueSize)
	}

	return nil
}

// GetSensorID returns the sensor serial suffix to match during
// discovery, or "" to take the first advertisement seen.
func (c *CaptureConfig) GetSensorID() string {
	if c.SensorID == nil {
		return ""
	}
	return *c.SensorID
}

// GetSampleRate returns the acceleration stream rate in Hz.
func (c *CaptureConfig) GetSampleRate() int {
	if c.SampleRate == nil {
		return 13 // default
	}
	return *c.SampleRate
}

// GetClientID returns the client reference byte tagged onto
// subscribe and unsubscribe commands.
func (c *CaptureConfig) GetClientID() uint8 {
	if c.ClientID == nil {
		return 99 // default
	}
	return uint8(*c.ClientID)
}

// GetDiscoveryWindow parses and returns the DiscoveryWindow.
func (c *CaptureConfig) GetDiscoveryWindow() time.Duration {
	if c.DiscoveryWindow == nil || *c.DiscoveryWindow == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.DiscoveryWindow)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetQueueSize returns the reading queue capacity.
func (c *CaptureConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 512 // default
	}
	return *c.QueueSize
}

// GetOutputDir returns the directory CSV files land in.
func (c *CaptureConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "."
	}
	return *c.OutputDir
}

// GetFilePrefix returns the CSV filename prefix.
func (c *CaptureConfig) GetFilePrefix() string {
	if c.FilePrefix == nil || *c.FilePrefix == "" {
		return "sensor_data"
	}
	return *c.FilePrefix
}

// GetDBPath returns the session database path.
func (c *CaptureConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "fallmark.db"
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address.
func (c *CaptureConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}
