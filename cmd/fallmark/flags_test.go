package main

import (
	"flag"
	"testing"
	"time"

	"github.com/fallmark-data/fallmark/internal/config"
)

// TestFlagDefaults verifies the capture flags exist and carry the expected
// defaults. Zero-value defaults mean "not set on the command line" and defer
// to the config file.
func TestFlagDefaults(t *testing.T) {
	if sensorID == nil || *sensorID != "" {
		t.Errorf("expected -sensor default to be empty, got %v", sensorID)
	}
	if sampleRate == nil || *sampleRate != 0 {
		t.Errorf("expected -rate default to be 0, got %v", sampleRate)
	}
	if discoveryTO == nil || *discoveryTO != 0 {
		t.Errorf("expected -discovery-timeout default to be 0, got %v", discoveryTO)
	}
	if units == nil || *units != "mps2" {
		t.Errorf("expected -units default to be mps2, got %v", units)
	}
	if devMode == nil || *devMode != false {
		t.Errorf("expected -dev default to be false, got %v", devMode)
	}
	if disableStore == nil || *disableStore != false {
		t.Errorf("expected -disable-store default to be false, got %v", disableStore)
	}
}

// TestResolveSettingsDefaults verifies that with no config file and no flags
// the effective settings are the documented defaults.
func TestResolveSettingsDefaults(t *testing.T) {
	s := resolveSettings(config.EmptyCaptureConfig())

	if s.Rate != 13 {
		t.Errorf("Rate = %d, want 13", s.Rate)
	}
	if s.ClientID != 99 {
		t.Errorf("ClientID = %d, want 99", s.ClientID)
	}
	if s.DiscoveryWindow != 5*time.Second {
		t.Errorf("DiscoveryWindow = %v, want 5s", s.DiscoveryWindow)
	}
	if s.QueueSize != 512 {
		t.Errorf("QueueSize = %d, want 512", s.QueueSize)
	}
	if s.DBPath != "fallmark.db" {
		t.Errorf("DBPath = %q, want fallmark.db", s.DBPath)
	}
	if s.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", s.Listen)
	}
}

// TestResolveSettingsFlagOverridesConfig verifies that an explicitly set flag
// wins over the config file value for the same setting.
func TestResolveSettingsFlagOverridesConfig(t *testing.T) {
	cfg := config.EmptyCaptureConfig()
	cfgSensor := "174630000195"
	cfgRate := 52
	cfgListen := ":9090"
	cfg.SensorID = &cfgSensor
	cfg.SampleRate = &cfgRate
	cfg.Listen = &cfgListen

	// Simulate -sensor, -rate and -discovery-timeout being passed; leave
	// -listen unset.
	oldSensor, oldRate, oldTO := *sensorID, *sampleRate, *discoveryTO
	*sensorID = "223430000278"
	*sampleRate = 104
	*discoveryTO = 30 * time.Second
	defer func() { *sensorID, *sampleRate, *discoveryTO = oldSensor, oldRate, oldTO }()

	s := resolveSettings(cfg)

	if s.SensorID != "223430000278" {
		t.Errorf("SensorID = %q, want flag value to win", s.SensorID)
	}
	if s.Rate != 104 {
		t.Errorf("Rate = %d, want flag value to win", s.Rate)
	}
	if s.DiscoveryWindow != 30*time.Second {
		t.Errorf("DiscoveryWindow = %v, want flag value to win", s.DiscoveryWindow)
	}
	if s.Listen != ":9090" {
		t.Errorf("Listen = %q, want config value when flag unset", s.Listen)
	}
}

// TestFlagParsing verifies that the flags can be parsed correctly.
// This uses a separate FlagSet to avoid polluting the global flags.
func TestFlagParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantBool bool
	}{
		{
			name:     "flag not set",
			args:     []string{},
			wantBool: false,
		},
		{
			name:     "flag set explicitly true",
			args:     []string{"--disable-store=true"},
			wantBool: true,
		},
		{
			name:     "flag set without value (implies true)",
			args:     []string{"--disable-store"},
			wantBool: true,
		},
		{
			name:     "flag set explicitly false",
			args:     []string{"--disable-store=false"},
			wantBool: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			disableFlag := fs.Bool("disable-store", false, "Run without the session archive database")

			err := fs.Parse(tc.args)
			if err != nil {
				t.Fatalf("failed to parse flags: %v", err)
			}

			if *disableFlag != tc.wantBool {
				t.Errorf("disable-store = %v, want %v", *disableFlag, tc.wantBool)
			}
		})
	}
}

// TestMigrateFlagSetParsing mirrors the migrate subcommand's flag handling:
// flags before the action are consumed, the action and its arguments remain.
func TestMigrateFlagSetParsing(t *testing.T) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	migrateDB := fs.String("db", "fallmark.db", "Path to database file")

	if err := fs.Parse([]string{"-db", "trial.db", "up"}); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}
	if *migrateDB != "trial.db" {
		t.Errorf("db = %q, want trial.db", *migrateDB)
	}
	if len(fs.Args()) != 1 || fs.Args()[0] != "up" {
		t.Errorf("args = %v, want [up]", fs.Args())
	}
}
