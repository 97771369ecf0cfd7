// Command fallmark records one accelerometer capture session from a BLE
// wearable: discover the sensor, stream readings through the annotation
// pipeline, flush them to CSV (and the archive database) when the stream
// ends, and serve the control API and web UI while running.
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/api"
	"github.com/fallmark-data/fallmark/internal/config"
	"github.com/fallmark-data/fallmark/internal/gatt"
	"github.com/fallmark-data/fallmark/internal/session"
	"github.com/fallmark-data/fallmark/internal/sink"
	"github.com/fallmark-data/fallmark/internal/store"
	"github.com/fallmark-data/fallmark/internal/telemetry"
	"github.com/fallmark-data/fallmark/internal/version"
)

var (
	//go:embed static/*
	staticFiles embed.FS

	configPath   = flag.String("config", "", "Path to capture config JSON (flags override file values)")
	sensorID     = flag.String("sensor", "", "Serial suffix of the sensor to record")
	sampleRate   = flag.Int("rate", 0, "Sample rate in Hz (13, 26, 52, 104, 208, 416, 833 or 1666)")
	discoveryTO  = flag.Duration("discovery-timeout", 0, "How long to scan for the sensor before giving up")
	listen       = flag.String("listen", "", "Listen address")
	outDir       = flag.String("out", "", "Directory for session CSV files")
	dbPath       = flag.String("db", "", "Path to the session archive database")
	units        = flag.String("units", "mps2", "Acceleration units served by the API (mps2 or g)")
	devMode      = flag.Bool("dev", false, "Run in dev mode (replay transport, static files from disk)")
	disableStore = flag.Bool("disable-store", false, "Run without the session archive database")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

// DevSensorID is the serial the replay transport advertises when no sensor
// is configured in dev mode.
const DevSensorID = "223430000278"

// settings are the effective capture parameters after merging the config
// file with command line overrides.
type settings struct {
	SensorID        string
	Rate            int
	ClientID        uint8
	DiscoveryWindow time.Duration
	QueueSize       int
	OutDir          string
	FilePrefix      string
	DBPath          string
	Listen          string
}

// resolveSettings merges the config file values with any flags that were set
// on the command line. Flags win.
func resolveSettings(cfg *config.CaptureConfig) settings {
	s := settings{
		SensorID:        cfg.GetSensorID(),
		Rate:            cfg.GetSampleRate(),
		ClientID:        cfg.GetClientID(),
		DiscoveryWindow: cfg.GetDiscoveryWindow(),
		QueueSize:       cfg.GetQueueSize(),
		OutDir:          cfg.GetOutputDir(),
		FilePrefix:      cfg.GetFilePrefix(),
		DBPath:          cfg.GetDBPath(),
		Listen:          cfg.GetListen(),
	}
	if *sensorID != "" {
		s.SensorID = *sensorID
	}
	if *sampleRate != 0 {
		s.Rate = *sampleRate
	}
	if *discoveryTO != 0 {
		s.DiscoveryWindow = *discoveryTO
	}
	if *listen != "" {
		s.Listen = *listen
	}
	if *outDir != "" {
		s.OutDir = *outDir
	}
	if *dbPath != "" {
		s.DBPath = *dbPath
	}
	return s
}

// Main
func main() {
	// The migrate subcommand manages the archive schema and exits; it takes
	// its own flags so it can run against any database file.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateDB := fs.String("db", "fallmark.db", "Path to database file")
		fs.Parse(os.Args[2:])
		store.RunMigrateCommand(fs.Args(), *migrateDB)
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("fallmark %s (%s) built %s\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.EmptyCaptureConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadCaptureConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	s := resolveSettings(cfg)

	if s.Listen == "" {
		log.Fatal("Listen address is required")
	}
	if s.SensorID == "" {
		if !*devMode {
			log.Fatal("Sensor id is required (use -sensor or a config file)")
		}
		s.SensorID = DevSensorID
	}

	var transport gatt.Transport
	if *devMode {
		transport = &gatt.Replay{
			Name: "Movesense " + s.SensorID,
			Addr: "F1:E2:D3:C4:B5:A6",
			Rate: s.Rate,
		}
	} else {
		transport = gatt.NewBlueZ(session.DefaultServiceUUID)
	}

	var db *store.DB
	if !*disableStore {
		var err error
		db, err = store.NewDB(s.DBPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
	}

	queue := make(chan telemetry.Reading, s.QueueSize)
	ann := annotation.NewState()

	sess := session.New(session.Config{
		Transport:       transport,
		Annotation:      ann,
		Queue:           queue,
		SensorID:        s.SensorID,
		Rate:            s.Rate,
		ClientID:        s.ClientID,
		DiscoveryWindow: s.DiscoveryWindow,
	})

	sessionID := uuid.New().String()
	if db != nil {
		if err := db.StartSession(sessionID, s.SensorID, time.Now()); err != nil {
			log.Fatalf("Failed to record session start: %v", err)
		}
	}

	sinkCfg := sink.Config{Queue: queue, Dir: s.OutDir, Prefix: s.FilePrefix}
	if db != nil {
		sinkCfg.Archive = func(batch []telemetry.Reading) error {
			return db.ArchiveReadings(sessionID, batch)
		}
	}
	snk := sink.New(sinkCfg)

	// Create a wait group for the HTTP server, session, and sink routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the capture pipeline: the session streams readings into the queue
	// and the sink drains it, flushing once the session closes the queue.
	// The process records one session per invocation, so when the pipeline
	// finishes the root context is canceled to bring the HTTP server down too.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()

		var runErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			runErr = sess.Run(ctx)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.Printf("session ended: %v", runErr)
			}
		}()

		result, sinkErr := snk.Run()
		<-done
		if sinkErr != nil {
			log.Printf("failed to flush readings: %v", sinkErr)
		}

		if db != nil {
			outcome := session.Outcome(runErr)
			if err := db.FinishSession(sessionID, outcome, result.Path, int64(result.Readings), time.Now()); err != nil {
				log.Printf("failed to record session end: %v", err)
			} else {
				log.Printf("session %s finished: outcome=%s readings=%d", sessionID, outcome, result.Readings)
			}
		}
		log.Print("capture routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		// create a new API server instance over the running session and the
		// archive and mount the API handlers
		mux := api.NewServer(sess, ann, db, *units).ServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		if db != nil {
			db.AttachAdminRoutes(mux)
		}

		// read static files from the embedded filesystem in production or from
		// the local ./static in dev for easier iteration without restarting the
		// server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			sub, err := fs.Sub(staticFiles, "static")
			if err != nil {
				log.Fatalf("failed to load embedded static files: %v", err)
			}
			staticHandler = http.FileServer(http.FS(sub))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    s.Listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a shorter timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
