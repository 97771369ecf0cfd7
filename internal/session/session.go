// Package session drives one sensor recording end to end: discover the
// device by name suffix, connect, subscribe to the acceleration stream,
// decode each notification into a reading pushed onto the ingestion queue,
// and unwind cleanly on interrupt or device-side disconnect.
package session

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/gatt"
	"github.com/fallmark-data/fallmark/internal/monitoring"
	"github.com/fallmark-data/fallmark/internal/telemetry"
	"github.com/fallmark-data/fallmark/internal/timeutil"
)

// DefaultRate is the acceleration sample rate requested when none is
// configured, in hertz.
const DefaultRate = 13

// DefaultDiscoveryWindow bounds the scan pass when none is configured.
const DefaultDiscoveryWindow = 5 * time.Second

// Config assembles a Session's collaborators and protocol parameters.
type Config struct {
	// Transport provides the BLE central role.
	Transport gatt.Transport
	// Annotation supplies the fall label stamped on each reading.
	Annotation *annotation.State
	// Queue receives decoded readings in notification order. The session
	// closes it exactly once, after the last reading, however the session
	// ends.
	Queue chan<- telemetry.Reading

	// SensorID matches devices whose advertised name ends with it. Must be
	// non-empty; an empty suffix would match every device in range.
	SensorID string
	// Rate is the sample rate in hertz. Zero means DefaultRate.
	Rate int
	// ClientID tags command payloads. Zero means DefaultClientID.
	ClientID uint8
	// DiscoveryWindow bounds the scan pass. Zero means
	// DefaultDiscoveryWindow.
	DiscoveryWindow time.Duration
	// WriteUUID and NotifyUUID override the command and data
	// characteristics. Empty means the sensor family defaults.
	WriteUUID  string
	NotifyUUID string

	// Clock defaults to the real one.
	Clock timeutil.Clock
}

// Session is the device-session state machine. Create one per recording and
// drive it with Run; a Session is not reusable.
type Session struct {
	transport gatt.Transport
	ann       *annotation.State
	queue     chan<- telemetry.Reading
	clock     timeutil.Clock

	sensorID   string
	rate       int
	clientID   uint8
	window     time.Duration
	writeUUID  string
	notifyUUID string

	startedAt time.Time

	state    atomic.Int32
	device   atomic.Value // gatt.Advertisement of the matched device
	last     atomic.Value // most recent telemetry.Reading enqueued
	enqueued atomic.Uint64
	dropped  atomic.Uint64

	// stopping is closed when teardown begins; it unblocks any notification
	// handler waiting on a full queue.
	stopping chan struct{}

	subscriberMu sync.Mutex
	subscribers  map[string]chan telemetry.Reading
}

// Source is the view of a running session the HTTP layer consumes.
type Source interface {
	// Status reports a point-in-time snapshot of the session.
	Status() Status
	// Subscribe creates a channel receiving a best-effort copy of each
	// enqueued reading. The returned id identifies the channel when
	// unsubscribing.
	Subscribe() (string, chan telemetry.Reading)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
}

var _ Source = (*Session)(nil)

// New builds a Session from cfg, filling protocol defaults for zero fields.
func New(cfg Config) *Session {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = DefaultClientID
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = DefaultDiscoveryWindow
	}
	if cfg.WriteUUID == "" {
		cfg.WriteUUID = DefaultWriteUUID
	}
	if cfg.NotifyUUID == "" {
		cfg.NotifyUUID = DefaultNotifyUUID
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	return &Session{
		transport:   cfg.Transport,
		ann:         cfg.Annotation,
		queue:       cfg.Queue,
		clock:       cfg.Clock,
		sensorID:    cfg.SensorID,
		rate:        cfg.Rate,
		clientID:    cfg.ClientID,
		window:      cfg.DiscoveryWindow,
		writeUUID:   cfg.WriteUUID,
		notifyUUID:  cfg.NotifyUUID,
		startedAt:   cfg.Clock.Now(),
		stopping:    make(chan struct{}),
		subscribers: make(map[string]chan telemetry.Reading),
	}
}

// Run executes the session until the context is cancelled, the device drops
// the link, or a fatal setup error occurs. Whatever the path, the queue is
// closed before Run returns, so the sink always sees end of stream.
// Cancelling an already-cancelled context changes nothing.
func (s *Session) Run(ctx context.Context) error {
	defer s.closeSubscribers()

	ad, err := s.discover(ctx)
	if err != nil {
		s.state.Store(int32(StateFailed))
		close(s.queue)
		return err
	}

	conn, err := s.transport.Connect(ctx, ad.Address)
	if err != nil {
		s.state.Store(int32(StateFailed))
		close(s.queue)
		return fatal(StageConnect, err)
	}
	s.state.Store(int32(StateConnected))
	monitoring.Logf("session: connected to %s", ad.Address)

	if err := s.openStream(conn); err != nil {
		s.teardown(conn, false)
		s.state.Store(int32(StateFailed))
		return fatal(StageSubscribe, err)
	}
	s.state.Store(int32(StateSubscribed))
	monitoring.Logf("session: streaming %s from %q", AccPath(s.rate), ad.Name)

	// Stream until something asks us to stop.
	linkUp := true
	select {
	case <-ctx.Done():
		monitoring.Logf("session: disconnect requested")
	case <-conn.Disconnected():
		linkUp = false
		monitoring.Logf("session: device closed the link")
	}

	s.teardown(conn, linkUp)
	s.state.Store(int32(StateClosed))
	return nil
}

// discover runs one scan pass and returns the first advertisement whose name
// ends with the sensor id. No ranking among multiple matches.
func (s *Session) discover(ctx context.Context) (gatt.Advertisement, error) {
	s.state.Store(int32(StateDiscovering))
	monitoring.Logf("session: scanning %s for sensor *%s", s.window, s.sensorID)

	ads, err := s.transport.Discover(ctx, s.window)
	if err != nil {
		return gatt.Advertisement{}, fatal(StageDiscover, err)
	}
	for _, ad := range ads {
		if strings.HasSuffix(ad.Name, s.sensorID) {
			s.device.Store(ad)
			monitoring.Logf("session: matched %q at %s (rssi %d)", ad.Name, ad.Address, ad.RSSI)
			return ad, nil
		}
	}
	return gatt.Advertisement{}, fatal(StageDiscover, ErrNoDevice)
}

// openStream enables notifications first, then issues the subscribe command,
// the order the sensor expects.
func (s *Session) openStream(conn gatt.Conn) error {
	if err := conn.Subscribe(s.notifyUUID, s.handleNotification); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	if err := conn.Write(s.writeUUID, subscribeCmd(s.clientID, s.rate)); err != nil {
		return fmt.Errorf("subscribe command: %w", err)
	}
	return nil
}

// teardown unwinds a connection keeping the queue's close last among sends:
// stop accepting readings, drain the notification path, close the queue,
// then release the link. Teardown errors are logged, never returned.
func (s *Session) teardown(conn gatt.Conn, sendCmd bool) {
	s.state.Store(int32(StateDisconnecting))
	close(s.stopping)

	if sendCmd {
		if err := conn.Write(s.writeUUID, unsubscribeCmd(s.clientID)); err != nil {
			monitoring.Logf("session: unsubscribe command: %v", err)
		}
	}
	// Unsubscribe returns only after any in-flight notification handler has
	// finished, so nothing can send on the queue once it returns.
	if err := conn.Unsubscribe(s.notifyUUID); err != nil {
		monitoring.Logf("session: stop notifications: %v", err)
	}

	close(s.queue)

	if err := conn.Disconnect(); err != nil {
		monitoring.Logf("session: disconnect: %v", err)
	}
}

// handleNotification runs on the transport's dispatch goroutine for every
// inbound payload. Malformed payloads are dropped with a diagnostic and the
// stream continues.
func (s *Session) handleNotification(buf []byte) {
	r, err := telemetry.DecodeAcc(buf, s.clock.Now())
	if err != nil {
		s.dropped.Add(1)
		monitoring.Logf("session: dropping malformed payload (%d bytes): %v", len(buf), err)
		return
	}
	r.FallState = s.ann.Get()

	select {
	case s.queue <- r:
	case <-s.stopping:
		// Teardown has begun; the reading is discarded.
		return
	}

	s.enqueued.Add(1)
	s.last.Store(r)
	s.broadcast(r)
}

// State reports where the session currently is in its lifecycle.
func (s *Session) State() State { return State(s.state.Load()) }

// Status is a point-in-time snapshot of the session for the HTTP API.
type Status struct {
	State        string              `json:"state"`
	SensorID     string              `json:"sensor_id"`
	Path         string              `json:"path"`
	Device       *gatt.Advertisement `json:"device,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	Readings     uint64              `json:"readings"`
	DecodeErrors uint64              `json:"decode_errors"`
	Last         *telemetry.Reading  `json:"last_reading,omitempty"`
}

func (s *Session) Status() Status {
	st := Status{
		State:        s.State().String(),
		SensorID:     s.sensorID,
		Path:         AccPath(s.rate),
		StartedAt:    s.startedAt,
		Readings:     s.enqueued.Load(),
		DecodeErrors: s.dropped.Load(),
	}
	if ad, ok := s.device.Load().(gatt.Advertisement); ok {
		st.Device = &ad
	}
	if r, ok := s.last.Load().(telemetry.Reading); ok {
		st.Last = &r
	}
	return st
}

// randomID generates a subscriber channel id (8 random bytes, hex encoded).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a live observer of enqueued readings. Delivery is
// best-effort: a receiver that is not ready misses readings rather than
// slowing the stream. The channel closes when the session ends or on
// Unsubscribe.
func (s *Session) Subscribe() (string, chan telemetry.Reading) {
	id := randomID()
	ch := make(chan telemetry.Reading)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Session) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Session) broadcast(r telemetry.Reading) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- r:
		default:
			// receiver not ready, skip so the producer never blocks
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}
