package gatt

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fallmark-data/fallmark/internal/monitoring"
	"github.com/fallmark-data/fallmark/internal/telemetry"
)

// Replay is a Transport that fabricates a single sensor, for development on
// machines without a BLE adapter. Discover advertises the device
// immediately; after Subscribe the connection emits synthetic accelerometer
// payloads at Rate hertz until Unsubscribe or Disconnect.
type Replay struct {
	// Name is the advertised local name, e.g. "Movesense 223430000278".
	Name string
	// Addr is the fake MAC the advertisement reports.
	Addr string
	// Rate is the sample rate in hertz. Zero means 13.
	Rate int
	// Gen overrides the payload generator. It receives the time since
	// Subscribe and returns one notification payload.
	Gen func(elapsed time.Duration) []byte
}

func (r *Replay) rate() int {
	if r.Rate <= 0 {
		return 13
	}
	return r.Rate
}

func (r *Replay) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return []Advertisement{{Address: r.Addr, Name: r.Name, RSSI: -42}}, nil
}

func (r *Replay) Connect(ctx context.Context, addr string) (Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if addr != r.Addr {
		return nil, fmt.Errorf("no such device %s", addr)
	}
	gen := r.Gen
	if gen == nil {
		gen = swayGen
	}
	return &replayConn{
		interval: time.Second / time.Duration(r.rate()),
		gen:      gen,
		emitters: make(map[string]*emitter),
		dropped:  make(chan struct{}),
	}, nil
}

// swayGen produces a plausible resting-wear waveform: gravity on the z axis
// with a slow sway on x and y.
func swayGen(elapsed time.Duration) []byte {
	ts := uint32(elapsed.Milliseconds())
	phase := elapsed.Seconds()
	ax := 0.6 * math.Sin(2*math.Pi*0.5*phase)
	ay := 0.6 * math.Cos(2*math.Pi*0.5*phase)
	az := 9.81 + 0.2*math.Sin(2*math.Pi*1.3*phase)
	return telemetry.EncodeAcc(ts, float32(ax), float32(ay), float32(az))
}

type emitter struct {
	stop chan struct{}
	done chan struct{}
}

type replayConn struct {
	interval time.Duration
	gen      func(time.Duration) []byte
	dropped  chan struct{}

	mu       sync.Mutex
	emitters map[string]*emitter
	closed   bool
}

// Disconnected never fires; the fake sensor keeps its link up until the host
// tears it down.
func (c *replayConn) Disconnected() <-chan struct{} { return c.dropped }

func (c *replayConn) Subscribe(charUUID string, h NotifyHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, dup := c.emitters[charUUID]; dup {
		return fmt.Errorf("already subscribed to %s", charUUID)
	}

	e := &emitter{stop: make(chan struct{}), done: make(chan struct{})}
	c.emitters[charUUID] = e

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-e.stop:
				return
			case now := <-ticker.C:
				h(c.gen(now.Sub(start)))
			}
		}
	}()
	return nil
}

func (c *replayConn) Unsubscribe(charUUID string) error {
	c.mu.Lock()
	e, ok := c.emitters[charUUID]
	delete(c.emitters, charUUID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	close(e.stop)
	<-e.done
	return nil
}

// Write accepts and discards commands; there is no device to deliver them to.
func (c *replayConn) Write(charUUID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	monitoring.Logf("gatt: replay write to %s: % x", charUUID, payload)
	return nil
}

func (c *replayConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	emitters := c.emitters
	c.emitters = nil
	c.mu.Unlock()

	for _, e := range emitters {
		close(e.stop)
		<-e.done
	}
	return nil
}
