package gatt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTransport is a scripted Transport for tests. Populate the exported
// fields before use; accessors report what the code under test did.
type MockTransport struct {
	mu sync.Mutex

	// Ads is returned by Discover, in order.
	Ads []Advertisement
	// DiscoverErr, when set, fails Discover.
	DiscoverErr error
	// DiscoverHold, when set, blocks Discover until the channel is closed or
	// the context is cancelled. Lets tests interrupt a scan in flight.
	DiscoverHold chan struct{}
	// ConnectErr, when set, fails Connect.
	ConnectErr error
	// OnConnect, when set, runs on each new MockConn before Connect returns.
	OnConnect func(*MockConn)

	discoverCalls int
	connects      []string
	conns         []*MockConn
}

func (m *MockTransport) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	m.mu.Lock()
	m.discoverCalls++
	hold := m.DiscoverHold
	ads := append([]Advertisement(nil), m.Ads...)
	err := m.DiscoverErr
	m.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return ads, nil
}

func (m *MockTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	m.mu.Lock()
	m.connects = append(m.connects, addr)
	err := m.ConnectErr
	hook := m.OnConnect
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c := NewMockConn(addr)
	if hook != nil {
		hook(c)
	}
	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.mu.Unlock()
	return c, nil
}

// DiscoverCalls reports how many scan passes ran.
func (m *MockTransport) DiscoverCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoverCalls
}

// Connects returns the addresses Connect was called with, in order.
func (m *MockTransport) Connects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.connects...)
}

// LastConn returns the most recent connection, or nil.
func (m *MockTransport) LastConn() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

// MockWrite records one Write call.
type MockWrite struct {
	CharUUID string
	Payload  []byte
}

// MockConn is the Conn produced by MockTransport. Tests push payloads in
// with Notify and inspect writes, unsubscribes and disconnects afterwards.
type MockConn struct {
	// Error scripting, set before the call under test.
	SubscribeErr   error
	UnsubscribeErr error
	WriteErr       error
	DisconnectErr  error

	addr string

	mu           sync.Mutex
	handlers     map[string]NotifyHandler
	writes       []MockWrite
	unsubscribed []string
	disconnects  int
	closed       bool
	dropped      chan struct{}
	dropOnce     sync.Once

	inflight sync.WaitGroup
}

func NewMockConn(addr string) *MockConn {
	return &MockConn{
		addr:     addr,
		handlers: make(map[string]NotifyHandler),
		dropped:  make(chan struct{}),
	}
}

func (c *MockConn) Addr() string { return c.addr }

func (c *MockConn) Disconnected() <-chan struct{} { return c.dropped }

// DropLink simulates the device closing the connection from its side.
func (c *MockConn) DropLink() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

func (c *MockConn) Subscribe(charUUID string, h NotifyHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	if _, dup := c.handlers[charUUID]; dup {
		return fmt.Errorf("already subscribed to %s", charUUID)
	}
	c.handlers[charUUID] = h
	return nil
}

func (c *MockConn) Unsubscribe(charUUID string) error {
	c.mu.Lock()
	_, had := c.handlers[charUUID]
	delete(c.handlers, charUUID)
	c.unsubscribed = append(c.unsubscribed, charUUID)
	err := c.UnsubscribeErr
	c.mu.Unlock()

	// Match the production contract: no handler invocation after return.
	if had {
		c.inflight.Wait()
	}
	return err
}

func (c *MockConn) Write(charUUID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.writes = append(c.writes, MockWrite{
		CharUUID: charUUID,
		Payload:  append([]byte(nil), payload...),
	})
	return nil
}

func (c *MockConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	had := len(c.handlers) > 0
	c.handlers = make(map[string]NotifyHandler)
	c.disconnects++
	err := c.DisconnectErr
	c.mu.Unlock()

	if had {
		c.inflight.Wait()
	}
	return err
}

// Notify delivers a payload to the handler subscribed on charUUID. It
// reports false when nothing is subscribed. The handler runs on the caller's
// goroutine, so a blocking handler blocks Notify, as a slow consumer would.
func (c *MockConn) Notify(charUUID string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[charUUID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	h(payload)
	return true
}

// Writes returns every recorded Write, in order.
func (c *MockConn) Writes() []MockWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MockWrite(nil), c.writes...)
}

// Unsubscribed returns the characteristics Unsubscribe was called on.
func (c *MockConn) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

// Disconnects reports how many times Disconnect did real work.
func (c *MockConn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Subscribed reports whether charUUID currently has a handler.
func (c *MockConn) Subscribed(charUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[charUUID]
	return ok
}
