package transport

import (
	"errors"
	"log"
	"slices"
	"sync"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventConnect
	EventDisconnect
)

// Event is what the client's reader hands to the owning loop. Handlers run
// only when that loop calls Dispatch.
type Event struct {
	Kind     EventKind
	Envelope protocol.Envelope
	Err      error
}

var ErrClosed = errors.New("transport: client closed")

// Client is the peer side of one logical connection. Payloads sent while
// no connection is attached are queued and flushed in order on Attach.
type Client struct {
	clock clock.Clock
	log   *log.Logger

	mu        sync.Mutex
	conn      Conn
	seq       protocol.Sequencer
	pending   []protocol.Payload
	closed    bool
	connected bool

	events chan Event

	nextHandler  int
	onMessage    map[int]func(protocol.Envelope)
	onConnect    map[int]func()
	onDisconnect map[int]func()
}

func NewClient(clk clock.Clock, logger *log.Logger) *Client {
	return &Client{
		clock:        clock.Or(clk),
		log:          logger,
		events:       make(chan Event, 256),
		onMessage:    map[int]func(protocol.Envelope){},
		onConnect:    map[int]func(){},
		onDisconnect: map[int]func(){},
	}
}

// Events is drained by the owning loop, which passes each event to Dispatch.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Attach installs conn, flushes the pending queue and starts the reader.
func (c *Client) Attach(conn Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connected = true
	c.seq = protocol.Sequencer{}
	pending := c.pending
	c.pending = nil
	for i, p := range pending {
		if err := c.writeLocked(p); err != nil {
			c.pending = append(c.pending, pending[i:]...)
			break
		}
	}
	c.mu.Unlock()

	c.events <- Event{Kind: EventConnect}
	go c.readLoop(conn)
	return nil
}

// Send wraps p in an envelope stamped with the clock and the connection
// sequence. Without a connection the payload waits in the pending queue.
func (c *Client) Send(p protocol.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		c.pending = append(c.pending, p)
		return nil
	}
	if err := c.writeLocked(p); err != nil {
		var cerr *encoding.Error
		if errors.As(err, &cerr) {
			return err
		}
		c.pending = append(c.pending, p)
		return err
	}
	return nil
}

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) writeLocked(p protocol.Payload) error {
	env, err := encoding.Wrap(p, clock.Millis(c.clock.Now()), c.seq.Next())
	if err != nil {
		return err
	}
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(b)
}

func (c *Client) readLoop(conn Conn) {
	var cause error
	for {
		b, err := conn.ReadFrame()
		if err != nil {
			cause = err
			break
		}
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			if c.log != nil {
				c.log.Printf("drop frame: %v", err)
			}
			continue
		}
		c.events <- Event{Kind: EventMessage, Envelope: env}
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	if current {
		c.events <- Event{Kind: EventDisconnect, Err: cause}
	}
}

// Dispatch runs the registered handlers for ev.
func (c *Client) Dispatch(ev Event) {
	switch ev.Kind {
	case EventMessage:
		for _, fn := range snapshot(c, c.onMessage) {
			fn(ev.Envelope)
		}
	case EventConnect:
		for _, fn := range snapshot(c, c.onConnect) {
			fn()
		}
	case EventDisconnect:
		for _, fn := range snapshot(c, c.onDisconnect) {
			fn()
		}
	}
}

func (c *Client) OnMessage(fn func(protocol.Envelope)) func() {
	return register(c, c.onMessage, fn)
}

func (c *Client) OnConnect(fn func()) func() {
	return register(c, c.onConnect, fn)
}

func (c *Client) OnDisconnect(fn func()) func() {
	return register(c, c.onDisconnect, fn)
}

// Close drops the connection. Queued payloads are discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if c.connected {
		c.connected = false
		select {
		case c.events <- Event{Kind: EventDisconnect}:
		default:
		}
	}
	return err
}

func register[F any](c *Client, m map[int]F, fn F) func() {
	c.mu.Lock()
	c.nextHandler++
	id := c.nextHandler
	m[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(m, id)
		c.mu.Unlock()
	}
}

// snapshot returns the handlers in registration order.
func snapshot[F any](c *Client, m map[int]F) []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
