package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

type fakeHub struct {
	join  chan JoinRequest
	inbox chan Inbound
	leave chan string
	outs  chan chan []byte
}

func newFakeHub() *fakeHub {
	h := &fakeHub{
		join:  make(chan JoinRequest),
		inbox: make(chan Inbound, 8),
		leave: make(chan string, 1),
		outs:  make(chan chan []byte, 1),
	}
	go func() {
		for req := range h.join {
			h.outs <- req.Out
			req.Resp <- JoinResponse{Welcome: protocol.WelcomeMsg{
				Type:            protocol.TypeWelcome,
				ProtocolVersion: protocol.Version,
				PeerID:          "P-" + req.ClientID,
				EntityID:        req.EntityID,
			}}
		}
	}()
	return h
}

func (h *fakeHub) Join() chan<- JoinRequest { return h.join }
func (h *fakeHub) Inbox() chan<- Inbound    { return h.inbox }
func (h *fakeHub) Leave() chan<- string     { return h.leave }

func pipe() (*StreamConn, *StreamConn) {
	a, b := net.Pipe()
	return NewStreamConn(a), NewStreamConn(b)
}

func TestAcceptGreetPump(t *testing.T) {
	hub := newFakeHub()
	defer close(hub.join)
	srv, cli := pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		welcome, out, err := Accept(ctx, srv, hub, "anon", 4)
		if err != nil {
			return
		}
		Pump(ctx, srv, hub, welcome.PeerID, out, nil)
	}()

	welcome, err := Greet(cli, "c1", 7)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if welcome.PeerID != "P-c1" || welcome.EntityID != 7 {
		t.Fatalf("welcome: got %+v", welcome)
	}

	out := <-hub.outs
	out <- []byte("down")
	b, err := cli.ReadFrame()
	if err != nil || string(b) != "down" {
		t.Fatalf("downstream frame: got %q err %v", b, err)
	}

	if err := cli.WriteFrame([]byte("up")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	select {
	case in := <-hub.inbox:
		if in.PeerID != "P-c1" || string(in.Frame) != "up" {
			t.Fatalf("inbound: got %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound frame not delivered")
	}

	_ = cli.Close()
	select {
	case id := <-hub.leave:
		if id != "P-c1" {
			t.Fatalf("leave: got %q want P-c1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("leave not delivered")
	}
}

func TestAccept_RejectsBadHello(t *testing.T) {
	cases := []struct {
		name  string
		hello any
		want  error
	}{
		{"wrong type", map[string]any{"type": "act", "protocol_version": protocol.Version}, ErrExpectedHello},
		{"wrong version", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9", ClientID: "c"}, ErrBadVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub := newFakeHub()
			defer close(hub.join)
			srv, cli := pipe()
			defer srv.Close()
			defer cli.Close()

			errc := make(chan error, 1)
			go func() {
				_, _, err := Accept(context.Background(), srv, hub, "anon", 4)
				errc <- err
			}()
			b, _ := json.Marshal(tc.hello)
			if err := cli.WriteFrame(b); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if err := <-errc; !errors.Is(err, tc.want) {
				t.Fatalf("Accept: got %v want %v", err, tc.want)
			}
		})
	}
}

func TestStreamConn_RejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	r := NewStreamConn(b)
	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
		_, _ = a.Write(hdr[:])
	}()
	if _, err := r.ReadFrame(); err == nil {
		t.Fatalf("expected oversize error")
	}
}

func TestClient_QueuesUntilAttached(t *testing.T) {
	fixed := time.UnixMilli(5000)
	c := NewClient(clock.ClockFunc(func() time.Time { return fixed }), nil)

	if err := c.Send(protocol.FullSyncRequest{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(protocol.InterestArea{ClientID: "c1", Radius: 10}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.Pending() != 2 || c.IsConnected() {
		t.Fatalf("before attach: pending %d connected %v", c.Pending(), c.IsConnected())
	}

	srv, cli := pipe()
	defer srv.Close()
	errc := make(chan error, 1)
	go func() { errc <- c.Attach(cli) }()

	wantTypes := []string{protocol.TypeFullSyncRequest, protocol.TypeInterestArea}
	for i, want := range wantTypes {
		b, err := srv.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if env.Type != want || env.Sequence != uint32(i) || env.Timestamp != 5000 {
			t.Fatalf("flushed %d: got %s seq %d ts %v", i, env.Type, env.Sequence, env.Timestamp)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if c.Pending() != 0 || !c.IsConnected() {
		t.Fatalf("after attach: pending %d connected %v", c.Pending(), c.IsConnected())
	}

	var got []string
	var connects, disconnects int
	c.OnConnect(func() { connects++ })
	c.OnDisconnect(func() { disconnects++ })
	unsub := c.OnMessage(func(env protocol.Envelope) { got = append(got, env.Type) })

	ev := <-c.Events()
	if ev.Kind != EventConnect {
		t.Fatalf("first event: got %v want connect", ev.Kind)
	}
	c.Dispatch(ev)

	env, _ := encoding.Wrap(protocol.EntityState{EntityID: 1, Timestamp: 10}, 10, 0)
	raw, _ := protocol.EncodeEnvelope(env)
	go func() { _ = srv.WriteFrame(raw) }()
	ev = <-c.Events()
	c.Dispatch(ev)
	unsub()
	c.Dispatch(ev)
	if len(got) != 1 || got[0] != protocol.TypeEntityUpdate {
		t.Fatalf("messages: got %v", got)
	}

	_ = srv.Close()
	ev = <-c.Events()
	if ev.Kind != EventDisconnect {
		t.Fatalf("event after close: got %v want disconnect", ev.Kind)
	}
	c.Dispatch(ev)
	if connects != 1 || disconnects != 1 || c.IsConnected() {
		t.Fatalf("handlers: connects %d disconnects %d connected %v", connects, disconnects, c.IsConnected())
	}

	if err := c.Send(protocol.FullSyncRequest{}); err != nil || c.Pending() != 1 {
		t.Fatalf("send after disconnect: err %v pending %d", err, c.Pending())
	}
	_ = c.Close()
	if err := c.Send(protocol.FullSyncRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got %v want ErrClosed", err)
	}
}
