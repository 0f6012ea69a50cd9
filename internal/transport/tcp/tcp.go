// Package tcp carries envelopes over one yamux stream per TCP connection.
//
// After accept the server writes the allocated connection serial as a
// big-endian int32, then runs a yamux server session and opens the stream.
// The client reads the serial, runs a yamux client session and accepts the
// stream. Frames on the stream are u32 length-prefixed.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"github.com/hashicorp/yamux"

	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/transport"
)

type Server struct {
	hub      transport.Hub
	log      *log.Logger
	maxQueue int
	serial   int32
}

func NewServer(hub transport.Hub, maxQueue int, logger *log.Logger) *Server {
	return &Server{hub: hub, maxQueue: maxQueue, log: logger}
}

// Serve accepts connections until l fails or ctx ends.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logf("accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	id := atomic.AddInt32(&s.serial, 1)
	if err := binary.Write(conn, binary.BigEndian, id); err != nil {
		s.logf("serial %s: %v", conn.RemoteAddr(), err)
		return
	}

	sess, err := yamux.Server(conn, nil)
	if err != nil {
		s.logf("yamux %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sess.Close()

	stream, err := sess.Open()
	if err != nil {
		s.logf("open stream %s: %v", conn.RemoteAddr(), err)
		return
	}
	fc := transport.NewStreamConn(stream)
	defer fc.Close()

	welcome, out, err := transport.Accept(ctx, fc, s.hub, fmt.Sprintf("tcp-%d", id), s.maxQueue)
	if err != nil {
		s.logf("handshake %s(%d): %v", conn.RemoteAddr(), id, err)
		return
	}
	transport.Pump(ctx, fc, s.hub, welcome.PeerID, out, s.log)
	s.logf("%s(%d) closed connection", conn.RemoteAddr(), id)
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// ClientConn is the dialer's side: the framed stream plus the session
// that owns it.
type ClientConn struct {
	*transport.StreamConn
	Serial int32
	sess   *yamux.Session
	raw    net.Conn
}

func (c *ClientConn) Close() error {
	err := c.StreamConn.Close()
	_ = c.sess.Close()
	_ = c.raw.Close()
	return err
}

// Dial connects to addr and completes the hello/welcome exchange.
func Dial(ctx context.Context, addr, clientID string, entityID int32) (*ClientConn, protocol.WelcomeMsg, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.WelcomeMsg{}, err
	}
	cc, welcome, err := Handshake(raw, clientID, entityID)
	if err != nil {
		_ = raw.Close()
		return nil, protocol.WelcomeMsg{}, err
	}
	return cc, welcome, nil
}

// Handshake runs the client side over an established connection.
func Handshake(raw net.Conn, clientID string, entityID int32) (*ClientConn, protocol.WelcomeMsg, error) {
	var serial int32
	if err := binary.Read(raw, binary.BigEndian, &serial); err != nil {
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("read serial: %w", err)
	}
	sess, err := yamux.Client(raw, nil)
	if err != nil {
		return nil, protocol.WelcomeMsg{}, err
	}
	stream, err := sess.Accept()
	if err != nil {
		_ = sess.Close()
		return nil, protocol.WelcomeMsg{}, err
	}
	cc := &ClientConn{StreamConn: transport.NewStreamConn(stream), Serial: serial, sess: sess, raw: raw}
	if clientID == "" {
		clientID = fmt.Sprintf("tcp-%d", serial)
	}
	welcome, err := transport.Greet(cc, clientID, entityID)
	if err != nil {
		_ = cc.Close()
		return nil, protocol.WelcomeMsg{}, err
	}
	return cc, welcome, nil
}
