package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds one length-prefixed frame.
const MaxFrameSize = 16 << 20

// StreamConn frames a byte stream as u32 big-endian length + body.
type StreamConn struct {
	c  net.Conn
	r  *bufio.Reader
	wm sync.Mutex
}

func NewStreamConn(c net.Conn) *StreamConn {
	return &StreamConn{c: c, r: bufio.NewReader(c)}
}

func (s *StreamConn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds %d", n, MaxFrameSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *StreamConn) WriteFrame(b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d", len(b), MaxFrameSize)
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	s.wm.Lock()
	defer s.wm.Unlock()
	_, err := s.c.Write(buf)
	return err
}

func (s *StreamConn) SetReadDeadline(t time.Time) error  { return s.c.SetReadDeadline(t) }
func (s *StreamConn) SetWriteDeadline(t time.Time) error { return s.c.SetWriteDeadline(t) }
func (s *StreamConn) Close() error                       { return s.c.Close() }
func (s *StreamConn) RemoteAddr() net.Addr               { return s.c.RemoteAddr() }
