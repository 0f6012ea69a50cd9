package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a websocket connection to transport.Conn. Each envelope is one
// text message.
type Conn struct {
	ws *websocket.Conn
	wm sync.Mutex
}

func NewConn(c *websocket.Conn) *Conn { return &Conn{ws: c} }

func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (c *Conn) WriteFrame(b []byte) error {
	c.wm.Lock()
	defer c.wm.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *Conn) Close() error { return c.ws.Close() }

// CloseWith sends a close frame carrying reason before closing.
func (c *Conn) CloseWith(code int, reason string) error {
	c.wm.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.wm.Unlock()
	return c.ws.Close()
}
