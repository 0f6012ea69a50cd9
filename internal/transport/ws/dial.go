package ws

import (
	"context"

	"github.com/gorilla/websocket"

	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/transport"
)

// Dial connects to a websocket endpoint and completes the hello/welcome
// exchange.
func Dial(ctx context.Context, url, clientID string, entityID int32) (*Conn, protocol.WelcomeMsg, error) {
	wsc, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, protocol.WelcomeMsg{}, err
	}
	conn := NewConn(wsc)
	welcome, err := transport.Greet(conn, clientID, entityID)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.WelcomeMsg{}, err
	}
	return conn, welcome, nil
}
