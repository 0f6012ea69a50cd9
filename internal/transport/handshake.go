package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voxelsync.ai/internal/protocol"
)

const handshakeTimeout = 5 * time.Second

var (
	ErrExpectedHello = errors.New("transport: expected hello")
	ErrBadVersion    = errors.New("transport: bad protocol_version")
)

// ReadHello reads and validates the first frame a client sends.
func ReadHello(conn Conn) (protocol.HelloMsg, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	b, err := conn.ReadFrame()
	if err != nil {
		return protocol.HelloMsg{}, err
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(b, &hello); err != nil || hello.Type != protocol.TypeHello {
		return protocol.HelloMsg{}, ErrExpectedHello
	}
	if hello.ProtocolVersion != protocol.Version {
		return protocol.HelloMsg{}, ErrBadVersion
	}
	return hello, nil
}

// Accept runs the server half of the handshake: hello in, hub admission,
// welcome out. defaultID names the peer when the hello carries no client id.
func Accept(ctx context.Context, conn Conn, hub Hub, defaultID string, maxQueue int) (protocol.WelcomeMsg, chan []byte, error) {
	hello, err := ReadHello(conn)
	if err != nil {
		return protocol.WelcomeMsg{}, nil, err
	}
	if hello.ClientID == "" {
		hello.ClientID = defaultID
	}
	welcome, out, err := Admit(ctx, hub, hello.ClientID, hello.EntityID, maxQueue)
	if err != nil {
		return protocol.WelcomeMsg{}, nil, err
	}
	if err := writeJSON(conn, welcome); err != nil {
		return protocol.WelcomeMsg{}, nil, err
	}
	return welcome, out, nil
}

// Greet runs the client half: hello out, welcome in.
func Greet(conn Conn, clientID string, entityID int32) (protocol.WelcomeMsg, error) {
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientID:        clientID,
		EntityID:        entityID,
	}
	if err := writeJSON(conn, hello); err != nil {
		return protocol.WelcomeMsg{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	b, err := conn.ReadFrame()
	if err != nil {
		return protocol.WelcomeMsg{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(b, &welcome); err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: unexpected type %q", welcome.Type)
	}
	return welcome, nil
}

func writeJSON(conn Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteFrame(b)
}
