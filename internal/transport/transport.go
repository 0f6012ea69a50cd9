// Package transport carries envelopes between peers. Concrete transports
// (websocket, multiplexed TCP) only move frames; every frame is one JSON
// envelope.
package transport

import (
	"context"
	"errors"
	"log"
	"time"

	"voxelsync.ai/internal/protocol"
)

// Conn is one framed, ordered, reliable connection.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// JoinRequest asks the hub to admit a peer. Out receives encoded envelopes
// for that peer.
type JoinRequest struct {
	ClientID string
	EntityID int32
	Out      chan []byte
	Resp     chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Err     error
}

// Inbound is one frame received from a peer.
type Inbound struct {
	PeerID string
	Frame  []byte
}

// Hub is the authoritative side the transports feed.
type Hub interface {
	Join() chan<- JoinRequest
	Inbox() chan<- Inbound
	Leave() chan<- string
}

var ErrHubClosed = errors.New("transport: hub closed")

const (
	DefaultMaxQueue = 64
	writeTimeout    = 5 * time.Second
	readTimeout     = 60 * time.Second
)

// Admit sends a join request and waits for the hub's answer.
func Admit(ctx context.Context, hub Hub, clientID string, entityID int32, maxQueue int) (protocol.WelcomeMsg, chan []byte, error) {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	out := make(chan []byte, maxQueue)
	resp := make(chan JoinResponse, 1)
	select {
	case hub.Join() <- JoinRequest{ClientID: clientID, EntityID: entityID, Out: out, Resp: resp}:
	case <-ctx.Done():
		return protocol.WelcomeMsg{}, nil, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != nil {
			return protocol.WelcomeMsg{}, nil, r.Err
		}
		return r.Welcome, out, nil
	case <-ctx.Done():
		return protocol.WelcomeMsg{}, nil, ctx.Err()
	}
}

// Pump runs the writer goroutine and the reader loop for an admitted peer
// until either side fails or ctx ends, then tells the hub the peer left.
func Pump(ctx context.Context, conn Conn, hub Hub, peerID string, out <-chan []byte, logger *log.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case b, ok := <-out:
				if !ok {
					cancel()
					_ = conn.Close()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteFrame(b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := conn.ReadFrame()
		if err != nil {
			if logger != nil && ctx.Err() == nil {
				logger.Printf("peer %s read: %v", peerID, err)
			}
			break
		}
		select {
		case hub.Inbox() <- Inbound{PeerID: peerID, Frame: frame}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	cancel()

	select {
	case hub.Leave() <- peerID:
	case <-time.After(time.Second):
		if logger != nil {
			logger.Printf("peer %s leave not delivered", peerID)
		}
	}
}
