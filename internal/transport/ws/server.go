package ws

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"voxelsync.ai/internal/transport"
)

type Server struct {
	hub      transport.Hub
	log      *log.Logger
	maxQueue int

	upgrader websocket.Upgrader
}

func NewServer(hub transport.Hub, maxQueue int, logger *log.Logger) *Server {
	return &Server{
		hub:      hub,
		log:      logger,
		maxQueue: maxQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsc, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(wsc)
		defer conn.Close()

		welcome, out, err := transport.Accept(r.Context(), conn, s.hub, r.RemoteAddr, s.maxQueue)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrExpectedHello):
				_ = conn.CloseWith(websocket.ClosePolicyViolation, "expected hello")
			case errors.Is(err, transport.ErrBadVersion):
				_ = conn.CloseWith(websocket.ClosePolicyViolation, "bad protocol_version")
			default:
				if s.log != nil {
					s.log.Printf("ws handshake %s: %v", r.RemoteAddr, err)
				}
			}
			return
		}

		transport.Pump(context.Background(), conn, s.hub, welcome.PeerID, out, s.log)
	}
}
