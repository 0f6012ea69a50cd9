package server

import (
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/delta"
)

// Session is one admitted peer. The compressor and sequence counter belong
// to this peer alone.
type Session struct {
	ID       string
	ClientID string
	EntityID int32

	out        chan []byte
	compressor *delta.Compressor
	seq        protocol.Sequencer

	// owned is the last entity_update sent for the peer's own entity.
	owned     protocol.EntityState
	ownedSent bool
	// announceFull precedes the next full world_update with a
	// world_full_sync_request so the peer replaces its mirror.
	announceFull bool

	sentFull   uint64
	sentDeltas uint64
	dropped    uint64
}

func newSession(id, clientID string, entityID int32, out chan []byte, threshold float64) *Session {
	return &Session{
		ID:         id,
		ClientID:   clientID,
		EntityID:   entityID,
		out:        out,
		compressor: delta.NewCompressor(threshold),
	}
}

// resync makes the next flush a full world_update.
func (s *Session) resync() {
	s.compressor.ClearHistory()
	s.ownedSent = false
}

// forceResync is a resync the peer did not ask for.
func (s *Session) forceResync() {
	s.resync()
	s.announceFull = true
}

// enqueue never blocks the hub. A full queue drops the frame and reports it.
func (s *Session) enqueue(b []byte) bool {
	if s.out == nil {
		return false
	}
	select {
	case s.out <- b:
		return true
	default:
		s.dropped++
		return false
	}
}

type SessionInfo struct {
	ID         string
	ClientID   string
	EntityID   int32
	SentFull   uint64
	SentDeltas uint64
	Dropped    uint64
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		ClientID:   s.ClientID,
		EntityID:   s.EntityID,
		SentFull:   s.sentFull,
		SentDeltas: s.sentDeltas,
		Dropped:    s.dropped,
	}
}
