package server

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"voxelsync.ai/internal/metrics"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

func tickAttrs(tick uint64, peers int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("voxelsync.tick", int64(tick)),
		attribute.Int("voxelsync.peers", peers),
	}
}

// flush sends the peer its interest-filtered world: full on first contact
// or after a resync, a delta afterwards, nothing when unchanged. The peer's
// own entity also goes out as entity_update whenever it moved or its input
// acknowledgement advanced.
func (h *Hub) flush(ctx context.Context, s *Session, ts float64) {
	view := protocol.WorldState{
		Entities:  h.interest.GetEntitiesOfInterest(s.ID),
		Blocks:    h.interest.GetBlocksOfInterest(s.ID),
		Timestamp: ts,
	}
	_, span := h.tracer.Start(ctx, "hub.flush", trace.WithAttributes(
		attribute.String("voxelsync.peer", s.ID),
		attribute.Int("voxelsync.entities", len(view.Entities)),
		attribute.Int("voxelsync.blocks", len(view.Blocks)),
	))
	defer span.End()

	r := s.compressor.CompressWorldState(view)
	switch {
	case r.Empty():
		h.metrics.Suppressed()
	default:
		msgType := protocol.TypeWorldUpdate
		if r.IsDelta {
			msgType = protocol.TypeWorldDelta
		}
		span.SetAttributes(attribute.Bool("voxelsync.delta", r.IsDelta))
		if !r.IsDelta && s.announceFull {
			if !h.send(s, protocol.Envelope{Type: protocol.TypeFullSyncRequest, Timestamp: ts}) {
				s.resync()
				return
			}
			s.announceFull = false
		}
		if !h.send(s, protocol.Envelope{Type: msgType, Data: r.Data, Timestamp: ts}) {
			// The peer missed a link of the delta chain.
			s.forceResync()
			return
		}
		h.metrics.Update(r.IsDelta)
		if r.IsDelta {
			s.sentDeltas++
		} else {
			s.sentFull++
		}
	}

	e, ok := h.entities[s.EntityID]
	if !ok {
		return
	}
	if s.ownedSent && e.Timestamp == s.owned.Timestamp && !s.compressor.Changed(e, s.owned) {
		return
	}
	env, err := encoding.Wrap(e, ts, 0)
	if err != nil {
		h.logf("encode entity %d: %v", e.EntityID, err)
		return
	}
	if h.send(s, env) {
		s.owned = e
		s.ownedSent = true
	}
}

// deliver sends a queued SendToClient or Broadcast payload. A
// world_full_sync_request is not sent as is: the addressed peers get it
// right before their next full world_update.
func (h *Hub) deliver(d Directed, ts float64) {
	if _, ok := d.Payload.(protocol.FullSyncRequest); ok {
		for _, s := range h.addressed(d.PeerID) {
			s.forceResync()
		}
		return
	}
	env, err := encoding.Wrap(d.Payload, ts, 0)
	if err != nil {
		h.logf("encode %T: %v", d.Payload, err)
		return
	}
	for _, s := range h.addressed(d.PeerID) {
		h.send(s, env)
	}
}

func (h *Hub) addressed(peerID string) []*Session {
	if peerID != "" {
		if s := h.sessions[peerID]; s != nil {
			return []*Session{s}
		}
		return nil
	}
	out := make([]*Session, 0, len(h.sessions))
	for _, id := range h.sessionIDs() {
		out = append(out, h.sessions[id])
	}
	return out
}

// send stamps env with the peer's next sequence number and queues it.
func (h *Hub) send(s *Session, env protocol.Envelope) bool {
	env.Sequence = s.seq.Next()
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		h.logf("encode envelope %s: %v", s.ID, err)
		return false
	}
	if !s.enqueue(b) {
		h.metrics.Dropped(protocol.ErrQueueFull)
		h.logf("drop %s %s: outbound queue full", s.ID, env.Type)
		return false
	}
	h.metrics.Message(env.Type, metrics.DirOut, len(env.Data))
	return true
}
