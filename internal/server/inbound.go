package server

import (
	"errors"

	"voxelsync.ai/internal/metrics"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
	"voxelsync.ai/internal/transport"
)

// handleInbound decodes one frame and applies it. Failures drop the frame,
// are logged with the peer id and code, and counted.
func (h *Hub) handleInbound(in transport.Inbound) {
	s := h.sessions[in.PeerID]
	if s == nil {
		return
	}
	env, err := protocol.DecodeEnvelope(in.Frame)
	if err != nil {
		h.drop(in.PeerID, protocol.ErrProtoBadRequest, err)
		return
	}
	if h.traffic != nil {
		h.traffic.Record(h.tick, in.PeerID, env)
	}
	if !protocol.KnownType(env.Type) {
		h.drop(in.PeerID, protocol.ErrUnknownType, errors.New(env.Type))
		return
	}
	h.metrics.Message(env.Type, metrics.DirIn, len(env.Data))
	p, err := encoding.Unwrap(env)
	if err != nil {
		h.drop(in.PeerID, protocol.ErrCodec, err)
		return
	}

	switch v := p.(type) {
	case protocol.ClientInput:
		h.applyInput(s, v)
	case protocol.InterestArea:
		v.ClientID = s.ID
		h.interest.ApplyArea(v)
	case protocol.WorldDelta:
		h.applyBlockEdits(s, v.Blocks)
	case protocol.FullSyncRequest:
		s.resync()
	default:
		h.drop(in.PeerID, protocol.ErrProtoBadRequest, errors.New("server-only message "+env.Type))
	}
}

func (h *Hub) applyInput(s *Session, in protocol.ClientInput) {
	if in.EntityID != s.EntityID {
		h.drop(s.ID, protocol.ErrProtoBadRequest, errors.New("input for entity not owned by peer"))
		return
	}
	e, ok := h.entities[in.EntityID]
	if !ok {
		h.drop(s.ID, protocol.ErrUnknownEntity, nil)
		return
	}
	if in.Input.Timestamp <= e.Timestamp {
		h.drop(s.ID, protocol.ErrStaleInput, nil)
		return
	}
	e = h.rule.Apply(e, in.Input)
	h.entities[e.EntityID] = e
	h.interest.UpsertEntity(e)
	h.interest.UpdateClientPosition(s.ID, e.Position)
}

// applyBlockEdits accepts block upserts and tombstones from a peer. Entity
// records in a client delta are ignored; entities are server-owned.
func (h *Hub) applyBlockEdits(s *Session, blocks []protocol.Block) {
	for _, b := range blocks {
		if b.IsRemoval() {
			b.Type = protocol.BlockTombstone
		}
		h.setBlock(b)
		if h.blockStore == nil {
			continue
		}
		if err := h.blockStore.Put(b); err != nil {
			h.logf("block store %s (%d,%d,%d): %v", s.ID, b.X, b.Y, b.Z, err)
		}
	}
}

func (h *Hub) drop(peerID, code string, err error) {
	h.metrics.Dropped(code)
	if err != nil {
		h.logf("drop %s %s: %v", peerID, code, err)
		return
	}
	h.logf("drop %s %s", peerID, code)
}
