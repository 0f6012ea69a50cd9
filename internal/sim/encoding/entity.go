package encoding

import "voxelsync.ai/internal/protocol"

func EncodeEntityState(s protocol.EntityState) []byte {
	w := newWriter(EntityStateSize)
	writeEntity(w, s)
	return w.buf
}

func DecodeEntityState(b []byte) (protocol.EntityState, error) {
	if len(b) != EntityStateSize {
		return protocol.EntityState{}, errSize("entity state", EntityStateSize, len(b))
	}
	r := &reader{b: b}
	return readEntity(r), nil
}

// EncodeEntityDelta writes current with its vectors replaced by
// current-previous. The timestamp stays absolute.
func EncodeEntityDelta(current, previous protocol.EntityState) []byte {
	d := current
	d.Position = current.Position.Sub(previous.Position)
	d.Velocity = current.Velocity.Sub(previous.Velocity)
	d.Rotation = current.Rotation.Sub(previous.Rotation)
	return EncodeEntityState(d)
}

// DecodeEntityDelta adds the decoded deltas onto previous, the receiver's
// own last-known state.
func DecodeEntityDelta(b []byte, previous protocol.EntityState) (protocol.EntityState, error) {
	d, err := DecodeEntityDeltaFields(b)
	if err != nil {
		return protocol.EntityState{}, err
	}
	return ApplyEntityDelta(d, previous), nil
}

// DecodeEntityDeltaFields returns the raw delta record without applying it.
func DecodeEntityDeltaFields(b []byte) (protocol.EntityState, error) {
	if len(b) != EntityStateSize {
		return protocol.EntityState{}, errSize("entity delta", EntityStateSize, len(b))
	}
	return readEntity(&reader{b: b}), nil
}

func ApplyEntityDelta(d, previous protocol.EntityState) protocol.EntityState {
	return protocol.EntityState{
		EntityID:  d.EntityID,
		Position:  previous.Position.Add(d.Position),
		Velocity:  previous.Velocity.Add(d.Velocity),
		Rotation:  previous.Rotation.Add(d.Rotation),
		Timestamp: d.Timestamp,
	}
}

func writeEntity(w *writer, s protocol.EntityState) {
	w.i32(s.EntityID)
	w.vec3(s.Position)
	w.vec3(s.Velocity)
	w.vec3(s.Rotation)
	w.f64(s.Timestamp)
}

func readEntity(r *reader) protocol.EntityState {
	return protocol.EntityState{
		EntityID:  r.i32(),
		Position:  r.vec3(),
		Velocity:  r.vec3(),
		Rotation:  r.vec3(),
		Timestamp: r.f64(),
	}
}
