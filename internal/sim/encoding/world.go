package encoding

import "voxelsync.ai/internal/protocol"

func EncodeWorldState(s protocol.WorldState) []byte {
	w := newWriter(worldHeaderSize + len(s.Entities)*EntityStateSize + 4 + len(s.Blocks)*BlockSize)
	w.f64(s.Timestamp)
	w.u32(uint32(len(s.Entities)))
	for _, e := range s.Entities {
		writeEntity(w, e)
	}
	w.u32(uint32(len(s.Blocks)))
	for _, b := range s.Blocks {
		w.i32(b.X)
		w.i32(b.Y)
		w.i32(b.Z)
		w.i32(b.Type)
	}
	return w.buf
}

func DecodeWorldState(b []byte) (protocol.WorldState, error) {
	var out protocol.WorldState
	if len(b) < worldHeaderSize {
		return out, errSize("world state header", worldHeaderSize, len(b))
	}
	r := &reader{b: b}
	ts := r.f64()

	n := int(r.u32())
	if need := n*EntityStateSize + 4; n < 0 || r.remaining() < need {
		return out, errSize("world state entities", r.off+need, len(b))
	}
	entities := make([]protocol.EntityState, 0, n)
	for i := 0; i < n; i++ {
		entities = append(entities, readEntity(r))
	}

	m := int(r.u32())
	if need := m * BlockSize; m < 0 || r.remaining() != need {
		return out, errSize("world state blocks", r.off+need, len(b))
	}
	blocks := make([]protocol.Block, 0, m)
	for i := 0; i < m; i++ {
		blocks = append(blocks, protocol.Block{X: r.i32(), Y: r.i32(), Z: r.i32(), Type: r.i32()})
	}

	out.Timestamp = ts
	out.Entities = entities
	out.Blocks = blocks
	return out, nil
}
