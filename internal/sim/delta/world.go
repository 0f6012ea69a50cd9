package delta

import (
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

// DiffWorld builds the partial world carrying changed, added and removed
// entries of current relative to previous. Removals are tombstoned; an
// entity without a tombstone (id <= 0) is left out of the removals.
func (c *Compressor) DiffWorld(previous, current protocol.WorldState) protocol.WorldState {
	out := protocol.WorldState{Timestamp: current.Timestamp}

	cur := make(map[int32]protocol.EntityState, len(current.Entities))
	for _, e := range current.Entities {
		cur[e.EntityID] = e
	}
	prevIDs := make(map[int32]struct{}, len(previous.Entities))
	for _, last := range previous.Entities {
		prevIDs[last.EntityID] = struct{}{}
		now, ok := cur[last.EntityID]
		if !ok {
			if last.Removable() {
				out.Entities = append(out.Entities, last.Tombstone())
			}
			continue
		}
		if c.Changed(now, last) {
			out.Entities = append(out.Entities, now)
		}
	}
	for _, e := range current.Entities {
		if _, ok := prevIDs[e.EntityID]; !ok {
			out.Entities = append(out.Entities, e)
		}
	}

	curBlocks := make(map[protocol.BlockKey]protocol.Block, len(current.Blocks))
	for _, b := range current.Blocks {
		curBlocks[b.Key()] = b
	}
	prevBlocks := make(map[protocol.BlockKey]struct{}, len(previous.Blocks))
	for _, last := range previous.Blocks {
		prevBlocks[last.Key()] = struct{}{}
		now, ok := curBlocks[last.Key()]
		switch {
		case !ok:
			last.Type = protocol.BlockTombstone
			out.Blocks = append(out.Blocks, last)
		case now.Type != last.Type:
			out.Blocks = append(out.Blocks, now)
		}
	}
	for _, b := range current.Blocks {
		if _, ok := prevBlocks[b.Key()]; !ok {
			out.Blocks = append(out.Blocks, b)
		}
	}
	return out
}

// CompressWorldState emits the full world on first use, then deltas against
// the receiver's reconstructed view. An unchanged world yields an
// empty result.
func (c *Compressor) CompressWorldState(current protocol.WorldState) Result {
	if c.lastWorld == nil {
		snap := current.Clone()
		c.lastWorld = &snap
		return Result{Data: encoding.EncodeWorldState(current)}
	}
	d := c.DiffWorld(*c.lastWorld, current)
	if d.Empty() {
		return Result{}
	}
	// Track what the receiver holds, so sub-threshold drift is still sent
	// once it accumulates.
	next := ApplyWorld(*c.lastWorld, d)
	next.Timestamp = current.Timestamp
	c.lastWorld = &next
	return Result{Data: encoding.EncodeWorldState(d), IsDelta: true}
}

// DecompressWorldState decodes a world delta and applies it onto lastState.
func (c *Compressor) DecompressWorldState(data []byte, lastState protocol.WorldState) (protocol.WorldState, error) {
	d, err := encoding.DecodeWorldState(data)
	if err != nil {
		return protocol.WorldState{}, err
	}
	return ApplyWorld(lastState, d), nil
}

// ApplyWorld returns base with d applied: entities upserted by id, blocks by
// coordinate, tombstones removed. Tombstones for absent entries are no-ops.
// base is not modified.
func ApplyWorld(base, d protocol.WorldState) protocol.WorldState {
	out := base.Clone()
	out.Timestamp = d.Timestamp

	entityIdx := make(map[int32]int, len(out.Entities))
	for i, e := range out.Entities {
		entityIdx[e.EntityID] = i
	}
	removedEntities := map[int32]struct{}{}
	for _, e := range d.Entities {
		if e.IsRemoval() {
			removedEntities[e.RemovedID()] = struct{}{}
			continue
		}
		delete(removedEntities, e.EntityID)
		if i, ok := entityIdx[e.EntityID]; ok {
			out.Entities[i] = e
			continue
		}
		entityIdx[e.EntityID] = len(out.Entities)
		out.Entities = append(out.Entities, e)
	}
	if len(removedEntities) > 0 {
		kept := out.Entities[:0]
		for _, e := range out.Entities {
			if _, gone := removedEntities[e.EntityID]; !gone {
				kept = append(kept, e)
			}
		}
		out.Entities = kept
	}

	blockIdx := make(map[protocol.BlockKey]int, len(out.Blocks))
	for i, b := range out.Blocks {
		blockIdx[b.Key()] = i
	}
	removedBlocks := map[protocol.BlockKey]struct{}{}
	for _, b := range d.Blocks {
		k := b.Key()
		if b.IsRemoval() {
			removedBlocks[k] = struct{}{}
			continue
		}
		delete(removedBlocks, k)
		if i, ok := blockIdx[k]; ok {
			out.Blocks[i] = b
			continue
		}
		blockIdx[k] = len(out.Blocks)
		out.Blocks = append(out.Blocks, b)
	}
	if len(removedBlocks) > 0 {
		kept := out.Blocks[:0]
		for _, b := range out.Blocks {
			if _, gone := removedBlocks[b.Key()]; !gone {
				kept = append(kept, b)
			}
		}
		out.Blocks = kept
	}
	return out
}
