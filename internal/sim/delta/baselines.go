package delta

import (
	"fmt"

	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

// Baselines is the receiver-side cache of last-known entity states. It is
// separate from any Compressor: a peer decodes against what it received.
type Baselines struct {
	states map[int32]protocol.EntityState
}

func NewBaselines() *Baselines {
	return &Baselines{states: map[int32]protocol.EntityState{}}
}

// Store records a full state as the baseline for its id.
func (b *Baselines) Store(s protocol.EntityState) {
	if s.IsRemoval() {
		delete(b.states, s.RemovedID())
		return
	}
	b.states[s.EntityID] = s
}

func (b *Baselines) Get(id int32) (protocol.EntityState, bool) {
	s, ok := b.states[id]
	return s, ok
}

func (b *Baselines) Len() int { return len(b.states) }

func (b *Baselines) Clear() { clear(b.states) }

// DecompressEntityFromCache applies a raw entity delta buffer onto the stored
// baseline for its id and stores the result.
func (b *Baselines) DecompressEntityFromCache(data []byte) (protocol.EntityState, error) {
	d, err := encoding.DecodeEntityDeltaFields(data)
	if err != nil {
		return protocol.EntityState{}, err
	}
	return b.ApplyDelta(d)
}

// ApplyDelta applies an already decoded delta record onto the stored baseline.
func (b *Baselines) ApplyDelta(d protocol.EntityState) (protocol.EntityState, error) {
	last, ok := b.states[d.EntityID]
	if !ok {
		return protocol.EntityState{}, fmt.Errorf("%w: %d", ErrUnknownEntity, d.EntityID)
	}
	s := encoding.ApplyEntityDelta(d, last)
	b.states[s.EntityID] = s
	return s, nil
}
