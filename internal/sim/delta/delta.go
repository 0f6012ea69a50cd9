// Package delta computes per-field deltas against the last state a sender
// transmitted and decides between full, delta and nothing-to-send.
package delta

import (
	"errors"
	"math"

	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

// DefaultThreshold is the per-axis change below which a delta is noise.
const DefaultThreshold = 0.001

// ErrUnknownEntity is returned when a delta names an id with no baseline.
var ErrUnknownEntity = errors.New("delta: no baseline for entity")

// Result is one compression outcome. Empty Data with IsDelta=false means
// there is nothing to send; non-empty Data with IsDelta=false is a full state.
type Result struct {
	Data    []byte
	IsDelta bool
}

func (r Result) Empty() bool { return len(r.Data) == 0 }

// Compressor is a sender-side cache: it remembers what it last emitted per
// entity and for the world, never what a peer last received.
type Compressor struct {
	threshold float32

	lastEntities map[int32]protocol.EntityState
	lastWorld    *protocol.WorldState
}

func NewCompressor(threshold float64) *Compressor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Compressor{
		threshold:    float32(threshold),
		lastEntities: map[int32]protocol.EntityState{},
	}
}

func (c *Compressor) Threshold() float64 { return float64(c.threshold) }

func (c *Compressor) significant(d protocol.Vec3) bool {
	for i := 0; i < 3; i++ {
		if float32(math.Abs(float64(d[i]))) > c.threshold {
			return true
		}
	}
	return false
}

// Changed reports whether any axis of position, velocity or rotation moved
// by more than the threshold.
func (c *Compressor) Changed(current, previous protocol.EntityState) bool {
	return c.significant(current.Position.Sub(previous.Position)) ||
		c.significant(current.Velocity.Sub(previous.Velocity)) ||
		c.significant(current.Rotation.Sub(previous.Rotation))
}

func (c *Compressor) CompressEntityState(current protocol.EntityState) Result {
	last, ok := c.lastEntities[current.EntityID]
	if !ok {
		c.lastEntities[current.EntityID] = current
		return Result{Data: encoding.EncodeEntityState(current)}
	}
	if !c.Changed(current, last) {
		return Result{}
	}
	c.lastEntities[current.EntityID] = current
	return Result{Data: encoding.EncodeEntityDelta(current, last), IsDelta: true}
}

// DecompressEntityState adds the decoded delta onto lastState, which is the
// caller's own last-known state and independent of this compressor's cache.
func (c *Compressor) DecompressEntityState(data []byte, lastState protocol.EntityState) (protocol.EntityState, error) {
	return encoding.DecodeEntityDelta(data, lastState)
}

// Forget drops the cached state for one entity so its next update is full.
func (c *Compressor) Forget(entityID int32) {
	delete(c.lastEntities, entityID)
}

func (c *Compressor) ClearHistory() {
	clear(c.lastEntities)
	c.lastWorld = nil
}

func (c *Compressor) HasWorldBaseline() bool { return c.lastWorld != nil }
