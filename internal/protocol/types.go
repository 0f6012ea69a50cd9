package protocol

import "github.com/go-gl/mathgl/mgl32"

// Vec3 is a 3-component float32 vector; arrays copy by value.
type Vec3 = mgl32.Vec3

// Payload is the sum type carried by an Envelope, one variant per message type.
type Payload interface {
	MessageType() string
}

// EntityState is one snapshot of an entity. It is a plain value: assigning
// it copies every field.
type EntityState struct {
	EntityID  int32
	Position  Vec3
	Velocity  Vec3
	Rotation  Vec3
	Timestamp float64 // ms
}

func (EntityState) MessageType() string { return TypeEntityUpdate }

// IsRemoval reports whether this record is a removal tombstone.
func (s EntityState) IsRemoval() bool { return s.EntityID < 0 }

// RemovedID returns the original id carried by a tombstone. math.MinInt32
// negates to itself and so names no live entity.
func (s EntityState) RemovedID() int32 {
	if s.EntityID < 0 {
		return -s.EntityID
	}
	return s.EntityID
}

// Removable reports whether s has a tombstone. Live ids start at 1: the
// negation of 0 is 0, which reads as a live record.
func (s EntityState) Removable() bool { return s.EntityID > 0 }

// Tombstone returns the removal record for s. It is only meaningful when
// Removable is true.
func (s EntityState) Tombstone() EntityState {
	return EntityState{EntityID: -s.EntityID, Timestamp: s.Timestamp}
}

// EntityDelta carries an EntityState whose vectors are differences against
// the receiver's last-known state for the same id.
type EntityDelta struct {
	EntityState
}

func (EntityDelta) MessageType() string { return TypeEntityDelta }

// BlockTombstone marks a removed block.
const BlockTombstone int32 = -1

type Block struct {
	X, Y, Z int32
	Type    int32
}

type BlockKey struct {
	X, Y, Z int32
}

func (b Block) Key() BlockKey { return BlockKey{X: b.X, Y: b.Y, Z: b.Z} }

func (b Block) IsRemoval() bool { return b.Type < 0 }

func (b Block) Center() Vec3 { return Vec3{float32(b.X), float32(b.Y), float32(b.Z)} }

// WorldState is a point-in-time view of everything observable in an
// interest area.
type WorldState struct {
	Entities  []EntityState
	Blocks    []Block
	Timestamp float64
}

func (WorldState) MessageType() string { return TypeWorldUpdate }

func (w WorldState) Empty() bool { return len(w.Entities) == 0 && len(w.Blocks) == 0 }

// Clone returns a copy that shares no backing arrays with w.
func (w WorldState) Clone() WorldState {
	out := WorldState{Timestamp: w.Timestamp}
	if w.Entities != nil {
		out.Entities = append(make([]EntityState, 0, len(w.Entities)), w.Entities...)
	}
	if w.Blocks != nil {
		out.Blocks = append(make([]Block, 0, len(w.Blocks)), w.Blocks...)
	}
	return out
}

// WorldDelta is a partial WorldState; removals are tombstoned.
type WorldDelta struct {
	WorldState
}

func (WorldDelta) MessageType() string { return TypeWorldDelta }

// InputState is one tick of movement intent.
type InputState struct {
	MoveX     float32
	MoveY     float32
	MoveZ     float32
	Jump      bool
	Timestamp float64 // ms
}

type ClientInput struct {
	EntityID int32
	Input    InputState
}

func (ClientInput) MessageType() string { return TypeClientInput }

type InterestArea struct {
	ClientID string
	Position Vec3
	Radius   float32
}

func (InterestArea) MessageType() string { return TypeInterestArea }

type FullSyncRequest struct{}

func (FullSyncRequest) MessageType() string { return TypeFullSyncRequest }
