// Package movement holds the single integration rule both the predictor and
// the authoritative server apply to a client input.
package movement

import "voxelsync.ai/internal/protocol"

type Rule struct {
	Speed       float32 // world units per second
	StepSeconds float32 // dt applied per input
}

func DefaultRule() Rule { return Rule{Speed: 5, StepSeconds: 1} }

// Apply returns s advanced by one input: position += (moveX,0,moveZ)*speed*dt.
// Vertical intent and jump are left to physics. The timestamp becomes the
// input's timestamp.
func (r Rule) Apply(s protocol.EntityState, in protocol.InputState) protocol.EntityState {
	dir := protocol.Vec3{in.MoveX, 0, in.MoveZ}
	step := r.Speed * r.StepSeconds
	s.Position = s.Position.Add(dir.Mul(step))
	s.Velocity = dir.Mul(r.Speed)
	s.Timestamp = in.Timestamp
	return s
}
