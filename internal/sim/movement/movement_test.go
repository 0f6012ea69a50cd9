package movement

import (
	"testing"

	"voxelsync.ai/internal/protocol"
)

func TestApply_UnitStep(t *testing.T) {
	r := DefaultRule()
	got := r.Apply(protocol.EntityState{EntityID: 1}, protocol.InputState{MoveX: 1, MoveY: 1, Timestamp: 100})
	if got.Position != (protocol.Vec3{5, 0, 0}) {
		t.Fatalf("position: got %v want (5,0,0)", got.Position)
	}
	if got.Velocity != (protocol.Vec3{5, 0, 0}) {
		t.Fatalf("velocity: got %v want (5,0,0)", got.Velocity)
	}
	if got.Timestamp != 100 || got.EntityID != 1 {
		t.Fatalf("scalars: got %+v", got)
	}
}

func TestApply_StepSeconds(t *testing.T) {
	r := Rule{Speed: 4, StepSeconds: 0.5}
	got := r.Apply(protocol.EntityState{Position: protocol.Vec3{1, 2, 3}}, protocol.InputState{MoveZ: -1})
	if got.Position != (protocol.Vec3{1, 2, 1}) {
		t.Fatalf("position: got %v want (1,2,1)", got.Position)
	}
}
