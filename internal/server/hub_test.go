package server

import (
	"testing"
	"time"

	"voxelsync.ai/internal/config"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
	"voxelsync.ai/internal/transport"
)

type fakeBlocks struct{ puts []protocol.Block }

func (f *fakeBlocks) Put(b protocol.Block) error {
	f.puts = append(f.puts, b)
	return nil
}

type fakeSnapshots struct {
	ticks  []uint64
	worlds []protocol.WorldState
}

func (f *fakeSnapshots) WriteSnapshot(tick uint64, w protocol.WorldState) error {
	f.ticks = append(f.ticks, tick)
	f.worlds = append(f.worlds, w)
	return nil
}

type fakeTraffic struct{ types []string }

func (f *fakeTraffic) Record(_ uint64, _ string, env protocol.Envelope) {
	f.types = append(f.types, env.Type)
}

type testPeer struct {
	out  chan []byte
	resp chan transport.JoinResponse
}

func newPeer(queue int) testPeer {
	return testPeer{out: make(chan []byte, queue), resp: make(chan transport.JoinResponse, 1)}
}

func (p testPeer) join(clientID string) transport.JoinRequest {
	return transport.JoinRequest{ClientID: clientID, Out: p.out, Resp: p.resp}
}

func (p testPeer) next(t *testing.T) (string, protocol.Payload) {
	t.Helper()
	select {
	case b := <-p.out:
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		pl, err := encoding.Unwrap(env)
		if err != nil {
			t.Fatalf("Unwrap %s: %v", env.Type, err)
		}
		return env.Type, pl
	default:
		t.Fatalf("expected an outbound frame")
		return "", nil
	}
}

func (p testPeer) expectEmpty(t *testing.T) {
	t.Helper()
	if n := len(p.out); n != 0 {
		t.Fatalf("outbound queue: got %d frames want 0", n)
	}
}

func frame(t *testing.T, peerID string, pl protocol.Payload, seq uint32) transport.Inbound {
	t.Helper()
	env, err := encoding.Wrap(pl, 0, seq)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	return transport.Inbound{PeerID: peerID, Frame: b}
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func TestHub_JoinInputAndDeltas(t *testing.T) {
	h := New(Options{Config: config.Default()})
	p1 := newPeer(16)

	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("c1")}})
	welcome := (<-p1.resp).Welcome
	if welcome.PeerID != "P000001" || welcome.EntityID != 1 || welcome.TickRateHz != 20 || welcome.InterestRadius != 50 {
		t.Fatalf("welcome: got %+v", welcome)
	}

	typ, pl := p1.next(t)
	if typ != protocol.TypeWorldUpdate {
		t.Fatalf("first frame: got %s want %s", typ, protocol.TypeWorldUpdate)
	}
	if w := pl.(protocol.WorldState); len(w.Entities) != 1 || w.Entities[0].EntityID != 1 {
		t.Fatalf("full world: got %+v", w)
	}
	if typ, _ = p1.next(t); typ != protocol.TypeEntityUpdate {
		t.Fatalf("second frame: got %s want %s", typ, protocol.TypeEntityUpdate)
	}
	p1.expectEmpty(t)

	input := protocol.ClientInput{EntityID: 1, Input: protocol.InputState{MoveX: 1, Timestamp: 100}}
	h.StepOnce(at(1050), Batch{Inbound: []transport.Inbound{frame(t, "P000001", input, 0)}})

	typ, pl = p1.next(t)
	if typ != protocol.TypeWorldDelta {
		t.Fatalf("after input: got %s want %s", typ, protocol.TypeWorldDelta)
	}
	d := pl.(protocol.WorldDelta)
	if len(d.Entities) != 1 || d.Entities[0].Position != (protocol.Vec3{5, 0, 0}) {
		t.Fatalf("delta entities: got %+v", d.Entities)
	}
	typ, pl = p1.next(t)
	if typ != protocol.TypeEntityUpdate {
		t.Fatalf("owned update: got %s", typ)
	}
	if e := pl.(protocol.EntityState); e.Position != (protocol.Vec3{5, 0, 0}) || e.Timestamp != 100 {
		t.Fatalf("owned entity: got %+v", e)
	}

	// Replayed input is stale; nothing changes so nothing is sent.
	h.StepOnce(at(1100), Batch{Inbound: []transport.Inbound{frame(t, "P000001", input, 1)}})
	p1.expectEmpty(t)

	p2 := newPeer(16)
	h.StepOnce(at(1150), Batch{Joins: []transport.JoinRequest{p2.join("c2")}})
	if w := (<-p2.resp).Welcome; w.EntityID != 2 {
		t.Fatalf("second entity id: got %d want 2", w.EntityID)
	}
	typ, pl = p1.next(t)
	if d := pl.(protocol.WorldDelta); typ != protocol.TypeWorldDelta || len(d.Entities) != 1 || d.Entities[0].EntityID != 2 {
		t.Fatalf("p1 sees newcomer: got %s %+v", typ, pl)
	}
	typ, pl = p2.next(t)
	if w := pl.(protocol.WorldState); typ != protocol.TypeWorldUpdate || len(w.Entities) != 2 {
		t.Fatalf("p2 full world: got %s %+v", typ, pl)
	}

	h.StepOnce(at(1200), Batch{Leaves: []string{"P000002"}})
	typ, pl = p1.next(t)
	d = pl.(protocol.WorldDelta)
	if typ != protocol.TypeWorldDelta || len(d.Entities) != 1 || !d.Entities[0].IsRemoval() || d.Entities[0].RemovedID() != 2 {
		t.Fatalf("p1 sees departure: got %s %+v", typ, pl)
	}
	if _, ok := h.Session("P000002"); ok {
		t.Fatalf("session P000002 still present after leave")
	}
}

func TestHub_InputForForeignEntityIgnored(t *testing.T) {
	h := New(Options{Config: config.Default()})
	p1, p2 := newPeer(16), newPeer(16)
	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("a"), p2.join("b")}})

	input := protocol.ClientInput{EntityID: 2, Input: protocol.InputState{MoveX: 1, Timestamp: 10}}
	h.StepOnce(at(1050), Batch{Inbound: []transport.Inbound{frame(t, "P000001", input, 0)}})

	w := h.World(0)
	for _, e := range w.Entities {
		if e.Position != (protocol.Vec3{}) {
			t.Fatalf("entity %d moved by a foreign peer: %+v", e.EntityID, e.Position)
		}
	}
}

func TestHub_BlockEditsFilteredByInterest(t *testing.T) {
	blocks := &fakeBlocks{}
	traffic := &fakeTraffic{}
	h := New(Options{Config: config.Default(), Blocks: blocks, Traffic: traffic})
	p1 := newPeer(16)
	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("c1")}})
	p1.next(t)
	p1.next(t)

	edit := protocol.WorldDelta{WorldState: protocol.WorldState{
		Entities: []protocol.EntityState{{EntityID: 1, Position: protocol.Vec3{40, 0, 0}}},
		Blocks:   []protocol.Block{{X: 3, Y: 0, Z: 0, Type: 2}, {X: 100, Y: 0, Z: 0, Type: 2}},
	}}
	h.StepOnce(at(1050), Batch{Inbound: []transport.Inbound{frame(t, "P000001", edit, 0)}})

	if len(blocks.puts) != 2 {
		t.Fatalf("block store puts: got %d want 2", len(blocks.puts))
	}
	if len(traffic.types) != 1 || traffic.types[0] != protocol.TypeWorldDelta {
		t.Fatalf("traffic: got %v", traffic.types)
	}
	typ, pl := p1.next(t)
	d := pl.(protocol.WorldDelta)
	if typ != protocol.TypeWorldDelta || len(d.Blocks) != 1 || d.Blocks[0].X != 3 {
		t.Fatalf("filtered blocks: got %s %+v", typ, d.Blocks)
	}
	if len(d.Entities) != 0 {
		t.Fatalf("client entity records must be ignored: got %+v", d.Entities)
	}

	removal := protocol.WorldDelta{WorldState: protocol.WorldState{
		Blocks: []protocol.Block{{X: 3, Y: 0, Z: 0, Type: protocol.BlockTombstone}},
	}}
	h.StepOnce(at(1100), Batch{Inbound: []transport.Inbound{frame(t, "P000001", removal, 1)}})
	_, pl = p1.next(t)
	d = pl.(protocol.WorldDelta)
	if len(d.Blocks) != 1 || !d.Blocks[0].IsRemoval() {
		t.Fatalf("block tombstone: got %+v", d.Blocks)
	}
	if st := h.currentStatus(); st.Blocks != 1 {
		t.Fatalf("authoritative blocks: got %d want 1", st.Blocks)
	}
}

func TestHub_FullSyncRequestResends(t *testing.T) {
	h := New(Options{Config: config.Default()})
	p1 := newPeer(16)
	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("c1")}})
	p1.next(t)
	p1.next(t)

	h.StepOnce(at(1050), Batch{Inbound: []transport.Inbound{frame(t, "P000001", protocol.FullSyncRequest{}, 0)}})
	typ, _ := p1.next(t)
	if typ != protocol.TypeWorldUpdate {
		t.Fatalf("after full sync request: got %s want %s", typ, protocol.TypeWorldUpdate)
	}
	if typ, _ = p1.next(t); typ != protocol.TypeEntityUpdate {
		t.Fatalf("owned entity resent: got %s", typ)
	}
}

func TestHub_QueueOverflowForcesFullWorld(t *testing.T) {
	h := New(Options{Config: config.Default()})
	p1 := newPeer(2)
	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("c1")}})

	input := protocol.ClientInput{EntityID: 1, Input: protocol.InputState{MoveZ: 1, Timestamp: 10}}
	h.StepOnce(at(1050), Batch{Inbound: []transport.Inbound{frame(t, "P000001", input, 0)}})
	if info, _ := h.Session("P000001"); info.Dropped == 0 {
		t.Fatalf("expected a dropped frame")
	}
	p1.next(t)
	p1.next(t)

	h.StepOnce(at(1100), Batch{})
	if typ, _ := p1.next(t); typ != protocol.TypeFullSyncRequest {
		t.Fatalf("before resent world: got %s want %s", typ, protocol.TypeFullSyncRequest)
	}
	typ, pl := p1.next(t)
	if typ != protocol.TypeWorldUpdate {
		t.Fatalf("after overflow: got %s want %s", typ, protocol.TypeWorldUpdate)
	}
	if w := pl.(protocol.WorldState); w.Entities[0].Position != (protocol.Vec3{0, 0, 5}) {
		t.Fatalf("resent world: got %+v", w.Entities)
	}
}

func TestHub_BroadcastFullSyncPrecedesFullWorld(t *testing.T) {
	h := New(Options{Config: config.Default()})
	p1, p2 := newPeer(16), newPeer(16)
	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("a"), p2.join("b")}})
	for len(p1.out) > 0 {
		<-p1.out
	}
	for len(p2.out) > 0 {
		<-p2.out
	}

	h.StepOnce(at(1050), Batch{Direct: []Directed{{Payload: protocol.FullSyncRequest{}}}})
	for _, p := range []testPeer{p1, p2} {
		want := []string{protocol.TypeFullSyncRequest, protocol.TypeWorldUpdate, protocol.TypeEntityUpdate}
		for _, w := range want {
			if typ, _ := p.next(t); typ != w {
				t.Fatalf("resync order: got %s want %s", typ, w)
			}
		}
		p.expectEmpty(t)
	}

	// The announcement is sent once; the next tick is quiet again.
	h.StepOnce(at(1100), Batch{})
	p1.expectEmpty(t)
	p2.expectEmpty(t)
}

func TestHub_DirectedAndSnapshots(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SnapshotEveryTicks = 2
	snaps := &fakeSnapshots{}
	h := New(Options{Config: cfg, Snapshots: snaps, InitialBlocks: []protocol.Block{{X: 1, Y: 1, Z: 1, Type: 9}}})
	p1, p2 := newPeer(16), newPeer(16)
	h.StepOnce(at(1000), Batch{Joins: []transport.JoinRequest{p1.join("a"), p2.join("b")}})
	for len(p1.out) > 0 {
		<-p1.out
	}
	for len(p2.out) > 0 {
		<-p2.out
	}

	area := protocol.InterestArea{ClientID: "srv", Radius: 7}
	h.StepOnce(at(1050), Batch{Direct: []Directed{{Payload: area}, {PeerID: "P000002", Payload: protocol.FullSyncRequest{}}}})

	if typ, _ := p1.next(t); typ != protocol.TypeInterestArea {
		t.Fatalf("broadcast to p1: got %s", typ)
	}
	p1.expectEmpty(t)
	if typ, _ := p2.next(t); typ != protocol.TypeInterestArea {
		t.Fatalf("broadcast to p2: got %s", typ)
	}
	if typ, _ := p2.next(t); typ != protocol.TypeFullSyncRequest {
		t.Fatalf("directed to p2: got %s", typ)
	}

	if len(snaps.ticks) != 1 || snaps.ticks[0] != 2 {
		t.Fatalf("snapshots: got %v want [2]", snaps.ticks)
	}
	if w := snaps.worlds[0]; len(w.Entities) != 2 || len(w.Blocks) != 1 {
		t.Fatalf("snapshot world: got %d entities %d blocks", len(w.Entities), len(w.Blocks))
	}
}
