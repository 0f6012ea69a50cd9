package main

import (
	"io"
	"log"
	"testing"

	"voxelsync.ai/internal/config"
	persistlog "voxelsync.ai/internal/persistence/log"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

func entry(t *testing.T, tick uint64, peer string, p protocol.Payload, ts float64, seq uint32) persistlog.TrafficEntry {
	t.Helper()
	env, err := encoding.Wrap(p, ts, seq)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	return persistlog.TrafficEntry{Tick: tick, PeerID: peer, Type: env.Type, Sequence: env.Sequence, Timestamp: env.Timestamp, Data: env.Data}
}

func TestReplayer_RebuildsWorldFromTraffic(t *testing.T) {
	r := newReplayer(config.Default(), []protocol.Block{{X: 9, Y: 0, Z: 9, Type: 4}}, log.New(io.Discard, "", 0))

	entries := []persistlog.TrafficEntry{
		// Entity 42 belonged to the peer in the recorded run.
		entry(t, 1, "P000007", protocol.ClientInput{EntityID: 42, Input: protocol.InputState{MoveX: 1, Timestamp: 100}}, 100, 0),
		entry(t, 2, "P000007", protocol.WorldDelta{WorldState: protocol.WorldState{Blocks: []protocol.Block{
			{X: 1, Y: 0, Z: 0, Type: 2},
			{X: 9, Y: 0, Z: 9, Type: protocol.BlockTombstone},
		}}}, 150, 1),
		entry(t, 2, "P000008", protocol.FullSyncRequest{}, 160, 0),
	}
	for _, e := range entries {
		if err := r.add(e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r.finish()

	if len(r.peers) != 2 {
		t.Fatalf("peers: got %d want 2", len(r.peers))
	}
	w := r.hub.World(r.lastTS)
	if len(w.Blocks) != 1 || w.Blocks[0] != (protocol.Block{X: 1, Y: 0, Z: 0, Type: 2}) {
		t.Fatalf("blocks: got %+v", w.Blocks)
	}
	own := r.peers["P000007"].entity
	var moved bool
	for _, e := range w.Entities {
		if e.EntityID == own && e.Position[0] > 0 && e.Timestamp == 100 {
			moved = true
		}
	}
	if !moved {
		t.Fatalf("input was not applied to entity %d: %+v", own, w.Entities)
	}
	if r.framesOut == 0 {
		t.Fatalf("expected outbound frames to be drained")
	}
	if r.entries != 3 {
		t.Fatalf("entries: got %d want 3", r.entries)
	}
}

func TestDiffBlocks(t *testing.T) {
	a := []protocol.Block{{X: 1, Type: 1}, {X: 2, Type: 1}}
	if d := diffBlocks(a, a); d != "" {
		t.Fatalf("equal: got %q", d)
	}
	b := []protocol.Block{{X: 1, Type: 3}, {X: 5, Type: 1}}
	if d := diffBlocks(a, b); d != "missing=1 extra=1 changed=1" {
		t.Fatalf("diff: got %q", d)
	}
}
