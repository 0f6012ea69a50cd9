package blockstore

import (
	"path/filepath"
	"slices"
	"testing"

	"voxelsync.ai/internal/protocol"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestStore_PutGetTombstone(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	if err := s.Put(protocol.Block{X: -1, Y: 4, Z: 33, Type: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	b, ok, err := s.Get(-1, 4, 33)
	if err != nil || !ok || b.Type != 2 {
		t.Fatalf("get: got %+v ok=%v err=%v", b, ok, err)
	}

	if err := s.Put(protocol.Block{X: -1, Y: 4, Z: 33, Type: protocol.BlockTombstone}); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if _, ok, _ := s.Get(-1, 4, 33); ok {
		t.Fatalf("block still present after tombstone")
	}
	// Removing an absent block is not an error.
	if err := s.Put(protocol.Block{X: 9, Y: 9, Z: 9, Type: protocol.BlockTombstone}); err != nil {
		t.Fatalf("tombstone absent: %v", err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	edits := []protocol.Block{
		{X: 0, Y: 0, Z: 0, Type: 1},
		{X: 31, Y: 1, Z: 0, Type: 1},
		{X: 32, Y: 1, Z: 0, Type: 3},
		{X: 0, Y: 0, Z: 0, Type: 5},
	}
	if err := s.PutAll(edits); err != nil {
		t.Fatalf("put all: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	n, err := s.Count()
	if err != nil || n != 3 {
		t.Fatalf("count: got %d, %v want 3", n, err)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if !slices.Contains(all, protocol.Block{X: 0, Y: 0, Z: 0, Type: 5}) {
		t.Fatalf("last write should win: got %+v", all)
	}
}

func TestStore_RangeChunk(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	if err := s.PutAll([]protocol.Block{
		{X: 0, Y: 0, Z: 0, Type: 1},
		{X: 31, Y: 7, Z: 31, Type: 2},
		{X: 32, Y: 0, Z: 0, Type: 3},
		{X: -1, Y: 0, Z: 0, Type: 4},
	}); err != nil {
		t.Fatalf("put all: %v", err)
	}

	var got []int32
	if err := s.RangeChunk(0, 0, func(b protocol.Block) { got = append(got, b.Type) }); err != nil {
		t.Fatalf("range: %v", err)
	}
	slices.Sort(got)
	if !slices.Equal(got, []int32{1, 2}) {
		t.Fatalf("chunk 0,0: got %v want [1 2]", got)
	}

	got = got[:0]
	if err := s.RangeChunk(-1, 0, func(b protocol.Block) { got = append(got, b.Type) }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if !slices.Equal(got, []int32{4}) {
		t.Fatalf("chunk -1,0: got %v want [4]", got)
	}
}

func TestChunkOf(t *testing.T) {
	cases := []struct{ x, z, cx, cz int32 }{
		{0, 0, 0, 0},
		{31, 31, 0, 0},
		{32, -1, 1, -1},
		{-32, -33, -1, -2},
	}
	for _, c := range cases {
		cx, cz := ChunkOf(c.x, c.z)
		if cx != c.cx || cz != c.cz {
			t.Fatalf("ChunkOf(%d,%d): got (%d,%d) want (%d,%d)", c.x, c.z, cx, cz, c.cx, c.cz)
		}
	}
}
