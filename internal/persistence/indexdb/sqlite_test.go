package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"voxelsync.ai/internal/persistence/snapshot"
)

func TestSQLiteIndex_RecordAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index", "snapshots.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, tick := range []uint64{600, 1200, 1800} {
		idx.RecordSnapshot("/data/"+snapshot.FileName(tick), snapshot.Header{
			Version: snapshot.Version, Tick: tick, Entities: int(tick / 600), Blocks: 7, Timestamp: float64(tick) * 50, BodyBytes: 99,
		})
	}

	ctx := context.Background()
	rows, err := idx.ListSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d want 2", len(rows))
	}
	if rows[0].Tick != 1800 || rows[1].Tick != 1200 {
		t.Fatalf("order: got %d,%d want 1800,1200", rows[0].Tick, rows[1].Tick)
	}
	if rows[0].Path != "/data/snap-1800.bin.zst" || rows[0].Entities != 3 || rows[0].Blocks != 7 || rows[0].Timestamp != 90000 || rows[0].BodyBytes != 99 {
		t.Fatalf("row: got %+v", rows[0])
	}
	if rows[0].RecordedAt == "" {
		t.Fatalf("recorded_at not set")
	}
	if st := idx.Stats(); st.Dropped != 0 || st.QueueCapacity != 1024 {
		t.Fatalf("stats: got %+v", st)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	all, err := idx.ListSnapshots(ctx, 0)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(all) != 3 || all[2].Tick != 600 {
		t.Fatalf("after reopen: got %+v", all)
	}
}

func TestSQLiteIndex_ReRecordReplacesRow(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "i.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	idx.RecordSnapshot("/a", snapshot.Header{Tick: 5, Entities: 1})
	idx.RecordSnapshot("/b", snapshot.Header{Tick: 5, Entities: 2})
	rows, err := idx.ListSnapshots(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Path != "/b" || rows[0].Entities != 2 {
		t.Fatalf("rows: got %+v", rows)
	}
}

func TestSQLiteIndex_DropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.RecordSnapshot("/a", snapshot.Header{Tick: 1})
	s.RecordSnapshot("/b", snapshot.Header{Tick: 2})

	st := s.Stats()
	if st.Dropped != 1 {
		t.Fatalf("dropped: got %d want 1", st.Dropped)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue: got depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilAndClosedAreSafe(t *testing.T) {
	var s *SQLiteIndex
	s.RecordSnapshot("/a", snapshot.Header{Tick: 1})
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("nil stats: got %+v", st)
	}

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "i.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	idx.RecordSnapshot("/a", snapshot.Header{Tick: 1})
	if err := idx.Sync(context.Background()); err == nil {
		t.Fatalf("sync after close: expected error")
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
