package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/protocol"
)

func TestTrafficLog_RoundTripAndHourlyRotation(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	clk := clock.ClockFunc(func() time.Time { return now })

	l := NewTrafficLog(dir, clk, nil)
	l.Record(1, "P000001", protocol.Envelope{Type: protocol.TypeClientInput, Data: []byte{1, 2, 3}, Timestamp: 100, Sequence: 0})
	l.Record(2, "P000002", protocol.Envelope{Type: protocol.TypeInterestArea, Data: []byte{4}, Timestamp: 150, Sequence: 7})
	first := l.Path()

	now = now.Add(2 * time.Minute)
	l.Record(3, "P000001", protocol.Envelope{Type: protocol.TypeFullSyncRequest, Timestamp: 200, Sequence: 1})
	second := l.Path()
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if want := filepath.Join(dir, "traffic", "traffic-2026-03-01-10.jsonl.zst"); first != want {
		t.Fatalf("first path: got %q want %q", first, want)
	}
	if want := filepath.Join(dir, "traffic", "traffic-2026-03-01-11.jsonl.zst"); second != want {
		t.Fatalf("second path: got %q want %q", second, want)
	}
	if l.Failed() != 0 {
		t.Fatalf("failed: got %d want 0", l.Failed())
	}

	var got []TrafficEntry
	if err := ReadTraffic(first, func(e TrafficEntry) error { got = append(got, e); return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries: got %d want 2", len(got))
	}
	if got[1].PeerID != "P000002" || got[1].Tick != 2 || got[1].Sequence != 7 {
		t.Fatalf("entry: got %+v", got[1])
	}
	env := got[0].Envelope()
	if env.Type != protocol.TypeClientInput || string(env.Data) != string([]byte{1, 2, 3}) || env.Timestamp != 100 {
		t.Fatalf("envelope: got %+v", env)
	}

	got = got[:0]
	if err := ReadTraffic(second, func(e TrafficEntry) error { got = append(got, e); return nil }); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if len(got) != 1 || got[0].Type != protocol.TypeFullSyncRequest {
		t.Fatalf("second file: got %+v", got)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clk := clock.ClockFunc(func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) })

	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "traffic", clk)
		if err := w.Write(TrafficEntry{Tick: uint64(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "traffic-2026-03-01-08.jsonl.zst"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var ticks []uint64
	if err := DecodeTraffic(f, func(e TrafficEntry) error { ticks = append(ticks, e.Tick); return nil }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ticks) != 2 || ticks[0] != 0 || ticks[1] != 1 {
		t.Fatalf("ticks: got %v want [0 1]", ticks)
	}
}
