// Package log writes append-only JSONL files compressed with zstd, rotated
// hourly, and reads them back.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/protocol"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	clock   clock.Clock

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, clk clock.Clock) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		clock:   clock.Or(clk),
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.clock.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Path is the file the writer currently appends to, or "" before the first
// write.
func (w *JSONLZstdWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curHour == "" {
		return ""
	}
	return w.pathForHour(w.curHour)
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TrafficEntry is one inbound envelope as the hub saw it.
type TrafficEntry struct {
	Tick      uint64  `json:"tick"`
	PeerID    string  `json:"peer_id"`
	Type      string  `json:"type"`
	Sequence  uint32  `json:"sequence"`
	Timestamp float64 `json:"timestamp"`
	Data      []byte  `json:"data"`
}

func (e TrafficEntry) Envelope() protocol.Envelope {
	return protocol.Envelope{Type: e.Type, Data: e.Data, Timestamp: e.Timestamp, Sequence: e.Sequence}
}

// TrafficLog records every inbound envelope under <dataDir>/traffic.
type TrafficLog struct {
	w   *JSONLZstdWriter
	log interface{ Printf(string, ...any) }

	mu     sync.Mutex
	failed uint64
}

func NewTrafficLog(dataDir string, clk clock.Clock, logger interface{ Printf(string, ...any) }) *TrafficLog {
	return &TrafficLog{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "traffic"), "traffic", clk),
		log: logger,
	}
}

// Record never fails the caller; write errors are counted and logged once
// per hundred.
func (l *TrafficLog) Record(tick uint64, peerID string, env protocol.Envelope) {
	err := l.w.Write(TrafficEntry{
		Tick:      tick,
		PeerID:    peerID,
		Type:      env.Type,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
		Data:      env.Data,
	})
	if err == nil {
		return
	}
	l.mu.Lock()
	l.failed++
	n := l.failed
	l.mu.Unlock()
	if l.log != nil && n%100 == 1 {
		l.log.Printf("traffic log: %v (failures=%d)", err, n)
	}
}

func (l *TrafficLog) Failed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

func (l *TrafficLog) Path() string { return l.w.Path() }
func (l *TrafficLog) Close() error { return l.w.Close() }

// ReadTraffic decodes a traffic file and calls fn for every entry in order.
func ReadTraffic(path string, fn func(TrafficEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return DecodeTraffic(f, fn)
}

func DecodeTraffic(r io.Reader, fn func(TrafficEntry) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), protocolMaxLine)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e TrafficEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// A line holds one base64 envelope body, so it can exceed a frame by a third.
const protocolMaxLine = 24 << 20
