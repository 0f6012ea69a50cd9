// Package snapshot stores the authoritative world as zstd files: one JSON
// header line followed by the wire-codec WorldState body.
package snapshot

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

const Version = 1

type Header struct {
	Version   int     `json:"version"`
	Tick      uint64  `json:"tick"`
	Entities  int     `json:"entities"`
	Blocks    int     `json:"blocks"`
	Timestamp float64 `json:"timestamp"`
	BodyBytes int     `json:"body_bytes"`
}

func FileName(tick uint64) string { return fmt.Sprintf("snap-%d.bin.zst", tick) }

// TickFromName parses the tick out of a snapshot file name.
func TickFromName(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(filepath.Base(name), "snap-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".bin.zst")
	if !ok {
		return 0, false
	}
	tick, err := strconv.ParseUint(s, 10, 64)
	return tick, err == nil
}

func WriteSnapshot(path string, tick uint64, w protocol.WorldState) (Header, error) {
	body := encoding.EncodeWorldState(w)
	h := Header{
		Version:   Version,
		Tick:      tick,
		Entities:  len(w.Entities),
		Blocks:    len(w.Blocks),
		Timestamp: w.Timestamp,
		BodyBytes: len(body),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}
	// Write to a temp file and rename so a reader never sees a torn snapshot.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return h, err
	}
	if err := writeTo(f, h, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return h, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return h, err
	}
	return h, os.Rename(tmp, path)
}

func writeTo(f io.Writer, h Header, body []byte) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(body); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (Header, protocol.WorldState, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, protocol.WorldState{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, protocol.WorldState{}, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	h, err = readHeader(br)
	if err != nil {
		return h, protocol.WorldState{}, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return h, protocol.WorldState{}, err
	}
	if len(body) != h.BodyBytes {
		return h, protocol.WorldState{}, fmt.Errorf("snapshot %s: body is %d bytes, header says %d", path, len(body), h.BodyBytes)
	}
	w, err := encoding.DecodeWorldState(body)
	if err != nil {
		return h, protocol.WorldState{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return h, w, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("snapshot header: unsupported version %d", h.Version)
	}
	return h, nil
}

// List returns the snapshot files in dir ordered by tick.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type named struct {
		tick uint64
		path string
	}
	var found []named
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if tick, ok := TickFromName(e.Name()); ok {
			found = append(found, named{tick, filepath.Join(dir, e.Name())})
		}
	}
	slices.SortFunc(found, func(a, b named) int { return cmp.Compare(a.tick, b.tick) })
	out := make([]string, len(found))
	for i, n := range found {
		out[i] = n.path
	}
	return out, nil
}

// Latest returns the newest snapshot in dir, or "" if there is none.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[len(paths)-1], nil
}

// Recorder is told about every snapshot the Writer produces.
type Recorder interface {
	RecordSnapshot(path string, h Header)
}

// Writer writes snap-<tick>.bin.zst files into one directory and keeps at
// most Keep of them (0 keeps all).
type Writer struct {
	Dir   string
	Keep  int
	Index Recorder
}

func (w *Writer) WriteSnapshot(tick uint64, world protocol.WorldState) error {
	path := filepath.Join(w.Dir, FileName(tick))
	h, err := WriteSnapshot(path, tick, world)
	if err != nil {
		return err
	}
	if w.Index != nil {
		w.Index.RecordSnapshot(path, h)
	}
	return w.prune()
}

func (w *Writer) prune() error {
	if w.Keep <= 0 {
		return nil
	}
	paths, err := List(w.Dir)
	if err != nil {
		return err
	}
	for len(paths) > w.Keep {
		if err := os.Remove(paths[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		paths = paths[1:]
	}
	return nil
}
