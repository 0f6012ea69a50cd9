package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"voxelsync.ai/internal/persistence/blockstore"
	"voxelsync.ai/internal/persistence/indexdb"
	persistlog "voxelsync.ai/internal/persistence/log"
	"voxelsync.ai/internal/persistence/snapshot"
	"voxelsync.ai/internal/protocol"
)

type storage struct {
	blocks    *blockstore.Store
	index     *indexdb.SQLiteIndex
	snapshots *snapshot.Writer
	traffic   *persistlog.TrafficLog
}

type storageConfig struct {
	DataDir      string
	DisableDB    bool
	DisableLog   bool
	SnapshotKeep int
}

func openStorage(cfg storageConfig, logger *log.Logger) (*storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	st := &storage{}
	var err error
	st.blocks, err = blockstore.Open(filepath.Join(cfg.DataDir, "blocks.db"))
	if err != nil {
		return nil, err
	}
	if !cfg.DisableDB && indexBackend() == "sqlite" {
		st.index, err = indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index", "snapshots.sqlite"))
		if err != nil {
			_ = st.blocks.Close()
			return nil, err
		}
	}
	st.snapshots = &snapshot.Writer{Dir: filepath.Join(cfg.DataDir, "snapshots"), Keep: cfg.SnapshotKeep}
	if st.index != nil {
		st.snapshots.Index = st.index
	}
	if !cfg.DisableLog {
		st.traffic = persistlog.NewTrafficLog(cfg.DataDir, nil, logger)
	}
	return st, nil
}

// indexBackend reads VC_INDEX_BACKEND; anything but "sqlite" turns the
// index off.
func indexBackend() string {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VC_INDEX_BACKEND")))
	if backend == "" {
		return "sqlite"
	}
	return backend
}

// initialBlocks loads the block store. An empty store is seeded from the
// newest snapshot, if any.
func (st *storage) initialBlocks(logger *log.Logger) ([]protocol.Block, error) {
	blocks, err := st.blocks.All()
	if err != nil || len(blocks) > 0 {
		return blocks, err
	}
	path, err := snapshot.Latest(st.snapshots.Dir)
	if err != nil || path == "" {
		return nil, err
	}
	h, w, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if err := st.blocks.PutAll(w.Blocks); err != nil {
		return nil, err
	}
	logger.Printf("seeded %d blocks from snapshot=%s tick=%d", len(w.Blocks), filepath.Base(path), h.Tick)
	return w.Blocks, nil
}

func (st *storage) Close() {
	if st.traffic != nil {
		_ = st.traffic.Close()
	}
	if st.index != nil {
		_ = st.index.Close()
	}
	_ = st.blocks.Close()
}
