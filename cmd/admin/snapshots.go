package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"voxelsync.ai/internal/persistence/indexdb"
	"voxelsync.ai/internal/persistence/snapshot"
)

func snapshotsCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List and dump world snapshots",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := listSnapshots(*dataDir, limit)
			if err != nil {
				return err
			}
			return writeSnapshotTable(cmd.OutOrStdout(), rows)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows (0 for all)")

	var full bool
	dump := &cobra.Command{
		Use:   "dump <tick|path>",
		Short: "Print a snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveSnapshot(*dataDir, args[0])
			return dumpSnapshot(cmd.OutOrStdout(), path, full)
		},
	}
	dump.Flags().BoolVar(&full, "full", false, "include every entity and block")

	cmd.AddCommand(list, dump)
	return cmd
}

// listSnapshots reads the sqlite index when it exists and the snapshot
// directory otherwise.
func listSnapshots(dataDir string, limit int) ([]indexdb.SnapshotRow, error) {
	dbPath := filepath.Join(dataDir, "index", "snapshots.sqlite")
	if _, err := os.Stat(dbPath); err == nil {
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		defer idx.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return idx.ListSnapshots(ctx, limit)
	}

	paths, err := snapshot.List(filepath.Join(dataDir, "snapshots"))
	if err != nil {
		return nil, err
	}
	var rows []indexdb.SnapshotRow
	for i := len(paths) - 1; i >= 0 && (limit <= 0 || len(rows) < limit); i-- {
		h, err := snapshot.ReadHeader(paths[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(paths[i]), err)
		}
		rows = append(rows, indexdb.SnapshotRow{
			Tick: h.Tick, Path: paths[i], Entities: h.Entities, Blocks: h.Blocks,
			Timestamp: h.Timestamp, BodyBytes: h.BodyBytes,
		})
	}
	return rows, nil
}

func writeSnapshotTable(w io.Writer, rows []indexdb.SnapshotRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICK\tENTITIES\tBLOCKS\tBYTES\tPATH")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", r.Tick, r.Entities, r.Blocks, r.BodyBytes, r.Path)
	}
	return tw.Flush()
}

// resolveSnapshot accepts a file path or a bare tick.
func resolveSnapshot(dataDir, arg string) string {
	if tick, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return filepath.Join(dataDir, "snapshots", snapshot.FileName(tick))
	}
	return arg
}

type snapshotDump struct {
	Header   snapshot.Header `json:"header"`
	Entities any             `json:"entities,omitempty"`
	Blocks   any             `json:"blocks,omitempty"`
}

type entityJSON struct {
	ID        int32      `json:"id"`
	Position  [3]float32 `json:"position"`
	Velocity  [3]float32 `json:"velocity"`
	Rotation  [3]float32 `json:"rotation"`
	Timestamp float64    `json:"timestamp"`
}

type blockJSON struct {
	Pos  [3]int32 `json:"pos"`
	Type int32    `json:"type"`
}

func dumpSnapshot(w io.Writer, path string, full bool) error {
	h, world, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	out := snapshotDump{Header: h}
	if full {
		ents := make([]entityJSON, 0, len(world.Entities))
		for _, e := range world.Entities {
			ents = append(ents, entityJSON{ID: e.EntityID, Position: e.Position, Velocity: e.Velocity, Rotation: e.Rotation, Timestamp: e.Timestamp})
		}
		blocks := make([]blockJSON, 0, len(world.Blocks))
		for _, b := range world.Blocks {
			blocks = append(blocks, blockJSON{Pos: [3]int32{b.X, b.Y, b.Z}, Type: b.Type})
		}
		out.Entities, out.Blocks = ents, blocks
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
