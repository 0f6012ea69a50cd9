package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	persistlog "voxelsync.ai/internal/persistence/log"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

func logCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read recorded inbound traffic",
	}

	var f trafficFilter
	dump := &cobra.Command{
		Use:   "dump [file...]",
		Short: "Decode traffic files as JSON lines (all files under <data>/traffic when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				var err error
				files, err = filepath.Glob(filepath.Join(*dataDir, "traffic", "traffic-*.jsonl.zst"))
				if err != nil {
					return err
				}
				slices.Sort(files)
			}
			if len(files) == 0 {
				return fmt.Errorf("no traffic files under %s", filepath.Join(*dataDir, "traffic"))
			}
			for _, path := range files {
				if err := dumpTraffic(cmd.OutOrStdout(), path, f); err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
			}
			return nil
		},
	}
	dump.Flags().StringVar(&f.Peer, "peer", "", "only this peer id")
	dump.Flags().StringVar(&f.Type, "type", "", "only this message type")
	dump.Flags().Uint64Var(&f.SinceTick, "since_tick", 0, "skip entries before this tick")

	cmd.AddCommand(dump)
	return cmd
}

type trafficFilter struct {
	Peer      string
	Type      string
	SinceTick uint64
}

func (f trafficFilter) match(e persistlog.TrafficEntry) bool {
	if f.Peer != "" && e.PeerID != f.Peer {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return e.Tick >= f.SinceTick
}

type trafficLine struct {
	Tick      uint64  `json:"tick"`
	PeerID    string  `json:"peer_id"`
	Type      string  `json:"type"`
	Sequence  uint32  `json:"sequence"`
	Timestamp float64 `json:"timestamp"`
	Payload   any     `json:"payload,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func dumpTraffic(w io.Writer, path string, f trafficFilter) error {
	enc := json.NewEncoder(w)
	return persistlog.ReadTraffic(path, func(e persistlog.TrafficEntry) error {
		if !f.match(e) {
			return nil
		}
		line := trafficLine{Tick: e.Tick, PeerID: e.PeerID, Type: e.Type, Sequence: e.Sequence, Timestamp: e.Timestamp}
		p, err := encoding.Unwrap(e.Envelope())
		if err != nil {
			line.Error = err.Error()
		} else {
			line.Payload = describe(p)
		}
		return enc.Encode(line)
	})
}

// describe turns a payload into plain JSON-friendly values.
func describe(p protocol.Payload) any {
	switch v := p.(type) {
	case protocol.ClientInput:
		return map[string]any{
			"entity_id": v.EntityID,
			"move":      [3]float32{v.Input.MoveX, v.Input.MoveY, v.Input.MoveZ},
			"jump":      v.Input.Jump,
			"timestamp": v.Input.Timestamp,
		}
	case protocol.InterestArea:
		return map[string]any{"client_id": v.ClientID, "position": [3]float32(v.Position), "radius": v.Radius}
	case protocol.WorldDelta:
		blocks := make([][4]int32, 0, len(v.Blocks))
		for _, b := range v.Blocks {
			blocks = append(blocks, [4]int32{b.X, b.Y, b.Z, b.Type})
		}
		return map[string]any{"entities": len(v.Entities), "blocks": blocks}
	case protocol.FullSyncRequest:
		return map[string]any{}
	default:
		return fmt.Sprintf("%+v", v)
	}
}
