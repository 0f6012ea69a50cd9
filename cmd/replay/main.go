package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"time"

	"voxelsync.ai/internal/config"
	persistlog "voxelsync.ai/internal/persistence/log"
	"voxelsync.ai/internal/persistence/snapshot"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/server"
	"voxelsync.ai/internal/sim/encoding"
	"voxelsync.ai/internal/transport"
)

func main() {
	var (
		trafficDir = flag.String("traffic", "./data/traffic", "directory containing traffic-*.jsonl.zst")
		snapPath   = flag.String("snapshot", "", "snapshot whose blocks seed the world (optional)")
		verifyPath = flag.String("verify", "", "snapshot whose blocks the replayed world must match (optional)")
		outPath    = flag.String("out", "", "write the replayed world to this snapshot path (optional)")
		configPath = flag.String("config", "", "path to netsync.yaml (empty for defaults)")
		verbose    = flag.Bool("v", false, "log hub activity")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	var initial []protocol.Block
	if *snapPath != "" {
		h, w, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		initial = w.Blocks
		fmt.Printf("snapshot v%d tick=%d entities=%d blocks=%d\n", h.Version, h.Tick, h.Entities, h.Blocks)
	}

	files, err := filepath.Glob(filepath.Join(*trafficDir, "traffic-*.jsonl.zst"))
	if err != nil || len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no traffic files found in", *trafficDir)
		os.Exit(1)
	}
	slices.Sort(files)

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stdout, "[replay] ", log.LstdFlags|log.Lmicroseconds)
	}
	r := newReplayer(cfg, initial, logger)
	for _, path := range files {
		if err := persistlog.ReadTraffic(path, r.add); err != nil {
			fmt.Fprintf(os.Stderr, "replay %s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}
	r.finish()

	world := r.hub.World(r.lastTS)
	fmt.Printf("replay ok: entries=%d steps=%d peers=%d entities=%d blocks=%d frames_out=%d\n",
		r.entries, r.steps, len(r.peers), len(world.Entities), len(world.Blocks), r.framesOut)

	if *outPath != "" {
		if _, err := snapshot.WriteSnapshot(*outPath, r.steps, world); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
	}
	if *verifyPath != "" {
		_, want, err := snapshot.ReadSnapshot(*verifyPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read verify snapshot:", err)
			os.Exit(1)
		}
		if diff := diffBlocks(world.Blocks, want.Blocks); diff != "" {
			fmt.Fprintln(os.Stderr, "verify failed:", diff)
			os.Exit(1)
		}
		fmt.Println("verify ok: blocks match")
	}
}

// replayer feeds recorded traffic through a fresh hub. Recorded peers are
// re-admitted on first sight; their inputs are redirected to the entity the
// replay hub gives them.
type replayer struct {
	hub *server.Hub

	peers map[string]replayPeer
	batch server.Batch
	tick  uint64
	open  bool

	entries   int
	steps     uint64
	framesOut int
	lastTS    float64
}

type replayPeer struct {
	id     string
	entity int32
	out    chan []byte
}

func newReplayer(cfg config.Config, initial []protocol.Block, logger *log.Logger) *replayer {
	return &replayer{
		hub:   server.New(server.Options{Config: cfg, Logger: logger, InitialBlocks: initial}),
		peers: map[string]replayPeer{},
	}
}

func (r *replayer) add(e persistlog.TrafficEntry) error {
	r.entries++
	if r.open && e.Tick != r.tick {
		r.step()
	}
	r.tick, r.open = e.Tick, true
	r.lastTS = max(r.lastTS, e.Timestamp)

	p, ok := r.peers[e.PeerID]
	if !ok {
		var err error
		if p, err = r.admit(e.PeerID); err != nil {
			return err
		}
	}

	env := e.Envelope()
	if env.Type == protocol.TypeClientInput {
		// Inputs name the entity from the recorded run.
		if in, err := encoding.Unwrap(env); err == nil {
			ci := in.(protocol.ClientInput)
			ci.EntityID = p.entity
			if env, err = encoding.Wrap(ci, env.Timestamp, env.Sequence); err != nil {
				return err
			}
		}
	}
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	r.batch.Inbound = append(r.batch.Inbound, transport.Inbound{PeerID: p.id, Frame: frame})
	return nil
}

// admit flushes what is pending, then joins the peer in a step of its own so
// its inbound traffic can name the replay peer id.
func (r *replayer) admit(recorded string) (replayPeer, error) {
	r.step()
	resp := make(chan transport.JoinResponse, 1)
	out := make(chan []byte, 1024)
	r.batch.Joins = append(r.batch.Joins, transport.JoinRequest{ClientID: recorded, Out: out, Resp: resp})
	r.step()
	jr := <-resp
	if jr.Err != nil {
		return replayPeer{}, jr.Err
	}
	p := replayPeer{id: jr.Welcome.PeerID, entity: jr.Welcome.EntityID, out: out}
	r.peers[recorded] = p
	return p, nil
}

func (r *replayer) step() {
	if len(r.batch.Joins) == 0 && len(r.batch.Inbound) == 0 {
		return
	}
	r.hub.StepOnce(time.UnixMilli(int64(r.lastTS)), r.batch)
	r.batch = server.Batch{}
	r.steps++
	for _, p := range r.peers {
		r.drain(p.out)
	}
}

func (r *replayer) drain(out chan []byte) {
	for {
		select {
		case <-out:
			r.framesOut++
		default:
			return
		}
	}
}

func (r *replayer) finish() {
	r.step()
	r.open = false
}

func diffBlocks(got, want []protocol.Block) string {
	index := func(bs []protocol.Block) map[protocol.BlockKey]int32 {
		m := make(map[protocol.BlockKey]int32, len(bs))
		for _, b := range bs {
			m[b.Key()] = b.Type
		}
		return m
	}
	g, w := index(got), index(want)
	var missing, extra, changed int
	for k, t := range w {
		gt, ok := g[k]
		switch {
		case !ok:
			missing++
		case gt != t:
			changed++
		}
	}
	for k := range g {
		if _, ok := w[k]; !ok {
			extra++
		}
	}
	if missing+extra+changed == 0 {
		return ""
	}
	return fmt.Sprintf("missing=%d extra=%d changed=%d", missing, extra, changed)
}
