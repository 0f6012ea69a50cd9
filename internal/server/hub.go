// Package server is the authoritative side of the sync flow. A Hub owns the
// world, admits peers from the transports and, once per tick, sends each
// peer the part of the world inside its interest area.
package server

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/config"
	"voxelsync.ai/internal/metrics"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/interest"
	"voxelsync.ai/internal/sim/movement"
	"voxelsync.ai/internal/transport"
)

// BlockStore persists accepted block edits. A tombstone deletes.
type BlockStore interface {
	Put(b protocol.Block) error
}

// SnapshotSink receives the authoritative world every snapshot interval.
type SnapshotSink interface {
	WriteSnapshot(tick uint64, w protocol.WorldState) error
}

// TrafficSink records inbound envelopes.
type TrafficSink interface {
	Record(tick uint64, peerID string, env protocol.Envelope)
}

type Options struct {
	Config    config.Config
	Logger    *log.Logger
	Metrics   *metrics.Set
	Tracer    trace.Tracer
	Clock     clock.Clock
	Blocks    BlockStore
	Snapshots SnapshotSink
	Traffic   TrafficSink

	// InitialBlocks seeds the world, usually from the block store.
	InitialBlocks []protocol.Block
}

// Directed is a payload queued by SendToClient or Broadcast. An empty PeerID
// addresses every peer.
type Directed struct {
	PeerID  string
	Payload protocol.Payload
}

// Batch is everything the hub collected between two ticks.
type Batch struct {
	Joins   []transport.JoinRequest
	Leaves  []string
	Inbound []transport.Inbound
	Direct  []Directed
}

type Status struct {
	Tick     uint64 `json:"tick"`
	Peers    int    `json:"peers"`
	Entities int    `json:"entities"`
	Blocks   int    `json:"blocks"`
}

type Hub struct {
	cfg     config.Config
	log     *log.Logger
	metrics *metrics.Set
	tracer  trace.Tracer
	clock   clock.Clock
	rule    movement.Rule

	blockStore BlockStore
	snapshots  SnapshotSink
	traffic    TrafficSink

	join   chan transport.JoinRequest
	inbox  chan transport.Inbound
	leave  chan string
	direct chan Directed
	status chan chan Status
	stop   chan struct{}

	tick       uint64
	nextPeer   uint64
	nextEntity int32

	entities map[int32]protocol.EntityState
	blocks   map[protocol.BlockKey]protocol.Block
	owners   map[int32]string
	sessions map[string]*Session
	interest *interest.Manager
}

func New(opts Options) *Hub {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("voxelsync.ai/internal/server")
	}
	cfg := opts.Config
	if cfg.Server.TickRateHz <= 0 {
		cfg = config.Default()
	}
	h := &Hub{
		cfg:        cfg,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		tracer:     tracer,
		clock:      clock.Or(opts.Clock),
		rule:       cfg.MovementRule(),
		blockStore: opts.Blocks,
		snapshots:  opts.Snapshots,
		traffic:    opts.Traffic,

		join:   make(chan transport.JoinRequest, 64),
		inbox:  make(chan transport.Inbound, 1024),
		leave:  make(chan string, 64),
		direct: make(chan Directed, 64),
		status: make(chan chan Status),
		stop:   make(chan struct{}),

		nextEntity: 1,
		entities:   map[int32]protocol.EntityState{},
		blocks:     map[protocol.BlockKey]protocol.Block{},
		owners:     map[int32]string{},
		sessions:   map[string]*Session{},
		interest:   interest.New(nil, cfg.InterestConfig()),
	}
	for _, b := range opts.InitialBlocks {
		h.setBlock(b)
	}
	return h
}

func (h *Hub) Join() chan<- transport.JoinRequest { return h.join }
func (h *Hub) Inbox() chan<- transport.Inbound    { return h.inbox }
func (h *Hub) Leave() chan<- string               { return h.leave }

// SendToClient queues p for one peer; it goes out on the next tick.
func (h *Hub) SendToClient(peerID string, p protocol.Payload) {
	h.direct <- Directed{PeerID: peerID, Payload: p}
}

// Broadcast queues p for every peer connected at the next tick.
func (h *Hub) Broadcast(p protocol.Payload) {
	h.direct <- Directed{Payload: p}
}

// Status asks the running hub for its counters.
func (h *Hub) Status(ctx context.Context) (Status, error) {
	resp := make(chan Status, 1)
	select {
	case h.status <- resp:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.TickInterval())
	defer ticker.Stop()

	var batch Batch
	for {
		select {
		case <-ctx.Done():
			h.closeSessions()
			return ctx.Err()
		case <-h.stop:
			h.closeSessions()
			return nil
		case req := <-h.join:
			batch.Joins = append(batch.Joins, req)
		case id := <-h.leave:
			batch.Leaves = append(batch.Leaves, id)
		case in := <-h.inbox:
			batch.Inbound = append(batch.Inbound, in)
		case d := <-h.direct:
			batch.Direct = append(batch.Direct, d)
		case resp := <-h.status:
			resp <- h.currentStatus()
		case <-ticker.C:
			h.StepOnce(h.clock.Now(), batch)
			batch.Joins = batch.Joins[:0]
			batch.Leaves = batch.Leaves[:0]
			batch.Inbound = batch.Inbound[:0]
			batch.Direct = batch.Direct[:0]
		}
	}
}

func (h *Hub) Stop() { close(h.stop) }

// StepOnce advances the hub by one tick: joins, leaves, inbound messages,
// then one flush per peer. It returns the tick just completed.
func (h *Hub) StepOnce(now time.Time, b Batch) uint64 {
	start := time.Now()
	ctx, span := h.tracer.Start(context.Background(), "hub.tick",
		trace.WithAttributes(tickAttrs(h.tick, len(h.sessions))...))
	defer span.End()

	for _, req := range b.Joins {
		h.handleJoin(req)
	}
	for _, id := range b.Leaves {
		h.handleLeave(id)
	}
	for _, in := range b.Inbound {
		h.handleInbound(in)
	}

	ts := clock.Millis(now)
	for _, d := range b.Direct {
		h.deliver(d, ts)
	}
	for _, id := range h.sessionIDs() {
		h.flush(ctx, h.sessions[id], ts)
	}

	done := h.tick
	h.tick++
	if every := h.cfg.Server.SnapshotEveryTicks; every > 0 && h.snapshots != nil && h.tick%uint64(every) == 0 {
		if err := h.snapshots.WriteSnapshot(h.tick, h.World(ts)); err != nil {
			h.logf("snapshot tick %d: %v", h.tick, err)
		} else {
			h.metrics.SnapshotWritten()
		}
	}
	h.metrics.TickSeconds(time.Since(start).Seconds())
	return done
}

func (h *Hub) handleJoin(req transport.JoinRequest) {
	h.nextPeer++
	peerID := fmt.Sprintf("P%06d", h.nextPeer)

	eid := req.EntityID
	if eid <= 0 || h.owners[eid] != "" {
		eid = h.allocEntity()
	}
	e, ok := h.entities[eid]
	if !ok {
		e = protocol.EntityState{EntityID: eid}
		h.entities[eid] = e
		h.interest.UpsertEntity(e)
	}
	h.owners[eid] = peerID

	s := newSession(peerID, req.ClientID, eid, req.Out, h.cfg.Delta.SignificanceThreshold)
	h.sessions[peerID] = s
	h.interest.RegisterClient(peerID, e.Position, h.cfg.Interest.DefaultRadius)
	h.metrics.PeerConnected()
	h.logf("join %s client=%q entity=%d", peerID, req.ClientID, eid)

	if req.Resp != nil {
		req.Resp <- transport.JoinResponse{Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			PeerID:          peerID,
			EntityID:        eid,
			TickRateHz:      h.cfg.Server.TickRateHz,
			InterestRadius:  h.interest.GetInterestRadius(peerID),
		}}
	}
}

func (h *Hub) allocEntity() int32 {
	for {
		id := h.nextEntity
		h.nextEntity++
		if h.nextEntity <= 0 {
			h.nextEntity = 1
		}
		if _, taken := h.entities[id]; !taken {
			return id
		}
	}
}

// handleLeave drops the session and its entity. Other peers see the entity
// tombstoned on their next delta.
func (h *Hub) handleLeave(peerID string) {
	s := h.sessions[peerID]
	if s == nil {
		return
	}
	delete(h.sessions, peerID)
	h.interest.UnregisterClient(peerID)
	if h.owners[s.EntityID] == peerID {
		delete(h.owners, s.EntityID)
		delete(h.entities, s.EntityID)
		h.interest.RemoveEntity(s.EntityID)
	}
	h.metrics.PeerDisconnected()
	h.logf("leave %s entity=%d", peerID, s.EntityID)
}

func (h *Hub) closeSessions() {
	for _, id := range h.sessionIDs() {
		h.handleLeave(id)
	}
}

func (h *Hub) sessionIDs() []string {
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Hub) setBlock(b protocol.Block) {
	if b.IsRemoval() {
		delete(h.blocks, b.Key())
	} else {
		h.blocks[b.Key()] = b
	}
	h.interest.UpsertBlock(b)
}

// World returns the authoritative state ordered by entity id and block
// coordinate.
func (h *Hub) World(ts float64) protocol.WorldState {
	w := protocol.WorldState{Timestamp: ts}
	for _, e := range h.entities {
		w.Entities = append(w.Entities, e)
	}
	for _, b := range h.blocks {
		w.Blocks = append(w.Blocks, b)
	}
	slices.SortFunc(w.Entities, func(a, b protocol.EntityState) int { return cmp.Compare(a.EntityID, b.EntityID) })
	slices.SortFunc(w.Blocks, compareBlocks)
	return w
}

// Session returns a copy of the peer's session record.
func (h *Hub) Session(peerID string) (SessionInfo, bool) {
	s := h.sessions[peerID]
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

func (h *Hub) currentStatus() Status {
	return Status{Tick: h.tick, Peers: len(h.sessions), Entities: len(h.entities), Blocks: len(h.blocks)}
}

func (h *Hub) logf(format string, args ...any) {
	if h.log != nil {
		h.log.Printf(format, args...)
	}
}

func compareBlocks(a, b protocol.Block) int {
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.Z, b.Z)
}
