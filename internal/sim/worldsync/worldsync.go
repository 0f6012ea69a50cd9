// Package worldsync keeps a client mirror of the server world and pushes
// batched deltas of locally dirtied entities and blocks on a fixed interval.
//
// Bus payloads on network:world:update are protocol.WorldState for a full
// world and protocol.WorldDelta for an incremental one.
package worldsync

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/eventbus"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/delta"
)

const (
	DefaultInterval = time.Second
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 5 * time.Second
)

type Synchronizer struct {
	bus      *eventbus.Bus
	clock    clock.Clock
	interval time.Duration
	lastSync time.Time

	server *protocol.WorldState
	client *protocol.WorldState
	// awaitingFull makes the next full world replace the mirror.
	awaitingFull bool

	dirtyEntities map[int32]struct{}
	dirtyBlocks   map[protocol.BlockKey]struct{}
	removedBlocks map[protocol.BlockKey]protocol.Block

	unsub []func()
}

func New(bus *eventbus.Bus, clk clock.Clock, interval time.Duration) *Synchronizer {
	s := &Synchronizer{
		bus:           bus,
		clock:         clock.Or(clk),
		interval:      DefaultInterval,
		dirtyEntities: map[int32]struct{}{},
		dirtyBlocks:   map[protocol.BlockKey]struct{}{},
		removedBlocks: map[protocol.BlockKey]protocol.Block{},
	}
	if interval != 0 {
		s.SetSyncInterval(interval)
	}
	return s
}

func (s *Synchronizer) Init() {
	if s.bus == nil {
		return
	}
	s.unsub = append(s.unsub,
		s.bus.On(eventbus.WorldUpdate, func(data any) {
			switch w := data.(type) {
			case protocol.WorldState:
				s.HandleWorldUpdate(w)
			case protocol.WorldDelta:
				s.HandleWorldDelta(w.WorldState)
			}
		}),
		eventbus.Subscribe(s.bus, eventbus.EntityUpdate, s.HandleEntityUpdate),
	)
}

// HandleWorldUpdate takes a full world. The first one, and the first after
// ForceFullSync, replaces the mirror; later ones are upserted into it.
func (s *Synchronizer) HandleWorldUpdate(w protocol.WorldState) {
	full := w.Clone()
	s.server = &full
	if s.client == nil || s.awaitingFull {
		mirror := w.Clone()
		s.client = &mirror
		s.awaitingFull = false
		return
	}
	s.applyToMirror(w)
}

// HandleWorldDelta applies an incremental world to both views. Tombstones
// remove entries; tombstones for absent entries do nothing.
func (s *Synchronizer) HandleWorldDelta(d protocol.WorldState) {
	if s.server == nil {
		s.HandleWorldUpdate(d)
		return
	}
	next := delta.ApplyWorld(*s.server, d)
	s.server = &next
	if s.client == nil {
		mirror := next.Clone()
		s.client = &mirror
		return
	}
	s.applyToMirror(d)
}

func (s *Synchronizer) applyToMirror(d protocol.WorldState) {
	next := delta.ApplyWorld(*s.client, d)
	s.client = &next
}

// HandleEntityUpdate marks the entity dirty and upserts it into the mirror.
func (s *Synchronizer) HandleEntityUpdate(e protocol.EntityState) {
	if e.IsRemoval() {
		delete(s.dirtyEntities, e.RemovedID())
	} else {
		s.dirtyEntities[e.EntityID] = struct{}{}
	}
	if s.client != nil {
		s.applyToMirror(protocol.WorldState{Entities: []protocol.EntityState{e}, Timestamp: s.client.Timestamp})
	}
}

// SetBlock records a local block edit in the mirror and queues it for the
// next sync. A tombstone removes the block and is sent as a removal.
func (s *Synchronizer) SetBlock(b protocol.Block) {
	k := b.Key()
	if b.IsRemoval() {
		b.Type = protocol.BlockTombstone
		delete(s.dirtyBlocks, k)
		s.removedBlocks[k] = b
	} else {
		delete(s.removedBlocks, k)
		s.dirtyBlocks[k] = struct{}{}
	}
	if s.client == nil {
		empty := protocol.WorldState{}
		s.client = &empty
	}
	s.applyToMirror(protocol.WorldState{Blocks: []protocol.Block{b}, Timestamp: s.client.Timestamp})
}

func (s *Synchronizer) MarkEntityDirty(id int32) {
	s.dirtyEntities[id] = struct{}{}
}

func (s *Synchronizer) MarkBlockDirty(x, y, z int32) {
	s.dirtyBlocks[protocol.BlockKey{X: x, Y: y, Z: z}] = struct{}{}
}

func (s *Synchronizer) DirtyCounts() (entities, blocks int) {
	return len(s.dirtyEntities), len(s.dirtyBlocks) + len(s.removedBlocks)
}

// Tick runs a sync if the interval has elapsed. It reports whether a delta
// was emitted.
func (s *Synchronizer) Tick() bool {
	return s.SyncAt(s.clock.Now())
}

func (s *Synchronizer) SyncAt(now time.Time) bool {
	if s.server == nil || s.client == nil {
		return false
	}
	if !s.lastSync.IsZero() && now.Sub(s.lastSync) < s.interval {
		return false
	}
	s.lastSync = now

	d := s.BuildDelta(clock.Millis(now))
	clear(s.dirtyEntities)
	clear(s.dirtyBlocks)
	clear(s.removedBlocks)
	if d.Empty() {
		return false
	}
	if s.bus != nil {
		s.bus.Emit(eventbus.Message, protocol.Payload(protocol.WorldDelta{WorldState: d}))
	}
	return true
}

// BuildDelta collects the dirty entries still present in the mirror plus
// pending block removals, ordered by id and coordinate.
func (s *Synchronizer) BuildDelta(ts float64) protocol.WorldState {
	out := protocol.WorldState{Timestamp: ts}
	if s.client == nil {
		return out
	}
	for _, e := range s.client.Entities {
		if _, ok := s.dirtyEntities[e.EntityID]; ok {
			out.Entities = append(out.Entities, e)
		}
	}
	for _, b := range s.client.Blocks {
		if _, ok := s.dirtyBlocks[b.Key()]; ok {
			out.Blocks = append(out.Blocks, b)
		}
	}
	for _, k := range slices.SortedFunc(maps.Keys(s.removedBlocks), compareKeys) {
		out.Blocks = append(out.Blocks, s.removedBlocks[k])
	}
	slices.SortFunc(out.Entities, func(a, b protocol.EntityState) int { return cmp.Compare(a.EntityID, b.EntityID) })
	return out
}

func compareKeys(a, b protocol.BlockKey) int {
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.Z, b.Z)
}

// IsSynchronized is a coarse check: entity and block counts match.
func (s *Synchronizer) IsSynchronized() bool {
	if s.server == nil || s.client == nil {
		return false
	}
	return len(s.server.Entities) == len(s.client.Entities) && len(s.server.Blocks) == len(s.client.Blocks)
}

// ForceFullSync asks the server for a complete world. The next full world
// replaces the mirror. It reports whether a request was emitted.
func (s *Synchronizer) ForceFullSync() bool {
	if s.server == nil {
		return false
	}
	s.ExpectFullSync()
	if s.bus != nil {
		s.bus.Emit(eventbus.Message, protocol.Payload(protocol.FullSyncRequest{}))
	}
	return true
}

// ExpectFullSync makes the next full world replace the mirror without
// asking the server for one. The runtime calls it when the server announces
// a resend.
func (s *Synchronizer) ExpectFullSync() { s.awaitingFull = true }

func (s *Synchronizer) GetServerWorldState() (protocol.WorldState, bool) {
	if s.server == nil {
		return protocol.WorldState{}, false
	}
	return s.server.Clone(), true
}

func (s *Synchronizer) GetClientWorldState() (protocol.WorldState, bool) {
	if s.client == nil {
		return protocol.WorldState{}, false
	}
	return s.client.Clone(), true
}

func (s *Synchronizer) SetSyncInterval(d time.Duration) {
	s.interval = min(max(d, MinInterval), MaxInterval)
}

func (s *Synchronizer) SyncInterval() time.Duration { return s.interval }

func (s *Synchronizer) Destroy() {
	for _, off := range s.unsub {
		off()
	}
	s.unsub = nil
	s.server = nil
	s.client = nil
	s.awaitingFull = false
	clear(s.dirtyEntities)
	clear(s.dirtyBlocks)
	clear(s.removedBlocks)
}
