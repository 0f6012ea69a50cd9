// Package interp smooths remote-entity motion between received snapshots.
//
// Each entity keeps a bounded history. The two newest snapshots define a span
// whose duration is their timestamp gap scaled by the interpolation factor.
// Update advances every span by the frame delta and publishes the blended
// state until the span completes.
package interp

import (
	"maps"
	"slices"
	"time"

	"voxelsync.ai/internal/eventbus"
	"voxelsync.ai/internal/protocol"
)

const (
	DefaultFactor     = 0.1
	DefaultMaxHistory = 20
	DefaultMaxGapMs   = 1000

	minFactor, maxFactor   = 0.01, 1.0
	minHistory, maxHistory = 2, 100
)

type Config struct {
	Factor     float64
	MaxHistory int
	MaxGapMs   float64
}

func DefaultConfig() Config {
	return Config{Factor: DefaultFactor, MaxHistory: DefaultMaxHistory, MaxGapMs: DefaultMaxGapMs}
}

// Span is one active interpolation between two snapshots.
type Span struct {
	Start    protocol.EntityState
	End      protocol.EntityState
	Duration float64 // ms
	Elapsed  float64 // ms since the span started, advanced only by Update
}

func (s *Span) progress() float64 {
	if s.Duration <= 0 {
		return 1
	}
	p := s.Elapsed / s.Duration
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func (s *Span) at(p float64) protocol.EntityState {
	f := float32(p)
	lerp := func(a, b protocol.Vec3) protocol.Vec3 { return a.Add(b.Sub(a).Mul(f)) }
	return protocol.EntityState{
		EntityID:  s.Start.EntityID,
		Position:  lerp(s.Start.Position, s.End.Position),
		Velocity:  lerp(s.Start.Velocity, s.End.Velocity),
		Rotation:  lerp(s.Start.Rotation, s.End.Rotation),
		Timestamp: s.Start.Timestamp + (s.End.Timestamp-s.Start.Timestamp)*p,
	}
}

type Interpolator struct {
	bus *eventbus.Bus

	factor     float64
	maxHistory int
	maxGapMs   float64

	history map[int32][]protocol.EntityState
	spans   map[int32]*Span
	skip    map[int32]struct{}
	unsub   []func()
}

func New(bus *eventbus.Bus, cfg Config) *Interpolator {
	it := &Interpolator{
		bus:        bus,
		factor:     DefaultFactor,
		maxHistory: DefaultMaxHistory,
		maxGapMs:   cfg.MaxGapMs,
		history:    map[int32][]protocol.EntityState{},
		spans:      map[int32]*Span{},
		skip:       map[int32]struct{}{},
	}
	if it.maxGapMs <= 0 {
		it.maxGapMs = DefaultMaxGapMs
	}
	if cfg.Factor != 0 {
		it.SetInterpolationFactor(cfg.Factor)
	}
	if cfg.MaxHistory != 0 {
		it.SetMaxHistorySize(cfg.MaxHistory)
	}
	return it
}

// Init subscribes to authoritative entity updates.
func (it *Interpolator) Init() {
	if it.bus == nil {
		return
	}
	it.unsub = append(it.unsub, eventbus.Subscribe(it.bus, eventbus.EntityUpdate, it.HandleEntityUpdate))
}

// Skip excludes an entity from interpolation, typically the locally
// predicted one.
func (it *Interpolator) Skip(entityID int32) {
	it.skip[entityID] = struct{}{}
	delete(it.history, entityID)
	delete(it.spans, entityID)
}

func (it *Interpolator) HandleEntityUpdate(s protocol.EntityState) {
	if s.IsRemoval() {
		delete(it.history, s.RemovedID())
		delete(it.spans, s.RemovedID())
		return
	}
	if _, ok := it.skip[s.EntityID]; ok {
		return
	}
	h := append(it.history[s.EntityID], s)
	if len(h) > it.maxHistory {
		h = append(h[:0], h[len(h)-it.maxHistory:]...)
	}
	it.history[s.EntityID] = h

	if len(h) < 2 {
		it.publish(s)
		return
	}
	start, end := h[len(h)-2], h[len(h)-1]
	gap := end.Timestamp - start.Timestamp
	if gap <= 0 || gap >= it.maxGapMs {
		delete(it.spans, s.EntityID)
		it.publish(s)
		return
	}
	it.spans[s.EntityID] = &Span{Start: start, End: end, Duration: gap * it.factor}
}

// Update advances every active span by dt and publishes the blended states.
// Spans that reach their end are dropped without a final publish.
func (it *Interpolator) Update(dt time.Duration) {
	step := float64(dt) / float64(time.Millisecond)
	for _, id := range slices.Sorted(maps.Keys(it.spans)) {
		sp := it.spans[id]
		sp.Elapsed += step
		p := sp.progress()
		if p >= 1 {
			delete(it.spans, id)
			continue
		}
		it.publish(sp.at(p))
	}
}

// GetInterpolatedState returns the blend for the entity's active span
// without advancing it.
func (it *Interpolator) GetInterpolatedState(entityID int32) (protocol.EntityState, bool) {
	sp := it.spans[entityID]
	if sp == nil {
		return protocol.EntityState{}, false
	}
	p := sp.progress()
	if p >= 1 {
		return protocol.EntityState{}, false
	}
	return sp.at(p), true
}

func (it *Interpolator) ActiveSpan(entityID int32) (Span, bool) {
	sp := it.spans[entityID]
	if sp == nil {
		return Span{}, false
	}
	return *sp, true
}

func (it *Interpolator) HistoryLen(entityID int32) int { return len(it.history[entityID]) }

func (it *Interpolator) SetInterpolationFactor(f float64) {
	it.factor = min(max(f, minFactor), maxFactor)
}

func (it *Interpolator) InterpolationFactor() float64 { return it.factor }

func (it *Interpolator) SetMaxHistorySize(n int) {
	it.maxHistory = min(max(n, minHistory), maxHistory)
	for id, h := range it.history {
		if len(h) > it.maxHistory {
			it.history[id] = append(h[:0], h[len(h)-it.maxHistory:]...)
		}
	}
}

func (it *Interpolator) MaxHistorySize() int { return it.maxHistory }

func (it *Interpolator) publish(s protocol.EntityState) {
	if it.bus != nil {
		it.bus.Emit(eventbus.EntityInterpolated, s)
	}
}

func (it *Interpolator) Destroy() {
	for _, off := range it.unsub {
		off()
	}
	it.unsub = nil
	clear(it.history)
	clear(it.spans)
}
