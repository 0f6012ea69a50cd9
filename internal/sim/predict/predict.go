// Package predict applies local input immediately and reconciles the result
// against authoritative server states by replaying unacknowledged inputs.
package predict

import (
	"voxelsync.ai/internal/eventbus"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/movement"
)

type State int

const (
	Unknown State = iota
	Predicted
	Reconciled
)

func (s State) String() string {
	switch s {
	case Predicted:
		return "predicted"
	case Reconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}

const DefaultReconcileThreshold = 0.1

type Config struct {
	Rule               movement.Rule
	ReconcileThreshold float32
	// MaxInputBuffer caps the per-entity input FIFO; 0 means unbounded.
	MaxInputBuffer int
}

func DefaultConfig() Config {
	return Config{
		Rule:               movement.DefaultRule(),
		ReconcileThreshold: DefaultReconcileThreshold,
		MaxInputBuffer:     1024,
	}
}

type Stats struct {
	Predictions   uint64
	Corrections   uint64
	Replayed      uint64
	StaleInputs   uint64
	DroppedInputs uint64
}

type track struct {
	state     State
	predicted *protocol.EntityState
	server    *protocol.EntityState
	inputs    []protocol.InputState
	// lastProcessed is the timestamp of the newest input known to be folded
	// into an authoritative state.
	lastProcessed float64
}

type Predictor struct {
	bus   *eventbus.Bus
	cfg   Config
	stats Stats

	tracks map[int32]*track
	unsub  []func()
}

func New(bus *eventbus.Bus, cfg Config) *Predictor {
	if cfg.ReconcileThreshold <= 0 {
		cfg.ReconcileThreshold = DefaultReconcileThreshold
	}
	if cfg.Rule.Speed == 0 && cfg.Rule.StepSeconds == 0 {
		cfg.Rule = movement.DefaultRule()
	}
	return &Predictor{bus: bus, cfg: cfg, tracks: map[int32]*track{}}
}

// Init subscribes to authoritative entity updates.
func (p *Predictor) Init() {
	if p.bus == nil {
		return
	}
	p.unsub = append(p.unsub, eventbus.Subscribe(p.bus, eventbus.EntityUpdate, p.HandleServerUpdate))
}

func (p *Predictor) track(id int32) *track {
	t := p.tracks[id]
	if t == nil {
		t = &track{}
		p.tracks[id] = t
	}
	return t
}

// AddInput buffers the input, emits it for transmission and, when a prior
// state is known, publishes the new predicted state. The base is the
// reconciled state if there is one, else the last prediction.
func (p *Predictor) AddInput(entityID int32, in protocol.InputState) {
	t := p.track(entityID)
	t.inputs = append(t.inputs, in)
	if limit := p.cfg.MaxInputBuffer; limit > 0 && len(t.inputs) > limit {
		drop := len(t.inputs) - limit
		t.inputs = append(t.inputs[:0], t.inputs[drop:]...)
		p.stats.DroppedInputs += uint64(drop)
	}

	if p.bus != nil {
		p.bus.Emit(eventbus.Message, protocol.Payload(protocol.ClientInput{EntityID: entityID, Input: in}))
	}

	// The authoritative state wins over the last prediction.
	base := t.server
	if base == nil {
		base = t.predicted
	}
	if base == nil {
		return
	}
	next := p.cfg.Rule.Apply(*base, in)
	t.predicted = &next
	t.state = Predicted
	p.stats.Predictions++
	p.publish(next)
}

// HandleServerUpdate stores s as the authoritative baseline and corrects the
// prediction when it drifted past the reconcile threshold.
func (p *Predictor) HandleServerUpdate(s protocol.EntityState) {
	if s.IsRemoval() {
		delete(p.tracks, s.RemovedID())
		return
	}
	t := p.track(s.EntityID)
	server := s
	t.server = &server
	t.state = Reconciled
	p.ack(t, s.Timestamp)

	if t.predicted == nil {
		return
	}
	if s.Position.Sub(t.predicted.Position).Len() <= p.cfg.ReconcileThreshold {
		return
	}
	p.correct(t, s)
}

// ack drops buffered inputs the authoritative state already includes. The
// server stamps an entity with the timestamp of the last input it applied.
func (p *Predictor) ack(t *track, ts float64) {
	if ts <= t.lastProcessed {
		return
	}
	t.lastProcessed = ts
	kept := t.inputs[:0]
	for _, in := range t.inputs {
		if in.Timestamp > ts {
			kept = append(kept, in)
		}
	}
	t.inputs = kept
}

func (p *Predictor) correct(t *track, authoritative protocol.EntityState) {
	corrected := authoritative
	var replayed int
	var last float64
	for _, in := range t.inputs {
		if in.Timestamp <= t.lastProcessed {
			p.stats.StaleInputs++
			continue
		}
		corrected = p.cfg.Rule.Apply(corrected, in)
		last = in.Timestamp
		replayed++
	}
	if replayed > 0 {
		t.lastProcessed = last
	}
	t.inputs = t.inputs[:0]

	t.predicted = &corrected
	p.stats.Corrections++
	p.stats.Replayed += uint64(replayed)
	p.publish(corrected)
}

func (p *Predictor) publish(s protocol.EntityState) {
	if p.bus != nil {
		p.bus.Emit(eventbus.EntityPredicted, s)
	}
}

func (p *Predictor) GetPredictedState(entityID int32) (protocol.EntityState, bool) {
	t := p.tracks[entityID]
	if t == nil || t.predicted == nil {
		return protocol.EntityState{}, false
	}
	return *t.predicted, true
}

func (p *Predictor) GetServerState(entityID int32) (protocol.EntityState, bool) {
	t := p.tracks[entityID]
	if t == nil || t.server == nil {
		return protocol.EntityState{}, false
	}
	return *t.server, true
}

func (p *Predictor) State(entityID int32) State {
	if t := p.tracks[entityID]; t != nil {
		return t.state
	}
	return Unknown
}

func (p *Predictor) PendingInputs(entityID int32) int {
	if t := p.tracks[entityID]; t != nil {
		return len(t.inputs)
	}
	return 0
}

func (p *Predictor) Stats() Stats { return p.stats }

// Destroy drops every subscription and per-entity buffer. Safe to call twice.
func (p *Predictor) Destroy() {
	for _, off := range p.unsub {
		off()
	}
	p.unsub = nil
	clear(p.tracks)
}
