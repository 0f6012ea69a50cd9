// Package client runs the peer side of the sync flow. Every component call
// happens on the goroutine running Runtime.Run; other goroutines reach the
// components through Do.
package client

import (
	"context"
	"errors"
	"log"
	"time"

	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/config"
	"voxelsync.ai/internal/eventbus"
	"voxelsync.ai/internal/metrics"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/delta"
	"voxelsync.ai/internal/sim/encoding"
	"voxelsync.ai/internal/sim/interest"
	"voxelsync.ai/internal/sim/interp"
	"voxelsync.ai/internal/sim/predict"
	"voxelsync.ai/internal/sim/worldsync"
	"voxelsync.ai/internal/transport"
)

const DefaultFrameInterval = 16 * time.Millisecond

type Options struct {
	Config    config.Config
	Transport *transport.Client
	Bus       *eventbus.Bus
	Clock     clock.Clock
	Logger    *log.Logger
	Metrics   *metrics.Set

	// ClientID names the local interest record; EntityID is the locally
	// predicted entity, both from the welcome.
	ClientID string
	EntityID int32

	FrameInterval time.Duration
}

type Runtime struct {
	cfg       config.Config
	bus       *eventbus.Bus
	conn      *transport.Client
	clock     clock.Clock
	log       *log.Logger
	metrics   *metrics.Set
	clientID  string
	entityID  int32
	frameStep time.Duration

	predictor *predict.Predictor
	interp    *interp.Interpolator
	interest  *interest.Manager
	sync      *worldsync.Synchronizer
	baselines *delta.Baselines

	cmds      chan func()
	lastStats predict.Stats
	lastFrame time.Time
	unsub     []func()
}

func New(opts Options) *Runtime {
	cfg := opts.Config
	if cfg.Server.TickRateHz <= 0 {
		cfg = config.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	clk := clock.Or(opts.Clock)
	step := opts.FrameInterval
	if step <= 0 {
		step = DefaultFrameInterval
	}
	return &Runtime{
		cfg:       cfg,
		bus:       bus,
		conn:      opts.Transport,
		clock:     clk,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		clientID:  opts.ClientID,
		entityID:  opts.EntityID,
		frameStep: step,
		predictor: predict.New(bus, cfg.PredictConfig()),
		interp:    interp.New(bus, cfg.InterpConfig()),
		interest:  interest.New(bus, cfg.InterestConfig()),
		sync:      worldsync.New(bus, clk, cfg.SyncInterval()),
		baselines: delta.NewBaselines(),
		cmds:      make(chan func(), 64),
	}
}

func (r *Runtime) Bus() *eventbus.Bus                    { return r.bus }
func (r *Runtime) Predictor() *predict.Predictor         { return r.predictor }
func (r *Runtime) Interpolator() *interp.Interpolator    { return r.interp }
func (r *Runtime) Interest() *interest.Manager           { return r.interest }
func (r *Runtime) Synchronizer() *worldsync.Synchronizer { return r.sync }

// Do runs fn on the loop goroutine and waits for it.
func (r *Runtime) Do(ctx context.Context, fn func(*Runtime)) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func() { fn(r); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Input queues one tick of local movement intent.
func (r *Runtime) Input(ctx context.Context, in protocol.InputState) error {
	return r.Do(ctx, func(r *Runtime) { r.applyInput(in) })
}

func (r *Runtime) Run(ctx context.Context) error {
	if r.conn == nil {
		return errors.New("client: no transport")
	}
	r.init()
	defer r.destroy()

	frame := time.NewTicker(r.frameStep)
	defer frame.Stop()
	syncTick := time.NewTicker(r.sync.SyncInterval())
	defer syncTick.Stop()
	r.lastFrame = r.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.conn.Events():
			r.conn.Dispatch(ev)
			r.handleEvent(ev)
		case fn := <-r.cmds:
			fn()
		case <-frame.C:
			now := r.clock.Now()
			r.interp.Update(now.Sub(r.lastFrame))
			r.lastFrame = now
			r.reportStats()
		case <-syncTick.C:
			r.sync.Tick()
		}
	}
}

func (r *Runtime) init() {
	r.predictor.Init()
	r.interp.Init()
	r.interest.Init()
	r.sync.Init()
	r.interp.Skip(r.entityID)
	r.unsub = append(r.unsub, eventbus.Subscribe(r.bus, eventbus.Message, r.send))
}

func (r *Runtime) destroy() {
	for _, off := range r.unsub {
		off()
	}
	r.unsub = nil
	r.predictor.Destroy()
	r.interp.Destroy()
	r.interest.Destroy()
	r.sync.Destroy()
}

func (r *Runtime) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		r.bus.Emit(eventbus.Connect, nil)
		pos := protocol.Vec3{}
		if s, ok := r.predictor.GetPredictedState(r.entityID); ok {
			pos = s.Position
		}
		r.interest.RegisterClient(r.clientID, pos, r.cfg.Interest.DefaultRadius)
	case transport.EventDisconnect:
		r.bus.Emit(eventbus.Disconnect, ev.Err)
	case transport.EventMessage:
		r.handleEnvelope(ev.Envelope)
	}
}

// handleEnvelope decodes one inbound envelope and fans it out. A message
// that fails to decode is dropped, logged and counted.
func (r *Runtime) handleEnvelope(env protocol.Envelope) {
	r.metrics.Message(env.Type, metrics.DirIn, len(env.Data))
	p, err := encoding.Unwrap(env)
	if err != nil {
		r.drop(env, protocol.ErrCodec, err)
		return
	}
	switch v := p.(type) {
	case protocol.EntityState:
		r.baselines.Store(v)
		r.bus.Emit(eventbus.EntityUpdate, v)
	case protocol.EntityDelta:
		s, err := r.baselines.ApplyDelta(v.EntityState)
		if err != nil {
			r.drop(env, protocol.ErrUnknownEntity, err)
			if !r.sync.ForceFullSync() {
				r.send(protocol.FullSyncRequest{})
			}
			return
		}
		r.bus.Emit(eventbus.EntityUpdate, s)
	case protocol.WorldState:
		r.bus.Emit(eventbus.WorldUpdate, v)
		r.interpolateRemote(v.Entities)
	case protocol.WorldDelta:
		r.bus.Emit(eventbus.WorldUpdate, v)
		r.interpolateRemote(v.Entities)
	case protocol.InterestArea:
		// The server may resize or move the local area.
		v.ClientID = r.clientID
		r.interest.ApplyArea(v)
	case protocol.FullSyncRequest:
		// The server resends the full world right after this.
		r.sync.ExpectFullSync()
	default:
		r.drop(env, protocol.ErrProtoBadRequest, errors.New("client-only message"))
	}
}

// interpolateRemote feeds world records for entities other than the local
// one to the interpolator.
func (r *Runtime) interpolateRemote(entities []protocol.EntityState) {
	for _, e := range entities {
		if e.RemovedID() == r.entityID {
			continue
		}
		r.interp.HandleEntityUpdate(e)
	}
}

func (r *Runtime) applyInput(in protocol.InputState) {
	if in.Timestamp == 0 {
		in.Timestamp = clock.Millis(r.clock.Now())
	}
	r.predictor.AddInput(r.entityID, in)
	if s, ok := r.predictor.GetPredictedState(r.entityID); ok {
		r.interest.UpdateClientPosition(r.clientID, s.Position)
	}
}

// send transmits the payloads components emit on network:message.
func (r *Runtime) send(p protocol.Payload) {
	if !isOutbound(p) {
		return
	}
	if err := r.conn.Send(p); err != nil {
		r.logf("send %s: %v", p.MessageType(), err)
		return
	}
	r.metrics.Message(p.MessageType(), metrics.DirOut, 0)
}

func isOutbound(p protocol.Payload) bool {
	switch p.(type) {
	case protocol.ClientInput, protocol.InterestArea, protocol.WorldDelta, protocol.FullSyncRequest:
		return true
	}
	return false
}

func (r *Runtime) reportStats() {
	st := r.predictor.Stats()
	r.metrics.Reconciliations(st.Corrections-r.lastStats.Corrections, st.StaleInputs-r.lastStats.StaleInputs)
	r.lastStats = st
}

func (r *Runtime) drop(env protocol.Envelope, code string, err error) {
	r.metrics.Dropped(code)
	r.logf("drop %s seq=%d %s: %v", env.Type, env.Sequence, code, err)
}

func (r *Runtime) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Printf(format, args...)
	}
}
