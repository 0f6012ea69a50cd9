// Package interest tracks each client's position and radius and answers which
// entities and blocks are relevant to it.
//
// Membership is inclusive: an item at exactly the radius is of interest.
package interest

import (
	"cmp"
	"errors"
	"slices"

	"voxelsync.ai/internal/eventbus"
	"voxelsync.ai/internal/protocol"
)

const (
	DefaultRadius         = 50
	DefaultMoveHysteresis = 0.1
	DefaultCellSize       = 16
)

var ErrClientNotFound = errors.New("interest: client not found")

type Config struct {
	DefaultRadius float32
	// MoveHysteresis is the fraction of the radius a client must move before
	// its interest area is re-sent.
	MoveHysteresis float32
	CellSize       float32
}

func DefaultConfig() Config {
	return Config{DefaultRadius: DefaultRadius, MoveHysteresis: DefaultMoveHysteresis, CellSize: DefaultCellSize}
}

type Client struct {
	ID       string
	Position protocol.Vec3
	Radius   float32
}

func (c Client) Area() protocol.InterestArea {
	return protocol.InterestArea{ClientID: c.ID, Position: c.Position, Radius: c.Radius}
}

type Manager struct {
	bus           *eventbus.Bus
	hysteresis    float32
	defaultRadius float32

	clients  map[string]*Client
	entities map[int32]protocol.EntityState
	blocks   map[protocol.BlockKey]protocol.Block
	eGrid    *grid[int32]
	bGrid    *grid[protocol.BlockKey]
	unsub    []func()
}

func New(bus *eventbus.Bus, cfg Config) *Manager {
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = DefaultRadius
	}
	if cfg.MoveHysteresis < 0 {
		cfg.MoveHysteresis = DefaultMoveHysteresis
	}
	return &Manager{
		bus:           bus,
		hysteresis:    cfg.MoveHysteresis,
		defaultRadius: cfg.DefaultRadius,
		clients:       map[string]*Client{},
		entities:      map[int32]protocol.EntityState{},
		blocks:        map[protocol.BlockKey]protocol.Block{},
		eGrid:         newGrid[int32](cfg.CellSize),
		bGrid:         newGrid[protocol.BlockKey](cfg.CellSize),
	}
}

// Init subscribes to entity and world updates so the manager always knows
// the latest positions.
func (m *Manager) Init() {
	if m.bus == nil {
		return
	}
	m.unsub = append(m.unsub,
		eventbus.Subscribe(m.bus, eventbus.EntityUpdate, m.UpsertEntity),
		m.bus.On(eventbus.WorldUpdate, func(data any) {
			switch w := data.(type) {
			case protocol.WorldState:
				m.ReplaceWorld(w)
			case protocol.WorldDelta:
				m.ApplyWorld(w.WorldState)
			}
		}),
	)
}

// RegisterClient records a client and announces its interest area. A
// non-positive radius selects the default.
func (m *Manager) RegisterClient(id string, pos protocol.Vec3, radius float32) {
	if radius <= 0 {
		radius = m.defaultRadius
	}
	m.clients[id] = &Client{ID: id, Position: pos, Radius: radius}
	m.sendInterestArea(id)
}

func (m *Manager) UnregisterClient(id string) {
	delete(m.clients, id)
}

// UpdateClientPosition moves the client only once it has travelled more than
// the hysteresis fraction of its radius. It reports whether the interest area
// changed. Unknown clients are ignored.
func (m *Manager) UpdateClientPosition(id string, pos protocol.Vec3) bool {
	c := m.clients[id]
	if c == nil {
		return false
	}
	if pos.Sub(c.Position).Len() <= c.Radius*m.hysteresis {
		return false
	}
	c.Position = pos
	m.sendInterestArea(id)
	return true
}

// ApplyArea overwrites a client's area from a received interest_area message,
// registering the client if needed.
func (m *Manager) ApplyArea(a protocol.InterestArea) {
	r := a.Radius
	if r <= 0 {
		r = m.defaultRadius
	}
	m.clients[a.ClientID] = &Client{ID: a.ClientID, Position: a.Position, Radius: r}
}

func (m *Manager) SetInterestRadius(id string, radius float32) {
	c := m.clients[id]
	if c == nil {
		return
	}
	c.Radius = radius
	m.sendInterestArea(id)
}

// GetInterestRadius returns the client's radius, or the default radius for an
// unknown client.
func (m *Manager) GetInterestRadius(id string) float32 {
	if c := m.clients[id]; c != nil {
		return c.Radius
	}
	return m.defaultRadius
}

func (m *Manager) SetDefaultInterestRadius(radius float32) {
	if radius > 0 {
		m.defaultRadius = radius
	}
}

func (m *Manager) DefaultInterestRadius() float32 { return m.defaultRadius }

func (m *Manager) Client(id string) (Client, error) {
	c := m.clients[id]
	if c == nil {
		return Client{}, ErrClientNotFound
	}
	return *c, nil
}

func (m *Manager) sendInterestArea(id string) {
	c := m.clients[id]
	if c == nil || m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.Message, protocol.Payload(c.Area()))
}

func (m *Manager) UpsertEntity(s protocol.EntityState) {
	if s.IsRemoval() {
		m.RemoveEntity(s.RemovedID())
		return
	}
	m.entities[s.EntityID] = s
	m.eGrid.put(s.EntityID, s.Position)
}

func (m *Manager) RemoveEntity(id int32) {
	delete(m.entities, id)
	m.eGrid.remove(id)
}

func (m *Manager) UpsertBlock(b protocol.Block) {
	k := b.Key()
	if b.IsRemoval() {
		delete(m.blocks, k)
		m.bGrid.remove(k)
		return
	}
	m.blocks[k] = b
	m.bGrid.put(k, b.Center())
}

// ApplyWorld folds a full or partial world into the index; tombstones remove.
func (m *Manager) ApplyWorld(w protocol.WorldState) {
	for _, e := range w.Entities {
		m.UpsertEntity(e)
	}
	for _, b := range w.Blocks {
		m.UpsertBlock(b)
	}
}

// ReplaceWorld drops every known entity and block and loads w.
func (m *Manager) ReplaceWorld(w protocol.WorldState) {
	clear(m.entities)
	clear(m.blocks)
	m.eGrid.clear()
	m.bGrid.clear()
	m.ApplyWorld(w)
}

func (m *Manager) EntityCount() int { return m.eGrid.len() }
func (m *Manager) BlockCount() int  { return m.bGrid.len() }

// GetEntitiesOfInterest returns every known entity within the client's
// radius, ordered by id. Unknown clients get nil.
func (m *Manager) GetEntitiesOfInterest(id string) []protocol.EntityState {
	c := m.clients[id]
	if c == nil {
		return nil
	}
	var out []protocol.EntityState
	m.eGrid.within(c.Position, c.Radius, func(eid int32) {
		out = append(out, m.entities[eid])
	})
	slices.SortFunc(out, func(a, b protocol.EntityState) int { return cmp.Compare(a.EntityID, b.EntityID) })
	return out
}

// GetBlocksOfInterest returns every known block whose center is within the
// client's radius, ordered by coordinate.
func (m *Manager) GetBlocksOfInterest(id string) []protocol.Block {
	c := m.clients[id]
	if c == nil {
		return nil
	}
	var out []protocol.Block
	m.bGrid.within(c.Position, c.Radius, func(k protocol.BlockKey) {
		out = append(out, m.blocks[k])
	})
	slices.SortFunc(out, compareBlocks)
	return out
}

// Filter returns the part of w relevant to the client.
func (m *Manager) Filter(id string, w protocol.WorldState) (protocol.WorldState, error) {
	c := m.clients[id]
	if c == nil {
		return protocol.WorldState{}, ErrClientNotFound
	}
	out := protocol.WorldState{Timestamp: w.Timestamp}
	for _, e := range w.Entities {
		if InRange(c.Position, c.Radius, e.Position) {
			out.Entities = append(out.Entities, e)
		}
	}
	for _, b := range w.Blocks {
		if InRange(c.Position, c.Radius, b.Center()) {
			out.Blocks = append(out.Blocks, b)
		}
	}
	return out, nil
}

// InRange reports whether p lies within radius of center, boundary included.
func InRange(center protocol.Vec3, radius float32, p protocol.Vec3) bool {
	dx := float64(p[0]) - float64(center[0])
	dy := float64(p[1]) - float64(center[1])
	dz := float64(p[2]) - float64(center[2])
	r := float64(radius)
	return dx*dx+dy*dy+dz*dz <= r*r
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

func (m *Manager) Destroy() {
	for _, off := range m.unsub {
		off()
	}
	m.unsub = nil
	clear(m.clients)
	clear(m.entities)
	clear(m.blocks)
	m.eGrid.clear()
	m.bGrid.clear()
}
