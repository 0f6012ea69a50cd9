// Package eventbus is the synchronous publish/subscribe bus the netsync
// components talk through. Handlers run on the emitting goroutine in
// subscription order. A Bus is not safe for concurrent use; it belongs to one
// event loop.
package eventbus

// Event names shared across components.
const (
	EntityUpdate       = "network:entity:update"
	WorldUpdate        = "network:world:update"
	Connect            = "network:connect"
	Disconnect         = "network:disconnect"
	Message            = "network:message"
	EntityPredicted    = "network:entity:predicted"
	EntityInterpolated = "network:entity:interpolated"
)

type Handler func(data any)

type subscription struct {
	id uint64
	fn Handler
}

type Bus struct {
	nextID   uint64
	handlers map[string][]subscription
}

func New() *Bus {
	return &Bus{handlers: map[string][]subscription{}}
}

// On subscribes fn to event and returns a func that removes exactly this
// subscription. Calling it more than once is harmless.
func (b *Bus) On(event string, fn Handler) func() {
	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, fn: fn})
	return func() { b.remove(event, id) }
}

// Once subscribes fn for a single delivery.
func (b *Bus) Once(event string, fn Handler) func() {
	var unsubscribe func()
	unsubscribe = b.On(event, func(data any) {
		unsubscribe()
		fn(data)
	})
	return unsubscribe
}

// Emit delivers data to every handler subscribed at the time of the call.
// Subscriptions added or removed by a handler take effect from the next Emit.
func (b *Bus) Emit(event string, data any) {
	subs := b.handlers[event]
	if len(subs) == 0 {
		return
	}
	snapshot := append([]subscription(nil), subs...)
	for _, s := range snapshot {
		s.fn(data)
	}
}

// Off drops every handler for event.
func (b *Bus) Off(event string) {
	delete(b.handlers, event)
}

func (b *Bus) HandlerCount(event string) int { return len(b.handlers[event]) }

func (b *Bus) remove(event string, id uint64) {
	subs := b.handlers[event]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		out := make([]subscription, 0, len(subs)-1)
		out = append(out, subs[:i]...)
		out = append(out, subs[i+1:]...)
		if len(out) == 0 {
			delete(b.handlers, event)
		} else {
			b.handlers[event] = out
		}
		return
	}
}

// Subscribe registers a handler that only sees payloads of type T.
func Subscribe[T any](b *Bus, event string, fn func(T)) func() {
	return b.On(event, func(data any) {
		if v, ok := data.(T); ok {
			fn(v)
		}
	})
}
