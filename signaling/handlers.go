package signaling

import (
	"sync"
)

// KindDisconnected is dispatched locally when the relay connection ends. It
// never appears on the wire.
const KindDisconnected = "disconnected"

// Disconnected reports loss of the relay connection.
type Disconnected struct {
	Err error
}

func (Disconnected) Kind() string { return KindDisconnected }

// Handler receives one dispatched message.
type Handler func(Message)

// Subscriber is anything messages can be subscribed on.
type Subscriber interface {
	Subscribe(kind string, fn Handler) *Subscription
}

// On subscribes a typed handler for the message kind of T.
func On[T Message](s Subscriber, fn func(T)) *Subscription {
	var zero T
	return s.Subscribe(zero.Kind(), func(message Message) {
		if typed, ok := message.(T); ok {
			fn(typed)
		}
	})
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Registry keeps an ordered handler list per message kind.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]handlerEntry)}
}

// Subscription removes exactly one registered handler.
type Subscription struct {
	registry *Registry
	kind     string
	id       uint64
	once     sync.Once
}

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.registry == nil {
		return
	}
	s.once.Do(func() {
		s.registry.remove(s.kind, s.id)
	})
}

// Subscribe appends fn to the handler list for kind.
func (r *Registry) Subscribe(kind string, fn Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[kind] = append(r.handlers[kind], handlerEntry{id: id, fn: fn})
	return &Subscription{registry: r, kind: kind, id: id}
}

// Dispatch calls every handler registered for the message kind, in
// subscription order. Handlers added or removed during dispatch take effect
// on the next message.
func (r *Registry) Dispatch(message Message) {
	r.mu.RLock()
	entries := append([]handlerEntry(nil), r.handlers[message.Kind()]...)
	r.mu.RUnlock()

	for _, entry := range entries {
		entry.fn(message)
	}
}

// Count returns the number of handlers registered for kind.
func (r *Registry) Count(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

func (r *Registry) remove(kind string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[kind]
	for i, entry := range entries {
		if entry.id != id {
			continue
		}
		next := make([]handlerEntry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, kind)
		} else {
			r.handlers[kind] = next
		}
		return
	}
}
