package workspace

import (
	"sync"

	"github.com/agentdeck/backend/internal/shared/types"
)

// Handler receives routed events. Handlers for one slot are invoked in
// emission order; a slow handler backpressures the slot's forwarder.
type Handler func(event types.Event)

// Subscription identifies one registered handler for deterministic
// removal.
type Subscription struct {
	id   uint64
	kind types.EventKind
	all  bool
}

// subscriptions is a typed registry keyed by event kind. Unlike a
// generic emitter there is no string topic matching: a handler is
// registered either for one known kind or for all events, and removal
// by handle is exact.
type subscriptions struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[types.EventKind]map[uint64]Handler
	any    map[uint64]Handler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byKind: make(map[types.EventKind]map[uint64]Handler),
		any:    make(map[uint64]Handler),
	}
}

func (s *subscriptions) subscribe(kind types.EventKind, h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := Subscription{id: s.nextID, kind: kind}
	if s.byKind[kind] == nil {
		s.byKind[kind] = make(map[uint64]Handler)
	}
	s.byKind[kind][sub.id] = h
	return sub
}

func (s *subscriptions) subscribeAll(h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := Subscription{id: s.nextID, all: true}
	s.any[sub.id] = h
	return sub
}

func (s *subscriptions) unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.all {
		delete(s.any, sub.id)
		return
	}
	if handlers, ok := s.byKind[sub.kind]; ok {
		delete(handlers, sub.id)
	}
}

func (s *subscriptions) publish(event types.Event) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.any)+len(s.byKind[event.Kind]))
	for _, h := range s.any {
		handlers = append(handlers, h)
	}
	for _, h := range s.byKind[event.Kind] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
