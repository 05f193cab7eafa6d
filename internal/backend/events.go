package backend

import (
	"sync"
)

// EventKind is the kind of change a backend reports for an object.
type EventKind int

const (
	EventChanged EventKind = iota
	EventJobChanged
	EventRemoved
	EventAdded
)

func (k EventKind) String() string {
	switch k {
	case EventChanged:
		return "changed"
	case EventJobChanged:
		return "job-changed"
	case EventRemoved:
		return "removed"
	case EventAdded:
		return "added"
	}
	return "unknown"
}

// Event is a change notification for one object.
type Event struct {
	Kind       EventKind
	ObjectPath string
}

// Subscription is returned by Pool.Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
}

// Hub fans events out to subscribers. Backends embed it to implement
// Subscribe and SubscribeAll.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*hubSub
}

type hubSub struct {
	id   uint64
	path string // "" matches every path
	fn   func(Event)
	hub  *Hub
	once sync.Once
}

func (s *hubSub) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

// Subscribe registers fn for events on objectPath.
func (h *Hub) Subscribe(objectPath string, fn func(Event)) Subscription {
	return h.add(objectPath, fn)
}

// SubscribeAll registers fn for every event.
func (h *Hub) SubscribeAll(fn func(Event)) Subscription {
	return h.add("", fn)
}

func (h *Hub) add(path string, fn func(Event)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[uint64]*hubSub)
	}
	h.nextID++
	s := &hubSub{id: h.nextID, path: path, fn: fn, hub: h}
	h.subs[s.id] = s
	return s
}

// Emit delivers ev synchronously to matching subscribers. Subscribers may
// unsubscribe or subscribe from inside their callback.
func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	targets := make([]*hubSub, 0, len(h.subs))
	for _, s := range h.subs {
		if s.path == "" || s.path == ev.ObjectPath {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		// skip subscribers removed by an earlier callback in this round
		h.mu.Lock()
		_, live := h.subs[s.id]
		h.mu.Unlock()
		if live {
			s.fn(ev)
		}
	}
}

// Len returns the number of live subscriptions on objectPath, or across
// all paths when objectPath is "".
func (h *Hub) Len(objectPath string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if objectPath == "" {
		return len(h.subs)
	}
	n := 0
	for _, s := range h.subs {
		if s.path == objectPath {
			n++
		}
	}
	return n
}
