package ws

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

// A Subscriber receives the frames published to the groups it is subscribed to. Enqueue must
// not block; it returns false if the subscriber is gone.
type Subscriber interface {
	ID() string
	Enqueue(frame types.Frame) bool
}

// Bus fans frames out to named groups of subscribers. Within one group every subscriber
// receives frames in publish order, there is no order across groups.
type Bus interface {
	Subscribe(sub Subscriber, group string)
	Unsubscribe(sub Subscriber, group string)
	UnsubscribeAll(sub Subscriber)
	// Publish delivers frame to the current subscribers of group and returns their number.
	Publish(group string, frame types.Frame) int
	Subscribers(group string) int
}

type group struct {
	subs map[Subscriber]struct{}
	// serializes publishers of this group
	sync.Mutex
}

// Hub is the in-process Bus.
type Hub struct {
	groups map[string]*group
	bySub  map[Subscriber]map[string]struct{}
	log    hclog.Logger

	// guards groups and bySub, publishers hold it shared
	sync.RWMutex
}

func NewHub(logger hclog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]*group),
		bySub:  make(map[Subscriber]map[string]struct{}),
		log:    globals.Logger(logger, "hub"),
	}
}

func (h *Hub) Subscribe(sub Subscriber, name string) {
	h.Lock()
	defer h.Unlock()
	g, ok := h.groups[name]
	if !ok {
		g = &group{subs: make(map[Subscriber]struct{})}
		h.groups[name] = g
	}
	g.subs[sub] = struct{}{}
	names, ok := h.bySub[sub]
	if !ok {
		names = make(map[string]struct{})
		h.bySub[sub] = names
	}
	names[name] = struct{}{}
	h.log.Trace("subscribed", "subscriber", sub.ID(), "group", name)
}

func (h *Hub) unsubscribe(sub Subscriber, name string) {
	if g, ok := h.groups[name]; ok {
		delete(g.subs, sub)
		if len(g.subs) == 0 {
			delete(h.groups, name)
		}
	}
	if names, ok := h.bySub[sub]; ok {
		delete(names, name)
		if len(names) == 0 {
			delete(h.bySub, sub)
		}
	}
}

func (h *Hub) Unsubscribe(sub Subscriber, name string) {
	h.Lock()
	defer h.Unlock()
	h.unsubscribe(sub, name)
}

func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.Lock()
	defer h.Unlock()
	for name := range h.bySub[sub] {
		h.unsubscribe(sub, name)
	}
}

func (h *Hub) Publish(name string, frame types.Frame) int {
	h.RLock()
	defer h.RUnlock()
	g, ok := h.groups[name]
	if !ok {
		return 0
	}
	g.Lock()
	defer g.Unlock()
	n := 0
	for sub := range g.subs {
		if sub.Enqueue(frame) {
			n++
		}
	}
	h.log.Trace("published", "group", name, "type", frame.FrameType(), "subscribers", n)
	return n
}

func (h *Hub) Subscribers(name string) int {
	h.RLock()
	defer h.RUnlock()
	if g, ok := h.groups[name]; ok {
		return len(g.subs)
	}
	return 0
}
