// Package signalbus implements the core's observable signal boundary
// (spec §6 "Signals emitted"): a typed pub/sub bus so graph, encoder, and
// output components can emit lifecycle events without the emitters
// knowing who, if anyone, is listening.
package signalbus

import "sync"

// Name is one of the stable signal names the core promises to emit.
type Name string

// Stable signal names (spec §6).
const (
	Start            Name = "start"
	Stop             Name = "stop"
	Starting         Name = "starting"
	Stopping         Name = "stopping"
	Activate         Name = "activate"
	Deactivate       Name = "deactivate"
	Reconnect        Name = "reconnect"
	ReconnectSuccess Name = "reconnect_success"
	Pause            Name = "pause"
	Unpause          Name = "unpause"
	ItemAdd          Name = "item_add"
	ItemRemove       Name = "item_remove"
	ItemVisible      Name = "item_visible"
	ItemLocked       Name = "item_locked"
	ItemTransform    Name = "item_transform"
	Reorder          Name = "reorder"
)

// Event is one emission: Name plus an opaque, signal-specific payload
// (e.g. the stop code for Stop, the timeout for Reconnect).
type Event struct {
	Name Name
	Data any
}

// Handler receives emitted events. Handlers are invoked synchronously on
// the emitting goroutine and must not block.
type Handler func(Event)

// Bus is a simple multi-producer, multi-consumer signal fan-out. Every
// component in the core that needs to emit holds a *Bus (or nil, in
// which case Emit is a no-op) rather than a bespoke callback list.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers h to receive every future emission.
func (b *Bus) Subscribe(h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Emit fans out ev to every subscriber. Safe to call on a nil *Bus.
func (b *Bus) Emit(name Name, data any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	ev := Event{Name: name, Data: data}
	for _, h := range handlers {
		h(ev)
	}
}
