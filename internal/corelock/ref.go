// Package corelock provides the strong/weak ownership pair the core uses
// to break reference cycles (an Encoder's paired-encoder list, a Scene
// item's back-edge, a Service's bound Output, ...) per spec §3.3, plus the
// documented lock-order used across the mixer/graph/encoder/output chain
// (§5).
package corelock

import "weak"

// Strong is a strongly-held reference: its presence keeps T alive.
type Strong[T any] struct {
	v *T
}

// NewStrong wraps v in a Strong reference.
func NewStrong[T any](v *T) Strong[T] {
	return Strong[T]{v: v}
}

// Get returns the referenced value, or nil if the Strong is zero-valued.
func (s Strong[T]) Get() *T { return s.v }

// Weak returns a Weak observer of this Strong reference that can later be
// upgraded back to a Strong one while the original is still alive.
func (s Strong[T]) Weak() Weak[T] {
	if s.v == nil {
		return Weak[T]{}
	}
	return Weak[T]{p: weak.Make(s.v)}
}

// Weak is a non-owning reference used for back-edges (spec §3.3: "Back-
// edges ... are weak to break cycles"). It observes liveness and can be
// upgraded, but never by itself keeps the target alive.
type Weak[T any] struct {
	p weak.Pointer[T]
}

// Upgrade attempts to produce a Strong reference from w. ok is false if
// the target has already been collected (no Strong references remain).
func (w Weak[T]) Upgrade() (s Strong[T], ok bool) {
	v := w.p.Value()
	if v == nil {
		return Strong[T]{}, false
	}
	return Strong[T]{v: v}, true
}

// Valid reports whether the target is still reachable at this instant.
// Racy by nature (the target can be collected immediately after this
// returns true) — prefer Upgrade and check ok.
func (w Weak[T]) Valid() bool {
	_, ok := w.Upgrade()
	return ok
}
