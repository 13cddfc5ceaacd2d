// Package sceneaudio implements the per-tick scene audio composition
// algorithm (spec §4.2): visibility gating with one gain value per tick
// window, transition crossfades, and recursive scene/group mixing.
package sceneaudio

import (
	"github.com/zsiec/corelive/internal/graph"
	"github.com/zsiec/corelive/internal/media"
)

// BlockNS is the duration in nanoseconds of one mixer tick's gain window,
// for a block of media.AudioBlock samples at sampleRate.
func BlockNS(sampleRate int) uint64 {
	return media.BlockNS(sampleRate)
}

// Renderer implements graph.AudioRenderer for a Scene, so a Scene can be
// wired as a KindComposite Source's render capability (spec §4.2 step 4:
// "the item's source is itself a scene/group... recurse").
type Renderer struct {
	scene *graph.Scene
}

// NewRenderer creates a Renderer bound to scene.
func NewRenderer(scene *graph.Scene) *Renderer {
	return &Renderer{scene: scene}
}

// AudioRender renders nothing and writes no output buffer; it only
// returns true. It exists so a Scene satisfies graph.AudioRenderer
// wherever a generic capability table is required (spec §9 "capability
// table"). Composition for a tick window is done by Compose, which takes
// the window's start timestamp; the mixer does not call Compose and reads
// only each root Source's OutputBuf.
func (r *Renderer) AudioRender(mixMask uint32, channels, sampleRate, blockFrames int) bool {
	return true
}

// Compose performs the full recursive algorithm of spec §4.2 for one
// scene at the given tick window [windowStart, windowStart+BlockNS), for
// one channel on one mix bus, writing the resulting block.AudioBlock-
// sample mix into out (which must be pre-sized and zeroed by the caller,
// since nested recursion multiply-adds into the same buffer).
//
// upperMask is the gain mask inherited from an enclosing group (nil at
// the top level, meaning "no mask" i.e. implicitly all 1s); it bounds
// this scene's own per-item gains via a Hadamard (element-wise) min, per
// spec §4.2 step 4.
func Compose(scene *graph.Scene, windowStart uint64, sampleRate, mix, channel int, out []float32, upperMask []float32) {
	blockNS := BlockNS(sampleRate)
	windowEnd := windowStart + blockNS

	for _, item := range scene.Items() {
		src := item.Source()
		if src == nil {
			continue
		}

		item.ApplyActionsInWindow(windowStart, windowEnd)
		gain := computeGain(item, windowStart, windowEnd, len(out))
		if upperMask != nil {
			hadamardMin(gain, upperMask)
		}

		if item.ShowTransition != nil && item.ShowTransition.Active(windowStart) {
			mixTransition(item.ShowTransition, windowStart, mix, channel, gain, out)
			continue
		}
		if item.HideTransition != nil && item.HideTransition.Active(windowStart) {
			mixTransition(item.HideTransition, windowStart, mix, channel, gain, out)
			continue
		}

		if nested := src.CompositeScene(); nested != nil {
			Compose(nested, windowStart, sampleRate, mix, channel, out, gain)
			continue
		}

		accumulate(out, src.OutputBuf(mix, channel), gain)
	}
}

// computeGain builds a gain buffer of length n filled with one value:
// 1.0 if the item is visible, 0.0 if hidden, read after Compose has
// applied this window's queued actions (spec §4.2 step 3). The step is
// not placed at an action's offset within the window; a visibility
// change applies to the whole window in which its action falls.
func computeGain(item *graph.SceneItem, windowStart, windowEnd uint64, n int) []float32 {
	gain := make([]float32, n)
	startVisible := item.Visible()

	fillValue := float32(0)
	if startVisible {
		fillValue = 1
	}
	for i := range gain {
		gain[i] = fillValue
	}
	return gain
}

// hadamardMin clamps gain element-wise to at most the corresponding value
// in mask ("Hadamard min with any nested gains", spec §4.2 step 4).
func hadamardMin(gain, mask []float32) {
	n := len(gain)
	if len(mask) < n {
		n = len(mask)
	}
	for i := 0; i < n; i++ {
		if mask[i] < gain[i] {
			gain[i] = mask[i]
		}
	}
}

// accumulate adds src*gain into out (multiply-add), or a plain add if
// gain is all-1s (spec §4.2 step 5).
func accumulate(out, src, gain []float32) {
	if src == nil {
		return
	}
	n := len(out)
	if len(src) < n {
		n = len(src)
	}
	if allOnes(gain) {
		for i := 0; i < n; i++ {
			out[i] += src[i]
		}
		return
	}
	for i := 0; i < n; i++ {
		g := float32(1)
		if i < len(gain) {
			g = gain[i]
		}
		out[i] += src[i] * g
	}
}

func allOnes(gain []float32) bool {
	for _, g := range gain {
		if g != 1 {
			return false
		}
	}
	return true
}

// mixTransition accumulates a transitioning item's contribution by
// crossfading A and B's already-rendered output through the transition
// node, then applying the item's own visibility gain on top (spec §4.2
// "Show/hide transitions are full source objects themselves").
func mixTransition(t *graph.Transition, ts uint64, mix, channel int, gain []float32, out []float32) {
	wA, wB := t.Mix(ts)
	if t.A != nil {
		accumulateScaled(out, t.A.OutputBuf(mix, channel), gain, wA)
	}
	if t.B != nil {
		accumulateScaled(out, t.B.OutputBuf(mix, channel), gain, wB)
	}
}

func accumulateScaled(out, src, gain []float32, weight float32) {
	if src == nil || weight == 0 {
		return
	}
	n := len(out)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		g := float32(1)
		if i < len(gain) {
			g = gain[i]
		}
		out[i] += src[i] * g * weight
	}
}

// MinNonPendingTimestamp returns the minimum AudioTimestamp among the
// scene's non-pending children, treating an active transition as its
// effective child (spec §4.2 step 1). ok is false if every child is
// pending or the scene has no items.
func MinNonPendingTimestamp(scene *graph.Scene, ts uint64) (min uint64, ok bool) {
	for _, item := range scene.Items() {
		src := item.Source()
		if src == nil || src.AudioPending() {
			continue
		}
		candidate := src.AudioTimestamp()
		if item.ShowTransition != nil && item.ShowTransition.Active(ts) {
			candidate = effectiveTransitionTS(item.ShowTransition)
		} else if item.HideTransition != nil && item.HideTransition.Active(ts) {
			candidate = effectiveTransitionTS(item.HideTransition)
		}
		if !ok || candidate < min {
			min = candidate
			ok = true
		}
	}
	return min, ok
}

func effectiveTransitionTS(t *graph.Transition) uint64 {
	minTS := uint64(0)
	set := false
	for _, s := range []*graph.Source{t.A, t.B} {
		if s == nil || s.AudioPending() {
			continue
		}
		ts := s.AudioTimestamp()
		if !set || ts < minTS {
			minTS = ts
			set = true
		}
	}
	return minTS
}
