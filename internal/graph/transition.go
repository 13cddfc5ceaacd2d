package graph

import "sync"

// Transition is a full source object in its own right (spec §4.2, §4.1
// "Show/hide transitions"): while active it replaces a SceneItem's source
// in audio routing and crossfades between A and B over DurationMS. The
// crossfade weights come from Mix; AudioRender does not render the fade.
type Transition struct {
	mu sync.Mutex

	A, B       *Source
	DurationMS int

	startTS  uint64
	active   bool
	reverse  bool // true: B -> A (hide), false: A -> B (show)
}

// NewTransition creates a crossfade between a and b lasting durationMS.
func NewTransition(a, b *Source, durationMS int) *Transition {
	return &Transition{A: a, B: b, DurationMS: durationMS}
}

// Start begins the transition at startTS (ns). reverse selects hide
// (B->A) vs show (A->B) direction.
func (t *Transition) Start(startTS uint64, reverse bool) {
	t.mu.Lock()
	t.startTS = startTS
	t.active = true
	t.reverse = reverse
	t.mu.Unlock()
}

// Active reports whether the transition is still within its duration
// window as of ts.
func (t *Transition) Active(ts uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	elapsedMS := int64(ts-t.startTS) / 1_000_000
	return elapsedMS >= 0 && elapsedMS < int64(t.DurationMS)
}

// Stop ends the transition (called once the duration window elapses).
func (t *Transition) Stop() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

// Mix returns the crossfade weight for A and B at ts, linear in elapsed
// time over DurationMS. It is the Transition's equivalent of
// AudioRender: callers add wA*A.OutputBuf + wB*B.OutputBuf into the mix.
func (t *Transition) Mix(ts uint64) (wA, wB float32) {
	t.mu.Lock()
	duration, start, reverse := t.DurationMS, t.startTS, t.reverse
	t.mu.Unlock()

	if duration <= 0 {
		return 0, 1
	}
	elapsedMS := int64(ts-start) / 1_000_000
	frac := float32(elapsedMS) / float32(duration)
	switch {
	case frac < 0:
		frac = 0
	case frac > 1:
		frac = 1
	}
	if reverse {
		// B -> A: starts fully on B, ends fully on A.
		return frac, 1 - frac
	}
	// A -> B: starts fully on A, ends fully on B.
	return 1 - frac, frac
}

// AudioRender implements AudioRenderer. It renders nothing and fills no
// output buffer; it only returns true.
func (t *Transition) AudioRender(mixMask uint32, channels, sampleRate, blockFrames int) bool {
	// The transition node is a pass-through combiner; sceneaudio computes
	// the weighted sum directly from Mix() against A/B output buffers
	// rather than routing through this method, since it needs per-tick
	// timestamp context this interface doesn't carry. Kept to satisfy
	// AudioRenderer for callers that only have the generic interface.
	return true
}
