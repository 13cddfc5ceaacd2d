package graph

import (
	"fmt"
	"sync"

	"github.com/zsiec/corelive/internal/corelock"
)

// BlendMode enumerates the compositing modes a SceneItem's video can use.
// Carried from original_source's obs-scene.c blend-mode set; audio
// composition ignores it entirely (it is a video-render concern) but it
// is part of the persisted item state (spec §6 "Persisted state").
type BlendMode int

// Supported blend modes.
const (
	BlendNormal BlendMode = iota
	BlendAdditive
	BlendSubtract
	BlendScreen
	BlendMultiply
)

// ScaleFilter enumerates the video scaling filters a SceneItem can use,
// persisted state only (spec §6); the audio submodel never consults it.
type ScaleFilter int

// Supported scale filters.
const (
	ScaleDisable ScaleFilter = iota
	ScaleBilinear
	ScaleBicubic
	ScaleLanczos
	ScaleArea
)

// Transform is the persisted pos/scale/rot/bounds geometry of a SceneItem.
type Transform struct {
	PosX, PosY       float32
	ScaleX, ScaleY   float32
	Rotation         float32
	BoundsW, BoundsH float32
	CropLeft         int
	CropTop          int
	CropRight        int
	CropBottom       int
}

// AudioAction is a queued, timestamped visibility change for a SceneItem
// (spec §4.2 step 2).
type AudioAction struct {
	TimestampNS uint64
	Visible     bool
}

// SceneItem binds one Source into a Scene with per-item visibility,
// transform, and optional show/hide transitions. It strongly owns its
// Source reference (spec §3.3).
type SceneItem struct {
	mu sync.Mutex

	source  corelock.Strong[Source]
	visible bool
	locked  bool

	Transform   Transform
	BlendMode   BlendMode
	ScaleFilter ScaleFilter

	pendingActions []AudioAction
	activeRefs     int // incremented while visible and routed into the mix

	ShowTransition *Transition
	HideTransition *Transition

	// UnknownFields preserves persisted keys this version of the schema
	// doesn't recognise, round-tripped verbatim (spec §6 forward-
	// compatibility rule).
	UnknownFields map[string]any
}

// NewSceneItem creates an item bound to src, initially visible.
func NewSceneItem(src *Source) *SceneItem {
	return &SceneItem{
		source:  corelock.NewStrong(src),
		visible: true,
	}
}

// Source returns the item's bound source.
func (it *SceneItem) Source() *Source { return it.source.Get() }

// Visible reports the item's current visibility.
func (it *SceneItem) Visible() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.visible
}

// SetVisible sets visibility immediately (bypassing the timestamped
// action queue); used by persistence load and UI-driven toggles that
// don't need sample-accurate timing.
func (it *SceneItem) SetVisible(v bool) {
	it.mu.Lock()
	it.visible = v
	it.mu.Unlock()
}

// Locked reports whether the item rejects transform edits.
func (it *SceneItem) Locked() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.locked
}

// SetLocked sets the locked flag.
func (it *SceneItem) SetLocked(v bool) {
	it.mu.Lock()
	it.locked = v
	it.mu.Unlock()
}

// QueueAudioAction enqueues a timestamped visibility change (spec §4.2
// step 2). Actions are applied in QueueAudioAction call order.
func (it *SceneItem) QueueAudioAction(a AudioAction) {
	it.mu.Lock()
	it.pendingActions = append(it.pendingActions, a)
	it.mu.Unlock()
}

// ApplyActionsInWindow applies (and removes) every queued action whose
// timestamp falls within [windowStart, windowEnd). A change from visible
// to hidden decrements activeRefs and a change from hidden to visible
// increments it; the item stays in the scene and its source is not
// detached. It returns the applied actions in queue order for the
// caller to derive the sample-accurate gain step from.
func (it *SceneItem) ApplyActionsInWindow(windowStart, windowEnd uint64) []AudioAction {
	it.mu.Lock()
	defer it.mu.Unlock()

	var applied []AudioAction
	var remaining []AudioAction
	for _, a := range it.pendingActions {
		if a.TimestampNS >= windowStart && a.TimestampNS < windowEnd {
			applied = append(applied, a)
			wasVisible := it.visible
			it.visible = a.Visible
			if wasVisible && !a.Visible {
				it.activeRefs--
			} else if !wasVisible && a.Visible {
				it.activeRefs++
			}
		} else {
			remaining = append(remaining, a)
		}
	}
	it.pendingActions = remaining
	return applied
}

// Scene is an ordered container of SceneItems with independent audio and
// video mutexes (spec §3.1, §5: "the mixer tick ... holds the scene's
// audio mutex during step 2 only").
type Scene struct {
	ID string

	videoMu sync.Mutex
	audioMu sync.Mutex

	items      []*SceneItem
	isGroup    bool
	customSize bool
	width      int
	height     int
}

// NewScene creates an empty scene. isGroup marks it as a group (a
// transform-only container) rather than a standalone program scene; both
// shapes use the identical audio composition algorithm (spec §4.2).
func NewScene(id string, isGroup bool) *Scene {
	return &Scene{ID: id, isGroup: isGroup}
}

// IsGroup reports whether this scene is a group container.
func (s *Scene) IsGroup() bool { return s.isGroup }

// SetCustomSize overrides the scene's canvas-relative bounds size, used
// only by the persistence/video layers.
func (s *Scene) SetCustomSize(w, h int) {
	s.videoMu.Lock()
	s.customSize = true
	s.width, s.height = w, h
	s.videoMu.Unlock()
}

// Items returns a snapshot of the scene's item list under the audio
// mutex, safe to range over without holding any lock afterward.
func (s *Scene) Items() []*SceneItem {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	out := make([]*SceneItem, len(s.items))
	copy(out, s.items)
	return out
}

// AddItem appends an item, rejecting the add if it would introduce a
// cycle through nested scene sources (spec §9 "Detect add-active-child
// recursion by walking the existing tree").
func (s *Scene) AddItem(it *SceneItem, selfAsSource *Source) error {
	if src := it.Source(); src != nil && src.IsComposite() {
		if wouldCycle(selfAsSource, src) {
			return fmt.Errorf("graph: adding item would create a scene cycle (source %q)", src.ID)
		}
	}

	s.audioMu.Lock()
	s.videoMu.Lock()
	s.items = append(s.items, it)
	s.videoMu.Unlock()
	s.audioMu.Unlock()
	return nil
}

// RemoveItem removes it from the scene under the full (audio+video) lock,
// per spec §3.1 ("removed under full lock").
func (s *Scene) RemoveItem(it *SceneItem) {
	s.audioMu.Lock()
	s.videoMu.Lock()
	for i, cur := range s.items {
		if cur == it {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.videoMu.Unlock()
	s.audioMu.Unlock()
}

// AsSource wires this scene as a KindComposite Source so the mixer's
// render-order walk can recurse into it like any other composite source.
// renderer is typically a *sceneaudio.Renderer bound to this same scene;
// it may be nil for scenes used only in structural (non-audio) tests.
func (s *Scene) AsSource(id string, renderer AudioRenderer) *Source {
	src := NewSource(id, KindComposite, renderer, nil)
	src.SetCompositeScene(s)
	return src
}

// wouldCycle reports whether adding candidate as a descendant of root
// would create a cycle: root itself, or any of candidate's own
// descendants, must not already contain root.
func wouldCycle(root, candidate *Source) bool {
	if root == nil || candidate == nil {
		return false
	}
	if root == candidate {
		return true
	}
	var walk func(*Source) bool
	visited := map[*Source]bool{}
	walk = func(n *Source) bool {
		if n == nil || visited[n] {
			return false
		}
		visited[n] = true
		for _, c := range n.Children() {
			if c == root || walk(c) {
				return true
			}
		}
		return false
	}
	return walk(candidate)
}
