// Package graph implements the scene/source dataflow container (spec §3,
// §4.2, §9): which sources feed the audio mixer and video renderer, scene
// nesting with cycle rejection, and show/hide transitions.
package graph

import (
	"sync"
	"sync/atomic"

	"github.com/zsiec/corelive/internal/corelock"
	"github.com/zsiec/corelive/internal/media"
)

// Kind classifies a Source's production capability.
type Kind int

// Source kinds.
const (
	KindAudio Kind = iota
	KindVideo
	KindComposite // a nested scene/group: both audio- and video-producing
)

// MaxChannels bounds the per-source channel count the mixer plans for.
const MaxChannels = 8

// AudioRenderer is the capability a Source exposes to fill its per-mix,
// per-channel output buffer from its own input PCM (spec §6
// audio_render). It is called at the source's own internal pace; the
// mixer never reaches into a source's producer state directly.
type AudioRenderer interface {
	AudioRender(mixMask uint32, channels, sampleRate, blockFrames int) bool
}

// VideoRenderer is the capability a Source exposes to draw to the current
// GPU target (spec §6 video_render). The core never inspects what a
// video render actually does; rendering is an external collaborator.
type VideoRenderer interface {
	VideoRender()
}

// Source is one node in the dataflow graph: a leaf producer (camera,
// capture device, synthetic tone) or a composite (nested scene) that
// recurses into its own children. Producer threads and the mixer mutate
// it concurrently under audioMu, per the lock order in corelock.LockOrder.
type Source struct {
	ID   string
	Kind Kind

	renderer      AudioRenderer
	videoRenderer VideoRenderer

	audioMu    sync.Mutex
	inputRing  [MaxChannels]*media.PCMRing
	outputBuf  [media.MaxMixBuses][MaxChannels][]float32
	audioTS    uint64 // ns, 0 = unset
	audioPend  bool
	timingSet  bool
	lastRingSz [MaxChannels]int // per-channel samples observed last tick, for stall detection

	refCount atomic.Int32

	// children is non-nil only for KindComposite sources that aren't
	// backed by a live Scene (e.g. in cycle-detection tests); scene-backed
	// composites derive their children from compositeScene instead so the
	// list can never go stale relative to the scene's item list.
	children       []*Source
	compositeScene *Scene
}

// NewSource creates a leaf source bound to the given render capabilities.
// Either renderer may be nil if the source only produces the other kind.
func NewSource(id string, kind Kind, ar AudioRenderer, vr VideoRenderer) *Source {
	s := &Source{ID: id, Kind: kind, renderer: ar, videoRenderer: vr}
	for ch := range s.inputRing {
		s.inputRing[ch] = media.NewPCMRing()
	}
	s.refCount.Store(1)
	return s
}

// AddRef increments the source's reference count and returns a Strong ref.
func (s *Source) AddRef() corelock.Strong[Source] {
	s.refCount.Add(1)
	return corelock.NewStrong(s)
}

// Release decrements the reference count; the caller should stop using s
// afterward if the count reaches zero (destruction is the graph builder's
// responsibility, not this package's — spec §3.3).
func (s *Source) Release() int32 {
	return s.refCount.Add(-1)
}

// RefCount reports the current strong reference count.
func (s *Source) RefCount() int32 { return s.refCount.Load() }

// IsComposite reports whether this source recurses into child sources
// (spec §4.2 step 4: "the item's source is itself a scene/group").
func (s *Source) IsComposite() bool { return s.Kind == KindComposite }

// Children returns the composite source's descendants, or nil for a leaf.
// For a scene-backed composite this is always derived live from the
// scene's current item list.
func (s *Source) Children() []*Source {
	if s.compositeScene != nil {
		items := s.compositeScene.Items()
		out := make([]*Source, 0, len(items))
		for _, it := range items {
			if child := it.Source(); child != nil {
				out = append(out, child)
			}
		}
		return out
	}
	return s.children
}

// SetChildren wires a composite source's descendants directly, for
// composites not backed by a graph.Scene.
func (s *Source) SetChildren(children []*Source) { s.children = children }

// SetCompositeScene binds this composite source to the Scene it renders,
// so sceneaudio can recurse into the scene's SceneItem list (visibility,
// transitions, ...) rather than a flat Source slice.
func (s *Source) SetCompositeScene(sc *Scene) { s.compositeScene = sc }

// CompositeScene returns the Scene this composite source renders, or nil
// if it isn't scene-backed.
func (s *Source) CompositeScene() *Scene { return s.compositeScene }

// AudioTimestamp returns the source's current internal audio clock (ns).
func (s *Source) AudioTimestamp() uint64 {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.audioTS
}

// SetAudioTimestamp advances the source's internal audio clock.
func (s *Source) SetAudioTimestamp(ts uint64) {
	s.audioMu.Lock()
	s.audioTS = ts
	s.audioMu.Unlock()
}

// AudioPending reports whether the source is mid-restart and should be
// skipped by the mixer's min_ts computation (spec §4.1 step 5).
func (s *Source) AudioPending() bool {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.audioPend
}

// SetAudioPending marks or clears the pending-restart flag.
func (s *Source) SetAudioPending(pending bool) {
	s.audioMu.Lock()
	s.audioPend = pending
	s.audioMu.Unlock()
}

// TimingSet reports whether the source's timestamp adjustment has been
// initialised (spec §4.1 "Lagging source recovery").
func (s *Source) TimingSet() bool {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.timingSet
}

// SetTimingSet sets or clears the timing-initialised flag.
func (s *Source) SetTimingSet(v bool) {
	s.audioMu.Lock()
	s.timingSet = v
	s.audioMu.Unlock()
}

// InputRing returns the per-channel input PCM ring the source's producer
// writes into and the mixer discards from.
func (s *Source) InputRing(channel int) *media.PCMRing {
	if channel < 0 || channel >= MaxChannels {
		return nil
	}
	return s.inputRing[channel]
}

// RenderAudio invokes the source's AudioRenderer, if any, filling its
// output buffer for the given mix buses/channels/rate/block size.
func (s *Source) RenderAudio(mixMask uint32, channels, sampleRate, blockFrames int) bool {
	if s.renderer == nil {
		return false
	}
	return s.renderer.AudioRender(mixMask, channels, sampleRate, blockFrames)
}

// RenderVideo invokes the source's VideoRenderer, if any.
func (s *Source) RenderVideo() {
	if s.videoRenderer != nil {
		s.videoRenderer.VideoRender()
	}
}

// OutputBuf returns the source's rendered output for one mix bus/channel
// (filled by the most recent RenderAudio call).
func (s *Source) OutputBuf(mix, channel int) []float32 {
	if mix < 0 || mix >= media.MaxMixBuses || channel < 0 || channel >= MaxChannels {
		return nil
	}
	return s.outputBuf[mix][channel]
}

// SetOutputBuf stores the rendered output for one mix bus/channel; called
// by AudioRenderer implementations from inside AudioRender.
func (s *Source) SetOutputBuf(mix, channel int, data []float32) {
	if mix < 0 || mix >= media.MaxMixBuses || channel < 0 || channel >= MaxChannels {
		return
	}
	s.outputBuf[mix][channel] = data
}

// StallCheck compares the channel's input ring size against the size
// observed on the previous call for that channel and records the current
// size. It returns
// true on every call for which the source has never produced data and
// its ring has not grown since the previous call (spec §4.1 step 8).
func (s *Source) StallCheck(channel int) bool {
	ring := s.InputRing(channel)
	if ring == nil {
		return false
	}
	cur := ring.Len()
	stalled := s.audioTS == 0 && cur == s.lastRingSz[channel]
	s.lastRingSz[channel] = cur
	return stalled
}

// ClearInput discards all buffered input samples on every channel and
// resets the stall-detection baseline. Called when a stalled source is
// stopped (spec §4.1 step 8).
func (s *Source) ClearInput() {
	for _, r := range s.inputRing {
		if r != nil {
			r.Discard(r.Len())
		}
	}
	s.lastRingSz = [MaxChannels]int{}
}
