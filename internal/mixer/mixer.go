// Package mixer implements the per-tick audio mixer (spec §4.1): drawing
// samples from every active source, applying per-source buffering and
// resynchronisation, and emitting one AudioBlock-sized block of mixed PCM
// per mix bus.
package mixer

import (
	"log/slog"
	"sync"

	"github.com/zsiec/corelive/internal/graph"
	"github.com/zsiec/corelive/internal/media"
)

// MaxBufferingTicks bounds the buffering FIFO's depth (spec §3.2 P4,
// §9 Open Question 3: intentionally not exposed as configuration).
const MaxBufferingTicks = 45

// Window is one mixer tick's requested [Start, End) span.
type Window struct {
	Start, End uint64
}

// TickResult is the output of one Tick call.
type TickResult struct {
	OutTS uint64 // effective start_ts after any buffering adjustment
	Emit  bool   // false while buffering is actively accruing
	Mixes [media.MaxMixBuses][]float32
}

// Root is an active top-level source feeding the mixer, paired with the
// channel count the mixer should render for it.
type Root struct {
	Source   *graph.Source
	Channels int
}

// Mixer holds the buffering FIFO and root-source set for one mixer
// instance (spec §4.1).
type Mixer struct {
	log        *slog.Logger
	SampleRate int
	Channels   int

	mu             sync.Mutex
	tsQueue        []Window
	bufferingTotal int
	bufferingWait  int
	roots          []*Root
}

// New creates a Mixer rendering at sampleRate with the given channel
// count. If log is nil, slog.Default() is used.
func New(sampleRate, channels int, log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	return &Mixer{
		log:        log.With("component", "mixer"),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// SetRoots replaces the mixer's set of active root sources.
func (m *Mixer) SetRoots(roots []*Root) {
	m.mu.Lock()
	m.roots = roots
	m.mu.Unlock()
}

// BufferingTotal reports the current buffering depth, for tests and
// property P4.
func (m *Mixer) BufferingTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bufferingTotal
}

// Tick runs one mixer iteration (spec §4.1 "Algorithm", steps 1-9).
func (m *Mixer) Tick(start, end uint64) TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	blockNS := media.BlockNS(m.SampleRate)

	// Step 1: push the caller-provided window, peek the front.
	m.tsQueue = append(m.tsQueue, Window{Start: start, End: end})
	ts := m.tsQueue[0]

	// Step 2+3: render order + per-source audio render.
	order := renderOrder(m.roots)
	for _, src := range order {
		if src.AudioPending() {
			continue
		}
		src.RenderAudio(allMixMask(), m.Channels, m.SampleRate, media.AudioBlock)
	}

	// Step 4/lagging-source recovery: request more buffering, or run
	// ignore_audio once the cap is hit.
	for _, src := range order {
		if src.AudioPending() {
			continue
		}
		if src.AudioTimestamp() >= ts.Start || src.AudioTimestamp() == 0 {
			continue
		}
		if m.bufferingTotal >= MaxBufferingTicks {
			m.ignoreAudio(src, ts, blockNS)
		}
	}

	// Step 5: min_ts over non-pending sources with nonzero ts.
	minTS, haveMin := minTimestamp(order)

	// Step 6: extend the buffering FIFO backwards if any source is still
	// behind the window start.
	if haveMin && minTS < ts.Start {
		ticksNeeded := ceilDiv(ts.Start-minTS, blockNS)
		allowed := MaxBufferingTicks - m.bufferingTotal
		if ticksNeeded > allowed {
			ticksNeeded = allowed
		}
		if ticksNeeded > 0 {
			m.extendBuffering(ticksNeeded, blockNS)
			m.bufferingTotal += ticksNeeded
			m.bufferingWait += ticksNeeded
			ts = m.tsQueue[0]
			m.log.Debug("buffering extended", "ticks", ticksNeeded, "total", m.bufferingTotal)
		}
	}

	// Step 7: mix, only if no buffering wait is pending.
	var mixes [media.MaxMixBuses][]float32
	if m.bufferingWait == 0 {
		for mix := 0; mix < media.MaxMixBuses; mix++ {
			buf := make([]float32, media.AudioBlock*m.Channels)
			for _, root := range m.roots {
				addRootContribution(buf, root, mix, m.Channels)
			}
			mixes[mix] = buf
		}
	}

	// Step 8: discard consumed samples, stall detection.
	for _, src := range order {
		discardConsumed(src, m.Channels)
		for ch := 0; ch < graph.MaxChannels; ch++ {
			if src.StallCheck(ch) {
				src.ClearInput()
				src.SetAudioPending(true)
				break
			}
		}
	}

	// Step 9: pop the FIFO front, decrement buffering_wait, emit decision.
	m.tsQueue = m.tsQueue[1:]
	if m.bufferingWait > 0 {
		m.bufferingWait--
	}

	return TickResult{OutTS: ts.Start, Emit: m.bufferingWait == 0, Mixes: mixes}
}

// ignoreAudio implements spec §4.1 "Lagging source recovery": pop the
// lagging sample count (truncated, plus one to cover residual drift)
// from the source's input ring, advance its clock, and either let it
// rejoin this tick or mark it pending for a restart.
func (m *Mixer) ignoreAudio(src *graph.Source, ts Window, blockNS uint64) {
	lagNS := ts.Start - src.AudioTimestamp()
	lagSamples := int(media.MulDiv64(int64(lagNS), int64(m.SampleRate), 1_000_000_000)) + 1

	for ch := 0; ch < graph.MaxChannels; ch++ {
		ring := src.InputRing(ch)
		if ring == nil {
			continue
		}
		ring.Discard(lagSamples)
	}

	advanceNS := media.MulDiv64(int64(lagSamples), 1_000_000_000, int64(m.SampleRate))
	src.SetAudioTimestamp(src.AudioTimestamp() + uint64(advanceNS))

	if src.AudioTimestamp() >= ts.Start {
		// Rejoined: re-render this tick.
		src.RenderAudio(allMixMask(), m.Channels, m.SampleRate, media.AudioBlock)
		return
	}

	src.SetAudioPending(true)
	src.SetAudioTimestamp(0)
	src.SetTimingSet(false)
}

// renderOrder walks the graph from each active root, collecting every
// distinct descendant exactly once, depth-first (spec §4.1 step 2).
func renderOrder(roots []*Root) []*graph.Source {
	seen := map[*graph.Source]bool{}
	var order []*graph.Source
	var walk func(*graph.Source)
	walk = func(s *graph.Source) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		order = append(order, s)
		for _, c := range s.Children() {
			walk(c)
		}
	}
	for _, r := range roots {
		if r != nil {
			walk(r.Source)
		}
	}
	return order
}

func minTimestamp(sources []*graph.Source) (min uint64, ok bool) {
	for _, s := range sources {
		if s.AudioPending() {
			continue
		}
		ts := s.AudioTimestamp()
		if ts == 0 {
			continue
		}
		if !ok || ts < min {
			min = ts
			ok = true
		}
	}
	return min, ok
}

// extendBuffering pushes n additional windows onto the front of the FIFO,
// each blockNS earlier than the current front.
func (m *Mixer) extendBuffering(n int, blockNS uint64) {
	if n <= 0 || len(m.tsQueue) == 0 {
		return
	}
	front := m.tsQueue[0]
	extra := make([]Window, n)
	end := front.Start
	for i := n - 1; i >= 0; i-- {
		start := end - blockNS
		extra[i] = Window{Start: start, End: end}
		end = start
	}
	m.tsQueue = append(extra, m.tsQueue...)
}

func ceilDiv(a, b uint64) int {
	if b == 0 {
		return 0
	}
	return int((a + b - 1) / b)
}

func allMixMask() uint32 {
	return (1 << media.MaxMixBuses) - 1
}

// addRootContribution adds a root source's rendered output for mix into
// buf, interleaved by channel (spec §4.1 step 7).
func addRootContribution(buf []float32, root *Root, mix, channels int) {
	if root == nil || root.Source == nil {
		return
	}
	for ch := 0; ch < channels && ch < graph.MaxChannels; ch++ {
		data := root.Source.OutputBuf(mix, ch)
		for i := 0; i < media.AudioBlock && i < len(data); i++ {
			buf[i*channels+ch] += data[i]
		}
	}
}

// discardConsumed removes exactly one AudioBlock window's worth of
// samples from each channel of src's input ring (spec §4.1 step 8).
func discardConsumed(src *graph.Source, channels int) {
	for ch := 0; ch < channels && ch < graph.MaxChannels; ch++ {
		ring := src.InputRing(ch)
		if ring != nil {
			ring.Discard(media.AudioBlock)
		}
	}
}
