// Package interleave implements the per-output packet interleaver (spec
// §4.4): admission, session-start pruning, grouped-keyframe alignment,
// and ordered emission across one-or-more video and audio tracks.
package interleave

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/corelive/internal/media"
)

// Callback receives every emitted packet, before the Output's own
// encoded-packet delivery (spec §4.4.3 "invoke every packet-callback").
type Callback interface {
	OnInterleavedPacket(pkt media.Packet)
}

// Sink is the final destination for emitted packets (spec §4.4.3
// "output.encoded_packet").
type Sink interface {
	EncodedPacket(pkt media.Packet)
}

// track identifies one encoder slot by kind and index.
type track struct {
	Kind media.Kind
	Idx  int
}

// groupEntry tracks a pending grouped keyframe across its required tracks
// (spec §4.4.4).
type groupEntry struct {
	groupID  uint64
	pts      int64
	required map[int]bool
	seen     map[int]bool
}

// Interleaver holds one output's ordering state. Exported methods lock
// internally; callers never need their own synchronisation.
type Interleaver struct {
	log *slog.Logger

	mu sync.Mutex

	active bool

	slots       map[uint64]track // encoder ID -> assigned track slot
	videoSlots  int
	audioSlots  int
	frameUsec   map[track]int64 // nominal per-track frame/chunk duration, usec

	queue []media.Packet

	receivedVideo map[int]bool
	receivedAudio map[int]bool

	videoOffsets map[int]int64
	audioOffsets map[int]int64

	highestVideoTS map[int]int64
	highestAudioTS map[int]int64

	sessionStarted bool

	groupPending map[uint64][]*groupEntry

	callbacks []Callback
	sink      Sink
}

// New creates an inactive Interleaver.
func New(log *slog.Logger) *Interleaver {
	if log == nil {
		log = slog.Default()
	}
	return &Interleaver{
		log:            log.With("component", "interleaver"),
		slots:          make(map[uint64]track),
		frameUsec:      make(map[track]int64),
		receivedVideo:  make(map[int]bool),
		receivedAudio:  make(map[int]bool),
		videoOffsets:   make(map[int]int64),
		audioOffsets:   make(map[int]int64),
		highestVideoTS: make(map[int]int64),
		highestAudioTS: make(map[int]int64),
		groupPending:   make(map[uint64][]*groupEntry),
	}
}

// AddCallback registers a packet callback (spec §4.4.3).
func (il *Interleaver) AddCallback(cb Callback) {
	il.mu.Lock()
	il.callbacks = append(il.callbacks, cb)
	il.mu.Unlock()
}

// SetSink sets the output's encoded-packet sink.
func (il *Interleaver) SetSink(s Sink) {
	il.mu.Lock()
	il.sink = s
	il.mu.Unlock()
}

// AssignSlot binds encoderID to a (kind, track) slot and records its
// nominal per-packet duration in microseconds, used for prune/batch-size
// computations (spec §4.4.2, §4.4.3).
func (il *Interleaver) AssignSlot(encoderID uint64, kind media.Kind, trackIdx int, nominalDurationUsec int64) {
	il.mu.Lock()
	defer il.mu.Unlock()
	t := track{Kind: kind, Idx: trackIdx}
	il.slots[encoderID] = t
	il.frameUsec[t] = nominalDurationUsec
	if kind == media.KindVideo && trackIdx >= il.videoSlots {
		il.videoSlots = trackIdx + 1
	}
	if kind == media.KindAudio && trackIdx >= il.audioSlots {
		il.audioSlots = trackIdx + 1
	}
}

// SetActive starts or stops the output; Reset clears all session state
// when transitioning to active after having been stopped (spec §4.4
// "idle -> starting -> active -> stopping -> idle").
func (il *Interleaver) SetActive(active bool) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if active && !il.active {
		il.resetLocked()
	}
	il.active = active
}

func (il *Interleaver) resetLocked() {
	il.queue = nil
	il.receivedVideo = make(map[int]bool)
	il.receivedAudio = make(map[int]bool)
	il.videoOffsets = make(map[int]int64)
	il.audioOffsets = make(map[int]int64)
	il.highestVideoTS = make(map[int]int64)
	il.highestAudioTS = make(map[int]int64)
	il.sessionStarted = false
	il.groupPending = make(map[uint64][]*groupEntry)
}

// Admit implements spec §4.4.1 packet admission through §4.4.3 emission
// as one pipeline call: a caller hands in one freshly-normalised packet
// and the interleaver does everything from slot assignment through
// flushing whatever is now safe to stream.
func (il *Interleaver) Admit(pkt media.Packet) {
	il.mu.Lock()
	defer il.mu.Unlock()

	if !il.active {
		return
	}
	t, ok := il.slots[pkt.EncoderID]
	if !ok {
		return
	}
	pkt.TrackIdx = t.Idx

	if pkt.Kind == media.KindVideo && !il.receivedVideo[t.Idx] && !pkt.Keyframe {
		il.discardAudioBeforeLocked(pkt.DTSUsec)
		return
	}

	il.checkGroupKeyframeLocked(pkt)

	if il.sessionStarted {
		il.applyOffsetLocked(&pkt)
	}

	il.insertLocked(pkt)

	if pkt.Kind == media.KindVideo {
		il.receivedVideo[t.Idx] = true
	} else {
		il.receivedAudio[t.Idx] = true
	}

	if !il.sessionStarted && il.allSlotsReceivedLocked() {
		il.startSessionLocked()
	}
	if il.sessionStarted {
		il.emitLocked()
	}
}

func (il *Interleaver) allSlotsReceivedLocked() bool {
	if il.videoSlots == 0 && il.audioSlots == 0 {
		return false
	}
	for i := 0; i < il.videoSlots; i++ {
		if !il.receivedVideo[i] {
			return false
		}
	}
	for i := 0; i < il.audioSlots; i++ {
		if !il.receivedAudio[i] {
			return false
		}
	}
	return true
}

// discardAudioBeforeLocked drops every queued audio packet with
// dts_usec < threshold (spec §4.4.1 step 3: waiting for the first video
// keyframe discards audio that arrived before it).
func (il *Interleaver) discardAudioBeforeLocked(threshold int64) {
	kept := il.queue[:0]
	for _, p := range il.queue {
		if p.Kind == media.KindAudio && p.DTSUsec < threshold {
			continue
		}
		kept = append(kept, p)
	}
	il.queue = kept
}

// less orders two packets for the interleaved queue (spec §4.4.1 step 6):
// by dts_usec; same-dts video before audio; same-dts same-kind by track
// index ascending.
func less(a, b media.Packet) bool {
	if a.DTSUsec != b.DTSUsec {
		return a.DTSUsec < b.DTSUsec
	}
	if a.Kind != b.Kind {
		return a.Kind == media.KindVideo
	}
	return a.TrackIdx < b.TrackIdx
}

func (il *Interleaver) insertLocked(pkt media.Packet) {
	idx := sort.Search(len(il.queue), func(i int) bool { return less(pkt, il.queue[i]) })
	il.queue = append(il.queue, media.Packet{})
	copy(il.queue[idx+1:], il.queue[idx:])
	il.queue[idx] = pkt
}

// checkGroupKeyframeLocked implements spec §4.4.4 grouped-keyframe
// alignment bookkeeping. It never blocks emission; it only logs a
// warning when a track's keyframe is missing at a PTS that other tracks
// in the same group have already passed.
func (il *Interleaver) checkGroupKeyframeLocked(pkt media.Packet) {
	if pkt.Kind != media.KindVideo || !pkt.Keyframe || pkt.GroupID == 0 {
		return
	}
	entries := il.groupPending[pkt.GroupID]

	for _, e := range entries {
		if e.pts == pkt.PTS {
			e.seen[pkt.TrackIdx] = true
			il.purgeGroupEntriesLocked(pkt.GroupID)
			return
		}
		if pkt.PTS > e.pts && !e.seen[pkt.TrackIdx] {
			il.log.Warn("missing keyframe for track", "track", pkt.TrackIdx, "pts", e.pts, "group", pkt.GroupID)
		}
	}

	required := map[int]bool{}
	for i := 0; i < il.videoSlots; i++ {
		required[i] = true
	}
	e := &groupEntry{groupID: pkt.GroupID, pts: pkt.PTS, required: required, seen: map[int]bool{pkt.TrackIdx: true}}
	il.groupPending[pkt.GroupID] = append(entries, e)
	il.purgeGroupEntriesLocked(pkt.GroupID)
}

func (il *Interleaver) purgeGroupEntriesLocked(groupID uint64) {
	entries := il.groupPending[groupID]
	kept := entries[:0]
	for _, e := range entries {
		fullySeen := true
		for tr := range e.required {
			if !e.seen[tr] {
				fullySeen = false
				break
			}
		}
		if !fullySeen {
			kept = append(kept, e)
		}
	}
	il.groupPending[groupID] = kept
}

// applyOffsetLocked implements the post-session-start rebase of spec
// §4.4.1 step 5 and §4.4.2 step 7: shift dts/pts by the captured
// per-track offset and recompute dts_usec.
func (il *Interleaver) applyOffsetLocked(pkt *media.Packet) {
	var offset int64
	if pkt.Kind == media.KindVideo {
		offset = il.videoOffsets[pkt.TrackIdx]
	} else {
		offset = il.audioOffsets[pkt.TrackIdx]
	}
	pkt.DTS -= offset
	pkt.PTS -= offset
	pkt.DTSUsec = media.DTSToUsec(*pkt)
	if pkt.Time != nil {
		t := *pkt.Time
		t.PTS -= offset
		pkt.Time = &t
	}
}

// startSessionLocked implements spec §4.4.2: prune premature packets,
// choose the true interleaved start index, discard the rest, capture
// per-track offsets, and rebase every still-queued packet.
func (il *Interleaver) startSessionLocked() {
	if !il.prunePrematureLocked() {
		// No sync point found yet; wait for more audio before declaring
		// the session started.
		il.receivedAudio = make(map[int]bool)
		il.sessionStarted = false
		return
	}

	startIdx := il.interleavedStartIdxLocked()
	il.queue = il.queue[startIdx:]

	for i := 0; i < il.videoSlots; i++ {
		if p, ok := il.headOf(media.KindVideo, i); ok {
			il.videoOffsets[i] = p.PTS
		}
	}
	var firstAudio media.Packet
	haveAudio := false
	for i := 0; i < il.audioSlots; i++ {
		if p, ok := il.headOf(media.KindAudio, i); ok {
			if p.DTS > 0 {
				il.audioOffsets[i] = p.DTS
			}
			if !haveAudio {
				firstAudio, haveAudio = p, true
			}
		}
	}

	if haveAudio {
		baseline := firstAudio.DTSUsec
		for i := range il.highestAudioTS {
			il.highestAudioTS[i] -= baseline
		}
	}

	for i := range il.queue {
		il.applyOffsetLocked(&il.queue[i])
	}
	il.sessionStarted = true
}

func (il *Interleaver) headOf(kind media.Kind, trackIdx int) (media.Packet, bool) {
	for _, p := range il.queue {
		if p.Kind != kind {
			continue
		}
		if trackIdx >= 0 && p.TrackIdx != trackIdx {
			continue
		}
		return p, true
	}
	return media.Packet{}, false
}

// prunePrematureLocked implements spec §4.4.2 step 1: when the first
// audio arrives long after the first video, the leading video packets
// predate any audio and are discarded. Returns false if no audio has
// been queued at all (caller should wait for more).
func (il *Interleaver) prunePrematureLocked() bool {
	videoHead, haveVideo := il.headOf(media.KindVideo, -1)
	if !haveVideo {
		return true // video-only session; nothing to prune against
	}

	var maxAudioFrame int64
	haveAudio := false
	var earliestAudio int64
	for i := 0; i < il.audioSlots; i++ {
		p, ok := il.headOf(media.KindAudio, i)
		if !ok {
			continue
		}
		if d := il.frameUsec[track{media.KindAudio, i}]; d > maxAudioFrame {
			maxAudioFrame = d
		}
		if !haveAudio || p.DTSUsec < earliestAudio {
			earliestAudio = p.DTSUsec
		}
		haveAudio = true
	}
	if !haveAudio {
		return il.audioSlots == 0
	}

	if earliestAudio-videoHead.DTSUsec <= maxAudioFrame {
		return true
	}

	// Discard video packets that precede the point the audio timeline
	// could plausibly have started from.
	threshold := earliestAudio - maxAudioFrame
	kept := il.queue[:0]
	for _, p := range il.queue {
		if p.Kind == media.KindVideo && p.DTSUsec < threshold {
			continue
		}
		kept = append(kept, p)
	}
	il.queue = kept
	return true
}

// interleavedStartIdxLocked implements spec §4.4.2 step 2: the index at
// which audio and video are closest in dts_usec. When the chosen audio
// packet is itself a priming packet (pts <= 0), the nearest earlier
// priming-audio index is used instead, if there is one.
func (il *Interleaver) interleavedStartIdxLocked() int {
	bestIdx := 0
	bestDelta := int64(-1)
	lastAudioPrimingIdx := -1

	for i, p := range il.queue {
		if p.Kind != media.KindAudio {
			continue
		}
		v, ok := il.headOf(media.KindVideo, -1)
		if !ok {
			continue
		}
		delta := p.DTSUsec - v.DTSUsec
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			bestDelta = delta
			bestIdx = i
			if p.PTS <= 0 && lastAudioPrimingIdx >= 0 && lastAudioPrimingIdx < i {
				bestIdx = lastAudioPrimingIdx
			}
		}
		if p.PTS <= 0 {
			lastAudioPrimingIdx = i
		}
	}
	if bestIdx < 0 {
		bestIdx = 0
	}
	return bestIdx
}

// emitLocked implements spec §4.4.3: compute the streamable prefix and
// flush it to callbacks and the sink.
func (il *Interleaver) emitLocked() {
	streamable := il.countStreamableLocked()
	limit := il.batchLimitLocked()
	if limit > 0 && streamable > limit {
		streamable = limit + 1 // drain one extra packet, per spec
	}
	for i := 0; i < streamable && len(il.queue) > 0; i++ {
		pkt := il.queue[0]
		il.queue = il.queue[1:]

		if pkt.Kind == media.KindVideo {
			il.highestVideoTS[pkt.TrackIdx] = pkt.DTSUsec
		} else {
			il.highestAudioTS[pkt.TrackIdx] = pkt.DTSUsec
		}

		for _, cb := range il.callbacks {
			cb.OnInterleavedPacket(pkt.Clone())
		}
		if il.sink != nil {
			il.sink.EncodedPacket(pkt)
		}
	}
}

// countStreamableLocked returns the length of the longest queue prefix
// in which every packet is provably safe to emit: every other
// (kind, track) channel already has a queued packet strictly later in
// dts_usec (spec §4.4.3).
func (il *Interleaver) countStreamableLocked() int {
	n := 0
	for i, p := range il.queue {
		if !il.hasHigherOpposingLocked(i, p) {
			break
		}
		n++
	}
	return n
}

func (il *Interleaver) hasHigherOpposingLocked(idx int, p media.Packet) bool {
	needed := map[track]bool{}
	for i := 0; i < il.videoSlots; i++ {
		t := track{media.KindVideo, i}
		if t.Kind == p.Kind && i == p.TrackIdx {
			continue
		}
		needed[t] = true
	}
	for i := 0; i < il.audioSlots; i++ {
		t := track{media.KindAudio, i}
		if t.Kind == p.Kind && i == p.TrackIdx {
			continue
		}
		needed[t] = true
	}
	if len(needed) == 0 {
		return true
	}
	for j := idx + 1; j < len(il.queue); j++ {
		q := il.queue[j]
		t := track{q.Kind, q.TrackIdx}
		if needed[t] && q.DTSUsec > p.DTSUsec {
			delete(needed, t)
		}
		if len(needed) == 0 {
			return true
		}
	}
	return false
}

// batchLimitLocked computes interleaver_max_batch_size: twice the
// largest per-track nominal frame interval, divided by the smallest
// nonzero per-track interval (spec §4.4.3). Returns 0 (no limit) when
// intervals aren't known.
func (il *Interleaver) batchLimitLocked() int {
	var maxUsec, minUsec int64
	for _, d := range il.frameUsec {
		if d <= 0 {
			continue
		}
		if d > maxUsec {
			maxUsec = d
		}
		if minUsec == 0 || d < minUsec {
			minUsec = d
		}
	}
	if maxUsec == 0 || minUsec == 0 {
		return 0
	}
	return int((maxUsec * 2) / minUsec)
}
