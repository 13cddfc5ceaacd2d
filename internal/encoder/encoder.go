// Package encoder implements the control surface around pluggable
// video/audio codec implementations (spec §4.3): lifecycle, raw-frame
// capture, pause/resume, reconfiguration, and producing timestamped
// compressed packets.
package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/corelive/internal/captions"
	"github.com/zsiec/corelive/internal/corelock"
	"github.com/zsiec/corelive/internal/media"
)

// State is the opaque codec state handle; the core never inspects it,
// only threads it back through the Codec capability table (spec §9).
type State any

// Settings is a generic codec configuration bag; persistence of settings
// is out of scope (spec §1).
type Settings map[string]any

// Codec is the capability table a pluggable encoder implementation
// exposes (spec §6 "Encoder-plugin interface"). Encode sets pkt.Keyframe
// and pkt.Priority on every returned packet; Priority <= 1 marks a
// reference frame eligible for caption injection (spec §9), anything
// higher marks a disposable frame whose due captions are discarded.
type Codec interface {
	GetDefaults() Settings
	Create(settings Settings, self *Encoder) (State, error)
	Destroy(state State)
	Update(state State, settings Settings) error
	Encode(state State, frame media.EncoderFrame) (pkt media.Packet, received bool, err error)
	GetExtraData(state State) []byte
	GetSEIData(state State) []byte
	GetFrameSize(state State) int
	Caps() Caps
}

// Subscriber receives packets and lifecycle notifications from an
// Encoder (spec §4.3.3 "Deliver to every subscriber callback").
type Subscriber interface {
	OnPacket(pkt media.Packet)
	OnEnd(code int)
}

// lifecycleState is the Encoder's state machine position (spec §4.3.1).
type lifecycleState int

// Lifecycle states.
const (
	StateIdle lifecycleState = iota
	StateInitialised
	StateActive
	StateShuttingDown
)

var (
	// ErrNotInitialised is returned by Start when Initialize hasn't
	// succeeded yet.
	ErrNotInitialised = errors.New("encoder: not initialised")
	// ErrAlreadyInitialised guards double-initialise (spec §7 "Invalid
	// argument... set-while-active").
	ErrAlreadyInitialised = errors.New("encoder: already initialised")
)

// Encoder owns one connection to a media source (spec §3.1). A single
// mutex protects state transitions and the codec state handle, matching
// "the codec's encode callback is never invoked concurrently with update"
// (spec §4.3.1).
type Encoder struct {
	ID   uint64
	Kind media.Kind

	log *slog.Logger

	mu        sync.Mutex
	lifecycle lifecycleState
	codec     Codec
	state     State
	settings  Settings

	callbacksMu sync.Mutex
	subscribers map[Subscriber]bool

	outputsMu sync.Mutex
	paired    []corelock.Weak[Encoder]

	group *EncoderGroup
	roi   []ROI

	reconfigureMu        sync.Mutex
	reconfigureRequested bool
	reconfigureSettings  Settings

	pause PauseWindow

	// raw -> packet flow state
	startTS          uint64
	startTSSet       bool
	curPTS           int64
	timebaseNum      int64
	timebaseDen      int64
	frameRateDivisor int64
	framesizeSamples int
	inputRing        [8][]float32 // audio planes, simple slices (single writer/reader under mu)

	// §4.3.3 post-processing state
	firstReceived bool
	offsetUsec    int64
	firstPacketTS uint64
	hasFirstPkt   bool
	sessionFirst  bool // true until the first video packet has been delivered

	ptimes *media.PacketTimeRing

	captionsMu     sync.Mutex
	captionInj     *captions.Injector
	captionFamily  captions.Family

	lastErrMu sync.Mutex
	lastErr   string
}

// SetCaptions attaches a caption injector this encoder consults on every
// video packet (spec §9 "Captions"); family selects the SEI/OBU wrapping
// for this encoder's codec. Passing a nil injector disables injection.
func (e *Encoder) SetCaptions(inj *captions.Injector, family captions.Family) {
	e.captionsMu.Lock()
	e.captionInj = inj
	e.captionFamily = family
	e.captionsMu.Unlock()
}

// New creates an Idle Encoder for the given codec. timebaseNum/Den and
// frameRateDivisor only matter for video encoders (spec §4.3.2 step 5:
// "cur_pts += timebase_num * frame_rate_divisor").
func New(id uint64, kind media.Kind, codec Codec, timebaseNum, timebaseDen, frameRateDivisor int64, log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		ID:               id,
		Kind:             kind,
		codec:            codec,
		timebaseNum:      timebaseNum,
		timebaseDen:      timebaseDen,
		frameRateDivisor: frameRateDivisor,
		subscribers:      make(map[Subscriber]bool),
		ptimes:           media.NewPacketTimeRing(256),
		sessionFirst:     true,
		log:              log.With("component", "encoder", "id", id, "kind", kind.String()),
	}
}

// Initialize allocates codec state and computes audio framesize (spec
// §4.3.1 "initialize() moves Idle->Initialised").
func (e *Encoder) Initialize(settings Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle != StateIdle {
		return ErrAlreadyInitialised
	}
	state, err := e.codec.Create(settings, e)
	if err != nil {
		e.setLastError(err.Error())
		return fmt.Errorf("encoder: create: %w", err)
	}
	e.state = state
	e.settings = settings
	if e.Kind == media.KindAudio {
		e.framesizeSamples = e.codec.GetFrameSize(state)
	}
	e.lifecycle = StateInitialised
	return nil
}

// SetGroup assigns this encoder to an EncoderGroup for start-time
// alignment across encoders (spec §3.1).
func (e *Encoder) SetGroup(g *EncoderGroup) {
	e.mu.Lock()
	e.group = g
	e.mu.Unlock()
	if g != nil {
		g.Add(e)
	}
}

// PairWith records a weak back-reference to another encoder (typically
// the paired audio<->video encoder used for sync-point gating). The
// pairing is symmetric.
func (e *Encoder) PairWith(other *Encoder) {
	e.outputsMu.Lock()
	e.paired = append(e.paired, corelock.NewStrong(other).Weak())
	e.outputsMu.Unlock()
	other.outputsMu.Lock()
	other.paired = append(other.paired, corelock.NewStrong(e).Weak())
	other.outputsMu.Unlock()
}

func (e *Encoder) pairedEncoders() []*Encoder {
	e.outputsMu.Lock()
	defer e.outputsMu.Unlock()
	out := make([]*Encoder, 0, len(e.paired))
	for _, w := range e.paired {
		if s, ok := w.Upgrade(); ok {
			out = append(out, s.Get())
		}
	}
	return out
}

func (e *Encoder) pairedVideo() *Encoder {
	for _, p := range e.pairedEncoders() {
		if p.Kind == media.KindVideo {
			return p
		}
	}
	return nil
}


// Start adds a subscriber; if it's the first, the encoder transitions to
// Active (spec §4.3.1 "start(subscriber)").
func (e *Encoder) Start(sub Subscriber) error {
	e.mu.Lock()
	if e.lifecycle == StateIdle {
		e.mu.Unlock()
		return ErrNotInitialised
	}
	first := len(e.subscribersSnapshot()) == 0
	if first {
		e.lifecycle = StateActive
	}
	e.mu.Unlock()

	e.callbacksMu.Lock()
	e.subscribers[sub] = true
	e.callbacksMu.Unlock()

	if first && e.group != nil {
		e.group.IncStarted()
	}
	return nil
}

func (e *Encoder) subscribersSnapshot() []Subscriber {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()
	out := make([]Subscriber, 0, len(e.subscribers))
	for s := range e.subscribers {
		out = append(out, s)
	}
	return out
}

// Stop removes a subscriber; if it was the last, the encoder detaches
// capture and, if grouped, decrements the group counter and zeroes its
// start_timestamp (spec §4.3.1 "stop(subscriber)").
func (e *Encoder) Stop(sub Subscriber) {
	e.callbacksMu.Lock()
	delete(e.subscribers, sub)
	remaining := len(e.subscribers)
	e.callbacksMu.Unlock()

	if remaining == 0 {
		e.mu.Lock()
		if e.lifecycle == StateActive {
			e.lifecycle = StateInitialised
		}
		e.mu.Unlock()
		if e.group != nil {
			e.group.DecStarted()
		}
	}
}

// Active reports whether the encoder currently has at least one
// subscriber (spec §3.2 invariant).
func (e *Encoder) Active() bool {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()
	return len(e.subscribers) > 0
}

// Shutdown destroys codec state and returns to Idle (spec §4.3.1
// "shutdown()").
func (e *Encoder) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.codec.Destroy(e.state)
		e.state = nil
	}
	e.lifecycle = StateIdle
}

// RequestUpdate requests a settings change. While Active, the change is
// deferred to the top of the next encode call (spec §4.3.1, scenario 5);
// otherwise it applies immediately.
func (e *Encoder) RequestUpdate(settings Settings) error {
	e.mu.Lock()
	active := e.lifecycle == StateActive
	e.mu.Unlock()

	if active {
		e.reconfigureMu.Lock()
		e.reconfigureRequested = true
		e.reconfigureSettings = settings
		e.reconfigureMu.Unlock()
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrNotInitialised
	}
	if err := e.codec.Update(e.state, settings); err != nil {
		return err
	}
	e.settings = settings
	e.roi = nil
	return nil
}

// applyPendingReconfigure clears reconfigure_requested and runs the
// codec's Update exactly once before the next encode (spec §4.3.1,
// scenario 5). Must be called with e.mu held.
func (e *Encoder) applyPendingReconfigure() error {
	e.reconfigureMu.Lock()
	requested, settings := e.reconfigureRequested, e.reconfigureSettings
	e.reconfigureRequested = false
	e.reconfigureMu.Unlock()

	if !requested {
		return nil
	}
	if err := e.codec.Update(e.state, settings); err != nil {
		return err
	}
	e.settings = settings
	e.roi = nil
	return nil
}

// SetROI replaces the encoder's region-of-interest list, cleared on the
// next Update (spec §4.6 "ROI list").
func (e *Encoder) SetROI(regions []ROI) {
	e.mu.Lock()
	e.roi = regions
	e.mu.Unlock()
}

// ROIs returns a copy of the current ROI list.
func (e *Encoder) ROIs() []ROI {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ROI, len(e.roi))
	copy(out, e.roi)
	return out
}

// LastError returns the most recent codec/lifecycle error message for
// this encoder, or "" if none (spec §7 "last_error_message").
func (e *Encoder) LastError() string {
	e.lastErrMu.Lock()
	defer e.lastErrMu.Unlock()
	return e.lastErr
}

func (e *Encoder) setLastError(msg string) {
	e.lastErrMu.Lock()
	e.lastErr = msg
	e.lastErrMu.Unlock()
}

// Pause exposes the encoder's pause window for output-level coordination
// (spec §4.4.5).
func (e *Encoder) Pause() *PauseWindow { return &e.pause }

// FullStop implements spec §4.3.4: every subscriber is invoked once with
// a sentinel end packet and the encoder returns to Initialised. No
// automatic retry; reconnect is a property of Output, not Encoder.
func (e *Encoder) FullStop(code int) {
	subs := e.subscribersSnapshot()
	for _, s := range subs {
		s.OnEnd(code)
	}
	e.callbacksMu.Lock()
	e.subscribers = make(map[Subscriber]bool)
	e.callbacksMu.Unlock()

	e.mu.Lock()
	if e.lifecycle != StateIdle {
		e.lifecycle = StateInitialised
	}
	e.mu.Unlock()

	if e.group != nil {
		e.group.DecStarted()
	}
}

// SubmitVideoFrame implements the video raw-frame-to-packet flow of spec
// §4.3.2. Returns (delivered=false, nil) when the frame is held for
// group/pairing alignment or dropped for pause/failure per the taxonomy
// in spec §7; a non-nil error only for unrecoverable codec failures,
// after which FullStop has already run.
func (e *Encoder) SubmitVideoFrame(ts uint64, frame media.EncoderFrame) (delivered bool, err error) {
	if e.group != nil {
		startTS, ready := e.group.OnRawFrame(e, ts)
		if !ready || startTS != ts {
			return false, nil // queue-wait
		}
	}

	if e.pause.InWindow(ts) {
		return false, nil // dropped: paused
	}
	e.pause.SetLastVideoTS(ts)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.startTSSet {
		// spec §4.3.2 "Video" step 3: wait for any paired encoder that
		// has not yet produced a first packet at ts >= this frame's
		// timestamp. A sibling that hasn't established its own start
		// timestamp yet is skipped rather than waited on: original_source's
		// obs-output.c only ever gates audio on video's start timestamp
		// (prepare_audio waits on video_start_ts; receive_video never
		// consults paired_encoders at all). PushAudioPCM below implements
		// that direction; a paired audio encoder can never have started
		// before this video encoder does, so it is always skipped here and
		// the two gates can't deadlock each other. A paired video sibling
		// (e.g. a simulcast twin) that has already started is genuinely
		// waited on until it has a first packet.
		for _, p := range e.pairedEncoders() {
			if _, started := p.StartTimestamp(); !started {
				continue
			}
			firstTS, hasFirst := p.FirstPacketTimestamp()
			if !hasFirst || firstTS < ts {
				return false, nil // queue-wait: sibling started but has no first packet yet
			}
		}
		e.startTS = ts
		e.startTSSet = true
	}

	if err := e.applyPendingReconfigure(); err != nil {
		e.setLastError(err.Error())
		return false, err
	}

	frame.PTS = e.curPTS
	fer := time.Now().UnixNano()
	pkt, received, encErr := e.codec.Encode(e.state, frame)
	ferc := time.Now().UnixNano()
	if encErr != nil {
		e.setLastError(encErr.Error())
		go e.FullStop(codeError)
		return false, encErr
	}
	e.curPTS += e.timebaseNum * e.frameRateDivisor

	e.ptimes.Push(media.PacketTime{PTS: frame.PTS, CTS: ts, FER: fer, FERC: ferc})

	if !received {
		return false, nil
	}
	pkt.PTS = frame.PTS
	pkt.Kind = media.KindVideo
	e.onCodecPacket(pkt, ts)
	return true, nil
}

// PushAudioPCM pushes incoming PCM for each plane, and drives the sync
// and chunking logic of spec §4.3.2 "Audio". endTS is the timestamp just
// past the last sample pushed.
func (e *Encoder) PushAudioPCM(planes [][]float32, endTS uint64) error {
	if e.pause.InWindow(endTS) {
		return nil // dropped: paused
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.startTSSet {
		video := e.pairedVideo()
		if video != nil {
			vStart, set := video.StartTimestamp()
			if !set {
				return nil // wait for video
			}
			if endTS <= vStart {
				return nil // entirely before sync point, drop
			}
			e.startTS = vStart
			e.startTSSet = true
		} else {
			e.startTS = endTS
			e.startTSSet = true
		}
	}

	for i, p := range planes {
		if i >= len(e.inputRing) {
			break
		}
		e.inputRing[i] = append(e.inputRing[i], p...)
	}

	return e.drainAudioLocked(endTS)
}

// drainAudioLocked pops framesize-sized chunks while enough samples are
// buffered (spec §4.3.2 step 5). rawTS is passed through to onCodecPacket
// as the first-packet timestamp. Must be called with e.mu held.
func (e *Encoder) drainAudioLocked(rawTS uint64) error {
	fsz := e.framesizeSamples
	if fsz <= 0 {
		return nil
	}
	for {
		if len(e.inputRing[0]) < fsz {
			return nil
		}
		data := make([][]byte, 0, len(e.inputRing))
		for i := range e.inputRing {
			if len(e.inputRing[i]) < fsz {
				continue
			}
			chunk := e.inputRing[i][:fsz]
			buf := make([]byte, len(chunk)*4)
			for j, s := range chunk {
				putFloat32(buf[j*4:], s)
			}
			data = append(data, buf)
			e.inputRing[i] = e.inputRing[i][fsz:]
		}

		if err := e.applyPendingReconfigure(); err != nil {
			e.setLastError(err.Error())
			return err
		}

		frame := media.EncoderFrame{Data: data, Frames: fsz, PTS: e.curPTS}
		pkt, received, err := e.codec.Encode(e.state, frame)
		if err != nil {
			e.setLastError(err.Error())
			go e.FullStop(codeError)
			return err
		}
		e.curPTS += int64(fsz)
		if received {
			pkt.PTS = frame.PTS
			pkt.Kind = media.KindAudio
			e.onCodecPacket(pkt, rawTS)
		}
	}
}

func putFloat32(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}

// StartTimestamp returns the encoder's capture-start timestamp and
// whether it has been set yet (property P5 gate for paired audio).
func (e *Encoder) StartTimestamp() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startTS, e.startTSSet
}

// FirstPacketTimestamp returns the raw-frame timestamp associated with
// this encoder's first delivered packet, and whether one has been
// delivered yet.
func (e *Encoder) FirstPacketTimestamp() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstPacketTS, e.hasFirstPkt
}

// onCodecPacket implements spec §4.3.3 "Packet post-processing". rawTS is
// the raw capture-clock timestamp (SubmitVideoFrame's ts / PushAudioPCM's
// endTS) the packet was produced from, recorded as FirstPacketTimestamp on
// this encoder's first delivered packet. Caller must hold e.mu.
func (e *Encoder) onCodecPacket(pkt media.Packet, rawTS uint64) {
	pkt.EncoderID = e.ID
	if e.group != nil {
		pkt.GroupID = e.group.StartTimestamp()
	}

	if !e.firstReceived {
		e.offsetUsec = media.DTSToUsec(pkt)
		e.firstReceived = true
	}
	pkt.DTSUsec = int64(e.startTS)/1000 + media.DTSToUsec(pkt) - e.offsetUsec
	pkt.SysDTSUsec = pkt.DTSUsec + int64(e.pause.Offset())/1000

	if pkt.Kind == media.KindVideo {
		if pt, ok := e.ptimes.PopMatchingPTS(pkt.PTS); ok {
			cp := pt
			pkt.Time = &cp
		} else {
			e.log.Debug("no PacketTime match for video packet", "pts", pkt.PTS)
		}
		if e.sessionFirst {
			pkt.Payload = prependSEI(pkt.Payload, e.codec.GetSEIData(e.state))
			e.sessionFirst = false
		}

		e.captionsMu.Lock()
		inj, family := e.captionInj, e.captionFamily
		e.captionsMu.Unlock()
		if inj != nil {
			// spec §9 "Caption data": injection is attempted only for
			// priority <= 1 packets on a codec family captions support
			// (h264/hevc/av1, i.e. every Family this package defines);
			// otherwise due captions are consumed and discarded, never
			// carried forward to a later packet.
			if pkt.Priority <= 1 {
				if sei := inj.PendingSEI(family, uint64(pkt.PTS)); sei != nil {
					pkt.Payload = prependSEI(pkt.Payload, sei)
				}
			} else {
				inj.DiscardDue(uint64(pkt.PTS))
			}
		}
	}

	if !e.hasFirstPkt {
		e.firstPacketTS = rawTS
		e.hasFirstPkt = true
	}

	subs := e.subscribersSnapshot()
	for _, s := range subs {
		s.OnPacket(pkt.Clone())
	}
}

func prependSEI(payload media.RefData, sei []byte) media.RefData {
	if len(sei) == 0 {
		return payload
	}
	combined := make([]byte, 0, len(sei)+payload.Len())
	combined = append(combined, sei...)
	combined = append(combined, payload.Bytes()...)
	return media.NewRefData(combined)
}

// Stop/failure result codes (spec §7 canonical stop codes).
const (
	codeSuccess = 0
	codeError   = 3
)
