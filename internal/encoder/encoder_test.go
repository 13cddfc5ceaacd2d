package encoder

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/ccx"
	"github.com/zsiec/corelive/internal/captions"
	"github.com/zsiec/corelive/internal/media"
)

// fakeCodec is a minimal Codec that echoes frames back as packets,
// incrementing DTS by one per call.
type fakeCodec struct {
	frameSize  int
	nextDTS    int64
	failAt     int
	holdFrames int // number of leading Encode calls that buffer without emitting a packet
	priority   int
	calls      int
	lastUpdate Settings
}

func (f *fakeCodec) GetDefaults() Settings { return Settings{} }
func (f *fakeCodec) Create(settings Settings, self *Encoder) (State, error) {
	return f, nil
}
func (f *fakeCodec) Destroy(State) {}
func (f *fakeCodec) Update(state State, settings Settings) error {
	f.lastUpdate = settings
	return nil
}
func (f *fakeCodec) Encode(state State, frame media.EncoderFrame) (media.Packet, bool, error) {
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return media.Packet{}, false, errors.New("fake encode failure")
	}
	if f.calls <= f.holdFrames {
		return media.Packet{}, false, nil // buffered, no packet yet (e.g. B-frame lookahead)
	}
	dts := f.nextDTS
	f.nextDTS++
	return media.Packet{
		DTS:         dts,
		TimebaseNum: 1,
		TimebaseDen: 1000,
		Keyframe:    true,
		Priority:    f.priority,
		Payload:     media.NewRefData([]byte{0x01, 0x02}),
	}, true, nil
}
func (f *fakeCodec) GetExtraData(State) []byte { return nil }
func (f *fakeCodec) GetSEIData(State) []byte   { return []byte{0xAA} }
func (f *fakeCodec) GetFrameSize(State) int    { return f.frameSize }
func (f *fakeCodec) Caps() Caps                { return CapPassTexture }

type recordingSub struct {
	pkts []media.Packet
	ends []int
}

func (r *recordingSub) OnPacket(pkt media.Packet) { r.pkts = append(r.pkts, pkt) }
func (r *recordingSub) OnEnd(code int)             { r.ends = append(r.ends, code) }

func newActiveEncoder(t *testing.T, codec Codec, kind media.Kind) (*Encoder, *recordingSub) {
	t.Helper()
	e := New(1, kind, codec, 1, 1000, 1, nil)
	if err := e.Initialize(Settings{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sub := &recordingSub{}
	if err := e.Start(sub); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e, sub
}

// P2: start_timestamp is set on the first accepted raw frame only.
func TestStartTimestampSetOnce(t *testing.T) {
	t.Parallel()
	e, _ := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)

	if _, ok := e.StartTimestamp(); ok {
		t.Fatalf("expected no start timestamp before first frame")
	}
	if _, err := e.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ts, ok := e.StartTimestamp()
	if !ok || ts != 1000 {
		t.Fatalf("start ts = %d, %v; want 1000, true", ts, ok)
	}
	if _, err := e.SubmitVideoFrame(2000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ts2, _ := e.StartTimestamp()
	if ts2 != 1000 {
		t.Fatalf("start timestamp changed on second frame: %d", ts2)
	}
}

// P5/scenario 1: SEI/metadata is prepended exactly to the first delivered
// video packet of a session.
func TestSEIPrependedOnceOnFirstPacket(t *testing.T) {
	t.Parallel()
	e, sub := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)

	for _, ts := range []uint64{0, 1000, 2000} {
		if _, err := e.SubmitVideoFrame(ts, media.EncoderFrame{}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(sub.pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(sub.pkts))
	}
	if sub.pkts[0].Payload.Bytes()[0] != 0xAA {
		t.Fatalf("first packet missing prepended SEI byte")
	}
	if sub.pkts[1].Payload.Bytes()[0] == 0xAA {
		t.Fatalf("SEI prepended to a non-first packet")
	}
}

// P7: an EncoderGroup latches start_timestamp exactly once, as the max of
// each member's first-seen raw timestamp.
func TestEncoderGroupAlignsStartAcrossMembers(t *testing.T) {
	t.Parallel()
	group := NewEncoderGroup()

	e1, sub1 := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)
	e2, sub2 := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)
	e1.SetGroup(group)
	e2.SetGroup(group)

	if _, err := e1.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit e1: %v", err)
	}
	if len(sub1.pkts) != 0 {
		t.Fatalf("e1 delivered before group start settled")
	}

	if _, err := e2.SubmitVideoFrame(1500, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit e2: %v", err)
	}
	if group.StartTimestamp() != 1500 {
		t.Fatalf("group start = %d, want 1500 (max of firsts)", group.StartTimestamp())
	}

	// Re-submitting e1 at the now-settled start should flow through.
	if _, err := e1.SubmitVideoFrame(1500, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit e1 again: %v", err)
	}
	if len(sub1.pkts) != 1 {
		t.Fatalf("e1 packets = %d, want 1 after alignment", len(sub1.pkts))
	}
	if ts, ok := e1.StartTimestamp(); !ok || ts != 1500 {
		t.Fatalf("e1 start ts = %d, %v; want 1500, true", ts, ok)
	}
	_ = sub2
}

// spec §4.3.2 "Video" step 3: a video encoder paired with a same-kind
// sibling (e.g. a simulcast twin) waits to establish its own start
// timestamp until the sibling has produced a first packet at ts >= the
// frame's timestamp.
// spec §4.3.2 "Video" step 3: a video encoder paired with a same-kind
// sibling (e.g. a simulcast twin) that has already started, but not yet
// produced a first packet, waits; the gate clears once the sibling's
// first packet lands at a ts >= the waiting frame's own timestamp.
func TestPairedVideoWaitsForSiblingFirstPacket(t *testing.T) {
	t.Parallel()
	holding := &fakeCodec{holdFrames: 1}
	e1, _ := newActiveEncoder(t, holding, media.KindVideo)
	e2, sub2 := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)
	e1.PairWith(e2)

	// e1 starts (sets its own start timestamp) but its codec buffers the
	// first frame, so it has no first packet yet.
	delivered, err := e1.SubmitVideoFrame(1000, media.EncoderFrame{})
	if err != nil {
		t.Fatalf("submit e1: %v", err)
	}
	if delivered {
		t.Fatalf("e1 should not have delivered yet (codec held the frame)")
	}
	if _, ok := e1.StartTimestamp(); !ok {
		t.Fatalf("expected e1 to have started")
	}
	if _, ok := e1.FirstPacketTimestamp(); ok {
		t.Fatalf("expected e1 to have no first packet yet")
	}

	// e2 is paired with e1, which has started but has no first packet:
	// e2 must wait rather than establish its own start timestamp.
	if delivered, err := e2.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil || delivered {
		t.Fatalf("submit e2: delivered=%v err=%v, want false, nil", delivered, err)
	}
	if len(sub2.pkts) != 0 {
		t.Fatalf("e2 delivered before paired sibling produced a first packet")
	}
	if _, ok := e2.StartTimestamp(); ok {
		t.Fatalf("e2 start timestamp set before paired sibling produced a first packet")
	}

	// e1's codec now emits; e1 gets its first packet at ts=2000.
	if _, err := e1.SubmitVideoFrame(2000, media.EncoderFrame{}); err != nil {
		t.Fatalf("resubmit e1: %v", err)
	}
	if _, ok := e1.FirstPacketTimestamp(); !ok {
		t.Fatalf("expected e1 to have a first packet now")
	}

	// e2's gate now clears: e1's first packet ts (2000) >= e2's frame ts (1000).
	if _, err := e2.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil {
		t.Fatalf("resubmit e2: %v", err)
	}
	if len(sub2.pkts) != 1 {
		t.Fatalf("e2 packets = %d, want 1 once sibling has a first packet", len(sub2.pkts))
	}
}

// Video<->audio pairs only gate in one direction (audio waits on the
// paired video's StartTimestamp, never the reverse) so a normal paired
// audio/video start does not deadlock.
func TestPairedVideoAudioStartDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	video, vsub := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)
	audio, asub := newActiveEncoder(t, &fakeCodec{frameSize: 4}, media.KindAudio)
	video.PairWith(audio)

	planes := [][]float32{{0.1, 0.2, 0.3, 0.4}}
	if err := audio.PushAudioPCM(planes, 2000); err != nil {
		t.Fatalf("push audio before video start: %v", err)
	}
	if len(asub.pkts) != 0 {
		t.Fatalf("audio delivered before paired video established a start timestamp")
	}

	if _, err := video.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit video: %v", err)
	}
	if len(vsub.pkts) != 1 {
		t.Fatalf("video packets = %d, want 1", len(vsub.pkts))
	}

	if err := audio.PushAudioPCM(planes, 3000); err != nil {
		t.Fatalf("push audio after video start: %v", err)
	}
	if len(asub.pkts) == 0 {
		t.Fatalf("expected audio to deliver once paired video has a start timestamp")
	}
}

// spec §9 "Caption data": injection is attempted only for priority <= 1
// packets; a due caption is discarded, not carried forward, on a
// disposable (priority > 1) packet.
func TestCaptionInjectionGatedOnPacketPriority(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{priority: 2}
	e, sub := newActiveEncoder(t, codec, media.KindVideo)
	inj := captions.New()
	e.SetCaptions(inj, captions.FamilyAVC)
	inj.Queue(&ccx.CaptionFrame{PTS: 0, Text: "hi", Channel: 1})

	if _, err := e.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(sub.pkts) != 1 {
		t.Fatalf("packets = %d, want 1", len(sub.pkts))
	}
	if inj.Pending() != 0 {
		t.Fatalf("pending = %d, want 0 (due caption should be discarded)", inj.Pending())
	}
	// The session-first packet still gets the codec's own GetSEIData
	// prepended (unrelated to captions); the caption SEI must not be.
	payload := sub.pkts[0].Payload.Bytes()
	if len(payload) != 3 || payload[0] != 0xAA || payload[1] != 0x01 || payload[2] != 0x02 {
		t.Fatalf("payload = % x, want codec SEI only, no caption SEI", payload)
	}

	// A second, reference-priority packet with a newly queued caption
	// does get the SEI prepended.
	codec.priority = 0
	inj.Queue(&ccx.CaptionFrame{PTS: 1, Text: "again", Channel: 1})
	if _, err := e.SubmitVideoFrame(2000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if len(sub.pkts) != 2 {
		t.Fatalf("packets = %d, want 2", len(sub.pkts))
	}
	if len(sub.pkts[1].Payload.Bytes()) <= 2 {
		t.Fatalf("expected SEI-prepended payload for a reference-priority packet")
	}
}

// R2: pause/unpause keeps SysDTSUsec continuous by accumulating an offset
// rather than resetting the clock.
func TestPauseAccumulatesOffsetAcrossCycle(t *testing.T) {
	t.Parallel()
	e, _ := newActiveEncoder(t, &fakeCodec{}, media.KindVideo)

	if !e.Pause().CanStart() {
		t.Fatalf("expected CanStart true before any pause")
	}
	e.Pause().Start(1000)
	if e.Pause().CanStart() {
		t.Fatalf("expected CanStart false while open")
	}
	if !e.pause.InWindow(1500) {
		t.Fatalf("expected ts inside open pause window to report InWindow")
	}
	e.Pause().End(2000)
	if off := e.Pause().Offset(); off != 1000 {
		t.Fatalf("offset = %d, want 1000", off)
	}
	if e.pause.InWindow(2500) {
		t.Fatalf("expected window closed after End")
	}

	// A second pause/unpause cycle accumulates on top of the first.
	e.Pause().Start(3000)
	e.Pause().End(3200)
	if off := e.Pause().Offset(); off != 1200 {
		t.Fatalf("offset after second cycle = %d, want 1200", off)
	}
}

// Scenario 4/P6: on codec failure, FullStop notifies every subscriber
// exactly once and the encoder is left Initialised, not torn down.
func TestFullStopOnEncodeFailureNotifiesSubscribersOnce(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{failAt: 1}
	e, sub := newActiveEncoder(t, codec, media.KindVideo)

	_, err := e.SubmitVideoFrame(1000, media.EncoderFrame{})
	if err == nil {
		t.Fatalf("expected encode failure to surface")
	}
	// FullStop runs asynchronously; give the goroutine a moment.
	deadline := time.Now().Add(time.Second)
	for len(sub.ends) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sub.ends) != 1 {
		t.Fatalf("end notifications = %d, want 1", len(sub.ends))
	}
	if e.Active() {
		t.Fatalf("expected encoder inactive after FullStop")
	}
}

// Scenario 5: a settings update requested while Active is deferred to the
// next encode call rather than applied immediately.
func TestReconfigureDeferredUntilNextEncode(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{}
	e, _ := newActiveEncoder(t, codec, media.KindVideo)

	if err := e.RequestUpdate(Settings{"bitrate": 5000}); err != nil {
		t.Fatalf("request update: %v", err)
	}
	if codec.lastUpdate != nil {
		t.Fatalf("update applied before next encode call")
	}
	if _, err := e.SubmitVideoFrame(1000, media.EncoderFrame{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if codec.lastUpdate == nil {
		t.Fatalf("expected deferred update to apply on next encode")
	}
}

// Audio framesize chunking: PushAudioPCM only encodes once a full
// framesize's worth of samples has accumulated per plane.
func TestAudioChunksAtFramesize(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{frameSize: 480}
	e, sub := newActiveEncoder(t, codec, media.KindAudio)

	half := make([]float32, 240)
	if err := e.PushAudioPCM([][]float32{half}, 240); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(sub.pkts) != 0 {
		t.Fatalf("expected no packet before framesize reached")
	}
	if err := e.PushAudioPCM([][]float32{half}, 480); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(sub.pkts) != 1 {
		t.Fatalf("got %d packets, want 1 once framesize reached", len(sub.pkts))
	}
}
