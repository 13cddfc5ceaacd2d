package interleave

import (
	"testing"

	"github.com/zsiec/corelive/internal/media"
)

type recordingSink struct {
	pkts []media.Packet
}

func (r *recordingSink) EncodedPacket(pkt media.Packet) { r.pkts = append(r.pkts, pkt) }

func pkt(kind media.Kind, encoderID uint64, dtsUsec int64, keyframe bool) media.Packet {
	return media.Packet{
		Kind:        kind,
		EncoderID:   encoderID,
		DTS:         dtsUsec,
		PTS:         dtsUsec,
		DTSUsec:     dtsUsec,
		TimebaseNum: 1,
		TimebaseDen: 1_000_000,
		Keyframe:    keyframe,
		Payload:     media.NewRefData([]byte{0x00}),
	}
}

// A non-keyframe video packet arriving before the first keyframe is
// dropped, and any audio queued ahead of it is discarded (spec §4.4.1
// step 3).
func TestWaitsForFirstVideoKeyframe(t *testing.T) {
	t.Parallel()
	il := New(nil)
	il.AssignSlot(1, media.KindVideo, 0, 33_000)
	il.AssignSlot(2, media.KindAudio, 0, 20_000)
	il.SetActive(true)

	il.Admit(pkt(media.KindAudio, 2, 10, false))
	il.Admit(pkt(media.KindVideo, 1, 20, false)) // not a keyframe: dropped

	if len(il.queue) != 0 {
		t.Fatalf("expected audio discarded and non-keyframe video dropped, queue has %d", len(il.queue))
	}

	il.Admit(pkt(media.KindVideo, 1, 30, true))
	if len(il.queue) != 1 {
		t.Fatalf("expected keyframe admitted, queue has %d", len(il.queue))
	}
}

// Packets are ordered by dts_usec, with same-dts video ordered ahead of
// audio (spec §4.4.1 step 6).
func TestInsertionOrdering(t *testing.T) {
	t.Parallel()
	il := New(nil)
	il.AssignSlot(1, media.KindVideo, 0, 33_000)
	il.AssignSlot(2, media.KindAudio, 0, 20_000)
	// A second audio slot that never delivers keeps the session unstarted,
	// so nothing is emitted while the queue is inspected.
	il.AssignSlot(3, media.KindAudio, 1, 20_000)
	il.SetActive(true)

	il.Admit(pkt(media.KindVideo, 1, 100, true))
	il.mu.Lock()
	q := append([]media.Packet(nil), il.queue...)
	il.mu.Unlock()
	if len(q) != 1 || q[0].DTSUsec != 100 {
		t.Fatalf("unexpected queue state: %+v", q)
	}

	il.Admit(pkt(media.KindAudio, 2, 200, false))
	il.Admit(pkt(media.KindAudio, 2, 100, false))
	il.mu.Lock()
	q = append([]media.Packet(nil), il.queue...)
	il.mu.Unlock()
	if len(q) != 3 || q[0].Kind != media.KindVideo || q[0].DTSUsec != 100 ||
		q[1].Kind != media.KindAudio || q[1].DTSUsec != 100 || q[2].DTSUsec != 200 {
		t.Fatalf("queue order = %+v, want video@100, audio@100, audio@200", q)
	}
}

// Session start requires every declared slot to have produced at least
// one packet before packets begin streaming out.
func TestSessionStartsOnceAllSlotsSeen(t *testing.T) {
	t.Parallel()
	il := New(nil)
	il.AssignSlot(1, media.KindVideo, 0, 33_000)
	il.AssignSlot(2, media.KindAudio, 0, 20_000)
	sink := &recordingSink{}
	il.SetSink(sink)
	il.SetActive(true)

	il.Admit(pkt(media.KindVideo, 1, 0, true))
	if len(sink.pkts) != 0 {
		t.Fatalf("expected no emission before audio slot seen")
	}
	il.Admit(pkt(media.KindAudio, 2, 5, true))

	il.mu.Lock()
	started := il.sessionStarted
	il.mu.Unlock()
	if !started {
		t.Fatalf("expected session started once both slots received a packet")
	}
}

// Grouped keyframes: entries purge once every required track has been
// seen at the same PTS.
func TestGroupedKeyframeAlignmentPurges(t *testing.T) {
	t.Parallel()
	il := New(nil)
	il.AssignSlot(1, media.KindVideo, 0, 33_000)
	il.AssignSlot(3, media.KindVideo, 1, 33_000)
	il.SetActive(true)

	g := pkt(media.KindVideo, 1, 0, true)
	g.GroupID = 7
	g.PTS = 500
	il.Admit(g)

	il.mu.Lock()
	pending := len(il.groupPending[7])
	il.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected one pending group entry, got %d", pending)
	}

	g2 := pkt(media.KindVideo, 3, 1, true)
	g2.GroupID = 7
	g2.PTS = 500
	g2.TrackIdx = 1
	il.Admit(g2)

	il.mu.Lock()
	pending = len(il.groupPending[7])
	il.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected group entry purged once all tracks seen, got %d pending", pending)
	}
}
