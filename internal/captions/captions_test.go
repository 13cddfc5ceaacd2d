package captions

import (
	"testing"

	"github.com/zsiec/ccx"
)

func TestPendingSEIDrainsDueFrames(t *testing.T) {
	t.Parallel()
	inj := New()
	inj.Queue(&ccx.CaptionFrame{PTS: 100, Text: "hi", Channel: 1})
	inj.Queue(&ccx.CaptionFrame{PTS: 200, Text: "later", Channel: 1})

	if inj.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", inj.Pending())
	}

	sei := inj.PendingSEI(FamilyAVC, 150)
	if sei == nil {
		t.Fatalf("expected non-nil SEI payload for due frame")
	}
	if inj.Pending() != 1 {
		t.Fatalf("pending after drain = %d, want 1", inj.Pending())
	}

	// Frame at 200 not yet due.
	if sei := inj.PendingSEI(FamilyAVC, 150); sei != nil {
		t.Fatalf("expected nil SEI, nothing newly due")
	}
}

func TestPendingSEINilWhenEmpty(t *testing.T) {
	t.Parallel()
	inj := New()
	if sei := inj.PendingSEI(FamilyHEVC, 1000); sei != nil {
		t.Fatalf("expected nil SEI for empty queue")
	}
}

func TestRBSPEscapeInsertsEmulationPreventionByte(t *testing.T) {
	t.Parallel()
	in := []byte{0x00, 0x00, 0x01, 0x02, 0x03}
	out := rbspEscape(in)
	want := []byte{0x00, 0x00, 0x03, 0x01, 0x02, 0x03}
	if len(out) != len(want) {
		t.Fatalf("escaped = % x, want % x", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("escaped = % x, want % x", out, want)
		}
	}
}

func TestDiscardDueDropsWithoutPacking(t *testing.T) {
	t.Parallel()
	inj := New()
	inj.Queue(&ccx.CaptionFrame{PTS: 100, Text: "hi", Channel: 1})
	inj.Queue(&ccx.CaptionFrame{PTS: 200, Text: "later", Channel: 1})

	if n := inj.DiscardDue(150); n != 1 {
		t.Fatalf("discarded = %d, want 1", n)
	}
	if inj.Pending() != 1 {
		t.Fatalf("pending after discard = %d, want 1", inj.Pending())
	}
	// The frame still queued at PTS 200 is packed by a later PendingSEI call.
	if sei := inj.PendingSEI(FamilyAVC, 300); sei == nil {
		t.Fatalf("expected SEI for the still-queued frame at PTS 200")
	}
}

func TestWrapAV1MetadataHasMetadataTypeByte(t *testing.T) {
	t.Parallel()
	inj := New()
	inj.Queue(&ccx.CaptionFrame{PTS: 0, Text: "ab", Channel: 2})
	obu := inj.PendingSEI(FamilyAV1, 0)
	if obu == nil {
		t.Fatalf("expected OBU payload")
	}
	if len(obu) < 3 {
		t.Fatalf("OBU payload too short: % x", obu)
	}
	// obu[0] is the OBU header, obu[1] the one-byte leb128 size.
	if obu[2] != av1MetadataTypeITUT35 {
		t.Fatalf("metadata_type = %#x, want %#x", obu[2], av1MetadataTypeITUT35)
	}
}
