// Package captions implements closed-caption injection into the
// encoded bitstream (spec §9 "Captions"): queued CEA-608/708 caption
// text is packed into ITU-T T.35 user-data payloads and wrapped per
// codec family — an H.264/H.265 SEI NAL for AVC/HEVC, an OBU metadata
// unit for AV1 — and handed to the encoder to prepend onto the payload
// of the next video packet with Priority <= 1, the same prepend path
// GetSEIData's codec configuration takes.
package captions

import (
	"sync"

	"github.com/zsiec/ccx"
)

// Family selects the wrapping an injector produces for PendingSEI.
type Family int

// Supported codec families.
const (
	FamilyAVC Family = iota
	FamilyHEVC
	FamilyAV1
)

// itu_t35 constants (ATSC A/53 Part 4, CEA-708).
const (
	itu35CountryUSA      = 0xB5
	itu35ProviderATSC    = 0x0031
	userDataIDGA94       = "GA94"
	userDataTypeCEA708   = 0x03
)

// seiPayloadTypeUserDataRegistered is H.264's "user data registered by ITU-T T.35" SEI
// payload type; HEVC's prefix SEI message uses the same payload type.
const seiPayloadTypeUserDataRegistered = 4

// Injector queues caption frames of every channel in one FIFO and, on
// demand, packs all frames due at or before a given PTS into one wrapped
// SEI/OBU payload, one payload per encoded video frame (spec §9 "one caption SEI per
// transmitted frame, queued frames carried forward").
type Injector struct {
	mu      sync.Mutex
	pending []*ccx.CaptionFrame
}

// New creates an empty Injector.
func New() *Injector { return &Injector{} }

// Queue enqueues a caption frame produced upstream (e.g. by a captions
// ingest source or a manual UI-driven insert); frames are drained in
// FIFO order by PendingSEI.
func (inj *Injector) Queue(frame *ccx.CaptionFrame) {
	if frame == nil {
		return
	}
	inj.mu.Lock()
	inj.pending = append(inj.pending, frame)
	inj.mu.Unlock()
}

// Pending reports the number of caption frames still queued.
func (inj *Injector) Pending() int {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return len(inj.pending)
}

// PendingSEI pops every queued frame whose PTS is <= uptoPTS, packs
// them into one cc_data block, and returns the wrapped payload for
// family. It returns nil if nothing is queued at or before uptoPTS.
func (inj *Injector) PendingSEI(family Family, uptoPTS uint64) []byte {
	inj.mu.Lock()
	var due []*ccx.CaptionFrame
	var rest []*ccx.CaptionFrame
	for _, f := range inj.pending {
		if f.PTS <= uptoPTS {
			due = append(due, f)
		} else {
			rest = append(rest, f)
		}
	}
	inj.pending = rest
	inj.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	ccData := packCCData(due)
	t35 := wrapITU35(ccData)
	switch family {
	case FamilyAV1:
		return wrapAV1Metadata(t35)
	default:
		return wrapSEI(t35)
	}
}

// DiscardDue drops every queued frame whose PTS is <= uptoPTS without
// packing them, for packets that don't qualify for injection (spec §9:
// captions are "consumed and discarded" rather than carried forward
// when the producing packet's priority or codec disqualifies it).
// Returns the number of frames discarded.
func (inj *Injector) DiscardDue(uptoPTS uint64) int {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	var rest []*ccx.CaptionFrame
	discarded := 0
	for _, f := range inj.pending {
		if f.PTS <= uptoPTS {
			discarded++
		} else {
			rest = append(rest, f)
		}
	}
	inj.pending = rest
	return discarded
}

// ccPair is one cc_data triplet: marker bits + 2 bytes of CEA-608/708
// payload (ATSC A/53 6.2.3).
type ccPair struct {
	ccValid bool
	ccType  byte // 0=608 field1, 1=608 field2, 2=708 DTVCC, 3=708 start
	b1, b2  byte
}

// packCCData encodes each due caption frame's text as a run of
// CEA-608 text pairs (no PAC or other control codes) on the field the
// frame's channel selects, the simplified
// encoding the original engine's own burned-in-caption path uses for
// injected (as opposed to passed-through) captions: each frame becomes
// one or more basic-character-set pairs with no extended attribute
// codes, sufficient for consumer display without a full Unicode-to-
// CEA-608 table.
func packCCData(frames []*ccx.CaptionFrame) []ccPair {
	var pairs []ccPair
	for _, f := range frames {
		ccType := byte(0)
		if f.Channel%2 == 1 {
			ccType = 1
		}
		for i := 0; i < len(f.Text); i += 2 {
			b1 := cea608Char(f.Text[i])
			b2 := byte(0x80) // odd-parity pad; 608 decoders ignore parity on injected streams
			if i+1 < len(f.Text) {
				b2 = cea608Char(f.Text[i+1])
			}
			pairs = append(pairs, ccPair{ccValid: true, ccType: ccType, b1: b1, b2: b2})
		}
	}
	return pairs
}

// cea608Char maps a byte to the CEA-608 basic character set, passing
// printable ASCII through unchanged (the basic set is ASCII-identical
// for 0x20-0x7E except a handful of substitutions this encoder never
// emits).
func cea608Char(b byte) byte {
	if b < 0x20 || b > 0x7E {
		return 0x20
	}
	return b
}

// wrapITU35 builds the ITU-T T.35 user_data payload: country code,
// provider code, user identifier "GA94", user data type code 3
// (cc_data), then the reserved/process_cc_data_flag/cc_count header and
// the em_data byte, followed by the packed triplets.
func wrapITU35(pairs []ccPair) []byte {
	out := make([]byte, 0, 7+3*len(pairs)+1)
	out = append(out, itu35CountryUSA)
	out = append(out, byte(itu35ProviderATSC>>8), byte(itu35ProviderATSC))
	out = append(out, userDataIDGA94...)
	out = append(out, userDataTypeCEA708)

	ccCount := byte(len(pairs)) & 0x1F
	out = append(out, 0xC0|ccCount) // process_cc_data_flag=1, reserved=1, cc_count
	out = append(out, 0xFF)         // em_data (marker bits, reserved)
	for _, p := range pairs {
		marker := byte(0xF8)
		if p.ccValid {
			marker |= 0x04
		}
		out = append(out, marker|(p.ccType&0x03))
		out = append(out, p.b1, p.b2)
	}
	return out
}

// wrapSEI wraps t35 payload bytes as one SEI message (type 4, "user
// data registered by ITU-T T.35") with RBSP emulation prevention, the
// form consumed identically by both AVC and HEVC prefix SEI NAL units.
func wrapSEI(t35 []byte) []byte {
	out := make([]byte, 0, len(t35)+8)
	out = append(out, seiPayloadTypeUserDataRegistered)
	size := len(t35)
	for size >= 255 {
		out = append(out, 0xFF)
		size -= 255
	}
	out = append(out, byte(size))
	out = append(out, rbspEscape(t35)...)
	out = append(out, 0x80) // rbsp_trailing_bits
	return out
}

// rbspEscape inserts emulation-prevention bytes (0x03) after any
// 0x00 0x00 run followed by a byte <= 0x03, per Annex B.
func rbspEscape(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/2)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// av1MetadataTypeITUT35 is AV1's OBU_METADATA_TYPE_ITUT_T35.
const av1MetadataTypeITUT35 = 4

// wrapAV1Metadata wraps t35 payload bytes as an OBU_METADATA obu with
// metadata_type = ITUT_T35, using AV1's leb128 length prefix.
func wrapAV1Metadata(t35 []byte) []byte {
	payload := append([]byte{av1MetadataTypeITUT35}, t35...)
	header := byte(5<<3) | 0x02 // obu_type=METADATA(5), obu_extension=0, obu_has_size=1
	out := []byte{header}
	out = append(out, leb128(uint64(len(payload)))...)
	out = append(out, payload...)
	return out
}

func leb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}
