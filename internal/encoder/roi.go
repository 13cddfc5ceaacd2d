package encoder

// ROI is a region-of-interest hint passed to codecs that advertise the
// ROI capability, biasing bitrate allocation toward the region (spec §3.1
// Encoder attributes "ROI list"; §6 caps bitmask ROI). Supplemented from
// original_source/libobs/obs-encoder.c, which is not named directly by
// the distilled spec but is listed as an Encoder attribute.
type ROI struct {
	Top, Bottom, Left, Right int
	Priority                 float32
}

// Caps is the bitmask a codec plugin advertises (spec §6).
type Caps uint32

// Capability bits.
const (
	CapPassTexture Caps = 1 << iota
	CapScaling
	CapROI
	CapDeprecated
)

// Has reports whether c includes the bit flag.
func (c Caps) Has(flag Caps) bool { return c&flag != 0 }
