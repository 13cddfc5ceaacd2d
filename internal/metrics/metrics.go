// Package metrics collects point-in-time statistics from the mixer,
// encoder, and output stages into JSON-tagged snapshot structs (this
// package does not serialize them itself), in the teacher's
// streamstats.go idiom: atomic counters for lock-free updates, and small
// mutex-guarded state for the bitrate window and buffering depth.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// MixerStats holds point-in-time mixer metrics.
type MixerStats struct {
	Ticks          int64 `json:"ticks"`
	BufferingTotal int   `json:"bufferingTotal"`
	LaggingEvents  int64 `json:"laggingEvents"`
	StalledSources int64 `json:"stalledSources"`
}

// EncoderStats holds point-in-time metrics for one encoder.
type EncoderStats struct {
	EncoderID     uint64  `json:"encoderId"`
	Kind          string  `json:"kind"`
	PacketsOut    int64   `json:"packetsOut"`
	FramesDropped int64   `json:"framesDropped"`
	EncodeErrors  int64   `json:"encodeErrors"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	TotalBytes    int64   `json:"totalBytes"`
}

// InterleaverStats holds point-in-time per-output interleaver metrics.
type InterleaverStats struct {
	QueueDepth       int   `json:"queueDepth"`
	PacketsEmitted   int64 `json:"packetsEmitted"`
	KeyframeWarnings int64 `json:"keyframeWarnings"`
}

// OutputStats holds point-in-time per-output delivery metrics.
type OutputStats struct {
	ID               string  `json:"id"`
	Active           bool    `json:"active"`
	ReconnectCount   int64   `json:"reconnectCount"`
	TotalFrames      int64   `json:"totalFrames"`
	CongestionScore  float64 `json:"congestionScore"`
}

// Snapshot is the top-level stats payload aggregating every stage,
// analogous to the teacher's StreamSnapshot.
type Snapshot struct {
	Timestamp   int64              `json:"ts"`
	UptimeMs    int64              `json:"uptimeMs"`
	Mixer       MixerStats         `json:"mixer"`
	Encoders    []EncoderStats     `json:"encoders"`
	Interleaver []InterleaverStats `json:"interleaver"`
	Outputs     []OutputStats      `json:"outputs"`
}

type bitrateEntry struct {
	ts    time.Time
	bytes int64
}

// EncoderRecorder accumulates per-encoder telemetry using atomic
// counters for concurrent updates from the encode path.
type EncoderRecorder struct {
	EncoderID uint64
	Kind      string

	packetsOut    atomic.Int64
	framesDropped atomic.Int64
	encodeErrors  atomic.Int64
	totalBytes    atomic.Int64

	windowMu sync.Mutex
	window   []bitrateEntry
}

// NewEncoderRecorder creates a recorder for one encoder.
func NewEncoderRecorder(encoderID uint64, kind string) *EncoderRecorder {
	return &EncoderRecorder{EncoderID: encoderID, Kind: kind}
}

// RecordPacket records one successfully-emitted packet of size bytes.
func (r *EncoderRecorder) RecordPacket(bytes int) {
	r.packetsOut.Add(1)
	r.totalBytes.Add(int64(bytes))

	now := time.Now()
	r.windowMu.Lock()
	r.window = append(r.window, bitrateEntry{ts: now, bytes: int64(bytes)})
	cutoff := now.Add(-2 * time.Second)
	i := 0
	for i < len(r.window) && r.window[i].ts.Before(cutoff) {
		i++
	}
	r.window = r.window[i:]
	r.windowMu.Unlock()
}

// RecordDrop records a dropped raw frame (e.g. pause, alignment wait).
func (r *EncoderRecorder) RecordDrop() { r.framesDropped.Add(1) }

// RecordError records a codec encode failure.
func (r *EncoderRecorder) RecordError() { r.encodeErrors.Add(1) }

func (r *EncoderRecorder) bitrateKbps() float64 {
	r.windowMu.Lock()
	defer r.windowMu.Unlock()
	if len(r.window) < 2 {
		return 0
	}
	first, last := r.window[0].ts, r.window[len(r.window)-1].ts
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range r.window {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000
}

// Snapshot returns the current EncoderStats for this recorder.
func (r *EncoderRecorder) Snapshot() EncoderStats {
	return EncoderStats{
		EncoderID:     r.EncoderID,
		Kind:          r.Kind,
		PacketsOut:    r.packetsOut.Load(),
		FramesDropped: r.framesDropped.Load(),
		EncodeErrors:  r.encodeErrors.Load(),
		BitrateKbps:   r.bitrateKbps(),
		TotalBytes:    r.totalBytes.Load(),
	}
}

// MixerRecorder accumulates mixer-tick telemetry.
type MixerRecorder struct {
	ticks          atomic.Int64
	laggingEvents  atomic.Int64
	stalledSources atomic.Int64

	bufferingMu    sync.Mutex
	bufferingTotal int
}

// NewMixerRecorder creates an empty MixerRecorder.
func NewMixerRecorder() *MixerRecorder { return &MixerRecorder{} }

// RecordTick records one mixer tick's buffering depth.
func (r *MixerRecorder) RecordTick(bufferingTotal int) {
	r.ticks.Add(1)
	r.bufferingMu.Lock()
	r.bufferingTotal = bufferingTotal
	r.bufferingMu.Unlock()
}

// RecordLagging records one lagging-source-recovery (ignore_audio) event.
func (r *MixerRecorder) RecordLagging() { r.laggingEvents.Add(1) }

// RecordStalled records one source transitioning to audio_pending via
// stall detection.
func (r *MixerRecorder) RecordStalled() { r.stalledSources.Add(1) }

// Snapshot returns the current MixerStats.
func (r *MixerRecorder) Snapshot() MixerStats {
	r.bufferingMu.Lock()
	bt := r.bufferingTotal
	r.bufferingMu.Unlock()
	return MixerStats{
		Ticks:          r.ticks.Load(),
		BufferingTotal: bt,
		LaggingEvents:  r.laggingEvents.Load(),
		StalledSources: r.stalledSources.Load(),
	}
}

// started is process start time, used for UptimeMs; set once via Init.
var started atomic.Int64

// Init records the process start time for UptimeMs computation. Callers
// pass in a monotonic epoch (e.g. time.Now().UnixMilli()) once at
// startup since this package never calls time.Now() on its own for
// anything but bitrate windows, which are relative.
func Init(startMs int64) {
	started.Store(startMs)
}

// UptimeMs returns milliseconds since Init, given the current time in
// unix milliseconds.
func UptimeMs(nowMs int64) int64 {
	s := started.Load()
	if s == 0 {
		return 0
	}
	return nowMs - s
}
