package graph

import "sync"

// IngestFedSource is an AudioRenderer for a Source backed by a live
// network ingest connection (e.g. the SRT caller/listener in
// internal/ingest/srt): connection setup, reconnection, and container
// demuxing are the ingest layer's concern; this type is only the
// rendezvous point where already-decoded PCM frames are handed to the
// mixer's producer-side contract (spec §3.2 "a source's AudioRenderer
// fills its own input ring at its own pace").
type IngestFedSource struct {
	mu       sync.Mutex
	pending  [MaxChannels][]float32
	channels int
	source   *Source
}

// NewIngestFedSource creates a renderer bound to src's input rings.
// channels is the number of audio channels this ingest connection
// produces (spec §3.2 "each source has up to MaxChannels planes").
func NewIngestFedSource(src *Source, channels int) *IngestFedSource {
	if channels > MaxChannels {
		channels = MaxChannels
	}
	return &IngestFedSource{source: src, channels: channels}
}

// PushPCM appends decoded samples for one channel, called by whatever
// demux/decode stage is consuming the ingest connection's raw bytes
// (out of scope here; spec §9 scopes codec/container parsing to the
// plugin, not the core engine).
func (f *IngestFedSource) PushPCM(channel int, samples []float32) {
	if channel < 0 || channel >= MaxChannels {
		return
	}
	f.mu.Lock()
	f.pending[channel] = append(f.pending[channel], samples...)
	f.mu.Unlock()
}

// AudioRender drains every channel's pending samples into the bound
// Source's input rings and reports whether any data was delivered.
func (f *IngestFedSource) AudioRender(_ uint32, channels, _, _ int) bool {
	if channels > f.channels {
		channels = f.channels
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	delivered := false
	for ch := 0; ch < channels; ch++ {
		if len(f.pending[ch]) == 0 {
			continue
		}
		ring := f.source.InputRing(ch)
		if ring == nil {
			continue
		}
		ring.Push(f.pending[ch])
		f.pending[ch] = f.pending[ch][:0]
		delivered = true
	}
	return delivered
}

var _ AudioRenderer = (*IngestFedSource)(nil)
