package media

import "sync"

// PCMRing is a single-writer-single-reader float32 sample ring for one
// audio channel. Push (the producer) and Pop/Discard (the consumer) are
// each safe to call from their own goroutine without external locking;
// the internal mutex only guards the shared slice/cursor pair per spec
// "Shared-resource policy" (§5).
type PCMRing struct {
	mu   sync.Mutex
	data []float32
}

// NewPCMRing creates an empty ring.
func NewPCMRing() *PCMRing {
	return &PCMRing{}
}

// Push appends samples to the tail.
func (r *PCMRing) Push(samples []float32) {
	r.mu.Lock()
	r.data = append(r.data, samples...)
	r.mu.Unlock()
}

// Len returns the number of buffered samples.
func (r *PCMRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Peek copies up to n samples from the head without consuming them. It
// returns fewer than n if the ring holds less data.
func (r *PCMRing) Peek(n int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.data) {
		n = len(r.data)
	}
	out := make([]float32, n)
	copy(out, r.data[:n])
	return out
}

// Discard removes the first n samples, clamped to the ring's length.
func (r *PCMRing) Discard(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.data) {
		r.data = r.data[:0]
		return
	}
	if n <= 0 {
		return
	}
	r.data = append(r.data[:0], r.data[n:]...)
}

// Pop removes and returns up to n samples from the head.
func (r *PCMRing) Pop(n int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.data) {
		n = len(r.data)
	}
	out := make([]float32, n)
	copy(out, r.data[:n])
	r.data = append(r.data[:0], r.data[n:]...)
	return out
}

// PacketTimeRing is a small per-track ring of PacketTime entries searched
// from the tail on packet receipt (most recent frames first), per spec
// "PacketTime matching" (§9): average-case O(1), never blocks on a miss.
type PacketTimeRing struct {
	mu      sync.Mutex
	entries []PacketTime
	cap     int
}

// NewPacketTimeRing creates a ring that retains at most capacity entries,
// dropping the oldest on overflow.
func NewPacketTimeRing(capacity int) *PacketTimeRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &PacketTimeRing{cap: capacity}
}

// Push enqueues a new PacketTime, evicting the oldest entry if full.
func (r *PacketTimeRing) Push(pt PacketTime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, pt)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// PopMatchingPTS searches from the tail for an entry whose PTS equals
// pts, removes it, and returns it. ok is false if no entry matched.
func (r *PacketTimeRing) PopMatchingPTS(pts int64) (pt PacketTime, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].PTS == pts {
			pt = r.entries[i]
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return pt, true
		}
	}
	return PacketTime{}, false
}

// Len reports the number of buffered entries, mainly for tests.
func (r *PacketTimeRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ShiftPTS subtracts delta from every buffered entry's PTS, used by the
// interleaver to apply the session-start offset retroactively (§4.4.2).
func (r *PacketTimeRing) ShiftPTS(delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		r.entries[i].PTS -= delta
	}
}
