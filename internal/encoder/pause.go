package encoder

import "sync"

// PauseWindow is the explicit pause datum consulted on every entry into
// encode (spec §9 "Pause as an explicit timestamp window"). tsOffset
// accumulates across pause/unpause cycles so SysDTSUsec stays continuous
// to the wire (spec §4.4.5, property R2).
type PauseWindow struct {
	mu sync.Mutex

	tsStart     uint64
	tsEnd       uint64
	tsOffset    uint64
	lastVideoTS uint64
	open        bool
}

// CanStart reports whether a new pause window may begin: the previous
// one must have closed (spec §4.4.5 "pause_can_start").
func (p *PauseWindow) CanStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.open
}

// Start opens a pause window at ts. Returns false if a window is already
// open (caller should not have called without checking CanStart first).
func (p *PauseWindow) Start(ts uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return false
	}
	p.tsStart = ts
	p.open = true
	return true
}

// End closes the open pause window at ts, folding its duration into the
// accumulated offset (spec §9 "Unpause computes ts_offset += ts_end -
// ts_start and zeroes the window").
func (p *PauseWindow) End(ts uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.tsEnd = ts
	p.tsOffset += p.tsEnd - p.tsStart
	p.tsStart, p.tsEnd = 0, 0
	p.open = false
}

// InWindow reports whether a pause window is open and ts is at or after
// its start (spec §4.3.2 step 4: drop frames paused at this ts). An open
// window has no end bound; End closes it.
func (p *PauseWindow) InWindow(ts uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return false
	}
	return ts >= p.tsStart
}

// Offset returns the accumulated offset in nanoseconds.
func (p *PauseWindow) Offset() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tsOffset
}

// SetLastVideoTS records the most recent video frame timestamp seen,
// used to anchor a pause request to "the next closest video-frame
// timestamp" (spec §4.4.5).
func (p *PauseWindow) SetLastVideoTS(ts uint64) {
	p.mu.Lock()
	p.lastVideoTS = ts
	p.mu.Unlock()
}

// LastVideoTS returns the most recently recorded video timestamp.
func (p *PauseWindow) LastVideoTS() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVideoTS
}
