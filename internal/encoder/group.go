package encoder

import "sync"

// EncoderGroup is a set of encoders that must all begin emitting packets
// referring to the same starting raw-frame timestamp (spec §3.1, §3.2
// invariant: "EncoderGroup.start_timestamp is set exactly once per start
// cycle").
type EncoderGroup struct {
	mu             sync.Mutex
	members        map[*Encoder]bool
	firstSeen      map[*Encoder]uint64
	startTimestamp uint64
	numStarted     int
}

// NewEncoderGroup creates an empty group.
func NewEncoderGroup() *EncoderGroup {
	return &EncoderGroup{
		members:   make(map[*Encoder]bool),
		firstSeen: make(map[*Encoder]uint64),
	}
}

// Add registers e as a group member.
func (g *EncoderGroup) Add(e *Encoder) {
	g.mu.Lock()
	g.members[e] = true
	g.mu.Unlock()
}

// Remove unregisters e.
func (g *EncoderGroup) Remove(e *Encoder) {
	g.mu.Lock()
	delete(g.members, e)
	delete(g.firstSeen, e)
	g.mu.Unlock()
}

// OnRawFrame records e's raw-frame timestamp and reports the group's
// start timestamp, if determined. start_timestamp is computed exactly
// once (property P7, §3.2): once every member has delivered at least one
// raw frame, it is set to the maximum of their first-seen timestamps —
// the earliest point at which every member has a frame at or after that
// timestamp available to encode from.
func (g *EncoderGroup) OnRawFrame(e *Encoder, ts uint64) (startTS uint64, ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.startTimestamp != 0 {
		return g.startTimestamp, true
	}
	if _, seen := g.firstSeen[e]; !seen {
		g.firstSeen[e] = ts
	}
	if len(g.firstSeen) < len(g.members) {
		return 0, false
	}

	var max uint64
	for _, t := range g.firstSeen {
		if t > max {
			max = t
		}
	}
	g.startTimestamp = max
	return max, true
}

// StartTimestamp returns the group's currently-latched start timestamp,
// or 0 if no start cycle has completed yet.
func (g *EncoderGroup) StartTimestamp() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startTimestamp
}

// IncStarted increments the started-member counter, called when an
// encoder in the group transitions to Active.
func (g *EncoderGroup) IncStarted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.numStarted++
	return g.numStarted
}

// DecStarted decrements the counter; when it reaches zero the group's
// start cycle resets so a later restart computes a fresh start_timestamp
// (spec §4.3.1 "stop... decrements its counter and zeroes its
// start_timestamp").
func (g *EncoderGroup) DecStarted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.numStarted--
	if g.numStarted <= 0 {
		g.numStarted = 0
		g.startTimestamp = 0
		g.firstSeen = make(map[*Encoder]uint64)
	}
	return g.numStarted
}
