// Package output implements Output lifecycle (spec §4.4, §5): idle ->
// starting -> active -> stopping -> idle, coordinated pause across every
// attached encoder, and exponential-backoff reconnect.
package output

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/corelive/internal/corelock"
	"github.com/zsiec/corelive/internal/encoder"
	"github.com/zsiec/corelive/internal/interleave"
	"github.com/zsiec/corelive/internal/signalbus"
)

// Stop codes (spec §7 "canonical non-zero values").
const (
	CodeSuccess      = 0
	CodeDisconnected = 1
	CodeInvalidInput = 2
	CodeError        = 3
)

// State is the Output's lifecycle position (spec §4.4 "idle -> starting
// -> active -> stopping -> idle").
type State int

// Lifecycle states.
const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

// ReconnectParams configures the exponential backoff (spec §5, P8).
type ReconnectParams struct {
	RetrySec    float64
	MaxRetries  int
	ExpFactor   float64
}

// DefaultReconnectParams matches the teacher/original's defaults.
var DefaultReconnectParams = ReconnectParams{RetrySec: 2, MaxRetries: 20, ExpFactor: 1.5}

// maxBackoffMsec caps every computed delay (spec §5, P8:
// RECONNECT_RETRY_MAX_MSEC = 900000).
const maxBackoffMsec = 15 * 60 * 1000

// ReconnectDelay computes spec §5's `retry_sec*1000 * exp_factor^attempt`,
// capped at maxBackoffMsec. attempt is zero-based.
func ReconnectDelay(p ReconnectParams, attempt int) time.Duration {
	ms := p.RetrySec * 1000 * math.Pow(p.ExpFactor, float64(attempt))
	if ms > maxBackoffMsec {
		ms = maxBackoffMsec
	}
	return time.Duration(ms) * time.Millisecond
}

var (
	// ErrReconnectExhausted is returned when every retry attempt has been
	// used up.
	ErrReconnectExhausted = errors.New("output: reconnect attempts exhausted")
)

// Writer is the output-plugin interface the core drives (spec §6
// "Output-plugin interface"): create/destroy are the caller's concern
// (constructing an Output around an already-created Writer), start/stop
// and packet delivery are what this package calls.
type Writer interface {
	Start() error
	Stop(tsUsec int64)
	interleave.Sink
}

// ReconnectFunc is consulted on every disconnect (spec §7 "if reconnect
// enabled and the user-supplied reconnect_cb returns true, enter
// reconnect; otherwise stop").
type ReconnectFunc func(lastErr error) bool

// Output drives one Writer through its lifecycle, gates its interleaver,
// and coordinates pause/reconnect across every attached Encoder.
type Output struct {
	ID   string
	log  *slog.Logger
	bus  *signalbus.Bus
	il   *interleave.Interleaver
	sink Writer

	mu        sync.Mutex
	state     State
	encoders  []*encoder.Encoder
	reconnect ReconnectFunc
	params    ReconnectParams

	lastErrMu sync.Mutex
	lastErr   string

	pauseMu  sync.Mutex
	pauseSet map[*encoder.Encoder]bool

	spliceSink SpliceSink
}

// New creates an idle Output wrapping sink, delivering interleaved
// packets to it. If bus is nil, signal emission is a no-op.
func New(id string, sink Writer, bus *signalbus.Bus, log *slog.Logger) *Output {
	if log == nil {
		log = slog.Default()
	}
	il := interleave.New(log)
	il.SetSink(sink)
	return &Output{
		ID:       id,
		log:      log.With("component", "output", "id", id),
		bus:      bus,
		il:       il,
		sink:     sink,
		params:   DefaultReconnectParams,
		pauseSet: make(map[*encoder.Encoder]bool),
	}
}

// Interleaver exposes the output's packet interleaver for slot assignment
// and encoder-subscriber wiring.
func (o *Output) Interleaver() *interleave.Interleaver { return o.il }

// SetReconnect installs the reconnect policy.
func (o *Output) SetReconnect(params ReconnectParams, fn ReconnectFunc) {
	o.mu.Lock()
	o.params = params
	o.reconnect = fn
	o.mu.Unlock()
}

// AttachEncoder registers an encoder whose lifecycle (pause, full-stop)
// this output coordinates (spec §4.3.4 "every output that references
// this encoder is force-stopped").
func (o *Output) AttachEncoder(e *encoder.Encoder) {
	o.mu.Lock()
	o.encoders = append(o.encoders, e)
	o.mu.Unlock()
}

// Start transitions Idle -> Starting -> Active, emitting the matching
// signals (spec §6).
func (o *Output) Start() error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return errors.New("output: already started")
	}
	o.state = StateStarting
	o.mu.Unlock()

	o.bus.Emit(signalbus.Starting, o.ID)
	if err := o.sink.Start(); err != nil {
		o.setLastError(err.Error())
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.state = StateActive
	o.mu.Unlock()
	o.il.SetActive(true)
	o.bus.Emit(signalbus.Start, o.ID)
	o.bus.Emit(signalbus.Activate, o.ID)
	return nil
}

// Stop is idempotent (spec §5 "Cancellation & timeouts"): calling it on
// an already-idle Output is a no-op.
func (o *Output) Stop(code int) {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	o.state = StateStopping
	o.mu.Unlock()

	o.bus.Emit(signalbus.Stopping, o.ID)
	o.il.SetActive(false)
	o.sink.Stop(0)

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	o.bus.Emit(signalbus.Deactivate, o.ID)
	o.bus.Emit(signalbus.Stop, code)
}

// ForceStop runs Stop (which deactivates the interleaver and stops the
// sink) on a separate goroutine and waits for it with a timeout (spec §5
// "output.force_stop()... if join exceeds 5s, log and abandon").
func (o *Output) ForceStop(code int) {
	done := make(chan struct{})
	go func() {
		o.Stop(code)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		o.log.Warn("force_stop join exceeded timeout, abandoning", "timeout", "5s")
	}
}

// Active reports whether the output is currently Active.
func (o *Output) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateActive
}

// LastError returns this output's own error, or else the first non-empty
// message among its attached encoders (spec §7 "reading it returns
// either its own or the first non-empty message among its encoders").
func (o *Output) LastError() string {
	o.lastErrMu.Lock()
	own := o.lastErr
	o.lastErrMu.Unlock()
	if own != "" {
		return own
	}
	o.mu.Lock()
	encs := append([]*encoder.Encoder(nil), o.encoders...)
	o.mu.Unlock()
	for _, e := range encs {
		if msg := e.LastError(); msg != "" {
			return msg
		}
	}
	return ""
}

func (o *Output) setLastError(msg string) {
	o.lastErrMu.Lock()
	o.lastErr = msg
	o.lastErrMu.Unlock()
}

// Pause requests pause on every attached encoder simultaneously at the
// next closest video-frame timestamp; it succeeds only if every encoder
// reports pause_can_start (spec §4.4.5).
func (o *Output) Pause() bool {
	o.mu.Lock()
	encs := append([]*encoder.Encoder(nil), o.encoders...)
	o.mu.Unlock()

	for _, e := range encs {
		if !e.Pause().CanStart() {
			return false
		}
	}

	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	for _, e := range encs {
		ts := e.Pause().LastVideoTS()
		if e.Pause().Start(ts) {
			o.pauseSet[e] = true
		}
	}
	o.bus.Emit(signalbus.Pause, o.ID)
	return true
}

// Unpause closes every pause window this Output opened, symmetric to
// Pause (spec §4.4.5).
func (o *Output) Unpause() {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	for e := range o.pauseSet {
		e.Pause().End(e.Pause().LastVideoTS())
		delete(o.pauseSet, e)
	}
	o.bus.Emit(signalbus.Unpause, o.ID)
}

// RunReconnectLoop drives the exponential-backoff reconnect sequence
// (spec §5, §8 P8, scenario 6) after a disconnect. It calls attempt() on
// each retry; attempt returning nil ends the loop with success and emits
// reconnect_success. ctx cancellation aborts the current backoff wait
// immediately (spec §5 "a stop signal aborts the current backoff wait").
func (o *Output) RunReconnectLoop(ctx context.Context, lastErr error, attempt func(ctx context.Context) error) error {
	o.mu.Lock()
	params := o.params
	reconnect := o.reconnect
	o.mu.Unlock()

	if reconnect == nil || !reconnect(lastErr) {
		o.Stop(CodeDisconnected)
		return ErrReconnectExhausted
	}

	for i := 0; i < params.MaxRetries; i++ {
		delay := ReconnectDelay(params, i)
		o.bus.Emit(signalbus.Reconnect, int(delay.Seconds()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := attempt(ctx); err == nil {
			o.bus.Emit(signalbus.ReconnectSuccess, o.ID)
			return nil
		} else {
			o.setLastError(err.Error())
		}
	}

	o.Stop(CodeDisconnected)
	return ErrReconnectExhausted
}

// Service binds a named sink weakly to one Output (SPEC_FULL §4.6),
// modeling the teacher's service/output association without owning the
// Output's lifetime.
type Service struct {
	Name string

	mu     sync.Mutex
	output corelock.Weak[Output]
}

// NewService creates a Service bound to out.
func NewService(name string, out *Output) *Service {
	return &Service{Name: name, output: corelock.NewStrong(out).Weak()}
}

// Bind rebinds the service to a (possibly different) Output.
func (s *Service) Bind(out *Output) {
	s.mu.Lock()
	s.output = corelock.NewStrong(out).Weak()
	s.mu.Unlock()
}

// Output returns the bound Output, or nil if it has since been released.
func (s *Service) Output() *Output {
	s.mu.Lock()
	w := s.output
	s.mu.Unlock()
	out, ok := w.Upgrade()
	if !ok {
		return nil
	}
	return out.Get()
}
