package output

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/corelive/internal/media"
)

type fakeWriter struct {
	started bool
	stopped bool
	pkts    []media.Packet
}

func (w *fakeWriter) Start() error                    { w.started = true; return nil }
func (w *fakeWriter) Stop(tsUsec int64)                { w.stopped = true }
func (w *fakeWriter) EncodedPacket(pkt media.Packet)   { w.pkts = append(w.pkts, pkt) }

// P8: successive reconnect delays form a non-decreasing sequence capped
// at RECONNECT_RETRY_MAX_MSEC.
func TestReconnectDelayMonotoneAndCapped(t *testing.T) {
	t.Parallel()
	p := ReconnectParams{RetrySec: 2, MaxRetries: 20, ExpFactor: 1.5}
	var prev time.Duration
	for i := 0; i < 30; i++ {
		d := ReconnectDelay(p, i)
		if d < prev {
			t.Fatalf("attempt %d delay %v < previous %v", i, d, prev)
		}
		if d > maxBackoffMsec*time.Millisecond {
			t.Fatalf("attempt %d delay %v exceeds cap", i, d)
		}
		prev = d
	}
}

// Scenario 6: reconnect_retry_sec=2, max=5, exp~1.5 -> delays ~2s, 3s,
// 4.5s, 6.75s, 10.125s.
func TestReconnectDelayMatchesScenario6(t *testing.T) {
	t.Parallel()
	p := ReconnectParams{RetrySec: 2, MaxRetries: 5, ExpFactor: 1.5}
	want := []float64{2, 3, 4.5, 6.75, 10.125}
	for i, w := range want {
		got := ReconnectDelay(p, i).Seconds()
		if diff := got - w; diff > 0.01 || diff < -0.01 {
			t.Fatalf("attempt %d = %.3fs, want %.3fs", i, got, w)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	o := New("test-out", w, nil, nil)

	if o.Active() {
		t.Fatalf("expected inactive before Start")
	}
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !o.Active() || !w.started {
		t.Fatalf("expected active output and started writer")
	}
	o.Stop(CodeSuccess)
	if o.Active() || !w.stopped {
		t.Fatalf("expected inactive output and stopped writer")
	}
	// Idempotent: a second Stop must not panic or re-emit.
	o.Stop(CodeSuccess)
}

// Scenario 6: when reconnect_cb refuses, the output stops with
// DISCONNECTED without making any retry attempt.
func TestRunReconnectLoopStopsWhenRefused(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	o := New("test-out", w, nil, nil)
	_ = o.Start()
	o.SetReconnect(ReconnectParams{RetrySec: 2, MaxRetries: 5, ExpFactor: 1.5}, func(error) bool { return false })

	err := o.RunReconnectLoop(context.Background(), errors.New("disconnected"), func(ctx context.Context) error {
		t.Fatalf("attempt should never run when reconnect_cb refuses")
		return nil
	})
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("err = %v, want ErrReconnectExhausted", err)
	}
	if o.Active() {
		t.Fatalf("expected output stopped after refused reconnect")
	}
}

func TestRunReconnectLoopAbortsOnContextCancel(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	o := New("test-out", w, nil, nil)
	_ = o.Start()
	o.SetReconnect(ReconnectParams{RetrySec: 9999, MaxRetries: 5, ExpFactor: 1.5}, func(error) bool { return true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.RunReconnectLoop(ctx, errors.New("disconnected"), func(ctx context.Context) error {
		t.Fatalf("attempt should never run once context is already cancelled")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
