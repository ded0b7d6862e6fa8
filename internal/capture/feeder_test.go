package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/frame"
)

// fakeCaller answers every call with an empty hand list.
type fakeCaller struct {
	mu    sync.Mutex
	calls []channel.MethodCall
	err   error
}

func (c *fakeCaller) Call(ctx context.Context, call channel.MethodCall) (channel.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return channel.Reply{}, c.err
	}
	c.calls = append(c.calls, call)
	return channel.Reply{Value: []channel.Hand{}}, nil
}

func (c *fakeCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestFeeder_SendsEveryFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	frames := []*gocv.Mat{solidFrame(t, 8, 8, 0), solidFrame(t, 8, 8, 255), solidFrame(t, 8, 8, 0)}
	caller := &fakeCaller{}
	f := NewFeeder(FeederConfig{
		Source:   NewPlayback(frames, false),
		Caller:   caller,
		Layout:   frame.LayoutBGRA,
		Rotation: 270,
	})

	var outcomes []Outcome
	if err := f.Run(context.Background(), func(o Outcome) { outcomes = append(outcomes, o) }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if caller.count() != 3 || len(outcomes) != 3 {
		t.Fatalf("calls = %d, outcomes = %d, want 3", caller.count(), len(outcomes))
	}
	for i, o := range outcomes {
		if o.Frame != i+1 || o.Err != nil || o.Reply.Err != nil {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	if got := caller.calls[0].Arguments["rotation"]; got != 270 {
		t.Errorf("rotation = %v, want 270", got)
	}
	if s := f.Stats(); s.Frames != 3 || s.Sent != 3 || s.Skipped != 0 || s.Failed != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestFeeder_MotionGateSkipsStillFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	black := solidFrame(t, 64, 64, 0)
	white := solidFrame(t, 64, 64, 255)
	caller := &fakeCaller{}

	gate := NewMotionGate(1.0)
	defer gate.Close()

	f := NewFeeder(FeederConfig{
		Source: NewPlayback([]*gocv.Mat{black, black, black, white}, false),
		Caller: caller,
		Gate:   gate,
	})
	if err := f.Run(context.Background(), func(Outcome) {}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s := f.Stats(); s.Sent != 2 || s.Skipped != 2 {
		t.Errorf("Stats() = %+v, want 2 sent and 2 skipped", s)
	}
	if got := caller.calls[0].Arguments["format"]; got != frame.LayoutNV21.String() {
		t.Errorf("default format = %v, want nv21", got)
	}
}

func TestFeeder_CallerErrorStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	wantErr := errors.New("closed")
	f := NewFeeder(FeederConfig{
		Source: NewPlayback([]*gocv.Mat{solidFrame(t, 8, 8, 0)}, true),
		Caller: &fakeCaller{err: wantErr},
	})

	if err := f.Run(context.Background(), func(Outcome) {}); !errors.Is(err, wantErr) {
		t.Errorf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestFeeder_ContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	caller := &fakeCaller{}
	f := NewFeeder(FeederConfig{
		Source:   NewPlayback([]*gocv.Mat{solidFrame(t, 8, 8, 0)}, true),
		Caller:   caller,
		Interval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := f.Run(ctx, func(Outcome) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
	if caller.count() == 0 {
		t.Error("no frames were sent before cancellation")
	}
}

func TestFeeder_ReadErrorsAreReported(t *testing.T) {
	f := NewFeeder(FeederConfig{
		Source: NewFiles([]string{"/nonexistent/frame.png"}),
		Caller: &fakeCaller{},
	})

	var outcomes []Outcome
	if err := f.Run(context.Background(), func(o Outcome) { outcomes = append(outcomes, o) }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Err == nil {
		t.Errorf("expected one failed outcome, got %+v", outcomes)
	}
	if s := f.Stats(); s.Failed != 1 || s.Sent != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}
