package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/config"
	"github.com/ayusman/motionkit/internal/detector"
)

func testConfig() *config.Config {
	cfg := config.FromEnv()
	cfg.Engine = config.EngineMock
	cfg.DefaultFormat = "bgra"
	cfg.RequestTimeout = time.Second
	return cfg
}

func newTestApp(t *testing.T, engine *detector.MockEngine) *App {
	t.Helper()
	a, err := New(testConfig(), detector.MockFactory(engine))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func detectCall(width, height int) channel.MethodCall {
	return channel.MethodCall{
		Method: channel.MethodDetect,
		Arguments: map[string]any{
			"bytes":    make([]byte, width*height*4),
			"width":    width,
			"height":   height,
			"rotation": 0,
		},
	}
}

func TestApp_Call(t *testing.T) {
	engine := detector.NewMockEngine()
	engine.SetHands([]detector.HandLandmarks{detector.OpenPalmLandmarks()})
	a := newTestApp(t, engine)

	reply, err := a.Call(context.Background(), detectCall(100, 100))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if reply.Err != nil {
		t.Fatalf("unexpected error reply %v", reply.Err)
	}
	hands, ok := reply.Value.([]channel.Hand)
	if !ok || len(hands) != 1 {
		t.Fatalf("expected one hand, got %#v", reply.Value)
	}

	n, at, lastErr := a.LastResult()
	if n != 1 || lastErr != nil || at.IsZero() {
		t.Errorf("LastResult() = %d, %v, %v", n, at, lastErr)
	}
}

func TestApp_InitFailureKeepsServing(t *testing.T) {
	factory := func(detector.Config) (detector.Engine, error) {
		return nil, errors.New("no model")
	}
	a, err := New(testConfig(), factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Landmarker() != nil {
		t.Fatal("expected no landmarker after init failure")
	}

	reply, err := a.Call(context.Background(), detectCall(10, 10))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if reply.Err == nil || reply.Err.Code != channel.CodeLandmarkerNotInitialized {
		t.Errorf("expected LANDMARKER_NOT_INITIALIZED, got %+v", reply)
	}
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Engine = "tflite"

	if _, err := New(cfg, nil); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestApp_EngineFromConfig(t *testing.T) {
	a, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Landmarker().State() != detector.StateReady {
		t.Errorf("expected mock engine landmarker to be ready, got %s", a.Landmarker().State())
	}
}

func TestApp_SetEnabled(t *testing.T) {
	a := newTestApp(t, detector.NewMockEngine())

	if !a.IsEnabled() {
		t.Fatal("expected app to start enabled")
	}
	a.SetEnabled(false)

	reply, err := a.Call(context.Background(), detectCall(4, 4))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if reply.Err == nil || reply.Err.Code != channel.CodeDisabled {
		t.Errorf("expected DISABLED, got %+v", reply)
	}
}

func TestApp_CloseCancelsPendingCall(t *testing.T) {
	engine := detector.NewMockEngine()
	engine.Hold()
	a := newTestApp(t, engine)

	replies := make(chan channel.Reply, 1)
	go func() {
		reply, err := a.Call(context.Background(), detectCall(8, 8))
		if err != nil {
			t.Errorf("Call() error = %v", err)
		}
		replies <- reply
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !a.Correlator().Pending() {
		if time.Now().After(deadline) {
			t.Fatal("call never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case reply := <-replies:
		if reply.Err == nil || reply.Err.Code != channel.CodeCancelled {
			t.Errorf("expected CANCELLED, got %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was never answered")
	}

	if !engine.Closed() {
		t.Error("engine was not released")
	}
	if a.Correlator().Pending() {
		t.Error("correlator still holds a continuation")
	}
	if a.Landmarker().State() != detector.StateClosed {
		t.Errorf("expected landmarker closed, got %s", a.Landmarker().State())
	}

	if _, err := a.Call(context.Background(), detectCall(8, 8)); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close() error = %v, want ErrClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestApp_Serve(t *testing.T) {
	a := newTestApp(t, detector.NewMockEngine())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancellation")
	}

	if a.Landmarker().State() != detector.StateClosed {
		t.Error("Serve() did not close the app")
	}
}

func TestApp_OnResult(t *testing.T) {
	a := newTestApp(t, detector.NewMockEngine())

	seen := make(chan error, 1)
	a.OnResult(func(hands int, err error) { seen <- err })

	args := detectCall(4, 4)
	delete(args.Arguments, "rotation")
	if _, err := a.Call(context.Background(), args); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	select {
	case err := <-seen:
		var replyErr *channel.Error
		if !errors.As(err, &replyErr) || replyErr.Code != channel.CodeInvalidArguments {
			t.Errorf("observer got %v, want INVALID_ARGUMENTS", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
}
