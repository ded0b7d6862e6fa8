// Package app wires the motionkit components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/config"
	"github.com/ayusman/motionkit/internal/detector"
	"github.com/ayusman/motionkit/internal/looper"
	"github.com/ayusman/motionkit/internal/pending"
	"github.com/ayusman/motionkit/internal/server"
)

// ShutdownTimeout bounds how long Serve waits for in-flight HTTP requests.
const ShutdownTimeout = 5 * time.Second

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("app is closed")

// App is the host process: a main loop, the method channel and the detector behind it.
type App struct {
	config *config.Config
	logger *slog.Logger

	loop       *looper.Loop
	correlator *pending.Correlator
	landmarker *detector.Landmarker // nil when the engine failed to initialize
	handler    *channel.Handler
	server     *server.Server

	mu        sync.Mutex
	lastHands int
	lastErr   error
	lastAt    time.Time
	onResult  func(hands int, err error)

	closeOnce sync.Once
}

// New builds the application. factory may be nil to pick the engine named in cfg.
// A landmarker that fails to initialize does not fail New; detect calls are then
// answered with LANDMARKER_NOT_INITIALIZED.
func New(cfg *config.Config, factory detector.EngineFactory) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.Default().With("component", "app")

	decoder, err := cfg.Decoder(slog.Default().With("component", "frame"))
	if err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}

	if factory == nil {
		factory = engineFactory(cfg)
	}

	a := &App{
		config: cfg,
		logger: logger,
		loop:   looper.New(),
	}

	a.correlator = pending.New(pending.Options{
		Executor: a.loop,
		Timeout:  cfg.RequestTimeout,
		OnTimeout: func(token detector.Token) {
			a.landmarker.Cancel(token)
		},
	})

	lm, err := detector.NewLandmarker(cfg.Detector(), factory, a.correlator.DeliverResult)
	if err != nil {
		logger.Error("app: hand landmarker unavailable", "error", err)
	} else {
		a.landmarker = lm
	}

	a.handler = channel.NewHandler(channel.Config{
		Decoder:       decoder,
		Landmarker:    a.landmarker,
		Correlator:    a.correlator,
		DefaultLayout: layout,
	})
	a.handler.OnResult(a.recordResult)

	a.server = server.New(server.Config{
		StaticDir:  cfg.StaticDir,
		Channel:    a.handler,
		Loop:       a.loop,
		Landmarker: a.landmarker,
	})

	a.loop.Start()

	logger.Info("app: ready",
		"engine", cfg.Engine,
		"landmarker", a.landmarker.State(),
		"timeout", cfg.RequestTimeout)
	return a, nil
}

func engineFactory(cfg *config.Config) detector.EngineFactory {
	if cfg.Engine == config.EngineMock {
		return detector.MockFactory(detector.NewMockEngine())
	}
	return detector.MediaPipeFactory(cfg.MediaPipe())
}

// Call runs a method call on the main loop and waits for its single reply.
func (a *App) Call(ctx context.Context, call channel.MethodCall) (channel.Reply, error) {
	replies := make(chan channel.Reply, 1)
	result := channel.ReplyFunc(func(r channel.Reply) { replies <- r })

	if !a.loop.Post(func() { a.handler.HandleMethodCall(call, result) }) {
		return channel.Reply{}, ErrClosed
	}

	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return channel.Reply{}, ctx.Err()
	}
}

// Serve runs the HTTP server on addr until ctx is done, then closes the app.
func (a *App) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe(addr)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("app: http shutdown", "error", err)
		}
		cancel()
		serveErr = <-errCh
	}

	if err := a.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Close tears the pipeline down: stop accepting calls, drain or cancel the worker,
// cancel the pending call, release the engine, then stop the main loop.
// It is idempotent.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.logger.Info("app: shutting down")

		a.handler.Stop()
		a.landmarker.Shutdown()
		a.correlator.Clear()
		err = a.landmarker.Close()
		a.loop.Stop()

		a.logger.Info("app: stopped")
	})
	return err
}

// SetEnabled enables or disables detection.
func (a *App) SetEnabled(enabled bool) {
	a.handler.SetEnabled(enabled)
	a.logger.Info("app: detection toggled", "enabled", enabled)
}

// IsEnabled returns whether detection is currently enabled.
func (a *App) IsEnabled() bool {
	return a.handler.Enabled()
}

// LastResult returns the outcome of the most recently answered detect call.
// The zero time means no call has been answered yet.
func (a *App) LastResult() (hands int, at time.Time, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHands, a.lastAt, a.lastErr
}

// OnResult registers fn to be called after every answered detect call.
func (a *App) OnResult(fn func(hands int, err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onResult = fn
}

func (a *App) recordResult(hands int, err error) {
	a.mu.Lock()
	a.lastHands, a.lastErr, a.lastAt = hands, err, time.Now()
	fn := a.onResult
	a.mu.Unlock()

	if fn != nil {
		fn(hands, err)
	}
}

// Handler returns the method channel handler.
func (a *App) Handler() *channel.Handler {
	return a.handler
}

// Server returns the HTTP server.
func (a *App) Server() *server.Server {
	return a.server
}

// Landmarker returns the hand landmarker, or nil if it failed to initialize.
func (a *App) Landmarker() *detector.Landmarker {
	return a.landmarker
}

// Correlator returns the pending request correlator.
func (a *App) Correlator() *pending.Correlator {
	return a.correlator
}
