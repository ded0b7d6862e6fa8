package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/motionkit/internal/frame"
)

// State is the lifecycle state of a Landmarker.
type State int

const (
	// StateUninitialized is reported by a nil Landmarker, i.e. one whose construction failed.
	StateUninitialized State = iota
	// StateReady accepts submissions.
	StateReady
	// StateClosed rejects submissions with ErrNotInitialized.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Token identifies one submission. TimestampMs is strictly increasing per Landmarker.
type Token struct {
	ID          uuid.UUID
	TimestampMs int64
}

// IsZero reports whether t was never issued.
func (t Token) IsZero() bool {
	return t.ID == uuid.Nil
}

func (t Token) String() string {
	return fmt.Sprintf("%s@%d", t.ID, t.TimestampMs)
}

// Result is delivered once per accepted submission. Err is set for the error variant.
type Result struct {
	Token         Token
	Hands         []HandLandmarks
	Err           error
	InferenceTime time.Duration
	InputWidth    int
	InputHeight   int
}

type job struct {
	token  Token
	img    *frame.Image
	ctx    context.Context
	cancel context.CancelFunc
}

// Landmarker owns one Engine and runs it on a single background goroutine.
// Submissions are processed strictly in order and never concurrently.
// Every accepted submission produces exactly one call to the result callback,
// made from the worker goroutine.
type Landmarker struct {
	config   Config
	engine   Engine
	onResult func(Result)
	logger   *slog.Logger
	epoch    time.Time

	mu       sync.Mutex
	state    State
	jobs     chan *job
	inflight map[uuid.UUID]*job
	lastTs   int64

	workerCtx  context.Context
	stopWorker context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewLandmarker validates cfg, builds the engine and starts the worker.
// Any failure is wrapped in ErrInitializationFailed and no Landmarker is returned.
func NewLandmarker(cfg Config, factory EngineFactory, onResult func(Result)) (*Landmarker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no engine factory", ErrInitializationFailed)
	}

	engine, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Landmarker{
		config:     cfg,
		engine:     engine,
		onResult:   onResult,
		logger:     slog.Default().With("component", "landmarker"),
		epoch:      time.Now(),
		state:      StateReady,
		jobs:       make(chan *job, cfg.QueueSize),
		inflight:   make(map[uuid.UUID]*job),
		workerCtx:  ctx,
		stopWorker: cancel,
		done:       make(chan struct{}),
	}

	go l.run()

	l.logger.Info("landmarker: initialized",
		"model", cfg.ModelPath,
		"max_hands", cfg.MaxHands,
		"queue", cfg.QueueSize)
	return l, nil
}

// State returns the current lifecycle state.
func (l *Landmarker) State() State {
	if l == nil {
		return StateUninitialized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// NewToken issues a token with a fresh ID and a monotonic timestamp in
// milliseconds since the Landmarker was created.
func (l *Landmarker) NewToken() Token {
	if l == nil {
		return Token{ID: uuid.New()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Since(l.epoch).Milliseconds()
	if ts <= l.lastTs {
		ts = l.lastTs + 1
	}
	l.lastTs = ts

	return Token{ID: uuid.New(), TimestampMs: ts}
}

// Submit queues img for detection and returns immediately.
// On success the Landmarker owns img and closes it after inference;
// on error the caller keeps ownership.
func (l *Landmarker) Submit(token Token, img *frame.Image) error {
	if l == nil {
		return ErrNotInitialized
	}
	if img == nil {
		return fmt.Errorf("submit %s: %w", token, frame.ErrEmptyImage)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateReady {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithCancel(l.workerCtx)
	j := &job{token: token, img: img, ctx: ctx, cancel: cancel}

	select {
	case l.jobs <- j:
		l.inflight[token.ID] = j
		return nil
	default:
		cancel()
		return ErrQueueFull
	}
}

// Cancel asks the engine to abandon the submission identified by token.
// A queued submission is skipped; a running one has its context cancelled.
// Either way the callback still fires once, carrying the context error.
func (l *Landmarker) Cancel(token Token) {
	if l == nil {
		return
	}

	l.mu.Lock()
	j, ok := l.inflight[token.ID]
	l.mu.Unlock()

	if ok {
		l.logger.Debug("landmarker: cancelling submission", "token", token)
		j.cancel()
	}
}

// Shutdown stops accepting submissions and waits up to DrainTimeout for the
// worker to finish queued work. Anything still running after that is cancelled.
func (l *Landmarker) Shutdown() {
	if l == nil {
		return
	}

	l.mu.Lock()
	if l.state == StateReady {
		l.state = StateClosed
		close(l.jobs)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return
	case <-time.After(l.config.DrainTimeout):
	}

	l.logger.Warn("landmarker: drain timed out, cancelling outstanding work",
		"timeout", l.config.DrainTimeout)
	l.stopWorker()

	select {
	case <-l.done:
	case <-time.After(l.config.DrainTimeout):
		l.logger.Error("landmarker: worker did not stop after cancellation")
	}
}

// Close shuts the worker down and releases the engine. It is idempotent.
func (l *Landmarker) Close() error {
	if l == nil {
		return nil
	}

	l.closeOnce.Do(func() {
		l.Shutdown()
		l.stopWorker()
		l.closeErr = l.engine.Close()
		l.logger.Info("landmarker: closed")
	})
	return l.closeErr
}

func (l *Landmarker) run() {
	defer close(l.done)

	for j := range l.jobs {
		l.process(j)
	}
}

func (l *Landmarker) process(j *job) {
	defer func() {
		j.cancel()
		j.img.Close()

		l.mu.Lock()
		delete(l.inflight, j.token.ID)
		l.mu.Unlock()
	}()

	res := Result{
		Token:       j.token,
		InputWidth:  j.img.Width(),
		InputHeight: j.img.Height(),
	}

	if err := j.ctx.Err(); err != nil {
		res.Err = err
		l.deliver(res)
		return
	}

	hands, err := l.engine.Detect(j.ctx, j.img, j.token.TimestampMs)
	finish := time.Since(l.epoch).Milliseconds()
	res.InferenceTime = time.Duration(finish-j.token.TimestampMs) * time.Millisecond

	if err != nil {
		res.Err = err
	} else {
		res.Hands = l.trim(hands)
	}

	l.deliver(res)
}

// trim enforces MaxHands and the handedness vocabulary regardless of what the engine returns.
func (l *Landmarker) trim(hands []HandLandmarks) []HandLandmarks {
	if len(hands) > l.config.MaxHands {
		hands = hands[:l.config.MaxHands]
	}

	out := make([]HandLandmarks, len(hands))
	for i, h := range hands {
		out[i] = h
		out[i].Handedness, out[i].Score = normalizeHandedness(h.Handedness, h.Score)
	}
	return out
}

func (l *Landmarker) deliver(res Result) {
	if res.Err != nil {
		l.logger.Debug("landmarker: detection failed", "token", res.Token, "error", res.Err)
	} else {
		l.logger.Debug("landmarker: detection finished",
			"token", res.Token,
			"hands", len(res.Hands),
			"inference", res.InferenceTime,
			"width", res.InputWidth,
			"height", res.InputHeight)
	}

	if l.onResult != nil {
		l.onResult(res)
	}
}
