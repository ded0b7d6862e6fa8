// Package pending matches the single outstanding detect request with the
// detector callback that eventually answers it.
package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ayusman/motionkit/internal/detector"
)

var (
	// ErrRequestInFlight is returned by Register while another request is awaiting its outcome.
	ErrRequestInFlight = errors.New("a detect request is already in flight")
	// ErrCancelled is delivered to a continuation dropped by Clear.
	ErrCancelled = errors.New("detect request cancelled")
	// ErrTimeout is delivered when no outcome arrives within the configured timeout.
	ErrTimeout = errors.New("detect request timed out")
)

// DefaultTimeout bounds how long a registered continuation may wait for the detector.
const DefaultTimeout = 5 * time.Second

// Outcome is the single answer handed to a continuation. Err is set on failure.
type Outcome struct {
	Hands []detector.HandLandmarks
	Err   error
}

// Continuation receives exactly one Outcome.
type Continuation func(Outcome)

// Executor runs continuations on the caller's execution context.
// Post returns false when the task was not accepted.
type Executor interface {
	Post(fn func()) bool
}

// Options configures a Correlator. The zero value delivers inline without a timeout.
type Options struct {
	// Executor receives every continuation. Nil or a refusing executor runs it inline.
	Executor Executor

	// Timeout is how long a registration may stay unanswered. Zero disables it.
	Timeout time.Duration

	// OnTimeout is called with the expired token before ErrTimeout is delivered.
	OnTimeout func(detector.Token)
}

// slot is the occupied state of the Correlator.
type slot struct {
	token    detector.Token
	cont     Continuation
	timer    *time.Timer
	register time.Time
}

// Correlator holds at most one registered continuation.
//
// Thread-safety: all methods are safe for concurrent use. Deliver is expected
// on the detector worker, Register and Clear on the caller's context.
type Correlator struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	slot *slot // nil = empty
}

// New creates an empty Correlator.
func New(opts Options) *Correlator {
	return &Correlator{
		opts:   opts,
		logger: slog.Default().With("component", "correlator"),
	}
}

// Register occupies the slot with cont, keyed by token.
// An occupied slot is left untouched and ErrRequestInFlight is returned.
func (c *Correlator) Register(token detector.Token, cont Continuation) error {
	if cont == nil {
		return errors.New("register: nil continuation")
	}
	if token.IsZero() {
		return errors.New("register: zero token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot != nil {
		c.logger.Debug("correlator: rejecting request, slot occupied",
			"pending", c.slot.token, "rejected", token)
		return ErrRequestInFlight
	}

	s := &slot{token: token, cont: cont, register: time.Now()}
	if c.opts.Timeout > 0 {
		s.timer = time.AfterFunc(c.opts.Timeout, func() { c.expire(token) })
	}
	c.slot = s
	return nil
}

// Deliver hands outcome to the continuation registered under token and empties the slot.
// It reports false when nothing is registered for token, which is expected for
// callbacks arriving after a timeout or teardown.
func (c *Correlator) Deliver(token detector.Token, outcome Outcome) bool {
	s := c.take(token)
	if s == nil {
		c.logger.Debug("correlator: dropping late outcome", "token", token)
		return false
	}
	c.dispatch(s, outcome)
	return true
}

// DeliverResult adapts a Landmarker result callback onto Deliver.
func (c *Correlator) DeliverResult(r detector.Result) {
	c.Deliver(r.Token, Outcome{Hands: r.Hands, Err: r.Err})
}

// Abort resolves the registration for token with err synchronously on the calling goroutine.
// Used when submission fails before the asynchronous boundary.
func (c *Correlator) Abort(token detector.Token, err error) bool {
	s := c.take(token)
	if s == nil {
		return false
	}
	s.cont(Outcome{Err: err})
	return true
}

// Clear cancels whatever is registered. The continuation still receives ErrCancelled.
func (c *Correlator) Clear() {
	c.mu.Lock()
	s := c.slot
	c.slot = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	c.logger.Info("correlator: cancelling pending request", "token", s.token)
	c.dispatch(s, Outcome{Err: ErrCancelled})
}

// Pending reports whether the slot is occupied.
func (c *Correlator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot != nil
}

// PendingToken returns the registered token, or the zero token when empty.
func (c *Correlator) PendingToken() detector.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return detector.Token{}
	}
	return c.slot.token
}

func (c *Correlator) expire(token detector.Token) {
	s := c.take(token)
	if s == nil {
		return
	}

	c.logger.Warn("correlator: request timed out",
		"token", token,
		"timeout", c.opts.Timeout)

	if c.opts.OnTimeout != nil {
		c.opts.OnTimeout(token)
	}
	c.dispatch(s, Outcome{Err: ErrTimeout})
}

// take empties the slot if it holds token. The caller becomes the only one allowed
// to run the continuation, which is what makes delivery exactly-once.
func (c *Correlator) take(token detector.Token) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot == nil || c.slot.token != token {
		return nil
	}

	s := c.slot
	c.slot = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	return s
}

func (c *Correlator) dispatch(s *slot, outcome Outcome) {
	c.logger.Debug("correlator: delivering outcome",
		"token", s.token,
		"failed", outcome.Err != nil,
		"waited", time.Since(s.register))

	run := func() { s.cont(outcome) }
	if c.opts.Executor != nil && c.opts.Executor.Post(run) {
		return
	}
	run()
}
