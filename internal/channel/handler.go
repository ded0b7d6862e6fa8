package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ayusman/motionkit/internal/detector"
	"github.com/ayusman/motionkit/internal/frame"
	"github.com/ayusman/motionkit/internal/pending"
)

// errSubmit marks failures of the synchronous submit step so they are reported
// as DETECTION_ERROR rather than as a detector runtime error.
var errSubmit = errors.New("submit failed")

// Landmarker is the part of detector.Landmarker the handler drives.
type Landmarker interface {
	State() detector.State
	NewToken() detector.Token
	Submit(token detector.Token, img *frame.Image) error
}

// Config wires a Handler to its collaborators.
type Config struct {
	Decoder    *frame.Decoder
	Landmarker Landmarker // nil when construction failed
	Correlator *pending.Correlator

	// DefaultLayout applies when a call carries no format argument.
	DefaultLayout frame.Layout
}

// Stats is a snapshot of handler counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`   // answered with an error after submission
	Rejected  int64 `json:"rejected"` // answered with an error before submission
}

// Handler answers detect calls. HandleMethodCall is meant to run on the caller's
// execution context; it never blocks on detection.
type Handler struct {
	decoder       *frame.Decoder
	landmarker    Landmarker
	correlator    *pending.Correlator
	defaultLayout frame.Layout
	logger        *slog.Logger

	stopped atomic.Bool
	enabled atomic.Bool

	requests  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	mu       sync.RWMutex
	observer func(hands int, err error)
}

// NewHandler creates an enabled Handler.
func NewHandler(cfg Config) *Handler {
	decoder := cfg.Decoder
	if decoder == nil {
		decoder = &frame.Decoder{}
	}
	correlator := cfg.Correlator
	if correlator == nil {
		correlator = pending.New(pending.Options{})
	}
	layout := cfg.DefaultLayout
	if layout == frame.LayoutUnknown {
		layout = frame.LayoutNV21
	}

	h := &Handler{
		decoder:       decoder,
		landmarker:    cfg.Landmarker,
		correlator:    correlator,
		defaultLayout: layout,
		logger:        slog.Default().With("component", "channel"),
	}
	h.enabled.Store(true)
	return h
}

// HandleMethodCall processes call and answers result exactly once, either before
// returning or later from the correlator.
func (h *Handler) HandleMethodCall(call MethodCall, result Result) {
	if call.Method != MethodDetect {
		h.logger.Debug("channel: method not implemented", "method", call.Method)
		result.NotImplemented()
		return
	}

	h.requests.Add(1)

	if h.stopped.Load() {
		h.reject(result, CodeCancelled, "Detection is shutting down", nil)
		return
	}
	if !h.enabled.Load() {
		h.reject(result, CodeDisabled, "Detection is disabled", nil)
		return
	}

	raw, err := parseDetectArgs(call.Arguments, h.defaultLayout)
	if err != nil {
		h.reject(result, CodeInvalidArguments,
			fmt.Sprintf("Missing image data, width, height, or rotation: %v", err), nil)
		return
	}

	if !h.ready() {
		h.reject(result, CodeLandmarkerNotInitialized, "HandLandmarker is not initialized.", DetailNotInitialized)
		return
	}

	img, err := h.decoder.Decode(raw)
	if err != nil {
		h.reject(result, CodeImageProcessingError, fmt.Sprintf("Error processing image: %v", err), nil)
		return
	}

	token := h.landmarker.NewToken()
	err = h.correlator.Register(token, func(o pending.Outcome) {
		h.answer(result, token, o)
	})
	if err != nil {
		img.Close()
		if errors.Is(err, pending.ErrRequestInFlight) {
			h.reject(result, CodeRequestInFlight, "A detect request is already in flight", nil)
			return
		}
		h.reject(result, CodeDetectionError, fmt.Sprintf("Error registering detect request: %v", err), nil)
		return
	}

	if err := h.landmarker.Submit(token, img); err != nil {
		// Submit failed, so the landmarker never took ownership of img.
		img.Close()
		h.correlator.Abort(token, fmt.Errorf("%w: %w", errSubmit, err))
		return
	}

	h.logger.Debug("channel: frame submitted",
		"token", token,
		"layout", raw.Layout,
		"width", raw.Width,
		"height", raw.Height,
		"rotation", raw.Rotation)
}

// Stop makes every later call fail with CANCELLED. Pending calls are not touched;
// clearing them is the correlator's job.
func (h *Handler) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		h.logger.Info("channel: stopped accepting requests")
	}
}

// SetEnabled toggles detection. Disabled handlers answer DISABLED.
func (h *Handler) SetEnabled(enabled bool) {
	h.enabled.Store(enabled)
}

// Enabled reports whether detection is enabled.
func (h *Handler) Enabled() bool {
	return h.enabled.Load()
}

// OnResult registers fn to observe every answered detect call.
// It runs just before the reply is sent, with the number of hands or the error.
func (h *Handler) OnResult(fn func(hands int, err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = fn
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Requests:  h.requests.Load(),
		Succeeded: h.succeeded.Load(),
		Failed:    h.failed.Load(),
		Rejected:  h.rejected.Load(),
	}
}

func (h *Handler) ready() bool {
	return h.landmarker != nil && h.landmarker.State() == detector.StateReady
}

func (h *Handler) reject(result Result, code, message string, details any) {
	h.rejected.Add(1)
	h.logger.Debug("channel: request rejected", "code", code, "message", message)
	h.notify(0, &Error{Code: code, Message: message, Details: details})
	result.Error(code, message, details)
}

// answer turns a correlator outcome into the reply for the call registered under token.
func (h *Handler) answer(result Result, token detector.Token, o pending.Outcome) {
	if o.Err == nil {
		h.succeeded.Add(1)
		h.notify(len(o.Hands), nil)
		result.Success(handsReply(o.Hands))
		return
	}

	code, message, details := classify(o.Err)
	if errors.Is(o.Err, errSubmit) {
		h.rejected.Add(1)
	} else {
		h.failed.Add(1)
	}

	h.logger.Debug("channel: detect failed", "token", token, "code", code, "error", o.Err)
	h.notify(0, &Error{Code: code, Message: message, Details: details})
	result.Error(code, message, details)
}

// classify maps an asynchronous or submit error to a reply.
func classify(err error) (code, message string, details any) {
	switch {
	case errors.Is(err, pending.ErrTimeout):
		return CodeTimeout, "Hand detection timed out", nil
	case errors.Is(err, pending.ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled, "Hand detection was cancelled", nil
	case errors.Is(err, detector.ErrNotInitialized):
		return CodeLandmarkerNotInitialized, "HandLandmarker is not initialized.", DetailNotInitialized
	case errors.Is(err, errSubmit):
		return CodeDetectionError, fmt.Sprintf("Error starting hand landmark detection: %v", err), nil
	case errors.Is(err, detector.ErrInitializationFailed):
		return CodeNativeError, err.Error(), DetailInitFailed
	default:
		return CodeNativeError, err.Error(), DetailRuntime
	}
}

func (h *Handler) notify(hands int, err error) {
	h.mu.RLock()
	fn := h.observer
	h.mu.RUnlock()

	if fn != nil {
		fn(hands, err)
	}
}
