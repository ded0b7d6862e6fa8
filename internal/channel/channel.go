// Package channel implements the host-facing method channel: it validates detect
// calls, converts frames and hands them to the landmarker, and answers each call
// exactly once when the detector reports back.
package channel

import (
	"fmt"

	"github.com/ayusman/motionkit/internal/detector"
)

// MethodDetect is the only method understood by the handler.
const MethodDetect = "detect"

// Error codes sent to the host.
const (
	CodeInvalidArguments         = "INVALID_ARGUMENTS"
	CodeImageProcessingError     = "IMAGE_PROCESSING_ERROR"
	CodeNativeError              = "NATIVE_ERROR"
	CodeLandmarkerNotInitialized = "LANDMARKER_NOT_INITIALIZED"
	CodeDetectionError           = "DETECTION_ERROR"
	CodeRequestInFlight          = "REQUEST_IN_FLIGHT"
	CodeTimeout                  = "TIMEOUT"
	CodeCancelled                = "CANCELLED"
	CodeDisabled                 = "DISABLED"
)

// Engine error categories carried in the details of NATIVE_ERROR and
// LANDMARKER_NOT_INITIALIZED replies.
const (
	DetailInitFailed     = -1
	DetailNotInitialized = -2
	DetailRuntime        = -3
)

// MethodCall is one inbound request from the host.
type MethodCall struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

// Result receives the single reply to a MethodCall.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

// Error is the error half of a Reply.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reply is a captured Result. Exactly one of Value, Err or NotImplemented is meaningful.
type Reply struct {
	Value          any
	Err            *Error
	NotImplemented bool
}

// ReplyFunc adapts a function to the Result interface.
type ReplyFunc func(Reply)

func (f ReplyFunc) Success(value any) {
	f(Reply{Value: value})
}

func (f ReplyFunc) Error(code, message string, details any) {
	f(Reply{Err: &Error{Code: code, Message: message, Details: details}})
}

func (f ReplyFunc) NotImplemented() {
	f(Reply{NotImplemented: true})
}

// Landmark is one normalised hand point in a reply.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Hand is one detected hand in a reply.
type Hand struct {
	Landmarks       []Landmark `json:"landmarks"`
	Handedness      string     `json:"handedness"`
	HandednessScore float64    `json:"handednessScore"`
}

// handsReply converts detector output to the reply shape. It never returns nil
// so that zero hands serialise as an empty list.
func handsReply(hands []detector.HandLandmarks) []Hand {
	out := make([]Hand, 0, len(hands))
	for _, h := range hands {
		points := make([]Landmark, len(h.Points))
		for i, p := range h.Points {
			points[i] = Landmark{X: p.X, Y: p.Y, Z: p.Z}
		}
		out = append(out, Hand{
			Landmarks:       points,
			Handedness:      h.Handedness,
			HandednessScore: h.Score,
		})
	}
	return out
}
