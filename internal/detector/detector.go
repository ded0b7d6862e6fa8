package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/motionkit/internal/frame"
)

// Errors reported by the Landmarker.
var (
	// ErrInitializationFailed wraps any failure to build the engine. The landmarker is not created.
	ErrInitializationFailed = errors.New("hand landmarker failed to initialize")
	// ErrNotInitialized is returned by Submit on a landmarker that is closed or was never built.
	ErrNotInitialized = errors.New("hand landmarker is not initialized")
	// ErrQueueFull is returned by Submit when the worker backlog is at capacity.
	ErrQueueFull = errors.New("hand landmarker queue is full")
)

// Engine is the hand landmark model. Detect runs one inference and must honour
// ctx cancellation where it can; the Landmarker calls it from a single goroutine.
type Engine interface {
	// Detect returns the hands found in img. A frame without hands yields an empty slice.
	// timestampMs is the monotonic submission time of the frame and increases on every call,
	// which lets video mode models track hands between frames.
	Detect(ctx context.Context, img *frame.Image, timestampMs int64) ([]HandLandmarks, error)

	// Close releases any resources held by the engine.
	Close() error
}

// EngineFactory builds an Engine from a validated Config.
type EngineFactory func(cfg Config) (Engine, error)

// Config holds configuration options for hand detection.
type Config struct {
	// ModelPath is the hand landmarker model asset, loaded once at construction.
	ModelPath string

	// MaxHands is the maximum number of hands to report (default: 2).
	MaxHands int

	// MinDetectionConfidence is the minimum palm detection score (0.0-1.0).
	MinDetectionConfidence float64

	// MinPresenceConfidence is the minimum hand presence score (0.0-1.0).
	MinPresenceConfidence float64

	// MinTrackingConfidence is the minimum tracking score (0.0-1.0).
	MinTrackingConfidence float64

	// QueueSize bounds the number of submissions waiting for the worker.
	QueueSize int

	// DrainTimeout is how long Shutdown waits for queued work before cancelling it.
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelPath:              "hand_landmarker.task",
		MaxHands:               2,
		MinDetectionConfidence: 0.5,
		MinPresenceConfidence:  0.5,
		MinTrackingConfidence:  0.5,
		QueueSize:              4,
		DrainTimeout:           500 * time.Millisecond,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.MaxHands < 1 {
		return fmt.Errorf("max hands must be at least 1, got %d", c.MaxHands)
	}
	thresholds := map[string]float64{
		"min detection confidence": c.MinDetectionConfidence,
		"min presence confidence":  c.MinPresenceConfidence,
		"min tracking confidence":  c.MinTrackingConfidence,
	}
	for name, v := range thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %g", name, v)
		}
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain timeout must not be negative, got %s", c.DrainTimeout)
	}
	return nil
}
