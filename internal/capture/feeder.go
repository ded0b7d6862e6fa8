package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/frame"
)

// Caller sends a method call and waits for its reply.
type Caller interface {
	Call(ctx context.Context, call channel.MethodCall) (channel.Reply, error)
}

// FeederConfig configures a Feeder.
type FeederConfig struct {
	Source   Source
	Caller   Caller
	Layout   frame.Layout
	Rotation int
	// Interval is the minimum time between frames; zero sends as fast as replies arrive.
	Interval time.Duration
	// Gate drops frames without motion when set.
	Gate *MotionGate
}

// Outcome is the result of one frame. Err is set when the frame could not be
// read or packed; otherwise Reply holds the channel's answer.
type Outcome struct {
	Frame int
	Reply channel.Reply
	Err   error
}

// FeederStats counts frames seen by a Feeder.
type FeederStats struct {
	Frames  int `json:"frames"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Feeder reads frames from a source and sends one detect call per frame, waiting
// for each reply before reading the next frame.
type Feeder struct {
	config FeederConfig
	logger *slog.Logger
	stats  FeederStats
}

func NewFeeder(cfg FeederConfig) *Feeder {
	if cfg.Layout == frame.LayoutUnknown {
		cfg.Layout = frame.LayoutNV21
	}
	return &Feeder{
		config: cfg,
		logger: slog.Default().With("component", "capture"),
	}
}

// Run feeds frames until the source ends, ctx is done or the caller fails.
// fn receives every outcome. An exhausted source ends Run without error.
func (f *Feeder) Run(ctx context.Context, fn func(Outcome)) error {
	if err := f.config.Source.Open(); err != nil {
		return err
	}
	defer f.config.Source.Close()

	f.stats = FeederStats{}

	var tick <-chan time.Time
	if f.config.Interval > 0 {
		ticker := time.NewTicker(f.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := f.config.Source.ReadFrame()
		switch {
		case errors.Is(err, ErrEndOfStream):
			return nil
		case errors.Is(err, ErrNotOpen):
			return err
		case err != nil:
			f.stats.Frames++
			f.stats.Failed++
			f.logger.Warn("capture: frame unavailable", "error", err)
			fn(Outcome{Frame: f.stats.Frames, Err: err})
		default:
			f.stats.Frames++
			if err := f.send(ctx, img, fn); err != nil {
				return err
			}
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
	}
}

// send packs and sends one frame. Only caller failures are returned.
func (f *Feeder) send(ctx context.Context, img *gocv.Mat, fn func(Outcome)) error {
	defer img.Close()

	if f.config.Gate != nil {
		if ok, changed := f.config.Gate.Allow(img); !ok {
			f.stats.Skipped++
			f.logger.Debug("capture: no motion, frame skipped", "changed", changed)
			return nil
		}
	}

	call, err := Pack(*img, f.config.Layout, f.config.Rotation)
	if err != nil {
		f.stats.Failed++
		fn(Outcome{Frame: f.stats.Frames, Err: err})
		return nil
	}

	reply, err := f.config.Caller.Call(ctx, call)
	if err != nil {
		return err
	}
	f.stats.Sent++
	fn(Outcome{Frame: f.stats.Frames, Reply: reply})
	return nil
}

// Stats returns the counters of the last Run. It must not be called concurrently with Run.
func (f *Feeder) Stats() FeederStats {
	return f.stats
}
