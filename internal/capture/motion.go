package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

const (
	// motionBlurSize is the Gaussian kernel applied before differencing.
	motionBlurSize = 21
	// motionPixelThreshold is the per-pixel grey difference that counts as change.
	motionPixelThreshold = 25
)

// MotionGate lets a frame through only when enough of it changed since the
// previous frame, so a still scene does not keep the detector busy.
type MotionGate struct {
	threshold float64 // percent of pixels

	mu   sync.Mutex
	prev gocv.Mat
	seen bool
}

// NewMotionGate creates a gate that opens when more than threshold percent of
// pixels changed. The first frame always passes.
func NewMotionGate(threshold float64) *MotionGate {
	return &MotionGate{threshold: threshold, prev: gocv.NewMat()}
}

// Allow reports whether frame should be sent and the percentage of pixels that changed.
func (g *MotionGate) Allow(frame *gocv.Mat) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: motionBlurSize, Y: motionBlurSize}, 0, 0, gocv.BorderDefault)

	if !g.seen || blurred.Rows() != g.prev.Rows() || blurred.Cols() != g.prev.Cols() {
		blurred.CopyTo(&g.prev)
		g.seen = true
		return true, 100
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.prev, &diff)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(diff, &mask, motionPixelThreshold, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(mask)) / float64(mask.Rows()*mask.Cols()) * 100
	blurred.CopyTo(&g.prev)

	return changed > g.threshold, changed
}

// Reset forgets the previous frame.
func (g *MotionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = false
}

// Close releases the stored frame.
func (g *MotionGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prev.Close()
	g.prev = gocv.NewMat()
	g.seen = false
}
