package frame

import (
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"
)

// DefaultJPEGQuality is the re-encode quality used by YUVModeLegacyJPEG.
const DefaultJPEGQuality = 90

// YUVMode selects how NV21 buffers are converted.
type YUVMode int

const (
	// YUVModeDirect converts the semiplanar buffer straight to BGR.
	YUVModeDirect YUVMode = iota
	// YUVModeLegacyJPEG round-trips the converted image through a lossy JPEG
	// before rotation. It reproduces the output of older clients and should
	// only be enabled when results must match them.
	YUVModeLegacyJPEG
)

// Decoder turns RawFrames into Images. The zero value uses YUVModeDirect and
// falls back to identity for rotations that are not multiples of 90.
// A Decoder holds no mutable state and may be shared between goroutines.
type Decoder struct {
	YUVMode        YUVMode
	StrictRotation bool
	JPEGQuality    int
	Logger         *slog.Logger
}

// Decode converts f into a canonical Image. On error no Image is allocated.
func (d *Decoder) Decode(f RawFrame) (*Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	orientation, ok := OrientationFromDegrees(f.Rotation)
	if !ok {
		if d.StrictRotation {
			return nil, fmt.Errorf("%w: %d degrees", ErrUnsupportedRotation, f.Rotation)
		}
		d.logger().Warn("frame: rotation is not a right angle, using identity",
			"rotation", f.Rotation)
	}

	switch f.Layout {
	case LayoutNV21:
		return d.decodeNV21(f, orientation)
	case LayoutBGRA:
		return d.decodeBGRA(f, orientation)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Layout)
	}
}

// decodeNV21 converts to BGR and rewrites the pixels upright.
func (d *Decoder) decodeNV21(f RawFrame, orientation Orientation) (*Image, error) {
	yuv, err := gocv.NewMatFromBytes(f.Height*3/2, f.Width, gocv.MatTypeCV8UC1, f.Data)
	if err != nil {
		return nil, fmt.Errorf("wrap nv21 buffer: %w", err)
	}
	defer yuv.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(yuv, &bgr, gocv.ColorYUVToBGRNV21)
	if bgr.Empty() {
		bgr.Close()
		return nil, fmt.Errorf("convert nv21 %dx%d: empty result", f.Width, f.Height)
	}

	if d.YUVMode == YUVModeLegacyJPEG {
		decoded, err := d.jpegRoundTrip(bgr)
		bgr.Close()
		if err != nil {
			return nil, err
		}
		bgr = decoded
	}

	code, rotate := rotateFlag(orientation)
	if !rotate {
		return NewImage(bgr, OrientationUp), nil
	}

	rotated := gocv.NewMat()
	gocv.Rotate(bgr, &rotated, code)
	bgr.Close()
	if rotated.Empty() {
		rotated.Close()
		return nil, fmt.Errorf("rotate nv21 frame by %d: empty result", orientation.Degrees())
	}

	return NewImage(rotated, OrientationUp), nil
}

func (d *Decoder) jpegRoundTrip(bgr gocv.Mat) (gocv.Mat, error) {
	quality := d.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	decoded, err := gocv.IMDecode(buf.GetBytes(), gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("decode jpeg: %w", err)
	}
	if decoded.Empty() {
		decoded.Close()
		return gocv.NewMat(), fmt.Errorf("decode jpeg: empty result")
	}
	return decoded, nil
}

// decodeBGRA copies the pixels and records the rotation as an orientation tag.
func (d *Decoder) decodeBGRA(f RawFrame, orientation Orientation) (*Image, error) {
	wrapped, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC4, f.Data)
	if err != nil {
		return nil, fmt.Errorf("wrap bgra buffer: %w", err)
	}
	defer wrapped.Close()

	// Clone so the Image does not alias the caller's slice.
	return NewImage(wrapped.Clone(), orientation), nil
}

func (d *Decoder) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
