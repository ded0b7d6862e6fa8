// Package frame converts raw camera buffers into the canonical image consumed by the hand detector.
package frame

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxFrameBytes bounds the pixel buffer of a single frame. OpenCV indexes
// rows and columns with a C int, so larger geometries cannot be represented.
const MaxFrameBytes = math.MaxInt32

// Errors returned by Decode.
var (
	ErrUnsupportedFormat   = errors.New("unsupported pixel layout")
	ErrSizeMismatch        = errors.New("pixel buffer size does not match geometry")
	ErrUnsupportedRotation = errors.New("unsupported rotation")
	ErrInvalidGeometry     = errors.New("width and height must be positive")
)

// Layout identifies how pixel bytes are arranged in a RawFrame.
type Layout int

const (
	// LayoutUnknown is the zero value and is always rejected.
	LayoutUnknown Layout = iota
	// LayoutNV21 is a semiplanar YUV 4:2:0 buffer: a full Y plane followed by interleaved V/U samples.
	LayoutNV21
	// LayoutBGRA is a packed 4 channel buffer, one byte per channel.
	LayoutBGRA
)

// String returns the wire name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutNV21:
		return "nv21"
	case LayoutBGRA:
		return "bgra"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a wire name to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nv21", "yuv", "yuv420":
		return LayoutNV21, nil
	case "bgra", "bgra8888":
		return LayoutBGRA, nil
	default:
		return LayoutUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// RawFrame is a camera buffer as delivered by the host, before any conversion.
type RawFrame struct {
	Data     []byte
	Width    int
	Height   int
	Rotation int // degrees, clockwise rotation needed to make the image upright
	Layout   Layout
}

// ExpectedSize returns the byte length a buffer of the given layout and geometry must have.
// It returns -1 for unknown layouts. The geometry must already be within MaxFrameBytes.
func ExpectedSize(layout Layout, width, height int) int {
	switch layout {
	case LayoutBGRA:
		return width * height * 4
	case LayoutNV21:
		chromaW := (width + 1) / 2
		chromaH := (height + 1) / 2
		return width*height + 2*chromaW*chromaH
	default:
		return -1
	}
}

// Validate checks layout and geometry without touching pixel data.
func (f RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, f.Width, f.Height)
	}

	// Four bytes per pixel is the widest layout; anything past that cannot match a real buffer.
	if f.Width > MaxFrameBytes/4/f.Height {
		return fmt.Errorf("%w: %dx%d exceeds %d bytes", ErrSizeMismatch, f.Width, f.Height, MaxFrameBytes)
	}

	want := ExpectedSize(f.Layout, f.Width, f.Height)
	if want < 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Layout)
	}

	if f.Layout == LayoutNV21 && (f.Width%2 != 0 || f.Height%2 != 0) {
		return fmt.Errorf("%w: nv21 needs even dimensions, got %dx%d", ErrSizeMismatch, f.Width, f.Height)
	}

	if len(f.Data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %s %dx%d",
			ErrSizeMismatch, len(f.Data), want, f.Layout, f.Width, f.Height)
	}

	return nil
}

// Orientation tells the detector how stored pixels must be rotated to be upright.
type Orientation int

const (
	// OrientationUp means the pixels are already upright.
	OrientationUp Orientation = iota
	// OrientationRight means the pixels need a 90 degree clockwise rotation.
	OrientationRight
	// OrientationDown means the pixels need a 180 degree rotation.
	OrientationDown
	// OrientationLeft means the pixels need a 90 degree counter-clockwise rotation.
	OrientationLeft
)

func (o Orientation) String() string {
	switch o {
	case OrientationUp:
		return "up"
	case OrientationRight:
		return "right"
	case OrientationDown:
		return "down"
	case OrientationLeft:
		return "left"
	default:
		return fmt.Sprintf("orientation(%d)", int(o))
	}
}

// Degrees returns the clockwise rotation encoded by the orientation.
func (o Orientation) Degrees() int {
	switch o {
	case OrientationRight:
		return 90
	case OrientationDown:
		return 180
	case OrientationLeft:
		return 270
	default:
		return 0
	}
}

// OrientationFromDegrees maps a rotation in degrees to an Orientation.
// Values are normalised modulo 360, so -90 is treated as 270.
// The boolean is false when the rotation is not a multiple of 90.
func OrientationFromDegrees(degrees int) (Orientation, bool) {
	d := ((degrees % 360) + 360) % 360
	switch d {
	case 0:
		return OrientationUp, true
	case 90:
		return OrientationRight, true
	case 180:
		return OrientationDown, true
	case 270:
		return OrientationLeft, true
	default:
		return OrientationUp, false
	}
}
