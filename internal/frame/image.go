package frame

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrEmptyImage is returned when an operation needs pixels but the image holds none.
var ErrEmptyImage = errors.New("image is empty")

// Image is the canonical, layout-independent image handed to the detector.
// Pixels are stored as a BGR or BGRA Mat together with an orientation tag;
// Width and Height report the upright dimensions.
//
// An Image is owned by exactly one consumer, which must call Close.
type Image struct {
	mat         gocv.Mat
	orientation Orientation
}

// NewImage wraps mat, taking ownership of it.
func NewImage(mat gocv.Mat, orientation Orientation) *Image {
	return &Image{mat: mat, orientation: orientation}
}

// Mat returns the stored pixels without applying the orientation.
func (img *Image) Mat() gocv.Mat {
	return img.mat
}

// Orientation returns the orientation tag.
func (img *Image) Orientation() Orientation {
	return img.orientation
}

// Width returns the upright width in pixels.
func (img *Image) Width() int {
	if img.swapsAxes() {
		return img.mat.Rows()
	}
	return img.mat.Cols()
}

// Height returns the upright height in pixels.
func (img *Image) Height() int {
	if img.swapsAxes() {
		return img.mat.Cols()
	}
	return img.mat.Rows()
}

func (img *Image) swapsAxes() bool {
	return img.orientation == OrientationRight || img.orientation == OrientationLeft
}

// Upright returns a new 3 channel BGR Mat with the orientation applied.
// The caller is responsible for closing the returned Mat.
func (img *Image) Upright() (gocv.Mat, error) {
	if img == nil || img.mat.Empty() {
		return gocv.NewMat(), ErrEmptyImage
	}

	bgr := gocv.NewMat()
	if img.mat.Channels() == 4 {
		gocv.CvtColor(img.mat, &bgr, gocv.ColorBGRAToBGR)
	} else {
		img.mat.CopyTo(&bgr)
	}

	code, ok := rotateFlag(img.orientation)
	if !ok {
		return bgr, nil
	}

	rotated := gocv.NewMat()
	gocv.Rotate(bgr, &rotated, code)
	bgr.Close()

	if rotated.Empty() {
		rotated.Close()
		return gocv.NewMat(), fmt.Errorf("rotate %s: empty result", img.orientation)
	}
	return rotated, nil
}

// EncodeJPEG encodes the upright image as JPEG at the given quality (1-100).
func (img *Image) EncodeJPEG(quality int) ([]byte, error) {
	upright, err := img.Upright()
	if err != nil {
		return nil, err
	}
	defer upright.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, upright, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory released by buf.Close.
	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Close releases the pixel memory. It is safe to call more than once.
func (img *Image) Close() error {
	if img == nil {
		return nil
	}
	return img.mat.Close()
}

// rotateFlag maps an orientation to the gocv rotation that makes it upright.
func rotateFlag(o Orientation) (gocv.RotateFlag, bool) {
	switch o {
	case OrientationRight:
		return gocv.Rotate90Clockwise, true
	case OrientationDown:
		return gocv.Rotate180Clockwise, true
	case OrientationLeft:
		return gocv.Rotate90CounterClockwise, true
	default:
		return 0, false
	}
}
