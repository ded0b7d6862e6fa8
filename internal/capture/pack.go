package capture

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/frame"
)

// Pack encodes a BGR frame in layout and wraps it in a detect call, the way a
// camera plugin hands its frames to the channel.
func Pack(img gocv.Mat, layout frame.Layout, rotation int) (channel.MethodCall, error) {
	if img.Empty() {
		return channel.MethodCall{}, errors.New("empty frame")
	}

	var (
		data          []byte
		width, height int
		err           error
	)
	switch layout {
	case frame.LayoutBGRA:
		data, width, height, err = bgraBytes(img)
	case frame.LayoutNV21:
		data, width, height, err = nv21Bytes(img)
	default:
		return channel.MethodCall{}, fmt.Errorf("cannot pack frames as %s", layout)
	}
	if err != nil {
		return channel.MethodCall{}, err
	}

	return channel.MethodCall{
		Method: channel.MethodDetect,
		Arguments: map[string]any{
			"bytes":    data,
			"width":    width,
			"height":   height,
			"rotation": rotation,
			"format":   layout.String(),
		},
	}, nil
}

func bgraBytes(img gocv.Mat) ([]byte, int, int, error) {
	bgra := gocv.NewMat()
	defer bgra.Close()

	gocv.CvtColor(img, &bgra, gocv.ColorBGRToBGRA)
	if bgra.Empty() {
		return nil, 0, 0, errors.New("convert to bgra failed")
	}
	return bgra.ToBytes(), bgra.Cols(), bgra.Rows(), nil
}

func nv21Bytes(img gocv.Mat) ([]byte, int, int, error) {
	// 4:2:0 subsampling needs even dimensions.
	width, height := img.Cols()&^1, img.Rows()&^1
	if width == 0 || height == 0 {
		return nil, 0, 0, fmt.Errorf("frame too small for nv21: %dx%d", img.Cols(), img.Rows())
	}

	cropped := img.Region(image.Rect(0, 0, width, height))
	defer cropped.Close()

	i420 := gocv.NewMat()
	defer i420.Close()

	gocv.CvtColor(cropped, &i420, gocv.ColorBGRToYUVI420)
	if i420.Empty() {
		return nil, 0, 0, errors.New("convert to yuv failed")
	}
	return I420ToNV21(i420.ToBytes(), width, height), width, height, nil
}

// I420ToNV21 repacks planar Y, U, V into Y followed by interleaved V and U.
func I420ToNV21(src []byte, width, height int) []byte {
	ySize := width * height
	cSize := ySize / 4

	dst := make([]byte, ySize+2*cSize)
	copy(dst, src[:ySize])

	u := src[ySize : ySize+cSize]
	v := src[ySize+cSize : ySize+2*cSize]
	for i := 0; i < cSize; i++ {
		dst[ySize+2*i] = v[i]
		dst[ySize+2*i+1] = u[i]
	}
	return dst
}
