package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ayusman/motionkit/internal/frame"
)

var errInvalidArguments = errors.New("invalid arguments")

// parseDetectArgs validates the arguments of a detect call and builds the raw frame.
// A format that is a string but names no known layout is not an argument error;
// the decoder rejects it as an unsupported format.
func parseDetectArgs(args map[string]any, defaultLayout frame.Layout) (frame.RawFrame, error) {
	if args == nil {
		return frame.RawFrame{}, fmt.Errorf("%w: missing arguments", errInvalidArguments)
	}

	data, err := bytesArg(args, "bytes")
	if err != nil {
		return frame.RawFrame{}, err
	}
	width, err := intArg(args, "width")
	if err != nil {
		return frame.RawFrame{}, err
	}
	height, err := intArg(args, "height")
	if err != nil {
		return frame.RawFrame{}, err
	}
	rotation, err := intArg(args, "rotation")
	if err != nil {
		return frame.RawFrame{}, err
	}

	if width <= 0 || height <= 0 {
		return frame.RawFrame{}, fmt.Errorf("%w: width and height must be positive, got %dx%d",
			errInvalidArguments, width, height)
	}

	layout := defaultLayout
	if v, ok := args["format"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return frame.RawFrame{}, fmt.Errorf("%w: format must be a string, got %T", errInvalidArguments, v)
		}
		// Unknown names leave LayoutUnknown for the decoder to reject.
		layout, _ = frame.ParseLayout(s)
	}

	return frame.RawFrame{
		Data:     data,
		Width:    width,
		Height:   height,
		Rotation: rotation,
		Layout:   layout,
	}, nil
}

func bytesArg(args map[string]any, key string) ([]byte, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: missing %s", errInvalidArguments, key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a byte sequence, got %T", errInvalidArguments, key, v)
	}
	return b, nil
}

// intArg accepts Go integers and integral numbers decoded from JSON.
// Values outside the int32 range are rejected on every path.
func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing %s", errInvalidArguments, key)
	}

	var i int64
	switch n := v.(type) {
	case int:
		i = int64(n)
	case int32:
		i = int64(n)
	case int64:
		i = n
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", errInvalidArguments, key, n)
		}
		i = int64(n)
	case json.Number:
		var err error
		if i, err = n.Int64(); err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %s", errInvalidArguments, key, n)
		}
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", errInvalidArguments, key, v)
	}

	if i > math.MaxInt32 || i < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s out of range, got %d", errInvalidArguments, key, i)
	}
	return int(i), nil
}
