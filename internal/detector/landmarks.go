// Package detector owns the hand landmark engine and runs it asynchronously on a dedicated worker.
package detector

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Point3D represents a 3D point in space with x, y, z coordinates.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HandLandmarks represents the 21 hand landmarks detected by MediaPipe.
type HandLandmarks struct {
	Points     [NumLandmarks]Point3D `json:"points"`
	Handedness string                `json:"handedness"` // "Left", "Right" or "Unknown"
	Score      float64               `json:"score"`
}

// Handedness labels reported by the engine.
const (
	HandLeft    = "Left"
	HandRight   = "Right"
	HandUnknown = "Unknown"
)

// normalizeHandedness maps an empty or unrecognised label to HandUnknown with a zero score.
func normalizeHandedness(label string, score float64) (string, float64) {
	switch label {
	case HandLeft, HandRight:
		return label, score
	default:
		return HandUnknown, 0
	}
}
