package capture

import (
	"errors"
	"testing"
)

func TestNewCamera(t *testing.T) {
	cam := NewCamera(0)

	if got := cam.FPS(); got != DefaultFPS {
		t.Errorf("FPS() = %d, want %d", got, DefaultFPS)
	}
	if cam.width != DefaultWidth || cam.height != DefaultHeight {
		t.Errorf("resolution = %dx%d, want %dx%d", cam.width, cam.height, DefaultWidth, DefaultHeight)
	}
	if cam.IsOpen() {
		t.Error("camera should not be open initially")
	}
}

func TestCamera_SetFPS(t *testing.T) {
	cam := NewCamera(0)

	tests := []struct {
		name    string
		fps     int
		wantFPS int
	}{
		{"set to 10", 10, 10},
		{"set to 30", 30, 30},
		{"zero keeps previous", 0, 30},
		{"negative keeps previous", -5, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam.SetFPS(tt.fps)
			if got := cam.FPS(); got != tt.wantFPS {
				t.Errorf("FPS() = %d, want %d", got, tt.wantFPS)
			}
		})
	}
}

func TestCamera_SetResolution(t *testing.T) {
	cam := NewCamera(0)

	cam.SetResolution(1280, 720)
	cam.SetResolution(0, 100)

	if cam.width != 1280 || cam.height != 720 {
		t.Errorf("resolution = %dx%d, want 1280x720", cam.width, cam.height)
	}
}

func TestCamera_ReadFrameNotOpen(t *testing.T) {
	cam := NewCamera(0)

	if _, err := cam.ReadFrame(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("ReadFrame() error = %v, want ErrNotOpen", err)
	}
	if err := cam.Close(); err != nil {
		t.Errorf("Close() on closed camera error = %v", err)
	}
}
