package capture

import (
	"testing"
)

func TestMotionGate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	black := solidFrame(t, 120, 160, 0)
	white := solidFrame(t, 120, 160, 255)

	t.Run("FirstFramePasses", func(t *testing.T) {
		g := NewMotionGate(1.0)
		defer g.Close()

		if ok, _ := g.Allow(black); !ok {
			t.Error("first frame should pass")
		}
	})

	t.Run("StillSceneBlocked", func(t *testing.T) {
		g := NewMotionGate(1.0)
		defer g.Close()

		g.Allow(black)
		if ok, changed := g.Allow(black); ok {
			t.Errorf("identical frame passed, changed = %f", changed)
		}
	})

	t.Run("MotionPasses", func(t *testing.T) {
		g := NewMotionGate(1.0)
		defer g.Close()

		g.Allow(black)
		ok, changed := g.Allow(white)
		if !ok {
			t.Errorf("black to white should pass, changed = %f", changed)
		}
		if changed < 50 {
			t.Errorf("changed = %f, expected > 50 for black to white", changed)
		}
	})

	t.Run("SizeChangeResets", func(t *testing.T) {
		g := NewMotionGate(1.0)
		defer g.Close()

		g.Allow(black)
		if ok, _ := g.Allow(solidFrame(t, 60, 80, 0)); !ok {
			t.Error("frame of a new size should pass")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		g := NewMotionGate(1.0)
		defer g.Close()

		g.Allow(black)
		g.Reset()
		if ok, _ := g.Allow(black); !ok {
			t.Error("first frame after Reset should pass")
		}
	})

	t.Run("NilFrame", func(t *testing.T) {
		g := NewMotionGate(1.0)
		defer g.Close()

		if ok, _ := g.Allow(nil); ok {
			t.Error("nil frame should not pass")
		}
	})
}

func TestMotionGate_CloseTwice(t *testing.T) {
	g := NewMotionGate(1.0)
	g.Close()
	g.Close()
}
