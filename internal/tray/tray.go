// Package tray provides a system tray interface for the motionkit host.
package tray

import (
	"errors"
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/motionkit/internal/channel"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle func(enabled bool)
	onStatus func()
	onQuit   func()
	enabled  bool
	mu       sync.RWMutex

	// Quit before the tray loop is ready is deferred until onReady.
	ready    bool
	quitting bool
	quit     func()

	// Menu items stored for later updates
	menuToggle     *systray.MenuItem
	menuLastResult *systray.MenuItem
}

// New creates a new Tray instance with enabled state set to true by default.
func New() *Tray {
	return &Tray{
		enabled: true,
		quit:    systray.Quit,
	}
}

// OnToggle sets the callback function to be called when the enabled state is toggled.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnStatus sets the callback function to be called when the status menu item is clicked.
func (t *Tray) OnStatus(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray from outside the menu, e.g. on a signal.
// It may be called before Run; the tray then exits as soon as it is ready.
func (t *Tray) Quit() {
	t.mu.Lock()
	t.quitting = true
	ready := t.ready
	t.mu.Unlock()

	if ready {
		t.quit()
	}
}

// setReady marks the tray loop as running and performs a Quit that arrived early.
func (t *Tray) setReady() {
	t.mu.Lock()
	t.ready = true
	quitting := t.quitting
	t.mu.Unlock()

	if quitting {
		t.quit()
	}
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("MotionKit")
	systray.SetTooltip("MotionKit hand landmark detection")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.enabled), "Toggle hand detection")
	systray.AddSeparator()

	t.menuLastResult = systray.AddMenuItem(StatusLine(0, nil, false), "Last answered detect call")
	t.menuLastResult.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuStatus := systray.AddMenuItem("Open Status...", "Open the health endpoint in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit MotionKit")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuStatus.ClickedCh:
				t.handleStatus()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()

	t.setReady()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled

	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}

	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

// handleStatus handles the status menu item click.
func (t *Tray) handleStatus() {
	t.mu.RLock()
	callback := t.onStatus
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	t.quit()
}

// SetLastResult updates the last result display in the menu.
func (t *Tray) SetLastResult(hands int, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuLastResult != nil {
		t.menuLastResult.SetTitle(StatusLine(hands, err, true))
	}
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Enabled"
	}
	return "○ Disabled"
}

// StatusLine renders a detect outcome for the menu.
func StatusLine(hands int, err error, answered bool) string {
	if !answered {
		return "Last: none"
	}

	var replyErr *channel.Error
	switch {
	case errors.As(err, &replyErr):
		return "Last: " + replyErr.Code
	case err != nil:
		return "Last: error"
	case hands == 1:
		return "Last: 1 hand"
	default:
		return fmt.Sprintf("Last: %d hands", hands)
	}
}
