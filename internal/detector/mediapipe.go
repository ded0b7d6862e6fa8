package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ayusman/motionkit/internal/frame"
)

// DefaultIdleTimeout is how long the Python process may sit unused before it is stopped.
const DefaultIdleTimeout = 30 * time.Second

// jpegQuality is the quality of frames sent to the Python process.
const jpegQuality = 90

// MediaPipeOptions locates the Python side of the MediaPipe engine.
// Empty fields are discovered from well-known locations.
type MediaPipeOptions struct {
	ScriptPath  string
	PythonPath  string
	IdleTimeout time.Duration
}

// MediaPipeEngine implements Engine using a Python MediaPipe subprocess.
//
// Protocol: each frame is written to stdin as a 12 byte header, an 8 byte
// big-endian timestamp in milliseconds and a 4 byte big-endian length, followed
// by a JPEG of the upright image. The process answers with one JSON line per
// frame. Timestamps must increase for the lifetime of one process.
type MediaPipeEngine struct {
	config      Config
	scriptPath  string
	pythonPath  string
	idleTimeout time.Duration
	logger      *slog.Logger

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	closed    bool
	idleTimer *time.Timer
}

// MediaPipeFactory returns an EngineFactory building MediaPipeEngines with opts.
func MediaPipeFactory(opts MediaPipeOptions) EngineFactory {
	return func(cfg Config) (Engine, error) {
		return NewMediaPipeEngine(cfg, opts)
	}
}

// NewMediaPipeEngine checks that the model asset and service script exist.
// The Python process is started lazily on first detection.
func NewMediaPipeEngine(cfg Config, opts MediaPipeOptions) (*MediaPipeEngine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model asset %s: %w", cfg.ModelPath, err)
	}

	scriptPath := opts.ScriptPath
	if scriptPath == "" {
		scriptPath = findMediaPipeScript()
	}
	if scriptPath == "" {
		return nil, errors.New("mediapipe_service.py not found")
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("mediapipe script: %w", err)
	}

	pythonPath := opts.PythonPath
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	return &MediaPipeEngine{
		config:      cfg,
		scriptPath:  scriptPath,
		pythonPath:  pythonPath,
		idleTimeout: idle,
		logger:      slog.Default().With("component", "mediapipe"),
	}, nil
}

// Detect sends the upright frame and its timestamp to the Python service and
// parses its answer. Cancelling ctx kills the process; it is restarted on the next call.
func (d *MediaPipeEngine) Detect(ctx context.Context, img *frame.Image, timestampMs int64) ([]HandLandmarks, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("mediapipe engine is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := img.EncodeJPEG(jpegQuality)
	if err != nil {
		return nil, err
	}

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	proc := d.cmd.Process
	stop := context.AfterFunc(ctx, func() {
		proc.Kill()
	})

	line, err := d.roundTrip(timestampMs, data)
	stop()

	if ctxErr := ctx.Err(); ctxErr != nil {
		d.shutdown()
		return nil, ctxErr
	}
	if err != nil {
		// The process is in an unknown state; start a fresh one next time.
		d.shutdown()
		return nil, err
	}

	var response struct {
		Hands []jsonHand `json:"hands"`
		Error string     `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("mediapipe: %s", response.Error)
	}

	result := make([]HandLandmarks, len(response.Hands))
	for i, h := range response.Hands {
		result[i] = h.toHandLandmarks()
	}

	d.resetIdleTimer()

	return result, nil
}

func (d *MediaPipeEngine) roundTrip(timestampMs int64, data []byte) ([]byte, error) {
	// Write timestamp (8 bytes) + length (4 bytes), both big-endian, then data
	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[:8], uint64(timestampMs))
	binary.BigEndian.PutUint32(header[8:], uint32(len(data)))

	if _, err := d.stdin.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if _, err := d.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return line, nil
}

// Close shuts down the Python process. Later calls to Detect fail.
func (d *MediaPipeEngine) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.shutdown()
}

func (d *MediaPipeEngine) ensureStarted() error {
	if d.started {
		return nil
	}

	d.cmd = exec.Command(d.pythonPath, d.scriptPath,
		"--model", d.config.ModelPath,
		"--max-hands", strconv.Itoa(d.config.MaxHands),
		"--min-detection", strconv.FormatFloat(d.config.MinDetectionConfidence, 'f', -1, 64),
		"--min-presence", strconv.FormatFloat(d.config.MinPresenceConfidence, 'f', -1, 64),
		"--min-tracking", strconv.FormatFloat(d.config.MinTrackingConfidence, 'f', -1, 64),
	)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for debugging
	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start mediapipe service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true

	d.logger.Info("mediapipe: service started", "pid", d.cmd.Process.Pid, "script", d.scriptPath)
	return nil
}

func (d *MediaPipeEngine) shutdown() error {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if !d.started {
		return nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	d.logger.Info("mediapipe: service stopped")

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed on cancellation or exited on EOF; neither is a close failure.
		return nil
	}
	return err
}

func (d *MediaPipeEngine) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.idleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

func findMediaPipeScript() string {
	// Get executable directory
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/mediapipe_service.py",
		"../scripts/mediapipe_service.py",
		filepath.Join(execDir, "scripts/mediapipe_service.py"),
		filepath.Join(os.Getenv("HOME"), ".motionkit/scripts/mediapipe_service.py"),
	}

	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".motionkit/venv/bin/python"),
	}

	return firstExisting(candidates)
}

func firstExisting(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// jsonHand represents the JSON structure from the Python service.
type jsonHand struct {
	Points     []Point3D `json:"points"`
	Handedness string    `json:"handedness"`
	Score      float64   `json:"score"`
}

func (h jsonHand) toHandLandmarks() HandLandmarks {
	lm := HandLandmarks{
		Handedness: h.Handedness,
		Score:      h.Score,
	}
	copy(lm.Points[:], h.Points)
	return lm
}
