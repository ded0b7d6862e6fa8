// Package config loads motionkit settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ayusman/motionkit/internal/detector"
	"github.com/ayusman/motionkit/internal/frame"
)

// Engine names accepted in MOTIONKIT_ENGINE.
const (
	EngineMediaPipe = "mediapipe"
	EngineMock      = "mock"
)

// YUV modes accepted in MOTIONKIT_YUV_MODE.
const (
	YUVModeDirect     = "direct"
	YUVModeLegacyJPEG = "legacy-jpeg"
)

// Config holds motionkit settings loaded from the environment.
type Config struct {
	HTTPAddr  string
	StaticDir string
	Tray      bool
	LogLevel  string

	Engine     string
	ModelPath  string
	ScriptPath string
	PythonPath string

	MaxHands               int
	MinDetectionConfidence float64
	MinPresenceConfidence  float64
	MinTrackingConfidence  float64
	QueueSize              int
	DrainTimeout           time.Duration
	RequestTimeout         time.Duration

	DefaultFormat  string
	YUVMode        string
	StrictRotation bool
	JPEGQuality    int
}

// Load reads files (".env" when none are given) into the environment and builds
// a Config from MOTIONKIT_* variables. Variables already set in the environment win.
// A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
		slog.Debug("config: no .env file found, using system environment variables")
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment without reading any file.
func FromEnv() *Config {
	d := detector.DefaultConfig()

	return &Config{
		HTTPAddr:  getEnv("MOTIONKIT_HTTP_ADDR", ":8080"),
		StaticDir: getEnv("MOTIONKIT_WEB_DIR", ""),
		Tray:      getEnvBool("MOTIONKIT_TRAY", false),
		LogLevel:  getEnv("MOTIONKIT_LOG_LEVEL", "INFO"),

		Engine:     getEnv("MOTIONKIT_ENGINE", EngineMediaPipe),
		ModelPath:  getEnv("MOTIONKIT_MODEL_PATH", d.ModelPath),
		ScriptPath: getEnv("MOTIONKIT_SCRIPT_PATH", ""),
		PythonPath: getEnv("MOTIONKIT_PYTHON_PATH", ""),

		MaxHands:               getEnvInt("MOTIONKIT_MAX_HANDS", d.MaxHands),
		MinDetectionConfidence: getEnvFloat("MOTIONKIT_MIN_DETECTION_CONFIDENCE", d.MinDetectionConfidence),
		MinPresenceConfidence:  getEnvFloat("MOTIONKIT_MIN_PRESENCE_CONFIDENCE", d.MinPresenceConfidence),
		MinTrackingConfidence:  getEnvFloat("MOTIONKIT_MIN_TRACKING_CONFIDENCE", d.MinTrackingConfidence),
		QueueSize:              getEnvInt("MOTIONKIT_QUEUE_SIZE", d.QueueSize),
		DrainTimeout:           getEnvDuration("MOTIONKIT_DRAIN_TIMEOUT", d.DrainTimeout),
		RequestTimeout:         getEnvDuration("MOTIONKIT_REQUEST_TIMEOUT", 5*time.Second),

		DefaultFormat:  getEnv("MOTIONKIT_DEFAULT_FORMAT", "nv21"),
		YUVMode:        getEnv("MOTIONKIT_YUV_MODE", YUVModeDirect),
		StrictRotation: getEnvBool("MOTIONKIT_STRICT_ROTATION", false),
		JPEGQuality:    getEnvInt("MOTIONKIT_JPEG_QUALITY", frame.DefaultJPEGQuality),
	}
}

// Validate checks values that cannot be checked by the component that consumes them.
func (c *Config) Validate() error {
	if c.Engine != EngineMediaPipe && c.Engine != EngineMock {
		return fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, EngineMediaPipe, EngineMock)
	}
	if _, err := frame.ParseLayout(c.DefaultFormat); err != nil {
		return fmt.Errorf("default format: %w", err)
	}
	if _, err := c.yuvMode(); err != nil {
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %s", c.RequestTimeout)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be within [1,100], got %d", c.JPEGQuality)
	}
	return c.Detector().Validate()
}

// Detector returns the landmarker configuration.
func (c *Config) Detector() detector.Config {
	return detector.Config{
		ModelPath:              c.ModelPath,
		MaxHands:               c.MaxHands,
		MinDetectionConfidence: c.MinDetectionConfidence,
		MinPresenceConfidence:  c.MinPresenceConfidence,
		MinTrackingConfidence:  c.MinTrackingConfidence,
		QueueSize:              c.QueueSize,
		DrainTimeout:           c.DrainTimeout,
	}
}

// MediaPipe returns the options of the MediaPipe engine.
func (c *Config) MediaPipe() detector.MediaPipeOptions {
	return detector.MediaPipeOptions{
		ScriptPath: c.ScriptPath,
		PythonPath: c.PythonPath,
	}
}

// Decoder returns a frame decoder built from the conversion settings.
func (c *Config) Decoder(logger *slog.Logger) (*frame.Decoder, error) {
	mode, err := c.yuvMode()
	if err != nil {
		return nil, err
	}
	return &frame.Decoder{
		YUVMode:        mode,
		StrictRotation: c.StrictRotation,
		JPEGQuality:    c.JPEGQuality,
		Logger:         logger,
	}, nil
}

// Layout returns the pixel layout assumed for calls without a format argument.
func (c *Config) Layout() (frame.Layout, error) {
	return frame.ParseLayout(c.DefaultFormat)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) yuvMode() (frame.YUVMode, error) {
	switch strings.ToLower(c.YUVMode) {
	case YUVModeDirect, "":
		return frame.YUVModeDirect, nil
	case YUVModeLegacyJPEG:
		return frame.YUVModeLegacyJPEG, nil
	default:
		return 0, fmt.Errorf("unknown yuv mode %q (want %s or %s)", c.YUVMode, YUVModeDirect, YUVModeLegacyJPEG)
	}
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
		slog.Warn("config: ignoring malformed integer", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("config: ignoring malformed number", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("config: ignoring malformed boolean", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("config: ignoring malformed duration", "key", key, "value", v)
	}
	return defaultVal
}
