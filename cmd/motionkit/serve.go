package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/motionkit/internal/app"
	"github.com/ayusman/motionkit/internal/config"
	"github.com/ayusman/motionkit/internal/tray"
)

var serveOpts struct {
	addr           string
	engine         string
	model          string
	webDir         string
	timeout        time.Duration
	format         string
	yuvMode        string
	strictRotation bool
	tray           bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the detect method channel over HTTP and WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyServeFlags(cmd, cfg)

		if cfg.StaticDir == "" {
			cfg.StaticDir = findWebDir()
		}
		if cfg.StaticDir != "" {
			slog.Info("serving static files", "dir", cfg.StaticDir)
		}

		a, err := app.New(cfg, nil)
		if err != nil {
			return err
		}

		if !cfg.Tray {
			slog.Info("starting server", "addr", cfg.HTTPAddr)
			return a.Serve(cmd.Context(), cfg.HTTPAddr)
		}
		return serveWithTray(cmd.Context(), a, cfg.HTTPAddr)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.addr, "addr", "", "HTTP listen address (overrides MOTIONKIT_HTTP_ADDR)")
	f.StringVar(&serveOpts.engine, "engine", "", "Detection engine: mediapipe or mock")
	f.StringVar(&serveOpts.model, "model", "", "Path to the hand landmarker model")
	f.StringVar(&serveOpts.webDir, "web", "", "Directory of static files to serve")
	f.DurationVar(&serveOpts.timeout, "timeout", 0, "Per-request timeout, 0 keeps the configured value")
	f.StringVar(&serveOpts.format, "format", "", "Pixel format assumed when a call omits it: nv21 or bgra")
	f.StringVar(&serveOpts.yuvMode, "yuv-mode", "", "YUV conversion: direct or legacy-jpeg")
	f.BoolVar(&serveOpts.strictRotation, "strict-rotation", false, "Reject rotations other than 0, 90, 180 and 270")
	f.BoolVar(&serveOpts.tray, "tray", false, "Show a system tray menu")

	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		c.HTTPAddr = serveOpts.addr
	}
	if f.Changed("engine") {
		c.Engine = serveOpts.engine
	}
	if f.Changed("model") {
		c.ModelPath = serveOpts.model
	}
	if f.Changed("web") {
		c.StaticDir = serveOpts.webDir
	}
	if f.Changed("timeout") {
		c.RequestTimeout = serveOpts.timeout
	}
	if f.Changed("format") {
		c.DefaultFormat = serveOpts.format
	}
	if f.Changed("yuv-mode") {
		c.YUVMode = serveOpts.yuvMode
	}
	if f.Changed("strict-rotation") {
		c.StrictRotation = serveOpts.strictRotation
	}
	if f.Changed("tray") {
		c.Tray = serveOpts.tray
	}
}

// serveWithTray runs the server in the background and the tray on the calling
// goroutine, which must be the main one on macOS.
func serveWithTray(ctx context.Context, a *app.App, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := tray.New()
	t.OnToggle(a.SetEnabled)
	t.OnStatus(func() {
		url := localURL(addr, "/api/health")
		if err := openBrowser(url); err != nil {
			slog.Warn("could not open browser", "url", url, "error", err)
		}
	})
	t.OnQuit(cancel)
	a.OnResult(t.SetLastResult)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		errCh <- a.Serve(ctx, addr)
		// Safe before t.Run has started; the tray exits once it is ready.
		t.Quit()
	}()

	t.Run()
	cancel()
	return <-errCh
}

func openBrowser(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, out)
	}
	return nil
}
