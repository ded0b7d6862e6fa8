package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/motionkit/internal/app"
	"github.com/ayusman/motionkit/internal/capture"
	"github.com/ayusman/motionkit/internal/frame"
)

var cameraOpts struct {
	engine   string
	device   int
	fps      int
	format   string
	rotation int
	motion   float64
}

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Stream frames from a camera through the detect channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("engine") {
			cfg.Engine = cameraOpts.engine
		}
		layout, err := frame.ParseLayout(cameraOpts.format)
		if err != nil {
			return err
		}

		a, err := app.New(cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		cam := capture.NewCamera(cameraOpts.device)
		cam.SetFPS(cameraOpts.fps)

		feederCfg := capture.FeederConfig{
			Source:   cam,
			Caller:   a,
			Layout:   layout,
			Rotation: cameraOpts.rotation,
			Interval: time.Second / time.Duration(cam.FPS()),
		}
		if cameraOpts.motion > 0 {
			gate := capture.NewMotionGate(cameraOpts.motion)
			defer gate.Close()
			feederCfg.Gate = gate
		}

		feeder := capture.NewFeeder(feederCfg)
		out := json.NewEncoder(cmd.OutOrStdout())

		slog.Info("streaming camera", "device", cameraOpts.device, "fps", cam.FPS(), "format", layout)
		err = feeder.Run(cmd.Context(), func(o capture.Outcome) {
			if o.Err != nil {
				return
			}
			if err := out.Encode(lineFor(o, "")); err != nil {
				slog.Warn("camera: write failed", "error", err)
			}
		})

		stats := feeder.Stats()
		slog.Info("camera stopped", "frames", stats.Frames, "sent", stats.Sent, "skipped", stats.Skipped, "failed", stats.Failed)

		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	f := cameraCmd.Flags()
	f.StringVar(&cameraOpts.engine, "engine", "", "Detection engine: mediapipe or mock")
	f.IntVar(&cameraOpts.device, "device", 0, "Camera device index")
	f.IntVar(&cameraOpts.fps, "fps", capture.DefaultFPS, "Frames per second")
	f.StringVar(&cameraOpts.format, "format", "nv21", "Pixel format sent to the channel: bgra or nv21")
	f.IntVar(&cameraOpts.rotation, "rotation", 0, "Rotation in degrees sent with every frame")
	f.Float64Var(&cameraOpts.motion, "motion-threshold", 0, "Skip frames where less than this percent of pixels changed (0 disables)")

	rootCmd.AddCommand(cameraCmd)
}
