package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ayusman/motionkit/internal/app"
	"github.com/ayusman/motionkit/internal/capture"
	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/frame"
)

var replayOpts struct {
	engine   string
	format   string
	rotation int
}

// replayLine is one line of replay and camera output.
type replayLine struct {
	File   string         `json:"file,omitempty"`
	Frame  int            `json:"frame"`
	Result any            `json:"result,omitempty"`
	Error  *channel.Error `json:"error,omitempty"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <image|dir>...",
	Short: "Run detect calls for still images and print the replies as JSON lines",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("engine") {
			cfg.Engine = replayOpts.engine
		}
		layout, err := frame.ParseLayout(replayOpts.format)
		if err != nil {
			return err
		}

		files, err := collectImages(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no images found in %s", strings.Join(args, ", "))
		}

		a, err := app.New(cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		bar := progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Replaying"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)

		source := capture.NewFiles(files)
		feeder := capture.NewFeeder(capture.FeederConfig{
			Source:   source,
			Caller:   a,
			Layout:   layout,
			Rotation: replayOpts.rotation,
		})

		out := json.NewEncoder(cmd.OutOrStdout())
		var writeErr error
		err = feeder.Run(cmd.Context(), func(o capture.Outcome) {
			bar.Add(1)
			if o.Err != nil {
				slog.Warn("replay: skipping image", "file", source.Current(), "error", o.Err)
				return
			}
			if writeErr == nil {
				writeErr = out.Encode(lineFor(o, source.Current()))
			}
		})
		bar.Finish()
		if err != nil {
			return err
		}
		return writeErr
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.engine, "engine", "", "Detection engine: mediapipe or mock")
	f.StringVar(&replayOpts.format, "format", "bgra", "Pixel format sent to the channel: bgra or nv21")
	f.IntVar(&replayOpts.rotation, "rotation", 0, "Rotation in degrees sent with every image")

	rootCmd.AddCommand(replayCmd)
}

func lineFor(o capture.Outcome, file string) replayLine {
	return replayLine{
		File:   file,
		Frame:  o.Frame,
		Result: o.Reply.Value,
		Error:  o.Reply.Err,
	}
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// collectImages expands directories into the images they contain, sorted by name.
func collectImages(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			found = append(found, filepath.Join(arg, e.Name()))
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
