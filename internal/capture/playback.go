package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Playback replays in-memory frames, optionally looping.
type Playback struct {
	frames []*gocv.Mat
	loop   bool

	mu    sync.Mutex
	index int
	open  bool
}

func NewPlayback(frames []*gocv.Mat, loop bool) *Playback {
	return &Playback{frames: frames, loop: loop}
}

func (p *Playback) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	p.index = 0
	return nil
}

func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	return nil
}

// ReadFrame returns a clone of the next frame.
func (p *Playback) ReadFrame() (*gocv.Mat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil, ErrNotOpen
	}
	if p.index >= len(p.frames) {
		if !p.loop || len(p.frames) == 0 {
			return nil, ErrEndOfStream
		}
		p.index = 0
	}

	frame := p.frames[p.index].Clone()
	p.index++
	return &frame, nil
}

// Files reads image files in order, one frame per file.
type Files struct {
	paths []string

	mu    sync.Mutex
	index int
	open  bool
}

func NewFiles(paths []string) *Files {
	return &Files{paths: paths}
}

func (f *Files) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.index = 0
	return nil
}

func (f *Files) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

// Current returns the path of the frame most recently read.
func (f *Files) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == 0 {
		return ""
	}
	return f.paths[f.index-1]
}

// ReadFrame decodes the next file. A file that cannot be decoded is reported as
// an error but still consumed, so the next call moves on.
func (f *Files) ReadFrame() (*gocv.Mat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return nil, ErrNotOpen
	}
	if f.index >= len(f.paths) {
		return nil, ErrEndOfStream
	}

	path := f.paths[f.index]
	f.index++

	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("read %s: not a decodable image", path)
	}
	return &mat, nil
}
