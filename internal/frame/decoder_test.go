package frame

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

// bgraFrame builds a frame where every pixel is distinguishable: B=index, G=row, R=col.
func bgraFrame(width, height, rotation int) RawFrame {
	data := make([]byte, width*height*4)
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			i := (r*width + c) * 4
			data[i] = byte(r*width + c)
			data[i+1] = byte(r)
			data[i+2] = byte(c)
			data[i+3] = 255
		}
	}
	return RawFrame{Data: data, Width: width, Height: height, Rotation: rotation, Layout: LayoutBGRA}
}

// nv21Frame builds a frame with a luma gradient and neutral chroma.
func nv21Frame(width, height, rotation int) RawFrame {
	data := make([]byte, ExpectedSize(LayoutNV21, width, height))
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			data[r*width+c] = byte(16 + (r*width+c)%200)
		}
	}
	for i := width * height; i < len(data); i++ {
		data[i] = 128
	}
	return RawFrame{Data: data, Width: width, Height: height, Rotation: rotation, Layout: LayoutNV21}
}

func pixel(t *testing.T, m gocv.Mat, row, col int) [3]uint8 {
	t.Helper()
	v := m.GetVecbAt(row, col)
	if len(v) < 3 {
		t.Fatalf("expected 3 channels at (%d,%d), got %d", row, col, len(v))
	}
	return [3]uint8{v[0], v[1], v[2]}
}

func TestExpectedSize(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		w, h   int
		want   int
	}{
		{"bgra 100x100", LayoutBGRA, 100, 100, 40000},
		{"bgra 3x1", LayoutBGRA, 3, 1, 12},
		{"nv21 640x480", LayoutNV21, 640, 480, 460800},
		{"nv21 odd rounds chroma up", LayoutNV21, 3, 3, 9 + 2*2*2},
		{"unknown", LayoutUnknown, 10, 10, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpectedSize(tt.layout, tt.w, tt.h); got != tt.want {
				t.Errorf("ExpectedSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseLayout(t *testing.T) {
	tests := []struct {
		in      string
		want    Layout
		wantErr bool
	}{
		{"nv21", LayoutNV21, false},
		{"YUV", LayoutNV21, false},
		{" bgra ", LayoutBGRA, false},
		{"rgb565", LayoutUnknown, true},
		{"", LayoutUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLayout(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLayout(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("expected ErrUnsupportedFormat, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseLayout(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOrientationFromDegrees(t *testing.T) {
	tests := []struct {
		degrees int
		want    Orientation
		ok      bool
	}{
		{0, OrientationUp, true},
		{90, OrientationRight, true},
		{180, OrientationDown, true},
		{270, OrientationLeft, true},
		{-90, OrientationLeft, true},
		{450, OrientationRight, true},
		{45, OrientationUp, false},
	}

	for _, tt := range tests {
		got, ok := OrientationFromDegrees(tt.degrees)
		if got != tt.want || ok != tt.ok {
			t.Errorf("OrientationFromDegrees(%d) = (%v, %v), want (%v, %v)", tt.degrees, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRawFrame_Validate(t *testing.T) {
	tests := []struct {
		name    string
		frame   RawFrame
		wantErr error
	}{
		{"valid bgra", bgraFrame(4, 2, 0), nil},
		{"valid nv21", nv21Frame(4, 2, 0), nil},
		{"zero width", RawFrame{Width: 0, Height: 2, Layout: LayoutBGRA}, ErrInvalidGeometry},
		{"negative height", RawFrame{Width: 2, Height: -1, Layout: LayoutBGRA}, ErrInvalidGeometry},
		{"unknown layout", RawFrame{Data: make([]byte, 16), Width: 2, Height: 2}, ErrUnsupportedFormat},
		{"bgra short", RawFrame{Data: make([]byte, 15), Width: 2, Height: 2, Layout: LayoutBGRA}, ErrSizeMismatch},
		{"bgra long", RawFrame{Data: make([]byte, 17), Width: 2, Height: 2, Layout: LayoutBGRA}, ErrSizeMismatch},
		{"nv21 given bgra size", RawFrame{Data: make([]byte, 16), Width: 2, Height: 2, Layout: LayoutNV21}, ErrSizeMismatch},
		{"nv21 odd width", RawFrame{Data: make([]byte, ExpectedSize(LayoutNV21, 3, 2)), Width: 3, Height: 2, Layout: LayoutNV21}, ErrSizeMismatch},
		{"bgra width wraps to buffer size", RawFrame{Data: make([]byte, 4), Width: 1<<62 + 1, Height: 1, Layout: LayoutBGRA}, ErrSizeMismatch},
		{"bgra area wraps to zero", RawFrame{Width: 1 << 32, Height: 1 << 32, Layout: LayoutBGRA}, ErrSizeMismatch},
		{"nv21 area wraps to zero", RawFrame{Width: 1 << 32, Height: 1 << 32, Layout: LayoutNV21}, ErrSizeMismatch},
		{"width past frame limit", RawFrame{Data: make([]byte, 4), Width: MaxFrameBytes/4 + 1, Height: 1, Layout: LayoutBGRA}, ErrSizeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecoder_DecodeBGRA(t *testing.T) {
	dec := &Decoder{}

	tests := []struct {
		rotation        int
		wantW, wantH    int
		wantOrientation Orientation
	}{
		{0, 6, 4, OrientationUp},
		{90, 4, 6, OrientationRight},
		{180, 6, 4, OrientationDown},
		{270, 4, 6, OrientationLeft},
	}

	for _, tt := range tests {
		img, err := dec.Decode(bgraFrame(6, 4, tt.rotation))
		if err != nil {
			t.Fatalf("rotation %d: Decode() error = %v", tt.rotation, err)
		}

		if img.Width() != tt.wantW || img.Height() != tt.wantH {
			t.Errorf("rotation %d: got %dx%d, want %dx%d", tt.rotation, img.Width(), img.Height(), tt.wantW, tt.wantH)
		}
		if img.Orientation() != tt.wantOrientation {
			t.Errorf("rotation %d: orientation = %v, want %v", tt.rotation, img.Orientation(), tt.wantOrientation)
		}

		// The tag must not rewrite the stored pixels.
		stored := img.Mat()
		if stored.Rows() != 4 || stored.Cols() != 6 || stored.Channels() != 4 {
			t.Errorf("rotation %d: stored mat %dx%dx%d, want 4x6x4", tt.rotation, stored.Rows(), stored.Cols(), stored.Channels())
		}

		upright, err := img.Upright()
		if err != nil {
			t.Fatalf("rotation %d: Upright() error = %v", tt.rotation, err)
		}
		if upright.Cols() != tt.wantW || upright.Rows() != tt.wantH {
			t.Errorf("rotation %d: upright %dx%d, want %dx%d", tt.rotation, upright.Cols(), upright.Rows(), tt.wantW, tt.wantH)
		}
		upright.Close()
		img.Close()
	}
}

func TestDecoder_DecodeBGRA_CopiesInput(t *testing.T) {
	dec := &Decoder{}
	f := bgraFrame(2, 2, 0)

	img, err := dec.Decode(f)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	defer img.Close()

	for i := range f.Data {
		f.Data[i] = 0
	}

	m := img.Mat()
	if got := m.GetVecbAt(1, 1); got[0] != 3 {
		t.Errorf("image changed with the source buffer: blue = %d, want 3", got[0])
	}
}

func TestDecoder_SizeMismatch(t *testing.T) {
	dec := &Decoder{}

	for _, layout := range []Layout{LayoutBGRA, LayoutNV21} {
		f := RawFrame{Data: make([]byte, 99), Width: 10, Height: 10, Layout: layout}
		img, err := dec.Decode(f)
		if !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("%s: expected ErrSizeMismatch, got %v", layout, err)
		}
		if img != nil {
			t.Errorf("%s: expected no image on size mismatch", layout)
			img.Close()
		}
	}
}

func TestDecoder_UnsupportedFormat(t *testing.T) {
	dec := &Decoder{}

	img, err := dec.Decode(RawFrame{Data: make([]byte, 4), Width: 1, Height: 1, Layout: Layout(42)})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if img != nil {
		t.Error("expected no image")
	}
}

func TestDecoder_RotationFallback(t *testing.T) {
	t.Run("lenient decoder uses identity", func(t *testing.T) {
		dec := &Decoder{}
		img, err := dec.Decode(bgraFrame(6, 4, 45))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		defer img.Close()

		if img.Orientation() != OrientationUp {
			t.Errorf("orientation = %v, want up", img.Orientation())
		}
	})

	t.Run("strict decoder rejects", func(t *testing.T) {
		dec := &Decoder{StrictRotation: true}
		img, err := dec.Decode(bgraFrame(6, 4, 45))
		if !errors.Is(err, ErrUnsupportedRotation) {
			t.Errorf("expected ErrUnsupportedRotation, got %v", err)
		}
		if img != nil {
			t.Error("expected no image")
		}
	})
}

func TestDecoder_BGRARotationRoundTrip(t *testing.T) {
	dec := &Decoder{}
	const w, h = 5, 3

	up, err := dec.Decode(bgraFrame(w, h, 0))
	if err != nil {
		t.Fatalf("Decode(0) error = %v", err)
	}
	defer up.Close()

	down, err := dec.Decode(bgraFrame(w, h, 180))
	if err != nil {
		t.Fatalf("Decode(180) error = %v", err)
	}
	defer down.Close()

	a, err := up.Upright()
	if err != nil {
		t.Fatalf("Upright() error = %v", err)
	}
	defer a.Close()

	b, err := down.Upright()
	if err != nil {
		t.Fatalf("Upright() error = %v", err)
	}
	defer b.Close()

	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			if pixel(t, a, r, c) != pixel(t, b, h-1-r, w-1-c) {
				t.Fatalf("pixel (%d,%d) is not the 180 degree flip of (%d,%d)", r, c, h-1-r, w-1-c)
			}
		}
	}
}

func TestDecoder_DecodeNV21(t *testing.T) {
	dec := &Decoder{}

	t.Run("rotation rewrites pixels", func(t *testing.T) {
		img, err := dec.Decode(nv21Frame(8, 4, 90))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		defer img.Close()

		if img.Orientation() != OrientationUp {
			t.Errorf("orientation = %v, want up after pixel rotation", img.Orientation())
		}
		m := img.Mat()
		if m.Cols() != 4 || m.Rows() != 8 || m.Channels() != 3 {
			t.Errorf("mat %dx%dx%d, want 4 cols x 8 rows x 3", m.Cols(), m.Rows(), m.Channels())
		}
		if img.Width() != 4 || img.Height() != 8 {
			t.Errorf("got %dx%d, want 4x8", img.Width(), img.Height())
		}
	})

	t.Run("180 round trip flips pixels", func(t *testing.T) {
		const w, h = 8, 6
		up, err := dec.Decode(nv21Frame(w, h, 0))
		if err != nil {
			t.Fatalf("Decode(0) error = %v", err)
		}
		defer up.Close()

		down, err := dec.Decode(nv21Frame(w, h, 180))
		if err != nil {
			t.Fatalf("Decode(180) error = %v", err)
		}
		defer down.Close()

		a, b := up.Mat(), down.Mat()
		for r := 0; r < h; r++ {
			for c := 0; c < w; c++ {
				if pixel(t, a, r, c) != pixel(t, b, h-1-r, w-1-c) {
					t.Fatalf("pixel (%d,%d) is not the 180 degree flip of (%d,%d)", r, c, h-1-r, w-1-c)
				}
			}
		}
	})
}

func TestDecoder_LegacyJPEG(t *testing.T) {
	direct := &Decoder{}
	legacy := &Decoder{YUVMode: YUVModeLegacyJPEG}

	f := nv21Frame(16, 16, 0)
	for i := 0; i < 16*16; i++ {
		f.Data[i] = 120
	}

	a, err := direct.Decode(f)
	if err != nil {
		t.Fatalf("direct Decode() error = %v", err)
	}
	defer a.Close()

	b, err := legacy.Decode(f)
	if err != nil {
		t.Fatalf("legacy Decode() error = %v", err)
	}
	defer b.Close()

	if a.Width() != b.Width() || a.Height() != b.Height() {
		t.Fatalf("legacy %dx%d differs from direct %dx%d", b.Width(), b.Height(), a.Width(), a.Height())
	}

	// A flat image survives JPEG almost unchanged.
	pa, pb := pixel(t, a.Mat(), 8, 8), pixel(t, b.Mat(), 8, 8)
	for ch := 0; ch < 3; ch++ {
		diff := int(pa[ch]) - int(pb[ch])
		if diff < -4 || diff > 4 {
			t.Errorf("channel %d: direct %d vs legacy %d", ch, pa[ch], pb[ch])
		}
	}
}

func TestImage_EncodeJPEG(t *testing.T) {
	dec := &Decoder{}
	img, err := dec.Decode(bgraFrame(8, 4, 90))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	defer img.Close()

	data, err := img.EncodeJPEG(DefaultJPEGQuality)
	if err != nil {
		t.Fatalf("EncodeJPEG() error = %v", err)
	}

	decoded, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("IMDecode() error = %v", err)
	}
	defer decoded.Close()

	if decoded.Cols() != 4 || decoded.Rows() != 8 {
		t.Errorf("encoded image %dx%d, want upright 4x8", decoded.Cols(), decoded.Rows())
	}
}
