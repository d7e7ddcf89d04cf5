package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"incident-analyze-pipeline/models"
)

func TestPixelBoxFromNormalized(t *testing.T) {
	tests := []struct {
		name   string
		box    [4]float64
		width  int
		height int
		want   PixelBox
		valid  bool
	}{
		{
			name:   "box scales by axis dimension",
			box:    [4]float64{100, 100, 900, 900},
			width:  2000,
			height: 1000,
			want:   PixelBox{X1: 200, Y1: 100, X2: 1800, Y2: 900},
			valid:  true,
		},
		{
			name:   "square frame",
			box:    [4]float64{250, 250, 750, 750},
			width:  1000,
			height: 1000,
			want:   PixelBox{X1: 250, Y1: 250, X2: 750, Y2: 750},
			valid:  true,
		},
		{
			name:   "clamped to frame edges",
			box:    [4]float64{-50, -50, 1200, 1200},
			width:  640,
			height: 480,
			want:   PixelBox{X1: 0, Y1: 0, X2: 640, Y2: 480},
			valid:  true,
		},
		{
			name:   "zero width is degenerate",
			box:    [4]float64{100, 500, 900, 500},
			width:  1000,
			height: 1000,
			valid:  false,
		},
		{
			name:   "zero height is degenerate",
			box:    [4]float64{500, 100, 500, 900},
			width:  1000,
			height: 1000,
			valid:  false,
		},
		{
			name:   "sub-pixel box on small frame is degenerate",
			box:    [4]float64{0, 0, 5, 5},
			width:  100,
			height: 100,
			valid:  false,
		},
		{
			name:   "inverted box is degenerate",
			box:    [4]float64{900, 900, 100, 100},
			width:  1000,
			height: 1000,
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PixelBoxFromNormalized(tt.box, tt.width, tt.height)
			if ok != tt.valid {
				t.Fatalf("valid = %v, want %v", ok, tt.valid)
			}
			if tt.valid && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func testFrameJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRenderEventSplitsPersonsAndHazards(t *testing.T) {
	r, err := NewRenderer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	frame := testFrameJPEG(t, 320, 240)
	dets := []models.Detection{
		{Box2D: [4]float64{100, 100, 600, 600}, Type: models.DetectionPerson, Confidence: 0.9, Description: "worker in overalls"},
		{Box2D: [4]float64{200, 200, 800, 800}, Type: models.DetectionFire, Confidence: 0.8, Description: "open flame"},
		{Box2D: [4]float64{500, 500, 500, 900}, Type: models.DetectionSpill, Confidence: 0.7, Description: "degenerate, dropped"},
	}

	got, err := r.RenderEvent(0, 2.5, frame, dets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got.PersonAttributes) != 1 || got.PersonAttributes[0] != "worker in overalls" {
		t.Errorf("person attributes = %v", got.PersonAttributes)
	}
	if len(got.Hazards) != 1 {
		t.Fatalf("hazards = %v, want 1", got.Hazards)
	}
	if got.Hazards[0].Type != models.DetectionFire || got.Hazards[0].Confidence != 0.8 {
		t.Errorf("hazard = %+v", got.Hazards[0])
	}
	if len(got.DetectionPaths) != 2 {
		t.Fatalf("detection paths = %v, want 2 (degenerate box must not produce a crop)", got.DetectionPaths)
	}

	wantCrop := "event_1_at_2.500s_person_det1_conf0.90.jpg"
	if filepath.Base(got.DetectionPaths[0]) != wantCrop {
		t.Errorf("crop name = %q, want %q", filepath.Base(got.DetectionPaths[0]), wantCrop)
	}
	wantScene := "scene_event_1_at_2.500s.jpg"
	if filepath.Base(got.ScenePath) != wantScene {
		t.Errorf("scene name = %q, want %q", filepath.Base(got.ScenePath), wantScene)
	}

	for _, p := range append([]string{got.ScenePath}, got.DetectionPaths...) {
		info, err := os.Stat(p)
		if err != nil {
			t.Errorf("missing artifact %s: %v", p, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("artifact %s is empty", p)
		}
	}
}

func TestRenderEventDeterministic(t *testing.T) {
	frame := testFrameJPEG(t, 200, 200)
	dets := []models.Detection{
		{Box2D: [4]float64{100, 100, 900, 900}, Type: models.DetectionPerson, Confidence: 0.75, Description: "person"},
	}

	render := func(dir string) []byte {
		t.Helper()
		r, err := NewRenderer(dir)
		if err != nil {
			t.Fatal(err)
		}
		got, err := r.RenderEvent(3, 1.25, frame, dets)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.DetectionPaths) != 1 {
			t.Fatalf("detection paths = %v", got.DetectionPaths)
		}
		data, err := os.ReadFile(got.DetectionPaths[0])
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	first := render(t.TempDir())
	second := render(t.TempDir())
	if !bytes.Equal(first, second) {
		t.Error("identical frame and detections must produce identical crops")
	}
}

func TestRenderEventAllDegenerate(t *testing.T) {
	r, err := NewRenderer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	frame := testFrameJPEG(t, 100, 100)
	dets := []models.Detection{
		{Box2D: [4]float64{400, 400, 400, 400}, Type: models.DetectionFire, Confidence: 0.9},
	}

	got, err := r.RenderEvent(0, 0.5, frame, dets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.DetectionPaths) != 0 || len(got.Hazards) != 0 || len(got.PersonAttributes) != 0 {
		t.Errorf("degenerate detections must yield no crops or report entries: %+v", got)
	}
	if got.ScenePath == "" {
		t.Error("scene image is still written even without valid detections")
	}
}
