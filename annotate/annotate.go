// Package annotate converts normalized detection boxes into pixel space and
// produces the per-event image artifacts: one annotated full-scene JPEG plus
// one cropped JPEG per valid detection.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"

	"incident-analyze-pipeline/models"
)

const jpegQuality = 90

// PixelBox is a detection box converted to frame pixel coordinates.
type PixelBox struct {
	X1, Y1, X2, Y2 int
}

// PixelBoxFromNormalized converts a [ymin, xmin, ymax, xmax] box on the
// 1000-unit canvas to pixel coordinates, clamping to the frame. The second
// return is false for degenerate boxes (zero width or height after
// conversion), which must produce no crop and no report entry.
func PixelBoxFromNormalized(box [4]float64, width, height int) (PixelBox, bool) {
	y1 := int(box[0] / 1000 * float64(height))
	x1 := int(box[1] / 1000 * float64(width))
	y2 := int(box[2] / 1000 * float64(height))
	x2 := int(box[3] / 1000 * float64(width))

	if y1 < 0 {
		y1 = 0
	}
	if x1 < 0 {
		x1 = 0
	}
	if y2 > height {
		y2 = height
	}
	if x2 > width {
		x2 = width
	}

	if x2 <= x1 || y2 <= y1 {
		return PixelBox{}, false
	}
	return PixelBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, true
}

// EventArtifacts is everything the renderer produced for one event frame.
type EventArtifacts struct {
	ScenePath        string
	DetectionPaths   []string
	Hazards          []models.DetectedHazard
	PersonAttributes []string
}

// Renderer writes scene and crop images under a pipeline-owned output tree:
// <root>/scenes/ and <root>/detections/.
type Renderer struct {
	scenesDir     string
	detectionsDir string
}

func NewRenderer(outputRoot string) (*Renderer, error) {
	r := &Renderer{
		scenesDir:     filepath.Join(outputRoot, "scenes"),
		detectionsDir: filepath.Join(outputRoot, "detections"),
	}
	if err := os.MkdirAll(r.scenesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scenes dir: %w", err)
	}
	if err := os.MkdirAll(r.detectionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create detections dir: %w", err)
	}
	return r, nil
}

// RenderEvent draws every valid detection onto a copy of the frame, crops
// each one to its own file, and splits detections into person attributes and
// hazards. eventIndex is the 0-based index in the candidate event list;
// filenames use 1-based indices. seconds is the sampled frame's timestamp.
func (r *Renderer) RenderEvent(eventIndex int, seconds float64, frameJPEG []byte, detections []models.Detection) (*EventArtifacts, error) {
	img, err := jpeg.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)

	out := &EventArtifacts{
		DetectionPaths:   []string{},
		Hazards:          []models.DetectedHazard{},
		PersonAttributes: []string{},
	}

	for i, det := range detections {
		box, ok := PixelBoxFromNormalized(det.Box2D, width, height)
		if !ok {
			continue
		}

		if det.Type.IsPerson() {
			dc.SetRGB255(0, 255, 0)
		} else {
			dc.SetRGB255(255, 0, 0)
		}
		dc.DrawRectangle(float64(box.X1), float64(box.Y1), float64(box.X2-box.X1), float64(box.Y2-box.Y1))
		dc.Stroke()

		label := fmt.Sprintf("%s (%.2f)", det.Type, det.Confidence)
		labelY := float64(box.Y1 - 4)
		if labelY < 12 {
			labelY = float64(box.Y1 + 14)
		}
		dc.DrawString(label, float64(box.X1), labelY)

		cropPath := filepath.Join(r.detectionsDir, fmt.Sprintf(
			"event_%d_at_%.3fs_%s_det%d_conf%.2f.jpg",
			eventIndex+1, seconds, det.Type, i+1, det.Confidence))
		if err := saveCrop(img, box, cropPath); err != nil {
			return nil, err
		}
		out.DetectionPaths = append(out.DetectionPaths, cropPath)

		if det.Type.IsPerson() {
			desc := det.Description
			if desc == "" {
				desc = "Person detected"
			}
			out.PersonAttributes = append(out.PersonAttributes, desc)
		} else {
			out.Hazards = append(out.Hazards, models.DetectedHazard{
				Type:        det.Type,
				Description: det.Description,
				Confidence:  det.Confidence,
			})
		}
	}

	scenePath := filepath.Join(r.scenesDir, fmt.Sprintf(
		"scene_event_%d_at_%.3fs.jpg", eventIndex+1, seconds))
	if err := saveJPEG(dc.Image(), scenePath); err != nil {
		return nil, err
	}
	out.ScenePath = scenePath

	return out, nil
}

func saveCrop(img image.Image, box PixelBox, path string) error {
	rect := image.Rect(box.X1, box.Y1, box.X2, box.Y2).Add(img.Bounds().Min)
	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), img, rect.Min, draw.Src)
	return saveJPEG(crop, path)
}

func saveJPEG(img image.Image, path string) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
