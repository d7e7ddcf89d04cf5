// Package video samples exact frames out of incident footage with ffmpeg.
// Decoding stays out of process: ffprobe reports stream metadata and ffmpeg
// emits single frames as MJPEG on stdout.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/apex/log"

	"incident-analyze-pipeline/models"
)

// Info is the stream metadata needed to map timestamps to frame numbers.
type Info struct {
	FPS    float64
	Width  int
	Height int
}

// SampledFrame is one successfully extracted frame. ImageIndex is dense over
// the extracted frames (0..N-1) even when some events' frames were skipped,
// so it can be used directly as the detection batch index.
type SampledFrame struct {
	ImageIndex int
	// EventIndex is the frame's position in the original candidate event
	// list, which stays stable even when earlier frames are skipped.
	EventIndex int
	Event      models.CandidateEvent
	FrameIndex int
	JPEG       []byte
	Width      int
	Height     int
}

// Sampler shells out to ffmpeg/ffprobe. Zero value uses the binaries from
// PATH.
type Sampler struct {
	FFmpegPath  string
	FFprobePath string
}

func NewSampler() *Sampler {
	return &Sampler{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

func (s *Sampler) ffmpeg() string {
	if s.FFmpegPath != "" {
		return s.FFmpegPath
	}
	return "ffmpeg"
}

func (s *Sampler) ffprobe() string {
	if s.FFprobePath != "" {
		return s.FFprobePath
	}
	return "ffprobe"
}

// FrameIndex maps a timestamp to a frame number: the timestamp is rounded to
// millisecond precision first, then multiplied by the frame rate and
// truncated. At 30 fps, 2.000s maps to frame 60.
func FrameIndex(seconds, fps float64) int {
	return int(math.Round(seconds*1000) / 1000 * fps)
}

// Probe reads fps and dimensions of the first video stream.
func (s *Sampler) Probe(ctx context.Context, path string) (*Info, error) {
	cmd := exec.CommandContext(ctx, s.ffprobe(),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,width,height",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var probe struct {
		Streams []struct {
			RFrameRate string `json:"r_frame_rate"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}

	stream := probe.Streams[0]
	fps, err := parseFrameRate(stream.RFrameRate)
	if err != nil {
		return nil, err
	}
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d in %s", stream.Width, stream.Height, path)
	}

	return &Info{FPS: fps, Width: stream.Width, Height: stream.Height}, nil
}

// parseFrameRate parses ffprobe's rational frame rate, e.g. "30000/1001".
func parseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	if !found {
		fps, err := strconv.ParseFloat(s, 64)
		if err != nil || fps <= 0 {
			return 0, fmt.Errorf("invalid frame rate %q", s)
		}
		return fps, nil
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	fps := n / d
	if fps <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return fps, nil
}

// ExtractFrame pulls exactly one frame by frame number as JPEG bytes.
func (s *Sampler) ExtractFrame(ctx context.Context, path string, frameIndex int) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ffmpeg(),
		"-hide_banner",
		"-i", path,
		"-vf", fmt.Sprintf("select=eq(n\\,%d)", frameIndex),
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame %d extraction failed: %s: %w",
			frameIndex, strings.TrimSpace(stderr.String()), err)
	}
	data := stdout.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("frame %d is out of range for %s", frameIndex, path)
	}
	// Validate it decodes; a truncated pipe must not reach the model.
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("frame %d produced invalid JPEG: %w", frameIndex, err)
	}
	return data, nil
}

// SampleEvents extracts the suggested frame for each candidate event.
// Unreadable frames are logged and skipped; the surviving frames get dense
// image indices in event order.
func (s *Sampler) SampleEvents(ctx context.Context, path string, events []models.CandidateEvent) ([]SampledFrame, error) {
	info, err := s.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	frames := make([]SampledFrame, 0, len(events))
	for i, ev := range events {
		frameIdx := FrameIndex(ev.SuggestedFrameSeconds, info.FPS)
		data, err := s.ExtractFrame(ctx, path, frameIdx)
		if err != nil {
			log.WithError(err).Warnf("skipping event %d at %.3fs", i, ev.SuggestedFrameSeconds)
			continue
		}
		frames = append(frames, SampledFrame{
			ImageIndex: len(frames),
			EventIndex: i,
			Event:      ev,
			FrameIndex: frameIdx,
			JPEG:       data,
			Width:      info.Width,
			Height:     info.Height,
		})
	}

	log.Infof("sampled %d/%d event frames from %s", len(frames), len(events), path)
	return frames, nil
}
