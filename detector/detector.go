// Package detector runs the batched object detection pass over sampled
// frames. Batches are strictly sequential; a batch that cannot be analyzed
// degrades to empty detections instead of failing the whole run.
package detector

import (
	"context"
	"errors"

	"github.com/apex/log"

	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/metrics"
	"incident-analyze-pipeline/models"
	"incident-analyze-pipeline/parser"
	"incident-analyze-pipeline/retry"
)

// Detector batches frames to the inference gateway and aligns the responses
// back to global frame indices.
type Detector struct {
	gateway   inference.Gateway
	profile   *models.Profile
	policy    retry.Policy
	batchSize int
}

// New creates a detector. batchSize <= 0 falls back to 2, which keeps
// request payloads small enough for the inline-image limit.
func New(gateway inference.Gateway, profile *models.Profile, policy retry.Policy, batchSize int) *Detector {
	if batchSize <= 0 {
		batchSize = 2
	}
	return &Detector{
		gateway:   gateway,
		profile:   profile,
		policy:    policy,
		batchSize: batchSize,
	}
}

// Detect returns exactly one FrameDetections per input frame, in input
// order. Frames in failed or exhausted batches, and frames the model never
// mentioned, get an explicit empty detection list. Detections whose type is
// outside the profile vocabulary are dropped.
func (d *Detector) Detect(ctx context.Context, frames [][]byte) []models.FrameDetections {
	results := make([]models.FrameDetections, len(frames))
	for i := range results {
		results[i] = models.FrameDetections{ImageIndex: i, Detections: []models.Detection{}}
	}

	for start := 0; start < len(frames); start += d.batchSize {
		end := start + d.batchSize
		if end > len(frames) {
			end = len(frames)
		}
		batch := frames[start:end]

		groups, err := retry.Do(ctx, d.policy, "detection", func(ctx context.Context) ([]models.FrameDetections, error) {
			resp, err := d.gateway.GenerateFromImages(ctx, batch, d.profile.DetectionPrompt())
			if err != nil {
				return nil, err
			}
			return parser.ParseFrameDetections(resp)
		})
		if err != nil {
			if errors.Is(err, retry.ErrExhausted) {
				metrics.DetectionBatchesExhaustedTotal.Inc()
			}
			log.WithError(err).Errorf("detection batch %d-%d failed, keeping empty detections", start, end-1)
			continue
		}

		for _, g := range groups {
			// Model indices are local to the batch.
			global := start + g.ImageIndex
			if g.ImageIndex < 0 || global >= end || global >= len(results) {
				log.Warnf("dropping detection group with out-of-range image index %d in batch %d-%d",
					g.ImageIndex, start, end-1)
				continue
			}
			kept := results[global].Detections
			for _, det := range g.Detections {
				if !d.profile.HasDetectionType(det.Type) {
					log.Warnf("dropping detection with unknown type %q on frame %d", det.Type, global)
					continue
				}
				kept = append(kept, det)
				metrics.DetectionsTotal.WithLabelValues(string(det.Type)).Inc()
			}
			results[global].Detections = kept
		}
	}

	return results
}
