// Package pipeline orchestrates one full video analysis run: remote media
// upload and activation, structured incident extraction, frame sampling,
// batched detection, annotation, and final report assembly.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"

	"incident-analyze-pipeline/annotate"
	"incident-analyze-pipeline/detector"
	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/metrics"
	"incident-analyze-pipeline/models"
	"incident-analyze-pipeline/parser"
	"incident-analyze-pipeline/retry"
	"incident-analyze-pipeline/video"
)

// ErrActivationTimeout is returned when uploaded media never leaves the
// processing state within the configured poll budget. It is distinct from
// inference.ErrMediaFailed, which means the remote reported a terminal
// failure.
var ErrActivationTimeout = errors.New("media activation timed out")

// Config carries every tunable of a run. Prompts and vocabularies come from
// the profile rather than compiled-in constants so tests can shrink them.
type Config struct {
	ProfileName string
	OutputRoot  string

	// PollInterval is the fixed wait between media activation polls.
	PollInterval time.Duration
	// MaxPolls bounds the activation wait; exceeding it yields
	// ErrActivationTimeout instead of blocking forever.
	MaxPolls int

	// MaxAttempts is the retry budget for each remote generation call.
	MaxAttempts int
	// AnalysisBackoffBase is the first backoff interval for the two
	// media-backed generation calls.
	AnalysisBackoffBase time.Duration
	// DetectionBackoffBase is the first backoff interval for detection
	// batches, which are heavier and get longer waits.
	DetectionBackoffBase time.Duration

	// BatchSize is the number of frames per detection request.
	BatchSize int

	// Sleep is injectable for tests. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig mirrors the production tuning: 15s polls for ten minutes,
// three attempts per call, detection batches of two frames.
func DefaultConfig() Config {
	return Config{
		ProfileName:          models.ProfilePublicSafety,
		OutputRoot:           "data/extracted_frames",
		PollInterval:         15 * time.Second,
		MaxPolls:             40,
		MaxAttempts:          3,
		AnalysisBackoffBase:  5 * time.Second,
		DetectionBackoffBase: 10 * time.Second,
		BatchSize:            2,
	}
}

// Service runs the analysis pipeline. One Service handles many submissions;
// each Analyze call is independent.
type Service struct {
	gateway inference.Gateway
	sampler *video.Sampler
	profile *models.Profile
	cfg     Config
}

func New(gateway inference.Gateway, sampler *video.Sampler, cfg Config) (*Service, error) {
	profile, err := models.ProfileByName(cfg.ProfileName)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 40
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2
	}
	return &Service{
		gateway: gateway,
		sampler: sampler,
		profile: profile,
		cfg:     cfg,
	}, nil
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if s.cfg.Sleep != nil {
		return s.cfg.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) analysisPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.cfg.MaxAttempts,
		Base:        s.cfg.AnalysisBackoffBase,
		Sleep:       s.cfg.Sleep,
	}
}

func (s *Service) detectionPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.cfg.MaxAttempts,
		Base:        s.cfg.DetectionBackoffBase,
		Sleep:       s.cfg.Sleep,
	}
}

// Analyze runs the whole pipeline for one submission and returns the
// assembled report. Extraction failure abandons the run; detection and
// sampling problems degrade to fewer or empty enhanced events instead.
func (s *Service) Analyze(ctx context.Context, sub models.VideoSubmission) (*models.ComprehensiveReport, error) {
	logger := log.WithField("incident_id", sub.IncidentID)
	runRoot := filepath.Join(s.cfg.OutputRoot, sub.IncidentID)

	start := time.Now()
	incident, events, err := s.extract(ctx, sub)
	metrics.StageDurationSeconds.WithLabelValues("extraction").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("extraction_failed").Inc()
		return nil, err
	}
	logger.Infof("extracted incident %q with %d candidate events", incident.Title, len(events))

	if err := writeEventsCheckpoint(runRoot, events); err != nil {
		// The checkpoint is a debugging artifact; the run carries on in memory.
		logger.WithError(err).Warn("failed to write events checkpoint")
	}

	enhanced, err := s.enhanceEvents(ctx, sub, runRoot, events)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("enhancement_failed").Inc()
		return nil, err
	}

	report := assembleReport(incident, enhanced)
	metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	logger.Infof("analysis complete: category=%s severity=%s events=%d",
		report.Category, report.Severity, len(report.DetectedEvents))
	return report, nil
}

// extract uploads the video, waits for activation and issues the two
// schema-constrained generation calls. The remote media is deleted on every
// exit path once the upload succeeded.
func (s *Service) extract(ctx context.Context, sub models.VideoSubmission) (*models.IncidentRecord, []models.CandidateEvent, error) {
	h, err := s.gateway.SubmitMedia(ctx, sub.VideoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("media upload failed: %w", err)
	}
	defer func() {
		// Cleanup must run even when the parent context is already canceled;
		// leaked remote files accumulate against the storage quota.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.gateway.DeleteMedia(dctx, h); err != nil {
			log.WithError(err).Warnf("failed to delete remote media %s", h.Name)
		}
	}()

	if err := s.waitForActive(ctx, h); err != nil {
		return nil, nil, err
	}

	policy := s.analysisPolicy()

	incident, err := retry.Do(ctx, policy, "incident classification", func(ctx context.Context) (*models.IncidentRecord, error) {
		resp, err := s.gateway.GenerateFromMedia(ctx, h,
			s.profile.IncidentPrompt(sub.Address, sub.Timestamp), incidentSchema(s.profile))
		if err != nil {
			return nil, err
		}
		return parser.ParseIncident(resp)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("incident extraction failed: %w", err)
	}

	events, err := retry.Do(ctx, policy, "event extraction", func(ctx context.Context) ([]models.CandidateEvent, error) {
		resp, err := s.gateway.GenerateFromMedia(ctx, h,
			s.profile.TimestampPrompt(), eventsSchema(s.profile))
		if err != nil {
			return nil, err
		}
		return parser.ParseEvents(resp, s.profile)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("event extraction failed: %w", err)
	}

	return incident, events, nil
}

// waitForActive blocks until the uploaded media is analyzable. One
// sleep-and-repoll cycle runs per observed processing state, bounded by
// MaxPolls.
func (s *Service) waitForActive(ctx context.Context, h *inference.MediaHandle) error {
	state := h.State
	polls := 0
	for state == inference.MediaProcessing {
		if polls >= s.cfg.MaxPolls {
			return fmt.Errorf("%w after %d polls at %s intervals",
				ErrActivationTimeout, polls, s.cfg.PollInterval)
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
		var err error
		state, err = s.gateway.PollStatus(ctx, h)
		if err != nil {
			return fmt.Errorf("media status poll failed: %w", err)
		}
		polls++
		metrics.MediaPollsTotal.Inc()
	}
	if state != inference.MediaActive {
		return fmt.Errorf("%w: state %s", inference.ErrMediaFailed, state)
	}
	return nil
}

// enhanceEvents samples event frames, runs the batched detection pass and
// renders annotations. Zero events is a valid no-op.
func (s *Service) enhanceEvents(ctx context.Context, sub models.VideoSubmission, runRoot string, events []models.CandidateEvent) ([]models.EnhancedEvent, error) {
	if len(events) == 0 {
		return []models.EnhancedEvent{}, nil
	}

	start := time.Now()
	frames, err := s.sampler.SampleEvents(ctx, sub.VideoPath, events)
	metrics.StageDurationSeconds.WithLabelValues("sampling").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("frame sampling failed: %w", err)
	}
	metrics.FramesSampledTotal.Add(float64(len(frames)))
	metrics.FramesSkippedTotal.Add(float64(len(events) - len(frames)))
	if len(frames) == 0 {
		log.Warnf("no readable frames for %s, report will have no enhanced events", sub.IncidentID)
		return []models.EnhancedEvent{}, nil
	}

	images := make([][]byte, len(frames))
	for i, f := range frames {
		images[i] = f.JPEG
	}

	start = time.Now()
	det := detector.New(s.gateway, s.profile, s.detectionPolicy(), s.cfg.BatchSize)
	groups := det.Detect(ctx, images)
	metrics.StageDurationSeconds.WithLabelValues("detection").Observe(time.Since(start).Seconds())

	renderer, err := annotate.NewRenderer(runRoot)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	enhanced := make([]models.EnhancedEvent, 0, len(frames))
	for _, f := range frames {
		art, err := renderer.RenderEvent(f.EventIndex, f.Event.SuggestedFrameSeconds, f.JPEG, groups[f.ImageIndex].Detections)
		if err != nil {
			return nil, fmt.Errorf("annotation failed for event %d: %w", f.EventIndex, err)
		}
		enhanced = append(enhanced, models.EnhancedEvent{
			CandidateEvent:        f.Event,
			DetectedHazards:       art.Hazards,
			PersonAttributes:      art.PersonAttributes,
			ScenePath:             art.ScenePath,
			DetectedElementsPaths: art.DetectionPaths,
		})
	}
	metrics.StageDurationSeconds.WithLabelValues("annotation").Observe(time.Since(start).Seconds())

	return enhanced, nil
}

// assembleReport merges the immutable incident record with the enhanced
// events. The pipeline always emits a pending review status; accept/reject
// transitions belong to the persistence side.
func assembleReport(incident *models.IncidentRecord, events []models.EnhancedEvent) *models.ComprehensiveReport {
	return &models.ComprehensiveReport{
		IncidentRecord:    *incident,
		DetectedEvents:    events,
		HumanReviewStatus: models.ReviewPending,
	}
}

// writeEventsCheckpoint persists the candidate events between the extraction
// and sampling stages, mainly for postmortem debugging of a run.
func writeEventsCheckpoint(runRoot string, events []models.CandidateEvent) error {
	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runRoot, "events_output.json"), data, 0o644)
}
