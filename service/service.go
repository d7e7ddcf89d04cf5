// Package service glues the intake queue to the analysis pipeline: it
// decodes submissions, runs one pipeline pass per message, persists the
// result and publishes the analyzed incident for downstream consumers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/models"
	"incident-analyze-pipeline/rabbitmq"
)

// AnalyzedRoutingKey is the routing key analyzed incidents are published
// under.
const AnalyzedRoutingKey = "incident.analyzed"

// Analyzer runs the full pipeline for one submission.
type Analyzer interface {
	Analyze(ctx context.Context, sub models.VideoSubmission) (*models.ComprehensiveReport, error)
}

// Store persists analyzed incidents.
type Store interface {
	SaveAnalysis(ai *models.AnalyzedIncident, source string) error
}

// Publisher forwards analyzed incidents to downstream consumers.
type Publisher interface {
	PublishJSON(routingKey string, v any) error
}

// Service handles intake messages end to end.
type Service struct {
	analyzer  Analyzer
	store     Store
	publisher Publisher
	source    string
}

func NewService(analyzer Analyzer, store Store, publisher Publisher, source string) *Service {
	return &Service{
		analyzer:  analyzer,
		store:     store,
		publisher: publisher,
		source:    source,
	}
}

// HandleSubmission is the subscriber callback for video submissions. The
// context comes from the subscriber's lifecycle, so shutdown cancels any
// in-flight pipeline run. Malformed messages and remote-rejected media are
// permanent failures; everything else is transient and goes through the
// retry exchange.
func (s *Service) HandleSubmission(ctx context.Context, msg *rabbitmq.Message) error {
	var sub models.VideoSubmission
	if err := msg.UnmarshalTo(&sub); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("malformed submission: %w", err))
	}
	if sub.IncidentID == "" || sub.VideoPath == "" {
		return rabbitmq.Permanent(fmt.Errorf("submission missing incident_id or video_path"))
	}

	logger := log.WithField("incident_id", sub.IncidentID)
	logger.Infof("analyzing video %s", sub.VideoPath)

	report, err := s.analyzer.Analyze(ctx, sub)
	if err != nil {
		if errors.Is(err, inference.ErrMediaFailed) {
			// The remote permanently rejected this file; retrying the same
			// bytes cannot succeed.
			return rabbitmq.Permanent(err)
		}
		return fmt.Errorf("analysis failed: %w", err)
	}

	analyzed := &models.AnalyzedIncident{
		Submission: sub,
		Report:     *report,
		AnalyzedAt: time.Now().UTC(),
	}

	if err := s.store.SaveAnalysis(analyzed, s.source); err != nil {
		return fmt.Errorf("failed to persist analysis: %w", err)
	}

	if s.publisher != nil {
		// The analysis is already durable; a publish failure must not send
		// the message back through the pipeline.
		if err := s.publisher.PublishJSON(AnalyzedRoutingKey, analyzed); err != nil {
			logger.WithError(err).Error("failed to publish analyzed incident")
		}
	}

	logger.Infof("analysis stored: category=%s severity=%s events=%d",
		report.Category, report.Severity, len(report.DetectedEvents))
	return nil
}
