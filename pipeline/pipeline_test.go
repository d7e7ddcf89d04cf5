package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/models"
	"incident-analyze-pipeline/retry"
)

const validIncidentJSON = `{
	"category": "Violence",
	"title": "Street Fight",
	"description": "Two people fight near a bus stop. One runs away.",
	"severity": "High",
	"model_assessed_authenticity": "Real"
}`

// fakeGateway scripts the remote side of one pipeline run.
type fakeGateway struct {
	mu sync.Mutex

	submitErr  error
	pollStates []inference.MediaState
	pollCalls  int
	pollErr    error

	incidentResp string
	incidentErr  error
	eventsResp   string
	eventsErr    error

	deleteCalls int
}

func (g *fakeGateway) SourceName() string { return "fake" }

func (g *fakeGateway) SubmitMedia(_ context.Context, path string) (*inference.MediaHandle, error) {
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	return &inference.MediaHandle{
		Name:     "files/fake",
		URI:      "fake://" + path,
		MIMEType: "video/mp4",
		State:    inference.MediaProcessing,
	}, nil
}

func (g *fakeGateway) PollStatus(_ context.Context, h *inference.MediaHandle) (inference.MediaState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return "", g.pollErr
	}
	idx := g.pollCalls
	g.pollCalls++
	if idx >= len(g.pollStates) {
		return inference.MediaActive, nil
	}
	h.State = g.pollStates[idx]
	return g.pollStates[idx], nil
}

func (g *fakeGateway) DeleteMedia(context.Context, *inference.MediaHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteCalls++
	return nil
}

func (g *fakeGateway) GenerateFromMedia(_ context.Context, _ *inference.MediaHandle, _ string, schema *inference.Schema) (string, error) {
	if schema != nil && schema.Type == "array" {
		return g.eventsResp, g.eventsErr
	}
	return g.incidentResp, g.incidentErr
}

func (g *fakeGateway) GenerateFromImages(context.Context, [][]byte, string) (string, error) {
	return "[]", nil
}

func testService(t *testing.T, gw inference.Gateway, sleeps *[]time.Duration) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputRoot = t.TempDir()
	cfg.PollInterval = 15 * time.Second
	cfg.MaxPolls = 5
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		return nil
	}
	s, err := New(gw, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWaitForActivePollsUntilActive(t *testing.T) {
	// Two processing polls then active: exactly two sleep-and-repoll cycles.
	gw := &fakeGateway{
		pollStates: []inference.MediaState{inference.MediaProcessing, inference.MediaActive},
	}
	var sleeps []time.Duration
	s := testService(t, gw, &sleeps)

	h := &inference.MediaHandle{Name: "files/fake", State: inference.MediaProcessing}
	if err := s.waitForActive(context.Background(), h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gw.pollCalls != 2 {
		t.Errorf("poll calls = %d, want 2", gw.pollCalls)
	}
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want exactly 2", sleeps)
	}
	for i, d := range sleeps {
		if d != 15*time.Second {
			t.Errorf("sleep %d = %v, want 15s", i, d)
		}
	}
}

func TestWaitForActiveAlreadyActive(t *testing.T) {
	gw := &fakeGateway{}
	var sleeps []time.Duration
	s := testService(t, gw, &sleeps)

	h := &inference.MediaHandle{Name: "files/fake", State: inference.MediaActive}
	if err := s.waitForActive(context.Background(), h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.pollCalls != 0 || len(sleeps) != 0 {
		t.Errorf("active media must not be polled or waited on (polls=%d sleeps=%v)", gw.pollCalls, sleeps)
	}
}

func TestWaitForActiveTimeout(t *testing.T) {
	states := make([]inference.MediaState, 20)
	for i := range states {
		states[i] = inference.MediaProcessing
	}
	gw := &fakeGateway{pollStates: states}
	s := testService(t, gw, nil)

	h := &inference.MediaHandle{Name: "files/fake", State: inference.MediaProcessing}
	err := s.waitForActive(context.Background(), h)
	if !errors.Is(err, ErrActivationTimeout) {
		t.Fatalf("expected ErrActivationTimeout, got %v", err)
	}
	if errors.Is(err, inference.ErrMediaFailed) {
		t.Error("timeout must be distinct from remote failure")
	}
}

func TestWaitForActiveRemoteFailure(t *testing.T) {
	gw := &fakeGateway{pollStates: []inference.MediaState{inference.MediaFailed}}
	s := testService(t, gw, nil)

	h := &inference.MediaHandle{Name: "files/fake", State: inference.MediaProcessing}
	err := s.waitForActive(context.Background(), h)
	if !errors.Is(err, inference.ErrMediaFailed) {
		t.Fatalf("expected ErrMediaFailed, got %v", err)
	}
}

func TestAnalyzeEmptyEventsStillSucceeds(t *testing.T) {
	gw := &fakeGateway{
		pollStates:   []inference.MediaState{inference.MediaActive},
		incidentResp: validIncidentJSON,
		eventsResp:   "[]",
	}
	s := testService(t, gw, nil)

	report, err := s.Analyze(context.Background(), models.VideoSubmission{
		IncidentID: "inc-1",
		VideoPath:  "/tmp/does-not-matter.mp4",
		Address:    "somewhere",
		Timestamp:  "2026-08-25T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Category != "Violence" || report.Title != "Street Fight" {
		t.Errorf("incident record not carried into report: %+v", report.IncidentRecord)
	}
	if report.DetectedEvents == nil || len(report.DetectedEvents) != 0 {
		t.Errorf("detected_events = %v, want empty non-nil", report.DetectedEvents)
	}
	if report.HumanReviewStatus != models.ReviewPending {
		t.Errorf("human_review_status = %q, want pending", report.HumanReviewStatus)
	}
	if gw.deleteCalls != 1 {
		t.Errorf("delete calls = %d, want 1", gw.deleteCalls)
	}

	checkpoint := filepath.Join(s.cfg.OutputRoot, "inc-1", "events_output.json")
	if _, err := os.Stat(checkpoint); err != nil {
		t.Errorf("events checkpoint not written: %v", err)
	}
}

func TestAnalyzeExtractionExhaustionAborts(t *testing.T) {
	gw := &fakeGateway{
		pollStates:  []inference.MediaState{inference.MediaActive},
		incidentErr: errors.New("API error (status 429): quota exceeded"),
	}
	s := testService(t, gw, nil)

	_, err := s.Analyze(context.Background(), models.VideoSubmission{
		IncidentID: "inc-2",
		VideoPath:  "/tmp/v.mp4",
	})
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if gw.deleteCalls != 1 {
		t.Errorf("remote media must be deleted on failure paths too, delete calls = %d", gw.deleteCalls)
	}
}

func TestAnalyzeEventExtractionFailureAborts(t *testing.T) {
	gw := &fakeGateway{
		pollStates:   []inference.MediaState{inference.MediaActive},
		incidentResp: validIncidentJSON,
		eventsErr:    errors.New("API error (status 400): invalid request"),
	}
	s := testService(t, gw, nil)

	_, err := s.Analyze(context.Background(), models.VideoSubmission{IncidentID: "inc-3", VideoPath: "/tmp/v.mp4"})
	if err == nil {
		t.Fatal("expected error when event extraction fails")
	}
	if gw.deleteCalls != 1 {
		t.Errorf("delete calls = %d, want 1", gw.deleteCalls)
	}
}

func TestAnalyzeSubmitFailureSkipsDelete(t *testing.T) {
	gw := &fakeGateway{submitErr: errors.New("no such file")}
	s := testService(t, gw, nil)

	_, err := s.Analyze(context.Background(), models.VideoSubmission{IncidentID: "inc-4", VideoPath: "/missing.mp4"})
	if err == nil {
		t.Fatal("expected error for failed upload")
	}
	if gw.deleteCalls != 0 {
		t.Errorf("no handle exists, delete must not be called (calls=%d)", gw.deleteCalls)
	}
}

func TestAssembleReport(t *testing.T) {
	incident := &models.IncidentRecord{
		Category:                  "Fire",
		Title:                     "Tank Fire",
		Description:               "Flames near a storage tank. Smoke spreads quickly.",
		Severity:                  models.SeverityHigh,
		ModelAssessedAuthenticity: models.AuthenticityReal,
	}
	events := []models.EnhancedEvent{
		{CandidateEvent: models.CandidateEvent{EventType: "fire", FirstSecond: 1.5, Confidence: 0.9}},
	}

	report := assembleReport(incident, events)
	if report.Category != "Fire" {
		t.Errorf("category = %q", report.Category)
	}
	if len(report.DetectedEvents) != 1 {
		t.Errorf("detected events = %d, want 1", len(report.DetectedEvents))
	}
	if report.HumanReviewStatus != models.ReviewPending {
		t.Errorf("human_review_status = %q, want %q", report.HumanReviewStatus, models.ReviewPending)
	}

	// The incident record is copied, not aliased.
	incident.Title = "changed"
	if report.Title != "Tank Fire" {
		t.Error("report must hold its own copy of the incident record")
	}
}
