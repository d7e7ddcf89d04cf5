package parser

import (
	"testing"

	"incident-analyze-pipeline/models"
)

func TestParseIncident(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  bool
		check    func(t *testing.T, r *models.IncidentRecord)
	}{
		{
			name: "valid violence incident",
			response: `{
				"category": "Violence",
				"title": "Street Assault",
				"description": "Two people fight near a kiosk. One flees on foot.",
				"severity": "High",
				"model_assessed_authenticity": "Real",
				"violence_type": "assaults",
				"weapon": "none",
				"number_of_people": 2
			}`,
			check: func(t *testing.T, r *models.IncidentRecord) {
				if r.Category != "Violence" {
					t.Errorf("category = %q, want Violence", r.Category)
				}
				if r.Severity != models.SeverityHigh {
					t.Errorf("severity = %q, want High", r.Severity)
				}
				if r.ModelAssessedAuthenticity != models.AuthenticityReal {
					t.Errorf("authenticity = %q, want Real", r.ModelAssessedAuthenticity)
				}
				if r.NumberOfPeople == nil || *r.NumberOfPeople != 2 {
					t.Errorf("number_of_people = %v, want 2", r.NumberOfPeople)
				}
				if r.AccidentType != nil {
					t.Errorf("accident_type should be nil for a violence incident")
				}
			},
		},
		{
			name: "valid response wrapped in markdown",
			response: "```json\n" + `{
				"category": "Spill",
				"title": "Chemical Spill",
				"description": "A dark liquid pools under a storage tank. Workers stand nearby.",
				"severity": "Medium",
				"model_assessed_authenticity": "Real"
			}` + "\n```",
			check: func(t *testing.T, r *models.IncidentRecord) {
				if r.Category != "Spill" {
					t.Errorf("category = %q, want Spill", r.Category)
				}
			},
		},
		{
			name: "response with surrounding prose",
			response: `Here is the analysis: {"category": "Accident", "title": "Car Crash",
				"description": "Two cars collide at an intersection. Traffic stops.",
				"severity": "Low", "model_assessed_authenticity": "False"} Hope that helps.`,
			check: func(t *testing.T, r *models.IncidentRecord) {
				if r.ModelAssessedAuthenticity != models.AuthenticityFalse {
					t.Errorf("authenticity = %q, want False", r.ModelAssessedAuthenticity)
				}
			},
		},
		{
			name:     "missing title",
			response: `{"category": "Violence", "description": "x", "severity": "Low", "model_assessed_authenticity": "Real"}`,
			wantErr:  true,
		},
		{
			name:     "invalid severity",
			response: `{"category": "Violence", "title": "x", "description": "x", "severity": "Critical", "model_assessed_authenticity": "Real"}`,
			wantErr:  true,
		},
		{
			name:     "invalid authenticity",
			response: `{"category": "Violence", "title": "x", "description": "x", "severity": "Low", "model_assessed_authenticity": "maybe"}`,
			wantErr:  true,
		},
		{
			name:     "not JSON",
			response: "I could not analyze this video.",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIncident(tt.response)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func testProfile(t *testing.T, name string) *models.Profile {
	t.Helper()
	p, err := models.ProfileByName(name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseEvents(t *testing.T) {
	tests := []struct {
		name     string
		response string
		profile  string
		wantErr  bool
		wantLen  int
	}{
		{
			name: "two events",
			response: `[
				{"event_type": "weapon", "first_second": 1.250, "confidence": 0.91,
				 "description": "knife visible in right hand", "suggested_frame_seconds": 1.500},
				{"event_type": "person", "first_second": 3.000, "confidence": 0.85,
				 "description": "face clearly visible", "suggested_frame_seconds": 3.125}
			]`,
			wantLen: 2,
		},
		{
			name:     "empty array is valid",
			response: `[]`,
			wantLen:  0,
		},
		{
			name:     "markdown wrapped array",
			response: "```json\n[{\"event_type\": \"fire\", \"first_second\": 0.5, \"confidence\": 1.0, \"description\": \"flames\", \"suggested_frame_seconds\": 0.5}]\n```",
			profile:  models.ProfileIndustrialSite,
			wantLen:  1,
		},
		{
			name:     "event_type outside profile vocabulary",
			response: `[{"event_type": "spill", "first_second": 1.0, "confidence": 0.5, "description": "x", "suggested_frame_seconds": 1.0}]`,
			wantErr:  true,
		},
		{
			name:     "confidence out of range",
			response: `[{"event_type": "weapon", "first_second": 1.0, "confidence": 1.5, "description": "x", "suggested_frame_seconds": 1.0}]`,
			wantErr:  true,
		},
		{
			name:     "missing event_type",
			response: `[{"first_second": 1.0, "confidence": 0.5, "description": "x", "suggested_frame_seconds": 1.0}]`,
			wantErr:  true,
		},
		{
			name:     "negative timestamp",
			response: `[{"event_type": "weapon", "first_second": -1.0, "confidence": 0.5, "description": "x", "suggested_frame_seconds": 1.0}]`,
			wantErr:  true,
		},
		{
			name:     "object instead of array",
			response: `{"event_type": "weapon"}`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profileName := tt.profile
			if profileName == "" {
				profileName = models.ProfilePublicSafety
			}
			got, err := ParseEvents(tt.response, testProfile(t, profileName))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("got %d events, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestParseFrameDetections(t *testing.T) {
	response := `[
		{"image_index": 0, "detections": [
			{"box_2d": [100, 100, 900, 900], "type": "person", "confidence": 0.95, "description": "worker without helmet"},
			{"box_2d": [100, 100, 900], "type": "fire", "confidence": 0.9, "description": "malformed box, dropped"},
			{"box_2d": [0, 0, 500, 500], "type": "fire", "confidence": 1.2, "description": "bad confidence, dropped"}
		]},
		{"image_index": 1, "detections": []}
	]`

	groups, err := ParseFrameDetections(response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0].Detections) != 1 {
		t.Errorf("group 0: got %d detections, want 1 (malformed entries dropped)", len(groups[0].Detections))
	}
	d := groups[0].Detections[0]
	if d.Type != models.DetectionPerson {
		t.Errorf("type = %q, want person", d.Type)
	}
	if d.Box2D != [4]float64{100, 100, 900, 900} {
		t.Errorf("box = %v, want [100 100 900 900]", d.Box2D)
	}
	if groups[1].Detections == nil {
		t.Error("empty detections should be an empty slice, not nil")
	}
}

func TestParseFrameDetectionsInvalid(t *testing.T) {
	if _, err := ParseFrameDetections("not json at all"); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestExtractJSONFromMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected string
	}{
		{
			name:     "plain object",
			response: `{"a": 1}`,
			expected: `{"a": 1}`,
		},
		{
			name:     "fenced with language",
			response: "```json\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "fenced without language",
			response: "```\n[1, 2]\n```",
			expected: `[1, 2]`,
		},
		{
			name:     "array before object braces",
			response: `The result is [{"a": 1}] as requested.`,
			expected: `[{"a": 1}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSONFromMarkdown(tt.response); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}
