// Package parser turns raw model responses into validated domain structs.
// Responses are requested as JSON but may still arrive wrapped in markdown
// code fences, so every entry point strips those first.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"incident-analyze-pipeline/models"
)

// extractJSONFromMarkdown extracts JSON from markdown code blocks
func extractJSONFromMarkdown(response string) string {
	// Look for JSON code blocks with ``` markers
	startMarker := "```"
	endMarker := "```"

	startIdx := strings.Index(response, startMarker)
	if startIdx == -1 {
		// No code block found, try to find JSON directly
		objIdx := strings.Index(response, "{")
		arrIdx := strings.Index(response, "[")
		if arrIdx != -1 && (objIdx == -1 || arrIdx < objIdx) {
			endIdx := strings.LastIndex(response, "]")
			if endIdx == -1 {
				return response
			}
			return strings.TrimSpace(response[arrIdx : endIdx+1])
		}
		if objIdx == -1 {
			return response
		}
		endIdx := strings.LastIndex(response, "}")
		if endIdx == -1 {
			return response
		}
		return strings.TrimSpace(response[objIdx : endIdx+1])
	}

	// Find the end of the first code block
	endIdx := strings.Index(response[startIdx+len(startMarker):], endMarker)
	if endIdx == -1 {
		return response
	}
	endIdx += startIdx + len(startMarker)

	// Extract content between the markers
	content := response[startIdx+len(startMarker) : endIdx]

	// Remove the language identifier if present (e.g., "json")
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}

	return strings.TrimSpace(content)
}

// ParseIncident parses the classification response into an IncidentRecord.
func ParseIncident(response string) (*models.IncidentRecord, error) {
	jsonContent := extractJSONFromMarkdown(strings.TrimSpace(response))

	var record models.IncidentRecord
	if err := json.Unmarshal([]byte(jsonContent), &record); err != nil {
		return nil, errors.New("failed to parse incident JSON: " + err.Error())
	}

	if record.Category == "" {
		return nil, errors.New("category is required")
	}
	if record.Title == "" {
		return nil, errors.New("title is required")
	}
	if record.Description == "" {
		return nil, errors.New("description is required")
	}
	switch record.Severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
	default:
		return nil, fmt.Errorf("severity must be one of Low, Medium, High, got %q", record.Severity)
	}
	switch record.ModelAssessedAuthenticity {
	case models.AuthenticityReal, models.AuthenticityFalse:
	default:
		return nil, fmt.Errorf("model_assessed_authenticity must be Real or False, got %q", record.ModelAssessedAuthenticity)
	}

	return &record, nil
}

// ParseEvents parses the timestamp-extraction response into candidate events
// and checks each event_type against the profile vocabulary. An empty array
// is a valid result meaning the model found nothing notable.
func ParseEvents(response string, profile *models.Profile) ([]models.CandidateEvent, error) {
	jsonContent := extractJSONFromMarkdown(strings.TrimSpace(response))

	var events []models.CandidateEvent
	if err := json.Unmarshal([]byte(jsonContent), &events); err != nil {
		return nil, errors.New("failed to parse events JSON: " + err.Error())
	}

	for i, ev := range events {
		if ev.EventType == "" {
			return nil, fmt.Errorf("event %d: event_type is required", i)
		}
		if !profile.HasEventType(ev.EventType) {
			return nil, fmt.Errorf("event %d: event_type %q is not in the %s vocabulary", i, ev.EventType, profile.Name)
		}
		if ev.FirstSecond < 0 {
			return nil, fmt.Errorf("event %d: first_second must be non-negative", i)
		}
		if ev.Confidence < 0 || ev.Confidence > 1 {
			return nil, fmt.Errorf("event %d: confidence must be between 0 and 1", i)
		}
		if ev.SuggestedFrameSeconds < 0 {
			return nil, fmt.Errorf("event %d: suggested_frame_seconds must be non-negative", i)
		}
	}

	return events, nil
}

// ParseFrameDetections parses one detection-batch response. Image indices are
// local to the batch; the detector re-offsets them. Detections with malformed
// boxes or out-of-range confidence are dropped rather than failing the batch.
func ParseFrameDetections(response string) ([]models.FrameDetections, error) {
	jsonContent := extractJSONFromMarkdown(strings.TrimSpace(response))

	var raw []struct {
		ImageIndex int `json:"image_index"`
		Detections []struct {
			Box2D       []float64            `json:"box_2d"`
			Type        models.DetectionType `json:"type"`
			Confidence  float64              `json:"confidence"`
			Description string               `json:"description"`
		} `json:"detections"`
	}
	if err := json.Unmarshal([]byte(jsonContent), &raw); err != nil {
		return nil, errors.New("failed to parse detections JSON: " + err.Error())
	}

	groups := make([]models.FrameDetections, 0, len(raw))
	for _, g := range raw {
		fd := models.FrameDetections{
			ImageIndex: g.ImageIndex,
			Detections: []models.Detection{},
		}
		for _, d := range g.Detections {
			if len(d.Box2D) != 4 {
				continue
			}
			if d.Confidence < 0 || d.Confidence > 1 {
				continue
			}
			fd.Detections = append(fd.Detections, models.Detection{
				Box2D:       [4]float64{d.Box2D[0], d.Box2D[1], d.Box2D[2], d.Box2D[3]},
				Type:        d.Type,
				Confidence:  d.Confidence,
				Description: d.Description,
			})
		}
		groups = append(groups, fd)
	}

	return groups, nil
}
