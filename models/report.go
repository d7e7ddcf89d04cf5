package models

import (
	"time"
)

// VideoSubmission is the message the upload collaborator publishes when a
// new incident video is ready for analysis.
type VideoSubmission struct {
	IncidentID string    `json:"incident_id"`
	CompanyID  string    `json:"company_id,omitempty"`
	SiteID     string    `json:"site_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	VideoPath  string    `json:"video_path"`
	Address    string    `json:"address"`
	Timestamp  string    `json:"timestamp"` // ISO-8601, as submitted
	Latitude   float64   `json:"latitude,omitempty"`
	Longitude  float64   `json:"longitude,omitempty"`
	MediaPaths []string  `json:"media_paths,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// AnalyzedIncident is the envelope published after a successful pipeline
// run: the original submission identifiers plus the assembled report.
type AnalyzedIncident struct {
	Submission VideoSubmission     `json:"submission"`
	Report     ComprehensiveReport `json:"report"`
	AnalyzedAt time.Time           `json:"analyzed_at"`
}
