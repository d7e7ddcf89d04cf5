// Package database persists analyzed incidents to MySQL. The pipeline hands
// over one ComprehensiveReport per submission; review-status transitions and
// queries for the HTTP API live here too.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"

	"incident-analyze-pipeline/models"
)

// Database represents the database connection
type Database struct {
	db *sql.DB
}

// ConnConfig carries the connection settings so this package does not depend
// on the service config package.
type ConnConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// NewDatabase creates a new database connection, retrying the initial ping
// with exponential backoff so the service survives a slow MySQL start.
func NewDatabase(cfg ConnConfig) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	waitInterval := 1 * time.Second
	const maxAttempts = 8
	for attempt := 1; ; attempt++ {
		if err := db.Ping(); err == nil {
			break
		} else if attempt >= maxAttempts {
			return nil, fmt.Errorf("database unreachable after %d attempts: %w", attempt, err)
		} else {
			log.Warnf("database connection failed, retrying in %v: %v", waitInterval, err)
			time.Sleep(waitInterval)
			waitInterval *= 2
		}
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// NewDatabaseFromDB wraps an existing connection, used by tests with sqlmock.
func NewDatabaseFromDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// CreateIncidentAnalysisTable creates the incident_analysis table if it doesn't exist
func (d *Database) CreateIncidentAnalysisTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS incident_analysis (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		incident_id VARCHAR(64) NOT NULL,
		company_id VARCHAR(64) DEFAULT '',
		site_id VARCHAR(64) DEFAULT '',
		worker_id VARCHAR(64) DEFAULT '',
		source VARCHAR(64) NOT NULL,
		category VARCHAR(64) NOT NULL,
		title VARCHAR(500),
		description TEXT,
		severity ENUM('Low', 'Medium', 'High') NOT NULL,
		model_assessed_authenticity ENUM('Real', 'False') NOT NULL,
		human_review_status ENUM('pending', 'accepted', 'rejected') DEFAULT 'pending',
		event_count INT DEFAULT 0,
		report_json JSON NOT NULL,
		video_path VARCHAR(1024),
		address VARCHAR(512),
		latitude DOUBLE DEFAULT 0,
		longitude DOUBLE DEFAULT 0,
		analyzed_at TIMESTAMP NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE INDEX idx_incident_analysis_incident_id (incident_id),
		INDEX idx_incident_analysis_category (category),
		INDEX idx_incident_analysis_severity (severity),
		INDEX idx_incident_analysis_review_status (human_review_status)
	)`

	_, err := d.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to create incident_analysis table: %w", err)
	}

	log.Info("incident_analysis table created/verified successfully")
	return nil
}

// SaveAnalysis stores one analyzed incident. The full report goes into
// report_json; the hot columns are denormalized for querying.
func (d *Database) SaveAnalysis(ai *models.AnalyzedIncident, source string) error {
	reportJSON, err := json.Marshal(ai.Report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
	INSERT INTO incident_analysis (
		incident_id, company_id, site_id, worker_id, source,
		category, title, description, severity, model_assessed_authenticity,
		human_review_status, event_count, report_json,
		video_path, address, latitude, longitude, analyzed_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		category = VALUES(category),
		title = VALUES(title),
		description = VALUES(description),
		severity = VALUES(severity),
		model_assessed_authenticity = VALUES(model_assessed_authenticity),
		event_count = VALUES(event_count),
		report_json = VALUES(report_json),
		analyzed_at = VALUES(analyzed_at)`

	_, err = d.db.Exec(query,
		ai.Submission.IncidentID,
		ai.Submission.CompanyID,
		ai.Submission.SiteID,
		ai.Submission.WorkerID,
		source,
		ai.Report.Category,
		ai.Report.Title,
		ai.Report.Description,
		string(ai.Report.Severity),
		string(ai.Report.ModelAssessedAuthenticity),
		ai.Report.HumanReviewStatus,
		len(ai.Report.DetectedEvents),
		reportJSON,
		ai.Submission.VideoPath,
		ai.Submission.Address,
		ai.Submission.Latitude,
		ai.Submission.Longitude,
		ai.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}

	return nil
}

// GetReport fetches the stored report for one incident id.
func (d *Database) GetReport(incidentID string) (*models.ComprehensiveReport, error) {
	query := `SELECT report_json, human_review_status FROM incident_analysis WHERE incident_id = ?`

	var reportJSON []byte
	var reviewStatus string
	err := d.db.QueryRow(query, incidentID).Scan(&reportJSON, &reviewStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("analysis for incident %s not found", incidentID)
		}
		return nil, fmt.Errorf("failed to fetch analysis for %s: %w", incidentID, err)
	}

	var report models.ComprehensiveReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report for %s: %w", incidentID, err)
	}
	// The stored column is authoritative for review status.
	report.HumanReviewStatus = reviewStatus
	return &report, nil
}

// UpdateReviewStatus moves an incident through the human review workflow.
func (d *Database) UpdateReviewStatus(incidentID, status string) error {
	switch status {
	case models.ReviewPending, models.ReviewAccepted, models.ReviewRejected:
	default:
		return fmt.Errorf("invalid review status %q", status)
	}

	result, err := d.db.Exec(
		`UPDATE incident_analysis SET human_review_status = ? WHERE incident_id = ?`,
		status, incidentID)
	if err != nil {
		return fmt.Errorf("failed to update review status for %s: %w", incidentID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("analysis for incident %s not found", incidentID)
	}
	return nil
}

// Stats summarizes stored analyses for the HTTP API.
type Stats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByCategory map[string]int `json:"by_category"`
	Pending    int            `json:"pending_review"`
}

// GetStats aggregates counts over the incident_analysis table.
func (d *Database) GetStats() (*Stats, error) {
	stats := &Stats{
		BySeverity: make(map[string]int),
		ByCategory: make(map[string]int),
	}

	rows, err := d.db.Query(`SELECT severity, category, human_review_status, COUNT(*)
		FROM incident_analysis GROUP BY severity, category, human_review_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity, category, review string
		var count int
		if err := rows.Scan(&severity, &category, &review, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		stats.BySeverity[severity] += count
		stats.ByCategory[category] += count
		if review == models.ReviewPending {
			stats.Pending += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stats rows: %w", err)
	}

	return stats, nil
}

// GetDB returns the underlying sql.DB for direct queries
func (d *Database) GetDB() *sql.DB {
	return d.db
}
