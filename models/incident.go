package models

// Severity is the model-assigned visual risk level of an incident.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Authenticity is the model's judgement of whether the footage shows a
// genuine incident. It is distinct from HumanReviewStatus: the first comes
// from the vision model, the second is owned by the persistence layer.
type Authenticity string

const (
	AuthenticityReal  Authenticity = "Real"
	AuthenticityFalse Authenticity = "False"
)

// IncidentRecord is the structured classification of one video, produced
// once by the extraction stage and immutable afterwards. Fields irrelevant
// to the detected category are nil, never empty strings.
type IncidentRecord struct {
	Category                  string       `json:"category"`
	Title                     string       `json:"title"` // 3 words max
	Description               string       `json:"description"`
	Severity                  Severity     `json:"severity"`
	ModelAssessedAuthenticity Authenticity `json:"model_assessed_authenticity"`

	// Violence-specific
	ViolenceType        *string `json:"violence_type,omitempty"`
	Weapon              *string `json:"weapon,omitempty"` // weapon name or "none"
	SiteDescription     *string `json:"site_description,omitempty"`
	NumberOfPeople      *int    `json:"number_of_people,omitempty"`
	DescriptionOfPeople *string `json:"description_of_people,omitempty"`
	DetailedDescription *string `json:"detailed_description_for_the_incident,omitempty"`

	// Accident-specific
	AccidentType             *string `json:"accident_type,omitempty"`
	VehiclesMachinesInvolved *string `json:"vehicles_machines_involved,omitempty"`

	// Utility-specific
	UtilityType    *string `json:"utility_type,omitempty"`
	ExtentOfImpact *string `json:"extent_of_impact,omitempty"`
	Duration       *string `json:"duration,omitempty"`

	// Illegal-activity-specific
	IllegalType   *string `json:"illegal_type,omitempty"`
	ItemsInvolved *string `json:"items_involved,omitempty"`

	// Industrial-site-specific
	SubstanceInvolved     *string  `json:"substance_involved,omitempty"`
	EquipmentID           *string  `json:"equipment_id,omitempty"`
	MissingPPE            []string `json:"missing_ppe,omitempty"`
	StructuralDamageNotes *string  `json:"structural_damage_notes,omitempty"`
}

// CandidateEvent is one time-coded moment the model judged evidentially
// significant. The list order is the model's emission order, not time order.
type CandidateEvent struct {
	EventType             string   `json:"event_type"`
	FirstSecond           float64  `json:"first_second"`
	Confidence            float64  `json:"confidence"`
	Description           string   `json:"description"`
	SuggestedFrameSeconds float64  `json:"suggested_frame_seconds"`
	EquipmentType         *string  `json:"equipment_type,omitempty"`
	SafetyViolation       *string  `json:"safety_violation,omitempty"`
	MissingPPE            []string `json:"missing_ppe,omitempty"`
}

// Detection is one box the detection pass returned for a frame. Box
// coordinates are [ymin, xmin, ymax, xmax] normalized to a 1000-unit canvas
// regardless of the frame's real resolution.
type Detection struct {
	Box2D       [4]float64    `json:"box_2d"`
	Type        DetectionType `json:"type"`
	Confidence  float64       `json:"confidence"`
	Description string        `json:"description"`
}

// FrameDetections groups the detections for one sampled frame. ImageIndex is
// a dense frame index (0..N-1 over successfully sampled frames).
type FrameDetections struct {
	ImageIndex int         `json:"image_index"`
	Detections []Detection `json:"detections"`
}

// DetectedHazard is a non-person detection reclassified for the report.
type DetectedHazard struct {
	Type        DetectionType `json:"type"`
	Description string        `json:"description"`
	Confidence  float64       `json:"confidence"`
}

// EnhancedEvent is a CandidateEvent enriched with the detection pass output
// for its sampled frame. Events whose frame could not be read never become
// enhanced events.
type EnhancedEvent struct {
	CandidateEvent
	DetectedHazards       []DetectedHazard `json:"detected_hazards"`
	PersonAttributes      []string         `json:"person_attributes"`
	ScenePath             string           `json:"image_path"`
	DetectedElementsPaths []string         `json:"detected_elements_paths"`
}

// HumanReviewStatus values owned by the persistence layer. The pipeline only
// ever emits ReviewPending; accept/reject transitions happen outside it.
const (
	ReviewPending  = "pending"
	ReviewAccepted = "accepted"
	ReviewRejected = "rejected"
)

// ComprehensiveReport is the sole artifact the pipeline hands to the
// persistence layer: the incident record merged with all enhanced events.
// Built once per run, never mutated after assembly.
type ComprehensiveReport struct {
	IncidentRecord
	DetectedEvents    []EnhancedEvent `json:"detected_events"`
	HumanReviewStatus string          `json:"human_review_status"`
}
