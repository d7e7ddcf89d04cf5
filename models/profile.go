package models

import (
	"fmt"
	"strings"
)

// Profile parameterizes the pipeline for one incident domain. The same
// pipeline code runs petroleum/construction sites and generic public-safety
// footage; only the taxonomy, vocabularies and prompts differ.
type Profile struct {
	Name           string
	Categories     []string
	EventTypes     []string
	DetectionTypes []DetectionType

	incidentPromptBody string
}

const (
	ProfilePublicSafety   = "public-safety"
	ProfileIndustrialSite = "industrial-site"
)

// ProfileByName resolves a configured profile name.
func ProfileByName(name string) (*Profile, error) {
	switch name {
	case ProfilePublicSafety:
		return publicSafetyProfile(), nil
	case ProfileIndustrialSite:
		return industrialSiteProfile(), nil
	default:
		return nil, fmt.Errorf("unknown incident profile %q", name)
	}
}

func publicSafetyProfile() *Profile {
	return &Profile{
		Name:       ProfilePublicSafety,
		Categories: []string{"Violence", "Accident", "Utility", "Illegal Activity"},
		EventTypes: []string{"weapon", "person"},
		DetectionTypes: []DetectionType{
			DetectionPerson, DetectionWeapon, DetectionFire,
		},
		incidentPromptBody: `Violence fields:
- violence_type: theft, assaults, harassment, suspicious activity, kidnapping.
- weapon: only the weapon name; if no weapon is present, return "none".
- site_description: a detailed description of the exact place.
- number_of_people: integer count.
- description_of_people: concise but informative (gender, clothing, age group if visible).
- detailed_description_for_the_incident: full sentences giving the sequence of events in detail.

Accident fields:
- accident_type: traffic, fire, drowning, fall, explosion, medical emergency.
- site_description: detailed description of the exact place where it happened.
- vehicles_machines_involved: specify type and number clearly (e.g. "2 cars and 1 motorcycle").

Utility fields:
- utility_type: electricity_outage, water_leakage, gas_leak, internet_disruption, road_damage.
- site_description: detailed location.
- extent_of_impact: clear statement of scale (e.g. "approximately 200 households").
- duration: estimated or reported downtime.

Illegal Activity fields:
- illegal_type: drug_dealing, smuggling, vandalism, fraud, cybercrime, trespassing.
- site_description: detailed description of where the activity occurred.
- items_involved: specify in detail.`,
	}
}

func industrialSiteProfile() *Profile {
	return &Profile{
		Name:       ProfileIndustrialSite,
		Categories: []string{"Spill", "Fire", "PPE Violation", "Structural Damage", "Equipment Failure"},
		EventTypes: []string{
			"ppe_equipment", "spill", "fire", "structural_damage", "machinery",
		},
		DetectionTypes: []DetectionType{
			DetectionPerson, DetectionFire, DetectionSpill, DetectionPPEViolation,
			DetectionStructuralDamage, DetectionMachinery, DetectionHazardSign,
			DetectionSafetyEquipment,
		},
		incidentPromptBody: `Spill fields:
- substance_involved: name of the spilled substance if identifiable, otherwise a visual description.
- site_description: a detailed description of the exact place.
- extent_of_impact: clear statement of the affected area.

Fire fields:
- site_description: detailed description of where the fire is burning.
- equipment_id: any visible unit/equipment identifier near the fire, else null.

PPE Violation fields:
- missing_ppe: list of missing items (e.g. "helmet", "gloves", "safety harness").
- number_of_people: integer count of workers involved.
- description_of_people: concise description of the workers involved.

Structural Damage fields:
- structural_damage_notes: what is damaged and how severe it looks.
- site_description: detailed description of the damaged structure's location.

Equipment Failure fields:
- equipment_id: the visible equipment identifier, else null.
- vehicles_machines_involved: type and number of machines involved.`,
	}
}

// IncidentPrompt builds the schema-constrained classification prompt for one
// submission. Address and timestamp come from the upload collaborator and
// give the model real-world grounding.
func (p *Profile) IncidentPrompt(address, timestamp string) string {
	return fmt.Sprintf(`You are an advanced incident analysis system.
Analyze the uploaded video and output ONLY a JSON object that matches the incident schema.
The address of the incident is: %s.
The timestamp of the incident is: %s.

General Rules:
- Always output valid JSON, no extra text.
- category: one of [%s].
- title: maximum 3 words, must summarize the event.
- description: exactly 2 short sentences summarizing what happened.
- severity: one of [Low, Medium, High].
- model_assessed_authenticity: "Real" if the footage shows a genuine incident, "False" if staged or fake.
- All textual fields must be complete, precise, and consistent.

%s

Important:
- If a field is not relevant for the detected category, set it to null.
- Be consistent: descriptions of people, objects, places, and actions must align logically with the video content.`,
		address, timestamp, strings.Join(p.Categories, ", "), p.incidentPromptBody)
}

// TimestampPrompt builds the candidate-event extraction prompt.
func (p *Profile) TimestampPrompt() string {
	return fmt.Sprintf(`You are an incident analysis system. Analyze the uploaded video and return ONLY a strict JSON array that follows the schema.

Goals:
- Identify critical timestamps (to the nearest 0.001s) that may contain crucial evidence or details valuable for investigators.
- event_type must be one of [%s].
- Ignore all other frames. Only return timestamps of high evidential value.
- Provide a confidence score [0.0-1.0] for each timestamp.
- suggested_frame_seconds must be the single best frame to extract for evidence (precise, clear visibility).

Rules:
- Return ONLY the JSON array, no extra text or explanation.
- Times are in seconds with 3 decimal places.
- Keep descriptions short but precise about why this frame is crucial.
- suggested_frame_seconds is mandatory for every event.`,
		strings.Join(p.EventTypes, ", "))
}

// DetectionPrompt builds the multi-image detection prompt sent with each
// batch of sampled frames.
func (p *Profile) DetectionPrompt() string {
	names := make([]string, len(p.DetectionTypes))
	for i, t := range p.DetectionTypes {
		names[i] = string(t)
	}
	return fmt.Sprintf(`You are analyzing multiple extracted frames from an incident video.
Return ONLY a strict JSON array, no explanations or extra text.

For each input image, return an object:
{
  "image_index": int (index in the input list, starting from 0),
  "detections": [
    {
      "box_2d": [ymin, xmin, ymax, xmax] with values normalized to 0-1000,
      "type": one of [%s],
      "confidence": float,
      "description": "detailed description of what is detected"
    }
  ]
}

Rules:
- Detect ONLY the listed types.
- If a person's face is not clearly visible, do NOT return them.
- Provide detailed descriptions for each detection.`,
		strings.Join(names, ", "))
}

// HasDetectionType reports whether a detection type belongs to this
// profile's closed vocabulary.
func (p *Profile) HasDetectionType(t DetectionType) bool {
	for _, dt := range p.DetectionTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// HasEventType reports whether an event type belongs to this profile's
// closed vocabulary.
func (p *Profile) HasEventType(t string) bool {
	for _, et := range p.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}
