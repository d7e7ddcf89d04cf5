package pipeline

import (
	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/models"
)

func stringSchema() *inference.Schema {
	return &inference.Schema{Type: "string"}
}

func nullableString() *inference.Schema {
	return &inference.Schema{Type: "string", Nullable: true}
}

// incidentSchema constrains the classification response. Enum vocabularies
// come from the active profile so a test profile can shrink them.
func incidentSchema(profile *models.Profile) *inference.Schema {
	return &inference.Schema{
		Type: "object",
		Properties: map[string]*inference.Schema{
			"category":    {Type: "string", Enum: profile.Categories},
			"title":       stringSchema(),
			"description": stringSchema(),
			"severity": {Type: "string", Enum: []string{
				string(models.SeverityLow), string(models.SeverityMedium), string(models.SeverityHigh),
			}},
			"model_assessed_authenticity": {Type: "string", Enum: []string{
				string(models.AuthenticityReal), string(models.AuthenticityFalse),
			}},
			"violence_type":                         nullableString(),
			"weapon":                                nullableString(),
			"site_description":                      nullableString(),
			"number_of_people":                      {Type: "integer", Nullable: true},
			"description_of_people":                 nullableString(),
			"detailed_description_for_the_incident": nullableString(),
			"accident_type":                         nullableString(),
			"vehicles_machines_involved":            nullableString(),
			"utility_type":                          nullableString(),
			"extent_of_impact":                      nullableString(),
			"duration":                              nullableString(),
			"illegal_type":                          nullableString(),
			"items_involved":                        nullableString(),
			"substance_involved":                    nullableString(),
			"equipment_id":                          nullableString(),
			"missing_ppe":                           {Type: "array", Nullable: true, Items: stringSchema()},
			"structural_damage_notes":               nullableString(),
		},
		Required: []string{
			"category", "title", "description", "severity", "model_assessed_authenticity",
		},
	}
}

// eventsSchema constrains the timestamp-extraction response to an array of
// candidate events with the profile's event vocabulary.
func eventsSchema(profile *models.Profile) *inference.Schema {
	return &inference.Schema{
		Type: "array",
		Items: &inference.Schema{
			Type: "object",
			Properties: map[string]*inference.Schema{
				"event_type":              {Type: "string", Enum: profile.EventTypes},
				"first_second":            {Type: "number"},
				"confidence":              {Type: "number"},
				"description":             stringSchema(),
				"suggested_frame_seconds": {Type: "number"},
				"equipment_type":          nullableString(),
				"safety_violation":        nullableString(),
				"missing_ppe":             {Type: "array", Nullable: true, Items: stringSchema()},
			},
			Required: []string{
				"event_type", "first_second", "confidence", "description", "suggested_frame_seconds",
			},
		},
	}
}
