package models

// DetectionType is the closed vocabulary of things the detection pass may
// return. The active profile narrows which of these the prompt asks for.
type DetectionType string

const (
	DetectionPerson           DetectionType = "person"
	DetectionWeapon           DetectionType = "weapon"
	DetectionFire             DetectionType = "fire"
	DetectionSpill            DetectionType = "spill"
	DetectionPPEViolation     DetectionType = "ppe_violation"
	DetectionStructuralDamage DetectionType = "structural_damage"
	DetectionMachinery        DetectionType = "machinery"
	DetectionHazardSign       DetectionType = "hazard_sign"
	DetectionSafetyEquipment  DetectionType = "safety_equipment"
)

// IsPerson reports whether the detection evidences human presence rather
// than a physical hazard. The renderer routes persons and hazards into
// separate report fields based on this alone.
func (t DetectionType) IsPerson() bool {
	return t == DetectionPerson
}
