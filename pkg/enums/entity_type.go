package enums

import "fmt"

// EntityType identifies the domain object an envelope is evidence about.
// Together with the entity id it forms the idempotency key.
type EntityType string

const (
	EntityConsultation EntityType = "consultation"
	EntityPrescription EntityType = "prescription"
	EntityDocument     EntityType = "document"
	EntityLabResult    EntityType = "lab_result"
	EntityAppointment  EntityType = "appointment"
	EntityAdmission    EntityType = "admission"
	EntityPatient      EntityType = "patient"
	EntityInvoice      EntityType = "invoice"
)

var validEntityTypes = []EntityType{
	EntityConsultation,
	EntityPrescription,
	EntityDocument,
	EntityLabResult,
	EntityAppointment,
	EntityAdmission,
	EntityPatient,
	EntityInvoice,
}

// IsValid reports whether the value belongs to the known entity set.
func (e EntityType) IsValid() bool {
	for _, candidate := range validEntityTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEntityType converts raw input into EntityType.
func ParseEntityType(value string) (EntityType, error) {
	for _, candidate := range validEntityTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid entity type %q", value)
}
