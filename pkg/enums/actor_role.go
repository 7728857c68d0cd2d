package enums

import "fmt"

// ActorRole names who triggered a ledger-bound event.
type ActorRole string

const (
	RoleDoctor       ActorRole = "doctor"
	RoleNurse        ActorRole = "nurse"
	RolePharmacist   ActorRole = "pharmacist"
	RoleLabTech      ActorRole = "lab_tech"
	RoleReceptionist ActorRole = "receptionist"
	RoleAdmin        ActorRole = "admin"
	RolePatient      ActorRole = "patient"
	RoleSystem       ActorRole = "system"
)

var validActorRoles = []ActorRole{
	RoleDoctor,
	RoleNurse,
	RolePharmacist,
	RoleLabTech,
	RoleReceptionist,
	RoleAdmin,
	RolePatient,
	RoleSystem,
}

// IsValid reports whether the value is a known actor role.
func (r ActorRole) IsValid() bool {
	for _, candidate := range validActorRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseActorRole converts raw input into ActorRole.
func ParseActorRole(value string) (ActorRole, error) {
	for _, candidate := range validActorRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor role %q", value)
}
