package enums

import "fmt"

// EventType is the closed set of domain events recorded on the ledger.
type EventType string

const (
	EventConsultationCreated  EventType = "CONSULTATION_CREATED"
	EventConsultationUpdated  EventType = "CONSULTATION_UPDATED"
	EventPrescriptionIssued   EventType = "PRESCRIPTION_ISSUED"
	EventPrescriptionFilled   EventType = "PRESCRIPTION_FILLED"
	EventDocumentUploaded     EventType = "DOCUMENT_UPLOADED"
	EventLabResultRecorded    EventType = "LAB_RESULT_RECORDED"
	EventAppointmentScheduled EventType = "APPOINTMENT_SCHEDULED"
	EventAdmissionRecorded    EventType = "ADMISSION_RECORDED"
	EventDischargeRecorded    EventType = "DISCHARGE_RECORDED"
	EventPointsAwarded        EventType = "POINTS_AWARDED"
	EventPointsRedeemed       EventType = "POINTS_REDEEMED"
	EventInvoiceSettled       EventType = "INVOICE_SETTLED"
)

var validEventTypes = []EventType{
	EventConsultationCreated,
	EventConsultationUpdated,
	EventPrescriptionIssued,
	EventPrescriptionFilled,
	EventDocumentUploaded,
	EventLabResultRecorded,
	EventAppointmentScheduled,
	EventAdmissionRecorded,
	EventDischargeRecorded,
	EventPointsAwarded,
	EventPointsRedeemed,
	EventInvoiceSettled,
}

// IsValid reports whether the value belongs to the closed event set.
func (e EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEventType converts raw input into EventType.
func ParseEventType(value string) (EventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
