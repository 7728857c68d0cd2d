package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/medibridge/hms-backend/pkg/enums"
)

// SubmissionFailure is the audit record written when a submission fails for
// good: a job exhausts its attempts, hits a non-retryable error, or the
// synchronous path gives up. Kept for manual remediation. JobID is null for
// failures on the synchronous path, which never had a job.
type SubmissionFailure struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	JobID         *uuid.UUID          `gorm:"column:job_id;type:uuid"`
	EventType     enums.EventType     `gorm:"column:event_type;not null"`
	EntityType    enums.EntityType    `gorm:"column:entity_type;not null"`
	EntityID      string              `gorm:"column:entity_id;not null"`
	DataHash      string              `gorm:"column:data_hash;not null"`
	Metadata      json.RawMessage     `gorm:"column:metadata;type:jsonb"`
	Payload       json.RawMessage     `gorm:"column:payload;type:jsonb"`
	FailureReason enums.FailureReason `gorm:"column:failure_reason;not null"`
	ErrorMessage  *string             `gorm:"column:error_message"`
	AttemptCount  int                 `gorm:"column:attempt_count;not null"`
	FailedAt      time.Time           `gorm:"column:failed_at;not null"`
}
