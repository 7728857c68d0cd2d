package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/medibridge/hms-backend/pkg/enums"
)

// SubmissionJob is a queued unit of work wrapping one ledger submission
// attempt. Completed and failed rows are never mutated again.
type SubmissionJob struct {
	ID             uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	QueueName      string           `gorm:"column:queue_name;not null"`
	Priority       int              `gorm:"column:priority;not null;default:0"`
	State          enums.JobState   `gorm:"column:state;not null;default:'waiting'"`
	Attempts       int              `gorm:"column:attempts;not null;default:0"`
	MaxAttempts    int              `gorm:"column:max_attempts;not null;default:5"`
	RunAt          time.Time        `gorm:"column:run_at;not null"`
	EventType      enums.EventType  `gorm:"column:event_type;not null"`
	EntityType     enums.EntityType `gorm:"column:entity_type;not null"`
	EntityID       string           `gorm:"column:entity_id;not null"`
	ActorID        string           `gorm:"column:actor_id;not null"`
	ActorRole      enums.ActorRole  `gorm:"column:actor_role;not null"`
	DataHash       string           `gorm:"column:data_hash;not null"`
	Metadata       json.RawMessage  `gorm:"column:metadata;type:jsonb"`
	Payload        json.RawMessage  `gorm:"column:payload;type:jsonb;not null"`
	Signature      string           `gorm:"column:signature;not null"`
	TransactionRef *string          `gorm:"column:transaction_ref"`
	LastError      *string          `gorm:"column:last_error"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}
