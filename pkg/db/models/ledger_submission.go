package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/medibridge/hms-backend/pkg/enums"
)

// LedgerSubmission is the durable record of a successful ledger write: the
// hash that was attested and the transaction reference the ledger returned.
type LedgerSubmission struct {
	ID                 uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EntityType         enums.EntityType `gorm:"column:entity_type;not null;uniqueIndex:ux_ledger_submissions_entity_event"`
	EntityID           string           `gorm:"column:entity_id;not null;uniqueIndex:ux_ledger_submissions_entity_event"`
	EventType          enums.EventType  `gorm:"column:event_type;not null;uniqueIndex:ux_ledger_submissions_entity_event"`
	DataHash           string           `gorm:"column:data_hash;not null"`
	TransactionRef     string           `gorm:"column:transaction_ref;not null"`
	ConsensusTimestamp *time.Time       `gorm:"column:consensus_timestamp"`
	CreatedAt          time.Time        `gorm:"column:created_at;autoCreateTime"`
}
