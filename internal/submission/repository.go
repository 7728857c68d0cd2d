package submission

import (
	"context"

	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
)

// Repository is the data access layer for completed ledger submissions.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, sub *models.LedgerSubmission) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

// InsertFailure writes the audit row for a submission that terminally failed
// outside the queue. Failed jobs get their row from the queue repository.
func (r *Repository) InsertFailure(ctx context.Context, failure *models.SubmissionFailure) error {
	return r.db.WithContext(ctx).Create(failure).Error
}

func (r *Repository) FindByEntityEvent(ctx context.Context, entityType enums.EntityType, entityID string, eventType enums.EventType) (*models.LedgerSubmission, error) {
	var sub models.LedgerSubmission
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND event_type = ?", entityType, entityID, eventType).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindLatestByEntity returns the most recent submission for an entity across
// all event types.
func (r *Repository) FindLatestByEntity(ctx context.Context, entityType enums.EntityType, entityID string) (*models.LedgerSubmission, error) {
	var sub models.LedgerSubmission
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
