package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
)

// Repository is the data access layer for submission jobs.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, job *models.SubmissionJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repository) InsertTx(tx *gorm.DB, job *models.SubmissionJob) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(job).Error
}

func (r *Repository) InsertBatchTx(tx *gorm.DB, jobs []*models.SubmissionJob) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(jobs) == 0 {
		return nil
	}
	return tx.Create(jobs).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.SubmissionJob, error) {
	var job models.SubmissionJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimDueTx selects due waiting and delayed jobs, marks them active, and
// returns them. Claimed rows are locked so concurrent dispatchers never pick
// the same job twice.
func (r *Repository) ClaimDueTx(tx *gorm.DB, queueName string, limit int, now time.Time) ([]models.SubmissionJob, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}

	query := tx.
		Where("queue_name = ?", queueName).
		Where("state IN ?", []enums.JobState{enums.JobStateWaiting, enums.JobStateDelayed}).
		Where("run_at <= ?", now).
		Order("priority DESC").
		Order("run_at ASC").
		Order("created_at ASC").
		Limit(limit)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var jobs []models.SubmissionJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	err := tx.Model(&models.SubmissionJob{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"state":      enums.JobStateActive,
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		jobs[i].State = enums.JobStateActive
	}
	return jobs, nil
}

// RequeueClaimed returns claimed-but-undelivered jobs to the waiting state.
// Only rows still active are touched; a worker may already have finished one.
func (r *Repository) RequeueClaimed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.SubmissionJob{}).
		Where("id IN ?", ids).
		Where("state = ?", enums.JobStateActive).
		Updates(map[string]any{
			"state":      enums.JobStateWaiting,
			"updated_at": time.Now().UTC(),
		}).Error
}

// RequeueStale reclaims active jobs whose updated_at predates the cutoff.
// A row stuck in active means the claiming process died between claim and
// hand-off; without this sweep it would never reach a terminal state.
func (r *Repository) RequeueStale(ctx context.Context, queueName string, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.SubmissionJob{}).
		Where("queue_name = ?", queueName).
		Where("state = ?", enums.JobStateActive).
		Where("updated_at < ?", cutoff).
		Updates(map[string]any{
			"state":      enums.JobStateWaiting,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, transactionRef string) error {
	return r.db.WithContext(ctx).Model(&models.SubmissionJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":           enums.JobStateCompleted,
			"attempts":        gorm.Expr("attempts + 1"),
			"transaction_ref": transactionRef,
			"last_error":      nil,
		}).Error
}

// Reschedule parks the job in the delayed state until runAt.
func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, cause error) error {
	updates := map[string]any{
		"state":    enums.JobStateDelayed,
		"attempts": attempts,
		"run_at":   runAt,
	}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	return r.db.WithContext(ctx).Model(&models.SubmissionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// MarkFailed transitions the job to its terminal failed state and writes the
// failure audit row in the same transaction.
func (r *Repository) MarkFailed(ctx context.Context, job models.SubmissionJob, reason enums.FailureReason, cause error) error {
	attempts := job.Attempts + 1
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"state":    enums.JobStateFailed,
			"attempts": attempts,
		}
		if cause != nil {
			updates["last_error"] = cause.Error()
		}
		err := tx.Model(&models.SubmissionJob{}).
			Where("id = ?", job.ID).
			Updates(updates).Error
		if err != nil {
			return err
		}

		jobID := job.ID
		failure := models.SubmissionFailure{
			JobID:         &jobID,
			EventType:     job.EventType,
			EntityType:    job.EntityType,
			EntityID:      job.EntityID,
			DataHash:      job.DataHash,
			Metadata:      job.Metadata,
			Payload:       job.Payload,
			FailureReason: reason,
			ErrorMessage:  failureMessage(cause),
			AttemptCount:  attempts,
			FailedAt:      time.Now().UTC(),
		}
		return tx.Create(&failure).Error
	})
}

func (r *Repository) CountByState(ctx context.Context, queueName string) (map[enums.JobState]int64, error) {
	type row struct {
		State enums.JobState
		Count int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.SubmissionJob{}).
		Select("state, count(*) as count").
		Where("queue_name = ?", queueName).
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[enums.JobState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

func failureMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
