// Package queue persists ledger submission jobs and drains them through a
// fixed-size worker pool. Jobs survive process restarts; the pool claims due
// rows, hands them to a handler, and records the terminal outcome.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/internal/envelope"
	"github.com/medibridge/hms-backend/pkg/config"
	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
)

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	QueueName string    `json:"queueName"`
	Waiting   int64     `json:"waiting"`
	Active    int64     `json:"active"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Delayed   int64     `json:"delayed"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// JobStatus is the externally visible view of one job.
type JobStatus struct {
	ID             uuid.UUID       `json:"id"`
	State          enums.JobState  `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	RunAt          time.Time       `json:"runAt"`
	EventType      enums.EventType `json:"eventType"`
	EntityID       string          `json:"entityId"`
	TransactionRef *string         `json:"transactionRef,omitempty"`
	LastError      *string         `json:"lastError,omitempty"`
}

// Queue enqueues signed envelopes as durable jobs.
type Queue struct {
	cfg  config.QueueConfig
	repo *Repository
	logg *logger.Logger
}

func New(cfg config.QueueConfig, repo *Repository, logg *logger.Logger) (*Queue, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("queue name is required")
	}
	return &Queue{cfg: cfg, repo: repo, logg: logg}, nil
}

// Name returns the configured queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Enqueue persists one signed envelope as a waiting job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, env *envelope.Envelope, opts EnqueueOptions) (*models.SubmissionJob, error) {
	job, err := q.buildJob(env, opts)
	if err != nil {
		return nil, err
	}
	if err := q.repo.Insert(ctx, job); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueueUnavailable, err, "inserting submission job")
	}

	logCtx := q.logg.WithFields(ctx, map[string]any{
		"job_id":     job.ID.String(),
		"event_type": job.EventType,
		"entity_id":  job.EntityID,
		"priority":   job.Priority,
		"run_at":     job.RunAt.Format(time.RFC3339Nano),
	})
	q.logg.Info(logCtx, "submission job enqueued")
	return job, nil
}

// EnqueueBatch persists several envelopes in one transaction. Either every
// job is accepted or none is.
func (q *Queue) EnqueueBatch(ctx context.Context, envs []*envelope.Envelope, opts EnqueueOptions) ([]*models.SubmissionJob, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	jobs := make([]*models.SubmissionJob, 0, len(envs))
	for _, env := range envs {
		job, err := q.buildJob(env, opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	err := q.repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return q.repo.InsertBatchTx(tx, jobs)
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueueUnavailable, err, "inserting submission job batch")
	}

	logCtx := q.logg.WithField(ctx, "batch_size", len(jobs))
	q.logg.Info(logCtx, "submission job batch enqueued")
	return jobs, nil
}

// Status reports the current state of one job.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*JobStatus, error) {
	job, err := q.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "submission job not found")
		}
		return nil, apperrors.Wrap(apperrors.CodeQueueUnavailable, err, "loading submission job")
	}
	return &JobStatus{
		ID:             job.ID,
		State:          job.State,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		RunAt:          job.RunAt,
		EventType:      job.EventType,
		EntityID:       job.EntityID,
		TransactionRef: job.TransactionRef,
		LastError:      job.LastError,
	}, nil
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	counts, err := q.repo.CountByState(ctx, q.cfg.Name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueueUnavailable, err, "counting submission jobs")
	}
	return &Stats{
		QueueName: q.cfg.Name,
		Waiting:   counts[enums.JobStateWaiting],
		Active:    counts[enums.JobStateActive],
		Completed: counts[enums.JobStateCompleted],
		Failed:    counts[enums.JobStateFailed],
		Delayed:   counts[enums.JobStateDelayed],
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (q *Queue) buildJob(env *envelope.Envelope, opts EnqueueOptions) (*models.SubmissionJob, error) {
	if env == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "envelope is required")
	}
	if env.Signature == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "envelope is not signed")
	}

	payload, err := env.CanonicalJSON()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "serializing envelope")
	}

	var metadata json.RawMessage
	if len(env.Metadata) > 0 {
		metadata, err = json.Marshal(env.Metadata)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "serializing envelope metadata")
		}
	}

	now := time.Now().UTC()
	state := enums.JobStateWaiting
	runAt := now
	if opts.Delay > 0 {
		state = enums.JobStateDelayed
		runAt = now.Add(opts.Delay)
	}

	return &models.SubmissionJob{
		ID:          uuid.New(),
		QueueName:   q.cfg.Name,
		Priority:    opts.Priority,
		State:       state,
		MaxAttempts: q.cfg.MaxAttempts,
		RunAt:       runAt,
		EventType:   env.EventType,
		EntityType:  env.EntityType,
		EntityID:    env.EntityID,
		ActorID:     env.ActorID,
		ActorRole:   env.ActorRole,
		DataHash:    env.DataHash,
		Metadata:    metadata,
		Payload:     payload,
		Signature:   env.Signature,
	}, nil
}
