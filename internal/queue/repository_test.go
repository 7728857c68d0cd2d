package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
)

func setupQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	submissionJobs := `
CREATE TABLE IF NOT EXISTS submission_jobs (
  id TEXT PRIMARY KEY,
  queue_name TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'waiting',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  run_at DATETIME NOT NULL,
  event_type TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  actor_id TEXT NOT NULL,
  actor_role TEXT NOT NULL,
  data_hash TEXT NOT NULL,
  metadata TEXT,
  payload TEXT NOT NULL,
  signature TEXT NOT NULL,
  transaction_ref TEXT,
  last_error TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	submissionFailures := `
CREATE TABLE IF NOT EXISTS submission_failures (
  id TEXT PRIMARY KEY,
  job_id TEXT,
  event_type TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  data_hash TEXT NOT NULL,
  metadata TEXT,
  payload TEXT,
  failure_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL,
  failed_at DATETIME NOT NULL
);`
	require.NoError(t, db.Exec(submissionJobs).Error)
	require.NoError(t, db.Exec(submissionFailures).Error)
	return db
}

func newTestJob(queueName string, state enums.JobState, runAt time.Time) *models.SubmissionJob {
	return &models.SubmissionJob{
		ID:          uuid.New(),
		QueueName:   queueName,
		State:       state,
		MaxAttempts: 5,
		RunAt:       runAt,
		EventType:   enums.EventConsultationCreated,
		EntityType:  enums.EntityConsultation,
		EntityID:    "55",
		ActorID:     "doctor-1",
		ActorRole:   enums.RoleDoctor,
		DataHash:    "abc123",
		Payload:     []byte(`{"eventType":"CONSULTATION_CREATED"}`),
		Signature:   "sig",
	}
}

func TestRepositoryInsertAndFind(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	job := newTestJob("ledger-submissions", enums.JobStateWaiting, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, job))

	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	assert.Equal(t, enums.JobStateWaiting, found.State)
	assert.Equal(t, enums.EventConsultationCreated, found.EventType)

	_, err = repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRepositoryClaimDueTx(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTestJob("ledger-submissions", enums.JobStateWaiting, now.Add(-time.Minute))
	delayed := newTestJob("ledger-submissions", enums.JobStateDelayed, now.Add(-time.Second))
	future := newTestJob("ledger-submissions", enums.JobStateDelayed, now.Add(time.Hour))
	active := newTestJob("ledger-submissions", enums.JobStateActive, now.Add(-time.Minute))
	otherQueue := newTestJob("other-queue", enums.JobStateWaiting, now.Add(-time.Minute))
	for _, job := range []*models.SubmissionJob{due, delayed, future, active, otherQueue} {
		require.NoError(t, repo.Insert(ctx, job))
	}

	var claimed []models.SubmissionJob
	err := db.Transaction(func(tx *gorm.DB) error {
		rows, err := repo.ClaimDueTx(tx, "ledger-submissions", 10, now)
		claimed = rows
		return err
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	ids := map[uuid.UUID]bool{}
	for _, job := range claimed {
		ids[job.ID] = true
		assert.Equal(t, enums.JobStateActive, job.State)
	}
	assert.True(t, ids[due.ID])
	assert.True(t, ids[delayed.ID])

	stored, err := repo.FindByID(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateActive, stored.State)

	untouched, err := repo.FindByID(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateDelayed, untouched.State)
}

func TestRepositoryClaimDueTxHonorsPriority(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	low := newTestJob("ledger-submissions", enums.JobStateWaiting, now.Add(-time.Minute))
	high := newTestJob("ledger-submissions", enums.JobStateWaiting, now.Add(-time.Minute))
	high.Priority = 10
	require.NoError(t, repo.Insert(ctx, low))
	require.NoError(t, repo.Insert(ctx, high))

	var claimed []models.SubmissionJob
	err := db.Transaction(func(tx *gorm.DB) error {
		rows, err := repo.ClaimDueTx(tx, "ledger-submissions", 1, now)
		claimed = rows
		return err
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, high.ID, claimed[0].ID)
}

func TestRepositoryMarkCompleted(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	job := newTestJob("ledger-submissions", enums.JobStateActive, time.Now().UTC())
	job.Attempts = 2
	require.NoError(t, repo.Insert(ctx, job))

	require.NoError(t, repo.MarkCompleted(ctx, job.ID, "0.0.1234@1699999999.000000001"))

	stored, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateCompleted, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	require.NotNil(t, stored.TransactionRef)
	assert.Equal(t, "0.0.1234@1699999999.000000001", *stored.TransactionRef)
	assert.Nil(t, stored.LastError)
}

func TestRepositoryReschedule(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	job := newTestJob("ledger-submissions", enums.JobStateActive, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, job))

	runAt := time.Now().UTC().Add(4 * time.Second)
	require.NoError(t, repo.Reschedule(ctx, job.ID, 1, runAt, assert.AnError))

	stored, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateDelayed, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.WithinDuration(t, runAt, stored.RunAt, time.Second)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, assert.AnError.Error(), *stored.LastError)
}

func TestRepositoryMarkFailedWritesAuditRow(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	job := newTestJob("ledger-submissions", enums.JobStateActive, time.Now().UTC())
	job.Attempts = 4
	require.NoError(t, repo.Insert(ctx, job))

	require.NoError(t, repo.MarkFailed(ctx, *job, enums.FailureReasonMaxAttempts, assert.AnError))

	stored, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateFailed, stored.State)
	assert.Equal(t, 5, stored.Attempts)

	var failures []models.SubmissionFailure
	require.NoError(t, db.Find(&failures).Error)
	require.Len(t, failures, 1)
	require.NotNil(t, failures[0].JobID)
	assert.Equal(t, job.ID, *failures[0].JobID)
	assert.Equal(t, enums.FailureReasonMaxAttempts, failures[0].FailureReason)
	assert.Equal(t, 5, failures[0].AttemptCount)
	require.NotNil(t, failures[0].ErrorMessage)
	assert.Equal(t, assert.AnError.Error(), *failures[0].ErrorMessage)
}

func TestRepositoryRequeueClaimedReturnsActiveJobs(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	claimed := newTestJob("ledger-submissions", enums.JobStateActive, now)
	finished := newTestJob("ledger-submissions", enums.JobStateCompleted, now)
	require.NoError(t, repo.Insert(ctx, claimed))
	require.NoError(t, repo.Insert(ctx, finished))

	require.NoError(t, repo.RequeueClaimed(ctx, []uuid.UUID{claimed.ID, finished.ID}))

	stored, err := repo.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateWaiting, stored.State)

	untouched, err := repo.FindByID(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateCompleted, untouched.State)

	require.NoError(t, repo.RequeueClaimed(ctx, nil))
}

func TestRepositoryRequeueStaleReclaimsOldActiveJobs(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newTestJob("ledger-submissions", enums.JobStateActive, now.Add(-time.Hour))
	fresh := newTestJob("ledger-submissions", enums.JobStateActive, now)
	waiting := newTestJob("ledger-submissions", enums.JobStateWaiting, now.Add(-time.Hour))
	otherQueue := newTestJob("other-queue", enums.JobStateActive, now.Add(-time.Hour))
	for _, job := range []*models.SubmissionJob{stale, fresh, waiting, otherQueue} {
		require.NoError(t, repo.Insert(ctx, job))
	}
	require.NoError(t, db.Model(&models.SubmissionJob{}).
		Where("id IN ?", []uuid.UUID{stale.ID, otherQueue.ID}).
		Update("updated_at", now.Add(-time.Hour)).Error)

	count, err := repo.RequeueStale(ctx, "ledger-submissions", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	reclaimed, err := repo.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateWaiting, reclaimed.State)

	stillActive, err := repo.FindByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateActive, stillActive.State)

	foreign, err := repo.FindByID(ctx, otherQueue.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateActive, foreign.State)
}

func TestRepositoryCountByState(t *testing.T) {
	db := setupQueueTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, state := range []enums.JobState{
		enums.JobStateWaiting,
		enums.JobStateWaiting,
		enums.JobStateCompleted,
		enums.JobStateFailed,
	} {
		require.NoError(t, repo.Insert(ctx, newTestJob("ledger-submissions", state, now)))
	}
	require.NoError(t, repo.Insert(ctx, newTestJob("other-queue", enums.JobStateWaiting, now)))

	counts, err := repo.CountByState(ctx, "ledger-submissions")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[enums.JobStateWaiting])
	assert.Equal(t, int64(1), counts[enums.JobStateCompleted])
	assert.Equal(t, int64(1), counts[enums.JobStateFailed])
	assert.Zero(t, counts[enums.JobStateActive])
}
