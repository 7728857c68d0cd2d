// Package submission orchestrates the ledger event pipeline: it builds and
// signs envelopes, deduplicates them, and delivers them either synchronously
// or through the durable queue.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/internal/envelope"
	"github.com/medibridge/hms-backend/internal/idempotency"
	"github.com/medibridge/hms-backend/internal/ledger"
	"github.com/medibridge/hms-backend/internal/queue"
	"github.com/medibridge/hms-backend/internal/retry"
	"github.com/medibridge/hms-backend/pkg/config"
	dbpkg "github.com/medibridge/hms-backend/pkg/db"
	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
)

// EnvelopeParams collects the inputs for one evidence record. Exactly one of
// Data and DataHash must be set.
type EnvelopeParams struct {
	EventType  enums.EventType
	ActorID    string
	ActorRole  enums.ActorRole
	EntityType enums.EntityType
	EntityID   string
	Data       any
	DataHash   string
	Metadata   map[string]string
}

// Options tunes one Submit call.
type Options struct {
	UseQueue bool
	Priority int
	Delay    time.Duration
}

// Result reports the outcome of a Submit call.
type Result struct {
	TransactionRef string
	JobID          *uuid.UUID
	Queued         bool
	Deduplicated   bool
	Attempts       int
	Duration       time.Duration
}

// EntityUpdater receives the transaction reference after a confirmed write,
// so the owning record can point back at its ledger evidence.
type EntityUpdater interface {
	RecordTransactionRef(ctx context.Context, entityType enums.EntityType, entityID, transactionRef string) error
}

type enqueuer interface {
	Enqueue(ctx context.Context, env *envelope.Envelope, opts queue.EnqueueOptions) (*models.SubmissionJob, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	Signer        *envelope.Signer
	Ledger        ledger.Client
	Executor      *retry.Executor
	Cache         *idempotency.Cache
	Queue         enqueuer
	Repository    *Repository
	EntityUpdater EntityUpdater
}

// Service is the single entry point for recording events on the ledger.
type Service struct {
	cfg       *config.Config
	logg      *logger.Logger
	signer    *envelope.Signer
	ledger    ledger.Client
	executor  *retry.Executor
	cache     *idempotency.Cache
	queue     enqueuer
	repo      *Repository
	updater   EntityUpdater
	retryOpts retry.Options
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger client is required")
	}
	if params.Executor == nil {
		return nil, errors.New("retry executor is required")
	}
	if params.Cache == nil {
		return nil, errors.New("idempotency cache is required")
	}
	if params.Repository == nil {
		return nil, errors.New("submission repository is required")
	}

	return &Service{
		cfg:       params.Config,
		logg:      params.Logger,
		signer:    params.Signer,
		ledger:    params.Ledger,
		executor:  params.Executor,
		cache:     params.Cache,
		queue:     params.Queue,
		repo:      params.Repository,
		updater:   params.EntityUpdater,
		retryOpts: retry.OptionsFromConfig(params.Config.Retry),
	}, nil
}

// BuildAndSign assembles a signed envelope from the given parameters.
func (s *Service) BuildAndSign(ctx context.Context, params EnvelopeParams) (*envelope.Envelope, error) {
	builder := s.signer.NewEnvelope().
		WithEventType(params.EventType).
		WithActor(params.ActorID, params.ActorRole).
		WithEntity(params.EntityType, params.EntityID)
	if params.DataHash != "" {
		builder = builder.WithDataHash(params.DataHash)
	} else if params.Data != nil {
		builder = builder.WithData(params.Data)
	}
	for key, value := range params.Metadata {
		builder = builder.WithMetadata(key, value)
	}
	return builder.Build()
}

// Submit records the envelope on the ledger. With Options.UseQueue the call
// returns as soon as the job is persisted; a broken queue falls back to the
// synchronous path rather than losing the event.
func (s *Service) Submit(ctx context.Context, env *envelope.Envelope, opts Options) (*Result, error) {
	if env == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "envelope is required")
	}
	if !s.signer.VerifySignature(env) {
		return nil, apperrors.New(apperrors.CodeSignature, "envelope signature verification failed")
	}

	logCtx := s.submissionContext(ctx, env)

	if existing, ok := s.lookupExisting(logCtx, env); ok {
		s.logg.Info(s.logg.WithField(logCtx, "transaction_ref", existing), "submission deduplicated")
		return &Result{TransactionRef: existing, Deduplicated: true}, nil
	}

	if opts.UseQueue && s.queue != nil {
		job, err := s.queue.Enqueue(logCtx, env, queue.EnqueueOptions{Priority: opts.Priority, Delay: opts.Delay})
		if err == nil {
			id := job.ID
			return &Result{JobID: &id, Queued: true}, nil
		}
		if !apperrors.HasCode(err, apperrors.CodeQueueUnavailable) {
			return nil, err
		}
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "queue unavailable, submitting synchronously")
	}

	result, err := s.submitDirect(logCtx, env)
	if err != nil {
		s.recordFailure(logCtx, env, result, err)
		return nil, err
	}
	return result, nil
}

// Process implements the queue handler: it re-validates a persisted job and
// pushes its envelope to the ledger.
func (s *Service) Process(ctx context.Context, job models.SubmissionJob) (string, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, err, "decoding job payload")
	}
	if !s.signer.VerifySignature(&env) {
		return "", apperrors.New(apperrors.CodeSignature, "envelope signature verification failed")
	}

	logCtx := s.submissionContext(ctx, &env)
	logCtx = s.logg.WithJobID(logCtx, job.ID.String())

	if existing, ok := s.lookupExisting(logCtx, &env); ok {
		s.logg.Info(s.logg.WithField(logCtx, "transaction_ref", existing), "job deduplicated")
		return existing, nil
	}

	result, err := s.submitDirect(logCtx, &env)
	if err != nil {
		return "", err
	}
	return result.TransactionRef, nil
}

// submitDirect pushes the envelope through the retry executor. On failure the
// returned result still carries the attempt count, for the failure audit row.
func (s *Service) submitDirect(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	payload, err := env.CanonicalJSON()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "serializing envelope")
	}

	var receipt *ledger.Receipt
	result := s.executor.ExecuteWithBreaker(ctx, func(ctx context.Context) error {
		r, submitErr := s.ledger.Submit(ctx, payload)
		if submitErr != nil {
			return submitErr
		}
		receipt = r
		return nil
	}, s.retryOpts, string(env.EventType))

	if !result.Success {
		return &Result{Attempts: result.Attempts, Duration: result.TotalDuration}, result.Err
	}

	s.recordSuccess(ctx, env, receipt)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"transaction_ref": receipt.TransactionRef,
		"attempts":        result.Attempts,
		"duration_ms":     result.TotalDuration.Milliseconds(),
	}), "ledger submission confirmed")

	return &Result{
		TransactionRef: receipt.TransactionRef,
		Attempts:       result.Attempts,
		Duration:       result.TotalDuration,
	}, nil
}

// lookupExisting consults the cache first and the durable store second.
func (s *Service) lookupExisting(ctx context.Context, env *envelope.Envelope) (string, bool) {
	key := s.cache.SubmissionKey(env.EntityType, env.EntityID)
	if ref, ok := s.cache.Get(ctx, key); ok {
		return ref, true
	}

	// Uploaded documents are content-addressed: the same bytes anchored
	// once do not need a second ledger entry.
	if env.EventType == enums.EventDocumentUploaded {
		if ref, ok := s.cache.Get(ctx, s.cache.BlobKey(env.DataHash)); ok {
			return ref, true
		}
	}

	sub, err := s.repo.FindByEntityEvent(ctx, env.EntityType, env.EntityID, env.EventType)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "submission lookup failed")
		}
		return "", false
	}

	s.cache.Put(ctx, key, sub.TransactionRef, s.cfg.Cache.SubmissionTTL)
	return sub.TransactionRef, true
}

// recordSuccess persists the confirmed write, warms the dedup cache, and
// notifies the owning entity. None of these may fail the submission; the
// ledger already accepted it.
func (s *Service) recordSuccess(ctx context.Context, env *envelope.Envelope, receipt *ledger.Receipt) {
	sub := &models.LedgerSubmission{
		EntityType:     env.EntityType,
		EntityID:       env.EntityID,
		EventType:      env.EventType,
		DataHash:       env.DataHash,
		TransactionRef: receipt.TransactionRef,
	}
	if !receipt.ConsensusTimestamp.IsZero() {
		ts := receipt.ConsensusTimestamp
		sub.ConsensusTimestamp = &ts
	}
	if err := s.repo.Insert(ctx, sub); err != nil && !dbpkg.IsUniqueViolation(err, "ux_ledger_submissions_entity_event") {
		s.logg.Error(ctx, "persisting ledger submission failed", err)
	}

	key := s.cache.SubmissionKey(env.EntityType, env.EntityID)
	s.cache.Put(ctx, key, receipt.TransactionRef, s.cfg.Cache.SubmissionTTL)
	if env.EventType == enums.EventDocumentUploaded {
		s.cache.Put(ctx, s.cache.BlobKey(env.DataHash), receipt.TransactionRef, s.cfg.Cache.BlobTTL)
	}

	if s.updater != nil {
		if err := s.updater.RecordTransactionRef(ctx, env.EntityType, env.EntityID, receipt.TransactionRef); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "entity transaction ref update failed")
		}
	}
}

// recordFailure writes the audit row for a synchronous submission that
// failed for good. Queued jobs get their row from the worker instead; here
// there is no job, so the row carries no job id.
func (s *Service) recordFailure(ctx context.Context, env *envelope.Envelope, result *Result, cause error) {
	attempts := 0
	if result != nil {
		attempts = result.Attempts
	}

	var metadata json.RawMessage
	if len(env.Metadata) > 0 {
		metadata, _ = json.Marshal(env.Metadata)
	}
	var payload json.RawMessage
	if raw, err := env.CanonicalJSON(); err == nil {
		payload = raw
	}

	message := cause.Error()
	failure := &models.SubmissionFailure{
		EventType:     env.EventType,
		EntityType:    env.EntityType,
		EntityID:      env.EntityID,
		DataHash:      env.DataHash,
		Metadata:      metadata,
		Payload:       payload,
		FailureReason: directFailureReason(cause),
		ErrorMessage:  &message,
		AttemptCount:  attempts,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.repo.InsertFailure(ctx, failure); err != nil {
		s.logg.Error(ctx, "persisting submission failure failed", err)
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "failure_reason", failure.FailureReason), "synchronous submission failed terminally")
}

// directFailureReason mirrors the worker's terminal classification. On the
// synchronous path every returned error is final, circuit-open included:
// nothing behind the caller will retry the event.
func directFailureReason(err error) enums.FailureReason {
	typed := apperrors.As(err)
	if typed == nil {
		return enums.FailureReasonMaxAttempts
	}
	switch typed.Code() {
	case apperrors.CodeValidation, apperrors.CodeSignature:
		return enums.FailureReasonInvalidPayload
	case apperrors.CodeLedgerPermanent:
		return enums.FailureReasonNonRetryable
	}
	if !apperrors.MetadataFor(typed.Code()).Retryable {
		return enums.FailureReasonNonRetryable
	}
	return enums.FailureReasonMaxAttempts
}

func (s *Service) submissionContext(ctx context.Context, env *envelope.Envelope) context.Context {
	ctx = s.logg.WithEventType(ctx, string(env.EventType))
	return s.logg.WithEntity(ctx, string(env.EntityType), env.EntityID)
}
