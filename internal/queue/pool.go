package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/pkg/config"
	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
	"github.com/medibridge/hms-backend/pkg/metrics"
)

const (
	defaultConcurrency       = 5
	defaultBatchSize         = 20
	defaultPollMs            = 500
	defaultMaxAttempts       = 5
	defaultBackoffBase       = 2 * time.Second
	defaultBackoffMax        = 5 * time.Minute
	defaultVisibilityTimeout = 5 * time.Minute
	maxPollBackoff           = 10 * time.Second
	jitterWindow             = 250 * time.Millisecond
	requeueTimeout           = 5 * time.Second
)

// Handler processes one claimed job and returns the ledger transaction
// reference on success. Returned errors decide retry versus terminal failure
// through their error codes.
type Handler interface {
	Process(ctx context.Context, job models.SubmissionJob) (string, error)
}

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type jobRepository interface {
	ClaimDueTx(tx *gorm.DB, queueName string, limit int, now time.Time) ([]models.SubmissionJob, error)
	RequeueClaimed(ctx context.Context, ids []uuid.UUID) error
	RequeueStale(ctx context.Context, queueName string, cutoff time.Time) (int64, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, transactionRef string) error
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, cause error) error
	MarkFailed(ctx context.Context, job models.SubmissionJob, reason enums.FailureReason, cause error) error
	CountByState(ctx context.Context, queueName string) (map[enums.JobState]int64, error)
}

type PoolParams struct {
	Config     config.QueueConfig
	Logger     *logger.Logger
	DB         dbClient
	Repository jobRepository
	Handler    Handler
	Metrics    *metrics.QueueMetrics
}

// Pool claims due jobs and processes them with a fixed number of workers.
// One dispatcher goroutine feeds a channel; the dequeue rate limiter keeps
// the claim rate bounded even when the backlog is deep.
type Pool struct {
	cfg          config.QueueConfig
	logg         *logger.Logger
	db           dbClient
	repo         jobRepository
	handler      Handler
	queueMetrics *metrics.QueueMetrics
	limiter      *rate.Limiter

	jitterMu sync.Mutex
	jitter   *rand.Rand

	concurrency  int
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	visibility   time.Duration
}

func NewPool(params PoolParams) (*Pool, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("job repository is required")
	}
	if params.Handler == nil {
		return nil, errors.New("job handler is required")
	}
	if params.Config.Name == "" {
		return nil, errors.New("queue name is required")
	}

	concurrency := params.Config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := params.Config.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffMax := params.Config.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	visibility := params.Config.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}

	dequeueRate := params.Config.DequeueRate
	if dequeueRate <= 0 {
		dequeueRate = float64(batch) * 2
	}
	burst := params.Config.DequeueBurst
	if burst <= 0 {
		burst = batch
	}

	return &Pool{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		handler:      params.Handler,
		queueMetrics: params.Metrics,
		limiter:      rate.NewLimiter(rate.Limit(dequeueRate), burst),
		jitter:       rand.New(rand.NewSource(time.Now().UnixNano())),
		concurrency:  concurrency,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		visibility:   visibility,
	}, nil
}

// Run blocks until ctx is canceled. In-flight jobs finish before it returns.
func (p *Pool) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.db.Ping(ctx); err != nil {
		p.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}

	jobs := make(chan models.SubmissionJob)
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker, jobs)
		}(i)
	}

	err := p.dispatchLoop(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (p *Pool) dispatchLoop(ctx context.Context, jobs chan<- models.SubmissionJob) error {
	interval := p.pollInterval
	backoff := interval
	nextSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "submission dispatcher context canceled")
			return ctx.Err()
		default:
		}

		if now := time.Now(); !now.Before(nextSweep) {
			p.recoverStale(ctx)
			nextSweep = now.Add(p.visibility)
		}

		claimed, err := p.claimBatch(ctx)
		if err != nil {
			p.logg.Error(ctx, "claiming submission jobs failed", err)
			backoff = nextBackoff(backoff, interval, maxPollBackoff)
			if err := p.sleep(ctx, p.withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = interval

		for i, job := range claimed {
			if err := p.limiter.Wait(ctx); err != nil {
				p.requeueUndelivered(claimed[i:])
				return err
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				p.requeueUndelivered(claimed[i:])
				return ctx.Err()
			}
		}

		if len(claimed) > 0 {
			continue
		}

		p.publishDepth(ctx)
		if err := p.sleep(ctx, p.withJitter(interval)); err != nil {
			return err
		}
	}
}

// recoverStale returns active rows older than the visibility timeout to the
// waiting state. Covers claims stranded by a crash between claim and
// hand-off, which no dispatcher would otherwise ever see again.
func (p *Pool) recoverStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.visibility)
	count, err := p.repo.RequeueStale(ctx, p.cfg.Name, cutoff)
	if err != nil {
		p.logg.Error(ctx, "requeueing stale active jobs failed", err)
		return
	}
	if count > 0 {
		p.logg.Warn(p.logg.WithField(ctx, "count", count), "requeued stale active jobs")
	}
}

// requeueUndelivered hands claimed-but-undispatched jobs back to the queue on
// shutdown. The pool context is already canceled here, so the write runs on
// its own short-lived context.
func (p *Pool) requeueUndelivered(undelivered []models.SubmissionJob) {
	if len(undelivered) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(undelivered))
	for _, job := range undelivered {
		ids = append(ids, job.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := p.repo.RequeueClaimed(ctx, ids); err != nil {
		p.logg.Error(ctx, "requeueing undelivered jobs failed", err)
		return
	}
	p.logg.Info(p.logg.WithField(ctx, "count", len(ids)), "returned undelivered jobs to the queue")
}

func (p *Pool) claimBatch(ctx context.Context) ([]models.SubmissionJob, error) {
	var claimed []models.SubmissionJob
	err := p.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := p.repo.ClaimDueTx(tx, p.cfg.Name, p.batchSize, time.Now().UTC())
		if err != nil {
			return err
		}
		claimed = rows
		return nil
	})
	return claimed, err
}

func (p *Pool) workerLoop(ctx context.Context, worker int, jobs <-chan models.SubmissionJob) {
	for job := range jobs {
		p.processJob(ctx, worker, job)
	}
}

func (p *Pool) processJob(ctx context.Context, worker int, job models.SubmissionJob) {
	p.queueMetrics.WorkerStarted()
	defer p.queueMetrics.WorkerDone()

	start := time.Now()
	logCtx := p.logg.WithFields(ctx, map[string]any{
		"worker":     worker,
		"job_id":     job.ID.String(),
		"event_type": job.EventType,
		"entity_id":  job.EntityID,
		"attempt":    job.Attempts + 1,
	})

	ref, err := p.handler.Process(ctx, job)
	duration := time.Since(start)
	p.queueMetrics.ObserveJobDuration(p.cfg.Name, duration)

	if err == nil {
		if markErr := p.repo.MarkCompleted(ctx, job.ID, ref); markErr != nil {
			p.logg.Error(logCtx, "marking job completed failed", markErr)
			return
		}
		p.queueMetrics.IncProcessed(p.cfg.Name, "completed")
		p.logg.Info(p.logg.WithField(logCtx, "transaction_ref", ref), "submission job completed")
		return
	}

	logCtx = p.logg.WithField(logCtx, "error", err.Error())

	if reason, terminal := terminalReason(err); terminal {
		if markErr := p.repo.MarkFailed(ctx, job, reason, err); markErr != nil {
			p.logg.Error(logCtx, "marking job failed errored", markErr)
			return
		}
		p.queueMetrics.IncProcessed(p.cfg.Name, "failed")
		p.logg.Warn(p.logg.WithField(logCtx, "failure_reason", reason), "submission job will not be retried")
		return
	}

	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}
	if attempts >= maxAttempts {
		if markErr := p.repo.MarkFailed(ctx, job, enums.FailureReasonMaxAttempts, err); markErr != nil {
			p.logg.Error(logCtx, "marking job failed errored", markErr)
			return
		}
		p.queueMetrics.IncProcessed(p.cfg.Name, "failed")
		p.logg.Warn(p.logg.WithField(logCtx, "failure_reason", enums.FailureReasonMaxAttempts), "submission job exhausted attempts")
		return
	}

	runAt := time.Now().UTC().Add(p.rescheduleDelay(attempts))
	if markErr := p.repo.Reschedule(ctx, job.ID, attempts, runAt, err); markErr != nil {
		p.logg.Error(logCtx, "rescheduling job failed", markErr)
		return
	}
	p.queueMetrics.IncProcessed(p.cfg.Name, "rescheduled")
	p.logg.Warn(p.logg.WithField(logCtx, "run_at", runAt.Format(time.RFC3339Nano)), "submission job rescheduled")
}

// terminalReason classifies errors that no amount of retrying can fix.
func terminalReason(err error) (enums.FailureReason, bool) {
	typed := apperrors.As(err)
	if typed == nil {
		return "", false
	}
	switch typed.Code() {
	case apperrors.CodeValidation, apperrors.CodeSignature:
		return enums.FailureReasonInvalidPayload, true
	case apperrors.CodeLedgerPermanent:
		return enums.FailureReasonNonRetryable, true
	}
	if !apperrors.MetadataFor(typed.Code()).Retryable && typed.Code() != apperrors.CodeCircuitOpen {
		return enums.FailureReasonNonRetryable, true
	}
	return "", false
}

// rescheduleDelay doubles per attempt starting from the configured base.
func (p *Pool) rescheduleDelay(attempts int) time.Duration {
	delay := p.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.backoffMax {
			return p.backoffMax
		}
	}
	if delay > p.backoffMax {
		delay = p.backoffMax
	}
	return delay
}

func (p *Pool) publishDepth(ctx context.Context) {
	if p.queueMetrics == nil {
		return
	}
	counts, err := p.repo.CountByState(ctx, p.cfg.Name)
	if err != nil {
		return
	}
	for state, count := range counts {
		p.queueMetrics.SetDepth(p.cfg.Name, string(state), count)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (p *Pool) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	p.jitterMu.Lock()
	jitter := time.Duration(p.jitter.Int63n(int64(jitterWindow)))
	p.jitterMu.Unlock()
	return d + jitter
}
