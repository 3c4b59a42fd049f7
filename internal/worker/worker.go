// Package worker is the job orchestrator. It gates requests on quota, records
// jobs, drives each one through the provider chain on its own goroutine and
// persists the terminal outcome before publishing it to pollers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/progress"
	"github.com/bobarin/avatarcast/internal/quota"
	"github.com/bobarin/avatarcast/internal/render"
)

// Finalization staircase between the end of the chain and the durable write.
const (
	stepCollected = 90
	stepPersist   = 93
	stepPublish   = 96
)

// Failure messages shown to users. Provider errors never reach them verbatim.
const (
	msgInterrupted = "video generation was interrupted by a server restart"
	msgShutdown    = "video generation was interrupted by a server shutdown"
	msgNotSaved    = "the video was generated but could not be saved, please try again"
)

// Chain renders one job. *render.Chain implements it.
type Chain interface {
	Run(ctx context.Context, req render.Request, progress render.Progress) (*models.Result, error)
}

// URLSigner issues time-limited links for stored objects. *storage.Storage
// implements it.
type URLSigner interface {
	ObjectPath(publicURL string) (string, bool)
	GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error)
}

type Config struct {
	// JobTimeout bounds one drive of a job through the chain. Zero disables it.
	JobTimeout time.Duration

	// TerminalWrites is the retry budget for persisting a job's outcome.
	TerminalWrites render.RetryPolicy

	// SignedURLTTL is the lifetime, in seconds, of export links.
	SignedURLTTL int
}

type Worker struct {
	repo   *jobs.Repository
	store  jobs.Store
	cache  *progress.Cache
	quota  *quota.Evaluator
	chain  Chain
	signer URLSigner
	cfg    Config
	log    zerolog.Logger

	owners ownerLocks
	wg     sync.WaitGroup

	// base outlives the requests that start jobs; cancelled on shutdown.
	base   context.Context
	cancel context.CancelFunc
}

func New(repo *jobs.Repository, evaluator *quota.Evaluator, chain Chain, signer URLSigner, cfg Config, log zerolog.Logger) *Worker {
	if cfg.TerminalWrites.Attempts < 1 {
		cfg.TerminalWrites = render.DefaultRetryPolicy
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 3600
	}
	base, cancel := context.WithCancel(context.Background())
	return &Worker{
		repo:   repo,
		store:  repo.Store(),
		cache:  repo.Cache(),
		quota:  evaluator,
		chain:  chain,
		signer: signer,
		cfg:    cfg,
		log:    log.With().Str("component", "worker").Logger(),
		owners: ownerLocks{locks: make(map[uuid.UUID]*ownerLock)},
		base:   base,
		cancel: cancel,
	}
}

// Reconcile fails jobs left unfinished by a previous process. Call it once at
// startup, before accepting requests.
func (w *Worker) Reconcile(ctx context.Context) error {
	n, err := w.store.FailUnfinishedJobs(ctx, msgInterrupted)
	if err != nil {
		return fmt.Errorf("reconcile unfinished jobs: %w", err)
	}
	if n > 0 {
		w.log.Warn().Int64("jobs", n).Msg("failed jobs interrupted by a previous shutdown")
	}
	return nil
}

// Shutdown cancels running jobs and waits for their tasks to record an
// outcome, or for ctx to end.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info().Msg("all job tasks finished")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job tasks: %w", ctx.Err())
	}
}

// Wait blocks until every running job task has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// launch seeds the progress cache and starts the job's task. The job must
// already be PROCESSING in the store.
func (w *Worker) launch(job *models.Job) {
	tracker := w.cache.Begin(job.ID, job.OwnerID)
	req := render.Request{JobID: job.ID, Settings: job.Settings.Clone()}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.drive(req, tracker)
	}()
}

func (w *Worker) drive(req render.Request, tracker *progress.Tracker) {
	log := w.log.With().Str("job_id", req.JobID.String()).Logger()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("job task panicked")
			w.fail(log, req.JobID, tracker, "video generation failed unexpectedly")
		}
	}()

	ctx := w.base
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	log.Info().Str("quality", string(req.Settings.Quality)).Int("variants", len(req.Settings.Backgrounds)).Msg("job started")

	result, err := w.chain.Run(ctx, req, tracker)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("job failed")
		w.fail(log, req.JobID, tracker, w.failureMessage(err))
		return
	}

	w.complete(log, req.JobID, tracker, result)
	log.Info().
		Str("provider", result.Provider).
		Bool("placeholder", result.Placeholder).
		Dur("elapsed", time.Since(started)).
		Msg("job completed")
}

// complete persists the result and only then publishes 100 to pollers.
func (w *Worker) complete(log zerolog.Logger, id uuid.UUID, tracker *progress.Tracker, result *models.Result) {
	tracker.Step(stepCollected)
	tracker.Step(stepPersist)

	err := w.persist(log, func(ctx context.Context) error {
		return w.store.CompleteJob(ctx, id, *result)
	})
	if err != nil {
		log.Error().Err(err).Msg("could not persist completed job, keeping it failed in-process")
		tracker.Fail(msgNotSaved)
		return
	}

	tracker.Step(stepPublish)
	tracker.Complete(result.URLs[0], result.Provider)
	w.cache.Release(tracker)
}

// fail persists a FAILED outcome, then mirrors it in the cache. When the store
// is unreachable the cache entry is kept so pollers still see the failure.
func (w *Worker) fail(log zerolog.Logger, id uuid.UUID, tracker *progress.Tracker, message string) {
	err := w.persist(log, func(ctx context.Context) error {
		return w.store.FailJob(ctx, id, message)
	})
	tracker.Fail(message)
	if err != nil {
		log.Error().Err(err).Msg("could not persist failed job, keeping it in-process")
		return
	}
	w.cache.Release(tracker)
}

// persist runs a terminal store write with retries. Terminal writes must land
// even when the job's own context has been cancelled.
func (w *Worker) persist(log zerolog.Logger, write func(ctx context.Context) error) error {
	policy := w.cfg.TerminalWrites
	ctx := context.WithoutCancel(w.base)

	var err error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = write(wctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == policy.Attempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("terminal write failed, retrying")
		if policy.Sleep != nil {
			_ = policy.Sleep(ctx, delay)
		} else {
			time.Sleep(delay)
		}
		delay *= 2
	}
	return err
}

// failureMessage turns a chain error into the text stored on the job.
func (w *Worker) failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("video generation timed out after %s", w.cfg.JobTimeout)
	case errors.Is(err, context.Canceled):
		return msgShutdown
	}

	var exhausted *render.ExhaustedError
	if errors.As(err, &exhausted) && len(exhausted.Failures) > 0 {
		return fmt.Sprintf("video generation failed: no provider could render this video (tried %s)",
			strings.Join(exhausted.Providers(), ", "))
	}
	return "video generation failed"
}

// ownerLocks serialises quota checks and job creation per owner.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func (o *ownerLocks) lock(owner uuid.UUID) func() {
	o.mu.Lock()
	l, ok := o.locks[owner]
	if !ok {
		l = &ownerLock{}
		o.locks[owner] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, owner)
		}
		o.mu.Unlock()
	}
}
