package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/quota"
)

// Create validates req, checks the owner's quota and starts a new job. Quota
// rejections happen before any provider is called.
func (w *Worker) Create(ctx context.Context, ownerID uuid.UUID, req models.CreateJobRequest) (*models.CreateJobResponse, error) {
	settings, err := SettingsFromRequest(req)
	if err != nil {
		return nil, err
	}
	job, err := w.create(ctx, ownerID, settings, nil)
	if err != nil {
		return nil, err
	}
	return &models.CreateJobResponse{JobID: job.ID, Status: job.Status}, nil
}

// Duplicate starts a new job from the snapshot of an existing one, re-gated
// on quota and clamped to the owner's current entitlements.
func (w *Worker) Duplicate(ctx context.Context, ownerID, sourceID uuid.UUID) (*models.CreateJobResponse, error) {
	src, err := w.repo.Job(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}
	if missing := src.Settings.IncompleteFields(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", models.ErrIncompleteSnapshot, strings.Join(missing, ", "))
	}

	job, err := w.create(ctx, ownerID, src.Settings.Clone(), &src.ID)
	if err != nil {
		return nil, err
	}
	return &models.CreateJobResponse{JobID: job.ID, Status: job.Status}, nil
}

func (w *Worker) create(ctx context.Context, ownerID uuid.UUID, settings models.Settings, from *uuid.UUID) (*models.Job, error) {
	unlock := w.owners.lock(ownerID)
	usage, err := w.quota.CheckCreate(ctx, ownerID)
	if err != nil {
		unlock()
		return nil, err
	}

	job := &models.Job{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Status:         models.JobStatusPending,
		Settings:       quota.Apply(settings, usage.Entitlements),
		DuplicatedFrom: from,
	}
	err = w.store.CreateJob(ctx, job)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	log := w.log.With().Str("job_id", job.ID.String()).Str("owner_id", ownerID.String()).Logger()
	if job.Settings.Quality != settings.Quality {
		log.Info().
			Str("requested", string(settings.Quality)).
			Str("granted", string(job.Settings.Quality)).
			Msg("quality clamped to plan maximum")
	}

	if err := w.store.MarkProcessing(ctx, job.ID); err != nil {
		if ferr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, "video generation could not be started"); ferr != nil {
			log.Error().Err(ferr).Msg("could not fail unstarted job")
		}
		return nil, fmt.Errorf("start job: %w", err)
	}
	job.Status = models.JobStatusProcessing

	w.launch(job)
	log.Info().Int("used", usage.Used+1).Int("limit", usage.MonthlyLimit).Msg("job accepted")
	return job, nil
}

// Edit replaces the snapshot of a finished job and drives the same id again.
// It consumes one of the tier's allowed edits.
func (w *Worker) Edit(ctx context.Context, ownerID, id uuid.UUID, req models.EditJobRequest) (*models.CreateJobResponse, error) {
	job, err := w.repo.Job(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, models.ErrJobBusy
	}

	ent, err := w.quota.Entitlements(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if job.EditCount >= ent.AllowedEdits {
		return nil, fmt.Errorf("%w: %d of %d used", models.ErrEditLimitReached, job.EditCount, ent.AllowedEdits)
	}

	settings, err := SettingsFromRequest(req)
	if err != nil {
		return nil, err
	}
	settings = quota.Apply(settings, ent)

	if err := w.store.ResetForEdit(ctx, id, settings, job.EditCount); err != nil {
		if errors.Is(err, models.ErrJobBusy) || errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reset job for edit: %w", err)
	}

	job.Settings = settings
	job.EditCount++
	job.Status = models.JobStatusProcessing
	w.launch(job)

	w.log.Info().Str("job_id", id.String()).Int("edit", job.EditCount).Int("allowed", ent.AllowedEdits).Msg("job re-driven after edit")
	return &models.CreateJobResponse{JobID: id, Status: job.Status}, nil
}

// Export publishes a completed job. Tiers that grant edits must use all of
// them first; an owner who used more edits on a former plan has used them
// all. Social export requires watermark-free entitlement.
func (w *Worker) Export(ctx context.Context, ownerID, id uuid.UUID, req models.ExportJobRequest) (*models.ExportResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ExportModeDownload
	}
	if mode != models.ExportModeDownload && mode != models.ExportModeSocial {
		return nil, &models.ValidationError{Fields: []string{"mode"}, Message: "mode must be download or social"}
	}

	job, err := w.repo.Job(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted || job.ResultURL == nil {
		return nil, models.ErrJobNotFinished
	}

	ent, err := w.quota.Entitlements(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if job.EditCount < ent.AllowedEdits {
		return nil, fmt.Errorf("%w: %d of %d edits used", models.ErrExportNotAllowed, job.EditCount, ent.AllowedEdits)
	}
	if mode == models.ExportModeSocial && !ent.WatermarkFreeExport {
		return nil, fmt.Errorf("%w: social export is not included in the %s plan", models.ErrExportNotAllowed, ent.Plan)
	}

	return &models.ExportResult{
		JobID:       id,
		Mode:        mode,
		URL:         w.exportURL(ctx, *job.ResultURL),
		Watermarked: !ent.WatermarkFreeExport,
	}, nil
}

// exportURL signs results held in our own bucket and passes others through.
func (w *Worker) exportURL(ctx context.Context, resultURL string) string {
	if w.signer == nil {
		return resultURL
	}
	path, ok := w.signer.ObjectPath(resultURL)
	if !ok {
		return resultURL
	}
	signed, err := w.signer.GetSignedURL(ctx, path, w.cfg.SignedURLTTL)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("could not sign export url, using public url")
		return resultURL
	}
	return signed
}

// Status is the polling read: live cache first, durable store otherwise.
func (w *Worker) Status(ctx context.Context, ownerID, id uuid.UUID) (models.JobStatusView, error) {
	return w.repo.Status(ctx, ownerID, id)
}

// Job returns the full record with live state overlaid.
func (w *Worker) Job(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	return w.repo.Job(ctx, ownerID, id)
}

func (w *Worker) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) (*models.ListJobsResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	list, total, err := w.repo.List(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &models.ListJobsResponse{Jobs: list, Total: total, Limit: limit, Offset: offset}, nil
}

// Quota returns the owner's plan, usage and feature gates for this month.
func (w *Worker) Quota(ctx context.Context, ownerID uuid.UUID) (models.Usage, error) {
	return w.quota.Usage(ctx, ownerID)
}
