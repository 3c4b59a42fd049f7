package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/progress"
)

// Repository answers reads by merging the progress cache over the durable
// store. A cache entry, when present, is authoritative for status, progress
// and outcome; the store is authoritative otherwise.
type Repository struct {
	store Store
	cache *progress.Cache
}

func NewRepository(store Store, cache *progress.Cache) *Repository {
	return &Repository{store: store, cache: cache}
}

func (r *Repository) Store() Store {
	return r.store
}

func (r *Repository) Cache() *progress.Cache {
	return r.cache
}

// Status returns the polling view of a job owned by ownerID. Jobs owned by
// someone else are reported as models.ErrNotFound.
func (r *Repository) Status(ctx context.Context, ownerID, id uuid.UUID) (models.JobStatusView, error) {
	if snap, ok := r.cache.Get(id); ok {
		if snap.OwnerID != ownerID {
			return models.JobStatusView{}, models.ErrNotFound
		}
		return snap.View(), nil
	}

	job, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return models.JobStatusView{}, err
	}
	return storedView(job), nil
}

// Job returns the full record of a job owned by ownerID with live state
// overlaid from the cache.
func (r *Repository) Job(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	job, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if snap, ok := r.cache.Get(id); ok {
		overlay(job, snap)
	}
	return job, nil
}

// List returns the owner's jobs, newest first, with live state overlaid.
func (r *Repository) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Job, int, error) {
	list, total, err := r.store.ListOwnerJobs(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	for i := range list {
		if snap, ok := r.cache.Get(list[i].ID); ok {
			overlay(&list[i], snap)
		}
	}
	return list, total, nil
}

func (r *Repository) owned(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if job.OwnerID != ownerID {
		return nil, models.ErrNotFound
	}
	return job, nil
}

func storedView(job *models.Job) models.JobStatusView {
	v := models.JobStatusView{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Provider: job.Provider,
	}
	switch job.Status {
	case models.JobStatusCompleted:
		v.ResultURL = job.ResultURL
		v.Progress = 100
	case models.JobStatusFailed:
		v.ErrorMessage = job.ErrorMessage
		v.Provider = nil
	}
	return v
}

func overlay(job *models.Job, snap progress.Snapshot) {
	job.Status = snap.Status
	job.Progress = snap.Progress
	job.ResultURL = nil
	job.ErrorMessage = nil
	job.Provider = nil
	switch snap.Status {
	case models.JobStatusCompleted:
		url, provider := snap.ResultURL, snap.Provider
		job.ResultURL = &url
		job.Provider = &provider
		if job.CompletedAt == nil {
			t := snap.UpdatedAt.UTC().Truncate(time.Millisecond)
			job.CompletedAt = &t
		}
	case models.JobStatusFailed:
		msg := snap.ErrorMessage
		job.ErrorMessage = &msg
		job.VariantURLs = nil
	default:
		job.VariantURLs = nil
		job.CompletedAt = nil
	}
}
