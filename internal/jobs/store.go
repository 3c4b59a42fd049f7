// Package jobs is the two-tier job repository: a durable Store that survives
// restarts, fronted by the in-process progress cache for jobs that are being
// driven right now.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
)

// ErrEmptyResult is returned when completing a job with no result URL.
var ErrEmptyResult = errors.New("result has no urls")

// Store is the durable job record store. Implementations return
// models.ErrNotFound for unknown ids.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListOwnerJobs(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Job, int, error)
	CountOwnerJobsSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)

	// MarkProcessing moves a PENDING job to PROCESSING at progress 0.
	MarkProcessing(ctx context.Context, id uuid.UUID) error

	// ResetForEdit replaces the snapshot of a terminal job, clears its result
	// and error, bumps edit_count and moves it back to PROCESSING. It returns
	// models.ErrJobBusy when the job is not terminal or its edit count is no
	// longer expectedEdits.
	ResetForEdit(ctx context.Context, id uuid.UUID, settings models.Settings, expectedEdits int) error

	CompleteJob(ctx context.Context, id uuid.UUID, result models.Result) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error

	// FailUnfinishedJobs fails every PENDING/PROCESSING job. Used at startup,
	// when no task in this process owns them.
	FailUnfinishedJobs(ctx context.Context, message string) (int64, error)
}
