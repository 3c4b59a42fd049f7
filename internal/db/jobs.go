package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/models"
)

var _ jobs.Store = (*DB)(nil)

const jobColumns = `
	id, owner_id, status, progress, settings, result_url, variant_urls,
	provider, error_message, edit_count, duplicated_from,
	created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Status, &job.Progress, &job.Settings,
		&job.ResultURL, &job.VariantURLs, &job.Provider, &job.ErrorMessage,
		&job.EditCount, &job.DuplicatedFrom,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO video_jobs (
			id, owner_id, status, progress, settings, edit_count, duplicated_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		job.ID, job.OwnerID, job.Status, job.Progress, job.Settings,
		job.EditCount, job.DuplicatedFrom,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM video_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (db *DB) ListOwnerJobs(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Job, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM video_jobs WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `
		SELECT ` + jobColumns + `
		FROM video_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := db.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	list := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		list = append(list, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return list, total, nil
}

// CountOwnerJobsSince counts every job the owner created since the given
// time, whatever its status.
func (db *DB) CountOwnerJobsSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM video_jobs WHERE owner_id = $1 AND created_at >= $2`,
		ownerID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (db *DB) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE video_jobs
		SET status = 'processing', progress = 0, started_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	return db.execOne(ctx, "mark job processing", query, id)
}

func (db *DB) ResetForEdit(ctx context.Context, id uuid.UUID, settings models.Settings, expectedEdits int) error {
	query := `
		UPDATE video_jobs
		SET settings = $2,
		    edit_count = edit_count + 1,
		    status = 'processing',
		    progress = 0,
		    result_url = NULL,
		    variant_urls = '[]',
		    provider = NULL,
		    error_message = NULL,
		    completed_at = NULL,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('completed', 'failed')
		  AND edit_count = $3
	`
	result, err := db.ExecContext(ctx, query, id, settings, expectedEdits)
	if err != nil {
		return fmt.Errorf("failed to reset job for edit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM video_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrJobBusy
}

func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, result models.Result) error {
	if len(result.URLs) == 0 {
		return jobs.ErrEmptyResult
	}
	query := `
		UPDATE video_jobs
		SET status = 'completed',
		    progress = 100,
		    result_url = $2,
		    variant_urls = $3,
		    provider = $4,
		    error_message = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	return db.execOne(ctx, "complete job", query, id, result.URLs[0], models.StringList(result.URLs), result.Provider)
}

func (db *DB) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE video_jobs
		SET status = 'failed',
		    error_message = $2,
		    result_url = NULL,
		    variant_urls = '[]',
		    provider = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	return db.execOne(ctx, "fail job", query, id, message)
}

func (db *DB) FailUnfinishedJobs(ctx context.Context, message string) (int64, error) {
	query := `
		UPDATE video_jobs
		SET status = 'failed', error_message = $1, completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('pending', 'processing')
	`
	result, err := db.ExecContext(ctx, query, message)
	if err != nil {
		return 0, fmt.Errorf("failed to fail unfinished jobs: %w", err)
	}
	return result.RowsAffected()
}

// execOne runs an UPDATE that must touch exactly one row.
func (db *DB) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}
