package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
)

// MemoryStore is a Store kept in process memory. Used by tests and by local
// runs without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]models.Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]models.Job), now: time.Now}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	stored := *job
	stored.Settings = job.Settings.Clone()
	s.jobs[job.ID] = stored
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	job = detach(job)
	return &job, nil
}

func (s *MemoryStore) ListOwnerJobs(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []models.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			owned = append(owned, detach(job))
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	total := len(owned)
	if offset >= total {
		return []models.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return owned[offset:end], total, nil
}

func (s *MemoryStore) CountOwnerJobsSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && !job.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.update(id, func(job *models.Job) error {
		now := s.now()
		job.Status = models.JobStatusProcessing
		job.Progress = 0
		job.StartedAt = &now
		return nil
	})
}

func (s *MemoryStore) ResetForEdit(ctx context.Context, id uuid.UUID, settings models.Settings, expectedEdits int) error {
	return s.update(id, func(job *models.Job) error {
		if !job.Status.IsTerminal() || job.EditCount != expectedEdits {
			return models.ErrJobBusy
		}
		now := s.now()
		job.Settings = settings.Clone()
		job.EditCount++
		job.Status = models.JobStatusProcessing
		job.Progress = 0
		job.ResultURL = nil
		job.VariantURLs = nil
		job.Provider = nil
		job.ErrorMessage = nil
		job.CompletedAt = nil
		job.StartedAt = &now
		return nil
	})
}

func (s *MemoryStore) CompleteJob(ctx context.Context, id uuid.UUID, result models.Result) error {
	if len(result.URLs) == 0 {
		return ErrEmptyResult
	}
	return s.update(id, func(job *models.Job) error {
		now := s.now()
		url := result.URLs[0]
		provider := result.Provider
		job.Status = models.JobStatusCompleted
		job.Progress = 100
		job.ResultURL = &url
		job.VariantURLs = append(models.StringList(nil), result.URLs...)
		job.Provider = &provider
		job.ErrorMessage = nil
		job.CompletedAt = &now
		return nil
	})
}

func (s *MemoryStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	return s.update(id, func(job *models.Job) error {
		now := s.now()
		job.Status = models.JobStatusFailed
		job.ErrorMessage = &message
		job.ResultURL = nil
		job.VariantURLs = nil
		job.Provider = nil
		job.CompletedAt = &now
		return nil
	})
}

func (s *MemoryStore) FailUnfinishedJobs(ctx context.Context, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for id, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		msg := message
		job.Status = models.JobStatusFailed
		job.ErrorMessage = &msg
		job.CompletedAt = &now
		job.UpdatedAt = now
		s.jobs[id] = job
		n++
	}
	return n, nil
}

func (s *MemoryStore) update(id uuid.UUID, fn func(*models.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	if err := fn(&job); err != nil {
		return err
	}
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

// detach copies the slices of a stored job so callers cannot mutate the map entry.
func detach(job models.Job) models.Job {
	job.Settings = job.Settings.Clone()
	job.VariantURLs = append(models.StringList(nil), job.VariantURLs...)
	return job
}
