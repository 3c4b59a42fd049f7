// Package progress holds live status for jobs that are being driven in this
// process. Entries are single-writer (the job's task) and multi-reader
// (pollers); each job has its own slot so unrelated jobs never contend.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
)

// MaxRunning is the highest progress a job can report before its terminal
// state is durably recorded. 100 is reserved for Complete.
const MaxRunning = 99

// Snapshot is an immutable view of one job's live state.
type Snapshot struct {
	JobID        uuid.UUID
	OwnerID      uuid.UUID
	Status       models.JobStatus
	Progress     int
	ResultURL    string
	Provider     string
	ErrorMessage string
	UpdatedAt    time.Time
}

// View converts the snapshot to the polling response.
func (s Snapshot) View() models.JobStatusView {
	v := models.JobStatusView{ID: s.JobID, Status: s.Status, Progress: s.Progress}
	if s.ResultURL != "" {
		url := s.ResultURL
		v.ResultURL = &url
	}
	if s.ErrorMessage != "" {
		msg := s.ErrorMessage
		v.ErrorMessage = &msg
	}
	if s.Provider != "" {
		p := s.Provider
		v.Provider = &p
	}
	return v
}

// Cache maps job ids to trackers. It is constructed once at startup and
// shared by the orchestrator and the status handlers.
type Cache struct {
	entries   sync.Map // uuid.UUID -> *Tracker
	retention time.Duration
	now       func() time.Time
}

// NewCache returns a cache that keeps released terminal entries readable for
// retention before evicting them.
func NewCache(retention time.Duration) *Cache {
	return &Cache{retention: retention, now: time.Now}
}

// Begin installs a fresh PROCESSING/0 tracker for id, replacing any previous
// one (an edit re-drives the same id).
func (c *Cache) Begin(id, owner uuid.UUID) *Tracker {
	t := &Tracker{cache: c}
	t.snap.Store(&Snapshot{
		JobID:     id,
		OwnerID:   owner,
		Status:    models.JobStatusProcessing,
		Progress:  0,
		UpdatedAt: c.now(),
	})
	c.entries.Store(id, t)
	return t
}

// Get returns the live snapshot for id, if this process holds one.
func (c *Cache) Get(id uuid.UUID) (Snapshot, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return Snapshot{}, false
	}
	return v.(*Tracker).Snapshot(), true
}

// Len returns the number of entries, terminal ones included.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Release schedules eviction of t once its terminal state is durable. A newer
// tracker installed for the same id is left alone.
func (c *Cache) Release(t *Tracker) {
	id := t.Snapshot().JobID
	if c.retention <= 0 {
		c.entries.CompareAndDelete(id, t)
		return
	}
	time.AfterFunc(c.retention, func() {
		c.entries.CompareAndDelete(id, t)
	})
}

// Tracker is the write handle for one job's cache slot.
type Tracker struct {
	cache *Cache
	mu    sync.Mutex
	snap  atomic.Pointer[Snapshot]
}

func (t *Tracker) Snapshot() Snapshot {
	return *t.snap.Load()
}

// Report records a progress value. Values below the current one are clamped
// up, values above MaxRunning are clamped down, and terminal trackers ignore
// it. It returns the recorded progress.
func (t *Tracker) Report(p int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report(p)
}

// Step advances progress to at least target and strictly above the current
// value, until MaxRunning.
func (t *Tracker) Step(target int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.snap.Load().Progress; target <= cur {
		target = cur + 1
	}
	return t.report(target)
}

func (t *Tracker) report(p int) int {
	cur := t.snap.Load()
	if cur.Status.IsTerminal() {
		return cur.Progress
	}
	if p < cur.Progress {
		p = cur.Progress
	}
	if p > MaxRunning {
		p = MaxRunning
	}
	if p == cur.Progress {
		return p
	}
	t.store(cur, func(s *Snapshot) { s.Progress = p })
	return p
}

// Complete marks the job COMPLETED at 100. Call it only after the result is
// durably stored.
func (t *Tracker) Complete(resultURL, provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store(t.snap.Load(), func(s *Snapshot) {
		s.Status = models.JobStatusCompleted
		s.Progress = 100
		s.ResultURL = resultURL
		s.Provider = provider
		s.ErrorMessage = ""
	})
}

// Fail marks the job FAILED with a user-facing message.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store(t.snap.Load(), func(s *Snapshot) {
		s.Status = models.JobStatusFailed
		s.ErrorMessage = message
		s.ResultURL = ""
		s.Provider = ""
	})
}

// store publishes a modified copy of cur. Callers hold t.mu.
func (t *Tracker) store(cur *Snapshot, mutate func(*Snapshot)) {
	next := *cur
	mutate(&next)
	next.UpdatedAt = t.cache.now()
	t.snap.Store(&next)
}
