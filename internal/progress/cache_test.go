package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarcast/internal/models"
)

func TestBeginSeedsProcessingAtZero(t *testing.T) {
	c := NewCache(time.Minute)
	id, owner := uuid.New(), uuid.New()
	c.Begin(id, owner)

	snap, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusProcessing, snap.Status)
	assert.Equal(t, 0, snap.Progress)
	assert.Equal(t, owner, snap.OwnerID)
}

func TestReportClampsLowerValuesUp(t *testing.T) {
	tr := NewCache(time.Minute).Begin(uuid.New(), uuid.New())

	assert.Equal(t, 40, tr.Report(40))
	assert.Equal(t, 40, tr.Report(25))
	assert.Equal(t, 55, tr.Report(55))
	assert.Equal(t, MaxRunning, tr.Report(150))
}

func TestStepIsStrictlyIncreasing(t *testing.T) {
	tr := NewCache(time.Minute).Begin(uuid.New(), uuid.New())
	tr.Report(90)

	assert.Equal(t, 91, tr.Step(90))
	assert.Equal(t, 93, tr.Step(93))
	assert.Equal(t, 94, tr.Step(80))
}

func TestCompleteIsTheOnlyWayTo100(t *testing.T) {
	c := NewCache(time.Minute)
	id := uuid.New()
	tr := c.Begin(id, uuid.New())
	tr.Report(99)
	tr.Complete("https://cdn.example.com/out.mp4", models.ProviderTalkingHead)

	snap, _ := c.Get(id)
	assert.Equal(t, models.JobStatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)

	// Terminal trackers ignore late reports.
	assert.Equal(t, 100, tr.Report(10))
	view := snap.View()
	require.NotNil(t, view.ResultURL)
	assert.Nil(t, view.ErrorMessage)
}

func TestFailKeepsProgressAndSetsMessage(t *testing.T) {
	c := NewCache(time.Minute)
	id := uuid.New()
	tr := c.Begin(id, uuid.New())
	tr.Report(42)
	tr.Fail("generation failed")

	snap, _ := c.Get(id)
	assert.Equal(t, models.JobStatusFailed, snap.Status)
	assert.Equal(t, 42, snap.Progress)
	view := snap.View()
	assert.Nil(t, view.ResultURL)
	require.NotNil(t, view.ErrorMessage)
	assert.Equal(t, "generation failed", *view.ErrorMessage)
}

func TestReleaseEvictsOnlyItsOwnTracker(t *testing.T) {
	c := NewCache(0)
	id, owner := uuid.New(), uuid.New()

	old := c.Begin(id, owner)
	old.Complete("https://cdn.example.com/v1.mp4", models.ProviderTalkingHead)

	// An edit re-drive installs a new tracker before the old one is released.
	c.Begin(id, owner)
	c.Release(old)

	snap, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusProcessing, snap.Status)
}

func TestReleaseAfterRetention(t *testing.T) {
	c := NewCache(20 * time.Millisecond)
	id := uuid.New()
	tr := c.Begin(id, uuid.New())
	tr.Fail("boom")
	c.Release(tr)

	_, ok := c.Get(id)
	assert.True(t, ok, "terminal entry stays readable during retention")

	assert.Eventually(t, func() bool {
		_, ok := c.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentReadersSeeNonDecreasingProgress(t *testing.T) {
	c := NewCache(time.Minute)
	id := uuid.New()
	tr := c.Begin(id, uuid.New())

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for i := 0; i < 2000; i++ {
				snap, _ := c.Get(id)
				if snap.Progress < last {
					t.Errorf("progress regressed from %d to %d", last, snap.Progress)
					return
				}
				last = snap.Progress
			}
		}()
	}

	for p := 0; p <= 99; p++ {
		// Interleave stale values with fresh ones.
		tr.Report(p)
		tr.Report(p / 2)
	}
	wg.Wait()
}
