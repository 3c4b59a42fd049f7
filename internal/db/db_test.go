package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobarin/avatarcast/internal/models"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("avatarcast_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	database, err := New(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.Migrate())
	require.NoError(t, database.Migrate(), "migrating twice is a no-op")
	return database
}

func newJob(owner uuid.UUID) *models.Job {
	return &models.Job{
		ID:      uuid.New(),
		OwnerID: owner,
		Status:  models.JobStatusPending,
		Settings: models.Settings{
			Avatar:      models.Avatar{ID: "a1", ImageURL: "https://cdn.example.com/a.png"},
			Voice:       models.Voice{Provider: "elevenlabs", ID: "v1"},
			Backgrounds: []models.Background{{URL: "https://cdn.example.com/bg.jpg"}, {Color: "#112233"}},
			Script:      "Hello",
			Quality:     models.QualityHD,
			Format:      "16:9",
		},
	}
}

func TestJobLifecycle(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	owner := uuid.New()

	job := newJob(owner)
	require.NoError(t, database.CreateJob(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	require.NoError(t, database.MarkProcessing(ctx, job.ID))

	got, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, job.Settings, got.Settings)
	assert.NotNil(t, got.StartedAt)
	assert.Empty(t, got.VariantURLs)

	result := models.Result{URLs: []string{"https://cdn.example.com/1.mp4", "https://cdn.example.com/2.mp4"}, Provider: models.ProviderTalkingHead}
	require.NoError(t, database.CompleteJob(ctx, job.ID, result))

	got, err = database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "https://cdn.example.com/1.mp4", *got.ResultURL)
	assert.Equal(t, models.StringList(result.URLs), got.VariantURLs)
	assert.Equal(t, models.ProviderTalkingHead, *got.Provider)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetJobNotFound(t *testing.T) {
	database := setupDB(t)
	_, err := database.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestFailJobClearsResult(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	job := newJob(uuid.New())
	require.NoError(t, database.CreateJob(ctx, job))
	require.NoError(t, database.MarkProcessing(ctx, job.ID))
	require.NoError(t, database.FailJob(ctx, job.ID, "no provider could render this video"))

	got, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Nil(t, got.ResultURL)
	assert.Equal(t, "no provider could render this video", *got.ErrorMessage)

	assert.ErrorIs(t, database.FailJob(ctx, uuid.New(), "x"), models.ErrNotFound)
}

func TestResetForEdit(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	job := newJob(uuid.New())
	require.NoError(t, database.CreateJob(ctx, job))
	require.NoError(t, database.MarkProcessing(ctx, job.ID))

	edited := job.Settings.Clone()
	edited.Script = "Edited"
	assert.ErrorIs(t, database.ResetForEdit(ctx, job.ID, edited, 0), models.ErrJobBusy, "running jobs cannot be edited")

	require.NoError(t, database.CompleteJob(ctx, job.ID, models.Result{URLs: []string{"https://cdn.example.com/1.mp4"}, Provider: "render_backend"}))
	require.NoError(t, database.ResetForEdit(ctx, job.ID, edited, 0))

	got, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 1, got.EditCount)
	assert.Equal(t, "Edited", got.Settings.Script)
	assert.Nil(t, got.ResultURL)
	assert.Nil(t, got.Provider)
	assert.Nil(t, got.CompletedAt)

	assert.ErrorIs(t, database.ResetForEdit(ctx, uuid.New(), edited, 0), models.ErrNotFound)
}

func TestOutcomeConstraint(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	job := newJob(uuid.New())
	require.NoError(t, database.CreateJob(ctx, job))

	_, err := database.ExecContext(ctx,
		`UPDATE video_jobs SET status = 'completed', result_url = 'x', error_message = 'y' WHERE id = $1`, job.ID)
	assert.Error(t, err, "a job cannot carry both a result and an error")
}

func TestListAndCount(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	owner := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job := newJob(owner)
		require.NoError(t, database.CreateJob(ctx, job))
		ids = append(ids, job.ID)
	}
	require.NoError(t, database.CreateJob(ctx, newJob(uuid.New())))

	list, total, err := database.ListOwnerJobs(ctx, owner, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.False(t, list[0].CreatedAt.Before(list[1].CreatedAt))

	n, err := database.CountOwnerJobsSince(ctx, owner, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = database.CountOwnerJobsSince(ctx, owner, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailUnfinishedJobs(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	pending := newJob(uuid.New())
	done := newJob(uuid.New())
	require.NoError(t, database.CreateJob(ctx, pending))
	require.NoError(t, database.CreateJob(ctx, done))
	require.NoError(t, database.CompleteJob(ctx, done.ID, models.Result{URLs: []string{"u"}, Provider: "placeholder"}))

	n, err := database.FailUnfinishedJobs(ctx, "interrupted")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := database.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	got, err = database.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestOwnerPlan(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	plan, err := database.OwnerPlan(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, plan)

	pro := "pro"
	user := &models.User{ID: uuid.New(), Email: "pro@example.com", Plan: &pro}
	require.NoError(t, database.UpsertUser(ctx, user))

	plan, err = database.OwnerPlan(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, plan)

	user.Plan = nil
	user.Email = "renamed@example.com"
	require.NoError(t, database.UpsertUser(ctx, user))
	require.NotNil(t, user.Plan)
	assert.Equal(t, "pro", *user.Plan, "a nil plan keeps the stored one")
}
