package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarcast/internal/models"
)

type fakeCounter struct {
	n     int
	since time.Time
	err   error
}

func (f *fakeCounter) CountOwnerJobsSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	f.since = since
	return f.n, f.err
}

func newEvaluator(plan models.Plan, used int) (*Evaluator, *fakeCounter, uuid.UUID) {
	owner := uuid.New()
	counter := &fakeCounter{n: used}
	e := NewEvaluator(StaticPlans{Plans: map[uuid.UUID]models.Plan{owner: plan}}, counter, DefaultTiers(1, 20))
	e.now = func() time.Time { return time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC) }
	return e, counter, owner
}

func TestCheckCreateUnderLimit(t *testing.T) {
	e, counter, owner := newEvaluator(models.PlanFree, 0)

	u, err := e.CheckCreate(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, u.MonthlyLimit)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), counter.since)
}

func TestCheckCreateAtLimit(t *testing.T) {
	e, _, owner := newEvaluator(models.PlanFree, 1)

	_, err := e.CheckCreate(context.Background(), owner)
	var qe *models.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 1, qe.Limit)
	assert.Equal(t, 1, qe.Used)
	assert.Equal(t, models.PlanFree, qe.Plan)
}

func TestEnterpriseIsUnlimited(t *testing.T) {
	e, _, owner := newEvaluator(models.PlanEnterprise, 10_000)

	u, err := e.CheckCreate(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, u.IsUnlimited())
	assert.Equal(t, models.Unlimited, u.Remaining())
}

func TestUnknownPlanFallsBackToFree(t *testing.T) {
	e, _, owner := newEvaluator(models.Plan("legacy-gold"), 0)

	ent, err := e.Entitlements(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, ent.Plan)
	assert.Equal(t, 0, ent.AllowedEdits)
}

func TestUsageCounterErrorPropagates(t *testing.T) {
	e, counter, owner := newEvaluator(models.PlanPro, 0)
	counter.err = errors.New("connection refused")

	_, err := e.CheckCreate(context.Background(), owner)
	assert.ErrorContains(t, err, "count jobs")
}

func TestApplyClampsToEntitlements(t *testing.T) {
	tiers := DefaultTiers(1, 20)
	s := models.Settings{Quality: models.Quality4K, Subtitles: true, Backgrounds: []models.Background{{Color: "#fff"}}}

	free := Apply(s, tiers[models.PlanFree])
	assert.Equal(t, models.QualityHD, free.Quality)
	assert.False(t, free.Subtitles)

	pro := Apply(s, tiers[models.PlanPro])
	assert.Equal(t, models.QualityFullHD, pro.Quality)
	assert.True(t, pro.Subtitles)

	ent := Apply(s, tiers[models.PlanEnterprise])
	assert.Equal(t, models.Quality4K, ent.Quality)

	// The input snapshot is not modified.
	assert.Equal(t, models.Quality4K, s.Quality)

	s.Quality = ""
	assert.Equal(t, models.QualityHD, Apply(s, tiers[models.PlanEnterprise]).Quality)
}

func TestMonthStartUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	// 2026-11-01 03:00 in UTC+9 is still October in UTC.
	got := MonthStart(time.Date(2026, 11, 1, 3, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), got)
}
