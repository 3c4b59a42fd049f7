// Package quota maps an owner's subscription tier to entitlements and counts
// their usage for the current billing month.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
)

// PlanSource resolves the active subscription tier of an owner.
type PlanSource interface {
	OwnerPlan(ctx context.Context, ownerID uuid.UUID) (models.Plan, error)
}

// UsageCounter counts jobs created by an owner since a point in time.
type UsageCounter interface {
	CountOwnerJobsSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
}

// Tiers maps plans to their entitlements.
type Tiers map[models.Plan]models.Entitlements

// DefaultTiers returns the built-in tiers with the given monthly limits for
// the free and pro plans. Enterprise is unlimited.
func DefaultTiers(freeLimit, proLimit int) Tiers {
	return Tiers{
		models.PlanFree: {
			Plan:         models.PlanFree,
			MonthlyLimit: freeLimit,
			MaxQuality:   models.QualityHD,
		},
		models.PlanPro: {
			Plan:                models.PlanPro,
			MonthlyLimit:        proLimit,
			MaxQuality:          models.QualityFullHD,
			SubtitlesAllowed:    true,
			AllowedEdits:        1,
			WatermarkFreeExport: true,
		},
		models.PlanEnterprise: {
			Plan:                models.PlanEnterprise,
			MonthlyLimit:        models.Unlimited,
			MaxQuality:          models.Quality4K,
			SubtitlesAllowed:    true,
			AllowedEdits:        3,
			WatermarkFreeExport: true,
		},
	}
}

type Evaluator struct {
	plans PlanSource
	usage UsageCounter
	tiers Tiers
	now   func() time.Time
}

func NewEvaluator(plans PlanSource, usage UsageCounter, tiers Tiers) *Evaluator {
	return &Evaluator{plans: plans, usage: usage, tiers: tiers, now: time.Now}
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Entitlements returns the feature gates for the owner's tier. Unknown plans
// get the free tier.
func (e *Evaluator) Entitlements(ctx context.Context, ownerID uuid.UUID) (models.Entitlements, error) {
	plan, err := e.plans.OwnerPlan(ctx, ownerID)
	if err != nil {
		return models.Entitlements{}, fmt.Errorf("resolve plan: %w", err)
	}
	if ent, ok := e.tiers[plan]; ok {
		return ent, nil
	}
	return e.tiers[models.PlanFree], nil
}

// Usage returns the owner's entitlements and the number of jobs created in
// the current calendar month, failed ones included.
func (e *Evaluator) Usage(ctx context.Context, ownerID uuid.UUID) (models.Usage, error) {
	ent, err := e.Entitlements(ctx, ownerID)
	if err != nil {
		return models.Usage{}, err
	}
	start := MonthStart(e.now())
	used, err := e.usage.CountOwnerJobsSince(ctx, ownerID, start)
	if err != nil {
		return models.Usage{}, fmt.Errorf("count jobs: %w", err)
	}
	return models.Usage{Entitlements: ent, Used: used, PeriodStart: start}, nil
}

// CheckCreate returns the owner's usage, or a *models.QuotaExceededError when
// one more job would exceed the monthly limit.
func (e *Evaluator) CheckCreate(ctx context.Context, ownerID uuid.UUID) (models.Usage, error) {
	u, err := e.Usage(ctx, ownerID)
	if err != nil {
		return models.Usage{}, err
	}
	if !u.IsUnlimited() && u.Used >= u.MonthlyLimit {
		return u, &models.QuotaExceededError{Plan: u.Plan, Limit: u.MonthlyLimit, Used: u.Used}
	}
	return u, nil
}

// Apply clamps settings to what ent allows. Quality above the tier maximum is
// lowered and subtitles are dropped when not allowed; nothing is rejected.
func Apply(s models.Settings, ent models.Entitlements) models.Settings {
	out := s.Clone()
	if !out.Quality.Valid() {
		out.Quality = models.DefaultQuality
	}
	out.Quality = models.ClampQuality(out.Quality, ent.MaxQuality)
	if !ent.SubtitlesAllowed {
		out.Subtitles = false
	}
	return out
}

// StaticPlans is a PlanSource backed by a fixed map. Owners not in the map
// get Default.
type StaticPlans struct {
	Plans   map[uuid.UUID]models.Plan
	Default models.Plan
}

func (s StaticPlans) OwnerPlan(ctx context.Context, ownerID uuid.UUID) (models.Plan, error) {
	if p, ok := s.Plans[ownerID]; ok {
		return p, nil
	}
	if s.Default == "" {
		return models.PlanFree, nil
	}
	return s.Default, nil
}
