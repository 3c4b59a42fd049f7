package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/avatarcast/internal/models"
)

// GetUser retrieves a user by their ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, plan, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user := &models.User{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.Plan, &user.CreatedAt, &user.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// UpsertUser creates or updates a user record. The ID is the one resolved by
// the auth gateway; plan changes arrive from billing.
func (db *DB) UpsertUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, plan)
		VALUES ($1, $2, COALESCE($3, 'free'))
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			plan = COALESCE($3, users.plan),
			updated_at = NOW()
		RETURNING plan, created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		user.ID, user.Email, user.Plan,
	).Scan(&user.Plan, &user.CreatedAt, &user.UpdatedAt)
}

// OwnerPlan returns the subscription tier of ownerID. Owners without a user
// record are on the free plan.
func (db *DB) OwnerPlan(ctx context.Context, ownerID uuid.UUID) (models.Plan, error) {
	user, err := db.GetUser(ctx, ownerID)
	if errors.Is(err, models.ErrNotFound) {
		return models.PlanFree, nil
	}
	if err != nil {
		return "", err
	}
	if user.Plan == nil {
		return models.PlanFree, nil
	}
	return models.Plan(*user.Plan), nil
}
