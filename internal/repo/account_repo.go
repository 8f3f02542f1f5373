// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Account
// model.
//
// Accounts are owned by an external CRUD layer. From this service's point of
// view they are read-only, with two exceptions: refreshed credentials are
// written back after an auth-expiry retry, and the boot-time seed loader
// upserts rows.
//
// Functions:
//
//   - GetAccount(ctx, db, id) -> *domain.Account, error
//     Fetches one account, or ErrNotFound.
//
//   - ListAccountsByIDs(ctx, db, ids) -> []domain.Account, error
//     Loads accounts in the order of ids; unknown ids are skipped.
//
//   - UpdateAccountCredentials(ctx, db, id, access, refresh, expiresAt) -> error
//     Persists refreshed tokens. Returns ErrNotFound if no row matched.
//
//   - UpsertAccount(ctx, db, acc) -> error
//     Inserts or fully updates an account by primary key.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetAccount fetches a single account by id.
func GetAccount(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccountsByIDs returns the accounts for ids, preserving the caller's
// order. Duplicate ids yield a single entry; missing ids are skipped.
func ListAccountsByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []domain.Account
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Account, len(rows))
	for _, a := range rows {
		byID[a.ID] = a
	}
	out := make([]domain.Account, 0, len(rows))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpdateAccountCredentials stores refreshed tokens for an account. An empty
// refresh token keeps the existing one, since many providers only rotate the
// access token.
func UpdateAccountCredentials(ctx context.Context, db *gorm.DB, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	fields := map[string]any{
		"access_token":     accessToken,
		"token_expires_at": expiresAt,
		"updated_at":       time.Now().UTC(),
	}
	if refreshToken != "" {
		fields["refresh_token"] = refreshToken
	}
	res := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAccount inserts acc or overwrites every column of an existing row
// with the same id.
func UpsertAccount(ctx context.Context, db *gorm.DB, acc *domain.Account) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(acc).Error
}
