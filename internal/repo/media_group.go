// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the media-group store: fragment
// collection and the single-owner claim protocol shared by every instance.
//
// Claim protocol:
//
//   - TryClaimMediaGroup is one conditional UPDATE. It never reads first, so
//     two owners racing on the same group cannot both observe success.
//   - MarkMediaGroupProcessed only succeeds for the current owner, and only
//     if no fragment was appended since the owner listed them.
//   - ReleaseMediaGroup only succeeds for the current owner and only while the
//     group is unprocessed.
//
// All timestamps are written in UTC so textual comparisons in SQLite order
// the same way as the instants they encode.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// AppendFragment stores one album item and returns the aggregate as it stands
// after the write. The fragment insert is idempotent by message id; only a
// newly inserted fragment bumps last_seen. Fragments that arrive after the
// group was processed are still stored but never flushed.
func AppendFragment(ctx context.Context, db *gorm.DB, u domain.InboundUpdate, now time.Time) (group *domain.MediaGroup, inserted bool, err error) {
	now = now.UTC()
	key := u.GroupKey()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g := &domain.MediaGroup{
			GroupKey:     key,
			AccountID:    u.AccountID,
			ChatID:       u.ChatID,
			MediaGroupID: u.MediaGroupID,
			FirstSeen:    now,
			LastSeen:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(g).Error; err != nil {
			return err
		}

		frag := &domain.MediaGroupFragment{
			ID:        uuid.NewString(),
			GroupKey:  key,
			MessageID: u.MessageID,
			Payload:   datatypes.NewJSONType(u),
			CreatedAt: now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(frag)
		if res.Error != nil {
			if !isUniqueViolation(res.Error) {
				return res.Error
			}
		} else {
			inserted = res.RowsAffected == 1
		}

		if inserted {
			if err := tx.Model(&domain.MediaGroup{}).
				Where("group_key = ? AND processed_at IS NULL AND last_seen < ?", key, now).
				Update("last_seen", now).Error; err != nil {
				return err
			}
		}

		var out domain.MediaGroup
		if err := tx.Where("group_key = ?", key).First(&out).Error; err != nil {
			return err
		}
		group = &out
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return group, inserted, nil
}

// TryClaimMediaGroup claims the group for owner if it is unprocessed, has been
// quiet for at least quiet, and is either unowned or its claim is older than
// stale. It returns true only when this call took the claim.
func TryClaimMediaGroup(ctx context.Context, db *gorm.DB, key, owner string, now time.Time, quiet, stale time.Duration) (bool, error) {
	now = now.UTC()
	res := db.WithContext(ctx).
		Model(&domain.MediaGroup{}).
		Where("group_key = ? AND processed_at IS NULL AND last_seen <= ?", key, now.Add(-quiet)).
		Where("(processing_owner IS NULL OR processing_owner = '' OR processing_started_at IS NULL OR processing_started_at <= ?)", now.Add(-stale)).
		Updates(map[string]any{
			"processing_owner":      owner,
			"processing_started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkMediaGroupProcessed sets processed_at if owner still holds the claim and
// the group still has exactly fragments fragments, the number the caller
// merged. A false result means either the claim was lost (typically reclaimed
// after going stale) or a fragment was appended after the caller listed them;
// in both cases the caller must not submit the flushed message.
func MarkMediaGroupProcessed(ctx context.Context, db *gorm.DB, key, owner string, fragments int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.MediaGroup{}).
		Where("group_key = ? AND processing_owner = ? AND processed_at IS NULL", key, owner).
		Where("(SELECT COUNT(*) FROM media_group_fragments f WHERE f.group_key = ?) = ?", key, fragments).
		Update("processed_at", now.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseMediaGroup clears the claim if owner holds it and the group is not
// processed, letting any instance retry the flush.
func ReleaseMediaGroup(ctx context.Context, db *gorm.DB, key, owner string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.MediaGroup{}).
		Where("group_key = ? AND processing_owner = ? AND processed_at IS NULL", key, owner).
		Updates(map[string]any{
			"processing_owner":      nil,
			"processing_started_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetMediaGroup returns the aggregate for key, or ErrNotFound.
func GetMediaGroup(ctx context.Context, db *gorm.DB, key string) (*domain.MediaGroup, error) {
	var g domain.MediaGroup
	err := db.WithContext(ctx).Where("group_key = ?", key).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListMediaGroupFragments returns the group's fragments in ascending message
// id order, which is the merge order regardless of arrival order.
func ListMediaGroupFragments(ctx context.Context, db *gorm.DB, key string) ([]domain.MediaGroupFragment, error) {
	var out []domain.MediaGroupFragment
	err := db.WithContext(ctx).
		Where("group_key = ?", key).
		Order("message_id asc").
		Find(&out).Error
	return out, err
}

// ListClaimableMediaGroups returns up to limit unprocessed groups that would
// currently pass TryClaimMediaGroup's predicate. It is used for restart
// recovery; the claim itself still decides ownership.
func ListClaimableMediaGroups(ctx context.Context, db *gorm.DB, now time.Time, quiet, stale time.Duration, limit int) ([]domain.MediaGroup, error) {
	now = now.UTC()
	var out []domain.MediaGroup
	err := db.WithContext(ctx).
		Where("processed_at IS NULL AND last_seen <= ?", now.Add(-quiet)).
		Where("(processing_owner IS NULL OR processing_owner = '' OR processing_started_at IS NULL OR processing_started_at <= ?)", now.Add(-stale)).
		Order("last_seen asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
