package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Media-group lifecycle states derived from the aggregate's columns.
const (
	GroupCollecting = "collecting"
	GroupClaimed    = "claimed"
	GroupProcessed  = "processed"
)

// MediaGroup is the persisted aggregate for one album, keyed by
// accountId:chatId:mediaGroupId. It is shared by every running instance and
// is only ever claimed through a single conditional UPDATE.
//
// Fields:
//   - FirstSeen / LastSeen: arrival time of the first and most recent fragment.
//   - ProcessingOwner / ProcessingStartedAt: current claim, if any.
//   - ProcessedAt: terminal marker; once set the group never flushes again.
type MediaGroup struct {
	GroupKey            string     `json:"group_key"  gorm:"type:varchar(191);primaryKey"`
	AccountID           string     `json:"account_id" gorm:"type:varchar(64);not null;index"`
	ChatID              int64      `json:"chat_id"    gorm:"not null"`
	MediaGroupID        string     `json:"media_group_id" gorm:"type:varchar(64);not null"`
	FirstSeen           time.Time  `json:"first_seen" gorm:"not null"`
	LastSeen            time.Time  `json:"last_seen"  gorm:"not null;index"`
	ProcessingOwner     *string    `json:"processing_owner,omitempty" gorm:"type:varchar(128)"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty" gorm:"index"`
}

// TableName returns the database table name for MediaGroup.
func (MediaGroup) TableName() string { return "media_groups" }

// State reports the lifecycle state. A claim is reported as claimed even when
// it is stale; staleness only matters to TryClaim.
func (g MediaGroup) State() string {
	switch {
	case g.ProcessedAt != nil:
		return GroupProcessed
	case g.ProcessingOwner != nil && *g.ProcessingOwner != "":
		return GroupClaimed
	default:
		return GroupCollecting
	}
}

// MediaGroupFragment is one album item, unique per (group_key, message_id).
// Payload holds the raw normalized update.
type MediaGroupFragment struct {
	ID        string                           `json:"id"         gorm:"type:char(36);primaryKey"`
	GroupKey  string                           `json:"group_key"  gorm:"type:varchar(191);not null;uniqueIndex:ux_fragment_group_msg,priority:1"`
	MessageID int64                            `json:"message_id" gorm:"not null;uniqueIndex:ux_fragment_group_msg,priority:2"`
	Payload   datatypes.JSONType[InboundUpdate] `json:"payload"`
	CreatedAt time.Time                        `json:"created_at"`
}

// TableName returns the database table name for MediaGroupFragment.
func (MediaGroupFragment) TableName() string { return "media_group_fragments" }
