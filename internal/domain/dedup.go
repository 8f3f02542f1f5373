// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// Dedup ledger keyspaces. Each keyspace is independent: the same key string
// admitted under KeyspaceUpdate does not block it under KeyspaceMessage.
const (
	KeyspaceUpdate  = "update"
	KeyspaceMessage = "message"
)

// ProcessedUpdate records that an inbound update (or the message it carries)
// was admitted for processing, keyed by (keyspace, account_id, key). A second
// insert with the same key is a duplicate and must be dropped by the caller.
//
// Rows expire after the configured retention window and are purged by the
// janitor; upstream retries happen on much shorter timescales.
type ProcessedUpdate struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Keyspace  string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_processed_key,priority:1"`
	AccountID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_processed_key,priority:2"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_processed_key,priority:3"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
