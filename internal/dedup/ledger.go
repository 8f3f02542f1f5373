// Package dedup implements the dedup ledger: an insert-if-absent record of
// admitted update identifiers and (chat, message) pairs, keyed per account.
//
// Two backends are provided. SQLLedger stores rows in the service database
// and relies on a unique index; RedisLedger uses SET NX with a TTL. Both give
// the same guarantee: among concurrent callers admitting one key, exactly one
// observes true.
package dedup

import (
	"context"
	"strconv"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// Ledger records admitted keys.
type Ledger interface {
	// Admit atomically records (keyspace, accountID, key) and reports whether
	// this call was the first to do so.
	Admit(ctx context.Context, keyspace, accountID, key string) (bool, error)
	// Forget removes an admitted key so a later Admit succeeds again. It is
	// used to roll back an admission whose follow-up step failed.
	Forget(ctx context.Context, keyspace, accountID, key string) error
	// Purge removes entries that expired at or before now. Backends whose
	// entries expire on their own return 0.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// AdmitUpdate admits the envelope-level update id of an account.
func AdmitUpdate(ctx context.Context, l Ledger, accountID string, updateID int64) (bool, error) {
	return l.Admit(ctx, domain.KeyspaceUpdate, accountID, updateKey(updateID))
}

// ForgetUpdate undoes AdmitUpdate.
func ForgetUpdate(ctx context.Context, l Ledger, accountID string, updateID int64) error {
	return l.Forget(ctx, domain.KeyspaceUpdate, accountID, updateKey(updateID))
}

// AdmitMessage admits a (chat, message) pair of an account.
func AdmitMessage(ctx context.Context, l Ledger, accountID string, chatID, messageID int64) (bool, error) {
	return l.Admit(ctx, domain.KeyspaceMessage, accountID, messageKey(chatID, messageID))
}

func updateKey(updateID int64) string { return strconv.FormatInt(updateID, 10) }

func messageKey(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(messageID, 10)
}
