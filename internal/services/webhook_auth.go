package services

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// Authenticate checks that accountID is a known account and that secret
// matches its configured webhook secret. Accounts without a secret accept
// any token.
func (a *Aggregator) Authenticate(ctx context.Context, accountID, secret string) error {
	acc, err := repo.GetAccount(ctx, a.DB, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrUnknownAccount
		}
		return err
	}
	if acc.WebhookSecret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(acc.WebhookSecret), []byte(secret)) != 1 {
		return ErrSecretMismatch
	}
	return nil
}
