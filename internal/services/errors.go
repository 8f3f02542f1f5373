// Package services holds the ingestion pipeline: the Aggregator that admits
// and groups webhook updates, the Dispatcher that fans logical messages out
// to task targets, and the ProgressReporter that maintains the execution
// ledger. This file centralizes the service-level error values.
//
// Translation of these errors into HTTP status codes happens in the
// handler layer.
package services

import "errors"

var (
	// ErrUnknownAccount is returned when an update or message references an
	// account that does not exist.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrMalformedUpdate is returned when an inbound update lacks the
	// identifiers needed to deduplicate it.
	ErrMalformedUpdate = errors.New("malformed update")

	// ErrSecretMismatch is returned when a webhook's secret token does not
	// match the receiving account's configured secret.
	ErrSecretMismatch = errors.New("webhook secret mismatch")

	// ErrNoTargets is recorded on a task whose targets are all missing,
	// inactive, or disabled.
	ErrNoTargets = errors.New("task has no active target accounts")

	// ErrExecutionNotFound indicates that the requested execution record
	// does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrGroupEmpty is returned when a claimed media group has no fragments.
	ErrGroupEmpty = errors.New("media group has no fragments")
)
