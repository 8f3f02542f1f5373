// Package services – Aggregator
//
// This file implements the Aggregator, which turns webhook deliveries into
// logical messages. Standalone updates pass through the dedup ledger and are
// dispatched immediately. Album fragments are appended to the shared
// media-group store and debounced; when a group has been quiet for the
// configured window, exactly one instance claims it, merges its fragments,
// marks it processed, and dispatches the result.
//
// Observability: public methods are OpenTelemetry-instrumented and every
// coordination failure is logged at warn with the group key.

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/debounce"
	"github.com/tbourn/go-crosspost-backend/internal/dedup"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/observability"
	"github.com/tbourn/go-crosspost-backend/internal/queue"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// IngestOutcome is the result of one Ingest call.
type IngestOutcome string

const (
	OutcomeDispatched IngestOutcome = "dispatched"
	OutcomeDuplicate  IngestOutcome = "duplicate"
	OutcomeBuffered   IngestOutcome = "buffered"
	OutcomeIgnored    IngestOutcome = "ignored"
)

// MessageDispatcher consumes logical messages. *Dispatcher implements it.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, msg domain.LogicalMessage) (BatchReport, error)
}

// recoverBatch bounds how many groups one RecoverPending call schedules.
const recoverBatch = 200

// Aggregator admits updates and reassembles media groups.
type Aggregator struct {
	DB         *gorm.DB
	Ledger     dedup.Ledger
	Queue      *queue.Queue
	Debouncer  *debounce.Debouncer
	Dispatcher MessageDispatcher

	// InstanceID identifies this process as a claim owner.
	InstanceID string
	// QuietWindow is how long a group must receive no fragment before it
	// may be flushed.
	QuietWindow time.Duration
	// StaleClaimTimeout is how long a claim may be held before another
	// instance may take it over.
	StaleClaimTimeout time.Duration

	Log zerolog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// Ingest admits one update. It never waits for dispatch.
func (a *Aggregator) Ingest(ctx context.Context, u domain.InboundUpdate) (IngestOutcome, error) {
	tr := otel.Tracer("services/Aggregator")
	ctx, span := tr.Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.String("account.id", u.AccountID),
			attribute.Int64("chat.id", u.ChatID),
			attribute.Int64("message.id", u.MessageID),
			attribute.Bool("grouped", u.Grouped()),
		),
	)
	defer span.End()

	if strings.TrimSpace(u.AccountID) == "" || u.MessageID == 0 {
		return "", ErrMalformedUpdate
	}

	var (
		out IngestOutcome
		err error
	)
	switch {
	case u.Grouped():
		out, err = a.ingestFragment(ctx, u)
	case strings.TrimSpace(u.Text) == "" && strings.TrimSpace(u.Caption) == "" && len(u.Media) == 0:
		out = OutcomeIgnored
	default:
		out, err = a.ingestSingle(ctx, u)
	}
	if err != nil {
		observability.Fail(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", string(out)))
	ingestOutcomes.WithLabelValues(string(out)).Inc()
	return out, nil
}

func (a *Aggregator) ingestSingle(ctx context.Context, u domain.InboundUpdate) (IngestOutcome, error) {
	if u.ExternalUpdateID != nil {
		novel, err := dedup.AdmitUpdate(ctx, a.Ledger, u.AccountID, *u.ExternalUpdateID)
		if err != nil {
			return "", fmt.Errorf("admit update: %w", err)
		}
		if !novel {
			return OutcomeDuplicate, nil
		}
	}
	novel, err := dedup.AdmitMessage(ctx, a.Ledger, u.AccountID, u.ChatID, u.MessageID)
	if err != nil {
		err = fmt.Errorf("admit message: %w", err)
		// The source retries failed deliveries with the same update id; it
		// must not be admitted unless the message key was too.
		if u.ExternalUpdateID != nil {
			if ferr := dedup.ForgetUpdate(context.WithoutCancel(ctx), a.Ledger, u.AccountID, *u.ExternalUpdateID); ferr != nil {
				a.Log.Warn().Err(ferr).Int64("update_id", *u.ExternalUpdateID).Msg("forget update failed; redelivery will be dropped")
				err = errors.Join(err, ferr)
			}
		}
		return "", err
	}
	if !novel {
		return OutcomeDuplicate, nil
	}

	a.submit(domain.FromUpdate(u), u.DedupeKey())
	return OutcomeDispatched, nil
}

func (a *Aggregator) ingestFragment(ctx context.Context, u domain.InboundUpdate) (IngestOutcome, error) {
	now := a.now()
	g, inserted, err := repo.AppendFragment(ctx, a.DB, u, now)
	if err != nil {
		return "", fmt.Errorf("append fragment: %w", err)
	}
	if g.ProcessedAt != nil {
		return OutcomeDuplicate, nil
	}

	// A redelivered fragment does not extend the window, but it still
	// re-arms the local timer in case this instance never saw the group.
	a.scheduleFlush(g.GroupKey, g.LastSeen.Add(a.QuietWindow).Sub(now))
	if !inserted {
		return OutcomeDuplicate, nil
	}
	return OutcomeBuffered, nil
}

func (a *Aggregator) scheduleFlush(key string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	a.Debouncer.Schedule(key, delay, func() {
		a.Queue.Go(queue.Job{
			Label:     "flush",
			DedupeKey: "flush:" + key,
			Run: func(ctx context.Context) (any, error) {
				return nil, a.FlushGroup(ctx, key)
			},
		})
	})
}

// FlushGroup tries to claim a settled group and dispatch its merged content.
// Losing the claim to another instance, or finding the group processed, is
// not an error. A group still receiving fragments is rescheduled for the
// rest of its quiet window.
func (a *Aggregator) FlushGroup(ctx context.Context, key string) (err error) {
	tr := otel.Tracer("services/Aggregator")
	ctx, span := tr.Start(ctx, "FlushGroup", trace.WithAttributes(attribute.String("group.key", key)))
	defer span.End()

	log := a.Log.With().Str("group_key", key).Str("owner", a.InstanceID).Logger()
	now := a.now()

	claimed, err := repo.TryClaimMediaGroup(ctx, a.DB, key, a.InstanceID, now, a.QuietWindow, a.StaleClaimTimeout)
	if err != nil {
		groupFlushes.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("claim failed")
		return err
	}
	if !claimed {
		return a.afterRefusedClaim(ctx, key, now, log)
	}

	marked := false
	defer func() {
		if marked {
			return
		}
		// Release with a context that survives the caller's cancellation.
		if ok, rerr := repo.ReleaseMediaGroup(context.WithoutCancel(ctx), a.DB, key, a.InstanceID); rerr != nil {
			log.Warn().Err(rerr).Msg("release failed; claim will go stale")
		} else if ok {
			log.Info().Msg("claim released")
		}
	}()

	frags, err := repo.ListMediaGroupFragments(ctx, a.DB, key)
	if err != nil {
		groupFlushes.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("load fragments failed")
		return err
	}
	if len(frags) == 0 {
		groupFlushes.WithLabelValues("error").Inc()
		return ErrGroupEmpty
	}
	msg := MergeFragments(key, frags)

	ok, err := repo.MarkMediaGroupProcessed(ctx, a.DB, key, a.InstanceID, len(frags), a.now())
	if err != nil {
		groupFlushes.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("mark processed failed")
		return err
	}
	if !ok {
		return a.afterRefusedMark(ctx, key, len(frags), log)
	}
	marked = true

	groupFlushes.WithLabelValues("flushed").Inc()
	log.Info().Int("fragments", len(frags)).Int("media", len(msg.Media)).Msg("media group flushed")
	a.submit(msg, "group:"+key)
	return nil
}

// afterRefusedMark tells a lost claim apart from a fragment appended while
// the group was being merged. The latter restarts the quiet window; the
// deferred release in FlushGroup frees the claim for the next attempt.
func (a *Aggregator) afterRefusedMark(ctx context.Context, key string, merged int, log zerolog.Logger) error {
	g, err := repo.GetMediaGroup(ctx, a.DB, key)
	if err != nil {
		groupFlushes.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("load group failed")
		return err
	}
	if g.ProcessedAt != nil || g.ProcessingOwner == nil || *g.ProcessingOwner != a.InstanceID {
		groupFlushes.WithLabelValues("lost_claim").Inc()
		log.Warn().Msg("claim lost before mark; another owner took over")
		return nil
	}
	remaining := g.LastSeen.Add(a.QuietWindow).Sub(a.now())
	groupFlushes.WithLabelValues("rescheduled").Inc()
	log.Info().Int("merged", merged).Dur("remaining", remaining).Msg("fragment arrived during flush; rescheduled")
	a.scheduleFlush(key, remaining)
	return nil
}

func (a *Aggregator) afterRefusedClaim(ctx context.Context, key string, now time.Time, log zerolog.Logger) error {
	g, err := repo.GetMediaGroup(ctx, a.DB, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			groupFlushes.WithLabelValues("skipped").Inc()
			return nil
		}
		groupFlushes.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("load group failed")
		return err
	}
	if g.State() != domain.GroupCollecting {
		groupFlushes.WithLabelValues("skipped").Inc()
		log.Debug().Str("state", g.State()).Msg("flush skipped")
		return nil
	}
	remaining := g.LastSeen.Add(a.QuietWindow).Sub(now)
	groupFlushes.WithLabelValues("rescheduled").Inc()
	log.Debug().Dur("remaining", remaining).Msg("group still receiving fragments")
	a.scheduleFlush(key, remaining)
	return nil
}

// RecoverPending schedules an immediate flush attempt for every unprocessed
// group whose quiet window has elapsed, including groups with stale claims.
// It is run at startup and by the janitor so groups whose timers died with
// a previous process still get flushed.
func (a *Aggregator) RecoverPending(ctx context.Context) (int, error) {
	tr := otel.Tracer("services/Aggregator")
	ctx, span := tr.Start(ctx, "RecoverPending")
	defer span.End()

	groups, err := repo.ListClaimableMediaGroups(ctx, a.DB, a.now(), a.QuietWindow, a.StaleClaimTimeout, recoverBatch)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		a.scheduleFlush(g.GroupKey, 0)
	}
	if len(groups) > 0 {
		a.Log.Info().Int("groups", len(groups)).Msg("pending media groups scheduled")
	}
	return len(groups), nil
}

func (a *Aggregator) submit(msg domain.LogicalMessage, dedupeKey string) {
	a.Queue.Go(queue.Job{
		Label:     "dispatch",
		OwnerID:   msg.AccountID,
		DedupeKey: dedupeKey,
		Run: func(ctx context.Context) (any, error) {
			return a.Dispatcher.Dispatch(ctx, msg)
		},
	})
}

// MergeFragments builds one logical message from a group's fragments. The
// result depends only on the set of fragments, not their arrival order:
// fragments are taken in ascending message id, the text is the first
// non-empty caption or text, and each fragment contributes its first media
// item.
func MergeFragments(groupKey string, frags []domain.MediaGroupFragment) domain.LogicalMessage {
	sorted := append([]domain.MediaGroupFragment(nil), frags...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MessageID < sorted[j].MessageID })

	msg := domain.LogicalMessage{GroupKey: groupKey}
	for i, f := range sorted {
		u := f.Payload.Data()
		if i == 0 {
			msg.AccountID, msg.ChatID = u.AccountID, u.ChatID
		}
		msg.MessageIDs = append(msg.MessageIDs, f.MessageID)
		if msg.Text == "" {
			if t := strings.TrimSpace(u.Caption); t != "" {
				msg.Text = u.Caption
			} else if t := strings.TrimSpace(u.Text); t != "" {
				msg.Text = u.Text
			}
		}
		if len(u.Media) > 0 {
			msg.Media = append(msg.Media, u.Media[0])
		}
	}
	return msg
}
