// Package services – Dispatcher
//
// This file implements the fan-out Dispatcher. For one logical message it
// selects every active task sourced from the owning account, resolves each
// task's targets, and runs one publish job per (task, target) on the publish
// queue. Each job owns exactly one execution record: created pending before
// any network call, advanced through progress stages, and finalized once.
// A failing target never affects its siblings.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/destinations"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/events"
	"github.com/tbourn/go-crosspost-backend/internal/media"
	"github.com/tbourn/go-crosspost-backend/internal/observability"
	"github.com/tbourn/go-crosspost-backend/internal/queue"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// Failure reasons written to the progress document.
const (
	ReasonAuthExpired      = "auth_expired"
	ReasonContentRejected  = "content_rejected"
	ReasonUnsupported      = "unsupported_content"
	ReasonTransient        = "transient"
	ReasonConfiguration    = "configuration"
	ReasonMediaUnavailable = "media_unavailable"
	ReasonInternal         = "internal"
)

// Fallback reasons recorded when media is dropped in favor of text.
const (
	FallbackMediaTooLarge = "media_too_large"
	FallbackMediaNotFound = "media_not_found"
	FallbackMediaFailed   = "media_unavailable"
)

// AdapterSource resolves destination accounts to adapters.
// *destinations.Registry implements it.
type AdapterSource interface {
	Adapter(acc domain.Account) (destinations.Adapter, error)
	Refresher(platform string) destinations.CredentialRefresher
}

// TargetReport is the outcome for one (task, target) pair.
type TargetReport struct {
	TaskID          string `json:"task_id"`
	TargetAccountID string `json:"target_account_id"`
	ExecutionID     string `json:"execution_id,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	PostID          string `json:"post_id,omitempty"`
	URL             string `json:"url,omitempty"`
	DroppedMedia    int    `json:"dropped_media,omitempty"`
	FallbackReason  string `json:"fallback_reason,omitempty"`
}

// BatchReport summarizes one Dispatch call.
type BatchReport struct {
	MessageKey string         `json:"message_key"`
	Tasks      int            `json:"tasks"`
	Targets    []TargetReport `json:"targets"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
}

// Dispatcher fans logical messages out to task targets.
type Dispatcher struct {
	DB       *gorm.DB
	Adapters AdapterSource
	Media    media.Retriever
	// Queue runs the per-target publish jobs. It must not be the queue the
	// Dispatch call itself runs on.
	Queue    *queue.Queue
	Progress *ProgressReporter
	// Events is optional.
	Events events.Publisher
	// TextOnlyFallback is the default for targets without an explicit flag.
	TextOnlyFallback bool

	Log zerolog.Logger
	// Now and Sleep are overridable in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type publishUnit struct {
	task   domain.AutomationTask
	target domain.Account
}

// Dispatch publishes msg to every target of every matching task and waits
// for all of them. Per-target failures are reported in the BatchReport, not
// as an error; an error means the batch could not be planned at all.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.LogicalMessage) (BatchReport, error) {
	tr := otel.Tracer("services/Dispatcher")
	ctx, span := tr.Start(ctx, "Dispatch",
		trace.WithAttributes(
			attribute.String("account.id", msg.AccountID),
			attribute.String("message.key", msg.Key()),
			attribute.Int("media.count", len(msg.Media)),
		),
	)
	defer span.End()

	report := BatchReport{MessageKey: msg.Key()}
	log := d.Log.With().Str("component", "dispatcher").Str("message_key", report.MessageKey).Logger()

	source, err := repo.GetAccount(ctx, d.DB, msg.AccountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return report, fmt.Errorf("%w: %s", ErrUnknownAccount, msg.AccountID)
		}
		return report, err
	}

	tasks, err := repo.ListActiveTasksForSource(ctx, d.DB, msg.AccountID)
	if err != nil {
		observability.Fail(span, err)
		return report, err
	}

	var (
		units []publishUnit
		order []string
	)
	for _, task := range tasks {
		if ok, why := MatchFilters(task.Filters.Data(), msg); !ok {
			log.Debug().Str("task_id", task.ID).Str("reason", why).Msg("task filtered out")
			continue
		}
		targets, err := d.resolveTargets(ctx, task, source.ID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("resolve targets failed")
			continue
		}
		if len(targets) == 0 {
			log.Warn().Str("task_id", task.ID).Msg(ErrNoTargets.Error())
			if err := repo.SetTaskLastError(ctx, d.DB, task.ID, ErrNoTargets.Error()); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("set last error failed")
			}
			continue
		}
		report.Tasks++
		order = append(order, task.ID)
		for _, t := range targets {
			units = append(units, publishUnit{task: task, target: t})
		}
	}
	if len(units) == 0 {
		log.Debug().Int("tasks", len(tasks)).Msg("nothing to dispatch")
		return report, nil
	}

	jobs := make([]queue.Job, len(units))
	for i, u := range units {
		u := u
		jobs[i] = queue.Job{
			Label:     "publish",
			OwnerID:   u.target.ID,
			TaskID:    u.task.ID,
			DedupeKey: fmt.Sprintf("%s|%s|%s", msg.Key(), u.task.ID, u.target.ID),
			Run: func(ctx context.Context) (any, error) {
				rep := d.publishTarget(ctx, u.task, *source, u.target, msg)
				if rep.Status != domain.ExecSuccess {
					return rep, errors.New(rep.Error)
				}
				return rep, nil
			},
		}
	}
	outcomes := d.Queue.RunAll(ctx, jobs)

	failedTasks := map[string]bool{}
	configErrors := map[string]string{}
	for i, o := range outcomes {
		rep, ok := o.Value.(TargetReport)
		if !ok {
			rep = TargetReport{TaskID: units[i].task.ID, TargetAccountID: units[i].target.ID, Status: domain.ExecFailed}
			if o.Err != nil {
				rep.Error = o.Err.Error()
			}
		}
		report.Targets = append(report.Targets, rep)
		if rep.Status == domain.ExecSuccess {
			report.Succeeded++
			continue
		}
		report.Failed++
		failedTasks[rep.TaskID] = true
		if rep.FailureReason == ReasonConfiguration {
			configErrors[rep.TaskID] = rep.Error
		}
	}

	now := d.now()
	for _, id := range order {
		if err := repo.RecordTaskRun(ctx, d.DB, id, failedTasks[id], configErrors[id], now); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("record task run failed")
		}
	}

	span.SetAttributes(attribute.Int("targets.succeeded", report.Succeeded), attribute.Int("targets.failed", report.Failed))
	log.Info().Int("tasks", report.Tasks).Int("succeeded", report.Succeeded).Int("failed", report.Failed).Msg("dispatch finished")
	return report, nil
}

// resolveTargets loads a task's target accounts in configured order, keeping
// active ones that are not disabled for the task and are not the source
// itself. Accounts routed through the same provider and platform with
// ApplyToAllAccounts set publish once for all profiles, so only the first
// of them is kept.
func (d *Dispatcher) resolveTargets(ctx context.Context, task domain.AutomationTask, sourceID string) ([]domain.Account, error) {
	accounts, err := repo.ListAccountsByIDs(ctx, d.DB, task.TargetAccounts)
	if err != nil {
		return nil, err
	}
	seenProvider := map[string]bool{}
	out := make([]domain.Account, 0, len(accounts))
	for _, acc := range accounts {
		if !acc.IsActive() || acc.ID == sourceID || task.FlagsFor(acc.ID).Disabled {
			continue
		}
		if acc.ApplyToAllAccounts && acc.Provider != "" {
			key := strings.ToLower(acc.Provider + "|" + acc.Platform)
			if seenProvider[key] {
				continue
			}
			seenProvider[key] = true
		}
		out = append(out, acc)
	}
	return out, nil
}

// publishTarget runs one (task, target) attempt end to end and always
// returns a report. When the execution record could be created it is
// finalized before returning.
func (d *Dispatcher) publishTarget(ctx context.Context, task domain.AutomationTask, source, target domain.Account, msg domain.LogicalMessage) TargetReport {
	tr := otel.Tracer("services/Dispatcher")
	ctx, span := tr.Start(ctx, "publishTarget",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("target.id", target.ID),
			attribute.String("target.platform", target.Platform),
		),
	)
	defer span.End()

	log := d.Log.With().Str("component", "dispatcher").Str("task_id", task.ID).Str("target_id", target.ID).Logger()
	rep := TargetReport{TaskID: task.ID, TargetAccountID: target.ID, Status: domain.ExecFailed}

	transformed := ApplyTransform(task.Transform.Data(), msg.Text)
	exec := &domain.TaskExecution{
		TaskID:             task.ID,
		SourceAccountID:    source.ID,
		TargetAccountID:    target.ID,
		OriginalContent:    msg.Text,
		TransformedContent: transformed,
	}
	if err := repo.CreateExecution(ctx, d.DB, exec); err != nil {
		log.Error().Err(err).Msg("create execution failed")
		rep.Error = err.Error()
		targetResults.WithLabelValues(target.Platform, domain.ExecFailed).Inc()
		return rep
	}
	rep.ExecutionID = exec.ID
	log = log.With().Str("execution_id", exec.ID).Logger()
	_, _ = d.Progress.Report(ctx, exec.ID, 0, StagePreparing)

	out := d.attempt(ctx, task, source, target, msg, exec, transformed, log)

	if _, err := d.Progress.Finalize(ctx, exec, out); err != nil {
		log.Error().Err(err).Msg("execution left pending")
	}
	publishDuration.WithLabelValues(target.Platform).Observe(d.now().Sub(exec.CreatedAt).Seconds())
	targetResults.WithLabelValues(target.Platform, out.Status).Inc()
	d.emit(ctx, msg, exec, out, log)

	rep.Status = out.Status
	rep.Error = out.Error
	rep.FailureReason = out.FailureReason
	rep.PostID = out.PostID
	rep.URL = out.URL
	rep.DroppedMedia = out.DroppedMedia
	rep.FallbackReason = out.FallbackReason
	if out.Status == domain.ExecSuccess {
		log.Info().Str("post_id", out.PostID).Int("dropped_media", out.DroppedMedia).Msg("published")
	} else {
		observability.Fail(span, errors.New(out.Error))
		log.Warn().Str("reason", out.FailureReason).Str("error", out.Error).Msg("publish failed")
	}
	return rep
}

// attempt plans, fetches and publishes, and returns the terminal outcome.
func (d *Dispatcher) attempt(ctx context.Context, task domain.AutomationTask, source, target domain.Account, msg domain.LogicalMessage, exec *domain.TaskExecution, text string, log zerolog.Logger) FinalOutcome {
	adapter, err := d.Adapters.Adapter(target)
	if err != nil {
		return failure(err)
	}
	caps := adapter.Capabilities()

	plan, err := destinations.PlanMedia(caps, msg.Media)
	if err != nil {
		return failure(err)
	}
	out := FinalOutcome{DroppedMedia: plan.Dropped}

	var files []*media.File
	if len(plan.Media) > 0 {
		_, _ = d.Progress.Report(ctx, exec.ID, 20, StageMedia)
		var ferr error
		files, ferr = d.fetchAll(ctx, source, plan.Media, caps.MaxImageEdge, log)
		defer media.RemoveAll(files)
		if ferr != nil {
			if caps.VideoOnly || !d.fallbackEnabled(task, target.ID) || strings.TrimSpace(text) == "" {
				f := failure(ferr)
				f.DroppedMedia = plan.Dropped
				return f
			}
			log.Info().Err(ferr).Msg("media unavailable; publishing text only")
			out.FallbackReason = fallbackReason(ferr)
			out.DroppedMedia = len(msg.Media)
			files = nil
		}
	}

	content := destinations.Content{Text: text, Media: attachments(files)}

	var when time.Time
	if task.PublishDelaySeconds > 0 {
		when = exec.CreatedAt.Add(time.Duration(task.PublishDelaySeconds) * time.Second)
	}

	_, _ = d.Progress.Report(ctx, exec.ID, 60, StagePublishing)
	res, err := d.send(ctx, adapter, content, when, exec.ID)
	if errors.Is(err, destinations.ErrAuthExpired) {
		res, err = d.retryAfterRefresh(ctx, target, content, when, exec.ID, err, log)
	}
	if err != nil {
		f := failure(err)
		f.DroppedMedia = out.DroppedMedia
		f.FallbackReason = out.FallbackReason
		return f
	}

	out.Status = domain.ExecSuccess
	out.PostID = res.PostID
	out.URL = res.URL
	return out
}

// send publishes now, or at when when it is set. Destinations without
// native scheduling are published after waiting out the delay.
func (d *Dispatcher) send(ctx context.Context, adapter destinations.Adapter, c destinations.Content, when time.Time, execID string) (destinations.Result, error) {
	if when.IsZero() {
		return adapter.Publish(ctx, c)
	}
	if adapter.Capabilities().SupportsSchedule {
		_, _ = d.Progress.Report(ctx, execID, 80, StageScheduling)
		res, err := adapter.Schedule(ctx, c, when)
		if !errors.Is(err, destinations.ErrScheduleUnsupported) {
			return res, err
		}
	}
	if err := d.sleep(ctx, when.Sub(d.now())); err != nil {
		return destinations.Result{}, fmt.Errorf("%w: waiting for publish delay: %v", destinations.ErrTransient, err)
	}
	return adapter.Publish(ctx, c)
}

// retryAfterRefresh refreshes the target's credential once and retries the
// publish with a fresh adapter. When no refresh is possible the original
// error is returned unchanged.
func (d *Dispatcher) retryAfterRefresh(ctx context.Context, target domain.Account, c destinations.Content, when time.Time, execID string, cause error, log zerolog.Logger) (destinations.Result, error) {
	refresher := d.Adapters.Refresher(target.Platform)
	if refresher == nil || target.RefreshToken == "" {
		return destinations.Result{}, cause
	}
	creds, err := refresher.Refresh(ctx, target)
	if err != nil {
		log.Warn().Err(err).Msg("credential refresh failed")
		return destinations.Result{}, cause
	}
	if err := repo.UpdateAccountCredentials(ctx, d.DB, target.ID, creds.AccessToken, creds.RefreshToken, creds.ExpiresAt); err != nil {
		log.Warn().Err(err).Msg("persist refreshed credentials failed")
	}
	target.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		target.RefreshToken = creds.RefreshToken
	}
	adapter, err := d.Adapters.Adapter(target)
	if err != nil {
		return destinations.Result{}, err
	}
	log.Info().Msg("credential refreshed; retrying once")
	return d.send(ctx, adapter, c, when, execID)
}

// fetchAll downloads items for the source account and downscales photos
// beyond maxEdge. On error every file fetched so far is removed.
func (d *Dispatcher) fetchAll(ctx context.Context, source domain.Account, items []domain.MediaItem, maxEdge int, log zerolog.Logger) ([]*media.File, error) {
	if d.Media == nil {
		return nil, fmt.Errorf("%w: no media retriever configured", media.ErrNotFound)
	}
	files := make([]*media.File, 0, len(items))
	for _, it := range items {
		f, err := d.Media.Fetch(ctx, source, it)
		if err != nil {
			media.RemoveAll(files)
			return nil, err
		}
		if _, err := media.Downscale(f, maxEdge); err != nil {
			log.Warn().Err(err).Str("file", f.Name).Msg("downscale failed; sending original")
		}
		files = append(files, f)
	}
	return files, nil
}

func (d *Dispatcher) fallbackEnabled(task domain.AutomationTask, targetID string) bool {
	if v := task.FlagsFor(targetID).TextOnlyFallback; v != nil {
		return *v
	}
	return d.TextOnlyFallback
}

func (d *Dispatcher) emit(ctx context.Context, msg domain.LogicalMessage, exec *domain.TaskExecution, out FinalOutcome, log zerolog.Logger) {
	if d.Events == nil {
		return
	}
	env := events.NewEnvelope(events.TypeExecutionFinalized, "crosspost-relay", msg.Key(), events.ExecutionFinalized{
		ExecutionID:     exec.ID,
		TaskID:          exec.TaskID,
		SourceAccountID: exec.SourceAccountID,
		TargetAccountID: exec.TargetAccountID,
		Status:          out.Status,
		Error:           out.Error,
		PostID:          out.PostID,
		URL:             out.URL,
		DroppedMedia:    out.DroppedMedia,
		FallbackReason:  out.FallbackReason,
	})
	if err := d.Events.Publish(context.WithoutCancel(ctx), "execution.finalized", env); err != nil {
		log.Warn().Err(err).Msg("event publish failed")
	}
}

func attachments(files []*media.File) []destinations.Attachment {
	if len(files) == 0 {
		return nil
	}
	out := make([]destinations.Attachment, len(files))
	for i, f := range files {
		out[i] = destinations.Attachment{Kind: f.Kind, Path: f.Path, Name: f.Name, MimeType: f.MimeType, Size: f.Size}
	}
	return out
}

func failure(err error) FinalOutcome {
	return FinalOutcome{Status: domain.ExecFailed, Error: err.Error(), FailureReason: failureReason(err)}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, destinations.ErrAuthExpired):
		return ReasonAuthExpired
	case errors.Is(err, destinations.ErrContentRejected):
		return ReasonContentRejected
	case errors.Is(err, destinations.ErrUnsupportedContent):
		return ReasonUnsupported
	case errors.Is(err, destinations.ErrTransient), errors.Is(err, media.ErrTransient):
		return ReasonTransient
	case isConfigError(err):
		return ReasonConfiguration
	case errors.Is(err, media.ErrTooLarge), errors.Is(err, media.ErrNotFound):
		return ReasonMediaUnavailable
	default:
		return ReasonInternal
	}
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, media.ErrTooLarge):
		return FallbackMediaTooLarge
	case errors.Is(err, media.ErrNotFound):
		return FallbackMediaNotFound
	default:
		return FallbackMediaFailed
	}
}

// isConfigError reports failures that no retry can fix: the task points at
// an account that cannot be published to.
func isConfigError(err error) bool {
	return errors.Is(err, destinations.ErrMissingCredentials) || errors.Is(err, destinations.ErrUnsupportedPlatform)
}
