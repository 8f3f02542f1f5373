// Package queue implements the in-process execution queue.
//
// Jobs that share a DedupeKey while one of them is in flight are coalesced
// through singleflight: the later callers observe the first job's outcome
// instead of running again. Concurrency across distinct keys is bounded by a
// weighted semaphore. Label, OwnerID and TaskID are only used for logs and
// metrics.
//
// The queue is local to one process. Cross-instance exactly-once comes from
// the media-group claim protocol and the dedup ledger, never from here.
//
// A job that enqueues and awaits other jobs must do so on a different Queue;
// waiting on the same queue from inside a job can exhaust the semaphore.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrClosed is returned for jobs submitted after Close.
	ErrClosed = errors.New("queue closed")
	// ErrPanic wraps a panic recovered from a job.
	ErrPanic = errors.New("job panicked")
)

// Job is one unit of work.
type Job struct {
	Label     string
	OwnerID   string
	TaskID    string
	DedupeKey string
	// Run receives the queue's own context, which outlives the submitting
	// request and is only cancelled when Close gives up waiting.
	Run func(ctx context.Context) (any, error)
}

// Outcome is the result of one job as seen by one submitter.
type Outcome struct {
	Label  string
	Value  any
	Err    error
	Shared bool // true when the result came from a coalesced in-flight job
}

// Handle lets a submitter await its job.
type Handle struct {
	done chan struct{}
	out  Outcome
}

// Done is closed once the outcome is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done. Cancelling ctx does not
// cancel the job.
func (h *Handle) Wait(ctx context.Context) Outcome {
	select {
	case <-h.done:
		return h.out
	case <-ctx.Done():
		return Outcome{Label: h.out.Label, Err: ctx.Err()}
	}
}

// Queue schedules jobs on goroutines.
type Queue struct {
	name string
	log  zerolog.Logger
	sem  *semaphore.Weighted
	sf   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a queue running at most concurrency jobs at once. name tags
// metrics and logs.
func New(name string, concurrency int, log zerolog.Logger) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:   name,
		log:    log.With().Str("component", "queue").Str("queue", name).Logger(),
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue submits job and returns a handle to its outcome.
func (q *Queue) Enqueue(job Job) *Handle {
	h := &Handle{done: make(chan struct{}), out: Outcome{Label: job.Label}}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		h.out.Err = ErrClosed
		close(h.done)
		return h
	}
	q.wg.Add(1)
	q.mu.RUnlock()

	jobsSubmitted.WithLabelValues(q.name, job.Label).Inc()
	go func() {
		defer q.wg.Done()
		defer close(h.done)
		if job.DedupeKey == "" {
			h.out.Value, h.out.Err = q.execute(job)
			return
		}
		// singleflight reports shared to the leader too once a follower
		// joined, so leadership is tracked by whether this job's fn ran.
		ran := false
		v, err, _ := q.sf.Do(job.DedupeKey, func() (any, error) {
			ran = true
			return q.execute(job)
		})
		h.out.Value, h.out.Err, h.out.Shared = v, err, !ran
		if !ran {
			jobsCoalesced.WithLabelValues(q.name, job.Label).Inc()
		}
	}()
	return h
}

// Go submits job without waiting for it.
func (q *Queue) Go(job Job) {
	h := q.Enqueue(job)
	select {
	case <-h.done:
		if errors.Is(h.out.Err, ErrClosed) {
			q.log.Warn().Str("job", job.Label).Str("dedupe_key", job.DedupeKey).Msg("job dropped: queue closed")
		}
	default:
	}
}

// RunAll submits every job and waits for all of them. Outcomes are returned
// in submission order; one job's failure never affects the others.
func (q *Queue) RunAll(ctx context.Context, jobs []Job) []Outcome {
	handles := make([]*Handle, len(jobs))
	for i, j := range jobs {
		handles[i] = q.Enqueue(j)
	}
	out := make([]Outcome, len(jobs))
	for i, h := range handles {
		out[i] = h.Wait(ctx)
	}
	return out
}

// Close stops accepting jobs and waits for in-flight ones. If ctx ends first,
// the queue context is cancelled so running jobs can abort, and ctx.Err() is
// returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) execute(job Job) (v any, err error) {
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		return nil, err
	}
	defer q.sem.Release(1)

	jobsInflight.WithLabelValues(q.name).Inc()
	defer jobsInflight.WithLabelValues(q.name).Dec()

	start := time.Now()
	log := q.log.With().
		Str("job", job.Label).
		Str("owner_id", job.OwnerID).
		Str("task_id", job.TaskID).
		Str("dedupe_key", job.DedupeKey).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, job.Label, r)
			log.Error().Str("stack", string(debug.Stack())).Err(err).Msg("job panicked")
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		jobsFinished.WithLabelValues(q.name, job.Label, result).Inc()
		jobDuration.WithLabelValues(q.name, job.Label).Observe(time.Since(start).Seconds())
		if err != nil {
			log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		} else {
			log.Debug().Dur("elapsed", time.Since(start)).Msg("job finished")
		}
	}()

	return job.Run(q.ctx)
}
