// Package queue is an in-process delayed job queue. Jobs carry caller-chosen
// ids so a second Enqueue of a live id is a no-op.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer         = otel.Tracer("subtrack/queue")
	meter          = otel.Meter("subtrack/queue")
	jobDuration, _ = meter.Float64Histogram("queue.job.duration", metric.WithDescription("Job handler duration in seconds"), metric.WithUnit("s"))
	jobTotal, _    = meter.Int64Counter("queue.job.total", metric.WithDescription("Jobs finished by state"))
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrJobNotFound = errors.New("job not found")
)

// State is the lifecycle position of a job.
type State string

const (
	StateDelayed   State = "delayed"
	StateReady     State = "ready"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) live() bool {
	return s == StateDelayed || s == StateReady || s == StateActive
}

// Job is a snapshot of a queued unit of work.
type Job struct {
	ID        string
	Payload   []byte
	RunAt     time.Time
	State     State
	Attempts  int
	Error     string
	CreatedAt time.Time
}

// Handler processes one job. A returned error triggers a retry until the
// attempt budget is spent.
type Handler func(ctx context.Context, job Job) error

type entry struct {
	job   Job
	timer *time.Timer
}

// Queue holds delayed jobs in memory and hands them to a worker pool when due.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	ready   chan *entry
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup

	maxAttempts int
	backoff     time.Duration
	retention   time.Duration
	logger      *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts caps handler invocations per job.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the base retry delay, multiplied by the attempt number.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) { q.backoff = d }
}

// WithRetention sets how long finished jobs stay fetchable.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// New creates a queue. Call Start to begin processing.
func New(logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		entries:     make(map[string]*entry),
		ready:       make(chan *entry, 256),
		done:        make(chan struct{}),
		maxAttempts: 3,
		backoff:     time.Second,
		retention:   time.Hour,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules payload to run after delay. If a live job with the same
// id exists, nothing changes and the existing id is returned.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload []byte, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if jobID == "" {
		return "", errors.New("job id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if cur, ok := q.entries[jobID]; ok {
		if cur.job.State.live() {
			return jobID, nil
		}
		q.stopTimer(cur)
	}

	if delay < 0 {
		delay = 0
	}
	now := time.Now()
	e := &entry{job: Job{
		ID:        jobID,
		Payload:   append([]byte(nil), payload...),
		RunAt:     now.Add(delay),
		State:     StateDelayed,
		CreatedAt: now,
	}}
	q.entries[jobID] = e
	e.timer = time.AfterFunc(delay, func() { q.promote(e) })

	return jobID, nil
}

// Remove drops a job that has not started. Active jobs finish but their
// outcome is discarded.
func (q *Queue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	q.stopTimer(e)
	delete(q.entries, jobID)
	return nil
}

// Fetch returns a snapshot of the job.
func (q *Queue) Fetch(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job := e.job
	return &job, nil
}

// Len reports how many jobs are tracked, including finished ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Start launches workers that run handler for every due job.
func (q *Queue) Start(ctx context.Context, workers int, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.logger.Info("job queue started", slog.Int("workers", workers))
	return nil
}

// Stop refuses new jobs, cancels pending timers and waits for in-flight handlers.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, e := range q.entries {
		q.stopTimer(e)
	}
	close(q.done)
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.logger.Info("job queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// promote moves a delayed job to the ready channel if it is still current.
func (q *Queue) promote(e *entry) {
	q.mu.Lock()
	if q.closed || q.entries[e.job.ID] != e || e.job.State != StateDelayed {
		q.mu.Unlock()
		return
	}
	e.job.State = StateReady
	e.timer = nil
	q.mu.Unlock()

	select {
	case q.ready <- e:
	case <-q.done:
	}
}

func (q *Queue) worker(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case e := <-q.ready:
			q.run(ctx, e, handler)
		}
	}
}

func (q *Queue) run(ctx context.Context, e *entry, handler Handler) {
	q.mu.Lock()
	if q.entries[e.job.ID] != e || e.job.State != StateReady {
		q.mu.Unlock()
		return
	}
	e.job.State = StateActive
	e.job.Attempts++
	snapshot := e.job
	q.mu.Unlock()

	ctx, span := tracer.Start(ctx, "queue.job",
		trace.WithAttributes(
			attribute.String("job.id", snapshot.ID),
			attribute.Int("job.attempt", snapshot.Attempts),
		),
	)
	start := time.Now()
	err := handler(ctx, snapshot)
	jobDuration.Record(ctx, time.Since(start).Seconds())

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries[e.job.ID] != e {
		// removed while running
		span.End()
		return
	}

	switch {
	case err == nil:
		e.job.State = StateCompleted
		e.job.Error = ""
	case e.job.Attempts < q.maxAttempts && !q.closed:
		e.job.State = StateDelayed
		e.job.Error = err.Error()
		delay := time.Duration(e.job.Attempts) * q.backoff
		e.job.RunAt = time.Now().Add(delay)
		e.timer = time.AfterFunc(delay, func() { q.promote(e) })
		q.logger.Warn("job failed, retrying",
			slog.String("job_id", e.job.ID),
			slog.Int("attempt", e.job.Attempts),
			slog.Any("error", err),
		)
	default:
		e.job.State = StateFailed
		e.job.Error = err.Error()
		q.logger.Error("job failed permanently",
			slog.String("job_id", e.job.ID),
			slog.Int("attempts", e.job.Attempts),
			slog.Any("error", err),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(e.job.State))))

	if !e.job.State.live() && q.retention > 0 {
		e.timer = time.AfterFunc(q.retention, func() { q.expire(e) })
	}
}

func (q *Queue) expire(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[e.job.ID] == e && !e.job.State.live() {
		delete(q.entries, e.job.ID)
	}
}
