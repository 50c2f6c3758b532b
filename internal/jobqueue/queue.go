package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/governor"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
)

var (
	ErrUnknownClass = errors.New("unknown job class")
	ErrClosed       = errors.New("job queue is shut down")
)

// CancelReason is recorded on jobs dropped because their asset was deleted.
const CancelReason = "asset deleted"

// Handler processes one attempt of a job. A returned error or a panic counts
// as a failed attempt.
type Handler func(ctx context.Context, job models.Job) error

// Observer is called once for every job that reaches a terminal state,
// except jobs removed by Cancel.
type Observer func(job models.Job)

type Config struct {
	Store        Store
	Governor     governor.Governor
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	JobTimeout   time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	Now          func() time.Time
}

const (
	defaultJobTimeout   = 30 * time.Minute
	defaultPollInterval = time.Second
	persistTimeout      = 5 * time.Second
)

// Queue dispatches jobs first-in-first-out per class. The number of running
// handlers in a class never exceeds the governor's ceiling, which is consulted
// before every start.
type Queue struct {
	store        Store
	governor     governor.Governor
	logger       *slog.Logger
	metrics      *metrics.Recorder
	timeout      time.Duration
	maxAttempts  int
	pollInterval time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	classes   map[models.JobKind]*jobClass
	inFlight  map[string]*activeJob
	observers []Observer
	started   bool
	closed    bool
}

type jobClass struct {
	kind    models.JobKind
	handler Handler
	pending []models.Job
	running int
	wake    chan struct{}
}

type activeJob struct {
	assetID   string
	cancel    context.CancelFunc
	cancelled bool
}

func New(cfg Config) *Queue {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	gov := cfg.Governor
	if gov == nil {
		gov = governor.Fixed{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:        store,
		governor:     gov,
		logger:       logger,
		metrics:      recorder,
		timeout:      timeout,
		maxAttempts:  maxAttempts,
		pollInterval: poll,
		now:          now,
		ctx:          ctx,
		cancel:       cancel,
		classes:      make(map[models.JobKind]*jobClass),
		inFlight:     make(map[string]*activeJob),
	}
	for _, kind := range models.JobKinds() {
		q.classes[kind] = &jobClass{kind: kind, wake: make(chan struct{}, 1)}
	}
	return q
}

// Subscribe registers the handler for a job class, replacing any previous
// one.
func (q *Queue) Subscribe(kind models.JobKind, handler Handler) error {
	if handler == nil {
		return errors.New("job handler is required")
	}
	q.mu.Lock()
	class, ok := q.classes[kind]
	if ok {
		class.handler = handler
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClass, kind)
	}
	class.signal()
	return nil
}

// Notify registers an observer for terminal jobs.
func (q *Queue) Notify(observer Observer) {
	if observer == nil {
		return
	}
	q.mu.Lock()
	q.observers = append(q.observers, observer)
	q.mu.Unlock()
}

// Enqueue persists the job and appends it to the tail of its class queue.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) (string, error) {
	q.mu.Lock()
	class, ok := q.classes[job.Kind]
	closed := q.closed
	q.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, job.Kind)
	}
	if closed {
		return "", ErrClosed
	}
	if strings.TrimSpace(job.AssetID) == "" {
		return "", errors.New("job asset id is required")
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	seq, err := q.store.NextSeq(ctx)
	if err != nil {
		return "", err
	}
	now := q.now()
	job.State = models.JobStateQueued
	job.Attempts = 0
	job.LastError = ""
	job.Seq = seq
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := q.store.Save(ctx, job); err != nil {
		return "", err
	}

	q.mu.Lock()
	class.pending = append(class.pending, job)
	depth := len(class.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(string(job.Kind), depth)
	q.logger.Info("job enqueued", "job_id", job.ID, "kind", job.Kind, "asset_id", job.AssetID, "seq", job.Seq)
	class.signal()
	return job.ID, nil
}

// Start recovers unfinished jobs from the store and launches one dispatcher
// per class. Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.started = true
	q.mu.Unlock()

	if err := q.recoverPending(ctx); err != nil {
		return err
	}
	for _, kind := range models.JobKinds() {
		class := q.classes[kind]
		q.wg.Add(1)
		go q.dispatchLoop(class)
	}
	return nil
}

func (q *Queue) recoverPending(ctx context.Context) error {
	jobs, err := q.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}

	q.mu.Lock()
	known := make(map[string]struct{})
	for _, class := range q.classes {
		for _, job := range class.pending {
			known[job.ID] = struct{}{}
		}
	}
	q.mu.Unlock()

	recovered := 0
	for _, job := range jobs {
		if _, ok := known[job.ID]; ok {
			continue
		}
		q.mu.Lock()
		class, ok := q.classes[job.Kind]
		q.mu.Unlock()
		if !ok {
			q.logger.Warn("skipping job with unknown class", "job_id", job.ID, "kind", job.Kind)
			continue
		}
		if job.State == models.JobStateRunning {
			job.State = models.JobStateQueued
			job.UpdatedAt = q.now()
			if err := q.store.Save(ctx, job); err != nil {
				q.logger.Error("failed to reset interrupted job", "job_id", job.ID, "error", err)
				continue
			}
		}
		q.mu.Lock()
		class.pending = append(class.pending, job)
		q.mu.Unlock()
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered pending jobs", "count", recovered)
	}
	for _, class := range q.classes {
		q.mu.Lock()
		depth := len(class.pending)
		q.mu.Unlock()
		q.metrics.SetQueueDepth(string(class.kind), depth)
	}
	return nil
}

func (q *Queue) dispatchLoop(class *jobClass) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		q.dispatch(class)
		select {
		case <-q.ctx.Done():
			return
		case <-class.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts queued jobs from the head of the class while the governor
// leaves room.
func (q *Queue) dispatch(class *jobClass) {
	for {
		q.mu.Lock()
		if q.closed || class.handler == nil || len(class.pending) == 0 {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		allowed := q.governor.AllowedConcurrency(class.kind)

		q.mu.Lock()
		if q.closed || len(class.pending) == 0 || class.running >= allowed {
			q.mu.Unlock()
			return
		}
		job := class.pending[0]
		class.pending = class.pending[1:]
		if _, busy := q.inFlight[job.ID]; busy {
			q.mu.Unlock()
			continue
		}
		jobCtx, cancel := context.WithTimeout(q.ctx, q.timeout)
		q.inFlight[job.ID] = &activeJob{assetID: job.AssetID, cancel: cancel}
		class.running++
		handler := class.handler
		depth := len(class.pending)
		q.wg.Add(1)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(string(class.kind), depth)
		go q.run(jobCtx, cancel, class, handler, job)
	}
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, class *jobClass, handler Handler, job models.Job) {
	defer q.wg.Done()
	defer cancel()

	logger := q.logger.With("job_id", job.ID, "kind", job.Kind, "asset_id", job.AssetID)
	job.State = models.JobStateRunning
	job.UpdatedAt = q.now()
	if err := q.persist(job); err != nil {
		logger.Error("failed to mark job running, requeued", "error", err)
		job.State = models.JobStateQueued
		// Picked up again on the next poll tick.
		if q.requeue(class, job, false) {
			job.State = models.JobStateFailed
			job.LastError = CancelReason
			job.UpdatedAt = q.now()
			if perr := q.persist(job); perr != nil {
				logger.Error("failed to persist cancelled job", "error", perr)
			}
			q.metrics.JobCancelled(string(job.Kind))
		}
		return
	}

	q.metrics.JobStarted(string(job.Kind))
	started := time.Now()
	ctx = logging.ContextWithJobID(logging.ContextWithAssetID(ctx, job.AssetID), job.ID)
	ctx = logging.ContextWithLogger(ctx, logger)
	err := invoke(ctx, handler, job)
	q.finish(class, job, err, time.Since(started), logger)
}

// invoke runs the handler, converting a panic into an error.
func invoke(ctx context.Context, handler Handler, job models.Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v\n%s", recovered, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) finish(class *jobClass, job models.Job, err error, duration time.Duration, logger *slog.Logger) {
	kind := string(job.Kind)
	job.UpdatedAt = q.now()

	var cancelled bool
	if err != nil && q.ctx.Err() == nil && job.Attempts+1 < job.MaxAttempts {
		if cancelled = q.retry(class, job, err, duration, logger); !cancelled {
			return
		}
	} else {
		cancelled = q.release(class, job.ID)
	}

	switch {
	case cancelled:
		job.Attempts++
		job.State = models.JobStateFailed
		job.LastError = CancelReason
		q.metrics.JobFinished(kind, "cancelled", duration)
		if perr := q.persist(job); perr != nil {
			logger.Error("failed to persist cancelled job", "error", perr)
		}
		logger.Info("job cancelled", "attempts", job.Attempts)
		return

	case err != nil && q.ctx.Err() != nil:
		// Interrupted by shutdown; the attempt is not consumed and the job is
		// picked up again by the next Start.
		job.State = models.JobStateQueued
		q.metrics.JobFinished(kind, "interrupted", duration)
		if perr := q.persist(job); perr != nil {
			logger.Error("failed to requeue interrupted job", "error", perr)
		}
		logger.Info("job interrupted by shutdown")
		return

	case err == nil:
		job.Attempts++
		job.State = models.JobStateSucceeded
		job.LastError = ""
		q.metrics.JobFinished(kind, "succeeded", duration)
		if perr := q.persist(job); perr != nil {
			logger.Error("failed to persist succeeded job", "error", perr)
		}
		logger.Info("job succeeded", "attempts", job.Attempts, "duration_ms", duration.Milliseconds())
		q.notify(job)
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	job.State = models.JobStateFailed
	q.metrics.JobFinished(kind, "failed", duration)
	if perr := q.persist(job); perr != nil {
		logger.Error("failed to persist failed job", "error", perr)
	}
	logger.Error("job failed", "attempts", job.Attempts, "error", err)
	q.notify(job)
}

// retry stores a failed attempt as queued with a fresh sequence number and
// puts it back at the tail of its class in the same critical section that
// frees its slot. It reports whether the job was cancelled instead, in which
// case nothing was requeued.
func (q *Queue) retry(class *jobClass, job models.Job, err error, duration time.Duration, logger *slog.Logger) bool {
	kind := string(job.Kind)
	next := job
	next.Attempts++
	next.LastError = err.Error()
	next.State = models.JobStateQueued

	seqCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	seq, seqErr := q.store.NextSeq(seqCtx)
	cancel()
	if seqErr == nil {
		next.Seq = seq
	}
	if perr := q.persist(next); perr != nil {
		logger.Error("failed to persist retried job", "error", perr)
	}
	if q.requeue(class, next, true) {
		return true
	}
	q.metrics.JobFinished(kind, "retried", duration)
	logger.Warn("job attempt failed, requeued", "attempts", next.Attempts, "max_attempts", next.MaxAttempts, "error", err)
	return false
}

// requeue frees the job's slot and appends the job to the tail of its class
// unless it was cancelled while running or the queue is closed. It reports
// whether the job was cancelled.
func (q *Queue) requeue(class *jobClass, job models.Job, wake bool) bool {
	q.mu.Lock()
	entry := q.inFlight[job.ID]
	delete(q.inFlight, job.ID)
	class.running--
	cancelled := entry != nil && entry.cancelled
	if !cancelled && !q.closed {
		class.pending = append(class.pending, job)
	}
	depth := len(class.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(string(class.kind), depth)
	if wake {
		class.signal()
	}
	return cancelled
}

// release frees the job's slot and reports whether it was cancelled.
func (q *Queue) release(class *jobClass, id string) bool {
	q.mu.Lock()
	entry := q.inFlight[id]
	delete(q.inFlight, id)
	class.running--
	q.mu.Unlock()
	class.signal()
	return entry != nil && entry.cancelled
}

func (q *Queue) notify(job models.Job) {
	q.mu.Lock()
	observers := append([]Observer(nil), q.observers...)
	q.mu.Unlock()
	for _, observer := range observers {
		observer(job)
	}
}

func (q *Queue) persist(job models.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return q.store.Save(ctx, job)
}

// Cancel drops queued jobs for the asset and cancels the contexts of its
// running jobs. Affected jobs end failed with CancelReason and are not
// reported to observers. It returns how many jobs were affected.
func (q *Queue) Cancel(assetID string) int {
	var dropped []models.Job
	affected := 0

	q.mu.Lock()
	for _, class := range q.classes {
		kept := class.pending[:0]
		for _, job := range class.pending {
			if job.AssetID == assetID {
				dropped = append(dropped, job)
				continue
			}
			kept = append(kept, job)
		}
		class.pending = kept
	}
	for _, entry := range q.inFlight {
		if entry.assetID == assetID && !entry.cancelled {
			entry.cancelled = true
			entry.cancel()
			affected++
		}
	}
	depths := make(map[models.JobKind]int, len(q.classes))
	for kind, class := range q.classes {
		depths[kind] = len(class.pending)
	}
	q.mu.Unlock()

	for kind, depth := range depths {
		q.metrics.SetQueueDepth(string(kind), depth)
	}
	for _, job := range dropped {
		job.State = models.JobStateFailed
		job.LastError = CancelReason
		job.UpdatedAt = q.now()
		if err := q.persist(job); err != nil {
			q.logger.Error("failed to persist cancelled job", "job_id", job.ID, "error", err)
		}
		q.metrics.JobCancelled(string(job.Kind))
		affected++
	}
	if affected > 0 {
		q.logger.Info("jobs cancelled", "asset_id", assetID, "count", affected)
	}
	return affected
}

// Job returns the stored copy of a job.
func (q *Queue) Job(ctx context.Context, id string) (models.Job, error) {
	return q.store.Get(ctx, id)
}

// Depth reports how many jobs of the class are waiting for a slot.
func (q *Queue) Depth(kind models.JobKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if class, ok := q.classes[kind]; ok {
		return len(class.pending)
	}
	return 0
}

// Running reports how many handlers of the class are executing.
func (q *Queue) Running(kind models.JobKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if class, ok := q.classes[kind]; ok {
		return class.running
	}
	return 0
}

// Shutdown stops dispatching, cancels running handlers and waits for them to
// return or for ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *jobClass) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
