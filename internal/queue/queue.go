package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"

	"uk.co.dudmesh.crosspost/internal/model"
)

const reasonInterrupted = "interrupted before completion"

var ErrorStopped = errors.New("queue is stopped")

// Store persists jobs. Every status change must be a single conditional
// update so that a job is claimed at most once across workers and processes.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	// ClaimDue moves up to limit pending jobs whose run time has passed into
	// executing under lease and returns them. It may return claimed jobs
	// along with an error.
	ClaimDue(ctx context.Context, now time.Time, lease model.Lease, limit int) ([]*model.Job, error)
	Heartbeat(ctx context.Context, id model.JobID, lease model.Lease) error
	Finish(ctx context.Context, id model.JobID, status model.JobStatus, result *model.AggregateResult, errText string) error
	Get(ctx context.Context, id model.JobID) (*model.Job, error)
	Cancel(ctx context.Context, id model.JobID) error
	// FailExpired fails executing jobs whose lease ended before now.
	FailExpired(ctx context.Context, now time.Time, reason string) (int, error)
	Close() error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req *model.PostRequest) (*model.AggregateResult, error)
}

// JobObserver is told about every job that reaches a terminal state.
type JobObserver func(job *model.Job)

type Config struct {
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	Concurrency  int           `env:"QUEUE_CONCURRENCY,default=4"`
	// Lease is how long a claimed job stays reserved without a heartbeat.
	Lease time.Duration `env:"QUEUE_LEASE,default=30s"`
}

// Queue holds posts until their scheduled time and then replays them through
// the dispatcher.
type Queue struct {
	store      Store
	dispatcher Dispatcher
	config     Config
	logger     *log.Logger
	observer   JobObserver
	now        func() time.Time
	owner      string

	wake     chan struct{}
	slots    chan struct{}
	inflight sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func New(store Store, dispatcher Dispatcher, config Config) *Queue {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Lease <= 0 {
		config.Lease = 30 * time.Second
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		logger:     log.New("queue"),
		now:        time.Now,
		owner:      cuid2.Generate(),
		wake:       make(chan struct{}, 1),
		slots:      make(chan struct{}, config.Concurrency),
	}
}

// Observe registers fn to be called as jobs finish. It must be called before
// Start.
func (q *Queue) Observe(fn JobObserver) {
	q.observer = fn
}

// DelayUntil is how long to wait from now until scheduledAt, never negative.
func DelayUntil(scheduledAt, now time.Time) time.Duration {
	return max(0, scheduledAt.Sub(now))
}

// Start fails executing jobs whose lease has run out, which are left behind
// by workers that died, and then begins polling for due jobs. Jobs held by
// live workers in other processes are left alone. Calling Start on a running
// queue does nothing.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrorStopped
	}
	if q.started {
		return nil
	}

	if err := q.reap(ctx); err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true
	go q.run(runCtx)

	q.logger.Infof("started as %s, polling every %s with %d workers", q.owner, q.config.PollInterval, q.config.Concurrency)
	return nil
}

// Stop stops claiming jobs, waits for in-flight jobs until ctx is done and
// then closes the store.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	if started {
		q.cancel()
		select {
		case <-q.done:
		case <-ctx.Done():
			return fmt.Errorf("stopping worker: %w", ctx.Err())
		}

		drained := make(chan struct{})
		go func() {
			q.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("draining jobs: %w", ctx.Err())
		}
	}

	if err := q.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	q.logger.Infof("stopped")
	return nil
}

// Enqueue persists req to run after delay. The request is copied with its
// platforms normalized and its attachments sealed, so later changes by the
// caller have no effect.
func (q *Queue) Enqueue(ctx context.Context, req *model.PostRequest, delay time.Duration) (*model.JobHandle, error) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return nil, ErrorStopped
	}

	post, err := req.Post()
	if err != nil {
		return nil, err
	}

	snapshot := *req
	snapshot.Platforms = model.TargetList(post.Platforms...)
	snapshot.Image = sealed(req.Image)
	snapshot.Video = sealed(req.Video)

	now := q.now().UTC()
	delay = max(0, delay)
	job := &model.Job{
		ID:        model.NewJobID(),
		Status:    model.JobStatusPending,
		Request:   snapshot,
		Delay:     delay,
		RunAt:     now.Add(delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	q.logger.Infof("job %s scheduled in %s", job.ID, delay)
	q.signal()
	return job.Handle(), nil
}

func (q *Queue) Get(ctx context.Context, id model.JobID) (*model.Job, error) {
	return q.store.Get(ctx, id)
}

// Cancel stops a pending job from running. Jobs that have been claimed or
// have finished cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id model.JobID) error {
	if err := q.store.Cancel(ctx, id); err != nil {
		return err
	}
	q.logger.Infof("job %s cancelled", id)
	return nil
}

func sealed(a *model.Attachment) *model.Attachment {
	if a == nil {
		return nil
	}
	c := *a
	c.Seal()
	return &c
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		q.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) lease() model.Lease {
	return model.Lease{Owner: q.owner, Until: q.now().UTC().Add(q.config.Lease)}
}

func (q *Queue) reap(ctx context.Context) error {
	n, err := q.store.FailExpired(ctx, q.now().UTC(), reasonInterrupted)
	if n > 0 {
		q.logger.Warnf("marked %d interrupted jobs as failed", n)
	}
	return err
}

func (q *Queue) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := q.reap(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Errorf("recovering interrupted jobs: %v", err)
	}

	free := cap(q.slots) - len(q.slots)
	if free <= 0 {
		return
	}

	jobs, err := q.store.ClaimDue(ctx, q.now().UTC(), q.lease(), free)
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Errorf("claiming jobs: %v", err)
	}

	// Claimed jobs are always run, even when the worker is stopping.
	for _, job := range jobs {
		q.slots <- struct{}{}
		q.inflight.Add(1)
		go q.execute(context.WithoutCancel(ctx), job)
	}
}

func (q *Queue) execute(ctx context.Context, job *model.Job) {
	defer func() {
		<-q.slots
		q.inflight.Done()
		q.signal()
	}()

	done := make(chan struct{})
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		q.heartbeat(ctx, job.ID, done)
	}()
	status, result, errText := q.dispatch(ctx, job)
	close(done)
	<-beating

	if err := q.store.Finish(ctx, job.ID, status, result, errText); err != nil {
		q.logger.Errorf("finishing job %s: %v", job.ID, err)
	}

	if status == model.JobStatusFailed {
		q.logger.Errorf("job %s failed: %s", job.ID, errText)
	} else {
		q.logger.Infof("job %s completed", job.ID)
	}

	job.Status = status
	job.Result = result
	job.LastError = errText
	job.UpdatedAt = q.now().UTC()
	if q.observer != nil {
		q.observer(job)
	}
}

// heartbeat renews the lease on id until done is closed.
func (q *Queue) heartbeat(ctx context.Context, id model.JobID, done <-chan struct{}) {
	ticker := time.NewTicker(q.config.Lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := q.store.Heartbeat(ctx, id, q.lease()); err != nil {
				q.logger.Errorf("extending lease on job %s: %v", id, err)
			}
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, job *model.Job) (status model.JobStatus, result *model.AggregateResult, errText string) {
	defer func() {
		if r := recover(); r != nil {
			status, result, errText = model.JobStatusFailed, nil, fmt.Sprintf("dispatch panicked: %v", r)
		}
	}()

	if err := job.Request.VerifyAttachments(); err != nil {
		return model.JobStatusFailed, nil, err.Error()
	}

	result, err := q.dispatcher.Dispatch(ctx, &job.Request)
	if err != nil {
		return model.JobStatusFailed, nil, err.Error()
	}
	return model.JobStatusCompleted, result, ""
}
