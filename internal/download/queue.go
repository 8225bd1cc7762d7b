package download

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qobuzdl/server/internal/catalog"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
	"github.com/qobuzdl/server/internal/processor"
)

// DefaultJobTimeout bounds a single job, an album included.
const DefaultJobTimeout = 6 * time.Hour

var (
	ErrDuplicateJob = errors.New("item is already queued")
	ErrQueueClosed  = errors.New("queue is closed")
)

// Processor runs one job's item to completion.
type Processor interface {
	Process(ctx context.Context, item catalog.Item, progress func(processor.Progress)) (*processor.Summary, error)
}

// Snapshot is a point-in-time copy of the queue. Callers may keep and
// modify it freely.
type Snapshot struct {
	CurrentJob  *Job   `json:"currentJob"`
	PendingJobs []*Job `json:"pendingJobs"`
	LastJob     *Job   `json:"lastJob"`
}

// Queue is an in-memory FIFO of jobs drained by a single worker goroutine.
// Nothing survives a restart.
type Queue struct {
	processor  Processor
	jobTimeout time.Duration
	log        *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// mu guards the job lists and the worker flags.
	mu        sync.Mutex
	pending   []*Job
	current   *Job
	last      *Job
	running   bool
	started   bool
	closed    bool
	listeners []func(Snapshot)

	// notifyMu keeps listener deliveries in state order.
	notifyMu sync.Mutex

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// QueueConfig holds configuration for the queue
type QueueConfig struct {
	Processor  Processor
	JobTimeout time.Duration
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

// NewQueue creates a queue. No work happens until Start is called.
func NewQueue(config *QueueConfig) *Queue {
	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	log := config.Logger
	if log == nil {
		log = logger.Default().WithComponent("queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		processor:  config.Processor,
		jobTimeout: jobTimeout,
		log:        log,
		metrics:    config.Metrics,
		now:        time.Now,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Start allows the worker to run and drains anything enqueued so far.
// Calling it again has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	kick := q.claimWorker()
	q.mu.Unlock()

	q.log.Info(context.Background(), "download queue started", nil)
	if kick {
		go q.run()
	}
}

// claimWorker reports whether the caller must launch the worker. Callers
// hold mu.
func (q *Queue) claimWorker() bool {
	if !q.started || q.closed || q.running || len(q.pending) == 0 {
		return false
	}
	q.running = true
	q.wg.Add(1)
	return true
}

// Enqueue appends a job for item. When the same subject is already pending
// or being processed, nothing is added and the existing job is returned
// with ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, item catalog.Item) (*Job, error) {
	if item.Kind != catalog.KindTrack && item.Kind != catalog.KindAlbum {
		return nil, apperrors.UnsupportedKind(string(item.Kind))
	}
	if item.ID() == "" {
		return nil, apperrors.ValidationError("item has no id")
	}

	job := newJob(item, q.now())

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if existing := q.findLocked(job.subject()); existing != nil {
		dup := existing.clone()
		q.mu.Unlock()
		q.log.Info(ctx, "item is already in the queue", map[string]interface{}{
			"title":  job.Title,
			"job_id": dup.ID,
		})
		return dup, ErrDuplicateJob
	}
	q.pending = append(q.pending, job)
	position := len(q.pending)
	kick := q.claimWorker()
	added := job.clone()
	q.mu.Unlock()

	q.log.Info(ctx, "added to the download queue", map[string]interface{}{
		"job_id":   job.ID,
		"type":     string(job.Type),
		"title":    job.Title,
		"position": position,
	})
	q.changed()

	if kick {
		go q.run()
	}
	return added, nil
}

func (q *Queue) findLocked(subject string) *Job {
	if q.current != nil && q.current.subject() == subject {
		return q.current
	}
	for _, j := range q.pending {
		if j.subject() == subject {
			return j
		}
	}
	return nil
}

// Status returns a snapshot of the current, pending and last finished
// jobs. It never waits on a running job.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	snap := Snapshot{
		CurrentJob:  q.current.clone(),
		PendingJobs: make([]*Job, 0, len(q.pending)),
		LastJob:     q.last.clone(),
	}
	for _, j := range q.pending {
		snap.PendingJobs = append(snap.PendingJobs, j.clone())
	}
	return snap
}

// OnChange registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block.
func (q *Queue) OnChange(fn func(Snapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) changed() {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	snap := q.snapshotLocked()
	listeners := append([]func(Snapshot){}, q.listeners...)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetDownloadQueueLength(int64(len(snap.PendingJobs)))
		active := 0.0
		if snap.CurrentJob != nil {
			active = 1
		}
		q.metrics.SetGauge("download_jobs_active", active)
	}
	for _, fn := range listeners {
		fn(snap)
	}
}

// Close stops accepting jobs, drops everything pending and waits for the
// job in progress. If ctx ends first the running job is cancelled and
// ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Warn(ctx, "dropping pending jobs", map[string]interface{}{"count": dropped})
	}
	q.changed()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.log.Info(ctx, "download queue stopped", nil)
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.log.Warn(ctx, "download queue shutdown timed out, job cancelled", nil)
		return ctx.Err()
	}
}
