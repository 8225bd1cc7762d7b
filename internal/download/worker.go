package download

import (
	"context"
	"fmt"
	"runtime/debug"

	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/processor"
)

// run drains the pending list one job at a time. Exactly one run goroutine
// exists while running is set.
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		job := q.takeNext()
		if job == nil {
			return
		}
		q.changed()

		q.processJob(job)

		q.mu.Lock()
		q.current = nil
		q.last = job
		q.mu.Unlock()
		q.changed()
	}
}

// takeNext moves the head of the pending list into the current slot, or
// clears running when there is nothing left.
func (q *Queue) takeNext() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		q.running = false
		return nil
	}

	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	now := q.now()
	job.Status = StatusProcessing
	job.StartedAt = &now
	q.current = job
	return job
}

// processJob handles the full lifecycle of a single job
func (q *Queue) processJob(job *Job) {
	ctx := apperrors.WithJobID(q.baseCtx, job.ID)
	ctx, cancel := context.WithTimeout(ctx, q.jobTimeout)
	defer cancel()

	q.log.Info(ctx, "processing download", map[string]interface{}{
		"type":  string(job.Type),
		"title": job.Title,
	})

	progress := func(p processor.Progress) {
		q.mu.Lock()
		job.Progress = p.Percent()
		job.CurrentTrack = p.Current
		q.mu.Unlock()
		q.changed()
	}

	summary, err := q.safeProcess(ctx, job, progress)

	q.mu.Lock()
	now := q.now()
	job.CompletedAt = &now
	job.Summary = summary
	job.CurrentTrack = ""
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusDone
		job.Progress = 100
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordJob(job.Status, job.CompletedAt.Sub(*job.StartedAt))
	}
	if err != nil {
		q.log.Error(ctx, "download failed", err, map[string]interface{}{"title": job.Title})
		return
	}

	fields := map[string]interface{}{"title": job.Title}
	if summary != nil {
		fields["stored"] = summary.Stored
		fields["skipped"] = summary.Skipped
	}
	q.log.Info(ctx, "download finished", fields)
}

// safeProcess turns a panicking run into a failed job so the worker keeps
// going.
func (q *Queue) safeProcess(ctx context.Context, job *Job, progress func(processor.Progress)) (summary *processor.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error(ctx, "panic while processing job", fmt.Errorf("%v", r), map[string]interface{}{
				"stack": string(debug.Stack()),
			})
			summary = nil
			err = apperrors.InternalError(fmt.Sprintf("job panicked: %v", r))
		}
	}()
	return q.processor.Process(ctx, job.Item, progress)
}
