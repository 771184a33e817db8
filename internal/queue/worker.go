package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/events"
	"github.com/phrazzld/scanrelay/internal/reqctx"
	"github.com/phrazzld/scanrelay/internal/store"
)

// work claims and executes jobs of one lane until ctx is cancelled.
func (q *Queue) work(ctx context.Context, lane domain.Lane, owner string) {
	q.logger.Debug("starting worker", "worker_id", owner)
	defer q.logger.Debug("stopping worker", "worker_id", owner)

	timer := time.NewTimer(q.config.PollInterval)
	defer timer.Stop()

	for {
		now := q.now()
		job, err := q.store.Claim(ctx, lane, owner, now, now.Add(q.config.LeaseTTL))
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			q.logger.Error("failed to claim job", "error", err, "lane", lane, "worker_id", owner)
		case job != nil:
			q.execute(ctx, job, owner)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.config.PollInterval)

		select {
		case <-ctx.Done():
			return
		case <-q.wake[lane]:
		case <-timer.C:
		}
	}
}

// execute runs one attempt of a claimed job and records its outcome.
func (q *Queue) execute(runCtx context.Context, job *domain.Job, owner string) {
	ctx := reqctx.Extract(runCtx, job.Context)
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := q.logger.With(
		"job_id", job.ID,
		"lane", job.Lane,
		"attempt", job.AttemptsMade,
		"worker_id", owner,
	)
	log.InfoContext(ctx, "processing job")

	var leaseLost atomic.Bool
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		q.renew(execCtx, cancel, job, owner, &leaseLost)
	}()

	started := time.Now()
	result, runErr := q.invoke(execCtx, job)
	cancel()
	<-renewDone

	// Outcome writes must survive shutdown of the run context.
	ctx = context.WithoutCancel(ctx)

	if leaseLost.Load() {
		log.WarnContext(ctx, "lease lost during execution, discarding outcome")
		return
	}

	if runErr != nil && runCtx.Err() != nil {
		q.release(ctx, job, owner)
		return
	}

	ev, err := q.settle(job, result, runErr)
	if err != nil {
		log.ErrorContext(ctx, "invalid job transition", "error", err)
		return
	}

	if err := q.store.Finish(ctx, job, owner); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.WarnContext(ctx, "lease lost before outcome was recorded")
			return
		}
		log.ErrorContext(ctx, "failed to record job outcome", "error", err)
		return
	}

	switch ev.Type {
	case events.JobCompleted:
		log.InfoContext(ctx, "job completed", "duration_ms", time.Since(started).Milliseconds())
	case events.JobRetrying:
		log.WarnContext(ctx, "job failed, retry scheduled",
			"error", job.LastError,
			"retry_delay", ev.RetryDelay)
	case events.JobFailed:
		log.ErrorContext(ctx, "job dead-lettered",
			"error", job.LastError,
			"attempts_made", job.AttemptsMade)
	}
	q.publish(ev)
}

// settle applies the outcome of an attempt to job and builds the matching event.
func (q *Queue) settle(job *domain.Job, result *domain.ScanResult, runErr error) (*events.JobEvent, error) {
	var (
		next      domain.JobState
		eventType events.Type
		delay     time.Duration
	)
	switch {
	case runErr == nil:
		next, eventType = domain.JobStateCompleted, events.JobCompleted
		job.LastError = ""
	case IsTerminal(runErr) || !job.AttemptsRemaining():
		if IsTerminal(runErr) {
			// Terminal failures spend the rest of the attempt budget.
			job.AttemptsMade = job.MaxAttempts
		}
		next, eventType = domain.JobStateDeadLettered, events.JobFailed
		job.LastError = runErr.Error()
	default:
		delay = q.backoff.Delay(job.AttemptsMade)
		next, eventType = domain.JobStateRetrying, events.JobRetrying
		job.LastError = runErr.Error()
		job.RunAfter = q.now().Add(delay)
	}

	if err := job.Transition(next, q.now()); err != nil {
		return nil, err
	}

	ev := events.NewJobEvent(eventType, job)
	ev.Result = result
	ev.Err = runErr
	ev.RetryDelay = delay
	return ev, nil
}

// release puts a job interrupted by Stop back to waiting. The interrupted
// attempt is not counted.
func (q *Queue) release(ctx context.Context, job *domain.Job, owner string) {
	if job.AttemptsMade > 0 {
		job.AttemptsMade--
	}
	job.RunAfter = q.now()
	if err := job.Transition(domain.JobStateWaiting, job.RunAfter); err != nil {
		q.logger.ErrorContext(ctx, "failed to release interrupted job", "error", err, "job_id", job.ID)
		return
	}
	if err := q.store.Finish(ctx, job, owner); err != nil {
		q.logger.ErrorContext(ctx, "failed to release interrupted job", "error", err, "job_id", job.ID)
		return
	}
	q.logger.InfoContext(ctx, "released interrupted job", "job_id", job.ID)
}

// invoke calls the handler, turning a panic into a transient error.
func (q *Queue) invoke(ctx context.Context, job *domain.Job) (result *domain.ScanResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return q.handler.Handle(ctx, job.Clone())
}

// renew extends the lease every LeaseTTL/3 until ctx is done. When the lease
// is lost it flags lost and cancels the execution.
func (q *Queue) renew(
	ctx context.Context,
	cancel context.CancelFunc,
	job *domain.Job,
	owner string,
	lost *atomic.Bool,
) {
	every := q.config.LeaseTTL / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := q.now().Add(q.config.LeaseTTL)
			err := q.store.RenewLease(ctx, job.ID, owner, until)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				q.logger.WarnContext(ctx, "failed to renew lease",
					"error", err,
					"job_id", job.ID,
					"worker_id", owner)
			}
		}
	}
}

// maintain promotes due retries and reclaims expired leases until ctx is done.
func (q *Queue) maintain(ctx context.Context) {
	promote := time.NewTicker(q.config.PollInterval)
	defer promote.Stop()
	reap := time.NewTicker(q.config.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			q.promoteDue(ctx)
		case <-reap.C:
			q.reclaimExpired(ctx)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) {
	jobs, err := q.store.PromoteDue(ctx, q.now())
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to promote due retries", "error", err)
		}
		return
	}
	for _, job := range jobs {
		q.signal(job.Lane)
	}
}

// reclaimExpired is the crash detector: jobs whose worker stopped renewing
// the lease go back to waiting, or to the dead-letter path when no attempts
// remain.
func (q *Queue) reclaimExpired(ctx context.Context) {
	jobs, err := q.store.ReclaimExpired(ctx, q.now())
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to reclaim expired leases", "error", err)
		}
		return
	}
	if len(jobs) > 0 {
		q.logger.Info("reclaimed jobs with expired leases", "count", len(jobs))
	}
	for _, job := range jobs {
		if job.State == domain.JobStateDeadLettered {
			ev := events.NewJobEvent(events.JobFailed, job)
			ev.Err = ErrLeaseExpired
			q.publish(ev)
			continue
		}
		q.publish(events.NewJobEvent(events.JobReclaimed, job))
		q.signal(job.Lane)
	}
}
