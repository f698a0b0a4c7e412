package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/service/inference"
)

// Process starts the supervised worker pool: a producer ticker that
// lists unfinished jobs and N workers draining them, plus the direct
// handoff channel fed by Start. Returns a channel closed when
// everything stopped after ctx cancellation.
func (o *Orchestrator) Process(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	o.recover(ctx)

	produced := make(chan models.Job)
	producerStopped := o.produce(ctx, produced)

	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx, produced)
		}()
	}

	go func() {
		defer close(idleStopped)
		<-producerStopped
		wg.Wait()
		o.logger.Debug("Orchestrator stopped")
	}()

	return idleStopped
}

// recover handles jobs stranded by a previous process: running jobs
// past the ceiling fail and refund; stale queued jobs are left for the
// producer, which requeues them naturally.
func (o *Orchestrator) recover(ctx context.Context) {
	stale, err := o.storage.Job().ListJobs(ctx, repository.ListJobsOpts{
		Statuses:      []string{models.JobStatusRunning},
		UpdatedBefore: time.Now().Add(-o.runCeiling),
	})
	if err != nil {
		o.logger.Error("Recovery sweep failed to list stale jobs", "error", err)
		return
	}

	for _, job := range stale {
		o.logger.Warn("Recovering stranded running job", "job_id", job.ID, "kind", job.Kind)
		o.failAndRefund(ctx, job, "generation timed out")
	}
}

// produce periodically lists jobs still needing work. Fresh queued
// jobs arrive through the direct channel; the grace period keeps the
// producer from double-feeding them or racing an in-flight admission.
func (o *Orchestrator) produce(ctx context.Context, out chan<- models.Job) <-chan struct{} {
	idleStopped := make(chan struct{})
	o.logger.Debug("Starting producer", "interval", o.produceInterval)

	go func() {
		defer close(idleStopped)
		defer close(out)

		ticker := time.NewTicker(o.produceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				o.logger.Debug("Producer stopped by context")
				return

			case <-ticker.C:
				jobs, err := o.storage.Job().ListJobs(ctx, repository.ListJobsOpts{
					Statuses:      []string{models.JobStatusQueued},
					UpdatedBefore: time.Now().Add(-queuedGracePeriod),
				})
				if err != nil {
					o.logger.Error("Failed to list queued jobs", "error", err)
					continue
				}

				running, err := o.storage.Job().ListJobs(ctx, repository.ListJobsOpts{
					Statuses: []string{models.JobStatusRunning},
				})
				if err != nil {
					o.logger.Error("Failed to list running jobs", "error", err)
					continue
				}

				for _, job := range append(jobs, running...) {
					select {
					case <-ctx.Done():
						return
					case out <- job:
					}
				}
			}
		}
	}()

	return idleStopped
}

func (o *Orchestrator) work(ctx context.Context, produced <-chan models.Job) {
	for {
		select {
		case <-ctx.Done():
			return

		case job := <-o.direct:
			o.step(ctx, job)

		case job, ok := <-produced:
			if !ok {
				o.logger.Debug("Worker stopped, producer channel closed")
				return
			}
			o.step(ctx, job)
		}
	}
}

// step advances one job by one state-machine move. Each move is short
// and holds no locks: queued jobs submit to the provider, running jobs
// poll it once. Lost CAS races are no-ops.
func (o *Orchestrator) step(ctx context.Context, job models.Job) {
	switch job.Status {
	case models.JobStatusQueued:
		o.submit(ctx, job)
	case models.JobStatusRunning:
		o.checkRunning(ctx, job)
	}
}

func (o *Orchestrator) submit(ctx context.Context, job models.Job) {
	handle, err := o.gateway.Submit(ctx, job.Kind, job.Input)
	if err != nil {
		o.logger.Warn("Provider submit failed", "job_id", job.ID, "error", err)
		o.failAndRefund(ctx, job, "inference provider unavailable")
		return
	}

	now := time.Now()
	_, err = o.storage.Job().Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusRunning, repository.JobPatch{
		ExternalHandle: &handle,
		StartedAt:      &now,
	})
	if err != nil {
		// Another worker raced us here; the provider job it submitted
		// wins, ours is abandoned
		o.logger.Warn("Lost submit race", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) checkRunning(ctx context.Context, job models.Job) {
	if job.ExternalHandle == nil {
		o.failAndRefund(ctx, job, "job running without provider handle")
		return
	}

	result, err := o.gateway.Poll(ctx, *job.ExternalHandle)
	if err != nil {
		o.logger.Warn("Provider poll failed", "job_id", job.ID, "error", err)
		o.failAndRefund(ctx, job, "inference provider unavailable")
		return
	}

	switch result.Status {
	case inference.StatusSucceeded:
		o.complete(ctx, job, result.Artifacts)

	case inference.StatusFailed:
		o.failAndRefund(ctx, job, result.Err)

	default: // still pending
		if job.StartedAt != nil && time.Since(*job.StartedAt) > o.runCeiling {
			o.failAndRefund(ctx, job, "generation timed out")
		}
	}
}
