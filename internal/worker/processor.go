package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/queue"
	"github.com/iago/health-records-back/internal/repository"
)

// Observer is told about every event the processor handles.
type Observer interface {
	ObserveJobEvent(status domain.JobStatus, applied bool)
}

// Processor consumes job events and projects them onto stored snapshots.
type Processor struct {
	consumer queue.Consumer
	repo     repository.JobsRepository
	observer Observer
	logger   *slog.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	repo repository.JobsRepository,
	observer Observer,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		consumer: consumer,
		repo:     repo,
		observer: observer,
		logger:   logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processEvent)
		if err == nil || ctx.Err() != nil {
			return
		}
		if p.logger != nil {
			p.logger.Error("worker consume loop error", slog.String("error", err.Error()))
		}

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processEvent(ctx context.Context, event domain.JobEvent) error {
	job, err := p.repo.GetJob(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) && event.Status.Terminal() {
			// The job was forgotten before its last event arrived.
			p.observe(event.Status, false)
			return nil
		}
		return fmt.Errorf("load job %s: %w", event.JobID, err)
	}

	if !job.Apply(event) {
		p.observe(event.Status, false)
		if p.logger != nil {
			p.logger.Debug("stale job event dropped",
				slog.String("job_id", event.JobID),
				slog.Int64("sequence", event.Sequence),
				slog.Int64("last_sequence", job.LastSequence),
			)
		}
		return nil
	}

	if err := p.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	p.observe(event.Status, true)

	if p.logger != nil && event.Status.Terminal() {
		p.logger.Info("upload job finished",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Int("poll_attempts", job.PollAttempts),
		)
	}
	return nil
}

func (p *Processor) observe(status domain.JobStatus, applied bool) {
	if p.observer != nil {
		p.observer.ObserveJobEvent(status, applied)
	}
}
