package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iago/health-records-back/internal/domain"
)

// LocalQueue is the in-process queue used when Redis is not configured.
// Events that keep failing are parked without their analysis payload.
type LocalQueue struct {
	ch          chan domain.JobEvent
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger

	dlqMu sync.Mutex
	dlq   []domain.JobEvent
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *slog.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.JobEvent, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
		dlq:         make([]domain.JobEvent, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, event domain.JobEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- event:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, events []domain.JobEvent) error {
	for _, event := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q.ch <- event:
		}
	}
	return nil
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.JobEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-q.ch:
			err := handler(ctx, event)
			if err == nil {
				continue
			}

			event.Attempt++
			if event.Attempt >= q.maxAttempts {
				parked := event
				parked.Analysis = nil
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, parked)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Warn("upload event parked after retries",
						slog.String("job_id", event.JobID),
						slog.Int64("sequence", event.Sequence),
						slog.String("status", string(event.Status)),
						slog.Int("attempts", event.Attempt),
						slog.String("error", err.Error()),
					)
				}
				continue
			}

			delay := time.Duration(event.Attempt) * q.retryDelay
			go func(retryEvent domain.JobEvent) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					select {
					case q.ch <- retryEvent:
					case <-ctx.Done():
					}
				}
			}(event)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

// DeadLetters returns a copy of the parked events.
func (q *LocalQueue) DeadLetters() []domain.JobEvent {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]domain.JobEvent(nil), q.dlq...)
}
