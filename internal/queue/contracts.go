package queue

import (
	"context"

	"github.com/iago/health-records-back/internal/domain"
)

// Producer publishes upload job events to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, event domain.JobEvent) error
}

// Consumer receives job events and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.JobEvent) error) error
}
