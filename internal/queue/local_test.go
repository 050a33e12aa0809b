package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/health-records-back/internal/domain"
)

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(8, 2, nil)
	q.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := domain.JobEvent{
		JobID:    "upload-1",
		Sequence: 4,
		Status:   domain.JobStatusReady,
		Analysis: []byte(`{"summary":"Low iron"}`),
	}
	if err := q.Enqueue(ctx, event); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	var calls int32
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.JobEvent) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("repository unavailable")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.DLQSize() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.DLQSize() != 1 {
		t.Fatalf("expected event in DLQ, got size %d", q.DLQSize())
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
	parked := q.DeadLetters()[0]
	if parked.JobID != "upload-1" || parked.Status != domain.JobStatusReady {
		t.Fatalf("unexpected parked event %+v", parked)
	}
	if len(parked.Analysis) != 0 {
		t.Fatalf("expected analysis to be dropped from parked event, got %s", parked.Analysis)
	}
}

func TestLocalQueueDeliversInOrder(t *testing.T) {
	q := NewLocalQueue(8, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for seq := int64(1); seq <= 3; seq++ {
		if err := q.Enqueue(ctx, domain.JobEvent{JobID: "upload-1", Sequence: seq, Status: domain.JobStatusProcessing}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	received := make(chan int64, 3)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, event domain.JobEvent) error {
			received <- event.Sequence
			return nil
		})
	}()

	for want := int64(1); want <= 3; want++ {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected sequence %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for sequence %d", want)
		}
	}
}
