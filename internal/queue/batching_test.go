package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/health-records-back/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.JobEvent
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, event domain.JobEvent) error {
	return p.EnqueueBatch(ctx, []domain.JobEvent{event})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, events []domain.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]domain.JobEvent, 0, len(events))
	copied = append(copied, events...)
	p.batches = append(p.batches, copied)
	return nil
}

func (p *recordingBatchProducer) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingBatchProducer) totalEvents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, batch := range p.batches {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, event domain.JobEvent) error {
	return p.EnqueueBatch(ctx, []domain.JobEvent{event})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.JobEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       1 * time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.JobEvent{
				JobID:      fmt.Sprintf("upload-%d", index),
				Sequence:   int64(index + 1),
				Status:     domain.JobStatusProcessing,
				OccurredAt: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if base.totalEvents() != 10 {
		t.Fatalf("expected 10 enqueued events, got %d", base.totalEvents())
	}
	if base.batchCount() >= 10 {
		t.Fatalf("expected batching to reduce write count, got %d batches", base.batchCount())
	}
}

func TestBatchingProducerCoalescesPolledEventsPerJob(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  16,
		FlushInterval: 50 * time.Millisecond,
		QueueCapacity: 64,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for _, sequence := range []int64{3, 1, 2} {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			_ = batcher.Enqueue(context.Background(), domain.JobEvent{
				JobID:        "upload-a",
				Sequence:     seq,
				Status:       domain.JobStatusProcessing,
				PollAttempts: int(seq),
			})
		}(sequence)
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	if len(base.batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(base.batches))
	}
	if len(base.batches[0]) != 1 {
		t.Fatalf("expected one coalesced event, got %d", len(base.batches[0]))
	}
	if got := base.batches[0][0]; got.Sequence != 3 || got.PollAttempts != 3 {
		t.Fatalf("expected newest event to win, got sequence %d attempts %d", got.Sequence, got.PollAttempts)
	}
}

func TestCoalesceKeepsAnalysisFromEarlierEvent(t *testing.T) {
	events := Coalesce([]domain.JobEvent{
		{JobID: "upload-b", Sequence: 5, Status: domain.JobStatusReady, Analysis: []byte(`{"summary":"ok"}`), RiskLevel: "low"},
		{JobID: "upload-a", Sequence: 2, Status: domain.JobStatusProcessing},
		{JobID: "upload-b", Sequence: 6, Status: domain.JobStatusSaved},
	})

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].JobID != "upload-a" || events[1].JobID != "upload-b" {
		t.Fatalf("expected events ordered by job id, got %s then %s", events[0].JobID, events[1].JobID)
	}
	saved := events[1]
	if saved.Status != domain.JobStatusSaved || saved.Sequence != 6 {
		t.Fatalf("expected saved event with sequence 6, got %s/%d", saved.Status, saved.Sequence)
	}
	if string(saved.Analysis) != `{"summary":"ok"}` || saved.RiskLevel != "low" {
		t.Fatalf("expected analysis to be carried over, got %s/%q", saved.Analysis, saved.RiskLevel)
	}
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- batcher.Enqueue(context.Background(), domain.JobEvent{JobID: "upload-first", Sequence: 1})
	}()

	// Allow the internal loop to start flushing and block on base producer.
	time.Sleep(30 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- batcher.Enqueue(context.Background(), domain.JobEvent{JobID: "upload-second", Sequence: 1})
	}()

	time.Sleep(10 * time.Millisecond)

	thirdErr := batcher.Enqueue(context.Background(), domain.JobEvent{JobID: "upload-third", Sequence: 1})
	if thirdErr != ErrQueueBackpressure {
		t.Fatalf("expected backpressure error, got %v", thirdErr)
	}

	close(base.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first enqueue failed unexpectedly: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second enqueue failed unexpectedly: %v", err)
	}
}
