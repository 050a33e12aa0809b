package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/health-records-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
	// MaxLen caps the stream approximately. Polling publishes an event per
	// status check, so an uncapped stream grows with every upload.
	MaxLen      int64
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	maxLen      int64
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "upload_events"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "upload_events_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "upload_projectors"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100_000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		maxLen:      cfg.MaxLen,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

// Client exposes the underlying connection so other Redis backed components
// can share it.
func (q *StreamsQueue) Client() *redis.Client {
	return q.client
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, event domain.JobEvent) error {
	values, err := streamValues(event)
	if err != nil {
		return err
	}
	if _, err := q.client.XAdd(ctx, q.addArgs(values)).Result(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, events []domain.JobEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, event := range events {
		values, err := streamValues(event)
		if err != nil {
			return err
		}
		pipeline.XAdd(ctx, q.addArgs(values))
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) addArgs(values map[string]any) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.JobEvent) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				event, parseErr := parseStreamEvent(item)
				if parseErr != nil {
					_ = q.sendToDLQ(ctx, domain.JobEvent{}, item, parseErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				handleErr := handler(ctx, event)
				if handleErr == nil {
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				event.Attempt++
				if event.Attempt >= q.maxAttempts {
					_ = q.sendToDLQ(ctx, event, item, handleErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				if requeueErr := q.Enqueue(ctx, event); requeueErr != nil {
					_ = q.sendToDLQ(ctx, event, item, fmt.Sprintf("requeue failed: %v", requeueErr))
				}
				_ = q.ackAndDelete(ctx, item.ID)
			}
		}
	}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(
	ctx context.Context,
	event domain.JobEvent,
	item redis.XMessage,
	errorMessage string,
) error {
	// Dead letters outlive the upload; the analysis is health data and stays out.
	hasAnalysis := len(event.Analysis) > 0
	event.Analysis = nil
	payload, _ := json.Marshal(event)
	values := map[string]any{
		"stream_id":    item.ID,
		"job_id":       event.JobID,
		"sequence":     event.Sequence,
		"status":       string(event.Status),
		"payload":      string(payload),
		"has_analysis": strconv.FormatBool(hasAnalysis),
		"attempt":      event.Attempt,
		"error":        errorMessage,
		"moved_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func streamValues(event domain.JobEvent) (map[string]any, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode job event: %w", err)
	}
	return map[string]any{
		"job_id":      event.JobID,
		"sequence":    event.Sequence,
		"status":      string(event.Status),
		"payload":     string(payload),
		"attempt":     event.Attempt,
		"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
	}, nil
}

func parseStreamEvent(item redis.XMessage) (domain.JobEvent, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	payloadString, err := getString("payload")
	if err != nil {
		return domain.JobEvent{}, err
	}
	var event domain.JobEvent
	if err := json.Unmarshal([]byte(payloadString), &event); err != nil {
		return domain.JobEvent{}, fmt.Errorf("invalid payload: %w", err)
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.JobEvent{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("invalid attempt: %w", err)
	}
	event.Attempt = attempt

	if event.JobID == "" {
		return domain.JobEvent{}, errors.New("missing job_id")
	}
	return event, nil
}
