package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
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
	// ClaimMinIdle is how long an entry must sit unacknowledged in another
	// consumer's pending list before this consumer claims it.
	ClaimMinIdle time.Duration
	Block        time.Duration
}

// StreamsQueue implements Producer and Consumer on Redis Streams. A message
// is acknowledged only after its handler returns. On start Consume replays
// this consumer's own pending entries, and while running it claims entries
// that other consumers left idle for longer than ClaimMinIdle.
type StreamsQueue struct {
	client       *redis.Client
	stream       string
	dlqStream    string
	group        string
	consumer     string
	maxAttempts  int
	claimMinIdle time.Duration
	block        time.Duration
	logger       logrus.FieldLogger
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, logger logrus.FieldLogger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "apex_jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "apex_jobs_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "apex_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
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
		client:       client,
		stream:       cfg.Stream,
		dlqStream:    cfg.DLQStream,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		maxAttempts:  cfg.MaxAttempts,
		claimMinIdle: cfg.ClaimMinIdle,
		block:        cfg.Block,
		logger:       logger,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	values, err := streamValues(message)
	if err != nil {
		return err
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Result(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	metrics.Get().QueueMessages.WithLabelValues("enqueued").Inc()
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	if err := q.replayPending(ctx, handler); err != nil {
		return err
	}

	nextClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !time.Now().Before(nextClaim) {
			if err := q.claimIdle(ctx, handler); err != nil {
				return err
			}
			nextClaim = time.Now().Add(q.claimMinIdle)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		messages, err := q.read(ctx, ">", q.block)
		if err != nil {
			return err
		}
		for _, item := range messages {
			q.handle(ctx, item, handler)
		}
	}
}

// replayPending handles entries delivered to this consumer but never
// acknowledged, e.g. because the previous process died mid-handler.
func (q *StreamsQueue) replayPending(ctx context.Context, handler Handler) error {
	cursor := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		messages, err := q.read(ctx, cursor, 0)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		for _, item := range messages {
			q.handle(ctx, item, handler)
			cursor = item.ID
		}
	}
}

// claimIdle takes over entries stuck in other consumers' pending lists.
func (q *StreamsQueue) claimIdle(ctx context.Context, handler Handler) error {
	start := "0-0"
	for {
		messages, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xautoclaim: %w", err)
		}
		if len(messages) > 0 {
			metrics.Get().QueueMessages.WithLabelValues("claimed").Add(float64(len(messages)))
			q.logger.WithFields(logrus.Fields{
				"consumer": q.consumer,
				"claimed":  len(messages),
			}).Info("claimed idle stream entries")
		}
		for _, item := range messages {
			// Entries deleted after delivery come back without values.
			if len(item.Values) == 0 {
				q.ack(ctx, item.ID)
				continue
			}
			q.handle(ctx, item, handler)
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

func (q *StreamsQueue) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, id},
		Count:    10,
		Block:    block,
	}
	// A zero Block would wait forever; history reads must not block.
	if block == 0 {
		args.Block = -1
	}
	streams, err := q.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (q *StreamsQueue) handle(ctx context.Context, item redis.XMessage, handler Handler) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.deadLetter(ctx, domain.QueueMessage{}, item, parseErr.Error())
		q.ack(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		metrics.Get().QueueMessages.WithLabelValues("handled").Inc()
		q.ack(ctx, item.ID)
		return
	}

	message.Attempt++
	if IsPermanent(handleErr) || message.Attempt >= q.maxAttempts {
		q.deadLetter(ctx, message, item, handleErr.Error())
		q.ack(ctx, item.ID)
		return
	}

	metrics.Get().QueueMessages.WithLabelValues("retried").Inc()
	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		q.deadLetter(ctx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	q.ack(ctx, item.ID)
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

func (q *StreamsQueue) ack(ctx context.Context, streamID string) {
	// Shutdown must not strand a handled entry in the pending list.
	ctx = context.WithoutCancel(ctx)
	err := q.client.XAck(ctx, q.stream, q.group, streamID).Err()
	if err == nil {
		err = q.client.XDel(ctx, q.stream, streamID).Err()
	}
	if err != nil {
		q.logger.WithFields(logrus.Fields{
			"stream_id": streamID,
			"error":     err.Error(),
		}).Warn("stream ack failed")
	}
}

func (q *StreamsQueue) deadLetter(
	ctx context.Context,
	message domain.QueueMessage,
	item redis.XMessage,
	errorMessage string,
) {
	values := map[string]any{
		"stream_id": item.ID,
		"job_id":    message.JobID,
		"job_type":  string(message.Type),
		"payload":   string(message.Payload),
		"attempt":   message.Attempt,
		"error":     errorMessage,
		"moved_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	metrics.Get().QueueMessages.WithLabelValues("dead_lettered").Inc()
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		q.logger.WithFields(logrus.Fields{
			"job_id": message.JobID,
			"error":  err.Error(),
		}).Error("send to dlq failed")
	}
}

func streamValues(message domain.QueueMessage) (map[string]any, error) {
	values := map[string]any{
		"job_id":       message.JobID,
		"job_type":     string(message.Type),
		"payload":      string(message.Payload),
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(message.Trace) > 0 {
		trace, err := json.Marshal(message.Trace)
		if err != nil {
			return nil, fmt.Errorf("encode trace context: %w", err)
		}
		values["trace"] = string(trace)
	}
	return values, nil
}

func parseStreamMessage(item redis.XMessage) (domain.QueueMessage, error) {
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

	jobID, err := getString("job_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	jobType, err := getString("job_type")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	payloadString, err := getString("payload")
	if err != nil {
		return domain.QueueMessage{}, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	message := domain.QueueMessage{
		JobID:       jobID,
		Type:        domain.JobType(jobType),
		Payload:     []byte(payloadString),
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}
	if traceString, err := getString("trace"); err == nil && traceString != "" {
		if err := json.Unmarshal([]byte(traceString), &message.Trace); err != nil {
			return domain.QueueMessage{}, fmt.Errorf("invalid trace: %w", err)
		}
	}
	return message, nil
}
