package queue

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
)

func TestStreamMessageRoundTrip(t *testing.T) {
	message := domain.QueueMessage{
		JobID:       "job-1",
		Type:        domain.JobTypeEstimateGeneration,
		Payload:     []byte(`{"project_id":"p-1"}`),
		Attempt:     2,
		RequestedAt: time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC),
		Trace:       map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}

	values, err := streamValues(message)
	require.NoError(t, err)

	// redis returns every field as a string
	stringValues := make(map[string]any, len(values))
	for key, value := range values {
		switch typed := value.(type) {
		case int:
			stringValues[key] = strconv.Itoa(typed)
		default:
			stringValues[key] = typed
		}
	}

	parsed, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: stringValues})
	require.NoError(t, err)
	assert.Equal(t, message, parsed)
}

func TestParseStreamMessageRejectsMissingFields(t *testing.T) {
	_, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"job_id": "job-1"}})
	assert.ErrorContains(t, err, "missing field job_type")
}

func TestPermanentErrors(t *testing.T) {
	base := errors.New("job already started")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(4, 2, logging.Discard())
	q.retryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(context.Context, domain.QueueMessage) error {
			calls.Add(1)
			return errors.New("collaborator unavailable")
		})
	}()

	require.NoError(t, q.Enqueue(ctx, domain.QueueMessage{JobID: "job-1"}))
	require.Eventually(t, func() bool { return q.DLQSize() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	cancel()
	<-done
}

func TestLocalQueuePermanentErrorSkipsRetry(t *testing.T) {
	q := NewLocalQueue(4, 5, logging.Discard())
	q.retryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.QueueMessage) error {
			calls.Add(1)
			return Permanent(errors.New("job not found"))
		})
	}()

	require.NoError(t, q.Enqueue(ctx, domain.QueueMessage{JobID: "job-1"}))
	require.Eventually(t, func() bool { return q.DLQSize() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
