package queue

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
)

// newTestStreams needs a disposable Redis; set REDIS_TEST_ADDR to run.
func newTestStreams(t *testing.T, consumer string, claimMinIdle time.Duration) *StreamsQueue {
	t.Helper()
	addr := strings.TrimSpace(os.Getenv("REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	suffix := uuid.NewString()
	q, err := NewStreamsQueue(context.Background(), StreamsConfig{
		Addr:         addr,
		Stream:       "test_jobs_" + suffix,
		DLQStream:    "test_jobs_dlq_" + suffix,
		Group:        "test_workers",
		Consumer:     consumer,
		ClaimMinIdle: claimMinIdle,
		Block:        50 * time.Millisecond,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		q.client.Del(context.Background(), q.stream, q.dlqStream)
		_ = q.Close()
	})
	return q
}

// deliverWithoutAck reads the next entry as consumer and leaves it pending,
// the state a worker that died mid-handler leaves behind.
func deliverWithoutAck(t *testing.T, q *StreamsQueue, consumer string) {
	t.Helper()
	streams, err := q.client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)
}

// pendingCount reports -1 when Redis cannot answer, so it is safe to call
// from an Eventually condition.
func pendingCount(q *StreamsQueue) int64 {
	pending, err := q.client.XPending(context.Background(), q.stream, q.group).Result()
	if err != nil {
		return -1
	}
	return pending.Count
}

func newMessage(jobID string) domain.QueueMessage {
	return domain.QueueMessage{
		JobID:       jobID,
		Type:        domain.JobTypeEstimateGeneration,
		Payload:     []byte(`{"project_id":"p-1"}`),
		RequestedAt: time.Now().UTC(),
	}
}

type recordingHandler struct {
	mu   sync.Mutex
	jobs []string
}

func (h *recordingHandler) handle(_ context.Context, message domain.QueueMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, message.JobID)
	return nil
}

func (h *recordingHandler) handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.jobs...)
}

func consumeUntil(t *testing.T, q *StreamsQueue, handler *recordingHandler, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- q.Consume(ctx, handler.handle) }()

	assert.Eventually(t, done, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("consume did not stop after cancel")
	}
}

func TestStreamsQueueReplaysOwnPendingEntries(t *testing.T) {
	q := newTestStreams(t, "api-1", time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("job-crashed")))
	deliverWithoutAck(t, q, "api-1")
	require.EqualValues(t, 1, pendingCount(q))

	handler := &recordingHandler{}
	consumeUntil(t, q, handler, func() bool {
		return len(handler.handled()) == 1 && pendingCount(q) == 0
	})
	assert.Equal(t, []string{"job-crashed"}, handler.handled())
}

func TestStreamsQueueClaimsEntriesIdleWithAnotherConsumer(t *testing.T) {
	q := newTestStreams(t, "api-2", 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("job-orphaned")))
	deliverWithoutAck(t, q, "api-1")
	time.Sleep(50 * time.Millisecond)

	handler := &recordingHandler{}
	consumeUntil(t, q, handler, func() bool {
		return len(handler.handled()) == 1 && pendingCount(q) == 0
	})
	assert.Equal(t, []string{"job-orphaned"}, handler.handled())
}

func TestStreamsQueueLeavesFreshEntriesWithTheirConsumer(t *testing.T) {
	q := newTestStreams(t, "api-2", time.Hour)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("job-in-flight")))
	deliverWithoutAck(t, q, "api-1")

	handler := &recordingHandler{}
	consumeUntil(t, q, handler, func() bool {
		time.Sleep(100 * time.Millisecond)
		return true
	})
	assert.Empty(t, handler.handled())
	assert.EqualValues(t, 1, pendingCount(q))
}
