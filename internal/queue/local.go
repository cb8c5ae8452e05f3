package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
)

// LocalQueue is an in-process queue used when Redis is not configured.
// Messages do not survive a restart.
type LocalQueue struct {
	ch          chan domain.QueueMessage
	maxAttempts int
	retryDelay  time.Duration
	logger      logrus.FieldLogger

	dlqMu sync.Mutex
	dlq   []domain.QueueMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger logrus.FieldLogger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.QueueMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
		dlq:         make([]domain.QueueMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		metrics.Get().QueueMessages.WithLabelValues("enqueued").Inc()
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				metrics.Get().QueueMessages.WithLabelValues("handled").Inc()
				continue
			}

			message.Attempt++
			if IsPermanent(err) || message.Attempt >= q.maxAttempts {
				q.moveToDLQ(message, err)
				continue
			}

			metrics.Get().QueueMessages.WithLabelValues("retried").Inc()
			delay := time.Duration(message.Attempt) * q.retryDelay
			go func(retryMessage domain.QueueMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					q.ch <- retryMessage
				}
			}(message)
		}
	}
}

func (q *LocalQueue) moveToDLQ(message domain.QueueMessage, err error) {
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, message)
	q.dlqMu.Unlock()

	metrics.Get().QueueMessages.WithLabelValues("dead_lettered").Inc()
	q.logger.WithFields(logrus.Fields{
		"job_id":  message.JobID,
		"attempt": message.Attempt,
		"error":   err.Error(),
	}).Warn("local queue moved message to dlq")
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
