package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/queue"
)

// Processor consumes queued jobs and executes them through the dispatcher.
type Processor struct {
	consumer   queue.Consumer
	dispatcher *Dispatcher
	logger     logrus.FieldLogger
	backoff    time.Duration
}

func NewProcessor(consumer queue.Consumer, dispatcher *Dispatcher, logger logrus.FieldLogger) *Processor {
	return &Processor{
		consumer:   consumer,
		dispatcher: dispatcher,
		logger:     logger,
		backoff:    2 * time.Second,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.WithField("error", err.Error()).Error("worker consume loop error")

		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	if len(message.Trace) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(message.Trace))
	}

	err := p.dispatcher.Execute(ctx, message.JobID)
	if err == nil {
		p.logger.WithFields(logrus.Fields{
			"job_id":   message.JobID,
			"job_type": message.Type,
			"attempt":  message.Attempt,
		}).Info("job processed")
		return nil
	}

	// a job that is gone or already started will not start on redelivery
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidState) {
		return queue.Permanent(err)
	}
	return err
}
