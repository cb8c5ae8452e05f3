package queue

import (
	"context"
	"errors"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// Producer sends dispatched jobs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

type Handler func(context.Context, domain.QueueMessage) error

// Consumer receives dispatched jobs and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that a redelivery cannot fix. The message
// is acknowledged without retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}
