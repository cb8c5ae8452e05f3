package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
	"github.com/gbassaragh/APEX-sub002/internal/queue"
	"github.com/gbassaragh/APEX-sub002/internal/service"
)

type Mode string

const (
	ModeInline     Mode = "inline"
	ModeBackground Mode = "background"
	ModeQueued     Mode = "queued"
)

const (
	unfinishedMessage   = "worker exited without completing the job"
	startFailureMessage = "job could not be started: internal error"
)

// Routine performs one job. It must reach a terminal state through run
// before returning nil; a returned error fails the job.
type Routine func(ctx context.Context, run *RunContext) error

type DispatcherConfig struct {
	Mode Mode
}

// Dispatcher runs routines inline, on a detached goroutine, or through a
// queue, depending on the mode it was built with.
type Dispatcher struct {
	mode     Mode
	manager  *service.JobManager
	audit    *service.AuditRecorder
	producer queue.Producer
	logger   logrus.FieldLogger
	tracer   trace.Tracer
	routines map[domain.JobType]Routine
	inflight sync.WaitGroup
}

func NewDispatcher(
	cfg DispatcherConfig,
	manager *service.JobManager,
	audit *service.AuditRecorder,
	producer queue.Producer,
	logger logrus.FieldLogger,
) (*Dispatcher, error) {
	switch cfg.Mode {
	case ModeInline, ModeBackground:
	case ModeQueued:
		if producer == nil {
			return nil, errors.New("queued dispatch requires a queue producer")
		}
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
	}
	return &Dispatcher{
		mode:     cfg.Mode,
		manager:  manager,
		audit:    audit,
		producer: producer,
		logger:   logger,
		tracer:   otel.Tracer("github.com/gbassaragh/APEX-sub002/internal/worker"),
		routines: make(map[domain.JobType]Routine),
	}, nil
}

func (d *Dispatcher) Mode() Mode {
	return d.mode
}

func (d *Dispatcher) Register(jobType domain.JobType, routine Routine) {
	d.routines[jobType] = routine
}

// Dispatch hands a pending job to its routine. Inline mode returns after the
// job is terminal; background and queued modes return immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job) error {
	if _, ok := d.routines[job.Type]; !ok {
		return &domain.ValidationError{Field: "job_type", Reason: fmt.Sprintf("no routine registered for %q", job.Type)}
	}

	switch d.mode {
	case ModeInline:
		return d.Execute(ctx, job.ID)
	case ModeBackground:
		// the routine must outlive the submitting request
		detached := context.WithoutCancel(ctx)
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			if err := d.Execute(detached, job.ID); err != nil {
				d.logger.WithFields(logrus.Fields{
					"job_id": job.ID,
					"error":  err.Error(),
				}).Error("background job execution failed")
			}
		}()
		return nil
	default:
		message := domain.QueueMessage{
			JobID:       job.ID,
			Type:        job.Type,
			Payload:     job.Metadata,
			RequestedAt: time.Now().UTC(),
			Trace:       make(map[string]string),
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(message.Trace))
		if err := d.producer.Enqueue(ctx, message); err != nil {
			return fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		return nil
	}
}

// Wait blocks until background executions started by Dispatch finish.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Execute starts the job, runs its routine and guarantees a terminal state.
// The returned error reports only failures to record job state; routine
// failures end up on the job itself.
func (d *Dispatcher) Execute(ctx context.Context, jobID string) error {
	job, err := d.manager.Start(ctx, jobID)
	if err != nil {
		// A missing or already started job belongs to someone else. Any
		// other failure would strand the job as pending.
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrInvalidState) {
			d.logger.WithFields(logrus.Fields{
				"job_id": jobID,
				"error":  err.Error(),
			}).Error("job start failed")
			if _, markErr := d.manager.MarkFailedWithDiagnostics(ctx, jobID, startFailureMessage, map[string]any{
				"error": err.Error(),
				"stage": "start",
			}); markErr != nil && !errors.Is(markErr, domain.ErrInvalidState) {
				err = errors.Join(err, fmt.Errorf("mark job failed: %w", markErr))
			}
		}
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	ctx, span := d.tracer.Start(ctx, "jobs.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", string(job.Type)),
			attribute.String("dispatch.mode", string(d.mode)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	started := time.Now()
	logger := d.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
	})

	run := &RunContext{
		JobID:   job.ID,
		JobType: job.Type,
		Payload: job.Metadata,
		Actor:   job.CreatedBy,
		manager: d.manager,
		audit:   d.audit,
		logger:  logger,
	}

	runErr := d.run(ctx, job, run)
	if runErr != nil {
		span.RecordError(runErr)
		logger.WithField("error", runErr.Error()).Warn("job routine failed")
		if _, err := d.manager.MarkFailedWithDiagnostics(ctx, job.ID, failureMessage(job.Type, runErr), map[string]any{
			"error": runErr.Error(),
		}); err != nil && !errors.Is(err, domain.ErrInvalidState) {
			return d.finish(span, job, started, fmt.Errorf("mark job %s failed: %w", job.ID, err))
		}
	}

	final, err := d.manager.Get(ctx, job.ID)
	if err != nil {
		return d.finish(span, job, started, fmt.Errorf("load job %s: %w", job.ID, err))
	}
	if !final.Status.Terminal() {
		logger.Error(unfinishedMessage)
		if final, err = d.manager.MarkFailed(ctx, job.ID, unfinishedMessage); err != nil {
			return d.finish(span, job, started, fmt.Errorf("mark job %s failed: %w", job.ID, err))
		}
	}
	return d.finish(span, final, started, nil)
}

// run converts a panic into an error so the job still reaches a terminal state.
func (d *Dispatcher) run(ctx context.Context, job *domain.Job, run *RunContext) (err error) {
	routine, ok := d.routines[job.Type]
	if !ok {
		return fmt.Errorf("no routine registered for %q", job.Type)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.Get().DispatchPanics.WithLabelValues(string(job.Type)).Inc()
			d.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  fmt.Sprint(recovered),
				"stack":  string(debug.Stack()),
			}).Error("job routine panicked")
			err = fmt.Errorf("routine panicked: %v", recovered)
		}
	}()
	return routine(ctx, run)
}

func (d *Dispatcher) finish(span trace.Span, job *domain.Job, started time.Time, err error) error {
	status := string(job.Status)
	if err != nil {
		status = "error"
		span.SetStatus(codes.Error, err.Error())
	} else if job.Status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, job.ErrorMessage)
	}
	span.SetAttributes(attribute.String("job.status", status))
	metrics.Get().DispatchDuration.
		WithLabelValues(string(job.Type), string(d.mode), status).
		Observe(time.Since(started).Seconds())
	return err
}

// failureMessage keeps errors that describe the caller's input and hides
// everything else behind a generic message.
func failureMessage(jobType domain.JobType, err error) string {
	for _, visible := range []error{
		domain.ErrValidation,
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrUnresolvedReference,
		domain.ErrCyclicReference,
	} {
		if errors.Is(err, visible) {
			return err.Error()
		}
	}
	return fmt.Sprintf("%s job failed: internal error", jobType)
}

// RunContext is a routine's handle on its own job.
type RunContext struct {
	JobID   string
	JobType domain.JobType
	Payload json.RawMessage
	Actor   string

	manager *service.JobManager
	audit   *service.AuditRecorder
	logger  logrus.FieldLogger
}

func (r *RunContext) Logger() logrus.FieldLogger {
	return r.logger
}

// Progress records a milestone. Each call commits on its own.
func (r *RunContext) Progress(ctx context.Context, percent int, step string) error {
	if _, err := r.manager.UpdateProgress(ctx, r.JobID, percent, step); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (r *RunContext) Complete(ctx context.Context, result domain.Result) error {
	if _, err := r.manager.MarkCompleted(ctx, r.JobID, result); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (r *RunContext) Fail(ctx context.Context, message string) error {
	if _, err := r.manager.MarkFailed(ctx, r.JobID, message); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (r *RunContext) Audit(ctx context.Context, subjectType, subjectID, action string, detail map[string]any) {
	r.audit.Record(ctx, subjectType, subjectID, r.Actor, action, detail)
}

// DecodePayload unmarshals the submission payload into target.
func (r *RunContext) DecodePayload(target any) error {
	if err := json.Unmarshal(r.Payload, target); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
