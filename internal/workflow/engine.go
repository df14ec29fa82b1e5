// Package workflow implements a durable workflow engine on top of the store.
// Workflows are named functions executed step by step; every step output is
// persisted, so an interrupted workflow can be re-enqueued and resumes from
// the first step without a memoized result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/instrumentation"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/store"
)

// Handler is a registered workflow function. The input is the JSON payload
// the workflow was enqueued with; the returned string is persisted as the
// workflow output.
type Handler func(ctx context.Context, run *Run, input string) (string, error)

// Observer receives execution callbacks. Implementations must be safe for
// concurrent use; the engine calls them from workflow goroutines.
type Observer interface {
	WorkflowFinished(name string, status domain.WorkflowState, elapsed time.Duration)
	StepFinished(step string, elapsed time.Duration, err error)
}

type queue struct {
	name string
	sem  *semaphore.Weighted
}

// Engine registers workflow handlers, enqueues instances and dispatches them
// from named queues with bounded concurrency.
type Engine struct {
	store        store.WorkflowStore
	logger       *slog.Logger
	appVersion   string
	pollInterval time.Duration
	observer     Observer

	mu       sync.RWMutex
	handlers map[string]Handler
	queues   map[string]*queue
	// running maps in-flight workflow uuids to channels closed when their
	// goroutine has fully finished, including post-cancel bookkeeping.
	running map[string]chan struct{}

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets how often idle dispatchers re-check their queues.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithAppVersion stamps new workflow instances with an application version.
func WithAppVersion(v string) Option {
	return func(e *Engine) { e.appVersion = v }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine builds an engine over the given workflow store.
func NewEngine(s store.WorkflowStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		logger:       logger,
		pollInterval: time.Second,
		handlers:     map[string]Handler{},
		queues:       map[string]*queue{},
		running:      map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds a workflow name to its handler.
func (e *Engine) Register(name string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// RegisterQueue declares a dispatch queue with the given concurrency limit.
// Enqueueing to an undeclared queue is an error.
func (e *Engine) RegisterQueue(name string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[name] = &queue{name: name, sem: semaphore.NewWeighted(int64(concurrency))}
}

func (e *Engine) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// EnqueueRequest describes a workflow instance to enqueue.
type EnqueueRequest struct {
	Name         string
	QueueName    string
	WorkflowUUID string
	Input        string
}

// Enqueue persists a new workflow instance in enqueued state and returns its
// uuid. When WorkflowUUID is empty a fresh one is generated.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if _, ok := e.handler(req.Name); !ok {
		return "", domain.Invalid("workflow", fmt.Sprintf("no handler registered for %q", req.Name))
	}
	e.mu.RLock()
	_, queueKnown := e.queues[req.QueueName]
	e.mu.RUnlock()
	if !queueKnown {
		return "", domain.Invalid("workflow", fmt.Sprintf("unknown queue %q", req.QueueName))
	}

	id := req.WorkflowUUID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	err := e.store.InsertWorkflowStatus(ctx, &domain.WorkflowStatus{
		WorkflowUUID:       id,
		Status:             domain.WorkflowEnqueued,
		Name:               req.Name,
		QueueName:          req.QueueName,
		Inputs:             req.Input,
		ApplicationVersion: e.appVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("workflow enqueued",
		logging.Workflow(id), slog.String(logging.KeyWorkflowFn, req.Name), logging.Queue(req.QueueName))
	return id, nil
}

// Start recovers interrupted workflows and launches one dispatcher per
// registered queue. Dispatchers stop when ctx is cancelled; Wait blocks until
// in-flight workflows have drained.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recoverInterrupted(ctx); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, q := range e.queues {
		e.wg.Add(1)
		go e.dispatch(ctx, q)
	}
	return nil
}

// Wait blocks until all dispatchers and workflow goroutines have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// recoverInterrupted re-enqueues workflows left pending or running by a
// previous process. Memoized steps make re-execution safe.
func (e *Engine) recoverInterrupted(ctx context.Context) error {
	for _, state := range []domain.WorkflowState{domain.WorkflowPending, domain.WorkflowRunning} {
		stale, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{Status: state})
		if err != nil {
			return fmt.Errorf("failed to list %s workflows: %w", state, err)
		}
		for _, ws := range stale {
			swapped, err := e.store.CompareAndSetWorkflowState(ctx, ws.WorkflowUUID, state, domain.WorkflowEnqueued)
			if err != nil {
				return err
			}
			if swapped {
				e.logger.Warn("re-enqueued interrupted workflow",
					logging.Workflow(ws.WorkflowUUID), slog.String(logging.KeyWorkflowFn, ws.Name))
			}
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, q *queue) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		ws, err := e.store.ClaimEnqueuedWorkflow(ctx, q.name)
		if err != nil {
			q.sem.Release(1)
			if !domain.IsNotFound(err) && !errors.Is(err, context.Canceled) {
				e.logger.Error("failed to claim workflow", logging.Queue(q.name), logging.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.pollInterval):
			}
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer q.sem.Release(1)
			e.execute(ctx, ws)
		}()
	}
}

// execute runs a claimed workflow to a terminal or paused state.
func (e *Engine) execute(ctx context.Context, ws *domain.WorkflowStatus) {
	logger := logging.WithWorkflow(e.logger, ws.WorkflowUUID).
		With(slog.String(logging.KeyWorkflowFn, ws.Name))

	handler, ok := e.handler(ws.Name)
	if !ok {
		logger.Error("no handler registered")
		if err := e.store.UpdateWorkflowState(ctx, ws.WorkflowUUID, domain.WorkflowFailed,
			"", fmt.Sprintf("no handler registered for %q", ws.Name)); err != nil {
			logger.Error("failed to mark workflow failed", logging.Err(err))
		}
		return
	}

	swapped, err := e.store.CompareAndSetWorkflowState(ctx, ws.WorkflowUUID,
		domain.WorkflowPending, domain.WorkflowRunning)
	if err != nil {
		logger.Error("failed to start workflow", logging.Err(err))
		return
	}
	if !swapped {
		// Cancelled or paused between claim and start.
		logger.Info("workflow no longer pending, skipping")
		return
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.running[ws.WorkflowUUID] = done
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, ws.WorkflowUUID)
		e.mu.Unlock()
		close(done)
	}()

	started := time.Now()
	wfCtx, span := instrumentation.StartWorkflowSpan(ctx, ws.Name, ws.WorkflowUUID)
	defer span.End()
	run := &Run{engine: e, uuid: ws.WorkflowUUID, logger: logger}
	output, runErr := handler(wfCtx, run, ws.Inputs)

	switch {
	case runErr == nil:
		if err := e.store.UpdateWorkflowState(ctx, ws.WorkflowUUID,
			domain.WorkflowSucceeded, output, ""); err != nil {
			logger.Error("failed to record success", logging.Err(err))
			return
		}
		instrumentation.SetSpanSuccess(span)
		e.observeFinished(ws.Name, domain.WorkflowSucceeded, started)
		logger.Info("workflow succeeded",
			slog.Duration(logging.KeyDuration, time.Since(started)))
	case errors.Is(runErr, ErrPaused):
		// State already moved to paused by the pause request.
		logger.Info("workflow paused at step boundary")
	case errors.Is(runErr, domain.ErrCancelled):
		// State already moved to cancelled by the cancel request.
		e.observeFinished(ws.Name, domain.WorkflowCancelled, started)
		logger.Info("workflow stopped after cancellation")
	default:
		if err := e.store.UpdateWorkflowState(ctx, ws.WorkflowUUID,
			domain.WorkflowFailed, "", runErr.Error()); err != nil {
			logger.Error("failed to record failure", logging.Err(err))
			return
		}
		instrumentation.SetSpanError(span, runErr)
		e.observeFinished(ws.Name, domain.WorkflowFailed, started)
		logger.Error("workflow failed", logging.Err(runErr),
			slog.Duration(logging.KeyDuration, time.Since(started)))
	}
}

func (e *Engine) observeFinished(name string, status domain.WorkflowState, started time.Time) {
	if e.observer != nil {
		e.observer.WorkflowFinished(name, status, time.Since(started))
	}
}

// Cancel requests cooperative cancellation. Enqueued and pending workflows
// never start; running and paused workflows stop at the next step boundary.
// Cancelling an already cancelled workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowUUID string) error {
	for _, from := range []domain.WorkflowState{
		domain.WorkflowEnqueued, domain.WorkflowPending, domain.WorkflowRunning, domain.WorkflowPaused,
	} {
		swapped, err := e.store.CompareAndSetWorkflowState(ctx, workflowUUID, from, domain.WorkflowCancelled)
		if err != nil {
			return err
		}
		if swapped {
			e.logger.Info("workflow cancelled", logging.Workflow(workflowUUID))
			return nil
		}
	}
	ws, err := e.store.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return err
	}
	if ws.Status == domain.WorkflowCancelled {
		return nil
	}
	return domain.Invalid("workflow", fmt.Sprintf("cannot cancel workflow in state %s", ws.Status))
}

// Pause asks a workflow to stop at its next step boundary without losing
// progress. Only enqueued and running workflows can be paused.
func (e *Engine) Pause(ctx context.Context, workflowUUID string) error {
	for _, from := range []domain.WorkflowState{domain.WorkflowEnqueued, domain.WorkflowRunning} {
		swapped, err := e.store.CompareAndSetWorkflowState(ctx, workflowUUID, from, domain.WorkflowPaused)
		if err != nil {
			return err
		}
		if swapped {
			e.logger.Info("workflow pause requested", logging.Workflow(workflowUUID))
			return nil
		}
	}
	ws, err := e.store.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return err
	}
	return domain.Invalid("workflow", fmt.Sprintf("cannot pause workflow in state %s", ws.Status))
}

// Resume re-enqueues a paused workflow. Completed steps are replayed from
// their memoized outputs. Resuming an enqueued workflow is a no-op.
func (e *Engine) Resume(ctx context.Context, workflowUUID string) error {
	swapped, err := e.store.CompareAndSetWorkflowState(ctx, workflowUUID,
		domain.WorkflowPaused, domain.WorkflowEnqueued)
	if err != nil {
		return err
	}
	if swapped {
		e.logger.Info("workflow resumed", logging.Workflow(workflowUUID))
		return nil
	}
	ws, err := e.store.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return err
	}
	if ws.Status == domain.WorkflowEnqueued {
		return nil
	}
	return domain.Invalid("workflow", fmt.Sprintf("cannot resume workflow in state %s", ws.Status))
}

// Fork enqueues a copy of a workflow that reuses every memoized step output
// strictly below startStep and re-executes everything from there on. An empty
// appVersion stamps the fork with the engine's own application version, so a
// fork can pin a specific code version for the re-executed steps.
func (e *Engine) Fork(ctx context.Context, workflowUUID string, startStep int, appVersion string) (string, error) {
	if startStep < 0 {
		return "", domain.Invalid("workflow", "fork start step must not be negative")
	}
	orig, err := e.store.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return "", err
	}
	if appVersion == "" {
		appVersion = e.appVersion
	}
	newUUID := uuid.NewString()
	now := time.Now().UTC()
	err = e.store.InsertWorkflowStatus(ctx, &domain.WorkflowStatus{
		WorkflowUUID:       newUUID,
		Status:             domain.WorkflowEnqueued,
		Name:               orig.Name,
		QueueName:          orig.QueueName,
		Inputs:             orig.Inputs,
		ApplicationVersion: appVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		return "", err
	}

	outputs, err := e.store.ListStepOutputs(ctx, workflowUUID)
	if err != nil {
		return "", err
	}
	for _, out := range outputs {
		copied := out
		copied.WorkflowUUID = newUUID
		if err := e.store.PutStepOutput(ctx, &copied); err != nil {
			return "", err
		}
	}
	if err := e.store.DeleteStepOutputsFrom(ctx, newUUID, startStep); err != nil {
		return "", err
	}
	e.logger.Info("workflow forked",
		logging.Workflow(workflowUUID), slog.String("forked_workflow", newUUID),
		slog.Int("start_step", startStep))
	return newUUID, nil
}

// Send delivers a durable message to a workflow instance. Messages queue per
// topic and are consumed oldest first by Recv. A non-empty idempotency key
// makes a retried send deliver exactly once.
func (e *Engine) Send(ctx context.Context, destinationUUID, message, topic, idempotencyKey string) error {
	if _, err := e.store.GetWorkflowStatus(ctx, destinationUUID); err != nil {
		return err
	}
	err := e.store.SendNotification(ctx, &domain.WorkflowNotification{
		DestinationUUID: destinationUUID,
		Topic:           topic,
		Message:         message,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	e.logger.Debug("notification sent",
		logging.Workflow(destinationUUID), slog.String("topic", topic))
	return nil
}

// GetStatus returns the durable record of a workflow instance.
func (e *Engine) GetStatus(ctx context.Context, workflowUUID string) (*domain.WorkflowStatus, error) {
	return e.store.GetWorkflowStatus(ctx, workflowUUID)
}

// ListWorkflows returns workflow records matching the filter, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]domain.WorkflowStatus, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// ListSteps returns the memoized step outputs of a workflow in execution
// order.
func (e *Engine) ListSteps(ctx context.Context, workflowUUID string) ([]domain.StepOutput, error) {
	return e.store.ListStepOutputs(ctx, workflowUUID)
}

// GetEvent waits until the workflow publishes a value under key, polling
// until the timeout elapses.
func (e *Engine) GetEvent(ctx context.Context, workflowUUID, key string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		ev, err := e.store.GetWorkflowEvent(ctx, workflowUUID, key)
		if err == nil {
			return ev.Value, nil
		}
		if !domain.IsNotFound(err) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", domain.NotFound("workflow event", workflowUUID+"/"+key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// ReadStream returns every value written to the workflow's stream so far, in
// append order.
func (e *Engine) ReadStream(ctx context.Context, workflowUUID, key string) ([]string, error) {
	entries, err := e.store.ReadStream(ctx, workflowUUID, key)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(entries))
	for _, entry := range entries {
		values = append(values, entry.Value)
	}
	return values, nil
}

// WaitForCompletion polls until the workflow reaches a terminal state and
// returns its final status. A failed workflow is returned, not an error.
func (e *Engine) WaitForCompletion(ctx context.Context, workflowUUID string, timeout time.Duration) (*domain.WorkflowStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		ws, err := e.store.GetWorkflowStatus(ctx, workflowUUID)
		if err != nil {
			return nil, err
		}
		if ws.Status.Terminal() {
			// A cancelled workflow reaches its terminal state before the
			// executing goroutine has stopped; wait for it to drain so step
			// outputs are settled when the caller inspects them.
			e.mu.RLock()
			done, inFlight := e.running[workflowUUID]
			e.mu.RUnlock()
			if inFlight {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-done:
				}
			}
			return ws, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.Unavailable("workflow",
				fmt.Errorf("workflow %s still %s after %s", workflowUUID, ws.Status, timeout))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}
