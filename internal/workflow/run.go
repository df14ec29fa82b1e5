package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/instrumentation"
	"github.com/env360/env360/internal/logging"
)

// ErrPaused is returned from a step boundary when a pause was requested.
// Handlers must propagate it unchanged; the runner leaves the workflow in
// paused state without marking it failed.
var ErrPaused = errors.New("workflow paused")

// Run is the execution context of one workflow instance. Step numbering is
// deterministic: the Nth Step call always receives function id N, which is
// what makes memoized outputs line up on re-execution.
type Run struct {
	engine *Engine
	uuid   string
	nextID int
	logger *slog.Logger
}

// UUID returns the workflow instance id.
func (r *Run) UUID() string {
	return r.uuid
}

// Logger returns a logger scoped to this workflow.
func (r *Run) Logger() *slog.Logger {
	return r.logger
}

// Step executes a named step exactly once. A memoized output from a previous
// execution is returned without re-running the function; a memoized error is
// replayed the same way. Cancellation and pause requests take effect here,
// before the function runs.
func (r *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
	functionID := r.nextID
	r.nextID++

	memo, err := r.engine.store.GetStepOutput(ctx, r.uuid, functionID)
	if err == nil {
		if memo.Error != "" {
			return "", fmt.Errorf("step %s: %s", name, memo.Error)
		}
		r.logger.Debug("step memoized", logging.Step(name), logging.FunctionID(functionID))
		return memo.Output, nil
	}
	if !domain.IsNotFound(err) {
		return "", err
	}

	// Cooperative interruption at the step boundary.
	status, err := r.engine.store.GetWorkflowStatus(ctx, r.uuid)
	if err != nil {
		return "", err
	}
	switch status.Status {
	case domain.WorkflowCancelled:
		return "", fmt.Errorf("%w: workflow %s", domain.ErrCancelled, r.uuid)
	case domain.WorkflowPaused:
		return "", ErrPaused
	}

	stepCtx, span := instrumentation.StartStepSpan(ctx, name, r.uuid)
	started := time.Now()
	output, stepErr := fn(stepCtx)
	if stepErr != nil {
		instrumentation.SetSpanError(span, stepErr)
	}
	span.End()
	if obs := r.engine.observer; obs != nil {
		obs.StepFinished(name, time.Since(started), stepErr)
	}

	record := &domain.StepOutput{
		WorkflowUUID:     r.uuid,
		FunctionID:       functionID,
		FunctionName:     name,
		Output:           output,
		StartedAtEpochMs: started.UnixMilli(),
		CompletedAtEpoch: time.Now().UnixMilli(),
	}
	if stepErr != nil {
		record.Error = stepErr.Error()
	}
	if err := r.engine.store.PutStepOutput(ctx, record); err != nil {
		return "", err
	}
	if stepErr != nil {
		r.logger.Error("step failed",
			logging.Step(name), logging.FunctionID(functionID), logging.Err(stepErr))
		return "", fmt.Errorf("step %s: %w", name, stepErr)
	}
	r.logger.Debug("step completed",
		logging.Step(name), logging.FunctionID(functionID),
		slog.Duration(logging.KeyDuration, time.Since(started)))
	return output, nil
}

// StepJSON runs a step whose result is JSON-encoded into the step output and
// decoded into out on replay.
func StepJSON[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := r.Step(ctx, name, func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode step output: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		return zero, err
	}
	var out T
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, fmt.Errorf("failed to decode step output for %s: %w", name, err)
	}
	return out, nil
}

// recvResult is the memoized shape of one Recv call.
type recvResult struct {
	Message string `json:"message"`
	Ok      bool   `json:"ok"`
}

// Recv consumes the oldest message queued for this workflow on the topic,
// waiting up to timeout for one to arrive. Consumption runs as a step, so a
// replay returns the same message without touching the inbox again. An
// elapsed timeout returns ok=false with no error.
func (r *Run) Recv(ctx context.Context, topic string, timeout time.Duration) (string, bool, error) {
	res, err := StepJSON(ctx, r, "recv", func(ctx context.Context) (recvResult, error) {
		deadline := time.Now().Add(timeout)
		for {
			n, err := r.engine.store.ConsumeNotification(ctx, r.uuid, topic)
			if err == nil {
				return recvResult{Message: n.Message, Ok: true}, nil
			}
			if !domain.IsNotFound(err) {
				return recvResult{}, err
			}
			if time.Now().After(deadline) {
				return recvResult{}, nil
			}
			select {
			case <-ctx.Done():
				return recvResult{}, ctx.Err()
			case <-time.After(r.engine.pollInterval):
			}
		}
	})
	if err != nil {
		return "", false, err
	}
	return res.Message, res.Ok, nil
}

// SetEvent publishes a key/value event on this workflow, overwriting any
// previous value for the key.
func (r *Run) SetEvent(ctx context.Context, key, value string) error {
	return r.engine.store.SetWorkflowEvent(ctx, &domain.WorkflowEvent{
		WorkflowUUID: r.uuid,
		Key:          key,
		Value:        value,
		UpdatedAt:    time.Now().UTC(),
	})
}

// WriteStream appends a value to a named stream on this workflow.
func (r *Run) WriteStream(ctx context.Context, key, value string) error {
	return r.engine.store.AppendStreamEntry(ctx, &domain.StreamEntry{
		WorkflowUUID: r.uuid,
		Key:          key,
		Value:        value,
		CreatedAt:    time.Now().UTC(),
	})
}
