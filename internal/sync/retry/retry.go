// Package retry supervises single delivery attempts: it bounds each attempt
// by the action's timeout, records the outcome and schedules re-attempts on
// a fixed backoff table.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/sync/events"
	"github.com/kelmah/offlinesync/internal/telemetry"
)

// DefaultDelays is the fixed re-attempt schedule. The delay after the n-th
// failure is DefaultDelays[n-1], clamped to the last entry.
var DefaultDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Queue is the subset of the queue store the engine writes through.
type Queue interface {
	Claim(ctx context.Context, id models.UUID) (*models.Action, error)
	Update(ctx context.Context, a *models.Action) error
	Release(ctx context.Context, id models.UUID)
}

// Executor performs one delivery.
type Executor interface {
	Execute(ctx context.Context, a *models.Action) (json.RawMessage, error)
}

// Connectivity reports whether a re-attempt may run.
type Connectivity interface {
	IsOnline() bool
}

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReleased means the attempt was abandoned without consuming a
	// retry because the engine was shutting down.
	OutcomeReleased Outcome = "released"
)

// Config holds engine configuration.
type Config struct {
	Delays []time.Duration // default: DefaultDelays
}

type armed struct {
	timer *time.Timer
	gen   uint64
}

// Engine runs attempts and owns the re-attempt timers.
type Engine struct {
	queue   Queue
	exec    Executor
	pub     events.Publisher
	net     Connectivity
	metrics *telemetry.Metrics
	delays  []time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[models.UUID]armed
	gen    uint64
	closed bool
	wg     sync.WaitGroup

	log *logging.Logger
}

// New creates an Engine. metrics may be nil.
func New(cfg Config, queue Queue, exec Executor, pub events.Publisher, net Connectivity, metrics *telemetry.Metrics) *Engine {
	delays := cfg.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		queue:   queue,
		exec:    exec,
		pub:     pub,
		net:     net,
		metrics: metrics,
		delays:  delays,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[models.UUID]armed),
		log:     logging.Component("retry"),
	}
}

// Delay returns the wait before re-attempting an action that has failed
// retryCount times.
func (e *Engine) Delay(retryCount int) time.Duration {
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(e.delays) {
		i = len(e.delays) - 1
	}
	return e.delays[i]
}

// Attempt claims a pending action and delivers it once. An error is
// returned only when the action could not be claimed or its outcome could
// not be recorded; a failed delivery is reported through the Outcome.
//
// When the outcome cannot be recorded the action is released back to
// pending without consuming a retry and a re-attempt is armed.
func (e *Engine) Attempt(ctx context.Context, id models.UUID) (Outcome, error) {
	a, err := e.queue.Claim(ctx, id)
	if err != nil {
		return "", err
	}
	e.stopTimer(id)
	retryCount := a.RetryCount

	outcome, err := e.deliver(ctx, a)
	if err != nil {
		e.queue.Release(context.WithoutCancel(ctx), id)
		delay := e.Delay(retryCount + 1)
		e.log.Error("Failed to record attempt outcome, released action", err, map[string]interface{}{
			"action_id":   id,
			"action_type": a.Type,
			"delay_ms":    delay.Milliseconds(),
		})
		if ctx.Err() == nil {
			e.schedule(id, delay)
		}
		return "", err
	}
	return outcome, nil
}

// deliver executes a claimed action and records the outcome.
func (e *Engine) deliver(ctx context.Context, a *models.Action) (Outcome, error) {
	result, execErr := e.execute(ctx, a)

	// Outcomes are recorded even if ctx ends while writing.
	writeCtx := context.WithoutCancel(ctx)

	if execErr != nil && ctx.Err() != nil && !apperrors.Is(execErr, apperrors.ErrSyncTimeout) {
		a.Status = models.StatusPending
		if err := e.queue.Update(writeCtx, a); err != nil {
			return "", err
		}
		return OutcomeReleased, nil
	}

	if execErr == nil {
		return OutcomeCompleted, e.complete(writeCtx, a, result)
	}
	return e.fail(writeCtx, a, execErr)
}

// execute races the executor against the action's timeout.
func (e *Engine) execute(ctx context.Context, a *models.Action) (json.RawMessage, error) {
	timeout := a.Timeout()
	if timeout <= 0 {
		timeout = DefaultDelays[len(DefaultDelays)-1]
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		result json.RawMessage
		err    error
	}
	done := make(chan reply, 1)
	snapshot := a.Clone()
	go func() {
		result, err := e.exec.Execute(attemptCtx, snapshot)
		done <- reply{result, err}
	}()

	var (
		result json.RawMessage
		err    error
	)
	select {
	case r := <-done:
		result, err = r.result, r.err
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return nil, apperrors.Wrap(apperrors.ErrSyncTimeout,
			fmt.Sprintf("%s timed out after %s", a.Type, timeout), err)
	}
	return nil, err
}

func (e *Engine) complete(ctx context.Context, a *models.Action, result json.RawMessage) error {
	a.Status = models.StatusCompleted
	a.Result = result
	a.CompletedAt = time.Now().UnixMilli()
	if err := e.queue.Update(ctx, a); err != nil {
		return err
	}

	e.metrics.Completed(string(a.Type))
	e.log.Info("Action synced", map[string]interface{}{
		"action_id":   a.ID,
		"action_type": a.Type,
		"retry_count": a.RetryCount,
	})
	e.pub.Publish(events.Event{Kind: events.KindSyncComplete, Action: *a.Clone(), Result: result})
	return nil
}

func (e *Engine) fail(ctx context.Context, a *models.Action, cause error) (Outcome, error) {
	if a.RetryCount < a.MaxRetries {
		a.RetryCount++
	}
	a.LastError = cause.Error()
	a.LastRetryAt = time.Now().UnixMilli()

	permanent := apperrors.IsPermanent(cause)
	if permanent || a.RetryCount >= a.MaxRetries {
		a.Status = models.StatusFailed
		if err := e.queue.Update(ctx, a); err != nil {
			return "", err
		}
		e.metrics.Failed(string(a.Type))
		e.log.ErrorWithCode("Action failed permanently", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
			"action_id":   a.ID,
			"action_type": a.Type,
			"retry_count": a.RetryCount,
			"permanent":   permanent,
		})
		e.pub.Publish(events.Event{Kind: events.KindSyncFailed, Action: *a.Clone(), Err: cause})
		return OutcomeFailed, nil
	}

	a.Status = models.StatusPending
	if err := e.queue.Update(ctx, a); err != nil {
		return "", err
	}
	delay := e.Delay(a.RetryCount)
	e.metrics.Retried(string(a.Type))
	e.log.Warn("Action attempt failed, will retry", map[string]interface{}{
		"action_id":   a.ID,
		"action_type": a.Type,
		"retry_count": a.RetryCount,
		"max_retries": a.MaxRetries,
		"delay_ms":    delay.Milliseconds(),
		"error":       cause.Error(),
	})
	e.schedule(a.ID, delay)
	return OutcomeRetrying, nil
}

// schedule arms an owned re-attempt timer for id, replacing any existing one.
func (e *Engine) schedule(id models.UUID, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if prev, ok := e.timers[id]; ok {
		prev.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timers[id] = armed{timer: time.AfterFunc(delay, func() { e.fire(id, gen) }), gen: gen}
}

func (e *Engine) fire(id models.UUID, gen uint64) {
	e.mu.Lock()
	if cur, ok := e.timers[id]; e.closed || !ok || cur.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	if !e.net.IsOnline() {
		e.log.Debug("Skipping re-attempt while offline", map[string]interface{}{"action_id": id})
		return
	}
	if _, err := e.Attempt(e.ctx, id); err != nil {
		// Already claimed by a cycle, cancelled, or gone.
		e.log.Debug("Re-attempt skipped", map[string]interface{}{
			"action_id": id,
			"reason":    err.Error(),
		})
	}
}

func (e *Engine) stopTimer(id models.UUID) {
	e.mu.Lock()
	if cur, ok := e.timers[id]; ok {
		cur.timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}

// Scheduled returns the number of armed re-attempt timers.
func (e *Engine) Scheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Dispose stops every timer, cancels in-flight re-attempts and waits for
// them to finish.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, cur := range e.timers {
		cur.timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
