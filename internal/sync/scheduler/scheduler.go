// Package scheduler runs sync cycles: it selects pending actions, orders
// them by priority and age, and dispatches them in batches sized for the
// current network class.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/sync/network"
	"github.com/kelmah/offlinesync/internal/sync/priority"
	"github.com/kelmah/offlinesync/internal/sync/retry"
	"github.com/kelmah/offlinesync/internal/telemetry"
)

// Queue supplies the actions a cycle considers.
type Queue interface {
	Pending() []*models.Action
}

// Attempter delivers one action under retry supervision.
type Attempter interface {
	Attempt(ctx context.Context, id models.UUID) (retry.Outcome, error)
}

// Network reports connectivity and quality.
type Network interface {
	IsOnline() bool
	Class() network.Class
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Strategies overrides entries of DefaultStrategies by network class.
	Strategies map[network.Class]Strategy
}

// Report describes one finished cycle.
type Report struct {
	Reason       network.Reason
	NetworkClass network.Class
	Strategy     Strategy
	Selected     int           // pending actions eligible under the strategy
	Dispatched   []models.UUID // in dispatch order
	Batches      int
	Completed    int
	Retrying     int
	Failed       int
	Skipped      int  // could not be claimed, e.g. cancelled or already in flight
	Halted       bool // stopped early because the device went offline
	StartedAt    time.Time
	Duration     time.Duration
}

// Scheduler manages sync cycles. At most one cycle runs at a time.
type Scheduler struct {
	queue      Queue
	attempter  Attempter
	net        Network
	metrics    *telemetry.Metrics
	strategies map[network.Class]Strategy

	syncing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	lastReport *Report

	log *logging.Logger
}

// NewScheduler creates a new Scheduler. metrics may be nil.
func NewScheduler(queue Queue, attempter Attempter, net Network, metrics *telemetry.Metrics, config *SchedulerConfig) *Scheduler {
	strategies := DefaultStrategies()
	if config != nil {
		for class, st := range config.Strategies {
			strategies[class] = st.normalize()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:      queue,
		attempter:  attempter,
		net:        net,
		metrics:    metrics,
		strategies: strategies,
		ctx:        ctx,
		cancel:     cancel,
		log:        logging.Component("scheduler"),
	}
}

// Strategy resolves the strategy for class. Unknown classes use the 4g entry.
func (s *Scheduler) Strategy(class network.Class) Strategy {
	if st, ok := s.strategies[class]; ok {
		return st
	}
	return s.strategies[network.DefaultClass]
}

// IsSyncing reports whether a cycle is running.
func (s *Scheduler) IsSyncing() bool {
	return s.syncing.Load()
}

// LastReport returns the most recent finished cycle, or nil.
func (s *Scheduler) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReport == nil {
		return nil
	}
	r := *s.lastReport
	return &r
}

// RunCycle runs one cycle and waits for it. It returns a nil report when
// another cycle is already running, and an OFFLINE error when the device
// is offline.
func (s *Scheduler) RunCycle(ctx context.Context, reason network.Reason) (*Report, error) {
	if !s.net.IsOnline() {
		return nil, apperrors.New(apperrors.ErrOffline, "device is offline")
	}
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
		return nil, nil
	}
	defer s.syncing.Store(false)

	r := s.cycle(ctx, reason)
	return r, nil
}

// Trigger starts a cycle in the background unless one is running or the
// device is offline. Returns true if a cycle was started.
func (s *Scheduler) Trigger(reason network.Reason) bool {
	if s.ctx.Err() != nil || !s.net.IsOnline() {
		return false
	}
	if !s.syncing.CompareAndSwap(false, true) {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.syncing.Store(false)
		s.cycle(s.ctx, reason)
	}()
	return true
}

// Stop cancels background cycles and waits for them to finish. In-flight
// attempts are released back to pending.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// cycle must be called with the syncing flag held.
func (s *Scheduler) cycle(ctx context.Context, reason network.Reason) *Report {
	class := s.net.Class()
	st := s.Strategy(class)
	r := &Report{
		Reason:       reason,
		NetworkClass: class,
		Strategy:     st,
		StartedAt:    time.Now(),
	}

	actions := s.queue.Pending()
	if st.PriorityOnly {
		kept := actions[:0]
		for _, a := range actions {
			if a.Priority == priority.Critical {
				kept = append(kept, a)
			}
		}
		actions = kept
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		return actions[i].Timestamp < actions[j].Timestamp
	})
	r.Selected = len(actions)

	if len(actions) > 0 {
		s.log.Info("Starting sync cycle", map[string]interface{}{
			"reason":  reason,
			"network": class,
			"actions": len(actions),
		})
	}

	for start := 0; start < len(actions); start += st.BatchSize {
		if start > 0 {
			if !s.pause(ctx, st.Pause) || !s.net.IsOnline() {
				r.Halted = true
				break
			}
		}
		end := start + st.BatchSize
		if end > len(actions) {
			end = len(actions)
		}
		s.runBatch(ctx, actions[start:end], st.Concurrency, r)
		r.Batches++
	}

	r.Duration = time.Since(r.StartedAt)
	s.metrics.Cycle(string(class), r.Duration)

	s.mu.Lock()
	s.lastReport = r
	s.mu.Unlock()

	if r.Selected > 0 {
		s.log.Info("Sync cycle finished", map[string]interface{}{
			"reason":      reason,
			"completed":   r.Completed,
			"retrying":    r.Retrying,
			"failed":      r.Failed,
			"skipped":     r.Skipped,
			"halted":      r.Halted,
			"duration_ms": r.Duration.Milliseconds(),
		})
	}
	return r
}

// pause waits between batches. Returns false if ctx ended first.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runBatch dispatches batch with at most concurrency attempts outstanding
// and returns once every member has finished.
func (s *Scheduler) runBatch(ctx context.Context, batch []*models.Action, concurrency int, r *Report) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, concurrency)
	)
	for _, a := range batch {
		sem <- struct{}{}
		r.Dispatched = append(r.Dispatched, a.ID)
		wg.Add(1)
		go func(id models.UUID) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.attempter.Attempt(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.Skipped++
				s.log.Debug("Action skipped", map[string]interface{}{
					"action_id": id,
					"reason":    err.Error(),
				})
				return
			}
			switch outcome {
			case retry.OutcomeCompleted:
				r.Completed++
			case retry.OutcomeRetrying:
				r.Retrying++
			case retry.OutcomeFailed:
				r.Failed++
			default:
				r.Skipped++
			}
		}(a.ID)
	}
	wg.Wait()
}
