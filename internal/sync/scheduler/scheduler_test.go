// Package scheduler tests for sync cycle orchestration.
package scheduler

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/sync/network"
	"github.com/kelmah/offlinesync/internal/sync/retry"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeQueue struct{ actions []*models.Action }

func (q *fakeQueue) Pending() []*models.Action {
	out := make([]*models.Action, len(q.actions))
	for i, a := range q.actions {
		out[i] = a.Clone()
	}
	return out
}

type fakeNet struct {
	online atomic.Bool
	mu     sync.Mutex
	class  network.Class
}

func newFakeNet(class network.Class) *fakeNet {
	n := &fakeNet{class: class}
	n.online.Store(true)
	return n
}

func (n *fakeNet) IsOnline() bool { return n.online.Load() }

func (n *fakeNet) Class() network.Class {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.class
}

// fakeAttempter records calls and tracks peak concurrency.
type fakeAttempter struct {
	mu      sync.Mutex
	calls   []models.UUID
	current int
	peak    int
	hold    time.Duration
	gate    chan struct{} // when set, attempts block until closed
	entered chan struct{}
	onCall  func(id models.UUID)
}

func (f *fakeAttempter) Attempt(ctx context.Context, id models.UUID) (retry.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	onCall := f.onCall
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if onCall != nil {
		onCall(id)
	}
	if f.gate != nil {
		<-f.gate
	}
	time.Sleep(f.hold)

	f.mu.Lock()
	f.current--
	f.mu.Unlock()
	return retry.OutcomeCompleted, nil
}

func (f *fakeAttempter) called() []models.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UUID(nil), f.calls...)
}

func act(id string, prio int, ts int64) *models.Action {
	return &models.Action{ID: models.UUID(id), Priority: prio, Timestamp: ts, Status: models.StatusPending}
}

func noPause(st Strategy) Strategy {
	st.Pause = 0
	return st
}

// fastConfig drops inter-batch pauses from the default table.
func fastConfig() *SchedulerConfig {
	cfg := &SchedulerConfig{Strategies: map[network.Class]Strategy{}}
	for class, st := range DefaultStrategies() {
		cfg.Strategies[class] = noPause(st)
	}
	return cfg
}

// =====================================================
// Strategy Tests
// =====================================================

func TestDefaultStrategies_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, DefaultStrategies()))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "default_strategies", buf.Bytes())
}

func TestStrategy_UnknownClassUses4G(t *testing.T) {
	s := NewScheduler(&fakeQueue{}, &fakeAttempter{}, newFakeNet(network.Class4G), nil, nil)
	assert.Equal(t, DefaultStrategies()[network.Class4G], s.Strategy("satellite"))
}

func TestStrategy_OverrideIsNormalized(t *testing.T) {
	s := NewScheduler(&fakeQueue{}, &fakeAttempter{}, newFakeNet(network.Class4G), nil, &SchedulerConfig{
		Strategies: map[network.Class]Strategy{network.Class3G: {BatchSize: 2, Concurrency: 9}},
	})
	st := s.Strategy(network.Class3G)
	assert.Equal(t, 2, st.BatchSize)
	assert.Equal(t, 2, st.Concurrency)
	assert.Equal(t, DefaultStrategies()[network.ClassWiFi], s.Strategy(network.ClassWiFi))
}

// =====================================================
// Cycle Tests
// =====================================================

func TestRunCycle_OrdersByPriorityThenAge(t *testing.T) {
	q := &fakeQueue{actions: []*models.Action{
		act("p3-old", 3, 1),
		act("p2-new", 2, 50),
		act("p1-new", 1, 40),
		act("p2-old", 2, 5),
		act("p1-old", 1, 30),
		act("p3-new", 3, 60),
	}}
	att := &fakeAttempter{}
	s := NewScheduler(q, att, newFakeNet(network.Class3G), nil, fastConfig())

	r, err := s.RunCycle(context.Background(), network.ReasonManual)
	require.NoError(t, err)
	require.NotNil(t, r)

	want := []models.UUID{"p1-old", "p1-new", "p2-old", "p2-new", "p3-old", "p3-new"}
	assert.Equal(t, want, r.Dispatched)
	assert.Equal(t, 2, r.Batches)
	assert.Equal(t, 6, r.Completed)
	assert.Equal(t, network.Class3G, r.NetworkClass)
	assert.False(t, s.IsSyncing())
	assert.Equal(t, r.Dispatched, s.LastReport().Dispatched)
}

func TestRunCycle_2GOnlyCritical(t *testing.T) {
	q := &fakeQueue{actions: []*models.Action{
		act("msg", 2, 1),
		act("job", 1, 2),
		act("bookmark", 3, 3),
		act("payment", 1, 4),
	}}
	att := &fakeAttempter{}
	s := NewScheduler(q, att, newFakeNet(network.Class2G), nil, fastConfig())

	r, err := s.RunCycle(context.Background(), network.ReasonPeriodic)
	require.NoError(t, err)
	assert.Equal(t, []models.UUID{"job", "payment"}, att.called())
	assert.Equal(t, 2, r.Selected)
	assert.Equal(t, 2, r.Batches)
}

func TestRunCycle_Offline(t *testing.T) {
	net := newFakeNet(network.Class4G)
	net.online.Store(false)
	att := &fakeAttempter{}
	s := NewScheduler(&fakeQueue{actions: []*models.Action{act("a", 1, 1)}}, att, net, nil, nil)

	r, err := s.RunCycle(context.Background(), network.ReasonManual)
	assert.Nil(t, r)
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
	assert.Empty(t, att.called())
	assert.False(t, s.Trigger(network.ReasonPeriodic))
}

func TestRunCycle_HaltsBetweenBatchesWhenOffline(t *testing.T) {
	net := newFakeNet(network.Class2G)
	att := &fakeAttempter{onCall: func(models.UUID) { net.online.Store(false) }}
	q := &fakeQueue{actions: []*models.Action{act("a", 1, 1), act("b", 1, 2), act("c", 1, 3)}}
	s := NewScheduler(q, att, net, nil, fastConfig())

	r, err := s.RunCycle(context.Background(), network.ReasonManual)
	require.NoError(t, err)
	assert.True(t, r.Halted)
	assert.Equal(t, []models.UUID{"a"}, r.Dispatched)
	assert.Equal(t, 1, r.Completed, "the dispatched batch runs to completion")
}

func TestRunCycle_ConcurrencyBound(t *testing.T) {
	var actions []*models.Action
	for i := 0; i < 10; i++ {
		actions = append(actions, act(string(rune('a'+i)), 2, int64(i)))
	}
	att := &fakeAttempter{hold: 20 * time.Millisecond}
	s := NewScheduler(&fakeQueue{actions: actions}, att, newFakeNet(network.ClassWiFi), nil, fastConfig())

	r, err := s.RunCycle(context.Background(), network.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Batches)
	assert.Equal(t, 10, r.Completed)
	assert.LessOrEqual(t, att.peak, 5)
	assert.GreaterOrEqual(t, att.peak, 2)
}

func TestRunCycle_PausesBetweenBatches(t *testing.T) {
	q := &fakeQueue{actions: []*models.Action{act("a", 1, 1), act("b", 1, 2)}}
	s := NewScheduler(q, &fakeAttempter{}, newFakeNet(network.Class2G), nil, &SchedulerConfig{
		Strategies: map[network.Class]Strategy{
			network.Class2G: {BatchSize: 1, Concurrency: 1, Pause: 50 * time.Millisecond, PriorityOnly: true},
		},
	})

	start := time.Now()
	r, err := s.RunCycle(context.Background(), network.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Batches)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// =====================================================
// Single-flight Tests
// =====================================================

func TestRunCycle_SingleFlight(t *testing.T) {
	att := &fakeAttempter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := &fakeQueue{actions: []*models.Action{act("a", 1, 1)}}
	s := NewScheduler(q, att, newFakeNet(network.Class4G), nil, fastConfig())

	first := make(chan *Report, 1)
	go func() {
		r, _ := s.RunCycle(context.Background(), network.ReasonManual)
		first <- r
	}()
	<-att.entered
	require.True(t, s.IsSyncing())

	const n = 8
	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.RunCycle(context.Background(), network.ReasonManual)
			if err == nil && r != nil {
				started.Add(1)
			}
			if s.Trigger(network.ReasonFocus) {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), started.Load())

	close(att.gate)
	require.NotNil(t, <-first)
	assert.Len(t, att.called(), 1)
	assert.False(t, s.IsSyncing())
}

func TestTrigger_RunsInBackground(t *testing.T) {
	att := &fakeAttempter{}
	q := &fakeQueue{actions: []*models.Action{act("a", 1, 1)}}
	s := NewScheduler(q, att, newFakeNet(network.Class4G), nil, fastConfig())
	defer s.Stop()

	require.True(t, s.Trigger(network.ReasonReconnect))
	require.Eventually(t, func() bool { return s.LastReport() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, network.ReasonReconnect, s.LastReport().Reason)
	assert.Equal(t, []models.UUID{"a"}, att.called())
}

func TestStop_WaitsForBackgroundCycle(t *testing.T) {
	att := &fakeAttempter{hold: 30 * time.Millisecond}
	q := &fakeQueue{actions: []*models.Action{act("a", 1, 1)}}
	s := NewScheduler(q, att, newFakeNet(network.Class4G), nil, fastConfig())

	require.True(t, s.Trigger(network.ReasonManual))
	s.Stop()
	assert.False(t, s.IsSyncing())
	assert.False(t, s.Trigger(network.ReasonManual), "stopped scheduler starts no cycles")
}
