// Package events broadcasts action outcomes to the host application.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
)

// Kind identifies an outcome event.
type Kind string

const (
	KindSyncComplete Kind = "sync-complete"
	KindSyncFailed   Kind = "sync-failed"
)

// Event is one outcome. Action is a snapshot taken when the event was raised.
type Event struct {
	Kind      Kind
	Action    models.Action
	Result    json.RawMessage // set for KindSyncComplete
	Err       error           // set for KindSyncFailed
	Timestamp time.Time
}

// Handler receives events on the notifier's dispatch goroutine.
type Handler func(Event)

// Publisher is the emitting side used by the retry engine.
type Publisher interface {
	Publish(Event)
}

// DefaultBuffer is the number of undelivered events held before
// sync-complete events are dropped.
const DefaultBuffer = 256

type subscription struct {
	kind Kind // empty matches every kind
	fn   Handler
}

// Notifier fans events out to subscribers without blocking the publisher.
// A sync-failed event is the only report of a terminal failure, so it is
// never dropped: when the buffer is full it is held aside until dispatched.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int

	queue  chan Event
	heldMu sync.Mutex
	held   []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
	once   sync.Once
	log    *logging.Logger
}

// NewNotifier creates a Notifier and starts its dispatch goroutine.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	n := &Notifier{
		subs:  make(map[int]subscription),
		queue: make(chan Event, buffer),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		log:   logging.Component("events"),
	}
	go n.run()
	return n
}

// Subscribe registers fn for kind (or every kind when kind is empty) and
// returns a function that removes the subscription.
func (n *Notifier) Subscribe(kind Kind, fn Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = subscription{kind: kind, fn: fn}
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// OnSyncComplete subscribes to successful deliveries.
func (n *Notifier) OnSyncComplete(fn func(action models.Action, result json.RawMessage)) func() {
	return n.Subscribe(KindSyncComplete, func(e Event) { fn(e.Action, e.Result) })
}

// OnSyncFailed subscribes to permanent failures.
func (n *Notifier) OnSyncFailed(fn func(action models.Action, err error)) func() {
	return n.Subscribe(KindSyncFailed, func(e Event) { fn(e.Action, e.Err) })
}

// Publish queues e for delivery and returns immediately. When the buffer is
// full a sync-complete event is dropped and any other event is held. After
// Close every event is dropped.
func (n *Notifier) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
		return
	default:
	}

	if e.Kind == KindSyncComplete {
		n.log.Warn("Event buffer full, dropping event", map[string]interface{}{
			"kind":      e.Kind,
			"action_id": e.Action.ID,
		})
		return
	}
	n.heldMu.Lock()
	n.held = append(n.held, e)
	n.heldMu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events, delivers what is buffered and waits for the
// dispatch goroutine to exit.
func (n *Notifier) Close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
	})
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case e, ok := <-n.queue:
			if !ok {
				n.dispatchHeld()
				return
			}
			n.dispatch(e)
		case <-n.wake:
		}
		n.dispatchHeld()
	}
}

func (n *Notifier) dispatchHeld() {
	n.heldMu.Lock()
	held := n.held
	n.held = nil
	n.heldMu.Unlock()
	for _, e := range held {
		n.dispatch(e)
	}
}

func (n *Notifier) dispatch(e Event) {
	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.subs))
	for _, s := range n.subs {
		if s.kind == "" || s.kind == e.Kind {
			handlers = append(handlers, s.fn)
		}
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		n.deliver(h, e)
	}
}

// deliver isolates the dispatcher from a panicking subscriber.
func (n *Notifier) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn("Event handler panicked", map[string]interface{}{
				"kind":  e.Kind,
				"panic": r,
			})
		}
	}()
	h(e)
}
