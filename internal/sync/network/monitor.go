// Package network tracks connectivity and coarse network quality, and
// raises sync triggers when the device is in a position to deliver.
package network

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kelmah/offlinesync/internal/logging"
)

// Class is a coarse network-quality bucket.
type Class string

const (
	Class2G   Class = "2g"
	Class3G   Class = "3g"
	Class4G   Class = "4g"
	ClassWiFi Class = "wifi"
)

// DefaultClass is assumed when the platform gives no connection hint.
const DefaultClass = Class4G

// ClassFromHint maps a platform effective-connection-type hint onto a Class.
// An empty hint means the platform cannot tell; anything unrecognised is
// treated as an unmetered link.
func ClassFromHint(effectiveType string) Class {
	switch strings.ToLower(strings.TrimSpace(effectiveType)) {
	case "":
		return DefaultClass
	case "slow-2g", "2g":
		return Class2G
	case "3g":
		return Class3G
	case "4g":
		return Class4G
	default:
		return ClassWiFi
	}
}

// Reason says why a trigger fired.
type Reason string

const (
	ReasonReconnect Reason = "online"
	ReasonVisible   Reason = "visibility"
	ReasonFocus     Reason = "focus"
	ReasonPeriodic  Reason = "periodic"
	ReasonEnqueue   Reason = "enqueue"
	ReasonManual    Reason = "manual"
)

// TriggerFunc receives sync triggers. The receiver decides whether a cycle
// actually starts.
type TriggerFunc func(Reason)

// Config holds monitor configuration.
type Config struct {
	TickInterval time.Duration // periodic trigger while visible and online (default: 30s)
	ProbeTimeout time.Duration // per-probe deadline (default: 5s)
	Prober       Prober        // optional reachability probe run on each tick
	Online       bool          // initial connectivity
	Class        Class         // initial class, DefaultClass when empty
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Online:       true,
		Class:        DefaultClass,
	}
}

// Monitor tracks online state, network class and foreground visibility.
type Monitor struct {
	mu      sync.RWMutex
	online  bool
	visible bool
	class   Class
	trigger TriggerFunc

	tick         time.Duration
	probeTimeout time.Duration
	prober       Prober

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	log     *logging.Logger
}

// NewMonitor creates a Monitor. The device starts visible.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	return &Monitor{
		online:       cfg.Online,
		visible:      true,
		class:        cfg.Class,
		tick:         cfg.TickInterval,
		probeTimeout: cfg.ProbeTimeout,
		prober:       cfg.Prober,
		log:          logging.Component("network"),
	}
}

// OnTrigger registers the trigger receiver, replacing any previous one.
func (m *Monitor) OnTrigger(fn TriggerFunc) {
	m.mu.Lock()
	m.trigger = fn
	m.mu.Unlock()
}

func (m *Monitor) fire(reason Reason) {
	m.mu.RLock()
	fn := m.trigger
	m.mu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

// IsOnline reports current connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Class reports the current network class.
func (m *Monitor) Class() Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.class
}

// IsVisible reports whether the host is foregrounded.
func (m *Monitor) IsVisible() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visible
}

// SetOnline records a connectivity signal. An offline->online transition
// fires ReasonReconnect.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if was == online {
		return
	}
	m.log.Info("Online status changed", map[string]interface{}{
		"was_online": was,
		"is_online":  online,
	})
	if online {
		m.fire(ReasonReconnect)
	}
}

// SetConnectionHint updates the class from a platform effective-type hint.
func (m *Monitor) SetConnectionHint(effectiveType string) {
	m.SetClass(ClassFromHint(effectiveType))
}

// SetClass sets the network class directly.
func (m *Monitor) SetClass(c Class) {
	m.mu.Lock()
	was := m.class
	m.class = c
	m.mu.Unlock()
	if was != c {
		m.log.Debug("Network class changed", map[string]interface{}{"from": was, "to": c})
	}
}

// SetVisible records foreground visibility. Becoming visible while online
// fires ReasonVisible.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	was := m.visible
	m.visible = visible
	online := m.online
	m.mu.Unlock()

	if visible && !was && online {
		m.fire(ReasonVisible)
	}
}

// Focus records the host window regaining focus.
func (m *Monitor) Focus() {
	if m.IsOnline() {
		m.fire(ReasonFocus)
	}
}

// Start starts the periodic tick loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.tickLoop(ctx)
}

// Stop stops the tick loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) tickLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.onTick(ctx)
		}
	}
}

func (m *Monitor) onTick(ctx context.Context) {
	if m.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			m.log.Debug("Reachability probe failed", map[string]interface{}{"error": err.Error()})
		}
		m.SetOnline(err == nil)
	}

	m.mu.RLock()
	due := m.visible && m.online
	m.mu.RUnlock()
	if due {
		m.fire(ReasonPeriodic)
	}
}
