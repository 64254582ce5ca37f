// Package sync wires the offline action queue, scheduler, retry engine,
// executor, network monitor and event notifier into one Service that the
// host application drives.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kelmah/offlinesync/internal/crypto"
	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/sync/events"
	"github.com/kelmah/offlinesync/internal/sync/executor"
	"github.com/kelmah/offlinesync/internal/sync/network"
	"github.com/kelmah/offlinesync/internal/sync/priority"
	"github.com/kelmah/offlinesync/internal/sync/queue"
	"github.com/kelmah/offlinesync/internal/sync/retry"
	"github.com/kelmah/offlinesync/internal/sync/scheduler"
	"github.com/kelmah/offlinesync/internal/telemetry"
	"github.com/kelmah/offlinesync/internal/uuid"
)

const (
	// DefaultUserID is recorded when the host supplies no user.
	DefaultUserID = "anonymous"

	deviceIDSetting = "device_id"
	tokenSetting    = "api_token"

	nextSyncInProgress = "in progress"
	nextSyncOnNetwork  = "on network available"
)

// Config holds service configuration.
type Config struct {
	DataDir    string // SQLite location; empty means memory-only
	APIBaseURL string
	APIToken   string
	ProbeURL   string // optional reachability probe
	UserID     string // default user for enqueued actions
	UserAgent  string

	Online              bool          // initial connectivity
	TickInterval        time.Duration // periodic trigger (default: 30s)
	EnqueueTriggerDelay time.Duration // delay before syncing a new action (default: 100ms)
	RetentionWindow     time.Duration // terminal records older than this are purged (default: 24h)
	CleanupInterval     time.Duration // retention sweep period (default: 1h)
	MaxRetries          int           // default per-action retry budget (default: 5)
	RetryDelays         []time.Duration
	Strategies          map[network.Class]scheduler.Strategy
	EventBuffer         int
}

// DefaultConfig returns default service configuration.
func DefaultConfig() Config {
	return Config{
		UserID:              DefaultUserID,
		UserAgent:           "offlinesync",
		Online:              true,
		TickInterval:        30 * time.Second,
		EnqueueTriggerDelay: 100 * time.Millisecond,
		RetentionWindow:     24 * time.Hour,
		CleanupInterval:     time.Hour,
		MaxRetries:          5,
		EventBuffer:         events.DefaultBuffer,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UserID == "" {
		c.UserID = def.UserID
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.EnqueueTriggerDelay <= 0 {
		c.EnqueueTriggerDelay = def.EnqueueTriggerDelay
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = def.RetentionWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// Option customises a Service.
type Option func(*Service)

// WithStore uses store instead of opening one under Config.DataDir. The
// service owns the store from Init on and closes it.
func WithStore(store *queue.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithRemote replaces the HTTP client used to reach the backend API.
func WithRemote(remote executor.Remote) Option {
	return func(s *Service) { s.remote = remote }
}

// WithMetrics records engine metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// EnqueueOptions override the classified defaults for one action.
type EnqueueOptions struct {
	Timeout    time.Duration
	MaxRetries int
	UserID     string
	Location   *models.Location
}

// Status is a snapshot of the engine for the host UI.
type Status struct {
	IsOnline     bool          `json:"is_online"`
	IsSyncing    bool          `json:"is_syncing"`
	NetworkClass network.Class `json:"network_type"`
	Pending      int           `json:"pending"`
	Syncing      int           `json:"syncing"`
	Failed       int           `json:"failed"`
	QueueSize    int           `json:"queue_size"`
	Durable      bool          `json:"durable"`
	NextSync     string        `json:"next_sync"`
}

// Service is the offline action synchronization engine.
type Service struct {
	cfg Config

	store     *queue.Store
	remote    executor.Remote
	client    *executor.HTTPClient
	metrics   *telemetry.Metrics
	monitor   *network.Monitor
	notifier  *events.Notifier
	retry     *retry.Engine
	scheduler *scheduler.Scheduler
	deviceID  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	disposed    bool

	log *logging.Logger
}

var _ Engine = (*Service)(nil)

// New creates a Service. Subscriptions and platform signals may be used
// before Init; nothing is delivered until Init.
func New(cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		notifier: events.NewNotifier(cfg.EventBuffer),
		log:      logging.Component("sync"),
	}
	var prober network.Prober
	if cfg.ProbeURL != "" {
		prober = network.NewHTTPProber(cfg.ProbeURL)
	}
	s.monitor = network.NewMonitor(network.Config{
		TickInterval: cfg.TickInterval,
		Prober:       prober,
		Online:       cfg.Online,
	})
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Init opens storage, reloads queued actions and starts background work.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return apperrors.New(apperrors.ErrInvalid, "service has been disposed")
	}
	if s.initialized {
		return nil
	}

	if s.store == nil {
		s.store = queue.Open(s.cfg.DataDir)
	}
	loaded, err := s.store.Load(ctx)
	if err != nil {
		// Dispose only closes the store of an initialized service.
		if cerr := s.store.Close(); cerr != nil {
			s.log.Warn("Failed to close store after load error", map[string]interface{}{"error": cerr.Error()})
		}
		s.store = nil
		return err
	}
	s.deviceID = s.loadDeviceID(ctx)

	if s.remote == nil {
		token := s.cfg.APIToken
		if token == "" {
			token = s.loadToken(ctx)
		}
		s.client = executor.NewHTTPClient(executor.ClientConfig{
			BaseURL: s.cfg.APIBaseURL,
			Token:   token,
		})
		s.remote = s.client
	}
	exec := executor.New(s.remote, s.store.Searches())
	s.retry = retry.New(retry.Config{Delays: s.cfg.RetryDelays}, s.store, exec, s.notifier, s.monitor, s.metrics)
	s.scheduler = scheduler.NewScheduler(s.store, s.retry, s.monitor, s.metrics,
		&scheduler.SchedulerConfig{Strategies: s.cfg.Strategies})

	s.notifier.Subscribe("", func(events.Event) { s.metrics.SetActive(s.store.Len()) })
	s.metrics.SetActive(s.store.Len())

	s.monitor.OnTrigger(s.onTrigger)
	s.monitor.Start(s.ctx)

	s.wg.Add(1)
	go s.cleanupLoop()

	s.initialized = true
	s.log.Info("Sync service initialized", map[string]interface{}{
		"loaded":    loaded,
		"durable":   s.store.Durable(),
		"device_id": s.deviceID,
		"online":    s.monitor.IsOnline(),
	})

	if loaded > 0 {
		s.scheduler.Trigger(network.ReasonManual)
	}
	return nil
}

func (s *Service) loadDeviceID(ctx context.Context) string {
	settings := s.store.Settings()
	if id, ok, err := settings.GetSetting(ctx, deviceIDSetting); err == nil && ok && id != "" {
		return id
	} else if err != nil {
		s.log.Warn("Failed to read device id", map[string]interface{}{"error": err.Error()})
	}
	id := uuid.NewDeviceID()
	if err := settings.SetSetting(ctx, deviceIDSetting, id); err != nil {
		s.log.Warn("Failed to persist device id", map[string]interface{}{"error": err.Error()})
	}
	return id
}

// loadToken opens the token stored by SetAPIToken, if any.
func (s *Service) loadToken(ctx context.Context) string {
	sealed, ok, err := s.store.Settings().GetSetting(ctx, tokenSetting)
	if err != nil || !ok {
		return ""
	}
	token, err := crypto.OpenToken(sealed, s.deviceID)
	if err != nil {
		s.log.Warn("Stored API token could not be opened", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return token
}

// SetAPIToken stores the bearer token sealed with the device key and
// applies it to subsequent requests. An empty token clears it.
func (s *Service) SetAPIToken(ctx context.Context, token string) error {
	if err := s.ready(); err != nil {
		return err
	}
	sealed, err := crypto.SealToken(token, s.deviceID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to seal API token", err)
	}
	if err := s.store.Settings().SetSetting(ctx, tokenSetting, sealed); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store API token", err)
	}
	if s.client != nil {
		s.client.SetToken(token)
	}
	s.log.Info("API token updated", map[string]interface{}{"cleared": token == ""})
	return nil
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return apperrors.New(apperrors.ErrInvalid, "service has been disposed")
	}
	if !s.initialized {
		return apperrors.New(apperrors.ErrInvalid, "service is not initialized")
	}
	return nil
}

// onTrigger receives monitor triggers.
func (s *Service) onTrigger(reason network.Reason) {
	if s.ctx.Err() != nil {
		return
	}
	if reason == network.ReasonPeriodic && len(s.store.Pending()) == 0 {
		return
	}
	s.scheduler.Trigger(reason)
}

// Enqueue classifies and stores a new action, and schedules a sync shortly
// afterwards when online.
func (s *Service) Enqueue(ctx context.Context, actionType models.ActionType, payload json.RawMessage, opts *EnqueueOptions) (models.UUID, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if actionType == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "action type is required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", apperrors.New(apperrors.ErrInvalid, "payload must be valid JSON")
	}
	if opts == nil {
		opts = &EnqueueOptions{}
	}
	if opts.Timeout < 0 || opts.MaxRetries < 0 {
		return "", apperrors.New(apperrors.ErrInvalid, "timeout and max retries must not be negative")
	}

	class := priority.Classify(actionType)
	timeout := class.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxRetries := s.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	userID := s.cfg.UserID
	if opts.UserID != "" {
		userID = opts.UserID
	}

	a := &models.Action{
		Type:        actionType,
		Payload:     payload,
		Priority:    class.Priority,
		Critical:    class.Critical,
		TimeoutMs:   timeout.Milliseconds(),
		Timestamp:   time.Now().UnixMilli(),
		UserID:      userID,
		DeviceID:    s.deviceID,
		NetworkType: string(s.monitor.Class()),
		UserAgent:   s.cfg.UserAgent,
		Location:    opts.Location,
		Status:      models.StatusPending,
		MaxRetries:  maxRetries,
	}
	if a.TimeoutMs <= 0 {
		a.TimeoutMs = 1
	}
	id, err := s.store.Insert(ctx, a)
	if err != nil {
		return "", err
	}

	s.metrics.Enqueued(string(actionType))
	s.metrics.SetActive(s.store.Len())
	s.log.Info("Queued action for background sync", map[string]interface{}{
		"action_id":   id,
		"action_type": actionType,
		"priority":    a.Priority,
	})

	if s.monitor.IsOnline() {
		s.triggerAfter(s.cfg.EnqueueTriggerDelay, network.ReasonEnqueue)
	}
	return id, nil
}

// triggerAfter requests a cycle after d unless the service is disposed
// first. It reports whether the trigger was armed. The WaitGroup is only
// added to under s.mu while not disposed, so Dispose never races wg.Wait.
func (s *Service) triggerAfter(d time.Duration, reason network.Reason) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
		case <-t.C:
			s.scheduler.Trigger(reason)
		}
	}()
	return true
}

// GetStatus returns a snapshot of connectivity and queue counts.
func (s *Service) GetStatus(ctx context.Context) (Status, error) {
	if err := s.ready(); err != nil {
		return Status{}, err
	}
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	syncing := s.scheduler.IsSyncing()
	next := nextSyncOnNetwork
	if syncing {
		next = nextSyncInProgress
	}
	return Status{
		IsOnline:     s.monitor.IsOnline(),
		IsSyncing:    syncing,
		NetworkClass: s.monitor.Class(),
		Pending:      st.Pending,
		Syncing:      st.Syncing,
		Failed:       st.Failed,
		QueueSize:    st.QueueSize,
		Durable:      s.store.Durable(),
		NextSync:     next,
	}, nil
}

// ForceSyncNow runs a cycle and waits for it. It fails when offline and is
// a no-op while another cycle is running.
func (s *Service) ForceSyncNow(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !s.monitor.IsOnline() {
		return apperrors.New(apperrors.ErrOffline, "cannot force sync while offline")
	}
	_, err := s.scheduler.RunCycle(ctx, network.ReasonManual)
	return err
}

// Cancel cancels a pending action.
func (s *Service) Cancel(ctx context.Context, id models.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	s.metrics.SetActive(s.store.Len())
	s.log.Info("Cancelled action", map[string]interface{}{"action_id": id})
	return nil
}

// Action returns a stored action by id.
func (s *Service) Action(ctx context.Context, id models.UUID) (*models.Action, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Lookup(ctx, id)
}

// Actions lists stored actions, optionally filtered by status.
func (s *Service) Actions(ctx context.Context, status models.Status) ([]*models.Action, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if status == "" {
		return s.store.GetAll(ctx)
	}
	return s.store.GetByStatus(ctx, status)
}

// OnSyncComplete subscribes to successful deliveries.
func (s *Service) OnSyncComplete(fn func(action models.Action, result json.RawMessage)) func() {
	return s.notifier.OnSyncComplete(fn)
}

// OnSyncFailed subscribes to permanent failures.
func (s *Service) OnSyncFailed(fn func(action models.Action, err error)) func() {
	return s.notifier.OnSyncFailed(fn)
}

// Subscribe receives every event of kind, or all events when kind is empty.
func (s *Service) Subscribe(kind events.Kind, fn events.Handler) func() {
	return s.notifier.Subscribe(kind, fn)
}

// Monitor exposes the entry points for platform connectivity signals.
func (s *Service) Monitor() *network.Monitor {
	return s.monitor
}

// DeviceID returns the persisted device identifier.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// Metrics returns the service's metrics, which may be nil.
func (s *Service) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Cleanup purges terminal actions older than the retention window.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.store.PurgeTerminal(ctx, time.Now().Add(-s.cfg.RetentionWindow))
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.PurgeTerminal(s.ctx, time.Now().Add(-s.cfg.RetentionWindow)); err != nil {
				s.log.Error("Cleanup failed", err)
			}
		}
	}
}

// Dispose stops all background work, waits for it and releases storage.
// In-flight attempts are released back to pending.
func (s *Service) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	initialized := s.initialized
	s.mu.Unlock()

	s.cancel()
	s.monitor.Stop()
	if !initialized {
		s.notifier.Close()
		return nil
	}

	s.scheduler.Stop()
	s.retry.Dispose()
	s.wg.Wait()
	s.notifier.Close()

	s.log.Info("Sync service disposed", nil)
	return s.store.Close()
}
