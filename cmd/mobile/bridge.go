package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kelmah/offlinesync/internal/config"
	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	offsync "github.com/kelmah/offlinesync/internal/sync"
	"github.com/kelmah/offlinesync/internal/sync/events"
)

// maxPendingEvents bounds the events held for the host between polls.
const maxPendingEvents = 256

// wireEvent is an outcome event as handed to the host.
type wireEvent struct {
	Type      string          `json:"type"`
	ActionID  models.UUID     `json:"action_id"`
	Action    models.Action   `json:"action"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// bridge adapts the service to string-in/string-out calls. Mobile hosts
// cannot receive Go callbacks, so events are buffered until polled.
type bridge struct {
	mu      sync.Mutex
	svc     *offsync.Service
	events  []wireEvent
	dropped int
	lastErr string
	log     *logging.Logger
}

// newBridge runs at package init, before any configuration exists, so it
// must not touch the global logger.
func newBridge() *bridge {
	return &bridge{}
}

var errNotStarted = apperrors.New(apperrors.ErrInvalid, "sync engine not initialized")

func (b *bridge) fail(err error) error {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
	return err
}

func (b *bridge) lastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *bridge) service() (*offsync.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil, errNotStarted
	}
	return b.svc, nil
}

// start loads configuration from configPath (may be empty) and starts
// the engine. dataDir, when set, overrides the configured location.
func (b *bridge) start(configPath, dataDir string, opts ...offsync.Option) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		b.lastErr = err.Error()
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	b.log = logging.Component("mobile")

	sc := cfg.Service()
	if dataDir != "" {
		sc.DataDir = dataDir
	}

	svc := offsync.New(sc, opts...)
	svc.Subscribe("", b.record)
	if err := svc.Init(context.Background()); err != nil {
		b.lastErr = err.Error()
		svc.Dispose()
		return err
	}
	b.svc = svc
	b.log.Info("Mobile bridge started", map[string]interface{}{"data_dir": sc.DataDir})
	return nil
}

func (b *bridge) record(e events.Event) {
	w := wireEvent{
		ActionID:  e.Action.ID,
		Action:    e.Action,
		Result:    e.Result,
		Timestamp: e.Timestamp.UnixMilli(),
	}
	switch e.Kind {
	case events.KindSyncComplete:
		w.Type = "sync.completed"
	case events.KindSyncFailed:
		w.Type = "sync.failed"
		w.ErrorCode = string(apperrors.CodeOf(e.Err))
		if e.Err != nil {
			w.Error = e.Err.Error()
		}
	default:
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= maxPendingEvents {
		b.events = b.events[1:]
		b.dropped++
		if b.log != nil && b.dropped == 1 {
			b.log.Warn("Host is not polling events, dropping oldest", map[string]interface{}{"buffer": maxPendingEvents})
		}
	}
	b.events = append(b.events, w)
}

// poll returns and clears the buffered events as a JSON document.
func (b *bridge) poll() string {
	b.mu.Lock()
	out := struct {
		Events  []wireEvent `json:"events"`
		Dropped int         `json:"dropped"`
	}{Events: b.events, Dropped: b.dropped}
	b.events = nil
	b.dropped = 0
	b.mu.Unlock()

	if out.Events == nil {
		out.Events = []wireEvent{}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// enqueue accepts an options document of the form
// {"timeout_ms":0,"max_retries":0,"user_id":"","location":{...}}.
func (b *bridge) enqueue(actionType, payload, options string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", b.fail(err)
	}

	var opts struct {
		TimeoutMs  int64            `json:"timeout_ms"`
		MaxRetries int              `json:"max_retries"`
		UserID     string           `json:"user_id"`
		Location   *models.Location `json:"location"`
	}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &opts); err != nil {
			return "", b.fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid options", err))
		}
	}
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}

	id, err := svc.Enqueue(context.Background(), models.ActionType(actionType), raw, &offsync.EnqueueOptions{
		Timeout:    time.Duration(opts.TimeoutMs) * time.Millisecond,
		MaxRetries: opts.MaxRetries,
		UserID:     opts.UserID,
		Location:   opts.Location,
	})
	if err != nil {
		return "", b.fail(err)
	}
	return marshal(map[string]interface{}{"id": id})
}

func (b *bridge) status() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", b.fail(err)
	}
	st, err := svc.GetStatus(context.Background())
	if err != nil {
		return "", b.fail(err)
	}
	return marshal(st)
}

func (b *bridge) forceSync() error {
	svc, err := b.service()
	if err != nil {
		return b.fail(err)
	}
	if err := svc.ForceSyncNow(context.Background()); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *bridge) cancel(id string) error {
	svc, err := b.service()
	if err != nil {
		return b.fail(err)
	}
	if err := svc.Cancel(context.Background(), models.UUID(id)); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *bridge) setToken(token string) error {
	svc, err := b.service()
	if err != nil {
		return b.fail(err)
	}
	if err := svc.SetAPIToken(context.Background(), token); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *bridge) setOnline(online bool) error {
	svc, err := b.service()
	if err != nil {
		return b.fail(err)
	}
	svc.Monitor().SetOnline(online)
	return nil
}

func (b *bridge) setConnectionHint(effectiveType string) error {
	svc, err := b.service()
	if err != nil {
		return b.fail(err)
	}
	svc.Monitor().SetConnectionHint(effectiveType)
	return nil
}

func (b *bridge) setVisible(visible bool) error {
	svc, err := b.service()
	if err != nil {
		return b.fail(err)
	}
	svc.Monitor().SetVisible(visible)
	return nil
}

func (b *bridge) stop() error {
	b.mu.Lock()
	svc := b.svc
	b.svc = nil
	b.mu.Unlock()
	if svc == nil {
		return nil
	}
	return svc.Dispose()
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
