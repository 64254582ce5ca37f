package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelmah/offlinesync/internal/config"
	offsync "github.com/kelmah/offlinesync/internal/sync"
	"github.com/kelmah/offlinesync/internal/sync/events"
	"github.com/kelmah/offlinesync/internal/sync/queue"
)

type echoRemote struct{}

func (echoRemote) Do(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func startBridge(t *testing.T) *bridge {
	t.Helper()
	t.Setenv(config.PathEnv, "")
	t.Setenv("DB_PATH", "")
	b := newBridge()
	require.NoError(t, b.start("", t.TempDir(),
		offsync.WithStore(queue.NewStore(queue.NewMemoryBackend(), false)),
		offsync.WithRemote(echoRemote{})))
	t.Cleanup(func() { _ = b.stop() })
	return b
}

func TestBridge_NotStarted(t *testing.T) {
	b := newBridge()
	assert.Nil(t, b.log, "logger is created by start, after configuration")
	_, err := b.status()
	assert.Error(t, err)
	assert.Contains(t, b.lastError(), "not initialized")
	assert.NoError(t, b.stop())
}

func TestBridge_EnqueueAndPoll(t *testing.T) {
	b := startBridge(t)
	require.NotNil(t, b.log)
	require.NoError(t, b.setOnline(false))

	out, err := b.enqueue("job_application", `{"jobId":"j"}`, `{"user_id":"u-2","max_retries":2}`)
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created["id"])

	out, err = b.status()
	require.NoError(t, err)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, float64(1), st["pending"])

	require.NoError(t, b.setConnectionHint("3g"))
	require.NoError(t, b.setVisible(true))
	require.NoError(t, b.setOnline(true))

	var polled struct {
		Events []wireEvent `json:"events"`
	}
	require.Eventually(t, func() bool {
		if err := json.Unmarshal([]byte(b.poll()), &polled); err != nil {
			return false
		}
		return len(polled.Events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "sync.completed", polled.Events[0].Type)
	assert.Equal(t, created["id"], string(polled.Events[0].ActionID))
	assert.Equal(t, "u-2", polled.Events[0].Action.UserID)

	assert.JSONEq(t, `{"events":[],"dropped":0}`, b.poll())
}

func TestBridge_ErrorsRecorded(t *testing.T) {
	b := startBridge(t)
	require.NoError(t, b.setOnline(false))

	_, err := b.enqueue("bookmark_action", `{}`, `{bad`)
	assert.Error(t, err)
	assert.Contains(t, b.lastError(), "invalid options")

	assert.Error(t, b.forceSync())
	assert.Contains(t, b.lastError(), "OFFLINE")

	assert.Error(t, b.cancel("missing"))
	assert.Contains(t, b.lastError(), "NOT_FOUND")

	assert.NoError(t, b.setToken("tok-m"))
}

func TestBridge_EventBufferBounded(t *testing.T) {
	b := newBridge()
	for i := 0; i < maxPendingEvents+5; i++ {
		b.record(events.Event{Kind: events.KindSyncFailed, Err: errors.New("boom"), Timestamp: time.Now()})
	}
	var polled struct {
		Events  []wireEvent `json:"events"`
		Dropped int         `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal([]byte(b.poll()), &polled))
	assert.Len(t, polled.Events, maxPendingEvents)
	assert.Equal(t, 5, polled.Dropped)
	assert.Equal(t, "sync.failed", polled.Events[0].Type)
	assert.Equal(t, "boom", polled.Events[0].Error)
}
