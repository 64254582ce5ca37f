package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/sync/queue"
)

type request struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// fakeAPI records requests and answers with status.
type fakeAPI struct {
	mu       sync.Mutex
	requests []request
	status   int
	body     string
}

func newFakeAPI(t *testing.T, status int, body string) (*fakeAPI, *HTTPClient) {
	api := &fakeAPI{status: status, body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.requests = append(api.requests, request{r.Method, r.URL.Path, string(data), r.Header.Get("Authorization")})
		status, body := api.status, api.body
		api.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return api, NewHTTPClient(ClientConfig{BaseURL: srv.URL + "/api/", Token: "tok"})
}

func (f *fakeAPI) got() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

func action(t models.ActionType, payload string) *models.Action {
	return &models.Action{ID: "a1", Type: t, Payload: json.RawMessage(payload), UserID: "u1"}
}

// =====================================================
// Remote Dispatch Tests
// =====================================================

func TestExecute_RemoteEndpoints(t *testing.T) {
	for actionType, ep := range Endpoints {
		if actionType == models.ActionAnalyticsTrack {
			continue
		}
		t.Run(string(actionType), func(t *testing.T) {
			api, client := newFakeAPI(t, http.StatusOK, `{"ok":true}`)
			ex := New(client, nil)

			result, err := ex.Execute(context.Background(), action(actionType, `{"x":1}`))
			require.NoError(t, err)
			assert.JSONEq(t, `{"ok":true}`, string(result))

			reqs := api.got()
			require.Len(t, reqs, 1)
			assert.Equal(t, ep.Method, reqs[0].Method)
			assert.Equal(t, "/api"+ep.Path, reqs[0].Path)
			assert.JSONEq(t, `{"x":1}`, reqs[0].Body)
			assert.Equal(t, "Bearer tok", reqs[0].Auth)
		})
	}
}

func TestExecute_RemoteRejection(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusUnprocessableEntity, `{"error":"bad"}`)
	ex := New(client, nil)

	_, err := ex.Execute(context.Background(), action(models.ActionPayment, `{}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRemote))
	assert.False(t, apperrors.IsPermanent(err))

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusUnprocessableEntity, remoteErr.StatusCode)
	assert.Equal(t, "/payments/process", remoteErr.Path)
}

func TestExecute_UnknownTypeIsPermanent(t *testing.T) {
	api, client := newFakeAPI(t, http.StatusOK, `{}`)
	ex := New(client, nil)

	_, err := ex.Execute(context.Background(), action("teleport", `{}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownActionType))
	assert.True(t, apperrors.IsPermanent(err))
	assert.Empty(t, api.got())
}

// =====================================================
// Special Handler Tests
// =====================================================

func TestExecute_SearchSaveIsLocal(t *testing.T) {
	api, client := newFakeAPI(t, http.StatusOK, `{}`)
	backend := queue.NewMemoryBackend()
	ex := New(client, backend)

	result, err := ex.Execute(context.Background(), action(models.ActionSearchSave, `{"q":"electrician"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"local":true}`, string(result))
	assert.Empty(t, api.got(), "search_save must not touch the network")

	saved, err := backend.ListSavedSearches(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.JSONEq(t, `{"q":"electrician"}`, string(saved[0].Query))
}

func TestExecute_NotificationRead(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantPath string
	}{
		{"bulk", `{"ids":["n1","n2"]}`, "/api/notifications/read/all"},
		{"single id", `{"id":"n1"}`, "/api/notifications/n1/read"},
		{"notificationId", `{"notificationId":"n9"}`, "/api/notifications/n9/read"},
		{"empty ids falls back to id", `{"ids":[],"id":"n3"}`, "/api/notifications/n3/read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, client := newFakeAPI(t, http.StatusOK, `{"success":true}`)
			ex := New(client, nil)

			result, err := ex.Execute(context.Background(), action(models.ActionNotificationRead, tt.payload))
			require.NoError(t, err)
			assert.JSONEq(t, `{"success":true}`, string(result))

			reqs := api.got()
			require.Len(t, reqs, 1)
			assert.Equal(t, http.MethodPatch, reqs[0].Method)
			assert.Equal(t, tt.wantPath, reqs[0].Path)
		})
	}
}

func TestExecute_NotificationReadWithoutID(t *testing.T) {
	api, client := newFakeAPI(t, http.StatusOK, `{}`)
	ex := New(client, nil)

	result, err := ex.Execute(context.Background(), action(models.ActionNotificationRead, `{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"skipped":true}`, string(result))
	assert.Empty(t, api.got())
}

func TestExecute_NotificationReadDefersOnFailure(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusInternalServerError, `oops`)
	ex := New(client, nil)

	result, err := ex.Execute(context.Background(), action(models.ActionNotificationRead, `{"id":"n1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"reason":"deferred"}`, string(result))
}

func TestExecute_AnalyticsNonCritical(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusBadGateway, ``)
	ex := New(client, nil)

	result, err := ex.Execute(context.Background(), action(models.ActionAnalyticsTrack, `{"event":"view"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"reason":"non-critical"}`, string(result))
}

// Only a server rejection is soft; no response at all is retried.
func TestExecute_AnalyticsTransportErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ex := New(NewHTTPClient(ClientConfig{BaseURL: url}), nil)
	result, err := ex.Execute(context.Background(), action(models.ActionAnalyticsTrack, `{}`))
	assert.Error(t, err)
	assert.Nil(t, result)
	assert.False(t, apperrors.IsPermanent(err))
}

// =====================================================
// HTTP Client Tests
// =====================================================

func TestHTTPClient_EmptyBody(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusNoContent, ``)
	result, err := client.Do(context.Background(), http.MethodPost, "/x", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestHTTPClient_InvalidJSON(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusOK, `not json`)
	_, err := client.Do(context.Background(), http.MethodPost, "/x", nil)
	assert.Error(t, err)
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusOK, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Do(ctx, http.MethodPost, "/x", nil)
	assert.Error(t, err)
}

func TestHTTPClient_SetToken(t *testing.T) {
	api, client := newFakeAPI(t, http.StatusOK, `{}`)

	client.SetToken("")
	_, err := client.Do(context.Background(), http.MethodPost, "/x", json.RawMessage(`{}`))
	require.NoError(t, err)

	client.SetToken("fresh")
	_, err = client.Do(context.Background(), http.MethodPost, "/x", json.RawMessage(`{}`))
	require.NoError(t, err)

	reqs := api.got()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Auth)
	assert.Equal(t, "Bearer fresh", reqs[1].Auth)
	assert.Equal(t, "fresh", client.Token())
}
