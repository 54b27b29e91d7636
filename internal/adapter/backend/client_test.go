package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

func newTestClient(url string) *Client {
	cfg := config.Config{
		AppEnv:            "test",
		BackendBaseURL:    url,
		BackendAPIKey:     "secret",
		BackendTimeout:    2 * time.Second,
		BackendMaxRetries: 3,
	}
	return New(cfg)
}

func TestNotifyStarted_SendsAgentIDAndAPIKey(t *testing.T) {
	var gotKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.NotifyStarted(context.Background(), "t-1", "agent-a"))
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "agent-a", gotBody["agent_id"])
}

func TestDo_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, int64(3), calls.Load())
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.Error(t, c.Health(context.Background()))
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetTask_404MapsToNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetTask_DecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    domain.Task{ID: "t-7", Instruction: "do the thing", MaxRetries: 2},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	task, err := c.GetTask(context.Background(), "t-7")
	require.NoError(t, err)
	assert.Equal(t, "t-7", task.ID)
	assert.Equal(t, 2, task.MaxRetries)
}

func TestNotifyCompleted_PostsResultJSON(t *testing.T) {
	var got domain.TaskResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/t-3/complete", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res := &domain.TaskResult{TaskID: "t-3", Status: domain.TaskCompleted, TokensUsed: 42}
	require.NoError(t, c.NotifyCompleted(context.Background(), res))
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 42, got.TokensUsed)
}
