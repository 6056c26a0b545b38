package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req struct {
			OwnerID   string `json:"ownerId"`
			Emotion   string `json:"emotion"`
			Intensity int    `json:"intensity"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Intensity > 10 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"intensity out of range"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(therapy.Session{ID: "s-42", OwnerID: req.OwnerID, Emotion: therapy.Emotion(req.Emotion)})
	})
	r.Post("/api/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(therapy.Summary{SessionID: chi.URLParam(r, "id"), MessageCount: 4})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientLifecycle(t *testing.T) {
	srv := newBackend(t)
	client := NewClient(srv.URL+"/", "user-1", StaticToken("secret"), time.Second)
	ctx := context.Background()

	require.NoError(t, client.Probe(ctx))

	id, err := client.StartSession(ctx, therapy.Anxiety, 8)
	require.NoError(t, err)
	require.Equal(t, "s-42", id)

	summary, err := client.EndSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "s-42", summary.SessionID)
	require.Equal(t, 4, summary.MessageCount)
}

func TestClientReportsStatusErrors(t *testing.T) {
	srv := newBackend(t)
	client := NewClient(srv.URL, "", StaticToken("secret"), time.Second)

	_, err := client.StartSession(context.Background(), therapy.Anxiety, 11)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadRequest, statusErr.Code)
	require.Equal(t, "intensity out of range", statusErr.Message)
}

func TestProbeFailsWhenUnreachable(t *testing.T) {
	srv := newBackend(t)
	url := srv.URL
	srv.Close()

	client := NewClient(url, "", nil, 200*time.Millisecond)
	require.Error(t, client.Probe(context.Background()))
}

func TestNilClientWithoutBaseURL(t *testing.T) {
	client := NewClient("  ", "", nil, 0)
	require.Nil(t, client)
	require.ErrorIs(t, client.Probe(context.Background()), ErrNoBackend)
}
