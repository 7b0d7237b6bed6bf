package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStats struct{}

func (failingStats) QueueStats(context.Context) (*Stats, error) {
	return nil, errors.New("connection reset")
}

func newTestRouter(storage *MemoryStorage, stats StatsReader) (*Repository, http.Handler) {
	repo := NewRepository(storage)
	if stats == nil {
		stats = storage
	}
	r := chi.NewRouter()
	NewHandler(repo, storage, stats).RegisterRoutes(r)
	return repo, r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	return envelope.Data
}

func TestHandler_EnqueueItem(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		priority       domain.Priority
	}{
		{"default priority", `{"lane":"tenant-a","task_type":"export","payload":{"n":1}}`, http.StatusCreated, domain.PriorityNormal},
		{"explicit priority", `{"lane":"tenant-a","task_type":"export","priority":"low"}`, http.StatusCreated, domain.PriorityLow},
		{"missing lane", `{"task_type":"export"}`, http.StatusBadRequest, 0},
		{"unknown priority", `{"lane":"a","task_type":"export","priority":"urgent"}`, http.StatusBadRequest, 0},
		{"lane too long", `{"lane":"` + strings.Repeat("x", 256) + `","task_type":"export"}`, http.StatusBadRequest, 0},
		{"invalid json", `{"lane":`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestRouter(NewMemoryStorage(), nil)

			rec := serve(router, http.MethodPost, "/items", tt.body)
			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.expectedStatus != http.StatusCreated {
				return
			}

			item := decodeData[domain.QueueItem](t, rec)
			assert.NotZero(t, item.ID)
			assert.Equal(t, domain.QueueStatusQueued, item.Status)
			assert.Equal(t, tt.priority, item.Priority)
			assert.False(t, item.UpdatedAt.IsZero())
		})
	}
}

func TestHandler_ListOldestQueued(t *testing.T) {
	storage := NewMemoryStorage()
	repo, router := newTestRouter(storage, nil)

	a1 := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)
	seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, time.Second)
	b1 := seed(t, repo, "b", domain.QueueStatusQueued, domain.PriorityNormal, 2*time.Second)
	seed(t, repo, "c", domain.QueueStatusRunning, domain.PriorityNormal, 0)
	seed(t, repo, "c", domain.QueueStatusQueued, domain.PriorityNormal, time.Second)

	t.Run("default", func(t *testing.T) {
		rec := serve(router, http.MethodGet, "/items/oldest", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []int64{a1.ID, b1.ID}, ids(decodeData[[]*domain.QueueItem](t, rec)))
	})

	t.Run("limit", func(t *testing.T) {
		rec := serve(router, http.MethodGet, "/items/oldest?limit=1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []int64{a1.ID}, ids(decodeData[[]*domain.QueueItem](t, rec)))
	})

	t.Run("other priority is empty", func(t *testing.T) {
		rec := serve(router, http.MethodGet, "/items/oldest?priority=high", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
	})

	t.Run("preview does not claim", func(t *testing.T) {
		stored, err := storage.GetItem(context.Background(), a1.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusQueued, stored.Status)
	})

	for _, query := range []string{"?limit=0", "?limit=101", "?limit=abc", "?priority=urgent"} {
		t.Run("bad query "+query, func(t *testing.T) {
			rec := serve(router, http.MethodGet, "/items/oldest"+query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandler_GetItem(t *testing.T) {
	repo, router := newTestRouter(NewMemoryStorage(), nil)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	rec := serve(router, http.MethodGet, "/items/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, item.ID, decodeData[domain.QueueItem](t, rec).ID)

	rec = serve(router, http.MethodGet, "/items/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, http.MethodGet, "/items/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_GetStats(t *testing.T) {
	repo, router := newTestRouter(NewMemoryStorage(), nil)
	seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)
	seed(t, repo, "a", domain.QueueStatusRunning, domain.PriorityNormal, 0)

	rec := serve(router, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Stats{Queued: 1, Running: 1, Total: 2}, decodeData[Stats](t, rec))

	_, failing := newTestRouter(NewMemoryStorage(), failingStats{})
	rec = serve(failing, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_EnqueueItemValidationDetails(t *testing.T) {
	_, router := newTestRouter(NewMemoryStorage(), nil)

	rec := serve(router, http.MethodPost, "/items", `{"lane":"a"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t,
		`{"error":{"message":"validation error","details":[{"field":"task_type","message":"required"}]}}`,
		rec.Body.String())
}
