package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errGone = errors.New("gone")

func TestHandleError(t *testing.T) {
	mappings := []ErrorMapping{
		{Error: errGone, Status: http.StatusNotFound, Message: "item is gone"},
		{Error: context.DeadlineExceeded, Status: http.StatusGatewayTimeout},
	}

	tests := []struct {
		name         string
		err          error
		expectedCode int
		expectedBody string
	}{
		{"mapped with message", fmt.Errorf("load: %w", errGone), http.StatusNotFound, `{"error":{"message":"item is gone"}}`},
		{"mapped without message", context.DeadlineExceeded, http.StatusGatewayTimeout, `{"error":{"message":"context deadline exceeded"}}`},
		{"unmapped", errors.New("pq: boom"), http.StatusInternalServerError, `{"error":{"message":"internal error"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, mappings)

			assert.Equal(t, tt.expectedCode, rec.Code)
			assert.JSONEq(t, tt.expectedBody, rec.Body.String())
		})
	}
}

func TestSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	Success(rec, http.StatusCreated, map[string]int{"id": 1})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"id":1}}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Lane string `json:"lane"`
	}

	t.Run("ok", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"lane":"a"}`))
		rec := httptest.NewRecorder()
		require.True(t, DecodeJSON(rec, req, &v))
		assert.Equal(t, "a", v.Lane)
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		rec := httptest.NewRecorder()
		assert.False(t, DecodeJSON(rec, req, &v))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		body := `{"lane":"` + strings.Repeat("x", MaxRequestBody) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		assert.False(t, DecodeJSON(rec, req, &v))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestValidationError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationError(rec, errors.New("bad input"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"validation error","details":"bad input"}}`, rec.Body.String())
}

func TestMetricsMiddleware_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		Text(w, http.StatusTeapot, "ok")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
