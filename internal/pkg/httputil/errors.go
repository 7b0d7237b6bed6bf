package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/lanequeue/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to a response status.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // empty means err.Error()
}

func lookup(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			return m, true
		}
	}
	return ErrorMapping{}, false
}

// HandleError writes the response for the first mapping err matches.
// Unmapped errors are logged and reported as 500 without their text.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	m, ok := lookup(err, mappings)
	if !ok {
		ctxlog.FromContext(ctx).Error("internal error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	ctxlog.FromContext(ctx).Debug("request rejected", "status", m.Status, "error", err)
	msg := m.Message
	if msg == "" {
		msg = err.Error()
	}
	Error(w, m.Status, msg)
}
