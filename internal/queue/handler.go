package queue

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/bissquit/lanequeue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// MaxPreviewLimit caps the limit accepted by the selection preview endpoint.
const MaxPreviewLimit = 100

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrSaveConflict, Status: http.StatusConflict, Message: "queue item was modified concurrently"},
	{Error: ErrInvalidFilterParam, Status: http.StatusBadRequest},
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrNilItem, Status: http.StatusBadRequest, Message: "queue item is required"},
}

// Handler handles HTTP requests for the queue module.
type Handler struct {
	repo      ItemRepository
	items     ItemReader
	stats     StatsReader
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(repo ItemRepository, items ItemReader, stats StatsReader) *Handler {
	v := validator.New()
	// Report request fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})

	return &Handler{
		repo:      repo,
		items:     items,
		stats:     stats,
		validator: v,
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/items", h.EnqueueItem)
	r.Get("/items/oldest", h.ListOldestQueued)
	r.Get("/items/{id}", h.GetItem)
	r.Get("/stats", h.GetStats)
}

// EnqueueItemRequest represents request body for enqueueing an item.
type EnqueueItemRequest struct {
	Lane     string          `json:"lane" validate:"required,max=255"`
	TaskType string          `json:"task_type" validate:"required,max=255"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority" validate:"omitempty,oneof=high normal low"`
}

// EnqueueItem handles POST /items.
func (h *Handler) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req EnqueueItemRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	priority, _ := domain.ParsePriority(req.Priority)
	item := domain.NewQueueItem(req.Lane, req.TaskType, req.Payload, priority)

	id, err := h.repo.SaveWithCondition(r.Context(), item, nil)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	// Prefer the stored row so storage-assigned timestamps are returned.
	if stored, err := h.items.GetItem(r.Context(), id); err == nil {
		item = stored
	}

	httputil.Success(w, http.StatusCreated, item)
}

// ListOldestQueued handles GET /items/oldest.
// It previews the current selection; nothing is claimed.
func (h *Handler) ListOldestQueued(w http.ResponseWriter, r *http.Request) {
	priority, ok := domain.ParsePriority(r.URL.Query().Get("priority"))
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "invalid priority")
		return
	}

	limit := DefaultSelectionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxPreviewLimit {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	items, err := h.repo.FindOldestQueuedItems(r.Context(), priority, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid item id")
		return
	}

	item, err := h.items.GetItem(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.QueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}
