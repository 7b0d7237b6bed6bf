// Package queue implements lane-partitioned queue selection and the conditional
// save used to claim items.
//
// Many lanes share one storage table. FindOldestQueuedItems returns at most one
// item per lane (the oldest queued one) and skips lanes that already have a
// running item. Selection is read-only and may race between dispatchers; the
// claim is the conditional save from queued to running, which exactly one
// caller wins.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/bissquit/lanequeue/internal/pkg/ctxlog"
)

// DefaultSelectionLimit is used when FindOldestQueuedItems gets a non-positive limit.
const DefaultSelectionLimit = 10

// Storage is the persistence collaborator of the repository.
type Storage interface {
	// SelectOldestQueued returns, for each lane without a running item, the
	// oldest item matching filter. At most filter.Limit() items are returned.
	SelectOldestQueued(ctx context.Context, filter *QueryFilter) ([]*domain.QueueItem, error)

	// ConditionalWrite inserts the item when its ID is zero, otherwise updates
	// the row matching the ID and every condition in one atomic statement.
	ConditionalWrite(ctx context.Context, item *domain.QueueItem, conditions []Condition) (id int64, rowsAffected int64, err error)
}

// StatsReader reports item counts per status.
type StatsReader interface {
	QueueStats(ctx context.Context) (*Stats, error)
}

// Stats contains queue item counts by status.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ItemReader loads a single item by ID.
type ItemReader interface {
	GetItem(ctx context.Context, id int64) (*domain.QueueItem, error)
}

// ItemRepository is the contract the dispatcher and the HTTP handler depend on.
type ItemRepository interface {
	FindOldestQueuedItems(ctx context.Context, priority domain.Priority, limit int) ([]*domain.QueueItem, error)
	SaveWithCondition(ctx context.Context, item *domain.QueueItem, conditions Conditions) (int64, error)
}

// Repository selects and saves queue items on top of a Storage.
type Repository struct {
	storage Storage
}

// NewRepository creates a new queue repository.
func NewRepository(storage Storage) *Repository {
	return &Repository{storage: storage}
}

// FindOldestQueuedItems returns the oldest queued item of every lane that has no
// running item, up to limit items (DefaultSelectionLimit when limit <= 0).
//
// Only domain.PriorityNormal is serviced here; any other level yields an empty
// result without touching storage. Storage failures are logged and reported as
// an empty result so a polling loop simply tries again on its next tick. Only
// a malformed filter is returned as an error.
func (r *Repository) FindOldestQueuedItems(ctx context.Context, priority domain.Priority, limit int) ([]*domain.QueueItem, error) {
	if priority != domain.PriorityNormal {
		return []*domain.QueueItem{}, nil
	}
	if limit <= 0 {
		limit = DefaultSelectionLimit
	}

	filter, err := oldestQueuedFilter(priority, limit)
	if err != nil {
		return nil, fmt.Errorf("build selection filter: %w", err)
	}

	items, err := r.storage.SelectOldestQueued(ctx, filter)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("queue selection failed, treating as empty",
			"priority", priority.String(),
			"limit", limit,
			"error", err,
		)
		recordSelectionFailure()
		return []*domain.QueueItem{}, nil
	}

	if len(items) > limit {
		items = items[:limit]
	}
	recordItemsSelected(len(items))

	return items, nil
}

// SaveWithCondition inserts a new item or updates an existing one only while
// every condition still holds for the stored row. It returns the item ID.
//
// An update that matches no row fails with ErrSaveConflict; callers use this
// to learn that another worker already moved the item. Conditions are
// validated for inserts too but have nothing to match against.
func (r *Repository) SaveWithCondition(ctx context.Context, item *domain.QueueItem, conditions Conditions) (int64, error) {
	if item == nil {
		return 0, ErrNilItem
	}

	conds, err := conditions.build()
	if err != nil {
		return 0, fmt.Errorf("build save conditions: %w", err)
	}

	isNew := item.IsNew()
	if isNew {
		conds = nil
	}

	id, affected, err := r.storage.ConditionalWrite(ctx, item, conds)
	if err != nil {
		return 0, fmt.Errorf("save queue item: %w", err)
	}

	if isNew {
		item.ID = id
		return id, nil
	}

	if affected == 0 {
		recordSaveConflict()
		return 0, fmt.Errorf("%w: item %d", ErrSaveConflict, item.ID)
	}

	return item.ID, nil
}

// IsSaveConflict reports whether err is a lost conditional save.
func IsSaveConflict(err error) bool {
	return errors.Is(err, ErrSaveConflict)
}

func oldestQueuedFilter(priority domain.Priority, limit int) (*QueryFilter, error) {
	filter := NewQueryFilter()
	if err := filter.Where(FieldPriority, OpEquals, priority); err != nil {
		return nil, err
	}
	if err := filter.Where(FieldStatus, OpEquals, domain.QueueStatusQueued); err != nil {
		return nil, err
	}
	if err := filter.OrderBy(FieldCreatedAt, Ascending); err != nil {
		return nil, err
	}
	if err := filter.SetLimit(limit); err != nil {
		return nil, err
	}
	return filter, nil
}
