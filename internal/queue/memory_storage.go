package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/lanequeue/internal/domain"
)

// MemoryStorage implements Storage, StatsReader and ItemReader in process memory.
// It backs unit tests and local development; a single mutex makes every
// conditional write one indivisible compare-and-write step.
type MemoryStorage struct {
	mu     sync.Mutex
	items  map[int64]*domain.QueueItem
	nextID int64
	now    func() time.Time
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items: make(map[int64]*domain.QueueItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SelectOldestQueued implements Storage.
func (ms *MemoryStorage) SelectOldestQueued(ctx context.Context, filter *QueryFilter) ([]*domain.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	busy := make(map[string]bool)
	for _, item := range ms.items {
		if item.Status == domain.QueueStatusRunning {
			busy[item.Lane] = true
		}
	}

	oldest := make(map[string]*domain.QueueItem)
	for _, item := range ms.items {
		if busy[item.Lane] || !filter.Matches(item) {
			continue
		}
		current, ok := oldest[item.Lane]
		if !ok || compareAge(item, current) < 0 {
			oldest[item.Lane] = item
		}
	}

	result := make([]*domain.QueueItem, 0, len(oldest))
	for _, item := range oldest {
		result = append(result, item.Clone())
	}

	orderBy, direction := filter.Order()
	slices.SortFunc(result, func(a, b *domain.QueueItem) int {
		c := compareField(orderBy, a, b)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if direction == Descending {
			return -c
		}
		return c
	})

	if limit := filter.Limit(); limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// ConditionalWrite implements Storage.
func (ms *MemoryStorage) ConditionalWrite(ctx context.Context, item *domain.QueueItem, conditions []Condition) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()

	if item.IsNew() {
		ms.nextID++
		stored := item.Clone()
		stored.ID = ms.nextID
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		ms.items[stored.ID] = stored
		return stored.ID, 1, nil
	}

	existing, ok := ms.items[item.ID]
	if !ok {
		return item.ID, 0, nil
	}
	for _, cond := range conditions {
		if !cond.Matches(existing) {
			return item.ID, 0, nil
		}
	}

	stored := item.Clone()
	stored.Lane = existing.Lane
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = now
	ms.items[item.ID] = stored

	return item.ID, 1, nil
}

// QueueStats implements StatsReader.
func (ms *MemoryStorage) QueueStats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	stats := &Stats{Total: len(ms.items)}
	for _, item := range ms.items {
		switch item.Status {
		case domain.QueueStatusQueued:
			stats.Queued++
		case domain.QueueStatusRunning:
			stats.Running++
		case domain.QueueStatusCompleted:
			stats.Completed++
		case domain.QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// GetItem implements ItemReader.
func (ms *MemoryStorage) GetItem(ctx context.Context, id int64) (*domain.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item.Clone(), nil
}

func compareAge(a, b *domain.QueueItem) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func compareField(field Field, a, b *domain.QueueItem) int {
	switch field {
	case FieldID:
		return cmp.Compare(a.ID, b.ID)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}
