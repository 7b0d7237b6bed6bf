package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(repo ItemRepository) *Dispatcher {
	cfg := DefaultDispatcherConfig()
	cfg.MaxRetries = 2
	cfg.SaveBackoff = time.Millisecond
	return NewDispatcher(cfg, repo)
}

func TestDispatcher_ProcessBatch(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	a1 := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)
	a2 := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, time.Second)
	b1 := seed(t, repo, "b", domain.QueueStatusQueued, domain.PriorityNormal, 2*time.Second)

	var (
		mu   sync.Mutex
		seen []int64
	)
	d := newTestDispatcher(repo)
	d.Register("test", TaskHandlerFunc(func(_ context.Context, item *domain.QueueItem) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, domain.QueueStatusRunning, item.Status)
		seen = append(seen, item.ID)
		return nil
	}))

	won := d.processBatch(context.Background())
	assert.Equal(t, 2, won)
	assert.Equal(t, []int64{a1.ID, b1.ID}, seen)

	for _, id := range []int64{a1.ID, b1.ID} {
		stored, err := storage.GetItem(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusCompleted, stored.Status)
		assert.Equal(t, domain.MaxProgress, stored.Progress)
		assert.NotNil(t, stored.FinishedAt)
	}

	// The next tick picks up the second item of lane a.
	won = d.processBatch(context.Background())
	assert.Equal(t, 1, won)
	assert.Equal(t, []int64{a1.ID, b1.ID, a2.ID}, seen)

	assert.Equal(t, 0, d.processBatch(context.Background()))
}

func TestDispatcher_BusyLaneIsNotClaimed(t *testing.T) {
	repo := NewRepository(NewMemoryStorage())
	seed(t, repo, "a", domain.QueueStatusRunning, domain.PriorityNormal, 0)
	seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, time.Second)

	d := newTestDispatcher(repo)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		t.Fatal("handler must not run")
		return nil
	}))

	assert.Equal(t, 0, d.processBatch(context.Background()))
}

// racingRepository lets another worker claim every selected item first.
type racingRepository struct {
	*Repository
}

func (r racingRepository) FindOldestQueuedItems(ctx context.Context, priority domain.Priority, limit int) ([]*domain.QueueItem, error) {
	items, err := r.Repository.FindOldestQueuedItems(ctx, priority, limit)
	for _, item := range items {
		rival := item.Clone()
		rival.Start(time.Now().UTC())
		if _, err := r.SaveWithCondition(ctx, rival, Conditions{FieldStatus: domain.QueueStatusQueued}); err != nil {
			return nil, err
		}
	}
	return items, err
}

func TestDispatcher_LostClaimIsSkipped(t *testing.T) {
	repo := NewRepository(NewMemoryStorage())
	seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	d := newTestDispatcher(racingRepository{repo})
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		t.Fatal("handler must not run for a lost claim")
		return nil
	}))

	assert.Equal(t, 0, d.processBatch(context.Background()))
}

func TestDispatcher_Settle(t *testing.T) {
	tests := []struct {
		name           string
		retries        int
		handlerErr     error
		expectedStatus domain.QueueStatus
		expectedOut    string
	}{
		{"success", 0, nil, domain.QueueStatusCompleted, "completed"},
		{"retryable below limit", 0, errors.New("timeout"), domain.QueueStatusQueued, "requeued"},
		{"retryable at limit", 2, errors.New("timeout"), domain.QueueStatusFailed, "failed"},
		{"non-retryable", 0, NewNonRetryableError(errors.New("bad payload")), domain.QueueStatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(nil)
			item := &domain.QueueItem{ID: 1, Status: domain.QueueStatusRunning, Retries: tt.retries}

			outcome := d.settle(item, tt.handlerErr)
			assert.Equal(t, tt.expectedOut, outcome)
			assert.Equal(t, tt.expectedStatus, item.Status)
			if tt.handlerErr != nil {
				assert.Equal(t, tt.retries+1, item.Retries)
				assert.Equal(t, tt.handlerErr.Error(), item.FailureDescription)
			}
		})
	}
}

func TestDispatcher_RetryThenFail(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	calls := 0
	d := newTestDispatcher(repo)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		calls++
		return NewRetryableError(errors.New("upstream unavailable"))
	}))

	for i := 0; i < 5; i++ {
		d.processBatch(context.Background())
	}

	assert.Equal(t, 3, calls, "first attempt plus MaxRetries")

	stored, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Retries)
	assert.Equal(t, "upstream unavailable", stored.FailureDescription)
	assert.True(t, stored.CreatedAt.Equal(item.CreatedAt))
}

func TestDispatcher_MissingHandlerFails(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	d := newTestDispatcher(repo)
	d.Register("other", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error { return nil }))

	assert.Equal(t, 1, d.processBatch(context.Background()))

	stored, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureDescription, ErrHandlerNotFound.Error())
}

func TestDispatcher_HandlerPanicFails(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	d := newTestDispatcher(repo)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		panic("nil map")
	}))

	d.processBatch(context.Background())

	stored, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureDescription, "nil map")
}

func TestDispatcher_HandlerTimeout(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	cfg := DefaultDispatcherConfig()
	cfg.MaxRetries = 0
	cfg.HandlerTimeout = 10 * time.Millisecond
	d := NewDispatcher(cfg, repo)
	d.Register("test", TaskHandlerFunc(func(ctx context.Context, _ *domain.QueueItem) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	d.processBatch(context.Background())

	stored, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), stored.FailureDescription)
}

func TestDispatcher_StartWithoutHandlers(t *testing.T) {
	d := newTestDispatcher(NewRepository(NewMemoryStorage()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrNoHandlers)
}

func TestDispatcher_StartStop(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	cfg := DefaultDispatcherConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.NumWorkers = 3
	d := NewDispatcher(cfg, repo)

	done := make(chan struct{}, 1)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		done <- struct{}{}
		return nil
	}))

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("item was not processed")
	}

	assert.Eventually(t, func() bool {
		stored, err := storage.GetItem(context.Background(), item.ID)
		return err == nil && stored.Status == domain.QueueStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      NewRetryableError(errors.New("temporary error")),
			expected: true,
		},
		{
			name:     "non-retryable error",
			err:      NewNonRetryableError(errors.New("permanent error")),
			expected: false,
		},
		{
			name:     "wrapped non-retryable error",
			err:      errors.Join(errors.New("context"), NewNonRetryableError(errors.New("permanent error"))),
			expected: false,
		},
		{
			name:     "generic error defaults to retryable",
			err:      errors.New("unknown error"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}

func TestRetryableError(t *testing.T) {
	originalErr := errors.New("original error")

	t.Run("retryable error", func(t *testing.T) {
		err := NewRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.True(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})

	t.Run("non-retryable error", func(t *testing.T) {
		err := NewNonRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.False(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})
}

func TestDefaultDispatcherConfig(t *testing.T) {
	config := DefaultDispatcherConfig()

	assert.Equal(t, 10, config.BatchSize)
	assert.Equal(t, 1*time.Second, config.PollInterval)
	assert.Equal(t, 2, config.NumWorkers)
	assert.Equal(t, 0.0, config.ClaimRate)
	assert.Equal(t, 1, config.ClaimBurst)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 5*time.Minute, config.HandlerTimeout)
	assert.Equal(t, 5, config.SaveAttempts)
	assert.Equal(t, 200*time.Millisecond, config.SaveBackoff)
}

// flakyRepository fails the first outcome saves (status=running condition)
// with a storage error.
type flakyRepository struct {
	*Repository
	failures int
	calls    int
}

func (r *flakyRepository) SaveWithCondition(ctx context.Context, item *domain.QueueItem, conditions Conditions) (int64, error) {
	if conditions[FieldStatus] == domain.QueueStatusRunning {
		r.calls++
		if r.calls <= r.failures {
			return 0, errors.New("connection reset by peer")
		}
	}
	return r.Repository.SaveWithCondition(ctx, item, conditions)
}

func TestDispatcher_OutcomeSaveIsRetried(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	a1 := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)
	a2 := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, time.Second)

	flaky := &flakyRepository{Repository: repo, failures: 1}
	d := newTestDispatcher(flaky)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error { return nil }))

	assert.Equal(t, 1, d.processBatch(context.Background()))
	assert.Equal(t, 2, flaky.calls)

	stored, err := storage.GetItem(context.Background(), a1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, stored.Status)

	// The lane is free again.
	assert.Equal(t, 1, d.processBatch(context.Background()))
	stored, err = storage.GetItem(context.Background(), a2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, stored.Status)

	stats, err := storage.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Stats{Completed: 2, Total: 2}, stats)
}

func TestDispatcher_OutcomeSaveGivesUp(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	cfg := DefaultDispatcherConfig()
	cfg.SaveAttempts = 3
	cfg.SaveBackoff = time.Millisecond
	flaky := &flakyRepository{Repository: repo, failures: 100}
	d := NewDispatcher(cfg, flaky)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error { return nil }))

	d.processBatch(context.Background())
	assert.Equal(t, 3, flaky.calls)

	stored, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusRunning, stored.Status)
}

func TestDispatcher_StaleSnapshotCannotClaim(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	item := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)

	// Polled by a slow worker before anyone else touched the item.
	stale := item.Clone()

	d := newTestDispatcher(repo)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		return NewRetryableError(errors.New("upstream unavailable"))
	}))

	// Another worker claims, fails and requeues the item.
	assert.Equal(t, 1, d.processBatch(context.Background()))

	requeued, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueStatusQueued, requeued.Status)
	require.Equal(t, 1, requeued.Retries)

	assert.False(t, d.claim(context.Background(), stale))

	stored, err := storage.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Retries)
	assert.Equal(t, "upstream unavailable", stored.FailureDescription)
}

func TestDispatcher_StopEndsBatch(t *testing.T) {
	storage := NewMemoryStorage()
	repo := NewRepository(storage)
	a := seed(t, repo, "a", domain.QueueStatusQueued, domain.PriorityNormal, 0)
	b := seed(t, repo, "b", domain.QueueStatusQueued, domain.PriorityNormal, time.Second)

	d := newTestDispatcher(repo)
	d.Register("test", TaskHandlerFunc(func(context.Context, *domain.QueueItem) error {
		// No workers were started, so Stop returns at once.
		d.Stop()
		return nil
	}))

	assert.Equal(t, 1, d.processBatch(context.Background()))

	stored, err := storage.GetItem(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, stored.Status)

	stored, err = storage.GetItem(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, stored.Status)
}
