package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/bissquit/lanequeue/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// TaskHandler executes a claimed queue item.
type TaskHandler interface {
	Handle(ctx context.Context, item *domain.QueueItem) error
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, item *domain.QueueItem) error

// Handle calls f(ctx, item).
func (f TaskHandlerFunc) Handle(ctx context.Context, item *domain.QueueItem) error {
	return f(ctx, item)
}

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	NumWorkers     int
	ClaimRate      float64 // claims per second across all workers, 0 = unlimited
	ClaimBurst     int
	MaxRetries     int
	HandlerTimeout time.Duration // 0 = no timeout
	SaveAttempts   int           // tries for the outcome save of a claimed item
	SaveBackoff    time.Duration // first pause between outcome save tries, doubled each time
}

const maxSaveBackoff = 10 * time.Second

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:      DefaultSelectionLimit,
		PollInterval:   1 * time.Second,
		NumWorkers:     2,
		ClaimRate:      0,
		ClaimBurst:     1,
		MaxRetries:     3,
		HandlerTimeout: 5 * time.Minute,
		SaveAttempts:   5,
		SaveBackoff:    200 * time.Millisecond,
	}
}

// Dispatcher polls lanes, claims items and runs registered task handlers.
type Dispatcher struct {
	id      uuid.UUID
	config  DispatcherConfig
	repo    ItemRepository
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(config DispatcherConfig, repo ItemRepository) *Dispatcher {
	limit := rate.Inf
	if config.ClaimRate > 0 {
		limit = rate.Limit(config.ClaimRate)
	}
	burst := config.ClaimBurst
	if burst <= 0 {
		burst = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.SaveAttempts <= 0 {
		config.SaveAttempts = DefaultDispatcherConfig().SaveAttempts
	}
	if config.SaveBackoff <= 0 {
		config.SaveBackoff = DefaultDispatcherConfig().SaveBackoff
	}

	return &Dispatcher{
		id:       uuid.New(),
		config:   config,
		repo:     repo,
		limiter:  rate.NewLimiter(limit, burst),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]TaskHandler),
		stopCh:   make(chan struct{}),
	}
}

// ID returns the dispatcher instance identifier used in logs.
func (d *Dispatcher) ID() uuid.UUID {
	return d.id
}

// Register binds a handler to a task type, replacing any previous one.
func (d *Dispatcher) Register(taskType string, handler TaskHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[taskType] = handler
}

func (d *Dispatcher) handler(taskType string) (TaskHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[taskType]
	return h, ok
}

// Start launches worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.RLock()
	registered := len(d.handlers)
	d.mu.RUnlock()
	if registered == 0 {
		slog.Warn("dispatcher not started: no task handlers registered", "dispatcher_id", d.id)
		return ErrNoHandlers
	}

	slog.Info("starting dispatcher",
		"dispatcher_id", d.id,
		"workers", d.config.NumWorkers,
		"batch_size", d.config.BatchSize,
		"poll_interval", d.config.PollInterval,
		"handlers", registered,
	)

	for i := 0; i < d.config.NumWorkers; i++ {
		d.wg.Add(1)
		go d.run(ctx, i)
	}
	return nil
}

// Stop gracefully stops all workers. In-flight handlers run to completion.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	slog.Info("dispatcher stopped", "dispatcher_id", d.id)
}

func (d *Dispatcher) run(ctx context.Context, workerID int) {
	defer d.wg.Done()

	ctx, _ = ctxlog.With(ctx, "dispatcher_id", d.id.String(), "worker", workerID)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.processBatch(ctx)
		}
	}
}

// processBatch polls once and processes every item this worker manages to claim.
// It returns the number of claims won.
func (d *Dispatcher) processBatch(ctx context.Context) int {
	logger := ctxlog.FromContext(ctx)

	items, err := d.repo.FindOldestQueuedItems(ctx, domain.PriorityNormal, d.config.BatchSize)
	if err != nil {
		logger.Error("failed to select queued items", "error", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	logger.Debug("selected queued items", "count", len(items))

	won := 0
	for _, item := range items {
		select {
		case <-d.stopCh:
			return won
		default:
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return won
		}
		if !d.claim(ctx, item) {
			continue
		}
		won++
		d.execute(ctx, item)
	}
	return won
}

// claim transitions the item from queued to running. Only one concurrent
// caller can win for a given item. Every requeue bumps Retries, so matching
// it rejects a snapshot taken before another worker's attempt.
func (d *Dispatcher) claim(ctx context.Context, item *domain.QueueItem) bool {
	logger := ctxlog.FromContext(ctx)

	conditions := Conditions{
		FieldStatus:  domain.QueueStatusQueued,
		FieldRetries: item.Retries,
	}
	item.Start(d.now())
	_, err := d.repo.SaveWithCondition(ctx, item, conditions)
	if err != nil {
		if errors.Is(err, ErrSaveConflict) {
			logger.Debug("claim lost", "item_id", item.ID, "lane", item.Lane)
			recordClaim("lost")
			return false
		}
		logger.Error("failed to claim item", "item_id", item.ID, "lane", item.Lane, "error", err)
		recordClaim("error")
		return false
	}

	recordClaim("won")
	return true
}

func (d *Dispatcher) execute(ctx context.Context, item *domain.QueueItem) {
	// Handlers inherit the item attributes through ctx.
	ctx, logger := ctxlog.With(ctx, "item_id", item.ID, "lane", item.Lane, "task_type", item.TaskType)
	start := time.Now()

	var err error
	handler, ok := d.handler(item.TaskType)
	if !ok {
		err = NewNonRetryableError(fmt.Errorf("%w: %s", ErrHandlerNotFound, item.TaskType))
	} else {
		err = d.invoke(ctx, handler, item)
	}
	duration := time.Since(start)

	outcome := d.settle(item, err)

	// The claimed item must leave running even when the dispatcher is shutting down.
	if saveErr := d.saveOutcome(context.WithoutCancel(ctx), item); saveErr != nil {
		logger.Error("failed to save item outcome", "outcome", outcome, "error", saveErr)
	}

	recordProcessed(item.TaskType, outcome, duration)

	if err != nil {
		logger.Warn("task failed",
			"outcome", outcome,
			"retries", item.Retries,
			"max_retries", d.config.MaxRetries,
			"error", err,
		)
		return
	}
	logger.Debug("task completed", "duration", duration)
}

func (d *Dispatcher) invoke(ctx context.Context, handler TaskHandler, item *domain.QueueItem) (err error) {
	if d.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewNonRetryableError(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return handler.Handle(ctx, item.Clone())
}

// saveOutcome persists a settled item, retrying storage errors with
// exponential backoff. A conflict means the row left running elsewhere and is
// not retried.
func (d *Dispatcher) saveOutcome(ctx context.Context, item *domain.QueueItem) error {
	wait := d.config.SaveBackoff

	var err error
	for attempt := 1; attempt <= d.config.SaveAttempts; attempt++ {
		_, err = d.repo.SaveWithCondition(ctx, item, Conditions{FieldStatus: domain.QueueStatusRunning})
		if err == nil || errors.Is(err, ErrSaveConflict) || attempt == d.config.SaveAttempts {
			break
		}

		ctxlog.FromContext(ctx).Warn("failed to save item outcome, retrying",
			"attempt", attempt,
			"max_attempts", d.config.SaveAttempts,
			"backoff", wait,
			"error", err,
		)
		time.Sleep(wait)
		wait = min(wait*2, maxSaveBackoff)
	}
	return err
}

// settle applies the handler result to the item and returns the outcome label.
func (d *Dispatcher) settle(item *domain.QueueItem, err error) string {
	now := d.now()
	switch {
	case err == nil:
		item.Finish(now)
		return "completed"
	case isRetryable(err) && item.Retries < d.config.MaxRetries:
		item.Requeue(now, err.Error())
		return "requeued"
	default:
		item.Fail(now, err.Error())
		return "failed"
	}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
