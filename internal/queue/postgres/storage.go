// Package postgres provides PostgreSQL implementation of queue storage.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/bissquit/lanequeue/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `id, lane, status, priority, task_type, payload, progress, retries,
	failure_description, created_at, queued_at, started_at, finished_at, failed_at, updated_at`

// Storage implements queue.Storage using PostgreSQL.
type Storage struct {
	db *pgxpool.Pool
}

// NewStorage creates a new PostgreSQL queue storage.
func NewStorage(db *pgxpool.Pool) *Storage {
	return &Storage{db: db}
}

// SelectOldestQueued returns the oldest matching item of each lane that has no
// running item. DISTINCT ON picks one row per lane; the correlated NOT EXISTS
// drops busy lanes.
func (s *Storage) SelectOldestQueued(ctx context.Context, filter *queue.QueryFilter) ([]*domain.QueueItem, error) {
	query, args, err := buildSelectQuery(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select oldest queued items: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}

	return items, nil
}

// ConditionalWrite inserts a new item or runs a single conditional UPDATE.
// Lane and created_at are never rewritten by an update.
func (s *Storage) ConditionalWrite(ctx context.Context, item *domain.QueueItem, conditions []queue.Condition) (int64, int64, error) {
	if item.IsNew() {
		id, err := s.insert(ctx, item)
		if err != nil {
			return 0, 0, err
		}
		return id, 1, nil
	}

	query, args, err := buildUpdateQuery(item, conditions)
	if err != nil {
		return 0, 0, err
	}

	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("update queue item: %w", err)
	}

	return item.ID, result.RowsAffected(), nil
}

func (s *Storage) insert(ctx context.Context, item *domain.QueueItem) (int64, error) {
	query := `
		INSERT INTO queue_items (lane, status, priority, task_type, payload, progress, retries,
			failure_description, created_at, queued_at, started_at, finished_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), $10, $11, $12, $13)
		RETURNING id
	`
	var createdAt *time.Time
	if !item.CreatedAt.IsZero() {
		createdAt = &item.CreatedAt
	}

	var id int64
	err := s.db.QueryRow(ctx, query,
		item.Lane,
		string(item.Status),
		int(item.Priority),
		item.TaskType,
		nullableJSON(item.Payload),
		item.Progress,
		item.Retries,
		item.FailureDescription,
		createdAt,
		item.QueuedAt,
		item.StartedAt,
		item.FinishedAt,
		item.FailedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert queue item: %w", err)
	}
	return id, nil
}

// GetItem retrieves a queue item by ID.
func (s *Storage) GetItem(ctx context.Context, id int64) (*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`

	item, err := scanItem(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// QueueStats returns item counts by status.
func (s *Storage) QueueStats(ctx context.Context) (*queue.Stats, error) {
	query := `SELECT status, COUNT(*) FROM queue_items GROUP BY status`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch domain.QueueStatus(status) {
		case domain.QueueStatusQueued:
			stats.Queued = count
		case domain.QueueStatusRunning:
			stats.Running = count
		case domain.QueueStatusCompleted:
			stats.Completed = count
		case domain.QueueStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}

	return stats, nil
}

func buildSelectQuery(filter *queue.QueryFilter) (string, []any, error) {
	var args []any
	var where []string

	for _, cond := range filter.Conditions() {
		clause, arg, err := conditionClause("q", cond, len(args)+1)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, arg)
	}
	where = append(where, `NOT EXISTS (
				SELECT 1 FROM queue_items r
				WHERE r.lane = q.lane AND r.status = 'running'
			)`)

	orderField, direction := filter.Order()
	orderColumn, ok := orderField.Column()
	if !ok {
		return "", nil, &queue.FilterError{Field: orderField, Reason: "unknown field"}
	}
	if direction != queue.Ascending && direction != queue.Descending {
		return "", nil, &queue.FilterError{Field: orderField, Reason: "unsupported direction"}
	}

	var b strings.Builder
	b.WriteString(`
		SELECT ` + itemColumns + `
		FROM (
			SELECT DISTINCT ON (q.lane) q.*
			FROM queue_items q
			WHERE `)
	b.WriteString(strings.Join(where, "\n\t\t\t\tAND "))
	b.WriteString(`
			ORDER BY q.lane, q.created_at ASC, q.id ASC
		) oldest
		ORDER BY `)
	fmt.Fprintf(&b, "oldest.%s %s, oldest.id %s", orderColumn, direction, direction)

	if limit := filter.Limit(); limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, "\n\t\tLIMIT $%d", len(args))
	}

	return b.String(), args, nil
}

func buildUpdateQuery(item *domain.QueueItem, conditions []queue.Condition) (string, []any, error) {
	args := []any{
		item.ID,
		string(item.Status),
		int(item.Priority),
		item.TaskType,
		nullableJSON(item.Payload),
		item.Progress,
		item.Retries,
		item.FailureDescription,
		item.QueuedAt,
		item.StartedAt,
		item.FinishedAt,
		item.FailedAt,
	}

	var b strings.Builder
	b.WriteString(`
		UPDATE queue_items
		SET status = $2, priority = $3, task_type = $4, payload = $5, progress = $6,
			retries = $7, failure_description = $8, queued_at = $9, started_at = $10,
			finished_at = $11, failed_at = $12, updated_at = NOW()
		WHERE id = $1`)

	for _, cond := range conditions {
		clause, arg, err := conditionClause("", cond, len(args)+1)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
		args = append(args, arg)
	}

	return b.String(), args, nil
}

func conditionClause(alias string, cond queue.Condition, argIndex int) (string, any, error) {
	column, ok := cond.Field.Column()
	if !ok {
		return "", nil, &queue.FilterError{Field: cond.Field, Reason: "unknown field"}
	}
	if alias != "" {
		column = alias + "." + column
	}

	var op string
	switch cond.Operator {
	case queue.OpEquals:
		op = "="
	case queue.OpNotEquals:
		op = "<>"
	default:
		return "", nil, &queue.FilterError{Field: cond.Field, Reason: "unsupported operator " + string(cond.Operator)}
	}

	return fmt.Sprintf("%s %s $%d", column, op, argIndex), bindValue(cond.Value), nil
}

// bindValue converts domain enums to their plain wire types.
func bindValue(v any) any {
	switch val := v.(type) {
	case domain.QueueStatus:
		return string(val)
	case domain.Priority:
		return int(val)
	}
	return v
}

func nullableJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var status string
	var priority int
	var payload []byte

	err := row.Scan(
		&item.ID,
		&item.Lane,
		&status,
		&priority,
		&item.TaskType,
		&payload,
		&item.Progress,
		&item.Retries,
		&item.FailureDescription,
		&item.CreatedAt,
		&item.QueuedAt,
		&item.StartedAt,
		&item.FinishedAt,
		&item.FailedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Status = domain.QueueStatus(status)
	item.Priority = domain.Priority(priority)
	item.Payload = payload
	return &item, nil
}
