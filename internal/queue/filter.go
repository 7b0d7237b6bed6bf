package queue

import (
	"slices"
	"time"

	"github.com/bissquit/lanequeue/internal/domain"
)

// Field names a queue item attribute that can be filtered or conditioned on.
type Field string

// Filterable fields.
const (
	FieldID        Field = "id"
	FieldLane      Field = "lane"
	FieldStatus    Field = "status"
	FieldPriority  Field = "priority"
	FieldTaskType  Field = "task_type"
	FieldRetries   Field = "retries"
	FieldCreatedAt Field = "created_at"
)

// Operator is a comparison supported by filters.
type Operator string

// Supported operators.
const (
	OpEquals    Operator = "="
	OpNotEquals Operator = "!="
)

// Direction is a sort direction.
type Direction string

// Sort directions.
const (
	Ascending  Direction = "ASC"
	Descending Direction = "DESC"
)

type fieldSpec struct {
	column    string
	orderable bool
	normalize func(v any) (any, bool)
	value     func(item *domain.QueueItem) any
}

var fieldSpecs = map[Field]fieldSpec{
	FieldID: {
		column:    "id",
		orderable: true,
		normalize: normalizeInt64,
		value:     func(i *domain.QueueItem) any { return i.ID },
	},
	FieldLane: {
		column:    "lane",
		normalize: normalizeString,
		value:     func(i *domain.QueueItem) any { return i.Lane },
	},
	FieldStatus: {
		column:    "status",
		normalize: normalizeStatus,
		value:     func(i *domain.QueueItem) any { return i.Status },
	},
	FieldPriority: {
		column:    "priority",
		normalize: normalizePriority,
		value:     func(i *domain.QueueItem) any { return i.Priority },
	},
	FieldTaskType: {
		column:    "task_type",
		normalize: normalizeString,
		value:     func(i *domain.QueueItem) any { return i.TaskType },
	},
	FieldRetries: {
		column:    "retries",
		normalize: normalizeInt,
		value:     func(i *domain.QueueItem) any { return i.Retries },
	},
	FieldCreatedAt: {
		column:    "created_at",
		orderable: true,
		normalize: normalizeTime,
		value:     func(i *domain.QueueItem) any { return i.CreatedAt },
	},
}

// Column returns the storage column backing the field.
func (f Field) Column() (string, bool) {
	spec, ok := fieldSpecs[f]
	return spec.column, ok
}

// Value extracts the field value from an item.
func (f Field) Value(item *domain.QueueItem) (any, bool) {
	spec, ok := fieldSpecs[f]
	if !ok {
		return nil, false
	}
	return spec.value(item), true
}

// Condition is a single normalized field comparison.
type Condition struct {
	Field    Field
	Operator Operator
	Value    any
}

// NewCondition validates and normalizes a comparison.
func NewCondition(field Field, op Operator, value any) (Condition, error) {
	spec, ok := fieldSpecs[field]
	if !ok {
		return Condition{}, &FilterError{Field: field, Reason: "unknown field"}
	}
	if op != OpEquals && op != OpNotEquals {
		return Condition{}, &FilterError{Field: field, Reason: "unsupported operator " + string(op)}
	}
	normalized, ok := spec.normalize(value)
	if !ok {
		return Condition{}, &FilterError{Field: field, Reason: "invalid value type or value"}
	}
	return Condition{Field: field, Operator: op, Value: normalized}, nil
}

// Matches reports whether the item satisfies the condition.
func (c Condition) Matches(item *domain.QueueItem) bool {
	actual, ok := c.Field.Value(item)
	if !ok {
		return false
	}
	equal := valuesEqual(actual, c.Value)
	if c.Operator == OpNotEquals {
		return !equal
	}
	return equal
}

// QueryFilter is a conjunction of conditions with an ordering and a limit.
type QueryFilter struct {
	conditions []Condition
	orderBy    Field
	direction  Direction
	limit      int
}

// NewQueryFilter returns an empty filter ordered by creation time, oldest first.
func NewQueryFilter() *QueryFilter {
	return &QueryFilter{orderBy: FieldCreatedAt, direction: Ascending}
}

// Where appends a condition.
func (f *QueryFilter) Where(field Field, op Operator, value any) error {
	cond, err := NewCondition(field, op, value)
	if err != nil {
		return err
	}
	f.conditions = append(f.conditions, cond)
	return nil
}

// OrderBy sets the result ordering.
func (f *QueryFilter) OrderBy(field Field, direction Direction) error {
	spec, ok := fieldSpecs[field]
	if !ok {
		return &FilterError{Field: field, Reason: "unknown field"}
	}
	if !spec.orderable {
		return &FilterError{Field: field, Reason: "field is not orderable"}
	}
	if direction != Ascending && direction != Descending {
		return &FilterError{Field: field, Reason: "unsupported direction " + string(direction)}
	}
	f.orderBy = field
	f.direction = direction
	return nil
}

// SetLimit caps the number of returned rows.
func (f *QueryFilter) SetLimit(limit int) error {
	if limit <= 0 {
		return &FilterError{Field: "limit", Reason: "limit must be positive"}
	}
	f.limit = limit
	return nil
}

// Conditions returns a copy of the filter conditions.
func (f *QueryFilter) Conditions() []Condition {
	return slices.Clone(f.conditions)
}

// Order returns the ordering field and direction.
func (f *QueryFilter) Order() (Field, Direction) {
	return f.orderBy, f.direction
}

// Limit returns the row limit, 0 meaning unlimited.
func (f *QueryFilter) Limit() int {
	return f.limit
}

// Matches reports whether the item satisfies every condition.
func (f *QueryFilter) Matches(item *domain.QueueItem) bool {
	for _, c := range f.conditions {
		if !c.Matches(item) {
			return false
		}
	}
	return true
}

// Conditions maps fields to values that must still hold in storage for a save
// to be applied. All comparisons are equality.
type Conditions map[Field]any

// build validates the map and returns conditions in a stable order.
func (c Conditions) build() ([]Condition, error) {
	if len(c) == 0 {
		return nil, nil
	}
	fields := make([]Field, 0, len(c))
	for field := range c {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	conds := make([]Condition, 0, len(fields))
	for _, field := range fields {
		cond, err := NewCondition(field, OpEquals, c[field])
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func valuesEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

func normalizeString(v any) (any, bool) {
	s, ok := v.(string)
	return s, ok
}

func normalizeInt64(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return nil, false
}

func normalizeInt(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	}
	return nil, false
}

func normalizeStatus(v any) (any, bool) {
	var status domain.QueueStatus
	switch s := v.(type) {
	case domain.QueueStatus:
		status = s
	case string:
		status = domain.QueueStatus(s)
	default:
		return nil, false
	}
	return status, status.IsValid()
}

func normalizePriority(v any) (any, bool) {
	var p domain.Priority
	switch n := v.(type) {
	case domain.Priority:
		p = n
	case int:
		p = domain.Priority(n)
	default:
		return nil, false
	}
	return p, p.Valid()
}

func normalizeTime(v any) (any, bool) {
	t, ok := v.(time.Time)
	return t, ok
}
