// Package domain holds the entities shared by the queue repository, its storage
// backends and the dispatcher.
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// IsValid checks if the queue status is known.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusQueued, QueueStatusRunning,
		QueueStatusCompleted, QueueStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is expected.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// ParseStatus converts a string into a known QueueStatus.
func ParseStatus(value string) (QueueStatus, bool) {
	status := QueueStatus(strings.ToLower(strings.TrimSpace(value)))
	return status, status.IsValid()
}

// Priority is a closed set of scheduling levels. Lower values are more urgent.
//
// Only PriorityNormal is serviced by the lane selection query; the other levels
// are reserved for a separate fast-lane or background mechanism.
type Priority int

// Priority levels.
const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 100
	PriorityLow    Priority = 1000
)

// Valid checks if the priority is one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts either a level name ("high", "normal", "low") or its numeric value.
func ParsePriority(value string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	p := Priority(n)
	return p, p.Valid()
}

// MaxProgress is 100% expressed in base points.
const MaxProgress = 10000

// QueueItem is a unit of work stored in a lane.
type QueueItem struct {
	ID                 int64           `json:"id"`
	Lane               string          `json:"lane"`
	Status             QueueStatus     `json:"status"`
	Priority           Priority        `json:"priority"`
	TaskType           string          `json:"task_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Progress           int             `json:"progress"`
	Retries            int             `json:"retries"`
	FailureDescription string          `json:"failure_description,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	QueuedAt           *time.Time      `json:"queued_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	FailedAt           *time.Time      `json:"failed_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewQueueItem creates an unsaved item in queued state.
func NewQueueItem(lane, taskType string, payload json.RawMessage, priority Priority) *QueueItem {
	now := time.Now().UTC()
	return &QueueItem{
		Lane:      lane,
		Status:    QueueStatusQueued,
		Priority:  priority,
		TaskType:  taskType,
		Payload:   payload,
		CreatedAt: now,
		QueuedAt:  &now,
	}
}

// IsNew reports whether the item has not been persisted yet.
func (i *QueueItem) IsNew() bool {
	return i.ID == 0
}

// Start moves the item to running. The transition only takes effect once it is
// saved with a status=queued condition.
func (i *QueueItem) Start(now time.Time) {
	i.Status = QueueStatusRunning
	i.StartedAt = &now
	i.Progress = 0
}

// Finish marks the item as completed.
func (i *QueueItem) Finish(now time.Time) {
	i.Status = QueueStatusCompleted
	i.FinishedAt = &now
	i.Progress = MaxProgress
}

// Fail marks the item as permanently failed.
func (i *QueueItem) Fail(now time.Time, reason string) {
	i.Status = QueueStatusFailed
	i.FailedAt = &now
	i.FailureDescription = reason
	i.Retries++
}

// Requeue puts a failed attempt back at its lane position for another try.
// CreatedAt is kept so the item stays the oldest in its lane.
func (i *QueueItem) Requeue(now time.Time, reason string) {
	i.Status = QueueStatusQueued
	i.QueuedAt = &now
	i.StartedAt = nil
	i.FailureDescription = reason
	i.Retries++
	i.Progress = 0
}

// Clone returns a deep copy of the item.
func (i *QueueItem) Clone() *QueueItem {
	cp := *i
	if i.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	cp.QueuedAt = cloneTime(i.QueuedAt)
	cp.StartedAt = cloneTime(i.StartedAt)
	cp.FinishedAt = cloneTime(i.FinishedAt)
	cp.FailedAt = cloneTime(i.FailedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
