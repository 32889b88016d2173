package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is the envelope pushed to live subscribers. The transport layer only
// sees this shape; payloads live in Data.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Event types emitted by the broadcast coordinator.
const (
	EventAttendanceChanged   = "attendance.changed"
	EventAttendanceCorrected = "attendance.corrected"
	EventMetricsUpdated      = "metrics.updated"
	EventClassSummary        = "class.summary"
)

// NewEvent builds an event envelope with a fresh ID and timestamp.
func NewEvent(eventType string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}
