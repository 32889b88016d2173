package realtime

import (
	"context"
	"time"

	"encore.dev/pubsub"

	"encore.app/pkg/models"
)

// AttendanceWriteEvent is published whenever the attendance ledger changes.
// Exactly one of StudentID or StudentIDs is set: single write or whole-class
// bulk submission. Bulk writes carry per-student statuses in Statuses; when
// Statuses is empty the whole batch shares Status. Correction writes carry
// the prior status and a reason.
type AttendanceWriteEvent struct {
	StudentID   string            `json:"student_id,omitempty"`
	StudentIDs  []string          `json:"student_ids,omitempty"`
	ClassID     string            `json:"class_id"`
	Status      string            `json:"status,omitempty"`
	Statuses    map[string]string `json:"statuses,omitempty"`
	PriorStatus string            `json:"prior_status,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Correction  bool              `json:"correction"`
	Date        time.Time         `json:"date"`
}

// StudentEvent targets the subscribers watching one student's dashboard.
type StudentEvent struct {
	StudentID string        `json:"student_id"`
	Event     *models.Event `json:"event"`
}

// ClassEvent targets the subscribers watching one class dashboard.
type ClassEvent struct {
	ClassID string        `json:"class_id"`
	Event   *models.Event `json:"event"`
}

// AttendanceWrites carries ledger change notifications from the write path
// into the coordinator. At-least-once delivery; the handler is idempotent
// because invalidation and recomputation converge on the same cache state.
var AttendanceWrites = pubsub.NewTopic[*AttendanceWriteEvent]("attendance-writes", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})

// StudentEvents fans student-scoped dashboard events out to push delivery.
var StudentEvents = pubsub.NewTopic[*StudentEvent]("student-events", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})

// ClassEvents fans class-scoped dashboard events out to push delivery.
var ClassEvents = pubsub.NewTopic[*ClassEvent]("class-events", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})

var _ = pubsub.NewSubscription(AttendanceWrites, "coordinate-attendance-write", pubsub.SubscriptionConfig[*AttendanceWriteEvent]{
	Handler: handleAttendanceWrite,
})

func handleAttendanceWrite(ctx context.Context, ev *AttendanceWriteEvent) error {
	if svc == nil {
		return nil
	}
	switch {
	case len(ev.StudentIDs) > 0:
		return svc.HandleBulkWrite(ctx, ev)
	case ev.Correction:
		return svc.HandleCorrection(ctx, ev)
	default:
		return svc.HandleAttendanceWrite(ctx, ev)
	}
}

// Notifier delivers events to dashboard subscribers. The production
// implementation publishes to the fan-out topics; tests substitute an
// in-memory recorder.
type Notifier interface {
	// SendToStudent delivers an event to the subscribers of one student's
	// dashboard.
	SendToStudent(ctx context.Context, studentID string, event *models.Event) error

	// BroadcastToClass delivers an event to the subscribers of one class
	// dashboard.
	BroadcastToClass(ctx context.Context, classID string, event *models.Event) error
}

// PubSubNotifier publishes dashboard events to the fan-out topics.
type PubSubNotifier struct{}

func (PubSubNotifier) SendToStudent(ctx context.Context, studentID string, event *models.Event) error {
	_, err := StudentEvents.Publish(ctx, &StudentEvent{StudentID: studentID, Event: event})
	return err
}

func (PubSubNotifier) BroadcastToClass(ctx context.Context, classID string, event *models.Event) error {
	_, err := ClassEvents.Publish(ctx, &ClassEvent{ClassID: classID, Event: event})
	return err
}
