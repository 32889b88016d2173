// Package realtime coordinates what happens after an attendance write: cache
// invalidation first, then event fan-out to live dashboard subscribers.
//
// Ordering matters. Invalidation runs before any push so a subscriber who
// reacts to an event by fetching fresh data can never read the stale entry
// the event was about. Invalidation failures abort the flow and surface to
// the at-least-once delivery machinery; push failures are logged and dropped
// because a missed live update heals on the next poll.
package realtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"encore.dev/rlog"

	"encore.app/dashboard"
	"encore.app/pkg/models"
)

// Invalidator removes derived cache entries affected by an attendance write.
type Invalidator interface {
	Invalidate(ctx context.Context, studentID string, studentIDs []string, classID string) error
}

// MetricsSource recomputes derived dashboard values after invalidation.
type MetricsSource interface {
	StudentMetrics(ctx context.Context, studentID string) (*models.StudentMetrics, error)
	ClassStatistics(ctx context.Context, classID string) (*models.ClassStatistics, error)
}

//encore:service
type Service struct {
	notifier    Notifier
	invalidator Invalidator
	metrics     MetricsSource

	stats Stats
}

// Stats tracks coordinator counters.
type Stats struct {
	WritesHandled   atomic.Int64
	Invalidations   atomic.Int64
	EventsPushed    atomic.Int64
	PushFailures    atomic.Int64
	RefreshFailures atomic.Int64
}

// NewService constructs a coordinator with explicit dependencies.
func NewService(notifier Notifier, invalidator Invalidator, metrics MetricsSource) *Service {
	return &Service{
		notifier:    notifier,
		invalidator: invalidator,
		metrics:     metrics,
	}
}

var svc *Service

func initService() (*Service, error) {
	svc = NewService(PubSubNotifier{}, dashboardInvalidator{}, dashboardMetrics{})
	return svc, nil
}

// HandleAttendanceWrite processes a single-student attendance write:
// invalidate derived entries, push the raw change, then push the student's
// recomputed metrics.
func (s *Service) HandleAttendanceWrite(ctx context.Context, ev *AttendanceWriteEvent) error {
	s.stats.WritesHandled.Add(1)

	if err := s.invalidator.Invalidate(ctx, ev.StudentID, nil, ev.ClassID); err != nil {
		return fmt.Errorf("failed to invalidate after attendance write: %w", err)
	}
	s.stats.Invalidations.Add(1)

	event := models.NewEvent(models.EventAttendanceChanged, map[string]interface{}{
		"student_id": ev.StudentID,
		"class_id":   ev.ClassID,
		"status":     ev.Status,
		"date":       ev.Date,
	})
	s.pushToStudent(ctx, ev.StudentID, &event)
	s.pushToClass(ctx, ev.ClassID, &event)

	s.pushStudentMetrics(ctx, ev.StudentID)
	return nil
}

// HandleCorrection processes a retroactive attendance correction. The pushed
// event carries the prior status and the correction reason so subscribers
// can render the change, not just the new value.
func (s *Service) HandleCorrection(ctx context.Context, ev *AttendanceWriteEvent) error {
	s.stats.WritesHandled.Add(1)

	if err := s.invalidator.Invalidate(ctx, ev.StudentID, nil, ev.ClassID); err != nil {
		return fmt.Errorf("failed to invalidate after correction: %w", err)
	}
	s.stats.Invalidations.Add(1)

	event := models.NewEvent(models.EventAttendanceCorrected, map[string]interface{}{
		"student_id":   ev.StudentID,
		"class_id":     ev.ClassID,
		"status":       ev.Status,
		"prior_status": ev.PriorStatus,
		"reason":       ev.Reason,
		"date":         ev.Date,
	})
	s.pushToStudent(ctx, ev.StudentID, &event)
	s.pushToClass(ctx, ev.ClassID, &event)

	s.pushStudentMetrics(ctx, ev.StudentID)
	return nil
}

// HandleBulkWrite processes a whole-class submission: one bulk invalidation,
// per-student metric pushes, and a single class summary event.
func (s *Service) HandleBulkWrite(ctx context.Context, ev *AttendanceWriteEvent) error {
	s.stats.WritesHandled.Add(1)

	if err := s.invalidator.Invalidate(ctx, "", ev.StudentIDs, ev.ClassID); err != nil {
		return fmt.Errorf("failed to invalidate after bulk write: %w", err)
	}
	s.stats.Invalidations.Add(1)

	for _, studentID := range ev.StudentIDs {
		s.pushStudentMetrics(ctx, studentID)
	}

	stats, err := s.metrics.ClassStatistics(ctx, ev.ClassID)
	if err != nil {
		s.stats.RefreshFailures.Add(1)
		rlog.Error("failed to recompute class statistics after bulk write", "class_id", ev.ClassID, "err", err)
		return nil
	}
	if stats == nil {
		return nil
	}

	event := models.NewEvent(models.EventClassSummary, map[string]interface{}{
		"class_id":           stats.ClassID,
		"total_students":     stats.TotalStudents,
		"average_attendance": stats.AverageAttendance,
		"students_at_risk":   stats.StudentsAtRisk,
		"status_counts":      statusCounts(ev),
		"date":               ev.Date,
	})
	s.pushToClass(ctx, ev.ClassID, &event)
	return nil
}

// statusCounts tallies a bulk write by status. Falls back to the shared
// batch status when no per-student statuses were reported.
func statusCounts(ev *AttendanceWriteEvent) map[string]int {
	counts := make(map[string]int)
	if len(ev.Statuses) > 0 {
		for _, studentID := range ev.StudentIDs {
			status := ev.Statuses[studentID]
			if status == "" {
				status = ev.Status
			}
			counts[status]++
		}
		return counts
	}
	if ev.Status != "" {
		counts[ev.Status] = len(ev.StudentIDs)
	}
	return counts
}

// pushStudentMetrics recomputes one student's metrics and pushes them as a
// metrics.updated event. Best-effort: the cache was already invalidated, so
// a failure here only delays the subscriber until their next fetch.
func (s *Service) pushStudentMetrics(ctx context.Context, studentID string) {
	m, err := s.metrics.StudentMetrics(ctx, studentID)
	if err != nil {
		s.stats.RefreshFailures.Add(1)
		rlog.Error("failed to recompute student metrics", "student_id", studentID, "err", err)
		return
	}

	event := models.NewEvent(models.EventMetricsUpdated, map[string]interface{}{
		"student_id":      m.StudentID,
		"attendance_rate": m.AttendanceRate,
		"trend":           m.Trend,
		"ranking":         m.Ranking,
	})
	s.pushToStudent(ctx, studentID, &event)
}

func (s *Service) pushToStudent(ctx context.Context, studentID string, event *models.Event) {
	if err := s.notifier.SendToStudent(ctx, studentID, event); err != nil {
		s.stats.PushFailures.Add(1)
		rlog.Error("failed to push student event", "student_id", studentID, "type", event.Type, "err", err)
		return
	}
	s.stats.EventsPushed.Add(1)
}

func (s *Service) pushToClass(ctx context.Context, classID string, event *models.Event) {
	if err := s.notifier.BroadcastToClass(ctx, classID, event); err != nil {
		s.stats.PushFailures.Add(1)
		rlog.Error("failed to push class event", "class_id", classID, "type", event.Type, "err", err)
		return
	}
	s.stats.EventsPushed.Add(1)
}

// dashboardInvalidator routes invalidation through the dashboard service.
type dashboardInvalidator struct{}

func (dashboardInvalidator) Invalidate(ctx context.Context, studentID string, studentIDs []string, classID string) error {
	_, err := dashboard.InvalidateAttendance(ctx, &dashboard.InvalidateRequest{
		StudentID:  studentID,
		StudentIDs: studentIDs,
		ClassID:    classID,
	})
	return err
}

// dashboardMetrics reads recomputed values through the dashboard service.
type dashboardMetrics struct{}

func (dashboardMetrics) StudentMetrics(ctx context.Context, studentID string) (*models.StudentMetrics, error) {
	return dashboard.StudentMetrics(ctx, studentID)
}

func (dashboardMetrics) ClassStatistics(ctx context.Context, classID string) (*models.ClassStatistics, error) {
	resp, err := dashboard.ClassStatistics(ctx, classID)
	if err != nil {
		return nil, err
	}
	return resp.Statistics, nil
}

// API surface.

// AttendanceWriteRequest reports a ledger change to the coordinator.
type AttendanceWriteRequest struct {
	StudentID   string            `json:"student_id,omitempty"`
	StudentIDs  []string          `json:"student_ids,omitempty"`
	ClassID     string            `json:"class_id"`
	Status      string            `json:"status,omitempty"`
	Statuses    map[string]string `json:"statuses,omitempty"`
	PriorStatus string            `json:"prior_status,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Correction  bool              `json:"correction,omitempty"`
}

type AttendanceWriteResponse struct {
	Accepted bool `json:"accepted"`
}

// ReportAttendanceWrite accepts a ledger change notification and hands it to
// the coordinator asynchronously via the attendance-writes topic.
//
//encore:api public method=POST path=/realtime/attendance
func ReportAttendanceWrite(ctx context.Context, req *AttendanceWriteRequest) (*AttendanceWriteResponse, error) {
	if req.ClassID == "" {
		return nil, fmt.Errorf("class_id is required")
	}
	if req.StudentID == "" && len(req.StudentIDs) == 0 {
		return nil, fmt.Errorf("student_id or student_ids is required")
	}

	_, err := AttendanceWrites.Publish(ctx, &AttendanceWriteEvent{
		StudentID:   req.StudentID,
		StudentIDs:  req.StudentIDs,
		ClassID:     req.ClassID,
		Status:      req.Status,
		Statuses:    req.Statuses,
		PriorStatus: req.PriorStatus,
		Reason:      req.Reason,
		Correction:  req.Correction,
		Date:        time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish attendance write: %w", err)
	}
	return &AttendanceWriteResponse{Accepted: true}, nil
}

// BroadcastRequest delivers an ad-hoc event to dashboard subscribers.
// Targets a student feed, a class feed, or both.
type BroadcastRequest struct {
	StudentID string                 `json:"student_id,omitempty"`
	ClassID   string                 `json:"class_id,omitempty"`
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

// Broadcast pushes an event to the named subscriber feeds.
//
//encore:api public method=POST path=/realtime/broadcast
func Broadcast(ctx context.Context, req *BroadcastRequest) (*BroadcastResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	if req.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	if req.StudentID == "" && req.ClassID == "" {
		return nil, fmt.Errorf("student_id or class_id is required")
	}

	event := models.NewEvent(req.EventType, req.Data)
	delivered := 0
	if req.StudentID != "" {
		if err := svc.notifier.SendToStudent(ctx, req.StudentID, &event); err != nil {
			return nil, fmt.Errorf("failed to push student event: %w", err)
		}
		svc.stats.EventsPushed.Add(1)
		delivered++
	}
	if req.ClassID != "" {
		if err := svc.notifier.BroadcastToClass(ctx, req.ClassID, &event); err != nil {
			return nil, fmt.Errorf("failed to push class event: %w", err)
		}
		svc.stats.EventsPushed.Add(1)
		delivered++
	}
	return &BroadcastResponse{Delivered: delivered}, nil
}

// CoordinatorStatsResponse reports coordinator counters.
type CoordinatorStatsResponse struct {
	WritesHandled   int64 `json:"writes_handled"`
	Invalidations   int64 `json:"invalidations"`
	EventsPushed    int64 `json:"events_pushed"`
	PushFailures    int64 `json:"push_failures"`
	RefreshFailures int64 `json:"refresh_failures"`
}

// CoordinatorStats returns coordinator counters.
//
//encore:api public method=GET path=/realtime/stats
func CoordinatorStats(ctx context.Context) (*CoordinatorStatsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return &CoordinatorStatsResponse{
		WritesHandled:   svc.stats.WritesHandled.Load(),
		Invalidations:   svc.stats.Invalidations.Load(),
		EventsPushed:    svc.stats.EventsPushed.Load(),
		PushFailures:    svc.stats.PushFailures.Load(),
		RefreshFailures: svc.stats.RefreshFailures.Load(),
	}, nil
}
