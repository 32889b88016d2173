package dashboard

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"encore.app/pkg/keys"
)

// InvalidateAttendanceUpdate removes every derived cache entry affected by a
// write to one student's attendance: the student-scoped keys and the
// class-scoped keys, invalidated in parallel.
//
// This is a correctness-critical path. Any delete failure propagates to the
// caller; silently keeping stale derived data is worse than failing the
// write flow.
func (s *Service) InvalidateAttendanceUpdate(ctx context.Context, studentID, classID string) error {
	if studentID == "" || classID == "" {
		return fmt.Errorf("studentID and classID cannot be empty")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.invalidateStudentKeys(ctx, studentID) })
	g.Go(func() error { return s.invalidateClassKeys(ctx, classID) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to invalidate attendance update: %w", err)
	}

	s.metrics.Invalidations.Add(1)
	return nil
}

// InvalidateBulkAttendance handles whole-class attendance submission: every
// affected student's keys are invalidated, and the class keys exactly once.
func (s *Service) InvalidateBulkAttendance(ctx context.Context, studentIDs []string, classID string) error {
	if len(studentIDs) == 0 {
		return fmt.Errorf("studentIDs cannot be empty")
	}
	if classID == "" {
		return fmt.Errorf("classID cannot be empty")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, studentID := range studentIDs {
		studentID := studentID
		g.Go(func() error { return s.invalidateStudentKeys(ctx, studentID) })
	}
	g.Go(func() error { return s.invalidateClassKeys(ctx, classID) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to invalidate bulk attendance: %w", err)
	}

	s.metrics.Invalidations.Add(1)
	return nil
}

func (s *Service) invalidateStudentKeys(ctx context.Context, studentID string) error {
	if err := s.cache.Delete(ctx, keys.StudentMetrics(studentID)); err != nil {
		return fmt.Errorf("delete student metrics: %w", err)
	}
	if err := s.cache.Delete(ctx, keys.AttendanceHistory(studentID)); err != nil {
		return fmt.Errorf("delete attendance history: %w", err)
	}
	if _, err := s.cache.DeletePattern(ctx, keys.AttendanceHistoryPattern(studentID)); err != nil {
		return fmt.Errorf("delete filtered attendance history: %w", err)
	}
	if _, err := s.cache.DeletePattern(ctx, keys.WeeklyAttendancePattern(studentID)); err != nil {
		return fmt.Errorf("delete weekly attendance: %w", err)
	}
	return nil
}

func (s *Service) invalidateClassKeys(ctx context.Context, classID string) error {
	if err := s.cache.Delete(ctx, keys.ClassStatistics(classID)); err != nil {
		return fmt.Errorf("delete class statistics: %w", err)
	}
	// Covers the class average key and every ranking key.
	if _, err := s.cache.DeletePattern(ctx, keys.ClassPattern(classID)); err != nil {
		return fmt.Errorf("delete class-scoped keys: %w", err)
	}
	return nil
}

// InvalidateRequest invalidates derived entries after attendance writes.
// Provide StudentIDs for a bulk (whole-class) submission, StudentID for a
// single write.
type InvalidateRequest struct {
	StudentID  string   `json:"student_id,omitempty"`
	StudentIDs []string `json:"student_ids,omitempty"`
	ClassID    string   `json:"class_id"`
}

type InvalidateResponse struct {
	Success bool `json:"success"`
}

// InvalidateAttendance invalidates the cache entries affected by an
// attendance write.
//
//encore:api public method=POST path=/dashboard/invalidate
func InvalidateAttendance(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}

	var err error
	switch {
	case len(req.StudentIDs) > 0:
		err = svc.InvalidateBulkAttendance(ctx, req.StudentIDs, req.ClassID)
	case req.StudentID != "":
		err = svc.InvalidateAttendanceUpdate(ctx, req.StudentID, req.ClassID)
	default:
		return nil, fmt.Errorf("student_id or student_ids is required")
	}
	if err != nil {
		return nil, err
	}
	return &InvalidateResponse{Success: true}, nil
}
