package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"encore.app/dashboard"
	"encore.app/realtime"
)

// Built-in job types.
const (
	JobTypeCacheInvalidate    = "cache.invalidate"
	JobTypeCacheWarm          = "cache.warm"
	JobTypeNotificationFanout = "notification.fanout"
)

// registerBuiltinProcessors wires the job types the dashboard platform
// enqueues against the services that execute them. All three are idempotent:
// invalidation and warming converge on cache state, fan-out re-delivery is
// tolerated by subscribers.
func registerBuiltinProcessors(s *Service) {
	s.RegisterProcessor(JobTypeCacheInvalidate, processCacheInvalidate)
	s.RegisterProcessor(JobTypeCacheWarm, processCacheWarm)
	s.RegisterProcessor(JobTypeNotificationFanout, processNotificationFanout)
}

func processCacheInvalidate(ctx context.Context, job *Job) (interface{}, error) {
	var req dashboard.InvalidateRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid cache.invalidate payload: %w", err)
	}
	return dashboard.InvalidateAttendance(ctx, &req)
}

func processCacheWarm(ctx context.Context, job *Job) (interface{}, error) {
	var req dashboard.WarmRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid cache.warm payload: %w", err)
	}
	return dashboard.WarmStudents(ctx, &req)
}

func processNotificationFanout(ctx context.Context, job *Job) (interface{}, error) {
	var req realtime.BroadcastRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid notification.fanout payload: %w", err)
	}
	return realtime.Broadcast(ctx, &req)
}
