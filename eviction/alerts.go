package eviction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"encore.dev/rlog"

	"encore.app/pkg/cachestore"
)

// AlertSeverity grades how urgent an alert is.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert names raised by the monitor.
const (
	AlertMemoryHigh     = "memory_high"
	AlertMemoryCritical = "memory_critical"
	AlertHitRateLow     = "hit_rate_low"
)

// Alert is one active condition. Alerts are edge-triggered: raised when a
// condition starts, resolved when it clears, never re-logged in between.
type Alert struct {
	Name        string        `json:"name"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	Value       float64       `json:"value"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// alertRegistry holds the currently active alerts. The logging transport is
// the only delivery channel; the registry exists so operators can also poll
// active conditions over the API.
type alertRegistry struct {
	mu     sync.Mutex
	active map[string]*Alert

	raised   int64
	resolved int64
}

func newAlertRegistry() *alertRegistry {
	return &alertRegistry{active: make(map[string]*Alert)}
}

// trigger raises an alert if it is not already active, updating the
// observed value either way.
func (r *alertRegistry) trigger(name string, severity AlertSeverity, message string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[name]; ok {
		existing.Value = value
		return
	}

	r.active[name] = &Alert{
		Name:        name,
		Severity:    severity,
		Message:     message,
		Value:       value,
		TriggeredAt: time.Now(),
	}
	r.raised++
	rlog.Warn("cache alert raised",
		"alert", name,
		"severity", severity,
		"message", message,
		"value", value)
}

// resolve clears an alert if it is active.
func (r *alertRegistry) resolve(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.active[name]
	if !ok {
		return
	}
	delete(r.active, name)
	r.resolved++
	rlog.Info("cache alert resolved",
		"alert", name,
		"active_for", time.Since(alert.TriggeredAt))
}

func (r *alertRegistry) snapshot() ([]Alert, int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alerts := make([]Alert, 0, len(r.active))
	for _, a := range r.active {
		alerts = append(alerts, *a)
	}
	return alerts, r.raised, r.resolved
}

// maintainAlerts raises and resolves alerts from one statistics snapshot.
func (s *Service) maintainAlerts(mem cachestore.MemoryStats, usage float64) {
	switch {
	case usage >= s.cfg.CriticalPercent:
		s.alerts.trigger(AlertMemoryCritical, SeverityCritical,
			fmt.Sprintf("cache memory usage at %.1f%%, critical threshold %.0f%%", usage, s.cfg.CriticalPercent),
			usage)
		s.alerts.resolve(AlertMemoryHigh)
	case usage >= s.cfg.AlertPercent:
		s.alerts.trigger(AlertMemoryHigh, SeverityWarning,
			fmt.Sprintf("cache memory usage at %.1f%%, alert threshold %.0f%%", usage, s.cfg.AlertPercent),
			usage)
		s.alerts.resolve(AlertMemoryCritical)
	default:
		s.alerts.resolve(AlertMemoryHigh)
		s.alerts.resolve(AlertMemoryCritical)
	}

	// Hit rate is noise until the store has seen real traffic.
	if mem.Hits+mem.Misses >= s.cfg.HitRateMinOps {
		hitPct := mem.HitRate() * 100
		if hitPct < s.cfg.HitRatePercent {
			s.alerts.trigger(AlertHitRateLow, SeverityWarning,
				fmt.Sprintf("cache hit rate at %.1f%%, threshold %.0f%%", hitPct, s.cfg.HitRatePercent),
				hitPct)
		} else {
			s.alerts.resolve(AlertHitRateLow)
		}
	}
}

// AlertsResponse lists active alerts and lifetime counters.
type AlertsResponse struct {
	Active   []Alert `json:"active"`
	Raised   int64   `json:"raised"`
	Resolved int64   `json:"resolved"`
}

// ActiveAlerts returns the currently active cache alerts.
//
//encore:api public method=GET path=/eviction/alerts
func ActiveAlerts(ctx context.Context) (*AlertsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	active, raised, resolved := svc.alerts.snapshot()
	return &AlertsResponse{Active: active, Raised: raised, Resolved: resolved}, nil
}
