// Package models provides canonical data models shared across the attendance
// dashboard cache services.
//
// Design Philosophy:
// - Derived entities (StudentMetrics, ClassStatistics, StudentRanking) are
//   recomputed from the attendance ledger and replaced wholesale, never
//   mutated in place.
// - All rates are percentages in [0, 100] rounded to two decimal places.
// - Structs are plain data with explicit serialization tags; no behavior
//   beyond small derivation helpers.
package models

import (
	"math"
	"time"
)

// AttendanceStatus is the recorded state of a student for a single class day.
type AttendanceStatus string

const (
	StatusPresent   AttendanceStatus = "present"
	StatusAbsent    AttendanceStatus = "absent"
	StatusSick      AttendanceStatus = "sick"
	StatusLeave     AttendanceStatus = "leave"
	StatusNotMarked AttendanceStatus = "not_marked"
)

// Counted reports whether a status contributes to totalClasses.
// "not marked" days are placeholders and excluded from every rate.
func (s AttendanceStatus) Counted() bool {
	return s != StatusNotMarked && s != ""
}

// AttendanceRecord is a single entry in the attendance ledger.
type AttendanceRecord struct {
	StudentID string           `json:"student_id"`
	ClassID   string           `json:"class_id"`
	Status    AttendanceStatus `json:"status"`
	Date      time.Time        `json:"date"`
}

// Trend classifies the direction of a student's recent attendance.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// StudentMetrics is the derived per-student statistic set backing the
// student dashboard. Cached under `metrics:student:{studentId}`.
type StudentMetrics struct {
	StudentID      string    `json:"student_id"`
	TotalClasses   int       `json:"total_classes"`
	AttendanceRate float64   `json:"attendance_rate"` // 0-100, 2 decimals
	PresentDays    int       `json:"present_days"`
	AbsentDays     int       `json:"absent_days"`
	SickDays       int       `json:"sick_days"`
	LeaveDays      int       `json:"leave_days"`
	ClassAverage   float64   `json:"class_average"`
	Ranking        int       `json:"ranking"` // 1-based
	Trend          Trend     `json:"trend"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ClassStatistics is the derived per-class statistic set.
// Sourced preferentially from the materialized aggregate; falls back to
// on-the-fly computation when the aggregate source is unavailable.
// Cached under `metrics:class:{classId}`.
type ClassStatistics struct {
	ClassID           string    `json:"class_id"`
	ClassName         string    `json:"class_name"`
	TotalStudents     int       `json:"total_students"`
	AverageAttendance float64   `json:"average_attendance"`
	MedianAttendance  float64   `json:"median_attendance"`
	HighestAttendance float64   `json:"highest_attendance"`
	LowestAttendance  float64   `json:"lowest_attendance"`
	StudentsAtRisk    int       `json:"students_at_risk"` // rate < 75%
	LastCalculated    time.Time `json:"last_calculated"`
}

// StudentRanking is a student's position within their class, derived by
// sorting all class members' attendance rates descending (ties broken by
// roster order). Cached under `metrics:class:{classId}:rank:{studentId}`.
type StudentRanking struct {
	StudentID      string  `json:"student_id"`
	Rank           int     `json:"rank"` // 1-based
	TotalStudents  int     `json:"total_students"`
	Percentile     float64 `json:"percentile"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// ClassAggregate is a row from the materialized class attendance summary.
// It may be stale by up to the aggregate refresh interval.
type ClassAggregate struct {
	ClassID           string    `json:"class_id"`
	ClassName         string    `json:"class_name"`
	TotalStudents     int       `json:"total_students"`
	AverageAttendance float64   `json:"average_attendance"`
	MedianAttendance  float64   `json:"median_attendance"`
	HighestAttendance float64   `json:"highest_attendance"`
	LowestAttendance  float64   `json:"lowest_attendance"`
	StudentsAtRisk    int       `json:"students_at_risk"`
	LastCalculated    time.Time `json:"last_calculated"`
}

// WeeklyAttendance is the per-student breakdown for one calendar week.
// Cached under `attendance:student:{studentId}:week:{weekOffset}`.
type WeeklyAttendance struct {
	StudentID  string    `json:"student_id"`
	WeekOffset int       `json:"week_offset"` // 0 = current week, 1 = last week, ...
	WeekStart  time.Time `json:"week_start"`
	Present    int       `json:"present"`
	Absent     int       `json:"absent"`
	Sick       int       `json:"sick"`
	Leave      int       `json:"leave"`
}

// Round2 rounds a rate to two decimal places. All externally visible rates
// and percentiles pass through this before being cached or returned.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
