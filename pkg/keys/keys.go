// Package keys defines the cache key naming convention for the attendance
// dashboard and the glob matching used for pattern-based invalidation.
//
// The naming convention is load-bearing: pattern deletes rely on it, so every
// producer and invalidator must build keys through this package rather than
// concatenating strings inline.
//
// Key layout:
//
//	metrics:student:{studentId}
//	metrics:class:{classId}
//	metrics:class:{classId}:average
//	metrics:class:{classId}:rank:{studentId}
//	attendance:student:{studentId}:week:{weekOffset}
//	attendance:history:{studentId}[:{filtersHash}]
package keys

import "fmt"

// StudentMetrics is the cache key for a student's derived metrics.
func StudentMetrics(studentID string) string {
	return "metrics:student:" + studentID
}

// ClassStatistics is the cache key for a class's derived statistics.
func ClassStatistics(classID string) string {
	return "metrics:class:" + classID
}

// ClassAverage is the cache key for a class's average attendance rate,
// cached separately from the full statistics for cheap lookups.
func ClassAverage(classID string) string {
	return "metrics:class:" + classID + ":average"
}

// ClassRank is the cache key for one student's ranking within a class.
func ClassRank(classID, studentID string) string {
	return "metrics:class:" + classID + ":rank:" + studentID
}

// ClassPattern matches every class-scoped derived key except the bare
// statistics key: the average key and all ranking keys.
func ClassPattern(classID string) string {
	return "metrics:class:" + classID + ":*"
}

// WeeklyAttendance is the cache key for one student's week breakdown.
// weekOffset 0 is the current week, 1 the week before, and so on.
func WeeklyAttendance(studentID string, weekOffset int) string {
	return fmt.Sprintf("attendance:student:%s:week:%d", studentID, weekOffset)
}

// WeeklyAttendancePattern matches all weekly keys for a student.
func WeeklyAttendancePattern(studentID string) string {
	return "attendance:student:" + studentID + ":week:*"
}

// AttendanceHistory is the cache key for a student's unfiltered history.
func AttendanceHistory(studentID string) string {
	return "attendance:history:" + studentID
}

// AttendanceHistoryFiltered is the cache key for a filtered history view.
// The hash is produced by FiltersHash so equal filter sets share an entry.
func AttendanceHistoryFiltered(studentID, filtersHash string) string {
	return "attendance:history:" + studentID + ":" + filtersHash
}

// AttendanceHistoryPattern matches all filtered history keys for a student.
// The unfiltered key must be deleted separately: a bare trailing wildcard on
// the student ID would also match other students whose IDs share the prefix.
func AttendanceHistoryPattern(studentID string) string {
	return "attendance:history:" + studentID + ":*"
}
