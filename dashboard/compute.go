package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"encore.app/pkg/keys"
	"encore.app/pkg/models"
)

// computeAndCacheStudentMetrics recomputes a student's metrics from the
// ledger and replaces the cache entry wholesale.
func (s *Service) computeAndCacheStudentMetrics(ctx context.Context, studentID string) (*models.StudentMetrics, error) {
	metrics, err := s.computeStudentMetrics(ctx, studentID)
	if err != nil {
		return nil, err
	}
	s.cacheValue(ctx, keys.StudentMetrics(studentID), metrics, s.cfg.MetricsTTL)
	return metrics, nil
}

func (s *Service) computeStudentMetrics(ctx context.Context, studentID string) (*models.StudentMetrics, error) {
	records, err := s.source.AttendanceRecords(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance records: %w", err)
	}

	metrics := &models.StudentMetrics{
		StudentID:   studentID,
		Trend:       computeTrend(records, time.Now(), s.cfg.TrendWindow, s.cfg.TrendMinRecords, s.cfg.TrendDelta),
		LastUpdated: time.Now(),
	}

	for _, r := range records {
		if !r.Status.Counted() {
			continue
		}
		metrics.TotalClasses++
		switch r.Status {
		case models.StatusPresent:
			metrics.PresentDays++
		case models.StatusAbsent:
			metrics.AbsentDays++
		case models.StatusSick:
			metrics.SickDays++
		case models.StatusLeave:
			metrics.LeaveDays++
		}
	}
	metrics.AttendanceRate = attendanceRate(metrics.PresentDays, metrics.TotalClasses)

	classID, err := s.source.StudentClass(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve student class: %w", err)
	}

	stats, err := s.GetClassStatistics(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to load class statistics: %w", err)
	}
	if stats != nil {
		metrics.ClassAverage = stats.AverageAttendance
	}

	ranking, err := s.GetStudentRanking(ctx, studentID, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to load student ranking: %w", err)
	}
	metrics.Ranking = ranking.Rank

	return metrics, nil
}

// computeAndCacheClassStatistics recomputes class statistics, preferring the
// materialized aggregate and falling back to on-the-fly computation when the
// aggregate source fails.
func (s *Service) computeAndCacheClassStatistics(ctx context.Context, classID string) (*models.ClassStatistics, error) {
	stats, err := s.computeClassStatistics(ctx, classID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, nil // empty class, nothing to cache
	}
	s.cacheValue(ctx, keys.ClassStatistics(classID), stats, s.cfg.ClassTTL)
	s.cacheValue(ctx, keys.ClassAverage(classID), stats.AverageAttendance, s.cfg.ClassTTL)
	return stats, nil
}

func (s *Service) computeClassStatistics(ctx context.Context, classID string) (*models.ClassStatistics, error) {
	agg, err := s.source.ClassAggregate(ctx, classID)
	if err == nil && agg != nil {
		if agg.TotalStudents == 0 {
			return nil, nil
		}
		return &models.ClassStatistics{
			ClassID:           agg.ClassID,
			ClassName:         agg.ClassName,
			TotalStudents:     agg.TotalStudents,
			AverageAttendance: models.Round2(agg.AverageAttendance),
			MedianAttendance:  models.Round2(agg.MedianAttendance),
			HighestAttendance: models.Round2(agg.HighestAttendance),
			LowestAttendance:  models.Round2(agg.LowestAttendance),
			StudentsAtRisk:    agg.StudentsAtRisk,
			LastCalculated:    agg.LastCalculated,
		}, nil
	}

	// Aggregate source unavailable: degrade to on-the-fly computation.
	return s.computeClassStatisticsLive(ctx, classID)
}

func (s *Service) computeClassStatisticsLive(ctx context.Context, classID string) (*models.ClassStatistics, error) {
	students, err := s.source.StudentsInClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to load class roster: %w", err)
	}
	if len(students) == 0 {
		return nil, nil
	}

	rates := make([]float64, 0, len(students))
	atRisk := 0
	for _, studentID := range students {
		rate, err := s.studentAttendanceRate(ctx, studentID)
		if err != nil {
			return nil, err
		}
		rates = append(rates, rate)
		if rate < s.cfg.AtRiskThreshold {
			atRisk++
		}
	}

	sum, highest, lowest := 0.0, rates[0], rates[0]
	for _, r := range rates {
		sum += r
		if r > highest {
			highest = r
		}
		if r < lowest {
			lowest = r
		}
	}

	return &models.ClassStatistics{
		ClassID:           classID,
		ClassName:         classID,
		TotalStudents:     len(students),
		AverageAttendance: models.Round2(sum / float64(len(rates))),
		MedianAttendance:  models.Round2(median(rates)),
		HighestAttendance: models.Round2(highest),
		LowestAttendance:  models.Round2(lowest),
		StudentsAtRisk:    atRisk,
		LastCalculated:    time.Now(),
	}, nil
}

func (s *Service) computeStudentRanking(ctx context.Context, studentID, classID string) (*models.StudentRanking, error) {
	students, err := s.source.StudentsInClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to load class roster: %w", err)
	}
	if len(students) == 0 {
		return nil, fmt.Errorf("class %s has no students", classID)
	}

	type ranked struct {
		studentID string
		rate      float64
	}
	members := make([]ranked, 0, len(students))
	for _, id := range students {
		rate, err := s.studentAttendanceRate(ctx, id)
		if err != nil {
			return nil, err
		}
		members = append(members, ranked{studentID: id, rate: rate})
	}

	// Ties keep roster order: stable sort over the first-seen ordering.
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].rate > members[j].rate
	})

	for i, m := range members {
		if m.studentID == studentID {
			rank := i + 1
			total := len(members)
			return &models.StudentRanking{
				StudentID:      studentID,
				Rank:           rank,
				TotalStudents:  total,
				Percentile:     models.Round2(float64(total-rank+1) / float64(total) * 100),
				AttendanceRate: m.rate,
			}, nil
		}
	}

	return nil, fmt.Errorf("student %s is not enrolled in class %s", studentID, classID)
}

// studentAttendanceRate computes one student's rate from the ledger.
// A student with no counted records has rate 0.
func (s *Service) studentAttendanceRate(ctx context.Context, studentID string) (float64, error) {
	records, err := s.source.AttendanceRecords(ctx, studentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load attendance records for %s: %w", studentID, err)
	}

	total, present := 0, 0
	for _, r := range records {
		if !r.Status.Counted() {
			continue
		}
		total++
		if r.Status == models.StatusPresent {
			present++
		}
	}
	return attendanceRate(present, total), nil
}

// attendanceRate is presentDays/totalClasses as a percentage, 2 decimals.
// Zero total yields zero, never a division by zero.
func attendanceRate(present, total int) float64 {
	if total == 0 {
		return 0
	}
	return models.Round2(float64(present) / float64(total) * 100)
}

// computeTrend compares the present-rate of the most recent window against
// the window before it. Fewer than minRecords total records, or an empty
// window on either side, yields a stable trend.
func computeTrend(records []models.AttendanceRecord, now time.Time, window time.Duration, minRecords int, delta float64) models.Trend {
	if len(records) < minRecords {
		return models.TrendStable
	}

	recentStart := now.Add(-window)
	priorStart := now.Add(-2 * window)

	recent, recentOK := windowPresentRate(records, recentStart, now)
	prior, priorOK := windowPresentRate(records, priorStart, recentStart)
	if !recentOK || !priorOK {
		return models.TrendStable
	}

	switch diff := recent - prior; {
	case diff > delta:
		return models.TrendImproving
	case diff < -delta:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

// windowPresentRate returns the fraction of counted records in [from, to)
// that are present, and whether the window held any counted records.
func windowPresentRate(records []models.AttendanceRecord, from, to time.Time) (float64, bool) {
	total, present := 0, 0
	for _, r := range records {
		if r.Date.Before(from) || !r.Date.Before(to) {
			continue
		}
		if !r.Status.Counted() {
			continue
		}
		total++
		if r.Status == models.StatusPresent {
			present++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(present) / float64(total), true
}

// median returns the middle element of the rates sorted ascending. For
// even-length input this picks the element at index n/2, a single-element
// pick rather than the average of the two middle values. The convention is
// deliberate and must stay aligned with the materialized aggregate's
// percentile_disc computation.
func median(rates []float64) float64 {
	if len(rates) == 0 {
		return 0
	}
	sorted := make([]float64, len(rates))
	copy(sorted, rates)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// computeWeeklyAttendance buckets a student's records into one calendar week.
// Weeks start on Monday; offset 0 is the week containing now.
func computeWeeklyAttendance(studentID string, weekOffset int, records []models.AttendanceRecord, now time.Time) *models.WeeklyAttendance {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week that started the prior Monday
	}
	day := now.Truncate(24 * time.Hour)
	weekStart := day.AddDate(0, 0, -(weekday - 1) - 7*weekOffset)
	weekEnd := weekStart.AddDate(0, 0, 7)

	week := &models.WeeklyAttendance{
		StudentID:  studentID,
		WeekOffset: weekOffset,
		WeekStart:  weekStart,
	}
	for _, r := range records {
		if r.Date.Before(weekStart) || !r.Date.Before(weekEnd) {
			continue
		}
		switch r.Status {
		case models.StatusPresent:
			week.Present++
		case models.StatusAbsent:
			week.Absent++
		case models.StatusSick:
			week.Sick++
		case models.StatusLeave:
			week.Leave++
		}
	}
	return week
}

// filterRecords applies the supported history filters. Unknown filter names
// are ignored rather than rejected so clients can evolve independently.
func filterRecords(records []models.AttendanceRecord, filters map[string]string) []models.AttendanceRecord {
	if len(filters) == 0 {
		return records
	}

	out := make([]models.AttendanceRecord, 0, len(records))
	for _, r := range records {
		if status, ok := filters["status"]; ok && string(r.Status) != status {
			continue
		}
		if classID, ok := filters["class_id"]; ok && r.ClassID != classID {
			continue
		}
		if from, ok := filters["from"]; ok {
			if t, err := time.Parse("2006-01-02", from); err == nil && r.Date.Before(t) {
				continue
			}
		}
		if to, ok := filters["to"]; ok {
			if t, err := time.Parse("2006-01-02", to); err == nil && !r.Date.Before(t) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}
