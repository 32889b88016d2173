package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/cachestore"
	"encore.app/pkg/keys"
	"encore.app/pkg/models"
)

// fakeSource simulates the attendance ledger and its materialized aggregate.
type fakeSource struct {
	mu         sync.Mutex
	records    map[string][]models.AttendanceRecord
	roster     map[string][]string
	classOf    map[string]string
	aggregates map[string]*models.ClassAggregate
	aggErr     error
	recordsErr error
	calls      int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:    make(map[string][]models.AttendanceRecord),
		roster:     make(map[string][]string),
		classOf:    make(map[string]string),
		aggregates: make(map[string]*models.ClassAggregate),
	}
}

func (f *fakeSource) AttendanceRecords(ctx context.Context, studentID string) ([]models.AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.recordsErr != nil {
		return nil, f.recordsErr
	}
	return f.records[studentID], nil
}

func (f *fakeSource) ClassAggregate(ctx context.Context, classID string) (*models.ClassAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	if agg, ok := f.aggregates[classID]; ok {
		return agg, nil
	}
	return &models.ClassAggregate{ClassID: classID, LastCalculated: time.Now()}, nil
}

func (f *fakeSource) StudentsInClass(ctx context.Context, classID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roster[classID], nil
}

func (f *fakeSource) StudentClass(ctx context.Context, studentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	classID, ok := f.classOf[studentID]
	if !ok {
		return "", errors.New("not enrolled")
	}
	return classID, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// addStudent enrolls a student with presentDays present out of totalDays.
func (f *fakeSource) addStudent(studentID, classID string, presentDays, totalDays int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classOf[studentID] = classID
	f.roster[classID] = append(f.roster[classID], studentID)

	var records []models.AttendanceRecord
	for i := 0; i < totalDays; i++ {
		status := models.StatusAbsent
		if i < presentDays {
			status = models.StatusPresent
		}
		records = append(records, models.AttendanceRecord{
			StudentID: studentID,
			ClassID:   classID,
			Status:    status,
			Date:      time.Now().AddDate(0, 0, -i),
		})
	}
	f.records[studentID] = records
}

func setupTestService() (*Service, *fakeSource, *cachestore.MemStore) {
	source := newFakeSource()
	store := cachestore.NewMemStore()
	cfg := DefaultConfig()
	cfg.RefreshTimeout = 2 * time.Second
	return NewService(store, source, cfg), source, store
}

func TestStudentMetrics_StatusCounts(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.classOf["s1"] = "c1"
	source.roster["c1"] = []string{"s1"}
	source.records["s1"] = []models.AttendanceRecord{
		{StudentID: "s1", Status: models.StatusPresent, Date: time.Now()},
		{StudentID: "s1", Status: models.StatusPresent, Date: time.Now().AddDate(0, 0, -1)},
		{StudentID: "s1", Status: models.StatusAbsent, Date: time.Now().AddDate(0, 0, -2)},
		{StudentID: "s1", Status: models.StatusSick, Date: time.Now().AddDate(0, 0, -3)},
	}
	source.aggregates["c1"] = &models.ClassAggregate{ClassID: "c1", TotalStudents: 1, AverageAttendance: 50}

	m, err := svc.GetStudentMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if m.TotalClasses != 4 {
		t.Errorf("Expected 4 total classes, got %d", m.TotalClasses)
	}
	if m.PresentDays != 2 || m.AbsentDays != 1 || m.SickDays != 1 || m.LeaveDays != 0 {
		t.Errorf("Expected 2/1/1/0 status counts, got %d/%d/%d/%d",
			m.PresentDays, m.AbsentDays, m.SickDays, m.LeaveDays)
	}
	if m.AttendanceRate != 50.00 {
		t.Errorf("Expected attendance rate 50.00, got %v", m.AttendanceRate)
	}
	if m.Ranking != 1 {
		t.Errorf("Expected rank 1 in single-student class, got %d", m.Ranking)
	}
}

func TestStudentMetrics_NotMarkedExcluded(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.classOf["s1"] = "c1"
	source.roster["c1"] = []string{"s1"}
	source.records["s1"] = []models.AttendanceRecord{
		{StudentID: "s1", Status: models.StatusPresent, Date: time.Now()},
		{StudentID: "s1", Status: models.StatusNotMarked, Date: time.Now().AddDate(0, 0, -1)},
	}

	m, err := svc.GetStudentMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.TotalClasses != 1 {
		t.Errorf("not_marked should not count toward total classes, got %d", m.TotalClasses)
	}
	if m.AttendanceRate != 100.00 {
		t.Errorf("Expected rate 100.00, got %v", m.AttendanceRate)
	}
}

func TestStudentMetrics_NoRecords(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.classOf["s1"] = "c1"
	source.roster["c1"] = []string{"s1"}

	m, err := svc.GetStudentMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.AttendanceRate != 0 {
		t.Errorf("Zero classes should yield rate 0, got %v", m.AttendanceRate)
	}
	if m.Trend != models.TrendStable {
		t.Errorf("Expected stable trend with no records, got %s", m.Trend)
	}
}

func TestAttendanceRate_Rounding(t *testing.T) {
	if got := attendanceRate(1, 3); got != 33.33 {
		t.Errorf("Expected 33.33, got %v", got)
	}
	if got := attendanceRate(2, 3); got != 66.67 {
		t.Errorf("Expected 66.67, got %v", got)
	}
	if got := attendanceRate(0, 0); got != 0 {
		t.Errorf("Expected 0 for zero total, got %v", got)
	}
	if got := attendanceRate(5, 5); got != 100 {
		t.Errorf("Expected 100, got %v", got)
	}
}

func TestClassStatistics_LiveFallback(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.aggErr = errors.New("aggregate source down")
	source.addStudent("s1", "c1", 9, 10) // 90%
	source.addStudent("s2", "c1", 8, 10) // 80%
	source.addStudent("s3", "c1", 7, 10) // 70%

	stats, err := svc.GetClassStatistics(ctx, "c1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats == nil {
		t.Fatal("Expected statistics, got nil")
	}

	if stats.AverageAttendance != 80.00 {
		t.Errorf("Expected average 80.00, got %v", stats.AverageAttendance)
	}
	if stats.MedianAttendance != 80.00 {
		t.Errorf("Expected median 80.00, got %v", stats.MedianAttendance)
	}
	if stats.HighestAttendance != 90.00 || stats.LowestAttendance != 70.00 {
		t.Errorf("Expected extrema 90.00/70.00, got %v/%v",
			stats.HighestAttendance, stats.LowestAttendance)
	}
	if stats.StudentsAtRisk != 0 {
		t.Errorf("No rate below 75, expected 0 at risk, got %d", stats.StudentsAtRisk)
	}
}

func TestClassStatistics_AtRisk(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.aggErr = errors.New("aggregate source down")
	source.addStudent("s1", "c1", 6, 10) // 60%
	source.addStudent("s2", "c1", 9, 10) // 90%

	stats, err := svc.GetClassStatistics(ctx, "c1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.StudentsAtRisk != 1 {
		t.Errorf("Expected 1 student at risk, got %d", stats.StudentsAtRisk)
	}
}

func TestClassStatistics_EmptyClass(t *testing.T) {
	svc, _, _ := setupTestService()
	ctx := context.Background()

	stats, err := svc.GetClassStatistics(ctx, "empty")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats != nil {
		t.Errorf("Expected nil for empty class, got %+v", stats)
	}
}

func TestStudentRanking_Permutation(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.addStudent("s1", "c1", 7, 10)
	source.addStudent("s2", "c1", 10, 10)
	source.addStudent("s3", "c1", 8, 10)
	source.addStudent("s4", "c1", 9, 10)

	seen := make(map[int]string)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		r, err := svc.GetStudentRanking(ctx, id, "c1")
		if err != nil {
			t.Fatalf("Unexpected error for %s: %v", id, err)
		}
		if r.Rank < 1 || r.Rank > 4 {
			t.Errorf("Rank out of range for %s: %d", id, r.Rank)
		}
		if prev, dup := seen[r.Rank]; dup {
			t.Errorf("Duplicate rank %d for %s and %s", r.Rank, prev, id)
		}
		seen[r.Rank] = id
	}
	if len(seen) != 4 {
		t.Errorf("Ranks should be a permutation of 1..4, got %v", seen)
	}

	top, _ := svc.GetStudentRanking(ctx, "s2", "c1")
	if top.Rank != 1 || top.Percentile != 100 {
		t.Errorf("Expected rank 1 / percentile 100, got %d / %v", top.Rank, top.Percentile)
	}
	bottom, _ := svc.GetStudentRanking(ctx, "s1", "c1")
	if bottom.Rank != 4 || bottom.Percentile != 25 {
		t.Errorf("Expected rank 4 / percentile 25, got %d / %v", bottom.Rank, bottom.Percentile)
	}
}

func TestStudentRanking_TiesKeepRosterOrder(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.addStudent("s1", "c1", 8, 10)
	source.addStudent("s2", "c1", 8, 10)

	first, err := svc.GetStudentRanking(ctx, "s1", "c1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := svc.GetStudentRanking(ctx, "s2", "c1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if first.Rank != 1 || second.Rank != 2 {
		t.Errorf("Tied rates should keep roster order, got %d and %d", first.Rank, second.Rank)
	}
}

func TestMedian_SingleElementPick(t *testing.T) {
	if got := median([]float64{70, 90, 80}); got != 80 {
		t.Errorf("Expected median 80, got %v", got)
	}
	// Even count picks index n/2 of the ascending sort, not the mean.
	if got := median([]float64{100, 70, 90, 80}); got != 90 {
		t.Errorf("Expected median 90 for even count, got %v", got)
	}
	if got := median(nil); got != 0 {
		t.Errorf("Expected 0 for empty input, got %v", got)
	}
}

func TestComputeTrend(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 14 * 24 * time.Hour

	build := func(recentPresent, recentTotal, priorPresent, priorTotal int) []models.AttendanceRecord {
		var records []models.AttendanceRecord
		for i := 0; i < recentTotal; i++ {
			status := models.StatusAbsent
			if i < recentPresent {
				status = models.StatusPresent
			}
			records = append(records, models.AttendanceRecord{
				Status: status, Date: now.AddDate(0, 0, -1-i),
			})
		}
		for i := 0; i < priorTotal; i++ {
			status := models.StatusAbsent
			if i < priorPresent {
				status = models.StatusPresent
			}
			records = append(records, models.AttendanceRecord{
				Status: status, Date: now.AddDate(0, 0, -15-i),
			})
		}
		return records
	}

	if got := computeTrend(build(6, 6, 3, 6), now, window, 10, 0.05); got != models.TrendImproving {
		t.Errorf("Expected improving, got %s", got)
	}
	if got := computeTrend(build(3, 6, 6, 6), now, window, 10, 0.05); got != models.TrendDeclining {
		t.Errorf("Expected declining, got %s", got)
	}
	if got := computeTrend(build(5, 6, 5, 6), now, window, 10, 0.05); got != models.TrendStable {
		t.Errorf("Expected stable for equal windows, got %s", got)
	}
	// Below the record minimum: always stable.
	if got := computeTrend(build(3, 3, 2, 3), now, window, 10, 0.05); got != models.TrendStable {
		t.Errorf("Expected stable below record minimum, got %s", got)
	}
	// Empty prior window: stable regardless of recent rate.
	if got := computeTrend(build(10, 10, 0, 0), now, window, 10, 0.05); got != models.TrendStable {
		t.Errorf("Expected stable with empty prior window, got %s", got)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.addStudent("s1", "c1", 10, 10)

	// Seed the cache with an aged value inside the staleness window.
	old := &models.StudentMetrics{StudentID: "s1", AttendanceRate: 42, LastUpdated: time.Now().Add(-5 * time.Minute)}
	svc.cacheValue(ctx, keys.StudentMetrics("s1"), old, 30*time.Second)

	got, err := svc.GetStudentMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.AttendanceRate != 42 {
		t.Errorf("Stale hit should return the old value, got rate %v", got.AttendanceRate)
	}
	if svc.metrics.StaleServes.Load() != 1 {
		t.Errorf("Expected 1 stale serve, got %d", svc.metrics.StaleServes.Load())
	}

	// Wait for the background refresh to overwrite the entry.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fresh, err := svc.GetStudentMetrics(ctx, "s1")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if fresh.AttendanceRate == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Background refresh never landed, still seeing rate %v", fresh.AttendanceRate)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetStudentMetrics_MissComputesSynchronously(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.addStudent("s1", "c1", 5, 10)

	m, err := svc.GetStudentMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.AttendanceRate != 50.00 {
		t.Errorf("Expected 50.00, got %v", m.AttendanceRate)
	}
	if svc.metrics.Misses.Load() != 1 {
		t.Errorf("Expected 1 miss, got %d", svc.metrics.Misses.Load())
	}

	// Second read is a fresh hit and must not touch the ledger.
	before := source.callCount()
	if _, err := svc.GetStudentMetrics(ctx, "s1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if source.callCount() != before {
		t.Error("Fresh cache hit should not query the ledger")
	}
}

func TestGetStudentMetrics_MissWithSourceDownErrors(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.recordsErr = errors.New("ledger down")
	if _, err := svc.GetStudentMetrics(ctx, "s1"); err == nil {
		t.Error("Cache miss with ledger down must error, not return zero values")
	}
}

func TestInvalidateAttendanceUpdate_Idempotent(t *testing.T) {
	svc, _, store := setupTestService()
	ctx := context.Background()

	seed := func() {
		store.Set(ctx, keys.StudentMetrics("s1"), []byte("m"), time.Hour)
		store.Set(ctx, keys.AttendanceHistory("s1"), []byte("h"), time.Hour)
		store.Set(ctx, keys.AttendanceHistoryFiltered("s1", "abcd"), []byte("hf"), time.Hour)
		store.Set(ctx, keys.WeeklyAttendance("s1", 0), []byte("w"), time.Hour)
		store.Set(ctx, keys.ClassStatistics("c1"), []byte("cs"), time.Hour)
		store.Set(ctx, keys.ClassAverage("c1"), []byte("ca"), time.Hour)
		store.Set(ctx, keys.ClassRank("c1", "s1"), []byte("r"), time.Hour)
	}
	seed()

	if err := svc.InvalidateAttendanceUpdate(ctx, "s1", "c1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Second call over the already-empty key set must also succeed.
	if err := svc.InvalidateAttendanceUpdate(ctx, "s1", "c1"); err != nil {
		t.Fatalf("Second invalidation should be idempotent, got %v", err)
	}

	for _, key := range []string{
		keys.StudentMetrics("s1"),
		keys.AttendanceHistory("s1"),
		keys.AttendanceHistoryFiltered("s1", "abcd"),
		keys.WeeklyAttendance("s1", 0),
		keys.ClassStatistics("c1"),
		keys.ClassAverage("c1"),
		keys.ClassRank("c1", "s1"),
	} {
		if _, ok, _ := store.Get(ctx, key); ok {
			t.Errorf("Key %s should be invalidated", key)
		}
	}
}

// failingStore wraps a Store and fails deletes.
type failingStore struct {
	cachestore.Store
	err error
}

func (f *failingStore) Delete(ctx context.Context, key string) error { return f.err }

func TestInvalidation_FailurePropagates(t *testing.T) {
	source := newFakeSource()
	store := &failingStore{Store: cachestore.NewMemStore(), err: errors.New("store down")}
	svc := NewService(store, source, DefaultConfig())

	if err := svc.InvalidateAttendanceUpdate(context.Background(), "s1", "c1"); err == nil {
		t.Error("Invalidation failure must propagate to the caller")
	}
}

func TestInvalidateBulkAttendance(t *testing.T) {
	svc, _, store := setupTestService()
	ctx := context.Background()

	store.Set(ctx, keys.StudentMetrics("s1"), []byte("m1"), time.Hour)
	store.Set(ctx, keys.StudentMetrics("s2"), []byte("m2"), time.Hour)
	store.Set(ctx, keys.StudentMetrics("s3"), []byte("m3"), time.Hour)
	store.Set(ctx, keys.ClassStatistics("c1"), []byte("cs"), time.Hour)

	if err := svc.InvalidateBulkAttendance(ctx, []string{"s1", "s2"}, "c1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, ok, _ := store.Get(ctx, keys.StudentMetrics("s1")); ok {
		t.Error("s1 metrics should be invalidated")
	}
	if _, ok, _ := store.Get(ctx, keys.StudentMetrics("s2")); ok {
		t.Error("s2 metrics should be invalidated")
	}
	if _, ok, _ := store.Get(ctx, keys.StudentMetrics("s3")); !ok {
		t.Error("s3 metrics should be untouched")
	}
	if _, ok, _ := store.Get(ctx, keys.ClassStatistics("c1")); ok {
		t.Error("class statistics should be invalidated")
	}
}

func TestComputeWeeklyAttendance(t *testing.T) {
	// Wednesday; the week starts Monday 2026-02-23.
	now := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	records := []models.AttendanceRecord{
		{Status: models.StatusPresent, Date: time.Date(2026, 2, 23, 8, 0, 0, 0, time.UTC)},
		{Status: models.StatusAbsent, Date: time.Date(2026, 2, 24, 8, 0, 0, 0, time.UTC)},
		{Status: models.StatusSick, Date: time.Date(2026, 2, 25, 8, 0, 0, 0, time.UTC)},
		// Previous week, excluded at offset 0.
		{Status: models.StatusPresent, Date: time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)},
	}

	week := computeWeeklyAttendance("s1", 0, records, now)
	if week.Present != 1 || week.Absent != 1 || week.Sick != 1 || week.Leave != 0 {
		t.Errorf("Expected 1/1/1/0, got %d/%d/%d/%d",
			week.Present, week.Absent, week.Sick, week.Leave)
	}

	lastWeek := computeWeeklyAttendance("s1", 1, records, now)
	if lastWeek.Present != 1 {
		t.Errorf("Expected 1 present in previous week, got %d", lastWeek.Present)
	}
}

func TestFilterRecords(t *testing.T) {
	records := []models.AttendanceRecord{
		{ClassID: "c1", Status: models.StatusPresent, Date: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
		{ClassID: "c1", Status: models.StatusAbsent, Date: time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)},
		{ClassID: "c2", Status: models.StatusPresent, Date: time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)},
	}

	byStatus := filterRecords(records, map[string]string{"status": "present"})
	if len(byStatus) != 2 {
		t.Errorf("Expected 2 present records, got %d", len(byStatus))
	}

	byClass := filterRecords(records, map[string]string{"class_id": "c2"})
	if len(byClass) != 1 {
		t.Errorf("Expected 1 c2 record, got %d", len(byClass))
	}

	byRange := filterRecords(records, map[string]string{"from": "2026-01-11", "to": "2026-01-12"})
	if len(byRange) != 1 || byRange[0].Status != models.StatusAbsent {
		t.Errorf("Expected only the 01-11 record, got %v", byRange)
	}

	all := filterRecords(records, nil)
	if len(all) != 3 {
		t.Errorf("Nil filters should pass everything, got %d", len(all))
	}
}

func TestWarmStudentCache(t *testing.T) {
	svc, source, store := setupTestService()
	ctx := context.Background()

	source.addStudent("fresh", "c1", 9, 10)
	source.addStudent("cold", "c1", 8, 10)

	// "fresh" already has a healthy entry; only "cold" should refresh.
	store.Set(ctx, keys.StudentMetrics("fresh"), []byte("m"), time.Hour)

	result, err := svc.WarmStudentCache(ctx, []string{"fresh", "cold"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", result.Skipped)
	}
	if result.Refreshed != 1 {
		t.Errorf("Expected 1 refreshed, got %d", result.Refreshed)
	}
	if result.Failed != 0 {
		t.Errorf("Expected 0 failed, got %d", result.Failed)
	}

	if _, ok, _ := store.Get(ctx, keys.StudentMetrics("cold")); !ok {
		t.Error("cold student's metrics should be cached after warming")
	}
}

func TestGetAttendanceHistory_FilteredCacheKeys(t *testing.T) {
	svc, source, store := setupTestService()
	ctx := context.Background()

	source.addStudent("s1", "c1", 5, 10)

	if _, err := svc.GetAttendanceHistory(ctx, "s1", nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.GetAttendanceHistory(ctx, "s1", map[string]string{"status": "present"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, ok, _ := store.Get(ctx, keys.AttendanceHistory("s1")); !ok {
		t.Error("Unfiltered history should be cached under the bare key")
	}
	hash := keys.FiltersHash(map[string]string{"status": "present"})
	if _, ok, _ := store.Get(ctx, keys.AttendanceHistoryFiltered("s1", hash)); !ok {
		t.Error("Filtered history should be cached under the hashed key")
	}
}

func TestGetWeeklyAttendance_RejectsNegativeOffset(t *testing.T) {
	svc, _, _ := setupTestService()
	if _, err := svc.GetWeeklyAttendance(context.Background(), "s1", -1); err == nil {
		t.Error("Expected error for negative week offset")
	}
	if _, err := svc.GetWeeklyAttendance(context.Background(), "", 0); err == nil {
		t.Error("Expected error for empty student ID")
	}
}

func TestServiceMetricsCounters(t *testing.T) {
	svc, source, _ := setupTestService()
	ctx := context.Background()

	source.addStudent("s1", "c1", 5, 10)

	svc.GetStudentMetrics(ctx, "s1") // miss
	svc.GetStudentMetrics(ctx, "s1") // hit

	if svc.metrics.Misses.Load() != 1 {
		t.Errorf("Expected 1 miss, got %d", svc.metrics.Misses.Load())
	}
	if svc.metrics.Hits.Load() != 1 {
		t.Errorf("Expected 1 hit, got %d", svc.metrics.Hits.Load())
	}
}
