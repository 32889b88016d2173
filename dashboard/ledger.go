package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.dev/cron"
	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
)

// AttendanceSource is the narrow interface to the attendance ledger and its
// materialized class aggregate. The aggregate is refreshed out-of-band on a
// fixed interval and may be stale by up to that interval.
type AttendanceSource interface {
	// AttendanceRecords returns a student's ledger entries, newest first.
	AttendanceRecords(ctx context.Context, studentID string) ([]models.AttendanceRecord, error)

	// ClassAggregate returns the precomputed class summary, or an error if
	// the aggregate source is unavailable.
	ClassAggregate(ctx context.Context, classID string) (*models.ClassAggregate, error)

	// StudentsInClass returns the class roster in enrollment order.
	StudentsInClass(ctx context.Context, classID string) ([]string, error)

	// StudentClass returns the class a student is currently enrolled in.
	StudentClass(ctx context.Context, studentID string) (string, error)
}

// Database holding the attendance ledger and the class summary view.
var attendanceDB = sqldb.Named("attendance")

// SQLAttendanceSource reads the ledger from Postgres.
//
// Design decisions:
// - The class summary is a materialized view refreshed on a cron, so
//   aggregate reads cost one indexed row lookup instead of a full scan.
// - percentile_disc(0.5) in the view picks a single middle element, keeping
//   the view's median aligned with the on-the-fly fallback's convention.
type SQLAttendanceSource struct {
	db *sqldb.Database
}

// NewSQLAttendanceSource creates a ledger source and ensures its schema.
func NewSQLAttendanceSource(db *sqldb.Database) (*SQLAttendanceSource, error) {
	src := &SQLAttendanceSource{db: db}
	if err := src.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize attendance schema: %w", err)
	}
	return src, nil
}

func (src *SQLAttendanceSource) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS attendance_records (
			id BIGSERIAL PRIMARY KEY,
			student_id TEXT NOT NULL,
			class_id TEXT NOT NULL,
			status TEXT NOT NULL,
			date TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_attendance_records_student_date
		ON attendance_records(student_id, date DESC);

		CREATE INDEX IF NOT EXISTS idx_attendance_records_class
		ON attendance_records(class_id);

		CREATE TABLE IF NOT EXISTS class_enrollments (
			student_id TEXT NOT NULL,
			class_id TEXT NOT NULL,
			class_name TEXT NOT NULL DEFAULT '',
			enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (student_id, class_id)
		);

		CREATE INDEX IF NOT EXISTS idx_class_enrollments_class
		ON class_enrollments(class_id, enrolled_at);

		CREATE MATERIALIZED VIEW IF NOT EXISTS class_attendance_summary AS
		WITH student_rates AS (
			SELECT
				e.class_id,
				e.class_name,
				e.student_id,
				COALESCE(
					100.0 * COUNT(*) FILTER (WHERE r.status = 'present')
						/ NULLIF(COUNT(*) FILTER (WHERE r.status <> 'not_marked'), 0),
					0
				) AS rate
			FROM class_enrollments e
			LEFT JOIN attendance_records r
				ON r.student_id = e.student_id AND r.class_id = e.class_id
			GROUP BY e.class_id, e.class_name, e.student_id
		)
		SELECT
			class_id,
			MAX(class_name) AS class_name,
			COUNT(*) AS total_students,
			AVG(rate) AS average_attendance,
			PERCENTILE_DISC(0.5) WITHIN GROUP (ORDER BY rate) AS median_attendance,
			MAX(rate) AS highest_attendance,
			MIN(rate) AS lowest_attendance,
			COUNT(*) FILTER (WHERE rate < 75) AS students_at_risk,
			NOW() AS last_calculated
		FROM student_rates
		GROUP BY class_id;

		CREATE UNIQUE INDEX IF NOT EXISTS idx_class_attendance_summary_class
		ON class_attendance_summary(class_id);
	`
	_, err := src.db.Exec(ctx, query)
	return err
}

func (src *SQLAttendanceSource) AttendanceRecords(ctx context.Context, studentID string) ([]models.AttendanceRecord, error) {
	rows, err := src.db.Query(ctx, `
		SELECT student_id, class_id, status, date
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY date DESC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance records: %w", err)
	}
	defer rows.Close()

	var records []models.AttendanceRecord
	for rows.Next() {
		var r models.AttendanceRecord
		if err := rows.Scan(&r.StudentID, &r.ClassID, &r.Status, &r.Date); err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (src *SQLAttendanceSource) ClassAggregate(ctx context.Context, classID string) (*models.ClassAggregate, error) {
	var agg models.ClassAggregate
	err := src.db.QueryRow(ctx, `
		SELECT class_id, class_name, total_students, average_attendance,
		       median_attendance, highest_attendance, lowest_attendance,
		       students_at_risk, last_calculated
		FROM class_attendance_summary
		WHERE class_id = $1
	`, classID).Scan(
		&agg.ClassID, &agg.ClassName, &agg.TotalStudents, &agg.AverageAttendance,
		&agg.MedianAttendance, &agg.HighestAttendance, &agg.LowestAttendance,
		&agg.StudentsAtRisk, &agg.LastCalculated,
	)
	if errors.Is(err, sqldb.ErrNoRows) {
		// No summary row means an empty class, not a source failure.
		return &models.ClassAggregate{ClassID: classID, LastCalculated: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query class aggregate: %w", err)
	}
	return &agg, nil
}

func (src *SQLAttendanceSource) StudentsInClass(ctx context.Context, classID string) ([]string, error) {
	rows, err := src.db.Query(ctx, `
		SELECT student_id
		FROM class_enrollments
		WHERE class_id = $1
		ORDER BY enrolled_at, student_id
	`, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to query class roster: %w", err)
	}
	defer rows.Close()

	var students []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		students = append(students, id)
	}
	return students, rows.Err()
}

func (src *SQLAttendanceSource) StudentClass(ctx context.Context, studentID string) (string, error) {
	var classID string
	err := src.db.QueryRow(ctx, `
		SELECT class_id
		FROM class_enrollments
		WHERE student_id = $1
		ORDER BY enrolled_at DESC
		LIMIT 1
	`, studentID).Scan(&classID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve class for student %s: %w", studentID, err)
	}
	return classID, nil
}

// RefreshAggregates rebuilds the class summary view. CONCURRENTLY keeps
// reads available during the rebuild; it requires the unique index above.
func (src *SQLAttendanceSource) RefreshAggregates(ctx context.Context) error {
	_, err := src.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY class_attendance_summary`)
	if err != nil {
		return fmt.Errorf("failed to refresh class aggregates: %w", err)
	}
	return nil
}

// Scheduled refresh of the materialized aggregate. Readers tolerate up to
// this much aggregate staleness.
var _ = cron.NewJob("class-aggregate-refresh", cron.JobConfig{
	Title:    "Refresh class attendance aggregates",
	Schedule: "*/10 * * * *",
	Endpoint: RefreshClassAggregates,
})

// RefreshClassAggregates rebuilds the materialized class summary.
//
//encore:api private
func RefreshClassAggregates(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	src, ok := svc.source.(*SQLAttendanceSource)
	if !ok {
		return nil
	}
	return src.RefreshAggregates(ctx)
}
