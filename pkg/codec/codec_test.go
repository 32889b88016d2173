package codec

import (
	"testing"
	"time"

	"encore.app/pkg/models"
)

func TestCodecs_RoundTrip(t *testing.T) {
	original := models.StudentMetrics{
		StudentID:      "s1",
		TotalClasses:   40,
		AttendanceRate: 87.5,
		PresentDays:    35,
		Trend:          models.TrendImproving,
		LastUpdated:    time.Now().Truncate(time.Second).UTC(),
	}

	for _, c := range []Codec{JSON{}, MsgPack{}} {
		data, err := c.Marshal(original)
		if err != nil {
			t.Fatalf("%s marshal failed: %v", c.Name(), err)
		}

		var decoded models.StudentMetrics
		if err := c.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%s unmarshal failed: %v", c.Name(), err)
		}
		if decoded.StudentID != original.StudentID ||
			decoded.AttendanceRate != original.AttendanceRate ||
			decoded.Trend != original.Trend {
			t.Errorf("%s round trip mismatch: %+v", c.Name(), decoded)
		}
	}
}

func TestCodecs_RejectNilAndEmpty(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		if _, err := c.Marshal(nil); err == nil {
			t.Errorf("%s should reject nil values", c.Name())
		}
		var out models.StudentMetrics
		if err := c.Unmarshal(nil, &out); err == nil {
			t.Errorf("%s should reject empty data", c.Name())
		}
	}
}

func TestDefault(t *testing.T) {
	if Default().Name() != "msgpack" {
		t.Errorf("Expected msgpack default, got %s", Default().Name())
	}
}
