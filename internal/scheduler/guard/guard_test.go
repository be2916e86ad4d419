package guard

import (
	"errors"
	"testing"
	"time"
)

func TestEnsureBillingWindowOpen(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		day  int
		hour int
		want error
	}{
		{"before day", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), 2, 8, ErrBillingWindowNotOpen},
		{"before hour", time.Date(2024, 3, 1, 7, 59, 0, 0, time.UTC), 1, 8, ErrBillingWindowNotOpen},
		{"at opening", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), 1, 8, nil},
		{"later in month", time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC), 1, 8, nil},
		{"short month clamps", time.Date(2023, 2, 28, 9, 0, 0, 0, time.UTC), 31, 9, nil},
		{"short month before hour", time.Date(2023, 2, 28, 8, 0, 0, 0, time.UTC), 31, 9, ErrBillingWindowNotOpen},
		{"non utc input", time.Date(2024, 3, 1, 1, 0, 0, 0, time.FixedZone("PST", -8*3600)), 1, 8, nil},
		{"invalid day", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), 0, 8, ErrInvalidRunDay},
		{"invalid hour", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), 1, 24, ErrInvalidRunHour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureBillingWindowOpen(tt.now, tt.day, tt.hour)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
