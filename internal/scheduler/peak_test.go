package scheduler

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"

	"github.com/leadflow/internal/models"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 15, hour, minute, 0, 0, time.UTC)
}

func TestIsPeakTime(t *testing.T) {
	overnight := &models.Schedule{PeakHoursOnly: true, PeakStartHour: 22, PeakEndHour: 6}
	office := &models.Schedule{PeakHoursOnly: true, PeakStartHour: 9, PeakEndHour: 17}

	tests := []struct {
		name     string
		schedule *models.Schedule
		at       time.Time
		want     bool
	}{
		{"wrapping window late evening", overnight, at(23, 0), true},
		{"wrapping window early morning", overnight, at(3, 0), true},
		{"wrapping window midday", overnight, at(12, 0), false},
		{"wrapping window start is inclusive", overnight, at(22, 0), true},
		{"wrapping window end is exclusive", overnight, at(6, 0), false},
		{"day window inside", office, at(9, 30), true},
		{"day window end is exclusive", office, at(17, 0), false},
		{"not peak only", &models.Schedule{PeakStartHour: 9, PeakEndHour: 10}, at(3, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPeakTime(tt.schedule, tt.at))
		})
	}
}

func TestIsPeakTimeUsesTimezone(t *testing.T) {
	s := &models.Schedule{PeakHoursOnly: true, PeakStartHour: 9, PeakEndHour: 17, PeakTimezone: "America/New_York"}

	// 12:00 UTC is 07:00 EST
	assert.False(t, IsPeakTime(s, at(12, 0)))
	// 15:00 UTC is 10:00 EST
	assert.True(t, IsPeakTime(s, at(15, 0)))

	s.PeakTimezone = "Not/AZone"
	assert.True(t, IsPeakTime(s, at(12, 0)), "unknown zone falls back to UTC")
}

func TestNextPeakTime(t *testing.T) {
	office := &models.Schedule{PeakHoursOnly: true, PeakStartHour: 9, PeakEndHour: 17}

	assert.Equal(t, at(9, 0), NextPeakTime(office, at(7, 15)))
	assert.Equal(t, at(9, 0), NextPeakTime(office, at(9, 0)))
	assert.Equal(t, at(9, 0).AddDate(0, 0, 1), NextPeakTime(office, at(18, 0)))

	overnight := &models.Schedule{PeakHoursOnly: true, PeakStartHour: 22, PeakEndHour: 6}
	assert.Equal(t, at(22, 0), NextPeakTime(overnight, at(12, 0)))

	ny := &models.Schedule{PeakHoursOnly: true, PeakStartHour: 9, PeakEndHour: 17, PeakTimezone: "America/New_York"}
	next := NextPeakTime(ny, at(12, 0))
	assert.Equal(t, at(14, 0), next)
	assert.Equal(t, time.UTC, next.Location())

	base := at(3, 0)
	assert.Equal(t, base, NextPeakTime(&models.Schedule{PeakStartHour: 9}, base))
}
