package scheduler

import (
	"time"

	"github.com/leadflow/internal/models"
)

// peakLocation returns the schedule's peak timezone, UTC when unset or unknown
func peakLocation(s *models.Schedule) *time.Location {
	if s.PeakTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.PeakTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsPeakTime reports whether t falls in the schedule's [start, end) local-hour window.
// A window with start > end wraps midnight. Schedules without peak_hours_only are always in peak.
func IsPeakTime(s *models.Schedule, t time.Time) bool {
	if !s.PeakHoursOnly {
		return true
	}
	hour := t.In(peakLocation(s)).Hour()
	start, end := s.PeakStartHour, s.PeakEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// NextPeakTime returns the next local start_hour:00 at or after base, in UTC.
// Schedules without peak_hours_only return base unchanged.
func NextPeakTime(s *models.Schedule, base time.Time) time.Time {
	if !s.PeakHoursOnly {
		return base
	}
	loc := peakLocation(s)
	local := base.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), s.PeakStartHour, 0, 0, 0, loc)
	if candidate.Before(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, s.PeakStartHour, 0, 0, 0, loc)
	}
	return candidate.UTC()
}

// clampToPeak moves t forward to the next peak window start when it falls outside the window
func clampToPeak(s *models.Schedule, t time.Time) time.Time {
	if IsPeakTime(s, t) {
		return t
	}
	return NextPeakTime(s, t)
}
