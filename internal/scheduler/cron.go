package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leadflow/internal/models"
)

// Five fields only: minute hour day-of-month month day-of-week
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// IsValidCron reports whether expr is a valid five-field cron expression
func IsValidCron(expr string) bool {
	_, err := cronParser.Parse(expr)
	return err == nil
}

// NextRun returns the first time strictly after base that satisfies expr.
// Callers should validate expr first; an invalid expression is an error.
func NextRun(expr string, base time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(base.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future occurrence", expr)
	}
	return next, nil
}

// NextRuns returns the next n occurrences of expr after base
func NextRuns(expr string, base time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	t := base.UTC()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// StandardCron maps a named recurrence and interval to a cron expression.
// Unknown recurrences fall back to hourly.
func StandardCron(recurrence models.RecurrenceType, interval int) string {
	every := interval > 1
	switch recurrence {
	case models.RecurrenceMinutely:
		if every {
			return fmt.Sprintf("*/%d * * * *", interval)
		}
		return "* * * * *"
	case models.RecurrenceDaily:
		if every {
			return fmt.Sprintf("0 0 */%d * *", interval)
		}
		return "0 0 * * *"
	case models.RecurrenceWeekly:
		return "0 0 * * 0"
	case models.RecurrenceMonthly:
		if every {
			return fmt.Sprintf("0 0 1 */%d *", interval)
		}
		return "0 0 1 * *"
	default:
		if every {
			return fmt.Sprintf("0 */%d * * *", interval)
		}
		return "0 * * * *"
	}
}
