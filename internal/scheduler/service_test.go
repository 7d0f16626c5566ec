package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/models"
)

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time { return &t }

func TestCalculateNextRun(t *testing.T) {
	now := time.Date(2024, 6, 3, 18, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule *models.Schedule
		want     *time.Time
		active   bool
	}{
		{
			name:     "once deactivates",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceOnce},
			active:   false,
		},
		{
			name:     "interval minutes",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceMinutely, IntervalMinutes: intPtr(15)},
			want:     timePtr(now.Add(15 * time.Minute)),
			active:   true,
		},
		{
			name:     "standard hourly cron",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceHourly},
			want:     timePtr(time.Date(2024, 6, 3, 19, 0, 0, 0, time.UTC)),
			active:   true,
		},
		{
			name:     "custom cron",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceCustomCron, CronExpression: "0 0 * * *"},
			want:     timePtr(time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)),
			active:   true,
		},
		{
			name: "clamped forward into the peak window",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceHourly,
				PeakHoursOnly: true, PeakStartHour: 9, PeakEndHour: 17},
			want:   timePtr(time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC)),
			active: true,
		},
		{
			name: "past end date deactivates",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceDaily,
				EndDate: timePtr(now.Add(time.Hour))},
			active: false,
		},
		{
			name: "future start date is the base",
			schedule: &models.Schedule{RecurrenceType: models.RecurrenceMinutely, IntervalMinutes: intPtr(10),
				StartDate: timePtr(now.Add(48 * time.Hour))},
			want:   timePtr(now.Add(48*time.Hour + 10*time.Minute)),
			active: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, active, err := CalculateNextRun(tt.schedule, now)
			require.NoError(t, err)
			assert.Equal(t, tt.active, active)
			assert.Equal(t, tt.want, next)

			// Same state and clock, same answer
			again, activeAgain, err := CalculateNextRun(tt.schedule, now)
			require.NoError(t, err)
			assert.Equal(t, next, again)
			assert.Equal(t, active, activeAgain)
		})
	}

	_, _, err := CalculateNextRun(&models.Schedule{RecurrenceType: models.RecurrenceCustomCron, CronExpression: "nope"}, now)
	assert.Error(t, err)
}

func TestValidateSchedule(t *testing.T) {
	valid := func() *models.Schedule {
		return &models.Schedule{Name: "n", TaskType: models.TaskCleanup, RecurrenceType: models.RecurrenceDaily}
	}
	tests := []struct {
		name   string
		mutate func(s *models.Schedule)
		ok     bool
	}{
		{"valid", func(*models.Schedule) {}, true},
		{"missing name", func(s *models.Schedule) { s.Name = "" }, false},
		{"unknown task", func(s *models.Schedule) { s.TaskType = "mine_bitcoin" }, false},
		{"unknown recurrence", func(s *models.Schedule) { s.RecurrenceType = "yearly" }, false},
		{"bad cron", func(s *models.Schedule) {
			s.RecurrenceType = models.RecurrenceCustomCron
			s.CronExpression = "0 0 0 * * *"
		}, false},
		{"cron and interval", func(s *models.Schedule) {
			s.CronExpression = "0 * * * *"
			s.IntervalMinutes = intPtr(5)
		}, false},
		{"zero interval", func(s *models.Schedule) { s.IntervalMinutes = intPtr(0) }, false},
		{"end before start", func(s *models.Schedule) {
			s.StartDate = timePtr(epoch)
			s.EndDate = timePtr(epoch.Add(-time.Hour))
		}, false},
		{"empty peak window", func(s *models.Schedule) {
			s.PeakHoursOnly = true
			s.PeakStartHour, s.PeakEndHour = 8, 8
		}, false},
		{"peak hour out of range", func(s *models.Schedule) {
			s.PeakHoursOnly = true
			s.PeakStartHour, s.PeakEndHour = 8, 24
		}, false},
		{"wrapping peak window", func(s *models.Schedule) {
			s.PeakHoursOnly = true
			s.PeakStartHour, s.PeakEndHour = 22, 6
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateSchedule(s)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
			}
		})
	}
}

func TestCreateSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := epoch.Add(3 * time.Hour)
	once := &models.Schedule{Name: "one-off", TaskType: models.TaskExport, RecurrenceType: models.RecurrenceOnce, StartDate: &start}
	require.NoError(t, f.service.CreateSchedule(ctx, once))
	assert.True(t, once.IsActive)
	assert.Equal(t, 30, once.TimeoutMinutes)
	assert.Equal(t, DefaultRetryDelayMinutes, once.RetryDelayMinutes)
	require.NotNil(t, once.NextRunAt)
	assert.True(t, start.Equal(*once.NextRunAt))

	hourly := &models.Schedule{Name: "hourly", TaskType: models.TaskCleanup, RecurrenceType: models.RecurrenceHourly, TimeoutMinutes: 5}
	require.NoError(t, f.service.CreateSchedule(ctx, hourly))
	assert.Equal(t, 5, hourly.TimeoutMinutes)
	require.NotNil(t, hourly.NextRunAt)
	assert.True(t, epoch.Add(time.Hour).Equal(*hourly.NextRunAt))

	err := f.service.CreateSchedule(ctx, &models.Schedule{TaskType: models.TaskCleanup, RecurrenceType: models.RecurrenceHourly})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	all, err := f.repo.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// blockingHandler counts calls and holds each run until release is closed
type blockingHandler struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan struct{}, 10), release: make(chan struct{})}
}

func (h *blockingHandler) Handle(ctx context.Context, _ *models.Schedule) (*TaskResult, error) {
	h.calls.Add(1)
	h.started <- struct{}{}
	select {
	case <-h.release:
		return &TaskResult{RecordsProcessed: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPollRunsAtMostOneExecutionPerSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := newBlockingHandler()
	f.registry.Register(models.TaskCleanup, h)

	due := epoch.Add(-time.Minute)
	s := f.schedule(t, &models.Schedule{IntervalMinutes: intPtr(10), NextRunAt: &due})

	f.service.poll(ctx)
	<-h.started

	// next_run_at moved forward at launch
	got := f.reload(t, s.ID)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, epoch.Add(10*time.Minute).Equal(*got.NextRunAt))

	// Due again, but still in flight
	f.clock.Set(epoch.Add(30 * time.Minute))
	f.service.poll(ctx)
	assert.EqualValues(t, 1, h.calls.Load())
	status := f.service.Status()
	require.Len(t, status.InFlight, 1)
	assert.Equal(t, s.ID, status.InFlight[0].ScheduleID)

	close(h.release)
	f.service.wg.Wait()
	f.service.reap()
	assert.Empty(t, f.service.Status().InFlight)

	execs := f.executions(t, s.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionCompleted, execs[0].Status)
}

func TestPollDefersOutsidePeakWindow(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.registry.Register(models.TaskCleanup, h)

	// epoch is 12:00 UTC, window opens at 20:00
	s := f.schedule(t, &models.Schedule{PeakHoursOnly: true, PeakStartHour: 20, PeakEndHour: 23})
	f.service.poll(context.Background())

	assert.EqualValues(t, 0, h.calls.Load())
	assert.Empty(t, f.executions(t, s.ID))
	got := f.reload(t, s.ID)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, time.Date(2024, 6, 3, 20, 0, 0, 0, time.UTC).Equal(*got.NextRunAt))
	assert.EqualValues(t, 0, got.TotalRuns)
}

func TestPollOnceScheduleDeactivates(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(models.TaskCleanup, HandlerFunc(func(context.Context, *models.Schedule) (*TaskResult, error) {
		return &TaskResult{}, nil
	}))

	s := f.schedule(t, &models.Schedule{RecurrenceType: models.RecurrenceOnce, NextRunAt: timePtr(epoch)})
	f.service.poll(context.Background())
	f.service.wg.Wait()

	got := f.reload(t, s.ID)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRunAt)
	assert.EqualValues(t, 1, got.SuccessfulRuns)

	f.service.poll(context.Background())
	f.service.wg.Wait()
	assert.Len(t, f.executions(t, s.ID), 1)
}

func TestPollDeactivatesExpiredSchedule(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.registry.Register(models.TaskCleanup, h)

	s := f.schedule(t, &models.Schedule{EndDate: timePtr(epoch.Add(-time.Hour))})
	f.service.poll(context.Background())

	assert.EqualValues(t, 0, h.calls.Load())
	got := f.reload(t, s.ID)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRunAt)
}

func TestStopCancelsInFlightRuns(t *testing.T) {
	f := newFixture(t)
	h := newBlockingHandler()
	f.registry.Register(models.TaskCleanup, h)
	s := f.schedule(t, &models.Schedule{})

	require.NoError(t, f.service.Start(context.Background()))
	assert.ErrorIs(t, f.service.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, f.service.Running())

	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule was not launched")
	}

	f.service.Stop()
	assert.False(t, f.service.Running())

	execs := f.executions(t, s.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Equal(t, "Task cancelled", execs[0].ErrorMessage)
}

func TestStopWaitsForHandlerToReturn(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	var returned atomic.Bool
	f.registry.Register(models.TaskCleanup, HandlerFunc(func(ctx context.Context, _ *models.Schedule) (*TaskResult, error) {
		close(started)
		<-ctx.Done()
		// Slow wind-down after cancellation
		time.Sleep(100 * time.Millisecond)
		returned.Store(true)
		return nil, ctx.Err()
	}))
	s := f.schedule(t, &models.Schedule{})

	require.NoError(t, f.service.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule was not launched")
	}

	f.service.Stop()
	assert.True(t, returned.Load(), "Stop returned while the handler was still running")
	assert.Empty(t, f.service.Status().InFlight)

	execs := f.executions(t, s.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "Task cancelled", execs[0].ErrorMessage)
}

func TestTimedOutRunStaysInFlightUntilHandlerReturns(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	var calls atomic.Int32
	f.registry.Register(models.TaskCleanup, HandlerFunc(func(ctx context.Context, _ *models.Schedule) (*TaskResult, error) {
		calls.Add(1)
		<-ctx.Done()
		<-release
		return nil, ctx.Err()
	}))
	f.service.cfg.DefaultTimeout = 10 * time.Millisecond

	due := epoch.Add(-time.Minute)
	s := f.schedule(t, &models.Schedule{IntervalMinutes: intPtr(10), NextRunAt: &due})
	f.service.poll(context.Background())

	// Past the deadline the handler is still winding down
	time.Sleep(50 * time.Millisecond)
	f.clock.Set(epoch.Add(30 * time.Minute))
	f.service.poll(context.Background())
	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, f.service.Status().InFlight, 1)

	close(release)
	f.service.wg.Wait()

	execs := f.executions(t, s.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "Task timed out", execs[0].ErrorMessage)
}

func TestTriggerNow(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(models.TaskCleanup, HandlerFunc(func(context.Context, *models.Schedule) (*TaskResult, error) {
		return &TaskResult{RecordsProcessed: 7}, nil
	}))
	next := epoch.Add(time.Hour)
	s := f.schedule(t, &models.Schedule{NextRunAt: &next})

	exec, err := f.service.TriggerNow(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, models.TriggerManual, exec.TriggeredBy)
	assert.Equal(t, 7, exec.RecordsProcessed)

	got := f.reload(t, s.ID)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.EqualValues(t, 1, got.TotalRuns)

	_, err = f.service.TriggerNow(context.Background(), 999)
	assert.Error(t, err)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t, &models.Schedule{TimeoutMinutes: 30})

	stale := &models.ScheduleExecution{ScheduleID: s.ID, RunID: "stale", Status: models.ExecutionRunning, StartedAt: epoch.Add(-2 * time.Hour)}
	fresh := &models.ScheduleExecution{ScheduleID: s.ID, RunID: "fresh", Status: models.ExecutionRunning, StartedAt: epoch.Add(-time.Minute)}
	require.NoError(t, f.repo.CreateScheduleExecution(ctx, stale))
	require.NoError(t, f.repo.CreateScheduleExecution(ctx, fresh))

	swept, err := f.service.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := f.repo.GetScheduleExecution(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Equal(t, "Abandoned: scheduler restarted", got.ErrorMessage)

	got, err = f.repo.GetScheduleExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)

	assert.EqualValues(t, 1, f.reload(t, s.ID).FailedRuns)
}
