package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/rules"
	"github.com/leadflow/internal/storage"
	"github.com/leadflow/pkg/logger"
)

var (
	// ErrTaskTimeout is reported when a run exceeds its deadline
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTaskCancelled is reported when a run is cancelled before finishing
	ErrTaskCancelled = errors.New("task cancelled")
)

// DefaultRetryDelayMinutes is used when a schedule with retries has no delay set
const DefaultRetryDelayMinutes = 5

// Recorder receives scheduler metrics. The zero value of Executor uses a no-op recorder.
type Recorder interface {
	ExecutionFinished(taskType string, succeeded bool, d time.Duration)
	InFlight(n int)
}

type nopRecorder struct{}

func (nopRecorder) ExecutionFinished(string, bool, time.Duration) {}
func (nopRecorder) InFlight(int)                                  {}

// Executor runs one schedule through its task handler and records the outcome
type Executor struct {
	store    storage.ScheduleStore
	handlers *Registry
	notifier rules.Notifier
	metrics  Recorder
	log      *logger.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. notifier may be nil, in which case
// post-run notifications are skipped.
func NewExecutor(store storage.ScheduleStore, handlers *Registry, notifier rules.Notifier, log *logger.Logger) *Executor {
	return &Executor{
		store:    store,
		handlers: handlers,
		notifier: notifier,
		metrics:  nopRecorder{},
		log:      log.WithComponent("executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics installs a metrics recorder
func (e *Executor) SetMetrics(r Recorder) {
	if r != nil {
		e.metrics = r
	}
}

// clockSetter is implemented by handlers that read the time
type clockSetter interface {
	SetClock(now func() time.Time)
}

// SetClock overrides the time source of the executor and of every handler
// registered so far that reads the time. Used by tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = func() time.Time { return now().UTC() }
	if e.handlers == nil {
		return
	}
	for _, taskType := range e.handlers.Types() {
		if h, ok := e.handlers.Get(taskType); ok {
			if c, ok := h.(clockSetter); ok {
				c.SetClock(now)
			}
		}
	}
}

// Execute runs schedule once. The running row is persisted before the handler
// starts; ctx carries the run deadline. The returned execution is always
// finalized unless the running row itself could not be written.
func (e *Executor) Execute(ctx context.Context, schedule *models.Schedule, trigger string) *models.ScheduleExecution {
	log := e.log.WithScheduleID(schedule.ID)

	exec := &models.ScheduleExecution{
		ScheduleID:  schedule.ID,
		RunID:       uuid.NewString(),
		Status:      models.ExecutionRunning,
		Attempt:     schedule.RetryCount + 1,
		TriggeredBy: trigger,
		StartedAt:   e.now(),
	}
	if err := e.store.CreateScheduleExecution(context.WithoutCancel(ctx), exec); err != nil {
		log.Error().Err(err).Msg("Failed to persist execution")
		exec.Status = models.ExecutionFailed
		exec.ErrorMessage = fmt.Sprintf("failed to persist execution: %v", err)
		return exec
	}

	log.Info().
		Str("run_id", exec.RunID).
		Str("task_type", string(schedule.TaskType)).
		Str("triggered_by", trigger).
		Int("attempt", exec.Attempt).
		Msg("Schedule execution started")

	var (
		result *TaskResult
		err    error
	)
	handler, ok := e.handlers.Get(schedule.TaskType)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrNoHandler, schedule.TaskType)
	} else {
		result, err = e.run(ctx, handler, schedule)
	}

	// Finalization must survive the run deadline
	e.finalize(context.WithoutCancel(ctx), schedule, exec, result, err)
	return exec
}

// run calls the handler on the caller's goroutine, so the run stays tracked
// until the handler has actually returned. Handlers observe ctx for the deadline.
func (e *Executor) run(ctx context.Context, handler TaskHandler, schedule *models.Schedule) (res *TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	res, err = handler.Handle(ctx, schedule)
	if err != nil && ctx.Err() != nil {
		return res, contextError(ctx)
	}
	return res, err
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTaskTimeout
	}
	return ErrTaskCancelled
}

func (e *Executor) finalize(ctx context.Context, schedule *models.Schedule, exec *models.ScheduleExecution, result *TaskResult, runErr error) {
	log := e.log.WithScheduleID(schedule.ID)

	completed := e.now()
	exec.CompletedAt = &completed
	exec.DurationSeconds = completed.Sub(exec.StartedAt).Seconds()
	if result != nil {
		exec.RecordsProcessed = result.RecordsProcessed
		exec.RecordsCreated = result.RecordsCreated
		exec.RecordsUpdated = result.RecordsUpdated
		exec.RecordsFailed = result.RecordsFailed
		exec.ResultData = models.JSON(result.Data)
	}

	succeeded := runErr == nil
	if succeeded {
		exec.Status = models.ExecutionCompleted
	} else {
		exec.Status = models.ExecutionFailed
		exec.ErrorMessage = errorMessage(runErr)
	}

	if err := e.store.UpdateScheduleExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("run_id", exec.RunID).Msg("Failed to finalize execution")
	}
	if err := e.store.RecordScheduleRun(ctx, schedule.ID, succeeded, exec.DurationSeconds, exec.StartedAt); err != nil {
		log.Error().Err(err).Msg("Failed to update schedule counters")
	}
	if !succeeded {
		e.scheduleRetry(ctx, schedule.ID, completed)
	}

	e.metrics.ExecutionFinished(string(schedule.TaskType), succeeded, time.Duration(exec.DurationSeconds*float64(time.Second)))
	e.notify(ctx, schedule, exec)

	if succeeded {
		log.Info().
			Str("run_id", exec.RunID).
			Int("processed", exec.RecordsProcessed).
			Float64("duration_s", exec.DurationSeconds).
			Msg("Schedule execution completed")
	} else {
		log.Warn().
			Str("run_id", exec.RunID).
			Str("error", exec.ErrorMessage).
			Float64("duration_s", exec.DurationSeconds).
			Msg("Schedule execution failed")
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrTaskTimeout):
		return "Task timed out"
	case errors.Is(err, ErrTaskCancelled):
		return "Task cancelled"
	default:
		return err.Error()
	}
}

// scheduleRetry bumps the consecutive failure count and, while retries remain,
// pulls next_run_at forward to now+retry_delay if that is sooner.
func (e *Executor) scheduleRetry(ctx context.Context, scheduleID uint, failedAt time.Time) {
	log := e.log.WithScheduleID(scheduleID)

	// Re-read: next_run_at was already advanced when this run was launched
	current, err := e.store.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load schedule for retry")
		return
	}

	var next *time.Time
	if current.IsActive && current.RetryCount < current.MaxRetries {
		delay := current.RetryDelayMinutes
		if delay <= 0 {
			delay = DefaultRetryDelayMinutes
		}
		retryAt := clampToPeak(current, failedAt.Add(time.Duration(delay)*time.Minute))
		if current.EndDate == nil || !retryAt.After(*current.EndDate) {
			if current.NextRunAt == nil || retryAt.Before(*current.NextRunAt) {
				next = &retryAt
			}
		}
	}

	if err := e.store.SetScheduleRetry(ctx, scheduleID, current.RetryCount+1, next); err != nil {
		log.Error().Err(err).Msg("Failed to record retry")
		return
	}
	if next != nil {
		log.Info().
			Int("retry", current.RetryCount+1).
			Int("max_retries", current.MaxRetries).
			Time("retry_at", *next).
			Msg("Retry scheduled")
	}
}

func (e *Executor) notify(ctx context.Context, schedule *models.Schedule, exec *models.ScheduleExecution) {
	if e.notifier == nil {
		return
	}
	succeeded := exec.Status == models.ExecutionCompleted
	if (succeeded && !schedule.NotifyOnSuccess) || (!succeeded && !schedule.NotifyOnFailure) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Uint("schedule_id", schedule.ID).Msg("Notifier panicked")
		}
	}()

	n := &models.Notification{
		Type:     models.NotificationScheduleRun,
		Channels: schedule.NotificationChannels,
		Data: models.JSON{
			"schedule_id":  schedule.ID,
			"execution_id": exec.ID,
			"run_id":       exec.RunID,
			"status":       string(exec.Status),
			"duration_s":   exec.DurationSeconds,
		},
	}
	if len(n.Channels) == 0 {
		n.Channels = models.StringSlice{"in_app"}
	}
	if succeeded {
		n.Title = fmt.Sprintf("Schedule %q completed", schedule.Name)
		n.Message = fmt.Sprintf("Processed %d records in %.1fs", exec.RecordsProcessed, exec.DurationSeconds)
		n.Priority = "low"
	} else {
		n.Title = fmt.Sprintf("Schedule %q failed", schedule.Name)
		n.Message = exec.ErrorMessage
		n.Priority = "high"
	}

	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.Warn().Err(err).Uint("schedule_id", schedule.ID).Msg("Failed to send execution notification")
	}
}
