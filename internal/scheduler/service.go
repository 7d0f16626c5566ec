package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/storage"
	"github.com/leadflow/pkg/logger"
)

var (
	// ErrAlreadyRunning is returned by Start on a started service
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrScheduleRunning is returned when a schedule already has a run in flight
	ErrScheduleRunning = errors.New("schedule already has a run in progress")
	// ErrInvalidSchedule wraps schedule validation failures
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// abandonedMessage marks runs left in running state by a previous process
const abandonedMessage = "Abandoned: scheduler restarted"

// Config holds scheduler loop settings
type Config struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration // used when a schedule has no timeout_minutes
	StaleSweep     bool          // fail abandoned running executions on Start
	LeaseTTL       time.Duration // added to the run timeout when claiming a lease
}

// DefaultConfig returns the standard scheduler settings
func DefaultConfig() Config {
	return Config{
		PollInterval:   60 * time.Second,
		DefaultTimeout: 30 * time.Minute,
		StaleSweep:     true,
		LeaseTTL:       time.Minute,
	}
}

type runningTask struct {
	scheduleID  uint
	name        string
	triggeredBy string
	startedAt   time.Time
	done        chan struct{}
	exec        *models.ScheduleExecution
	panicked    interface{}
}

func (t *runningTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// InFlight describes a run tracked by the service
type InFlight struct {
	ScheduleID  uint      `json:"schedule_id"`
	Name        string    `json:"name"`
	TriggeredBy string    `json:"triggered_by"`
	StartedAt   time.Time `json:"started_at"`
}

// ServiceStatus is a snapshot of the scheduler
type ServiceStatus struct {
	Running  bool       `json:"running"`
	InFlight []InFlight `json:"in_flight"`
}

// Service polls due schedules and launches their runs. A schedule has at most
// one run in flight per process; an optional Lease extends that across processes.
type Service struct {
	cfg      Config
	store    storage.ScheduleStore
	executor *Executor
	lease    Lease
	metrics  Recorder
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[uint]*runningTask
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a stopped scheduler service
func NewService(cfg Config, store storage.ScheduleStore, executor *Executor, log *logger.Logger) *Service {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		executor: executor,
		metrics:  nopRecorder{},
		log:      log.WithComponent("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		running:  make(map[uint]*runningTask),
	}
}

// SetLease installs a cross-process lease
func (s *Service) SetLease(l Lease) { s.lease = l }

// SetMetrics installs a metrics recorder
func (s *Service) SetMetrics(r Recorder) {
	if r != nil {
		s.metrics = r
	}
}

// SetClock overrides the time source for the service and its executor. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
	s.executor.SetClock(now)
}

// Start launches the poll loop. Runs inherit ctx; cancelling it or calling Stop ends them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	if s.cfg.StaleSweep {
		swept, err := s.SweepStale(loopCtx)
		if err != nil {
			s.log.Error().Err(err).Msg("Stale execution sweep failed")
		} else if swept > 0 {
			s.log.Warn().Int("count", swept).Msg("Marked abandoned executions as failed")
		}
	}

	go s.loop(loopCtx)

	s.log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Bool("lease", s.lease != nil).
		Msg("Scheduler started")
	return nil
}

// Stop cancels in-flight runs and waits for them to finalize
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.reap()
	s.log.Info().Msg("Scheduler stopped")
}

// Running reports whether the poll loop is active
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs one scheduling cycle. Errors are logged; the loop never dies.
func (s *Service) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Scheduler poll panicked")
		}
	}()

	s.reap()

	now := s.now()
	due, err := s.store.GetDueSchedules(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query due schedules")
		return
	}

	for _, schedule := range due {
		if ctx.Err() != nil {
			break
		}
		s.dispatch(ctx, schedule, now)
	}

	s.reap()
}

func (s *Service) dispatch(ctx context.Context, schedule *models.Schedule, now time.Time) {
	log := s.log.WithScheduleID(schedule.ID)

	if s.isRunning(schedule.ID) {
		log.Debug().Msg("Schedule still running, skipping")
		return
	}

	if schedule.EndDate != nil && now.After(*schedule.EndDate) {
		if err := s.store.UpdateScheduleNextRun(ctx, schedule.ID, nil, false); err != nil {
			log.Error().Err(err).Msg("Failed to deactivate expired schedule")
			return
		}
		log.Info().Msg("Schedule past end date, deactivated")
		return
	}

	if !IsPeakTime(schedule, now) {
		next := NextPeakTime(schedule, now)
		if err := s.store.UpdateScheduleNextRun(ctx, schedule.ID, &next, true); err != nil {
			log.Error().Err(err).Msg("Failed to defer schedule to peak window")
			return
		}
		log.Debug().Time("next_run_at", next).Msg("Outside peak window, deferred")
		return
	}

	release, ok := s.acquire(ctx, schedule)
	if !ok {
		return
	}

	next, active, calcErr := s.CalculateNextRun(schedule, now)
	if calcErr != nil {
		log.Error().Err(calcErr).Msg("Cannot compute next run, deactivating schedule")
		next, active = nil, false
	}
	// Persisted before launch so the schedule is not due again while this run is in flight
	if err := s.store.UpdateScheduleNextRun(ctx, schedule.ID, next, active); err != nil {
		log.Error().Err(err).Msg("Failed to advance next run, skipping launch")
		release()
		return
	}
	if calcErr != nil {
		release()
		return
	}

	if s.launch(ctx, schedule, models.TriggerScheduler, release) == nil {
		release()
	}
}

// acquire claims the lease when one is configured. The returned release func is always safe to call.
func (s *Service) acquire(ctx context.Context, schedule *models.Schedule) (func(), bool) {
	if s.lease == nil {
		return func() {}, true
	}
	log := s.log.WithScheduleID(schedule.ID)

	ttl := s.timeoutFor(schedule) + s.cfg.LeaseTTL
	ok, err := s.lease.Acquire(ctx, schedule.ID, ttl)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire schedule lease")
		return nil, false
	}
	if !ok {
		log.Debug().Msg("Schedule leased by another instance")
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), schedule.ID); err != nil {
				log.Warn().Err(err).Msg("Failed to release schedule lease")
			}
		})
	}, true
}

func (s *Service) timeoutFor(schedule *models.Schedule) time.Duration {
	if t := schedule.Timeout(); t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

// launch starts a tracked run. It returns nil if the schedule is already in flight.
func (s *Service) launch(parent context.Context, schedule *models.Schedule, trigger string, onDone func()) *runningTask {
	task := &runningTask{
		scheduleID:  schedule.ID,
		name:        schedule.Name,
		triggeredBy: trigger,
		startedAt:   s.now(),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if existing, busy := s.running[schedule.ID]; busy && !existing.finished() {
		s.mu.Unlock()
		return nil
	}
	s.running[schedule.ID] = task
	s.wg.Add(1)
	inFlight := len(s.running)
	s.mu.Unlock()

	s.metrics.InFlight(inFlight)

	timeout := s.timeoutFor(schedule)
	go func() {
		defer s.wg.Done()
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				task.panicked = r
			}
		}()
		defer onDone()

		runCtx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		task.exec = s.executor.Execute(runCtx, schedule, trigger)
	}()

	return task
}

func (s *Service) isRunning(scheduleID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.running[scheduleID]
	return ok && !task.finished()
}

// reap drops finished runs from the registry and logs any that crashed
func (s *Service) reap() {
	s.mu.Lock()
	var crashed []*runningTask
	for id, task := range s.running {
		if !task.finished() {
			continue
		}
		if task.panicked != nil {
			crashed = append(crashed, task)
		}
		delete(s.running, id)
	}
	inFlight := len(s.running)
	s.mu.Unlock()

	s.metrics.InFlight(inFlight)
	for _, task := range crashed {
		s.log.Error().
			Uint("schedule_id", task.scheduleID).
			Interface("panic", task.panicked).
			Msg("Schedule run crashed")
	}
}

// Status returns the loop state and the runs currently in flight
func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ServiceStatus{Running: s.started, InFlight: []InFlight{}}
	for _, task := range s.running {
		if task.finished() {
			continue
		}
		status.InFlight = append(status.InFlight, InFlight{
			ScheduleID:  task.scheduleID,
			Name:        task.name,
			TriggeredBy: task.triggeredBy,
			StartedAt:   task.startedAt,
		})
	}
	sort.Slice(status.InFlight, func(i, j int) bool {
		return status.InFlight[i].ScheduleID < status.InFlight[j].ScheduleID
	})
	return status
}

// TriggerNow runs a schedule immediately and waits for it to finish.
// next_run_at is left alone; the run still counts toward the schedule's totals.
func (s *Service) TriggerNow(ctx context.Context, scheduleID uint) (*models.ScheduleExecution, error) {
	schedule, err := s.store.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if s.isRunning(schedule.ID) {
		return nil, ErrScheduleRunning
	}

	release, ok := s.acquire(ctx, schedule)
	if !ok {
		return nil, ErrScheduleRunning
	}
	task := s.launch(ctx, schedule, models.TriggerManual, release)
	if task == nil {
		release()
		return nil, ErrScheduleRunning
	}

	<-task.done
	s.reap()

	if task.panicked != nil {
		return nil, fmt.Errorf("schedule run crashed: %v", task.panicked)
	}
	return task.exec, nil
}

// SweepStale fails executions left running longer than their schedule's timeout,
// which happens when a previous process died mid-run.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	execs, err := s.store.ListRunningExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running executions: %w", err)
	}

	now := s.now()
	swept := 0
	for _, exec := range execs {
		if s.isRunning(exec.ScheduleID) {
			continue
		}

		timeout := s.cfg.DefaultTimeout
		schedule, err := s.store.GetScheduleByID(ctx, exec.ScheduleID)
		if err == nil && schedule.Timeout() > 0 {
			timeout = schedule.Timeout()
		}
		if now.Sub(exec.StartedAt) < timeout {
			continue
		}

		completed := now
		exec.Status = models.ExecutionFailed
		exec.CompletedAt = &completed
		exec.DurationSeconds = now.Sub(exec.StartedAt).Seconds()
		exec.ErrorMessage = abandonedMessage
		if err := s.store.UpdateScheduleExecution(ctx, exec); err != nil {
			return swept, fmt.Errorf("failed to mark execution %d abandoned: %w", exec.ID, err)
		}
		if schedule != nil {
			if err := s.store.RecordScheduleRun(ctx, schedule.ID, false, exec.DurationSeconds, exec.StartedAt); err != nil {
				s.log.Error().Err(err).Uint("schedule_id", schedule.ID).Msg("Failed to count abandoned run")
			}
		}
		swept++
	}
	return swept, nil
}

// CreateSchedule validates schedule, applies defaults, computes its first run and persists it
func (s *Service) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	schedule.IsActive = true
	if schedule.TimeoutMinutes <= 0 {
		schedule.TimeoutMinutes = int(s.cfg.DefaultTimeout / time.Minute)
	}
	if schedule.RetryDelayMinutes <= 0 {
		schedule.RetryDelayMinutes = DefaultRetryDelayMinutes
	}

	now := s.now()
	if schedule.RecurrenceType == models.RecurrenceOnce {
		first := now
		if schedule.StartDate != nil && schedule.StartDate.After(first) {
			first = schedule.StartDate.UTC()
		}
		first = clampToPeak(schedule, first)
		schedule.NextRunAt = &first
	} else {
		next, active, err := s.CalculateNextRun(schedule, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		schedule.NextRunAt = next
		schedule.IsActive = active
	}

	if err := s.store.CreateSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	s.log.Info().
		Uint("schedule_id", schedule.ID).
		Str("name", schedule.Name).
		Str("task_type", string(schedule.TaskType)).
		Interface("next_run_at", schedule.NextRunAt).
		Msg("Schedule created")
	return nil
}

// CalculateNextRun derives the run after now from the schedule's recurrence.
// It is a pure function of the schedule and now. active is false when the
// schedule should be deactivated: once schedules, or a next run past end_date.
func (s *Service) CalculateNextRun(schedule *models.Schedule, now time.Time) (*time.Time, bool, error) {
	return CalculateNextRun(schedule, now)
}

// CalculateNextRun is the package-level form of Service.CalculateNextRun
func CalculateNextRun(schedule *models.Schedule, now time.Time) (*time.Time, bool, error) {
	if schedule.RecurrenceType == models.RecurrenceOnce {
		return nil, false, nil
	}

	base := now.UTC()
	if schedule.StartDate != nil && schedule.StartDate.After(base) {
		base = schedule.StartDate.UTC()
	}

	var (
		next time.Time
		err  error
	)
	switch {
	case schedule.RecurrenceType == models.RecurrenceCustomCron:
		next, err = NextRun(schedule.CronExpression, base)
	case schedule.IntervalMinutes != nil && *schedule.IntervalMinutes > 0:
		next = base.Add(time.Duration(*schedule.IntervalMinutes) * time.Minute)
	default:
		next, err = NextRun(StandardCron(schedule.RecurrenceType, 1), base)
	}
	if err != nil {
		return nil, false, err
	}

	next = clampToPeak(schedule, next)
	if schedule.EndDate != nil && next.After(*schedule.EndDate) {
		return nil, false, nil
	}
	return &next, true, nil
}

var validTaskTypes = map[models.TaskType]bool{
	models.TaskScraping:      true,
	models.TaskAutoResponse:  true,
	models.TaskCleanup:       true,
	models.TaskExport:        true,
	models.TaskNotification:  true,
	models.TaskRuleExecution: true,
}

var validRecurrences = map[models.RecurrenceType]bool{
	models.RecurrenceOnce:       true,
	models.RecurrenceMinutely:   true,
	models.RecurrenceHourly:     true,
	models.RecurrenceDaily:      true,
	models.RecurrenceWeekly:     true,
	models.RecurrenceMonthly:    true,
	models.RecurrenceCustomCron: true,
}

// ValidateSchedule checks a schedule before it is saved
func ValidateSchedule(schedule *models.Schedule) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
	}

	if schedule.Name == "" {
		return invalid("name is required")
	}
	if !validTaskTypes[schedule.TaskType] {
		return invalid("unknown task type %q", schedule.TaskType)
	}
	if !validRecurrences[schedule.RecurrenceType] {
		return invalid("unknown recurrence type %q", schedule.RecurrenceType)
	}
	if schedule.CronExpression != "" && schedule.IntervalMinutes != nil {
		return invalid("cron_expression and interval_minutes are mutually exclusive")
	}
	if schedule.RecurrenceType == models.RecurrenceCustomCron && !IsValidCron(schedule.CronExpression) {
		return invalid("invalid cron expression %q", schedule.CronExpression)
	}
	if schedule.IntervalMinutes != nil && *schedule.IntervalMinutes <= 0 {
		return invalid("interval_minutes must be positive")
	}
	if schedule.StartDate != nil && schedule.EndDate != nil && !schedule.EndDate.After(*schedule.StartDate) {
		return invalid("end_date must be after start_date")
	}
	if schedule.MaxRetries < 0 {
		return invalid("max_retries must not be negative")
	}
	if schedule.PeakHoursOnly {
		if schedule.PeakStartHour < 0 || schedule.PeakStartHour > 23 || schedule.PeakEndHour < 0 || schedule.PeakEndHour > 23 {
			return invalid("peak hours must be between 0 and 23")
		}
		if schedule.PeakStartHour == schedule.PeakEndHour {
			return invalid("peak window is empty")
		}
		if schedule.PeakTimezone != "" {
			if _, err := time.LoadLocation(schedule.PeakTimezone); err != nil {
				return invalid("unknown peak timezone %q", schedule.PeakTimezone)
			}
		}
	}
	return nil
}
