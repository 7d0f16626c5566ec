package models

import (
	"time"
)

// TaskType selects the handler a schedule dispatches to
type TaskType string

const (
	TaskScraping      TaskType = "scraping"
	TaskAutoResponse  TaskType = "auto_response"
	TaskCleanup       TaskType = "cleanup"
	TaskExport        TaskType = "export"
	TaskNotification  TaskType = "notification"
	TaskRuleExecution TaskType = "rule_execution"
)

// RecurrenceType selects how next_run_at is derived
type RecurrenceType string

const (
	RecurrenceOnce       RecurrenceType = "once"
	RecurrenceMinutely   RecurrenceType = "minutely"
	RecurrenceHourly     RecurrenceType = "hourly"
	RecurrenceDaily      RecurrenceType = "daily"
	RecurrenceWeekly     RecurrenceType = "weekly"
	RecurrenceMonthly    RecurrenceType = "monthly"
	RecurrenceCustomCron RecurrenceType = "custom_cron"
)

// ExecutionStatus is the lifecycle state of a schedule run
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Trigger values recorded on a ScheduleExecution
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// Schedule is a recurring task definition polled by the scheduler
type Schedule struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	Name              string         `gorm:"size:255;not null" json:"name"`
	Description       string         `gorm:"type:text" json:"description"`
	TaskType          TaskType       `gorm:"size:30;not null;index" json:"task_type"`
	RecurrenceType    RecurrenceType `gorm:"size:20;not null" json:"recurrence_type"`
	CronExpression    string         `gorm:"size:100" json:"cron_expression"`
	IntervalMinutes   *int           `json:"interval_minutes"`
	StartDate         *time.Time     `json:"start_date"`
	EndDate           *time.Time     `json:"end_date"`
	NextRunAt         *time.Time     `gorm:"index" json:"next_run_at"`
	LastRunAt         *time.Time     `json:"last_run_at"`
	TaskConfig        JSON           `gorm:"type:json" json:"task_config"`
	TimeoutMinutes    int            `json:"timeout_minutes"`
	MaxRetries        int            `json:"max_retries"`
	RetryDelayMinutes int            `json:"retry_delay_minutes"`
	RetryCount        int            `json:"retry_count"` // consecutive failures since the last success

	// Peak window, local hours in PeakTimezone
	PeakHoursOnly bool   `json:"peak_hours_only"`
	PeakStartHour int    `json:"peak_start_hour"`
	PeakEndHour   int    `json:"peak_end_hour"`
	PeakTimezone  string `gorm:"size:64" json:"peak_timezone"`

	NotifyOnSuccess      bool        `json:"notify_on_success"`
	NotifyOnFailure      bool        `json:"notify_on_failure"`
	NotificationChannels StringSlice `gorm:"type:json" json:"notification_channels"`

	IsActive               bool    `gorm:"index" json:"is_active"`
	TotalRuns              int64   `json:"total_runs"`
	SuccessfulRuns         int64   `json:"successful_runs"`
	FailedRuns             int64   `json:"failed_runs"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Timeout returns the run deadline for this schedule
func (s *Schedule) Timeout() time.Duration {
	if s.TimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// SuccessRate returns successful/total as a percentage
func (s *Schedule) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.SuccessfulRuns) / float64(s.TotalRuns) * 100
}

// ScheduleExecution is one run attempt of a schedule
type ScheduleExecution struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	ScheduleID       uint            `gorm:"index;not null" json:"schedule_id"`
	RunID            string          `gorm:"size:36;uniqueIndex" json:"run_id"`
	Status           ExecutionStatus `gorm:"size:20;index" json:"status"`
	Attempt          int             `json:"attempt"`
	TriggeredBy      string          `gorm:"size:20" json:"triggered_by"`
	StartedAt        time.Time       `gorm:"index" json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
	DurationSeconds  float64         `json:"duration_seconds"`
	RecordsProcessed int             `json:"records_processed"`
	RecordsCreated   int             `json:"records_created"`
	RecordsUpdated   int             `json:"records_updated"`
	RecordsFailed    int             `json:"records_failed"`
	ErrorMessage     string          `gorm:"type:text" json:"error_message"`
	ResultData       JSON            `gorm:"type:json" json:"result_data"`
}

// IsTerminal reports whether the run has been finalized
func (e *ScheduleExecution) IsTerminal() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed
}

// ScheduleLease is the database-backed claim on a schedule run
type ScheduleLease struct {
	ScheduleID uint      `gorm:"primaryKey;autoIncrement:false" json:"schedule_id"`
	Owner      string    `gorm:"size:64;not null" json:"owner"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}
