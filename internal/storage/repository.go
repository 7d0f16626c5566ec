package storage

import (
	"context"
	"errors"
	"time"

	"github.com/leadflow/internal/models"
)

// ErrNotFound is returned when a lookup by key matches no row
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence
type Repository interface {
	LeadStore
	RuleStore
	ScheduleStore
	OutreachStore

	// Maintenance
	Close() error
	Migrate() error
}

// LeadStore persists the records the rule engine evaluates
type LeadStore interface {
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLeadByID(ctx context.Context, id uint) (*models.Lead, error)
	GetLeadByExternalID(ctx context.Context, externalID string) (*models.Lead, error)
	UpdateLead(ctx context.Context, lead *models.Lead) error
	ListLeads(ctx context.Context, filter LeadFilter) ([]*models.Lead, error)
	ListUnprocessedLeads(ctx context.Context, limit int) ([]*models.Lead, error)
	MarkLeadProcessed(ctx context.Context, id uint, at time.Time) error
	CountLeadsByStatus(ctx context.Context, since *time.Time) (map[models.LeadStatus]int64, error)
}

// RuleStore persists rules, rule sets, exclude lists and the evaluation audit log
type RuleStore interface {
	CreateRule(ctx context.Context, rule *models.Rule) error
	GetRuleByID(ctx context.Context, id uint) (*models.Rule, error)
	UpdateRule(ctx context.Context, rule *models.Rule) error
	ListRules(ctx context.Context) ([]*models.Rule, error)
	// ListActiveStandaloneRules returns active rules that belong to no rule set, priority ascending.
	ListActiveStandaloneRules(ctx context.Context) ([]*models.Rule, error)
	RecordRuleEvaluation(ctx context.Context, id uint, matched bool, at time.Time) error

	CreateRuleSet(ctx context.Context, set *models.RuleSet) error
	GetRuleSetByID(ctx context.Context, id uint) (*models.RuleSet, error)
	AddRuleToSet(ctx context.Context, setID, ruleID uint, orderIndex int) error
	ListActiveRuleSets(ctx context.Context) ([]*models.RuleSet, error)
	// ListRuleSetRules returns the active member rules of a set in order_index order.
	ListRuleSetRules(ctx context.Context, setID uint) ([]*models.Rule, error)
	RecordRuleSetEvaluation(ctx context.Context, id uint, matched bool, at time.Time) error

	CreateRuleExecution(ctx context.Context, exec *models.RuleExecution) error
	ListRuleExecutions(ctx context.Context, filter RuleExecutionFilter) ([]*models.RuleExecution, error)
	RuleStats(ctx context.Context, since *time.Time) ([]RuleStat, error)

	CreateExcludeList(ctx context.Context, list *models.ExcludeList) error
	AddExcludeListItem(ctx context.Context, item *models.ExcludeListItem) error
	// ListActiveExcludeLists returns active lists with their items, both by ascending id.
	ListActiveExcludeLists(ctx context.Context) ([]*models.ExcludeList, error)
	RecordExcludeMatch(ctx context.Context, listID, itemID uint, at time.Time) error
}

// ScheduleStore persists schedules, their runs and run leases
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	GetScheduleByID(ctx context.Context, id uint) (*models.Schedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]*models.Schedule, error)
	// GetDueSchedules returns active schedules whose next_run_at is null or <= now.
	GetDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	UpdateScheduleNextRun(ctx context.Context, id uint, next *time.Time, active bool) error
	// RecordScheduleRun bumps run counters and the running mean in a single statement.
	RecordScheduleRun(ctx context.Context, id uint, succeeded bool, durationSeconds float64, ranAt time.Time) error
	SetScheduleRetry(ctx context.Context, id uint, retryCount int, next *time.Time) error

	CreateScheduleExecution(ctx context.Context, exec *models.ScheduleExecution) error
	UpdateScheduleExecution(ctx context.Context, exec *models.ScheduleExecution) error
	GetScheduleExecution(ctx context.Context, id uint) (*models.ScheduleExecution, error)
	ListScheduleExecutions(ctx context.Context, scheduleID uint, limit int) ([]*models.ScheduleExecution, error)
	ListRunningExecutions(ctx context.Context) ([]*models.ScheduleExecution, error)

	// AcquireScheduleLease claims the schedule for owner until expiresAt unless another owner holds an unexpired claim.
	AcquireScheduleLease(ctx context.Context, scheduleID uint, owner string, now, expiresAt time.Time) (bool, error)
	ReleaseScheduleLease(ctx context.Context, scheduleID uint, owner string) error

	DeleteRuleExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteScheduleExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// OutreachStore persists notifications and auto-responses
type OutreachStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	UpdateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
	DeleteNotificationsBefore(ctx context.Context, before time.Time) (int64, error)

	CreateResponseTemplate(ctx context.Context, tpl *models.ResponseTemplate) error
	GetResponseTemplate(ctx context.Context, id uint) (*models.ResponseTemplate, error)

	CreateAutoResponse(ctx context.Context, ar *models.AutoResponse) error
	UpdateAutoResponse(ctx context.Context, ar *models.AutoResponse) error
	ListDueAutoResponses(ctx context.Context, now time.Time, limit int) ([]*models.AutoResponse, error)
}

// LeadFilter defines filtering options for leads
type LeadFilter struct {
	Status    *models.LeadStatus
	Source    *string
	Since     *time.Time
	Limit     int
	Offset    int
	OrderBy   string // "created_at", "posted_at"
	OrderDesc bool
}

// RuleExecutionFilter defines filtering options for the rule audit log
type RuleExecutionFilter struct {
	RuleID    *uint
	RuleSetID *uint
	LeadID    *uint
	Since     *time.Time
	Limit     int
}

// RuleStat summarizes evaluations of one rule or rule set from the audit log
type RuleStat struct {
	RuleID         *uint
	RuleSetID      *uint
	Evaluations    int64
	Matches        int64
	Errors         int64
	AvgExecutionMs float64
}

// MatchRate returns matches/evaluations as a percentage
func (s RuleStat) MatchRate() float64 {
	if s.Evaluations == 0 {
		return 0
	}
	return float64(s.Matches) / float64(s.Evaluations) * 100
}

// DefaultLeadFilter returns a filter with sensible defaults
func DefaultLeadFilter() LeadFilter {
	return LeadFilter{
		Limit:     50,
		OrderBy:   "created_at",
		OrderDesc: true,
	}
}
