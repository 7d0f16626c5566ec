package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/rules"
	"github.com/leadflow/internal/storage"
	"github.com/leadflow/pkg/logger"
)

// ErrNoHandler is returned when no handler is registered for a schedule's task type
var ErrNoHandler = errors.New("no handler registered for task type")

// TaskResult is what a handler reports back to the executor
type TaskResult struct {
	RecordsProcessed int
	RecordsCreated   int
	RecordsUpdated   int
	RecordsFailed    int
	Data             map[string]interface{}
}

// TaskHandler runs the work behind one task type
type TaskHandler interface {
	Handle(ctx context.Context, schedule *models.Schedule) (*TaskResult, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, schedule *models.Schedule) (*TaskResult, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
	return f(ctx, schedule)
}

// Registry maps task types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.TaskType]TaskHandler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskType]TaskHandler)}
}

// Register sets the handler for a task type, replacing any previous one
func (r *Registry) Register(taskType models.TaskType, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Get returns the handler for a task type
func (r *Registry) Get(taskType models.TaskType) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists registered task types
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// LeadProcessor runs one lead through the rule engine
type LeadProcessor interface {
	ProcessLead(ctx context.Context, lead *models.Lead) *rules.ProcessResult
}

// LeadBatchStore supplies unprocessed leads to the rule batch job
type LeadBatchStore interface {
	ListUnprocessedLeads(ctx context.Context, limit int) ([]*models.Lead, error)
	MarkLeadProcessed(ctx context.Context, id uint, at time.Time) error
}

// DefaultBatchSize bounds a rule_execution run when task_config has no batch_size
const DefaultBatchSize = 100

// RuleBatchHandler evaluates a batch of unprocessed leads
type RuleBatchHandler struct {
	store     LeadBatchStore
	processor LeadProcessor
	batchSize int
	log       *logger.Logger
	now       func() time.Time
}

// NewRuleBatchHandler creates the rule_execution handler
func NewRuleBatchHandler(store LeadBatchStore, processor LeadProcessor, batchSize int, log *logger.Logger) *RuleBatchHandler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RuleBatchHandler{
		store:     store,
		processor: processor,
		batchSize: batchSize,
		log:       log.WithComponent("rule_batch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time stamped on processed leads
func (h *RuleBatchHandler) SetClock(now func() time.Time) {
	h.now = func() time.Time { return now().UTC() }
}

// Handle processes up to batch_size leads. Every lead is marked processed,
// even when its pass reported errors, so a bad lead is not retried forever.
func (h *RuleBatchHandler) Handle(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
	limit := h.batchSize
	if n := cast.ToInt(schedule.TaskConfig["batch_size"]); n > 0 {
		limit = n
	}

	leads, err := h.store.ListUnprocessedLeads(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load unprocessed leads: %w", err)
	}

	result := &TaskResult{}
	matched, excluded := 0, 0
	var leadErrors []string

	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res := h.processOne(ctx, lead)
		result.RecordsProcessed++
		switch {
		case res.Error != "":
			result.RecordsFailed++
			leadErrors = append(leadErrors, fmt.Sprintf("lead %d: %s", lead.ID, res.Error))
		case res.Excluded:
			excluded++
		case res.Matched():
			matched++
		}
		if res.Matched() || res.Excluded {
			result.RecordsUpdated++
		}

		if err := h.store.MarkLeadProcessed(ctx, lead.ID, h.now()); err != nil {
			h.log.Error().Err(err).Uint("lead_id", lead.ID).Msg("Failed to mark lead processed")
		}
	}

	result.Data = map[string]interface{}{
		"processed": result.RecordsProcessed,
		"matched":   matched,
		"excluded":  excluded,
		"failed":    result.RecordsFailed,
	}
	if len(leadErrors) > 0 {
		result.Data["errors"] = leadErrors
	}

	h.log.Info().
		Int("processed", result.RecordsProcessed).
		Int("matched", matched).
		Int("excluded", excluded).
		Int("failed", result.RecordsFailed).
		Msg("Rule batch completed")
	return result, nil
}

func (h *RuleBatchHandler) processOne(ctx context.Context, lead *models.Lead) (res *rules.ProcessResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &rules.ProcessResult{LeadID: lead.ID, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return h.processor.ProcessLead(ctx, lead)
}

// RetentionStore deletes aged audit rows
type RetentionStore interface {
	DeleteRuleExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteScheduleExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteNotificationsBefore(ctx context.Context, before time.Time) (int64, error)
}

// DefaultRetentionDays is used when a cleanup schedule has no retention_days
const DefaultRetentionDays = 30

// CleanupHandler purges audit rows older than the schedule's retention window
type CleanupHandler struct {
	store RetentionStore
	log   *logger.Logger
	now   func() time.Time
}

// NewCleanupHandler creates the cleanup handler
func NewCleanupHandler(store RetentionStore, log *logger.Logger) *CleanupHandler {
	return &CleanupHandler{
		store: store,
		log:   log.WithComponent("cleanup"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time the retention cutoff is measured from
func (h *CleanupHandler) SetClock(now func() time.Time) {
	h.now = func() time.Time { return now().UTC() }
}

// Handle deletes rule executions, finished schedule executions and read
// notifications older than retention_days
func (h *CleanupHandler) Handle(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
	days := cast.ToInt(schedule.TaskConfig["retention_days"])
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := h.now().AddDate(0, 0, -days)

	ruleRows, err := h.store.DeleteRuleExecutionsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge rule executions: %w", err)
	}
	runRows, err := h.store.DeleteScheduleExecutionsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge schedule executions: %w", err)
	}
	notifRows, err := h.store.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge notifications: %w", err)
	}

	total := int(ruleRows + runRows + notifRows)
	h.log.Info().Int("retention_days", days).Int("deleted", total).Msg("Cleanup completed")
	return &TaskResult{
		RecordsProcessed: total,
		Data: map[string]interface{}{
			"retention_days":      days,
			"rule_executions":     ruleRows,
			"schedule_executions": runRows,
			"notifications":       notifRows,
		},
	}, nil
}

// LeadCounter reports lead counts for the digest
type LeadCounter interface {
	CountLeadsByStatus(ctx context.Context, since *time.Time) (map[models.LeadStatus]int64, error)
}

// NewDigestHandler creates the notification handler: a summary of leads by status since the last run
func NewDigestHandler(store LeadCounter, notifier rules.Notifier) TaskHandler {
	return HandlerFunc(func(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
		since := schedule.LastRunAt
		counts, err := store.CountLeadsByStatus(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("failed to count leads: %w", err)
		}

		var total int64
		statuses := make([]string, 0, len(counts))
		data := map[string]interface{}{}
		for status, n := range counts {
			total += n
			statuses = append(statuses, fmt.Sprintf("%s: %d", status, n))
			data[string(status)] = n
		}
		sort.Strings(statuses)

		message := "No new leads."
		if total > 0 {
			message = fmt.Sprintf("%d leads (%s)", total, strings.Join(statuses, ", "))
		}

		channels := schedule.NotificationChannels
		if len(channels) == 0 {
			channels = models.StringSlice{"in_app"}
		}
		n := &models.Notification{
			Type:     models.NotificationDigest,
			Title:    "Lead digest: " + schedule.Name,
			Message:  message,
			Priority: "low",
			Channels: channels,
			Data:     data,
		}
		if err := notifier.Notify(ctx, n); err != nil {
			return nil, fmt.Errorf("failed to send digest: %w", err)
		}

		return &TaskResult{RecordsProcessed: int(total), Data: data}, nil
	})
}

// AutoResponseDispatcher delivers queued auto-responses
type AutoResponseDispatcher interface {
	DispatchDue(ctx context.Context, limit int) (sent, failed int, err error)
}

// NewAutoResponseHandler creates the auto_response handler
func NewAutoResponseHandler(dispatcher AutoResponseDispatcher) TaskHandler {
	return HandlerFunc(func(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
		limit := cast.ToInt(schedule.TaskConfig["batch_size"])
		if limit <= 0 {
			limit = DefaultBatchSize
		}
		sent, failed, err := dispatcher.DispatchDue(ctx, limit)
		result := &TaskResult{
			RecordsProcessed: sent + failed,
			RecordsUpdated:   sent,
			RecordsFailed:    failed,
			Data:             map[string]interface{}{"sent": sent, "failed": failed},
		}
		return result, err
	})
}

// LeadCollector fetches fresh leads from external listing sources
type LeadCollector interface {
	Collect(ctx context.Context, sources []string) ([]*models.Lead, error)
}

// LeadWriter persists scraped leads
type LeadWriter interface {
	GetLeadByExternalID(ctx context.Context, externalID string) (*models.Lead, error)
	CreateLead(ctx context.Context, lead *models.Lead) error
}

// NewScrapeHandler creates the scraping handler. task_config.sources limits which sources run.
func NewScrapeHandler(collector LeadCollector, store LeadWriter, log *logger.Logger) TaskHandler {
	log = log.WithComponent("scrape")
	return HandlerFunc(func(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
		names := cast.ToStringSlice(schedule.TaskConfig["sources"])

		leads, err := collector.Collect(ctx, names)
		if err != nil && len(leads) == 0 {
			return nil, fmt.Errorf("failed to collect leads: %w", err)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Some sources failed")
		}

		result := &TaskResult{}
		for _, lead := range leads {
			result.RecordsProcessed++

			if _, getErr := store.GetLeadByExternalID(ctx, lead.ExternalID); getErr == nil {
				continue
			} else if !errors.Is(getErr, storage.ErrNotFound) {
				result.RecordsFailed++
				continue
			}

			if err := store.CreateLead(ctx, lead); err != nil {
				log.Error().Err(err).Str("external_id", lead.ExternalID).Msg("Failed to save lead")
				result.RecordsFailed++
				continue
			}
			result.RecordsCreated++
		}

		result.Data = map[string]interface{}{
			"fetched":    result.RecordsProcessed,
			"created":    result.RecordsCreated,
			"duplicates": result.RecordsProcessed - result.RecordsCreated - result.RecordsFailed,
		}
		return result, nil
	})
}

// LeadExporter writes leads to an external destination
type LeadExporter interface {
	ExportLeads(ctx context.Context, leads []*models.Lead) (int, error)
}

// LeadLister lists leads for export
type LeadLister interface {
	ListLeads(ctx context.Context, filter storage.LeadFilter) ([]*models.Lead, error)
}

// NewExportHandler creates the export handler. Leads with task_config.status
// (default qualified) created since the last run are exported.
func NewExportHandler(store LeadLister, exporter LeadExporter) TaskHandler {
	return HandlerFunc(func(ctx context.Context, schedule *models.Schedule) (*TaskResult, error) {
		status := models.LeadStatus(cast.ToString(schedule.TaskConfig["status"]))
		if status == "" {
			status = models.LeadStatusQualified
		}
		limit := cast.ToInt(schedule.TaskConfig["limit"])
		if limit <= 0 {
			limit = 500
		}

		leads, err := store.ListLeads(ctx, storage.LeadFilter{
			Status:  &status,
			Since:   schedule.LastRunAt,
			Limit:   limit,
			OrderBy: "created_at",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list leads: %w", err)
		}
		if len(leads) == 0 {
			return &TaskResult{Data: map[string]interface{}{"exported": 0}}, nil
		}

		exported, err := exporter.ExportLeads(ctx, leads)
		result := &TaskResult{
			RecordsProcessed: len(leads),
			RecordsCreated:   exported,
			RecordsFailed:    len(leads) - exported,
			Data:             map[string]interface{}{"exported": exported, "status": string(status)},
		}
		if err != nil {
			return result, fmt.Errorf("failed to export leads: %w", err)
		}
		return result, nil
	})
}
