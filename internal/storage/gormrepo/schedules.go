package gormrepo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leadflow/internal/models"
)

// Schedule operations

func (r *Repository) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	return r.db.WithContext(ctx).Create(schedule).Error
}

func (r *Repository) GetScheduleByID(ctx context.Context, id uint) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := r.db.WithContext(ctx).First(&schedule, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &schedule, nil
}

func (r *Repository) ListSchedules(ctx context.Context, activeOnly bool) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	query := r.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *Repository) GetDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	now = now.UTC()
	var schedules []*models.Schedule
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("next_run_at IS NULL OR next_run_at <= ?", now).
		Where("start_date IS NULL OR start_date <= ?", now).
		Order("next_run_at ASC, id ASC").
		Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *Repository) UpdateScheduleNextRun(ctx context.Context, id uint, next *time.Time, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Schedule{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_run_at": utcPtr(next),
			"is_active":   active,
		}).Error
}

func (r *Repository) RecordScheduleRun(ctx context.Context, id uint, succeeded bool, durationSeconds float64, ranAt time.Time) error {
	updates := map[string]interface{}{
		"total_runs":  gorm.Expr("total_runs + 1"),
		"last_run_at": ranAt.UTC(),
	}
	if succeeded {
		// SET expressions read pre-update values, so successful_runs here is n-1
		updates["successful_runs"] = gorm.Expr("successful_runs + 1")
		updates["average_duration_seconds"] = gorm.Expr(
			"(average_duration_seconds * successful_runs + ?) / (successful_runs + 1)", durationSeconds)
		updates["retry_count"] = 0
	} else {
		updates["failed_runs"] = gorm.Expr("failed_runs + 1")
	}
	return r.db.WithContext(ctx).Model(&models.Schedule{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repository) SetScheduleRetry(ctx context.Context, id uint, retryCount int, next *time.Time) error {
	updates := map[string]interface{}{
		"retry_count": retryCount,
	}
	if next != nil {
		updates["next_run_at"] = next.UTC()
	}
	return r.db.WithContext(ctx).Model(&models.Schedule{}).Where("id = ?", id).Updates(updates).Error
}

// Schedule execution operations

func (r *Repository) CreateScheduleExecution(ctx context.Context, exec *models.ScheduleExecution) error {
	return r.db.WithContext(ctx).Create(exec).Error
}

func (r *Repository) UpdateScheduleExecution(ctx context.Context, exec *models.ScheduleExecution) error {
	return r.db.WithContext(ctx).Save(exec).Error
}

func (r *Repository) GetScheduleExecution(ctx context.Context, id uint) (*models.ScheduleExecution, error) {
	var exec models.ScheduleExecution
	if err := r.db.WithContext(ctx).First(&exec, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

func (r *Repository) ListScheduleExecutions(ctx context.Context, scheduleID uint, limit int) ([]*models.ScheduleExecution, error) {
	var execs []*models.ScheduleExecution
	query := r.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).Order("started_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *Repository) ListRunningExecutions(ctx context.Context) ([]*models.ScheduleExecution, error) {
	var execs []*models.ScheduleExecution
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.ExecutionRunning).
		Order("id ASC").
		Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// Lease operations

func (r *Repository) AcquireScheduleLease(ctx context.Context, scheduleID uint, owner string, now, expiresAt time.Time) (bool, error) {
	lease := models.ScheduleLease{ScheduleID: scheduleID, Owner: owner, ExpiresAt: expiresAt.UTC()}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Row exists: take it over only if it is ours or has expired
	res = r.db.WithContext(ctx).Model(&models.ScheduleLease{}).
		Where("schedule_id = ? AND (owner = ? OR expires_at <= ?)", scheduleID, owner, now.UTC()).
		Updates(map[string]interface{}{
			"owner":      owner,
			"expires_at": expiresAt.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) ReleaseScheduleLease(ctx context.Context, scheduleID uint, owner string) error {
	return r.db.WithContext(ctx).
		Where("schedule_id = ? AND owner = ?", scheduleID, owner).
		Delete(&models.ScheduleLease{}).Error
}

// Retention

func (r *Repository) DeleteRuleExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("executed_at < ?", before.UTC()).Delete(&models.RuleExecution{})
	return res.RowsAffected, res.Error
}

func (r *Repository) DeleteScheduleExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("started_at < ? AND status <> ?", before.UTC(), models.ExecutionRunning).
		Delete(&models.ScheduleExecution{})
	return res.RowsAffected, res.Error
}

// Notification operations

func (r *Repository) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.Status == "" {
		n.Status = models.NotificationPending
	}
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *Repository) UpdateNotification(ctx context.Context, n *models.Notification) error {
	return r.db.WithContext(ctx).Save(n).Error
}

func (r *Repository) ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	var notifications []*models.Notification
	query := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *Repository) DeleteNotificationsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ? AND is_read = ?", before.UTC(), true).
		Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}

// Auto-response operations

func (r *Repository) CreateResponseTemplate(ctx context.Context, tpl *models.ResponseTemplate) error {
	return r.db.WithContext(ctx).Create(tpl).Error
}

func (r *Repository) GetResponseTemplate(ctx context.Context, id uint) (*models.ResponseTemplate, error) {
	var tpl models.ResponseTemplate
	if err := r.db.WithContext(ctx).First(&tpl, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &tpl, nil
}

func (r *Repository) CreateAutoResponse(ctx context.Context, ar *models.AutoResponse) error {
	if ar.Status == "" {
		ar.Status = models.AutoResponsePending
	}
	ar.ScheduledFor = ar.ScheduledFor.UTC()
	return r.db.WithContext(ctx).Create(ar).Error
}

func (r *Repository) UpdateAutoResponse(ctx context.Context, ar *models.AutoResponse) error {
	return r.db.WithContext(ctx).Save(ar).Error
}

func (r *Repository) ListDueAutoResponses(ctx context.Context, now time.Time, limit int) ([]*models.AutoResponse, error) {
	var responses []*models.AutoResponse
	query := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.AutoResponsePending, now.UTC()).
		Order("scheduled_for ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&responses).Error; err != nil {
		return nil, err
	}
	return responses, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
