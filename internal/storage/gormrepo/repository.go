package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/storage"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Repository implements storage.Repository on top of gorm
type Repository struct {
	db *gorm.DB
}

var _ storage.Repository = (*Repository)(nil)

// New opens a database with the given driver. All timestamps are written in UTC.
func New(driver, dsn string) (*Repository, error) {
	cfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		// Ensure directory exists
		path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
		dir := filepath.Dir(path)
		if path != ":memory:" && dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver != DriverPostgres {
		// SQLite allows a single writer; serialize through one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Repository{db: db}, nil
}

// NewWithDB wraps an already opened gorm handle
func NewWithDB(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Category{},
		&models.Location{},
		&models.Lead{},
		&models.Rule{},
		&models.RuleSet{},
		&models.RuleSetRule{},
		&models.RuleExecution{},
		&models.ExcludeList{},
		&models.ExcludeListItem{},
		&models.Schedule{},
		&models.ScheduleExecution{},
		&models.ScheduleLease{},
		&models.Notification{},
		&models.ResponseTemplate{},
		&models.AutoResponse{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// Lead operations

func (r *Repository) CreateLead(ctx context.Context, lead *models.Lead) error {
	if lead.Status == "" {
		lead.Status = models.LeadStatusNew
	}
	return r.db.WithContext(ctx).Create(lead).Error
}

func (r *Repository) GetLeadByID(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := r.db.WithContext(ctx).Preload("Category").Preload("Location").First(&lead, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}

func (r *Repository) GetLeadByExternalID(ctx context.Context, externalID string) (*models.Lead, error) {
	var lead models.Lead
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&lead).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}

func (r *Repository) UpdateLead(ctx context.Context, lead *models.Lead) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(lead).Error
}

func (r *Repository) ListLeads(ctx context.Context, filter storage.LeadFilter) ([]*models.Lead, error) {
	var leads []*models.Lead
	query := r.db.WithContext(ctx).Model(&models.Lead{}).Preload("Category").Preload("Location")

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Source != nil {
		query = query.Where("source = ?", *filter.Source)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}

	// Ordering
	orderCol := "created_at"
	switch filter.OrderBy {
	case "posted_at", "id", "price":
		orderCol = filter.OrderBy
	}
	if filter.OrderDesc {
		query = query.Order(orderCol + " DESC")
	} else {
		query = query.Order(orderCol + " ASC")
	}

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&leads).Error; err != nil {
		return nil, err
	}
	return leads, nil
}

func (r *Repository) ListUnprocessedLeads(ctx context.Context, limit int) ([]*models.Lead, error) {
	var leads []*models.Lead
	query := r.db.WithContext(ctx).
		Preload("Category").
		Preload("Location").
		Where("is_processed = ?", false).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&leads).Error; err != nil {
		return nil, err
	}
	return leads, nil
}

func (r *Repository) MarkLeadProcessed(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Lead{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"is_processed": true,
			"processed_at": at.UTC(),
		}).Error
}

func (r *Repository) CountLeadsByStatus(ctx context.Context, since *time.Time) (map[models.LeadStatus]int64, error) {
	var rows []struct {
		Status models.LeadStatus
		Count  int64
	}
	query := r.db.WithContext(ctx).Model(&models.Lead{}).Select("status, COUNT(*) AS count")
	if since != nil {
		query = query.Where("created_at >= ?", since.UTC())
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[models.LeadStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Rule operations

func (r *Repository) CreateRule(ctx context.Context, rule *models.Rule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *Repository) GetRuleByID(ctx context.Context, id uint) (*models.Rule, error) {
	var rule models.Rule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

func (r *Repository) UpdateRule(ctx context.Context, rule *models.Rule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}

func (r *Repository) ListRules(ctx context.Context) ([]*models.Rule, error) {
	var rules []*models.Rule
	if err := r.db.WithContext(ctx).Order("priority ASC, id ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Repository) ListActiveStandaloneRules(ctx context.Context) ([]*models.Rule, error) {
	var rules []*models.Rule
	members := r.db.Model(&models.RuleSetRule{}).Select("rule_id")
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("id NOT IN (?)", members).
		Order("priority ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Repository) RecordRuleEvaluation(ctx context.Context, id uint, matched bool, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", id).
		UpdateColumns(evaluationCounters(matched, at)).Error
}

func (r *Repository) CreateRuleSet(ctx context.Context, set *models.RuleSet) error {
	return r.db.WithContext(ctx).Create(set).Error
}

func (r *Repository) GetRuleSetByID(ctx context.Context, id uint) (*models.RuleSet, error) {
	var set models.RuleSet
	if err := r.db.WithContext(ctx).First(&set, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &set, nil
}

func (r *Repository) AddRuleToSet(ctx context.Context, setID, ruleID uint, orderIndex int) error {
	link := models.RuleSetRule{RuleSetID: setID, RuleID: ruleID, OrderIndex: orderIndex}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "rule_set_id"}, {Name: "rule_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"order_index"}),
		}).
		Create(&link).Error
}

func (r *Repository) ListActiveRuleSets(ctx context.Context) ([]*models.RuleSet, error) {
	var sets []*models.RuleSet
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		Find(&sets).Error; err != nil {
		return nil, err
	}
	return sets, nil
}

func (r *Repository) ListRuleSetRules(ctx context.Context, setID uint) ([]*models.Rule, error) {
	var rules []*models.Rule
	if err := r.db.WithContext(ctx).
		Model(&models.Rule{}).
		Select("rules.*").
		Joins("JOIN rule_set_rules ON rule_set_rules.rule_id = rules.id").
		Where("rule_set_rules.rule_set_id = ? AND rules.is_active = ?", setID, true).
		Order("rule_set_rules.order_index ASC, rules.id ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Repository) RecordRuleSetEvaluation(ctx context.Context, id uint, matched bool, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.RuleSet{}).Where("id = ?", id).
		UpdateColumns(evaluationCounters(matched, at)).Error
}

func evaluationCounters(matched bool, at time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"evaluation_count": gorm.Expr("evaluation_count + 1"),
	}
	if matched {
		updates["match_count"] = gorm.Expr("match_count + 1")
		updates["last_matched_at"] = at.UTC()
	}
	return updates
}

func (r *Repository) CreateRuleExecution(ctx context.Context, exec *models.RuleExecution) error {
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(exec).Error
}

func (r *Repository) ListRuleExecutions(ctx context.Context, filter storage.RuleExecutionFilter) ([]*models.RuleExecution, error) {
	var execs []*models.RuleExecution
	query := r.db.WithContext(ctx).Model(&models.RuleExecution{})

	if filter.RuleID != nil {
		query = query.Where("rule_id = ?", *filter.RuleID)
	}
	if filter.RuleSetID != nil {
		query = query.Where("rule_set_id = ?", *filter.RuleSetID)
	}
	if filter.LeadID != nil {
		query = query.Where("lead_id = ?", *filter.LeadID)
	}
	if filter.Since != nil {
		query = query.Where("executed_at >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	if err := query.Order("id ASC").Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *Repository) RuleStats(ctx context.Context, since *time.Time) ([]storage.RuleStat, error) {
	var stats []storage.RuleStat
	query := r.db.WithContext(ctx).Model(&models.RuleExecution{}).
		Select(`rule_id, rule_set_id,
			COUNT(*) AS evaluations,
			SUM(CASE WHEN matched THEN 1 ELSE 0 END) AS matches,
			SUM(CASE WHEN error_message <> '' THEN 1 ELSE 0 END) AS errors,
			AVG(execution_time_ms) AS avg_execution_ms`)
	if since != nil {
		query = query.Where("executed_at >= ?", since.UTC())
	}
	if err := query.Group("rule_id, rule_set_id").Order("rule_set_id, rule_id").Scan(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// Exclude list operations

func (r *Repository) CreateExcludeList(ctx context.Context, list *models.ExcludeList) error {
	return r.db.WithContext(ctx).Create(list).Error
}

func (r *Repository) AddExcludeListItem(ctx context.Context, item *models.ExcludeListItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *Repository) ListActiveExcludeLists(ctx context.Context) ([]*models.ExcludeList, error) {
	var lists []*models.ExcludeList
	if err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&lists).Error; err != nil {
		return nil, err
	}
	return lists, nil
}

func (r *Repository) RecordExcludeMatch(ctx context.Context, listID, itemID uint, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ExcludeListItem{}).Where("id = ?", itemID).
			UpdateColumns(map[string]interface{}{
				"match_count":     gorm.Expr("match_count + 1"),
				"last_matched_at": at,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.ExcludeList{}).Where("id = ?", listID).
			UpdateColumns(map[string]interface{}{
				"match_count":     gorm.Expr("match_count + 1"),
				"last_matched_at": at,
			}).Error
	})
}
