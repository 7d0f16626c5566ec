package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/config"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Database:      config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")},
		Scheduler:     config.SchedulerConfig{PollInterval: time.Hour, DefaultTimeoutMinutes: 5},
		Rules:         config.RulesConfig{BatchSize: 10},
		Notifications: config.NotificationsConfig{Channels: []string{"in_app"}, RatePerMinute: 60},
	}
}

func TestNewWiresHandlers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Lease.Backend = "database"
	cfg.Metrics.Enabled = true

	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []models.TaskType{
		models.TaskAutoResponse,
		models.TaskCleanup,
		models.TaskNotification,
		models.TaskRuleExecution,
		models.TaskScraping,
	}, a.Registry.Types(), "export needs sheets credentials")
	assert.NotNil(t, a.Metrics)
}

func TestRuleBatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	rule := &models.Rule{
		Name:         "Plumbing",
		FieldName:    "title",
		Operator:     models.OperatorContains,
		Value:        "plumb",
		Action:       models.ActionTag,
		ActionConfig: models.JSON{"tag": "plumbing"},
		Priority:     1,
		IsActive:     true,
	}
	require.NoError(t, a.Engine.CreateRule(ctx, rule))
	require.NoError(t, a.Repo.CreateLead(ctx, &models.Lead{ExternalID: "1", Title: "Need a plumber"}))
	require.NoError(t, a.Repo.CreateLead(ctx, &models.Lead{ExternalID: "2", Title: "Logo design"}))

	schedule := &models.Schedule{
		Name:           "rules",
		TaskType:       models.TaskRuleExecution,
		RecurrenceType: models.RecurrenceHourly,
	}
	require.NoError(t, a.Scheduler.CreateSchedule(ctx, schedule))

	exec, err := a.Scheduler.TriggerNow(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.RecordsProcessed)

	lead, err := a.Repo.GetLeadByExternalID(ctx, "1")
	require.NoError(t, err)
	assert.True(t, lead.IsProcessed)
	assert.Contains(t, lead.Tags, "plumbing")
}
