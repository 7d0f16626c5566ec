package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/rules"
	"github.com/leadflow/internal/storage"
	"github.com/leadflow/pkg/logger"
)

type fakeProcessor struct {
	results map[uint]*rules.ProcessResult
	panicOn uint
}

func (p *fakeProcessor) ProcessLead(_ context.Context, lead *models.Lead) *rules.ProcessResult {
	if lead.ID == p.panicOn {
		panic("bad lead")
	}
	if r, ok := p.results[lead.ID]; ok {
		return r
	}
	return &rules.ProcessResult{LeadID: lead.ID}
}

func TestRuleBatchHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []uint
	for _, ext := range []string{"a", "b", "c", "d", "e"} {
		lead := &models.Lead{ExternalID: ext, Title: ext}
		require.NoError(t, f.repo.CreateLead(ctx, lead))
		ids = append(ids, lead.ID)
	}

	processor := &fakeProcessor{
		results: map[uint]*rules.ProcessResult{
			ids[0]: {LeadID: ids[0], MatchedRuleIDs: []uint{1}},
			ids[1]: {LeadID: ids[1], Excluded: true},
			ids[2]: {LeadID: ids[2], Error: "rule store unavailable"},
		},
		panicOn: ids[3],
	}
	h := NewRuleBatchHandler(f.repo, processor, 0, logger.Nop())

	res, err := h.Handle(ctx, &models.Schedule{TaskConfig: models.JSON{"batch_size": 4}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.RecordsProcessed)
	assert.Equal(t, 2, res.RecordsFailed)
	assert.Equal(t, 2, res.RecordsUpdated)
	assert.Equal(t, 1, res.Data["matched"])
	assert.Equal(t, 1, res.Data["excluded"])
	assert.Len(t, res.Data["errors"], 2)

	// Failed leads are marked processed too; only the one past the batch remains
	left, err := f.repo.ListUnprocessedLeads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ids[4], left[0].ID)
}

type fakeRetention struct {
	cutoff time.Time
	err    error
}

func (r *fakeRetention) DeleteRuleExecutionsBefore(_ context.Context, before time.Time) (int64, error) {
	r.cutoff = before
	return 5, r.err
}

func (r *fakeRetention) DeleteScheduleExecutionsBefore(context.Context, time.Time) (int64, error) {
	return 2, nil
}

func (r *fakeRetention) DeleteNotificationsBefore(context.Context, time.Time) (int64, error) {
	return 1, nil
}

func TestCleanupHandler(t *testing.T) {
	store := &fakeRetention{}
	h := NewCleanupHandler(store, logger.Nop())
	h.SetClock(func() time.Time { return epoch })

	res, err := h.Handle(context.Background(), &models.Schedule{TaskConfig: models.JSON{"retention_days": "7"}})
	require.NoError(t, err)
	assert.Equal(t, 8, res.RecordsProcessed)
	assert.True(t, epoch.AddDate(0, 0, -7).Equal(store.cutoff), "cutoff %s", store.cutoff)

	_, err = h.Handle(context.Background(), &models.Schedule{})
	require.NoError(t, err)
	assert.True(t, epoch.AddDate(0, 0, -DefaultRetentionDays).Equal(store.cutoff))

	store.err = errors.New("locked")
	_, err = h.Handle(context.Background(), &models.Schedule{})
	assert.Error(t, err)
}

func TestCleanupHandlerFollowsExecutorClock(t *testing.T) {
	f := newFixture(t)
	store := &fakeRetention{}
	f.registry.Register(models.TaskCleanup, NewCleanupHandler(store, logger.Nop()))
	f.service.SetClock(f.clock.Now)

	s := f.schedule(t, &models.Schedule{TaskConfig: models.JSON{"retention_days": 1}})
	exec := f.executor.Execute(context.Background(), s, models.TriggerManual)
	require.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.True(t, epoch.AddDate(0, 0, -1).Equal(store.cutoff), "cutoff %s", store.cutoff)
}

type fakeCounter map[models.LeadStatus]int64

func (c fakeCounter) CountLeadsByStatus(context.Context, *time.Time) (map[models.LeadStatus]int64, error) {
	return c, nil
}

func TestDigestHandler(t *testing.T) {
	notifier := &mockNotifier{}
	h := NewDigestHandler(fakeCounter{models.LeadStatusNew: 3, models.LeadStatusHot: 2}, notifier)

	res, err := h.Handle(context.Background(), &models.Schedule{Name: "morning"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.RecordsProcessed)

	require.Len(t, notifier.sent, 1)
	n := notifier.sent[0]
	assert.Equal(t, models.NotificationDigest, n.Type)
	assert.Equal(t, "Lead digest: morning", n.Title)
	assert.Equal(t, "5 leads (hot: 2, new: 3)", n.Message)
	assert.Equal(t, models.StringSlice{"in_app"}, n.Channels)

	notifier.err = errors.New("down")
	_, err = h.Handle(context.Background(), &models.Schedule{Name: "morning"})
	assert.Error(t, err)
}

type fakeDispatcher struct{ limit int }

func (d *fakeDispatcher) DispatchDue(_ context.Context, limit int) (int, int, error) {
	d.limit = limit
	return 3, 1, nil
}

func TestAutoResponseHandler(t *testing.T) {
	d := &fakeDispatcher{}
	res, err := NewAutoResponseHandler(d).Handle(context.Background(), &models.Schedule{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, d.limit)
	assert.Equal(t, 4, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsFailed)
}

type fakeCollector struct {
	leads   []*models.Lead
	err     error
	sources []string
}

func (c *fakeCollector) Collect(_ context.Context, sources []string) ([]*models.Lead, error) {
	c.sources = sources
	return c.leads, c.err
}

func TestScrapeHandlerDedupesByExternalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.CreateLead(ctx, &models.Lead{ExternalID: "rss:1", Title: "seen"}))

	collector := &fakeCollector{
		leads: []*models.Lead{
			{ExternalID: "rss:1", Title: "seen"},
			{ExternalID: "rss:2", Title: "new"},
		},
		err: errors.New("one feed failed"),
	}
	h := NewScrapeHandler(collector, f.repo, logger.Nop())

	res, err := h.Handle(ctx, &models.Schedule{TaskConfig: models.JSON{"sources": []interface{}{"craigslist"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"craigslist"}, collector.sources)
	assert.Equal(t, 2, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsCreated)
	assert.Equal(t, 1, res.Data["duplicates"])

	_, err = f.repo.GetLeadByExternalID(ctx, "rss:2")
	assert.NoError(t, err)

	collector.leads = nil
	_, err = h.Handle(ctx, &models.Schedule{})
	assert.Error(t, err, "nothing collected and an error")
}

type fakeExporter struct{ got []*models.Lead }

func (e *fakeExporter) ExportLeads(_ context.Context, leads []*models.Lead) (int, error) {
	e.got = leads
	return len(leads), nil
}

type fakeLister struct{ filter storage.LeadFilter }

func (l *fakeLister) ListLeads(_ context.Context, filter storage.LeadFilter) ([]*models.Lead, error) {
	l.filter = filter
	return []*models.Lead{{ID: 1}, {ID: 2}}, nil
}

func TestExportHandler(t *testing.T) {
	lister := &fakeLister{}
	exporter := &fakeExporter{}
	h := NewExportHandler(lister, exporter)

	last := epoch
	res, err := h.Handle(context.Background(), &models.Schedule{LastRunAt: &last})
	require.NoError(t, err)
	require.NotNil(t, lister.filter.Status)
	assert.Equal(t, models.LeadStatusQualified, *lister.filter.Status)
	assert.Equal(t, &last, lister.filter.Since)
	assert.Equal(t, 2, res.RecordsCreated)
	assert.Len(t, exporter.got, 2)

	_, err = h.Handle(context.Background(), &models.Schedule{TaskConfig: models.JSON{"status": "hot"}})
	require.NoError(t, err)
	assert.Equal(t, models.LeadStatusHot, *lister.filter.Status)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, *models.Schedule) (*TaskResult, error) { return &TaskResult{}, nil })
	r.Register(models.TaskExport, noop)
	r.Register(models.TaskCleanup, noop)

	_, ok := r.Get(models.TaskScraping)
	assert.False(t, ok)
	assert.Equal(t, []models.TaskType{models.TaskCleanup, models.TaskExport}, r.Types())
}
