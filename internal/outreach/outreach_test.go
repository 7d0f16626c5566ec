package outreach

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/ai"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/storage/gormrepo"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

func newTestRepo(t *testing.T) *gormrepo.Repository {
	t.Helper()
	repo, err := gormrepo.New(gormrepo.DriverSQLite, filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestNotifyDeliveryStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc := NewNotificationService(repo, []string{ChannelInApp, ChannelLog}, nil, logger.Nop())

	t.Run("defaults to in_app", func(t *testing.T) {
		n := &models.Notification{Title: "Hot lead"}
		require.NoError(t, svc.Notify(ctx, n))
		assert.NotZero(t, n.ID)
		assert.Equal(t, models.NotificationDelivered, n.Status)
		assert.Equal(t, "medium", n.Priority)
		assert.Equal(t, models.StringSlice{ChannelInApp}, n.Channels)
		assert.NotNil(t, n.DeliveredAt)
	})

	t.Run("partial", func(t *testing.T) {
		n := &models.Notification{Title: "x", Channels: models.StringSlice{ChannelLog, "email"}}
		require.NoError(t, svc.Notify(ctx, n))
		assert.Equal(t, models.NotificationPartial, n.Status)
	})

	t.Run("failed", func(t *testing.T) {
		n := &models.Notification{Title: "x", Channels: models.StringSlice{"slack"}}
		assert.Error(t, svc.Notify(ctx, n))
		assert.Equal(t, models.NotificationFailed, n.Status)
		assert.Nil(t, n.DeliveredAt)
	})

	t.Run("title required", func(t *testing.T) {
		assert.Error(t, svc.Notify(ctx, &models.Notification{}))
	})

	stored, err := repo.ListNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestNotifyRateLimited(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMultiLimiter()
	limiter.AddLimiter(ratelimit.NotificationLimiter(ChannelLog), 0.0001, 1)

	svc := NewNotificationService(newTestRepo(t), []string{ChannelLog}, limiter, logger.Nop())

	require.NoError(t, svc.Notify(ctx, &models.Notification{Title: "first", Channels: models.StringSlice{ChannelLog}}))

	n := &models.Notification{Title: "second", Channels: models.StringSlice{ChannelLog}}
	assert.Error(t, svc.Notify(ctx, n))
	assert.Equal(t, models.NotificationFailed, n.Status)
}

type sentMessage struct {
	leadID        uint
	subject, body string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *mockSender) Send(_ context.Context, lead *models.Lead, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{leadID: lead.ID, subject: subject, body: body})
	return nil
}

type mockDrafter struct {
	draft *ai.Draft
	err   error
	calls int
}

func (d *mockDrafter) DraftResponse(context.Context, *models.Lead, *models.ResponseTemplate) (*ai.Draft, error) {
	d.calls++
	return d.draft, d.err
}

type responderFixture struct {
	repo      *gormrepo.Repository
	sender    *mockSender
	responder *Responder
	now       time.Time
}

func newResponderFixture(t *testing.T) *responderFixture {
	f := &responderFixture{
		repo:   newTestRepo(t),
		sender: &mockSender{},
		now:    time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC),
	}
	f.responder = NewResponder(f.repo, f.sender, logger.Nop())
	f.responder.SetClock(func() time.Time { return f.now })
	return f
}

func (f *responderFixture) lead(t *testing.T, email string) *models.Lead {
	lead := &models.Lead{ExternalID: email, Title: "Need a plumber", ContactName: "Jo", Email: email}
	require.NoError(t, f.repo.CreateLead(context.Background(), lead))
	return lead
}

func (f *responderFixture) template(t *testing.T, tmpl *models.ResponseTemplate) *models.ResponseTemplate {
	require.NoError(t, f.repo.CreateResponseTemplate(context.Background(), tmpl))
	return tmpl
}

func TestCreateAutoResponse(t *testing.T) {
	ctx := context.Background()
	f := newResponderFixture(t)
	lead := f.lead(t, "jo@example.com")

	inactive := f.template(t, &models.ResponseTemplate{Name: "old", Body: "hi", IsActive: false})
	err := f.responder.CreateAutoResponse(ctx, lead.ID, inactive.ID, 0)
	assert.ErrorIs(t, err, ErrTemplateInactive)

	assert.Error(t, f.responder.CreateAutoResponse(ctx, lead.ID, 999, 0))

	tmpl := f.template(t, &models.ResponseTemplate{Name: "hello", Body: "hi", IsActive: true})
	require.NoError(t, f.responder.CreateAutoResponse(ctx, lead.ID, tmpl.ID, 10))

	due, err := f.repo.ListDueAutoResponses(ctx, f.now, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before the delay")

	due, err = f.repo.ListDueAutoResponses(ctx, f.now.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.AutoResponsePending, due[0].Status)
}

func TestDispatchDue(t *testing.T) {
	ctx := context.Background()
	f := newResponderFixture(t)

	good := f.lead(t, "jo@example.com")
	other := f.lead(t, "sam@example.com")
	tmpl := f.template(t, &models.ResponseTemplate{
		Name:     "hello",
		Subject:  "Re: {{.Title}}",
		Body:     "Hi {{.ContactName}}, we can help.",
		IsActive: true,
	})
	broken := f.template(t, &models.ResponseTemplate{Name: "broken", Body: "{{.NoSuchField}}", IsActive: true})

	require.NoError(t, f.responder.CreateAutoResponse(ctx, good.ID, tmpl.ID, 0))
	require.NoError(t, f.responder.CreateAutoResponse(ctx, other.ID, broken.ID, 0))
	require.NoError(t, f.responder.CreateAutoResponse(ctx, other.ID, tmpl.ID, 60))

	sent, failed, err := f.responder.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)

	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	assert.Equal(t, good.ID, msg.leadID)
	assert.Equal(t, "Re: Need a plumber", msg.subject)
	assert.Equal(t, "Hi Jo, we can help.", msg.body)

	contacted, err := f.repo.GetLeadByID(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadStatusContacted, contacted.Status)

	// Only the delayed reply is still pending
	f.now = f.now.Add(2 * time.Hour)
	due, err := f.repo.ListDueAutoResponses(ctx, f.now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, other.ID, due[0].LeadID)
}

func TestDispatchDueSenderFailure(t *testing.T) {
	ctx := context.Background()
	f := newResponderFixture(t)
	f.sender.err = errors.New("smtp down")

	lead := f.lead(t, "jo@example.com")
	tmpl := f.template(t, &models.ResponseTemplate{Name: "hello", Body: "hi", IsActive: true})
	require.NoError(t, f.responder.CreateAutoResponse(ctx, lead.ID, tmpl.ID, 0))

	sent, failed, err := f.responder.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)

	due, err := f.repo.ListDueAutoResponses(ctx, f.now, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "failed replies are not retried")

	unchanged, err := f.repo.GetLeadByID(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadStatusNew, unchanged.Status)
}

func TestDispatchDueWithDrafter(t *testing.T) {
	ctx := context.Background()
	f := newResponderFixture(t)
	drafter := &mockDrafter{draft: &ai.Draft{Subject: "AI subject", Body: "AI body"}}
	f.responder.SetDrafter(drafter)

	lead := f.lead(t, "jo@example.com")
	aiTmpl := f.template(t, &models.ResponseTemplate{Name: "ai", Subject: "Hello", Body: "fallback body", UseAI: true, IsActive: true})
	plain := f.template(t, &models.ResponseTemplate{Name: "plain", Body: "plain body", IsActive: true})

	require.NoError(t, f.responder.CreateAutoResponse(ctx, lead.ID, aiTmpl.ID, 0))
	require.NoError(t, f.responder.CreateAutoResponse(ctx, lead.ID, plain.ID, 0))

	sent, _, err := f.responder.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, drafter.calls, "only use_ai templates are drafted")
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "AI body", f.sender.sent[0].body)
	assert.Equal(t, "plain body", f.sender.sent[1].body)

	// Draft failures fall back to the template
	drafter.err = errors.New("overloaded")
	require.NoError(t, f.responder.CreateAutoResponse(ctx, lead.ID, aiTmpl.ID, 0))
	sent, _, err = f.responder.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, "fallback body", f.sender.sent[2].body)
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(logger.Nop())
	assert.NoError(t, s.Send(context.Background(), &models.Lead{ID: 1, Phone: "555-0100"}, "s", "b"))
	assert.Error(t, s.Send(context.Background(), &models.Lead{ID: 2}, "s", "b"))
}

func TestRender(t *testing.T) {
	out, err := Render("{{.Title}} in {{with .Location}}{{.City}}{{else}}your area{{end}}", &models.Lead{Title: "Roof repair"})
	require.NoError(t, err)
	assert.Equal(t, "Roof repair in your area", out)

	_, err = Render("{{.Title", &models.Lead{})
	assert.Error(t, err)
}
