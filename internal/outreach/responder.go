package outreach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/leadflow/internal/ai"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/rules"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

// ErrTemplateInactive is returned when queuing a reply with a disabled template
var ErrTemplateInactive = errors.New("response template is not active")

// ResponderStore is the persistence the responder needs
type ResponderStore interface {
	GetLeadByID(ctx context.Context, id uint) (*models.Lead, error)
	UpdateLead(ctx context.Context, lead *models.Lead) error
	GetResponseTemplate(ctx context.Context, id uint) (*models.ResponseTemplate, error)
	CreateAutoResponse(ctx context.Context, ar *models.AutoResponse) error
	UpdateAutoResponse(ctx context.Context, ar *models.AutoResponse) error
	ListDueAutoResponses(ctx context.Context, now time.Time, limit int) ([]*models.AutoResponse, error)
}

// Sender delivers a composed reply to a lead
type Sender interface {
	Send(ctx context.Context, lead *models.Lead, subject, body string) error
}

// Drafter writes a reply with an LLM. *ai.Client implements it.
type Drafter interface {
	DraftResponse(ctx context.Context, lead *models.Lead, tmpl *models.ResponseTemplate) (*ai.Draft, error)
}

// LogSender writes replies to the log instead of sending them
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a sender that only logs
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("log-sender")}
}

// Send logs the reply
func (s *LogSender) Send(_ context.Context, lead *models.Lead, subject, body string) error {
	if lead.Email == "" && lead.Phone == "" {
		return fmt.Errorf("lead %d has no contact details", lead.ID)
	}
	s.log.Info().
		Uint("lead_id", lead.ID).
		Str("to", contactOf(lead)).
		Str("subject", subject).
		Int("body_len", len(body)).
		Msg("Auto-response sent")
	return nil
}

func contactOf(lead *models.Lead) string {
	if lead.Email != "" {
		return lead.Email
	}
	return lead.Phone
}

// Responder queues auto-responses and delivers them when they come due
type Responder struct {
	store   ResponderStore
	sender  Sender
	drafter Drafter
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
	now     func() time.Time
}

// NewResponder creates a responder. Without a drafter, templates flagged
// use_ai are rendered like any other template.
func NewResponder(store ResponderStore, sender Sender, log *logger.Logger) *Responder {
	return &Responder{
		store:  store,
		sender: sender,
		log:    log.WithComponent("responder"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetDrafter enables AI drafting for templates that ask for it
func (r *Responder) SetDrafter(d Drafter) {
	r.drafter = d
}

// SetLimiter throttles deliveries with the auto_response limiter
func (r *Responder) SetLimiter(l *ratelimit.MultiLimiter) {
	r.limiter = l
}

// SetClock overrides the time source. Used by tests.
func (r *Responder) SetClock(now func() time.Time) {
	r.now = now
}

// CreateAutoResponse queues a reply to a lead using templateID, due after delayMinutes
func (r *Responder) CreateAutoResponse(ctx context.Context, leadID, templateID uint, delayMinutes int) error {
	tmpl, err := r.store.GetResponseTemplate(ctx, templateID)
	if err != nil {
		return fmt.Errorf("failed to load response template %d: %w", templateID, err)
	}
	if !tmpl.IsActive {
		return fmt.Errorf("template %d: %w", templateID, ErrTemplateInactive)
	}
	if delayMinutes < 0 {
		delayMinutes = 0
	}

	ar := &models.AutoResponse{
		LeadID:       leadID,
		TemplateID:   templateID,
		Status:       models.AutoResponsePending,
		ScheduledFor: r.now().Add(time.Duration(delayMinutes) * time.Minute),
	}
	if err := r.store.CreateAutoResponse(ctx, ar); err != nil {
		return fmt.Errorf("failed to queue auto-response: %w", err)
	}

	r.log.Debug().
		Uint("lead_id", leadID).
		Uint("template_id", templateID).
		Time("scheduled_for", ar.ScheduledFor).
		Msg("Auto-response queued")
	return nil
}

// DispatchDue sends up to limit pending replies whose time has come.
// Individual failures are recorded on the row; err is set only when the batch cannot continue.
func (r *Responder) DispatchDue(ctx context.Context, limit int) (sent, failed int, err error) {
	due, err := r.store.ListDueAutoResponses(ctx, r.now(), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list due auto-responses: %w", err)
	}

	for _, ar := range due {
		if r.limiter != nil && r.limiter.Has(ratelimit.LimiterAutoResponse) {
			if err := r.limiter.Wait(ctx, ratelimit.LimiterAutoResponse); err != nil {
				return sent, failed, fmt.Errorf("rate limit error: %w", err)
			}
		}

		if err := r.dispatch(ctx, ar); err != nil {
			failed++
			ar.Status = models.AutoResponseFailed
			ar.ErrorMessage = err.Error()
			r.log.Warn().Err(err).Uint("auto_response_id", ar.ID).Uint("lead_id", ar.LeadID).Msg("Auto-response failed")
		} else {
			sent++
			now := r.now()
			ar.Status = models.AutoResponseSent
			ar.SentAt = &now
			ar.ErrorMessage = ""
		}

		if err := r.store.UpdateAutoResponse(context.WithoutCancel(ctx), ar); err != nil {
			return sent, failed, fmt.Errorf("failed to update auto-response %d: %w", ar.ID, err)
		}
	}

	if len(due) > 0 {
		r.log.Info().Int("sent", sent).Int("failed", failed).Msg("Auto-responses dispatched")
	}
	return sent, failed, nil
}

func (r *Responder) dispatch(ctx context.Context, ar *models.AutoResponse) error {
	lead, err := r.store.GetLeadByID(ctx, ar.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}
	tmpl, err := r.store.GetResponseTemplate(ctx, ar.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}

	subject, body, err := r.compose(ctx, lead, tmpl)
	if err != nil {
		return err
	}
	ar.Subject = subject
	ar.Body = body

	if err := r.sender.Send(ctx, lead, subject, body); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	if lead.Status != models.LeadStatusRejected && lead.Status != models.LeadStatusContacted {
		lead.Status = models.LeadStatusContacted
		if err := r.store.UpdateLead(ctx, lead); err != nil {
			r.log.Warn().Err(err).Uint("lead_id", lead.ID).Msg("Failed to mark lead contacted")
		}
	}
	return nil
}

// compose drafts the reply with the LLM when the template asks for it and
// falls back to rendering the template if drafting fails
func (r *Responder) compose(ctx context.Context, lead *models.Lead, tmpl *models.ResponseTemplate) (string, string, error) {
	if tmpl.UseAI && r.drafter != nil {
		draft, err := r.drafter.DraftResponse(ctx, lead, tmpl)
		if err == nil {
			return draft.Subject, draft.Body, nil
		}
		r.log.Warn().Err(err).Uint("lead_id", lead.ID).Msg("AI draft failed, rendering template")
	}

	subject, err := Render(tmpl.Subject, lead)
	if err != nil {
		return "", "", fmt.Errorf("subject: %w", err)
	}
	body, err := Render(tmpl.Body, lead)
	if err != nil {
		return "", "", fmt.Errorf("body: %w", err)
	}
	if body == "" {
		return "", "", fmt.Errorf("template %d rendered an empty body", tmpl.ID)
	}
	return subject, body, nil
}

// Render executes a text/template against the lead, e.g. "Hi {{.ContactName}}"
func Render(text string, lead *models.Lead) (string, error) {
	tpl, err := template.New("response").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, lead); err != nil {
		return "", fmt.Errorf("render failed: %w", err)
	}
	return buf.String(), nil
}

var _ rules.AutoResponder = (*Responder)(nil)
