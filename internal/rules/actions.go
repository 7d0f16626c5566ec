package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
)

// ErrMissingTemplate is returned by auto_respond when action_config has no template_id
var ErrMissingTemplate = errors.New("auto_respond requires action_config.template_id")

// Notifier delivers operator notifications
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// AutoResponder queues an outbound reply to a lead
type AutoResponder interface {
	CreateAutoResponse(ctx context.Context, leadID, templateID uint, delayMinutes int) error
}

// LeadUpdater persists lead mutations made by actions
type LeadUpdater interface {
	UpdateLead(ctx context.Context, lead *models.Lead) error
}

// ActionProcessor applies the side effect of a matched rule
type ActionProcessor struct {
	leads     LeadUpdater
	notifier  Notifier
	responder AutoResponder
	log       *logger.Logger
}

// NewActionProcessor creates an action processor. notifier and responder may be nil,
// in which case notify and auto_respond actions fail.
func NewActionProcessor(leads LeadUpdater, notifier Notifier, responder AutoResponder, log *logger.Logger) *ActionProcessor {
	return &ActionProcessor{
		leads:     leads,
		notifier:  notifier,
		responder: responder,
		log:       log.WithComponent("actions"),
	}
}

// Process applies rule.Action to the lead. A nil error means the action succeeded
// or was a deliberate no-op. It never panics.
func (p *ActionProcessor) Process(ctx context.Context, rule *models.Rule, lead *models.Lead) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", rule.Action, r)
		}
		if err != nil {
			p.log.Warn().Err(err).Uint("rule_id", rule.ID).Uint("lead_id", lead.ID).
				Str("action", string(rule.Action)).Msg("Rule action failed")
		}
	}()

	switch rule.Action {
	case models.ActionAccept:
		return p.setStatus(ctx, lead, models.LeadStatusQualified)
	case models.ActionReject:
		return p.setStatus(ctx, lead, models.LeadStatusRejected)

	case models.ActionPriorityHigh, models.ActionPriorityLow:
		// Only classify once, so repeated passes do not flip priority back and forth
		if !lead.IsNew() {
			return nil
		}
		status := models.LeadStatusHot
		if rule.Action == models.ActionPriorityLow {
			status = models.LeadStatusCold
		}
		return p.setStatus(ctx, lead, status)

	case models.ActionAutoRespond:
		return p.autoRespond(ctx, rule, lead)

	case models.ActionNotify:
		return p.notify(ctx, rule, lead)

	case models.ActionTag:
		changed := false
		for _, tag := range configTags(rule.ActionConfig) {
			if lead.AddTag(tag) {
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return p.leads.UpdateLead(ctx, lead)

	case models.ActionAssign:
		raw, ok := rule.ActionConfig["assign_to"]
		if !ok {
			return nil
		}
		assignee := strings.TrimSpace(cast.ToString(raw))
		if assignee == "" || assignee == lead.AssignedTo {
			return nil
		}
		lead.AssignedTo = assignee
		return p.leads.UpdateLead(ctx, lead)
	}

	return fmt.Errorf("unknown action %q", rule.Action)
}

func (p *ActionProcessor) setStatus(ctx context.Context, lead *models.Lead, status models.LeadStatus) error {
	if lead.Status == status {
		return nil
	}
	lead.Status = status
	if err := p.leads.UpdateLead(ctx, lead); err != nil {
		return fmt.Errorf("failed to update lead status: %w", err)
	}
	return nil
}

func (p *ActionProcessor) autoRespond(ctx context.Context, rule *models.Rule, lead *models.Lead) error {
	raw, ok := rule.ActionConfig["template_id"]
	if !ok {
		return ErrMissingTemplate
	}
	templateID, err := cast.ToUintE(raw)
	if err != nil || templateID == 0 {
		return ErrMissingTemplate
	}
	if p.responder == nil {
		return errors.New("no auto-responder configured")
	}

	delay := cast.ToInt(rule.ActionConfig["delay_minutes"])
	if delay < 0 {
		delay = 0
	}
	if err := p.responder.CreateAutoResponse(ctx, lead.ID, templateID, delay); err != nil {
		return fmt.Errorf("failed to create auto-response: %w", err)
	}
	return nil
}

func (p *ActionProcessor) notify(ctx context.Context, rule *models.Rule, lead *models.Lead) error {
	if p.notifier == nil {
		return errors.New("no notifier configured")
	}

	cfg := rule.ActionConfig
	n := &models.Notification{
		Type:     models.NotificationRuleMatch,
		Title:    stringOr(cfg["title"], "Rule Matched: "+rule.Name),
		Message:  stringOr(cfg["message"], fmt.Sprintf("Lead %q matched rule %q", lead.Title, rule.Name)),
		Priority: stringOr(cfg["priority"], "medium"),
		Channels: models.StringSlice{"in_app"},
		Data: models.JSON{
			"lead_id":   lead.ID,
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"lead_url":  lead.URL,
		},
	}
	if channels, err := cast.ToStringSliceE(cfg["channels"]); err == nil && len(channels) > 0 {
		n.Channels = channels
	}

	if err := p.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func configTags(cfg models.JSON) []string {
	var tags []string
	if tag := strings.TrimSpace(cast.ToString(cfg["tag"])); tag != "" {
		tags = append(tags, tag)
	}
	if list, err := cast.ToStringSliceE(cfg["tags"]); err == nil {
		for _, tag := range list {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func stringOr(v interface{}, fallback string) string {
	if s := strings.TrimSpace(cast.ToString(v)); s != "" {
		return s
	}
	return fallback
}
