package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
)

type memLeads struct {
	updates int
}

func (m *memLeads) UpdateLead(context.Context, *models.Lead) error {
	m.updates++
	return nil
}

func TestProcessAction(t *testing.T) {
	ctx := context.Background()

	t.Run("priority only applies to new leads", func(t *testing.T) {
		leads := &memLeads{}
		p := NewActionProcessor(leads, nil, nil, logger.Nop())

		lead := &models.Lead{Status: models.LeadStatusNew}
		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionPriorityHigh}, lead))
		assert.Equal(t, models.LeadStatusHot, lead.Status)

		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionPriorityLow}, lead))
		assert.Equal(t, models.LeadStatusHot, lead.Status, "already classified lead keeps its priority")
		assert.Equal(t, 1, leads.updates)
	})

	t.Run("accept and reject", func(t *testing.T) {
		p := NewActionProcessor(&memLeads{}, nil, nil, logger.Nop())
		lead := &models.Lead{Status: models.LeadStatusHot}

		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionAccept}, lead))
		assert.Equal(t, models.LeadStatusQualified, lead.Status)
		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionReject}, lead))
		assert.Equal(t, models.LeadStatusRejected, lead.Status)
	})

	t.Run("auto_respond requires template", func(t *testing.T) {
		responder := &mockResponder{}
		p := NewActionProcessor(&memLeads{}, nil, responder, logger.Nop())
		lead := &models.Lead{ID: 4}

		err := p.Process(ctx, &models.Rule{Action: models.ActionAutoRespond, ActionConfig: models.JSON{}}, lead)
		assert.ErrorIs(t, err, ErrMissingTemplate)

		err = p.Process(ctx, &models.Rule{Action: models.ActionAutoRespond, ActionConfig: models.JSON{"template_id": "9"}}, lead)
		require.NoError(t, err)
		assert.Equal(t, []autoResponseCall{{4, 9, 0}}, responder.calls)
	})

	t.Run("notify overrides", func(t *testing.T) {
		notifier := &mockNotifier{}
		p := NewActionProcessor(&memLeads{}, notifier, nil, logger.Nop())

		rule := &models.Rule{ID: 2, Name: "r", Action: models.ActionNotify, ActionConfig: models.JSON{
			"title": "Hot lead", "priority": "high", "channels": []interface{}{"log", "in_app"},
		}}
		require.NoError(t, p.Process(ctx, rule, &models.Lead{ID: 1, Title: "x"}))
		require.Len(t, notifier.sent, 1)
		assert.Equal(t, "Hot lead", notifier.sent[0].Title)
		assert.Equal(t, "high", notifier.sent[0].Priority)
		assert.Equal(t, models.StringSlice{"log", "in_app"}, notifier.sent[0].Channels)
	})

	t.Run("notify without notifier fails", func(t *testing.T) {
		p := NewActionProcessor(&memLeads{}, nil, nil, logger.Nop())
		assert.Error(t, p.Process(ctx, &models.Rule{Action: models.ActionNotify}, &models.Lead{}))
	})

	t.Run("tag and assign", func(t *testing.T) {
		leads := &memLeads{}
		p := NewActionProcessor(leads, nil, nil, logger.Nop())
		lead := &models.Lead{Tags: models.StringSlice{"web"}}

		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionTag,
			ActionConfig: models.JSON{"tag": "urgent", "tags": []interface{}{"web", "local"}}}, lead))
		assert.Equal(t, models.StringSlice{"web", "urgent", "local"}, lead.Tags)

		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionAssign, ActionConfig: models.JSON{}}, lead))
		assert.Empty(t, lead.AssignedTo, "missing assign_to is a no-op")

		require.NoError(t, p.Process(ctx, &models.Rule{Action: models.ActionAssign, ActionConfig: models.JSON{"assign_to": "sam"}}, lead))
		assert.Equal(t, "sam", lead.AssignedTo)
		assert.Equal(t, 2, leads.updates)
	})

	t.Run("panics are recovered", func(t *testing.T) {
		p := NewActionProcessor(nil, nil, nil, logger.Nop())
		err := p.Process(ctx, &models.Rule{Action: models.ActionAccept}, &models.Lead{})
		assert.Error(t, err)
	})
}
