package rules

import (
	"context"
	"fmt"

	"github.com/leadflow/internal/models"
)

// CreateRule validates a rule and saves it
func (e *Engine) CreateRule(ctx context.Context, rule *models.Rule) error {
	if err := e.evaluator.Validate(rule); err != nil {
		return err
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	e.log.WithRuleID(rule.ID).Info().
		Str("operator", string(rule.Operator)).
		Str("action", string(rule.Action)).
		Msg("Rule created")
	return nil
}

// UpdateRule validates a changed rule and saves it
func (e *Engine) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if rule == nil || rule.ID == 0 {
		return fmt.Errorf("%w: update needs an existing rule", ErrInvalidRule)
	}
	if err := e.evaluator.Validate(rule); err != nil {
		return err
	}
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	return nil
}

// CreateRuleSet validates a rule set and saves it, then links ruleIDs in order.
// Members must already exist.
func (e *Engine) CreateRuleSet(ctx context.Context, set *models.RuleSet, ruleIDs ...uint) error {
	if err := ValidateRuleSet(set); err != nil {
		return err
	}
	for _, id := range ruleIDs {
		if _, err := e.store.GetRuleByID(ctx, id); err != nil {
			return fmt.Errorf("%w: member rule %d: %v", ErrInvalidRule, id, err)
		}
	}

	if err := e.store.CreateRuleSet(ctx, set); err != nil {
		return fmt.Errorf("failed to create rule set: %w", err)
	}
	for i, id := range ruleIDs {
		if err := e.store.AddRuleToSet(ctx, set.ID, id, i); err != nil {
			return fmt.Errorf("failed to add rule %d to set %d: %w", id, set.ID, err)
		}
	}
	e.log.Info().
		Uint("rule_set_id", set.ID).
		Str("logic", string(set.LogicOperator)).
		Int("members", len(ruleIDs)).
		Msg("Rule set created")
	return nil
}

// AddRuleToSet links an existing rule into an existing set at orderIndex
func (e *Engine) AddRuleToSet(ctx context.Context, setID, ruleID uint, orderIndex int) error {
	if _, err := e.store.GetRuleSetByID(ctx, setID); err != nil {
		return fmt.Errorf("rule set %d: %w", setID, err)
	}
	if _, err := e.store.GetRuleByID(ctx, ruleID); err != nil {
		return fmt.Errorf("rule %d: %w", ruleID, err)
	}
	return e.store.AddRuleToSet(ctx, setID, ruleID, orderIndex)
}
