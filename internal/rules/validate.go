package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"

	"github.com/leadflow/internal/models"
)

var validOperators = map[models.RuleOperator]bool{
	models.OperatorEquals:      true,
	models.OperatorNotEquals:   true,
	models.OperatorContains:    true,
	models.OperatorNotContains: true,
	models.OperatorStartsWith:  true,
	models.OperatorEndsWith:    true,
	models.OperatorRegexMatch:  true,
	models.OperatorGT:          true,
	models.OperatorLT:          true,
	models.OperatorGTE:         true,
	models.OperatorLTE:         true,
	models.OperatorBetween:     true,
	models.OperatorInList:      true,
	models.OperatorNotInList:   true,
	models.OperatorIsEmpty:     true,
	models.OperatorIsNotEmpty:  true,
	models.OperatorExpression:  true,
}

var validActions = map[models.RuleAction]bool{
	models.ActionAccept:       true,
	models.ActionReject:       true,
	models.ActionPriorityHigh: true,
	models.ActionPriorityLow:  true,
	models.ActionAutoRespond:  true,
	models.ActionNotify:       true,
	models.ActionTag:          true,
	models.ActionAssign:       true,
}

// Validate checks a rule before it is saved. Problems that evaluation
// tolerates at runtime (bad regex, unknown field) are rejected here.
func (e *Evaluator) Validate(rule *models.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !validOperators[rule.Operator] {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, rule.Operator)
	}
	if !validActions[rule.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, rule.Action)
	}

	if rule.Operator == models.OperatorExpression {
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("%w: expression is required", ErrInvalidRule)
		}
		if _, err := e.exprs.program(rule.Expression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	} else if !IsKnownField(rule.FieldName) {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidRule, rule.FieldName)
	}

	switch rule.Operator {
	case models.OperatorRegexMatch:
		pattern := regexPattern(rule)
		if pattern == "" {
			return fmt.Errorf("%w: regex_pattern is required", ErrInvalidRule)
		}
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("%w: invalid regex: %v", ErrInvalidRule, err)
		}
	case models.OperatorGT, models.OperatorLT, models.OperatorGTE, models.OperatorLTE:
		if _, ok := floatValue(rule.Value); !ok {
			return fmt.Errorf("%w: %s requires a numeric value", ErrInvalidRule, rule.Operator)
		}
	case models.OperatorBetween:
		if rule.MinValue == nil || rule.MaxValue == nil {
			return fmt.Errorf("%w: between requires min_value and max_value", ErrInvalidRule)
		}
		if *rule.MinValue > *rule.MaxValue {
			return fmt.Errorf("%w: min_value is greater than max_value", ErrInvalidRule)
		}
	case models.OperatorInList, models.OperatorNotInList:
		if len(listOf(rule)) == 0 {
			return fmt.Errorf("%w: %s requires value_list", ErrInvalidRule, rule.Operator)
		}
	}

	switch rule.Action {
	case models.ActionAutoRespond:
		if id, err := cast.ToUintE(rule.ActionConfig["template_id"]); err != nil || id == 0 {
			return fmt.Errorf("%w: auto_respond requires action_config.template_id", ErrInvalidRule)
		}
	case models.ActionTag:
		if len(configTags(rule.ActionConfig)) == 0 {
			return fmt.Errorf("%w: tag requires action_config.tag or action_config.tags", ErrInvalidRule)
		}
	}

	return nil
}

// ValidateRuleSet checks a rule set before it is saved
func ValidateRuleSet(set *models.RuleSet) error {
	if set == nil || strings.TrimSpace(set.Name) == "" {
		return fmt.Errorf("%w: rule set name is required", ErrInvalidRule)
	}
	switch set.LogicOperator {
	case models.LogicAnd, models.LogicOr, models.LogicNot:
		return nil
	}
	return fmt.Errorf("%w: unknown logic operator %q", ErrInvalidRule, set.LogicOperator)
}
