package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
)

// Store is the persistence the engine needs
type Store interface {
	ExcludeStore
	LeadUpdater
	ListActiveRuleSets(ctx context.Context) ([]*models.RuleSet, error)
	ListRuleSetRules(ctx context.Context, setID uint) ([]*models.Rule, error)
	ListActiveStandaloneRules(ctx context.Context) ([]*models.Rule, error)
	RecordRuleEvaluation(ctx context.Context, id uint, matched bool, at time.Time) error
	RecordRuleSetEvaluation(ctx context.Context, id uint, matched bool, at time.Time) error
	CreateRuleExecution(ctx context.Context, exec *models.RuleExecution) error

	CreateRule(ctx context.Context, rule *models.Rule) error
	GetRuleByID(ctx context.Context, id uint) (*models.Rule, error)
	UpdateRule(ctx context.Context, rule *models.Rule) error
	CreateRuleSet(ctx context.Context, set *models.RuleSet) error
	GetRuleSetByID(ctx context.Context, id uint) (*models.RuleSet, error)
	AddRuleToSet(ctx context.Context, setID, ruleID uint, orderIndex int) error
}

// Recorder receives engine metrics
type Recorder interface {
	RuleEvaluated(kind string, matched bool, d time.Duration)
	LeadExcluded()
	ActionApplied(action string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RuleEvaluated(string, bool, time.Duration) {}
func (nopRecorder) LeadExcluded()                             {}
func (nopRecorder) ActionApplied(string, bool)                {}

// ProcessResult summarizes one lead's pass through the engine
type ProcessResult struct {
	LeadID            uint          `json:"lead_id"`
	Excluded          bool          `json:"excluded"`
	ExclusionReason   string        `json:"exclusion_reason,omitempty"`
	MatchedRuleIDs    []uint        `json:"matched_rule_ids"`
	MatchedRuleSetIDs []uint        `json:"matched_rule_set_ids"`
	ActionsApplied    []string      `json:"actions_applied"`
	ActionErrors      []string      `json:"action_errors,omitempty"`
	ProcessingTime    time.Duration `json:"processing_time"`
	Error             string        `json:"error,omitempty"`
}

// ProcessingTimeMs returns the processing time in milliseconds
func (r *ProcessResult) ProcessingTimeMs() float64 {
	return float64(r.ProcessingTime) / float64(time.Millisecond)
}

// Matched reports whether any rule or rule set matched
func (r *ProcessResult) Matched() bool {
	return len(r.MatchedRuleIDs) > 0 || len(r.MatchedRuleSetIDs) > 0
}

func (r *ProcessResult) addError(err error) {
	if r.Error == "" {
		r.Error = err.Error()
		return
	}
	r.Error += "; " + err.Error()
}

// Engine runs leads through exclude lists, rule sets and standalone rules
type Engine struct {
	store     Store
	evaluator *Evaluator
	excludes  *ExcludeProcessor
	actions   *ActionProcessor
	metrics   Recorder
	log       *logger.Logger
	now       func() time.Time
}

// NewEngine wires an engine over the store. notifier and responder back the notify and auto_respond actions.
func NewEngine(store Store, notifier Notifier, responder AutoResponder, log *logger.Logger) (*Engine, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:     store,
		evaluator: evaluator,
		excludes:  NewExcludeProcessor(store, log),
		actions:   NewActionProcessor(store, notifier, responder, log),
		metrics:   nopRecorder{},
		log:       log.WithComponent("rule_engine"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetMetrics attaches a metrics recorder
func (e *Engine) SetMetrics(m Recorder) {
	if m == nil {
		m = nopRecorder{}
	}
	e.metrics = m
}

// SetClock overrides the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.evaluator.SetClock(now)
	e.excludes.now = now
}

// ProcessLead runs the full pipeline for one lead. It never returns an error;
// failures are reported in the result and every evaluation is logged as a RuleExecution.
func (e *Engine) ProcessLead(ctx context.Context, lead *models.Lead) (result *ProcessResult) {
	start := time.Now()
	result = &ProcessResult{
		MatchedRuleIDs:    []uint{},
		MatchedRuleSetIDs: []uint{},
		ActionsApplied:    []string{},
	}
	if lead == nil {
		result.Error = "nil lead"
		return result
	}
	result.LeadID = lead.ID
	log := e.log.WithLeadID(lead.ID)

	defer func() {
		if r := recover(); r != nil {
			result.addError(fmt.Errorf("rule engine panicked: %v", r))
		}
		result.ProcessingTime = time.Since(start)
		if result.Error != "" {
			log.Error().Str("error", result.Error).Msg("Lead processing finished with errors")
		}
	}()

	excluded, reason, err := e.excludes.IsExcluded(ctx, lead)
	if err != nil {
		// Without the exclude check we cannot tell whether the lead may be acted on
		result.addError(err)
		return result
	}
	if excluded {
		result.Excluded = true
		result.ExclusionReason = reason
		e.metrics.LeadExcluded()
		if lead.Status != models.LeadStatusRejected {
			lead.Status = models.LeadStatusRejected
			if err := e.store.UpdateLead(ctx, lead); err != nil {
				result.addError(fmt.Errorf("failed to reject excluded lead: %w", err))
			}
		}
		log.Info().Str("reason", reason).Msg("Lead excluded")
		return result
	}

	e.processRuleSets(ctx, lead, result)
	e.processStandaloneRules(ctx, lead, result)

	log.Debug().
		Int("matched_rules", len(result.MatchedRuleIDs)).
		Int("matched_rule_sets", len(result.MatchedRuleSetIDs)).
		Msg("Lead processed")
	return result
}

func (e *Engine) processRuleSets(ctx context.Context, lead *models.Lead, result *ProcessResult) {
	sets, err := e.store.ListActiveRuleSets(ctx)
	if err != nil {
		result.addError(fmt.Errorf("failed to load rule sets: %w", err))
		return
	}

	for _, set := range sets {
		setStart := time.Now()
		members, err := e.store.ListRuleSetRules(ctx, set.ID)
		if err != nil {
			result.addError(fmt.Errorf("failed to load rules of set %d: %w", set.ID, err))
			continue
		}

		verdicts := make([]bool, 0, len(members))
		for _, rule := range members {
			ev, elapsed := e.evaluate(rule, lead)
			verdicts = append(verdicts, ev.Matched)

			data := snapshot(lead, rule.FieldName, ev.FieldValue, ev.Found)
			data["rule_set_id"] = set.ID
			e.recordRule(ctx, rule, lead, ev, elapsed, data, "", nil, result)
		}

		matched := combine(set.LogicOperator, verdicts)
		elapsed := time.Since(setStart)
		e.metrics.RuleEvaluated("rule_set", matched, elapsed)

		setID := set.ID
		exec := &models.RuleExecution{
			RuleSetID: &setID,
			LeadID:    lead.ID,
			Matched:   matched,
			EvaluationData: models.JSON{
				"logic_operator": string(set.LogicOperator),
				"member_results": verdicts,
				"member_count":   len(members),
			},
			ExecutionTimeMs: msSince(elapsed),
			ExecutedAt:      e.now(),
		}
		if err := e.store.CreateRuleExecution(ctx, exec); err != nil {
			result.addError(fmt.Errorf("failed to record rule set %d execution: %w", set.ID, err))
		}
		if err := e.store.RecordRuleSetEvaluation(ctx, set.ID, matched, e.now()); err != nil {
			result.addError(fmt.Errorf("failed to update rule set %d counters: %w", set.ID, err))
		}

		if matched {
			result.MatchedRuleSetIDs = append(result.MatchedRuleSetIDs, set.ID)
		}
	}
}

func (e *Engine) processStandaloneRules(ctx context.Context, lead *models.Lead, result *ProcessResult) {
	rules, err := e.store.ListActiveStandaloneRules(ctx)
	if err != nil {
		result.addError(fmt.Errorf("failed to load rules: %w", err))
		return
	}

	for _, rule := range rules {
		ev, elapsed := e.evaluate(rule, lead)

		var action string
		var succeeded *bool
		if ev.Matched {
			result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.ID)
			action = string(rule.Action)

			ok := true
			if err := e.actions.Process(ctx, rule, lead); err != nil {
				ok = false
				result.ActionErrors = append(result.ActionErrors, fmt.Sprintf("rule %d (%s): %v", rule.ID, rule.Action, err))
			} else {
				result.ActionsApplied = append(result.ActionsApplied, action)
			}
			succeeded = &ok
			e.metrics.ActionApplied(action, ok)
		}

		data := snapshot(lead, rule.FieldName, ev.FieldValue, ev.Found)
		e.recordRule(ctx, rule, lead, ev, elapsed, data, action, succeeded, result)
	}
}

func (e *Engine) evaluate(rule *models.Rule, lead *models.Lead) (Evaluation, time.Duration) {
	start := time.Now()
	ev := e.evaluator.Evaluate(rule, lead)
	elapsed := time.Since(start)
	if ev.Err != nil {
		e.log.WithRuleID(rule.ID).Debug().Err(ev.Err).Uint("lead_id", lead.ID).Msg("Rule evaluation failed")
	}
	e.metrics.RuleEvaluated("rule", ev.Matched, elapsed)
	return ev, elapsed
}

func (e *Engine) recordRule(ctx context.Context, rule *models.Rule, lead *models.Lead, ev Evaluation,
	elapsed time.Duration, data models.JSON, action string, succeeded *bool, result *ProcessResult) {
	ruleID := rule.ID
	exec := &models.RuleExecution{
		RuleID:          &ruleID,
		LeadID:          lead.ID,
		Matched:         ev.Matched,
		EvaluationData:  data,
		ExecutionTimeMs: msSince(elapsed),
		ActionTaken:     action,
		ActionSucceeded: succeeded,
		ExecutedAt:      e.now(),
	}
	if ev.Err != nil {
		exec.ErrorMessage = ev.Err.Error()
	}
	if err := e.store.CreateRuleExecution(ctx, exec); err != nil {
		result.addError(fmt.Errorf("failed to record rule %d execution: %w", rule.ID, err))
	}
	if err := e.store.RecordRuleEvaluation(ctx, rule.ID, ev.Matched, e.now()); err != nil {
		result.addError(fmt.Errorf("failed to update rule %d counters: %w", rule.ID, err))
	}
}

// combine folds member verdicts. NOT negates the first member only; an empty set never matches.
func combine(op models.LogicOperator, verdicts []bool) bool {
	if len(verdicts) == 0 {
		return false
	}
	switch strings.ToUpper(string(op)) {
	case string(models.LogicAnd):
		for _, v := range verdicts {
			if !v {
				return false
			}
		}
		return true
	case string(models.LogicOr):
		for _, v := range verdicts {
			if v {
				return true
			}
		}
		return false
	case string(models.LogicNot):
		return !verdicts[0]
	}
	return false
}

func msSince(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
