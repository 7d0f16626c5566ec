package rules

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/leadflow/internal/models"
)

var (
	// ErrInvalidRule is returned by Validate
	ErrInvalidRule = errors.New("invalid rule")
	// ErrFieldNotFound marks an evaluation against a field no accessor knows about
	ErrFieldNotFound = errors.New("field not found")
	// ErrUnknownOperator marks an evaluation with an operator outside the supported set
	ErrUnknownOperator = errors.New("unknown operator")
)

// Evaluation is the outcome of evaluating one rule against one lead.
// Err is informational. Operator and expression failures never match; an
// unknown field reports ErrFieldNotFound and is evaluated as null.
type Evaluation struct {
	Matched    bool
	FieldValue interface{}
	Found      bool
	Err        error
}

// Evaluator evaluates rules against leads. It is safe for concurrent use.
type Evaluator struct {
	now   func() time.Time
	exprs *expressionCache

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

// NewEvaluator creates an evaluator using the wall clock
func NewEvaluator() (*Evaluator, error) {
	exprs, err := newExpressionCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		now:     func() time.Time { return time.Now().UTC() },
		exprs:   exprs,
		regexes: make(map[string]*regexp.Regexp),
	}, nil
}

// SetClock overrides the time source used by computed fields such as age_hours
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate resolves the rule's field on the lead and applies its operator.
// It never panics; failures come back as a non-matching Evaluation with Err set.
func (e *Evaluator) Evaluate(rule *models.Rule, lead *models.Lead) (ev Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			ev = Evaluation{Err: fmt.Errorf("rule evaluation panicked: %v", r)}
		}
	}()

	if rule == nil || lead == nil {
		return Evaluation{Err: errors.New("nil rule or lead")}
	}

	now := e.now()

	if rule.Operator == models.OperatorExpression {
		matched, err := e.exprs.eval(rule.Expression, leadFacts(lead, now))
		return Evaluation{Matched: matched && err == nil, Found: true, Err: err}
	}

	value, found := ResolveField(lead, rule.FieldName, now)
	if !found {
		matched, err := e.apply(rule, nil)
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrFieldNotFound, rule.FieldName)
			return Evaluation{Matched: matched, Err: err}
		}
		return Evaluation{Err: err}
	}

	matched, err := e.apply(rule, value)
	return Evaluation{Matched: matched && err == nil, FieldValue: value, Found: true, Err: err}
}

// Matches is Evaluate reduced to its verdict
func (e *Evaluator) Matches(rule *models.Rule, lead *models.Lead) bool {
	return e.Evaluate(rule, lead).Matched
}

func (e *Evaluator) apply(rule *models.Rule, value interface{}) (bool, error) {
	switch rule.Operator {
	case models.OperatorEquals:
		return equalsValue(value, rule.Value), nil
	case models.OperatorNotEquals:
		if value == nil {
			return true, nil
		}
		return !equalsValue(value, rule.Value), nil

	case models.OperatorContains:
		return containsValue(value, rule.Value), nil
	case models.OperatorNotContains:
		if value == nil {
			return true, nil
		}
		return !containsValue(value, rule.Value), nil

	case models.OperatorStartsWith:
		s, ok := stringValue(value)
		return ok && strings.HasPrefix(strings.ToLower(s), strings.ToLower(rule.Value)), nil
	case models.OperatorEndsWith:
		s, ok := stringValue(value)
		return ok && strings.HasSuffix(strings.ToLower(s), strings.ToLower(rule.Value)), nil

	case models.OperatorRegexMatch:
		s, ok := stringValue(value)
		if !ok {
			return false, nil
		}
		re, err := e.regex(regexPattern(rule))
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil

	case models.OperatorGT, models.OperatorLT, models.OperatorGTE, models.OperatorLTE:
		left, ok := floatValue(value)
		if !ok {
			return false, nil
		}
		right, ok := floatValue(rule.Value)
		if !ok {
			return false, nil
		}
		switch rule.Operator {
		case models.OperatorGT:
			return left > right, nil
		case models.OperatorLT:
			return left < right, nil
		case models.OperatorGTE:
			return left >= right, nil
		default:
			return left <= right, nil
		}

	case models.OperatorBetween:
		v, ok := floatValue(value)
		if !ok || rule.MinValue == nil || rule.MaxValue == nil {
			return false, nil
		}
		return v >= *rule.MinValue && v <= *rule.MaxValue, nil

	case models.OperatorInList:
		return inList(value, listOf(rule)), nil
	case models.OperatorNotInList:
		if value == nil {
			return true, nil
		}
		return !inList(value, listOf(rule)), nil

	case models.OperatorIsEmpty:
		return isEmpty(value), nil
	case models.OperatorIsNotEmpty:
		return !isEmpty(value), nil
	}

	return false, fmt.Errorf("%w: %s", ErrUnknownOperator, rule.Operator)
}

func (e *Evaluator) regex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.regexes[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}

	e.mu.Lock()
	e.regexes[pattern] = re
	e.mu.Unlock()
	return re, nil
}

func regexPattern(rule *models.Rule) string {
	if rule.RegexPattern != "" {
		return rule.RegexPattern
	}
	return rule.Value
}

// listOf returns value_list, falling back to a comma separated value
func listOf(rule *models.Rule) []string {
	if len(rule.ValueList) > 0 {
		return rule.ValueList
	}
	if strings.TrimSpace(rule.Value) == "" {
		return nil
	}
	parts := strings.Split(rule.Value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func stringValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	case *time.Time:
		if t == nil {
			return "", false
		}
		return t.UTC().Format(time.RFC3339), true
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

func floatValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		v = strings.TrimSpace(t)
	case bool:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func stringList(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case models.StringSlice:
		return t, true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := stringValue(item); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func equalsValue(v interface{}, want string) bool {
	if v == nil {
		return false
	}
	if items, ok := stringList(v); ok {
		return len(items) == 1 && strings.EqualFold(items[0], want)
	}
	s, ok := stringValue(v)
	if !ok {
		return false
	}
	if strings.EqualFold(s, want) {
		return true
	}
	// "250" and "250.00" are the same price
	if _, isString := v.(string); !isString {
		left, lok := floatValue(v)
		right, rok := floatValue(want)
		return lok && rok && left == right
	}
	return false
}

func containsValue(v interface{}, needle string) bool {
	if v == nil {
		return false
	}
	if items, ok := stringList(v); ok {
		for _, item := range items {
			if strings.EqualFold(item, needle) {
				return true
			}
		}
		return false
	}
	s, ok := stringValue(v)
	return ok && strings.Contains(strings.ToLower(s), strings.ToLower(needle))
}

func inList(v interface{}, list []string) bool {
	if v == nil || len(list) == 0 {
		return false
	}
	if items, ok := stringList(v); ok {
		for _, item := range items {
			if inList(item, list) {
				return true
			}
		}
		return false
	}
	s, ok := stringValue(v)
	if !ok {
		return false
	}
	for _, candidate := range list {
		if strings.EqualFold(s, candidate) {
			return true
		}
	}
	return false
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}
