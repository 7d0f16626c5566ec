package models

import (
	"time"
)

// RuleOperator is the comparison a rule applies to a lead field
type RuleOperator string

const (
	OperatorEquals      RuleOperator = "equals"
	OperatorNotEquals   RuleOperator = "not_equals"
	OperatorContains    RuleOperator = "contains"
	OperatorNotContains RuleOperator = "not_contains"
	OperatorStartsWith  RuleOperator = "starts_with"
	OperatorEndsWith    RuleOperator = "ends_with"
	OperatorRegexMatch  RuleOperator = "regex_match"
	OperatorGT          RuleOperator = "gt"
	OperatorLT          RuleOperator = "lt"
	OperatorGTE         RuleOperator = "gte"
	OperatorLTE         RuleOperator = "lte"
	OperatorBetween     RuleOperator = "between"
	OperatorInList      RuleOperator = "in_list"
	OperatorNotInList   RuleOperator = "not_in_list"
	OperatorIsEmpty     RuleOperator = "is_empty"
	OperatorIsNotEmpty  RuleOperator = "is_not_empty"
	OperatorExpression  RuleOperator = "expression" // CEL expression over the whole lead
)

// RuleAction is the side effect applied when a standalone rule matches
type RuleAction string

const (
	ActionAccept       RuleAction = "accept"
	ActionReject       RuleAction = "reject"
	ActionPriorityHigh RuleAction = "priority_high"
	ActionPriorityLow  RuleAction = "priority_low"
	ActionAutoRespond  RuleAction = "auto_respond"
	ActionNotify       RuleAction = "notify"
	ActionTag          RuleAction = "tag"
	ActionAssign       RuleAction = "assign"
)

// LogicOperator combines member rule results of a rule set
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
	LogicNot LogicOperator = "NOT" // negates the first member rule only
)

// Rule is a single declarative condition on a lead field
type Rule struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	Name            string       `gorm:"size:255;not null" json:"name"`
	Description     string       `gorm:"type:text" json:"description"`
	FieldName       string       `gorm:"size:100" json:"field_name"`
	Operator        RuleOperator `gorm:"size:30;not null" json:"operator"`
	Value           string       `gorm:"type:text" json:"value"`
	ValueList       StringSlice  `gorm:"type:json" json:"value_list"`
	MinValue        *float64     `json:"min_value"`
	MaxValue        *float64     `json:"max_value"`
	RegexPattern    string       `gorm:"type:text" json:"regex_pattern"`
	Expression      string       `gorm:"type:text" json:"expression"`
	Action          RuleAction   `gorm:"size:30;not null" json:"action"`
	ActionConfig    JSON         `gorm:"type:json" json:"action_config"`
	Priority        int          `gorm:"index" json:"priority"` // lower sorts first
	IsActive        bool         `gorm:"index" json:"is_active"`
	EvaluationCount int64        `json:"evaluation_count"`
	MatchCount      int64        `json:"match_count"`
	LastMatchedAt   *time.Time   `json:"last_matched_at"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// RuleSet is a named, ordered collection of rules combined with a logic operator
type RuleSet struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	Name            string        `gorm:"size:255;not null" json:"name"`
	Description     string        `gorm:"type:text" json:"description"`
	LogicOperator   LogicOperator `gorm:"size:10;not null" json:"logic_operator"`
	Priority        int           `gorm:"index" json:"priority"`
	IsActive        bool          `gorm:"index" json:"is_active"`
	EvaluationCount int64         `json:"evaluation_count"`
	MatchCount      int64         `json:"match_count"`
	LastMatchedAt   *time.Time    `json:"last_matched_at"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// RuleSetRule is the ordered join between rule sets and rules
type RuleSetRule struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	RuleSetID  uint `gorm:"uniqueIndex:idx_rule_set_rule;not null" json:"rule_set_id"`
	RuleID     uint `gorm:"uniqueIndex:idx_rule_set_rule;index;not null" json:"rule_id"`
	OrderIndex int  `json:"order_index"`
}

// RuleExecution is an append-only audit row for one rule or rule set evaluated against one lead
type RuleExecution struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RuleID          *uint     `gorm:"index" json:"rule_id"`
	RuleSetID       *uint     `gorm:"index" json:"rule_set_id"`
	LeadID          uint      `gorm:"index" json:"lead_id"`
	Matched         bool      `json:"matched"`
	EvaluationData  JSON      `gorm:"type:json" json:"evaluation_data"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message"`
	ActionTaken     string    `gorm:"size:30" json:"action_taken"`
	ActionSucceeded *bool     `json:"action_succeeded"`
	ExecutedAt      time.Time `gorm:"index" json:"executed_at"`
}

// ExcludeListType selects which lead field a block-list applies to
type ExcludeListType string

const (
	ExcludeEmail   ExcludeListType = "email"
	ExcludePhone   ExcludeListType = "phone"
	ExcludeKeyword ExcludeListType = "keyword"
	ExcludeDomain  ExcludeListType = "domain"
)

// MatchType selects how an exclude list item is compared
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchPartial MatchType = "partial"
	MatchRegex   MatchType = "regex"
)

// ExcludeList is a named block-list; a match rejects the lead before any rule runs
type ExcludeList struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	Name            string            `gorm:"size:255;not null" json:"name"`
	Description     string            `gorm:"type:text" json:"description"`
	ListType        ExcludeListType   `gorm:"size:20;not null" json:"list_type"`
	MatchType       MatchType         `gorm:"size:20;not null" json:"match_type"`
	IsCaseSensitive bool              `json:"is_case_sensitive"`
	IsActive        bool              `gorm:"index" json:"is_active"`
	MatchCount      int64             `json:"match_count"`
	LastMatchedAt   *time.Time        `json:"last_matched_at"`
	Items           []ExcludeListItem `gorm:"foreignKey:ExcludeListID" json:"items,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExcludeListItem is a single blocked value or pattern
type ExcludeListItem struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ExcludeListID uint       `gorm:"index;not null" json:"exclude_list_id"`
	Value         string     `gorm:"size:500;not null" json:"value"`
	Pattern       string     `gorm:"type:text" json:"pattern"` // regex lists
	Reason        string     `gorm:"size:255" json:"reason"`
	MatchCount    int64      `json:"match_count"`
	LastMatchedAt *time.Time `json:"last_matched_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
