package models

import (
	"time"
)

// NotificationStatus tracks fan-out delivery
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationPartial   NotificationStatus = "partial"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification types emitted by the core
const (
	NotificationRuleMatch   = "rule_match"
	NotificationScheduleRun = "schedule_execution"
	NotificationDigest      = "lead_digest"
)

// Notification is an operator-facing message delivered to one or more channels
type Notification struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	Type        string             `gorm:"size:50;index" json:"type"`
	Title       string             `gorm:"size:255;not null" json:"title"`
	Message     string             `gorm:"type:text" json:"message"`
	Priority    string             `gorm:"size:20" json:"priority"` // low, medium, high
	Channels    StringSlice        `gorm:"type:json" json:"channels"`
	Data        JSON               `gorm:"type:json" json:"data"`
	Status      NotificationStatus `gorm:"size:20;index" json:"status"`
	IsRead      bool               `gorm:"index" json:"is_read"`
	DeliveredAt *time.Time         `json:"delivered_at"`
	CreatedAt   time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
}

// ResponseTemplate is the body used for an auto-response
type ResponseTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Subject   string    `gorm:"size:255" json:"subject"`
	Body      string    `gorm:"type:text" json:"body"` // text/template over the lead
	UseAI     bool      `json:"use_ai"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AutoResponseStatus tracks an outbound auto-response
type AutoResponseStatus string

const (
	AutoResponsePending AutoResponseStatus = "pending"
	AutoResponseSent    AutoResponseStatus = "sent"
	AutoResponseFailed  AutoResponseStatus = "failed"
)

// AutoResponse is an outbound reply queued for a lead
type AutoResponse struct {
	ID           uint               `gorm:"primaryKey" json:"id"`
	LeadID       uint               `gorm:"index;not null" json:"lead_id"`
	TemplateID   uint               `gorm:"index;not null" json:"template_id"`
	Status       AutoResponseStatus `gorm:"size:20;index" json:"status"`
	ScheduledFor time.Time          `gorm:"index" json:"scheduled_for"`
	SentAt       *time.Time         `json:"sent_at"`
	Subject      string             `gorm:"size:255" json:"subject"`
	Body         string             `gorm:"type:text" json:"body"`
	ErrorMessage string             `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time          `gorm:"autoCreateTime" json:"created_at"`
}
