package models

import (
	"time"
)

// LeadStatus represents the qualification state of a lead
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusHot       LeadStatus = "hot"
	LeadStatusCold      LeadStatus = "cold"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusRejected  LeadStatus = "rejected"
	LeadStatusContacted LeadStatus = "contacted"
)

// Category groups leads by listing category (e.g. "gigs", "services")
type Category struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:100;not null" json:"name"`
	Slug string `gorm:"size:100;uniqueIndex" json:"slug"`
}

// Location is the market a lead was scraped from
type Location struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Name  string `gorm:"size:100;not null" json:"name"`
	City  string `gorm:"size:100" json:"city"`
	State string `gorm:"size:50" json:"state"`
}

// Lead is a scraped job/business listing evaluated by the rule engine
type Lead struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	ExternalID  string      `gorm:"uniqueIndex;not null" json:"external_id"` // Hash of source + URL
	Source      string      `gorm:"size:50;index" json:"source"`            // craigslist, linkedin, google_maps, rss
	Title       string      `gorm:"not null" json:"title"`
	Description string      `gorm:"type:text" json:"description"`
	URL         string      `json:"url"`
	Email       string      `gorm:"size:255;index" json:"email"`
	Phone       string      `gorm:"size:50" json:"phone"`
	ContactName string      `gorm:"size:255" json:"contact_name"`
	Company     string      `gorm:"size:255" json:"company"`
	Price       *float64    `json:"price"`
	Status      LeadStatus  `gorm:"size:20;index" json:"status"`
	IsProcessed bool        `gorm:"index" json:"is_processed"`
	ProcessedAt *time.Time  `json:"processed_at"`
	PostedAt    *time.Time  `json:"posted_at"`
	Tags        StringSlice `gorm:"type:json" json:"tags"`
	AssignedTo  string      `gorm:"size:255" json:"assigned_to"`
	CategoryID  *uint       `gorm:"index" json:"category_id"`
	Category    *Category   `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
	LocationID  *uint       `gorm:"index" json:"location_id"`
	Location    *Location   `gorm:"foreignKey:LocationID" json:"location,omitempty"`
	Attributes  JSON        `gorm:"type:json" json:"attributes"` // Source-specific extra fields
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsNew returns true if the lead has not been classified yet
func (l *Lead) IsNew() bool {
	return l.Status == "" || l.Status == LeadStatusNew
}

// ReferenceTime is the timestamp age-based rules measure from
func (l *Lead) ReferenceTime() time.Time {
	if l.PostedAt != nil {
		return *l.PostedAt
	}
	return l.CreatedAt
}

// AddTag appends a tag if it is not already present. Returns true if the tag was added.
func (l *Lead) AddTag(tag string) bool {
	if tag == "" || l.Tags.Contains(tag) {
		return false
	}
	l.Tags = append(l.Tags, tag)
	return true
}
