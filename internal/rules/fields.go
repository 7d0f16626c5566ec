package rules

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leadflow/internal/models"
)

// Computed fields take priority over lead attributes with the same name.
const (
	FieldAgeHours          = "age_hours"
	FieldTitleLength       = "title_length"
	FieldDescriptionLength = "description_length"
	FieldHasEmail          = "has_email"
	FieldHasPhone          = "has_phone"
)

type computedField func(lead *models.Lead, now time.Time) interface{}

var computedFields = map[string]computedField{
	FieldAgeHours: func(l *models.Lead, now time.Time) interface{} {
		ref := l.ReferenceTime()
		if ref.IsZero() {
			return nil
		}
		return now.Sub(ref).Hours()
	},
	FieldTitleLength: func(l *models.Lead, _ time.Time) interface{} {
		return utf8.RuneCountInString(l.Title)
	},
	FieldDescriptionLength: func(l *models.Lead, _ time.Time) interface{} {
		return utf8.RuneCountInString(l.Description)
	},
	FieldHasEmail: func(l *models.Lead, _ time.Time) interface{} {
		return strings.TrimSpace(l.Email) != ""
	},
	FieldHasPhone: func(l *models.Lead, _ time.Time) interface{} {
		return strings.TrimSpace(l.Phone) != ""
	},
}

type leadAttribute func(lead *models.Lead) interface{}

var leadAttributes = map[string]leadAttribute{
	"id":           func(l *models.Lead) interface{} { return l.ID },
	"external_id":  func(l *models.Lead) interface{} { return l.ExternalID },
	"source":       func(l *models.Lead) interface{} { return l.Source },
	"title":        func(l *models.Lead) interface{} { return l.Title },
	"description":  func(l *models.Lead) interface{} { return l.Description },
	"url":          func(l *models.Lead) interface{} { return l.URL },
	"email":        func(l *models.Lead) interface{} { return l.Email },
	"phone":        func(l *models.Lead) interface{} { return l.Phone },
	"contact_name": func(l *models.Lead) interface{} { return l.ContactName },
	"company":      func(l *models.Lead) interface{} { return l.Company },
	"status":       func(l *models.Lead) interface{} { return string(l.Status) },
	"is_processed": func(l *models.Lead) interface{} { return l.IsProcessed },
	"assigned_to":  func(l *models.Lead) interface{} { return l.AssignedTo },
	"tags": func(l *models.Lead) interface{} {
		if len(l.Tags) == 0 {
			return nil
		}
		return []string(l.Tags)
	},
	"price": func(l *models.Lead) interface{} {
		if l.Price == nil {
			return nil
		}
		return *l.Price
	},
	"posted_at": func(l *models.Lead) interface{} {
		if l.PostedAt == nil {
			return nil
		}
		return *l.PostedAt
	},
	"created_at": func(l *models.Lead) interface{} { return l.CreatedAt },
	"category.name": func(l *models.Lead) interface{} {
		if l.Category == nil {
			return nil
		}
		return l.Category.Name
	},
	"category.slug": func(l *models.Lead) interface{} {
		if l.Category == nil {
			return nil
		}
		return l.Category.Slug
	},
	"location.name": func(l *models.Lead) interface{} {
		if l.Location == nil {
			return nil
		}
		return l.Location.Name
	},
	"location.city": func(l *models.Lead) interface{} {
		if l.Location == nil {
			return nil
		}
		return l.Location.City
	},
	"location.state": func(l *models.Lead) interface{} {
		if l.Location == nil {
			return nil
		}
		return l.Location.State
	},
}

const attributesPrefix = "attributes."

// IsKnownField reports whether a field name resolves to a computed field,
// a lead attribute or an attributes.<key> path.
func IsKnownField(name string) bool {
	if _, ok := computedFields[name]; ok {
		return true
	}
	if _, ok := leadAttributes[name]; ok {
		return true
	}
	return strings.HasPrefix(name, attributesPrefix) && len(name) > len(attributesPrefix)
}

// ResolveField looks up name on the lead. found is false only for names no
// accessor knows about; a known field whose value (or any parent link) is
// missing resolves to (nil, true).
func ResolveField(lead *models.Lead, name string, now time.Time) (value interface{}, found bool) {
	if lead == nil {
		return nil, false
	}
	if fn, ok := computedFields[name]; ok {
		return fn(lead, now), true
	}
	if fn, ok := leadAttributes[name]; ok {
		return fn(lead), true
	}
	if strings.HasPrefix(name, attributesPrefix) && len(name) > len(attributesPrefix) {
		return walkPath(map[string]interface{}(lead.Attributes), strings.Split(name[len(attributesPrefix):], ".")), true
	}
	return nil, false
}

func walkPath(m map[string]interface{}, path []string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		next, ok := cur.(map[string]interface{})
		if !ok || next == nil {
			return nil
		}
		cur, ok = next[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// snapshot captures the values a rule saw, for the audit log
func snapshot(lead *models.Lead, field string, value interface{}, found bool) models.JSON {
	data := models.JSON{
		"field_name": field,
		"found":      found,
		"value":      value,
	}
	if lead != nil {
		data["lead_id"] = lead.ID
		data["status"] = string(lead.Status)
	}
	return data
}
