package rss

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/leadflow/internal/config"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/source"
	"github.com/leadflow/pkg/logger"
)

// MaxItemAge drops listings older than this
const MaxItemAge = 7 * 24 * time.Hour

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	pricePattern = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{2}))?`)
)

// Source implements LeadSource for RSS listing feeds
type Source struct {
	name   string
	url    string
	parser *gofeed.Parser
	log    *logger.Logger
	now    func() time.Time
}

// New creates a new RSS source for a single feed
func New(feed config.RSSFeed, log *logger.Logger) *Source {
	return &Source{
		name:   feed.Name,
		url:    feed.URL,
		parser: gofeed.NewParser(),
		log:    log.WithSource("rss", feed.Name),
		now:    time.Now,
	}
}

// NewMultiple creates multiple RSS sources from config
func NewMultiple(cfg config.RSSConfig, log *logger.Logger) []*Source {
	sources := make([]*Source, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		sources = append(sources, New(feed, log))
	}
	return sources
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Type returns "rss"
func (s *Source) Type() string {
	return "rss"
}

// Fetch retrieves listings from the RSS feed
func (s *Source) Fetch(ctx context.Context) ([]*models.Lead, error) {
	s.log.Debug().Str("url", s.url).Msg("Fetching RSS feed")

	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSS feed %s: %w", s.name, err)
	}

	leads := s.toLeads(feed)

	s.log.Info().
		Int("count", len(leads)).
		Msg("Fetched RSS leads")

	return leads, nil
}

func (s *Source) toLeads(feed *gofeed.Feed) []*models.Lead {
	now := s.now().UTC()
	leads := make([]*models.Lead, 0, len(feed.Items))

	for _, item := range feed.Items {
		if item.Link == "" && item.GUID == "" {
			continue
		}

		var postedAt *time.Time
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			if now.Sub(t) > MaxItemAge {
				continue
			}
			postedAt = &t
		}

		description := cleanText(item.Description)
		if description == "" {
			description = cleanText(item.Content)
		}
		body := item.Title + " " + description

		key := item.Link
		if key == "" {
			key = item.GUID
		}

		lead := &models.Lead{
			ExternalID:  source.GenerateExternalID("rss", key),
			Source:      "rss",
			Title:       cleanText(item.Title),
			Description: description,
			URL:         item.Link,
			Email:       emailPattern.FindString(body),
			Phone:       phonePattern.FindString(body),
			Price:       extractPrice(body),
			Status:      models.LeadStatusNew,
			PostedAt:    postedAt,
			Tags:        models.StringSlice(item.Categories),
			Attributes: models.JSON{
				"feed": s.name,
				"guid": item.GUID,
			},
		}
		if item.Author != nil {
			lead.ContactName = item.Author.Name
			if lead.Email == "" {
				lead.Email = item.Author.Email
			}
		}

		leads = append(leads, lead)
	}

	return leads
}

// HealthCheck verifies the RSS feed is accessible
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.parser.ParseURLWithContext(s.url, ctx)
	return err
}

// extractPrice returns the first dollar amount in text
func extractPrice(text string) *float64 {
	m := pricePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	num := strings.ReplaceAll(m[1], ",", "")
	if m[2] != "" {
		num += "." + m[2]
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil
	}
	return &v
}

// cleanText removes HTML tags and extra whitespace
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "<br>", " ")
	text = strings.ReplaceAll(text, "<br/>", " ")
	text = strings.ReplaceAll(text, "<br />", " ")
	text = strings.ReplaceAll(text, "</p>", " ")
	text = strings.ReplaceAll(text, "<p>", "")

	// Remove remaining HTML tags
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
		} else if r == '>' {
			inTag = false
		} else if !inTag {
			result.WriteRune(r)
		}
	}

	text = result.String()
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimSpace(text)
}

// Ensure Source implements source.LeadSource
var _ source.LeadSource = (*Source)(nil)
