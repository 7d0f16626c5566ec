package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/config"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/source"
	"github.com/leadflow/pkg/logger"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Gigs</title>
  <item>
    <title>Need a website ASAP</title>
    <link>https://example.org/gigs/1</link>
    <guid>gig-1</guid>
    <description>&lt;p&gt;Budget $1,200.50, call 512-555-0142 or mail jo@acme.co&lt;/p&gt;</description>
    <category>web</category>
    <pubDate>Mon, 03 Jun 2024 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Old listing</title>
    <link>https://example.org/gigs/0</link>
    <pubDate>Mon, 01 Jan 2024 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>No link</title>
  </item>
</channel>
</rss>`

func newTestSource(t *testing.T) *Source {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	t.Cleanup(srv.Close)

	s := New(config.RSSFeed{Name: "gigs", URL: srv.URL}, logger.Nop())
	s.now = func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestFetch(t *testing.T) {
	s := newTestSource(t)

	leads, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, leads, 1, "stale and unlinked items are dropped")

	lead := leads[0]
	assert.Equal(t, source.GenerateExternalID("rss", "https://example.org/gigs/1"), lead.ExternalID)
	assert.Equal(t, "rss", lead.Source)
	assert.Equal(t, "Need a website ASAP", lead.Title)
	assert.Equal(t, "Budget $1,200.50, call 512-555-0142 or mail jo@acme.co", lead.Description)
	assert.Equal(t, "jo@acme.co", lead.Email)
	assert.Equal(t, "512-555-0142", lead.Phone)
	require.NotNil(t, lead.Price)
	assert.InDelta(t, 1200.50, *lead.Price, 0.001)
	assert.Equal(t, models.LeadStatusNew, lead.Status)
	assert.Equal(t, models.StringSlice{"web"}, lead.Tags)
	assert.Equal(t, "gigs", lead.Attributes["feed"])
	require.NotNil(t, lead.PostedAt)
	assert.Equal(t, time.UTC, lead.PostedAt.Location())

	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestFetchBadFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	s := New(config.RSSFeed{Name: "broken", URL: srv.URL}, logger.Nop())
	_, err := s.Fetch(context.Background())
	assert.Error(t, err)
}

func TestExtractPrice(t *testing.T) {
	p := extractPrice("paying $500 flat")
	require.NotNil(t, p)
	assert.Equal(t, 500.0, *p)

	p = extractPrice("$ 12,000 budget")
	require.NotNil(t, p)
	assert.Equal(t, 12000.0, *p)

	assert.Nil(t, extractPrice("rate negotiable"))
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "one two three", cleanText("<p>one</p><br/>two   <i>three</i>"))
}
