package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
)

type excludeMatch struct{ listID, itemID uint }

type memExcludeStore struct {
	mu      sync.Mutex
	lists   []*models.ExcludeList
	matches []excludeMatch
	err     error
}

func (s *memExcludeStore) ListActiveExcludeLists(context.Context) ([]*models.ExcludeList, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.ExcludeList
	for _, l := range s.lists {
		if l.IsActive {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memExcludeStore) RecordExcludeMatch(_ context.Context, listID, itemID uint, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, excludeMatch{listID, itemID})
	return nil
}

func excludeList(id uint, name string, lt models.ExcludeListType, mt models.MatchType, caseSensitive bool, values ...string) *models.ExcludeList {
	list := &models.ExcludeList{ID: id, Name: name, ListType: lt, MatchType: mt, IsCaseSensitive: caseSensitive, IsActive: true}
	for i, v := range values {
		list.Items = append(list.Items, models.ExcludeListItem{ID: id*100 + uint(i), ExcludeListID: id, Value: v})
	}
	return list
}

func TestIsExcluded(t *testing.T) {
	tests := []struct {
		name   string
		list   *models.ExcludeList
		lead   models.Lead
		want   bool
		reason string
	}{
		{
			name:   "keyword partial case-insensitive",
			list:   excludeList(1, "spam", models.ExcludeKeyword, models.MatchPartial, false, "spam"),
			lead:   models.Lead{Title: "Great SPAM deal"},
			want:   true,
			reason: "Excluded by spam: spam",
		},
		{
			name: "keyword partial case-sensitive",
			list: excludeList(1, "spam", models.ExcludeKeyword, models.MatchPartial, true, "spam"),
			lead: models.Lead{Title: "Great SPAM deal"},
		},
		{
			name:   "keyword exact is a whole word",
			list:   excludeList(1, "words", models.ExcludeKeyword, models.MatchExact, false, "mlm"),
			lead:   models.Lead{Title: "Join our MLM team"},
			want:   true,
			reason: "Excluded by words: mlm",
		},
		{
			name: "keyword exact does not match inside a word",
			list: excludeList(1, "words", models.ExcludeKeyword, models.MatchExact, false, "mlm"),
			lead: models.Lead{Title: "Html developer", Description: "no mlmx here"},
		},
		{
			name:   "keyword exact with trailing punctuation",
			list:   excludeList(1, "stack", models.ExcludeKeyword, models.MatchExact, false, "c++"),
			lead:   models.Lead{Title: "Senior C++ developer"},
			want:   true,
			reason: "Excluded by stack: c++",
		},
		{
			name:   "keyword exact with leading punctuation",
			list:   excludeList(1, "stack", models.ExcludeKeyword, models.MatchExact, false, ".net"),
			lead:   models.Lead{Title: "Need .NET help"},
			want:   true,
			reason: "Excluded by stack: .net",
		},
		{
			name: "keyword exact punctuation needle inside a word",
			list: excludeList(1, "stack", models.ExcludeKeyword, models.MatchExact, false, "c++"),
			lead: models.Lead{Title: "c++x toolkit"},
		},
		{
			name:   "keyword searches description",
			list:   excludeList(1, "words", models.ExcludeKeyword, models.MatchPartial, false, "crypto"),
			lead:   models.Lead{Title: "Website", Description: "paid in Crypto only"},
			want:   true,
			reason: "Excluded by words: crypto",
		},
		{
			name:   "email exact folds case",
			list:   excludeList(2, "blocked", models.ExcludeEmail, models.MatchExact, false, "Bad@Example.com"),
			lead:   models.Lead{Email: "bad@example.com"},
			want:   true,
			reason: "Excluded by blocked: Bad@Example.com",
		},
		{
			name:   "phone compares digits only",
			list:   excludeList(3, "phones", models.ExcludePhone, models.MatchExact, false, "(555) 123-4567"),
			lead:   models.Lead{Phone: "555.123.4567"},
			want:   true,
			reason: "Excluded by phones: (555) 123-4567",
		},
		{
			name:   "domain from email",
			list:   excludeList(4, "domains", models.ExcludeDomain, models.MatchExact, false, "spammy.io"),
			lead:   models.Lead{Email: "x@spammy.io"},
			want:   true,
			reason: "Excluded by domains: spammy.io",
		},
		{
			name:   "domain from url host",
			list:   excludeList(4, "domains", models.ExcludeDomain, models.MatchExact, false, "spammy.io"),
			lead:   models.Lead{URL: "https://www.spammy.io/post/1"},
			want:   true,
			reason: "Excluded by domains: spammy.io",
		},
		{
			name:   "regex",
			list:   excludeList(5, "patterns", models.ExcludeEmail, models.MatchRegex, false, `^noreply@`),
			lead:   models.Lead{Email: "NoReply@corp.com"},
			want:   true,
			reason: "Excluded by patterns: ^noreply@",
		},
		{
			name: "empty field never matches",
			list: excludeList(2, "blocked", models.ExcludeEmail, models.MatchPartial, false, "example"),
			lead: models.Lead{Title: "example"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memExcludeStore{lists: []*models.ExcludeList{tt.list}}
			p := NewExcludeProcessor(store, logger.Nop())

			lead := tt.lead
			excluded, reason, err := p.IsExcluded(context.Background(), &lead)
			require.NoError(t, err)
			assert.Equal(t, tt.want, excluded)
			assert.Equal(t, tt.reason, reason)
			if tt.want {
				assert.Len(t, store.matches, 1)
			} else {
				assert.Empty(t, store.matches)
			}
		})
	}
}

func TestIsExcludedFirstMatchWins(t *testing.T) {
	first := excludeList(1, "first", models.ExcludeKeyword, models.MatchPartial, false, "nothing", "deal")
	second := excludeList(2, "second", models.ExcludeKeyword, models.MatchPartial, false, "deal")
	inactive := excludeList(0, "inactive", models.ExcludeKeyword, models.MatchPartial, false, "deal")
	inactive.IsActive = false

	store := &memExcludeStore{lists: []*models.ExcludeList{inactive, first, second}}
	p := NewExcludeProcessor(store, logger.Nop())

	excluded, reason, err := p.IsExcluded(context.Background(), &models.Lead{Title: "big deal"})
	require.NoError(t, err)
	assert.True(t, excluded)
	assert.Equal(t, "Excluded by first: deal", reason)
	assert.Equal(t, []excludeMatch{{1, 101}}, store.matches)
}

func TestIsExcludedStoreError(t *testing.T) {
	p := NewExcludeProcessor(&memExcludeStore{err: errors.New("db down")}, logger.Nop())
	excluded, _, err := p.IsExcluded(context.Background(), &models.Lead{Title: "x"})
	assert.Error(t, err)
	assert.False(t, excluded)
}
