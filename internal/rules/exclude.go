package rules

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
)

// ExcludeStore is the persistence the exclude processor needs
type ExcludeStore interface {
	ListActiveExcludeLists(ctx context.Context) ([]*models.ExcludeList, error)
	RecordExcludeMatch(ctx context.Context, listID, itemID uint, at time.Time) error
}

// ExcludeProcessor checks leads against block-lists
type ExcludeProcessor struct {
	store ExcludeStore
	log   *logger.Logger
	now   func() time.Time

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

// NewExcludeProcessor creates an exclude processor
func NewExcludeProcessor(store ExcludeStore, log *logger.Logger) *ExcludeProcessor {
	return &ExcludeProcessor{
		store:   store,
		log:     log.WithComponent("exclude"),
		now:     func() time.Time { return time.Now().UTC() },
		regexes: make(map[string]*regexp.Regexp),
	}
}

// IsExcluded returns whether the lead matches any item of any active list.
// The first matching item wins and has its counters bumped.
func (p *ExcludeProcessor) IsExcluded(ctx context.Context, lead *models.Lead) (bool, string, error) {
	lists, err := p.store.ListActiveExcludeLists(ctx)
	if err != nil {
		return false, "", fmt.Errorf("failed to load exclude lists: %w", err)
	}

	for _, list := range lists {
		candidates := excludeCandidates(list.ListType, lead)
		if len(candidates) == 0 {
			continue
		}
		for i := range list.Items {
			item := &list.Items[i]
			if !p.itemMatches(list, item, candidates) {
				continue
			}

			if err := p.store.RecordExcludeMatch(ctx, list.ID, item.ID, p.now()); err != nil {
				p.log.Warn().Err(err).Uint("list_id", list.ID).Uint("item_id", item.ID).Msg("Failed to record exclude match")
			}
			return true, fmt.Sprintf("Excluded by %s: %s", list.Name, item.Value), nil
		}
	}

	return false, "", nil
}

// excludeCandidates returns the lead values a list type is compared against
func excludeCandidates(listType models.ExcludeListType, lead *models.Lead) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	switch listType {
	case models.ExcludeEmail:
		add(lead.Email)
	case models.ExcludePhone:
		add(lead.Phone)
	case models.ExcludeKeyword:
		add(strings.TrimSpace(lead.Title + " " + lead.Description))
	case models.ExcludeDomain:
		if at := strings.LastIndex(lead.Email, "@"); at >= 0 {
			add(lead.Email[at+1:])
		}
		if lead.URL != "" {
			if u, err := url.Parse(lead.URL); err == nil {
				add(strings.TrimPrefix(u.Hostname(), "www."))
			}
		}
	}
	return out
}

func (p *ExcludeProcessor) itemMatches(list *models.ExcludeList, item *models.ExcludeListItem, candidates []string) bool {
	needle := item.Value
	if list.MatchType == models.MatchRegex && item.Pattern != "" {
		needle = item.Pattern
	}
	if strings.TrimSpace(needle) == "" {
		return false
	}

	for _, candidate := range candidates {
		if p.matchOne(list, needle, candidate) {
			return true
		}
	}
	return false
}

func (p *ExcludeProcessor) matchOne(list *models.ExcludeList, needle, value string) bool {
	if list.MatchType == models.MatchRegex {
		re, err := p.regex(needle, list.IsCaseSensitive)
		if err != nil {
			p.log.Warn().Err(err).Uint("list_id", list.ID).Msg("Skipping invalid exclude pattern")
			return false
		}
		return re.MatchString(value)
	}

	if list.ListType == models.ExcludePhone {
		needle, value = digitsOnly(needle), digitsOnly(value)
		if needle == "" {
			return false
		}
	}

	if list.ListType == models.ExcludeKeyword && list.MatchType == models.MatchExact {
		// Word boundaries that also hold for needles starting or ending in punctuation, e.g. "c++"
		re, err := p.regex(`(?:^|\W)`+regexp.QuoteMeta(needle)+`(?:$|\W)`, list.IsCaseSensitive)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}

	if !list.IsCaseSensitive {
		needle, value = strings.ToLower(needle), strings.ToLower(value)
	}

	switch list.MatchType {
	case models.MatchExact:
		return value == needle
	case models.MatchPartial:
		return strings.Contains(value, needle)
	}
	return false
}

func (p *ExcludeProcessor) regex(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}

	p.mu.RLock()
	re, ok := p.regexes[pattern]
	p.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.regexes[pattern] = re
	p.mu.Unlock()
	return re, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
