package source

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

// LeadSource defines the interface for lead discovery sources
type LeadSource interface {
	// Name returns the unique name of this source
	Name() string

	// Type returns the source type (rss, craigslist, google_maps)
	Type() string

	// Fetch retrieves leads from the source
	Fetch(ctx context.Context) ([]*models.Lead, error)

	// HealthCheck verifies the source is accessible
	HealthCheck(ctx context.Context) error
}

// GenerateExternalID creates a unique ID for a lead based on source and URL
func GenerateExternalID(sourceType, url string) string {
	data := fmt.Sprintf("%s:%s", sourceType, url)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:16]) // Use first 16 bytes (32 hex chars)
}

// Manager manages multiple lead sources
type Manager struct {
	mu      sync.RWMutex
	sources []LeadSource
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// NewManager creates a new source manager. limiter may be nil.
func NewManager(limiter *ratelimit.MultiLimiter, log *logger.Logger) *Manager {
	return &Manager{
		sources: make([]LeadSource, 0),
		limiter: limiter,
		log:     log.WithComponent("sources"),
	}
}

// Register adds a source to the manager
func (m *Manager) Register(source LeadSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
}

// GetSources returns all registered sources
func (m *Manager) GetSources() []LeadSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LeadSource(nil), m.sources...)
}

// GetSourceByName returns a source by name
func (m *Manager) GetSourceByName(name string) LeadSource {
	for _, s := range m.GetSources() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// selectSources resolves names or types to sources. An empty list selects all.
func (m *Manager) selectSources(names []string) ([]LeadSource, error) {
	all := m.GetSources()
	if len(names) == 0 {
		return all, nil
	}

	var selected []LeadSource
	seen := make(map[string]bool)
	for _, name := range names {
		found := false
		for _, s := range all {
			if s.Name() != name && s.Type() != name {
				continue
			}
			found = true
			if !seen[s.Name()] {
				seen[s.Name()] = true
				selected = append(selected, s)
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown lead source %q", name)
		}
	}
	return selected, nil
}

// Collect fetches leads from the named sources concurrently. A failing source
// does not discard leads from the others; its error is joined into the result.
func (m *Manager) Collect(ctx context.Context, names []string) ([]*models.Lead, error) {
	sources, err := m.selectSources(names)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	type result struct {
		leads []*models.Lead
		err   error
	}

	results := make(chan result, len(sources))

	for _, source := range sources {
		go func(s LeadSource) {
			if m.limiter != nil && m.limiter.Has(ratelimit.LimiterSource) {
				if err := m.limiter.Wait(ctx, ratelimit.LimiterSource); err != nil {
					results <- result{err: fmt.Errorf("%s: rate limit error: %w", s.Name(), err)}
					return
				}
			}
			leads, err := s.Fetch(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", s.Name(), err)
			}
			results <- result{leads: leads, err: err}
		}(source)
	}

	var allLeads []*models.Lead
	var errs []error

	for range sources {
		r := <-results
		if r.err != nil {
			m.log.Warn().Err(r.err).Msg("Lead source failed")
			errs = append(errs, r.err)
		} else {
			allLeads = append(allLeads, r.leads...)
		}
	}

	return allLeads, errors.Join(errs...)
}
