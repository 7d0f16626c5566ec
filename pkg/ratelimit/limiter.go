package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages multiple rate limiters for different outbound services
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for a service
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Has reports whether a limiter with the given name is registered
func (m *MultiLimiter) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.limiters[name]
	return ok
}

// Wait blocks until the limiter allows an event
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now. Unknown names are always allowed.
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return true
	}

	return limiter.Allow()
}

// Default rate limiter names
const (
	LimiterAnthropic    = "anthropic"
	LimiterAutoResponse = "auto_response"
	LimiterSource       = "source"
	LimiterSheets       = "sheets"
)

// NotificationLimiter returns the limiter name for a notification channel
func NotificationLimiter(channel string) string {
	return "notify:" + channel
}

// Limits holds per-service rates, expressed the way operators configure them
type Limits struct {
	AnthropicPerMinute    int
	AutoResponsePerMinute int
	SourcePerHour         int
	NotificationPerMinute int
	NotificationChannels  []string
}

// NewDefaultLimiter creates a limiter with default rate limits
func NewDefaultLimiter() *MultiLimiter {
	return NewLimiter(Limits{
		AnthropicPerMinute:    10,
		AutoResponsePerMinute: 30,
		SourcePerHour:         60,
		NotificationPerMinute: 60,
		NotificationChannels:  []string{"in_app", "log"},
	})
}

// NewLimiter creates a limiter from configured limits
func NewLimiter(l Limits) *MultiLimiter {
	m := NewMultiLimiter()

	// Anthropic: N requests per minute, burst 2
	m.AddLimiter(LimiterAnthropic, perMinute(l.AnthropicPerMinute, 10), 2)

	m.AddLimiter(LimiterAutoResponse, perMinute(l.AutoResponsePerMinute, 30), 5)

	// Listing feeds: be polite, burst 10
	sourcePerHour := l.SourcePerHour
	if sourcePerHour <= 0 {
		sourcePerHour = 60
	}
	m.AddLimiter(LimiterSource, float64(sourcePerHour)/3600, 10)

	// Sheets API write quota is 60/min per user
	m.AddLimiter(LimiterSheets, 1, 10)

	for _, ch := range l.NotificationChannels {
		m.AddLimiter(NotificationLimiter(ch), perMinute(l.NotificationPerMinute, 60), 10)
	}

	return m
}

func perMinute(n, fallback int) float64 {
	if n <= 0 {
		n = fallback
	}
	return float64(n) / 60
}
