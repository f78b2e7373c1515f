package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Rule configures one breaker.
type Rule struct {
	// probes let through while half-open (0 is treated as 1 by gobreaker)
	MaxRequests uint32 `mapstructure:"max_requests"`

	// closed-state counting window
	Interval time.Duration `mapstructure:"interval"`

	// > 0 enables a rolling window with buckets of this size
	BucketPeriod time.Duration `mapstructure:"bucket_period"`

	// how long the breaker stays open before going half-open
	Timeout time.Duration `mapstructure:"timeout"`

	// trip on either condition
	TripConsecutiveFailures uint32  `mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `mapstructure:"trip_failure_rate"`
	TripMinRequests         uint32  `mapstructure:"trip_min_requests"`
}

// Manager hands out one named breaker per protected dependency.
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule

	// IsSuccessful decides which errors count against the breaker. nil counts every error.
	IsSuccessful func(err error) bool
	// OnStateChange observes transitions, e.g. to export a gauge.
	OnStateChange func(name string, from, to gobreaker.State)
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	// fast path
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},
	}
	if m.IsSuccessful != nil {
		st.IsSuccessful = m.IsSuccessful
	}
	if m.OnStateChange != nil {
		st.OnStateChange = m.OnStateChange
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[name] = cb
	return cb
}

// IsOpen reports whether err is the breaker refusing the call rather than the call failing.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
