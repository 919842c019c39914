// Package odometer tracks token usage. An in-memory layer answers live
// queries; a durable layer batches events into a shared SQL table.
package odometer

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// TokenEvent is the unit of usage telemetry, one per provider response.
type TokenEvent struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TimestampS   int64  `json:"timestamp_s"`
	Host         string `json:"host"`
}

// NewTokenEvent builds an event with host and timestamp filled in.
func NewTokenEvent(provider, model string, inputTokens, outputTokens int) TokenEvent {
	host, _ := os.Hostname()
	return TokenEvent{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TimestampS:   time.Now().Unix(),
		Host:         host,
	}
}

func (e TokenEvent) date() string {
	return time.Unix(e.TimestampS, 0).UTC().Format("2006-01-02")
}

// Usage is an aggregate of token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Events       int `json:"events"`
}

func (u *Usage) add(e TokenEvent) {
	u.InputTokens += e.InputTokens
	u.OutputTokens += e.OutputTokens
	u.Events++
}

// Stats is a snapshot of the in-memory aggregates.
type Stats struct {
	Totals     Usage            `json:"totals"`
	ByProvider map[string]Usage `json:"by_provider"`
	ByModel    map[string]Usage `json:"by_model"`
	ByDate     map[string]Usage `json:"by_date"`
}

// String renders the snapshot for human display.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tokens: %d in / %d out over %d calls\n",
		s.Totals.InputTokens, s.Totals.OutputTokens, s.Totals.Events)

	providers := make([]string, 0, len(s.ByProvider))
	for p := range s.ByProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		u := s.ByProvider[p]
		fmt.Fprintf(&b, "  %-12s %d in / %d out (%d calls)\n",
			p, u.InputTokens, u.OutputTokens, u.Events)
	}
	return b.String()
}

// MemoryOdometer accumulates events in process memory. Safe for concurrent
// use.
type MemoryOdometer struct {
	mu         sync.RWMutex
	events     []TokenEvent
	totals     Usage
	byProvider map[string]Usage
	byModel    map[string]Usage
	byDate     map[string]Usage
}

func NewMemoryOdometer() *MemoryOdometer {
	return &MemoryOdometer{
		byProvider: make(map[string]Usage),
		byModel:    make(map[string]Usage),
		byDate:     make(map[string]Usage),
	}
}

func (m *MemoryOdometer) Record(e TokenEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)
	m.totals.add(e)

	u := m.byProvider[e.Provider]
	u.add(e)
	m.byProvider[e.Provider] = u

	u = m.byModel[e.Model]
	u.add(e)
	m.byModel[e.Model] = u

	u = m.byDate[e.date()]
	u.add(e)
	m.byDate[e.date()] = u
}

func (m *MemoryOdometer) GetProviderBreakdown() map[string]Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyUsageMap(m.byProvider)
}

func (m *MemoryOdometer) GetModelBreakdown() map[string]Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyUsageMap(m.byModel)
}

// GetDailyUsage reports the aggregate for one date ("YYYY-MM-DD").
func (m *MemoryOdometer) GetDailyUsage(date string) Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byDate[date]
}

// GetRecentActivity returns the events recorded within the last N hours,
// oldest first.
func (m *MemoryOdometer) GetRecentActivity(hours int) []TokenEvent {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var recent []TokenEvent
	for _, e := range m.events {
		if e.TimestampS >= cutoff {
			recent = append(recent, e)
		}
	}
	return recent
}

func (m *MemoryOdometer) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Totals:     m.totals,
		ByProvider: copyUsageMap(m.byProvider),
		ByModel:    copyUsageMap(m.byModel),
		ByDate:     copyUsageMap(m.byDate),
	}
}

func copyUsageMap(src map[string]Usage) map[string]Usage {
	dst := make(map[string]Usage, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
