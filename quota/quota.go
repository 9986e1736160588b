// Package quota implements sliding-window admission control with per-agent
// budget fractions and latency-based adaptive throttling.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Priority of a quota request. Urgent requests may overrun an agent's quota
// by 20%; nothing overruns the global budget.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// ErrDenied is wrapped by Allow when a request exceeds the agent or global
// budget. Callers queue or retry later; this is not a failure of the task.
var ErrDenied = errors.New("quota exceeded")

// GlobalKey is the counter key tracking requests across all agents.
const GlobalKey = "__global__"

// CounterStore is a sorted-by-time counter: insert with TTL, count newer
// than a cutoff. Expired entries are excluded by the range query and removed
// by Reap.
type CounterStore interface {
	Insert(key string, at time.Time, ttl time.Duration) error
	CountSince(key string, cutoff time.Time) (int, error)
	Reap(now time.Time) error
}

// Config tunes the ledger. Zero values fall back to defaults.
type Config struct {
	GlobalBudget    int           // requests per window across all agents (default 100)
	Window          time.Duration // trailing window (default 1h)
	DefaultFraction float64       // initial per-agent fraction of the budget (default 0.2)
	CeilingFraction float64       // adaptive growth cap (default 0.5)
	HighLatency     time.Duration // above this EMA the fraction shrinks (default 10s)
	LowLatency      time.Duration // below this EMA the fraction grows (default 2s)
}

func (c Config) withDefaults() Config {
	if c.GlobalBudget <= 0 {
		c.GlobalBudget = 100
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.DefaultFraction <= 0 {
		c.DefaultFraction = 0.2
	}
	if c.CeilingFraction <= 0 {
		c.CeilingFraction = 0.5
	}
	if c.HighLatency <= 0 {
		c.HighLatency = 10 * time.Second
	}
	if c.LowLatency <= 0 {
		c.LowLatency = 2 * time.Second
	}
	return c
}

// Ledger answers admission queries and records usage over a sliding window.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	store     CounterStore
	fractions map[string]float64       // current adaptive fraction per agent
	latency   map[string]time.Duration // EMA response latency per agent
	now       func() time.Time
}

// New creates a Ledger over the given counter store.
func New(cfg Config, store CounterStore) *Ledger {
	return &Ledger{
		cfg:       cfg.withDefaults(),
		store:     store,
		fractions: make(map[string]float64),
		latency:   make(map[string]time.Duration),
		now:       time.Now,
	}
}

// Limit returns the agent's current request limit within the window.
func (l *Ledger) Limit(agent string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked(agent)
}

func (l *Ledger) limitLocked(agent string) int {
	return int(l.fractionLocked(agent) * float64(l.cfg.GlobalBudget))
}

func (l *Ledger) fractionLocked(agent string) float64 {
	if f, ok := l.fractions[agent]; ok {
		return f
	}
	return l.cfg.DefaultFraction
}

// Allow reports whether the agent may make a request right now. A denial
// wraps ErrDenied; any other error means the counter store failed and the
// caller decides how to degrade.
func (l *Ledger) Allow(agent string, p Priority) error {
	cutoff := l.now().Add(-l.cfg.Window)

	global, err := l.store.CountSince(GlobalKey, cutoff)
	if err != nil {
		return fmt.Errorf("count global requests: %w", err)
	}
	if global >= l.cfg.GlobalBudget {
		return fmt.Errorf("global budget %d reached: %w", l.cfg.GlobalBudget, ErrDenied)
	}

	count, err := l.store.CountSince(agent, cutoff)
	if err != nil {
		return fmt.Errorf("count agent requests: %w", err)
	}
	limit := l.Limit(agent)
	if p == PriorityUrgent {
		limit = limit * 120 / 100
	}
	if count >= limit {
		return fmt.Errorf("agent %s at %d/%d requests in window: %w", agent, count, limit, ErrDenied)
	}
	return nil
}

// Record appends a timestamped entry to the agent's and the global window.
// Entries carry a TTL of twice the window so expired rows age out of the
// store even without reaping.
func (l *Ledger) Record(agent string) error {
	at := l.now()
	ttl := 2 * l.cfg.Window
	if err := l.store.Insert(agent, at, ttl); err != nil {
		return fmt.Errorf("record agent request: %w", err)
	}
	if err := l.store.Insert(GlobalKey, at, ttl); err != nil {
		return fmt.Errorf("record global request: %w", err)
	}
	return nil
}

// Observe feeds a response latency sample into the agent's moving average
// (0.9 old / 0.1 new) and adapts the agent's quota fraction: a slow agent
// self-limits by 10%, a fast one recovers by 5% up to the ceiling.
func (l *Ledger) Observe(agent string, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ema, ok := l.latency[agent]
	if !ok {
		ema = latency
	} else {
		ema = time.Duration(float64(ema)*0.9 + float64(latency)*0.1)
	}
	l.latency[agent] = ema

	frac := l.fractionLocked(agent)
	switch {
	case ema > l.cfg.HighLatency:
		frac *= 0.9
	case ema < l.cfg.LowLatency:
		frac *= 1.05
		if frac > l.cfg.CeilingFraction {
			frac = l.cfg.CeilingFraction
		}
	}
	l.fractions[agent] = frac
}

// Latency returns the agent's current EMA latency.
func (l *Ledger) Latency(agent string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latency[agent]
}

// Usage reports the agent's request count in the trailing window alongside
// its current limit.
func (l *Ledger) Usage(agent string) (count, limit int, err error) {
	count, err = l.store.CountSince(agent, l.now().Add(-l.cfg.Window))
	if err != nil {
		return 0, 0, fmt.Errorf("count agent requests: %w", err)
	}
	return count, l.Limit(agent), nil
}
