// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// HealthState is the portal's view of the schema and model store.
type HealthState string

const (
	StateHealthy     HealthState = "healthy"
	StateDegraded    HealthState = "degraded"
	StateUnavailable HealthState = "unavailable"
)

func (s HealthState) rank() int {
	switch s {
	case StateDegraded:
		return 1
	case StateUnavailable:
		return 2
	default:
		return 0
	}
}

// Op names an object store operation the portal issues.
type Op string

const (
	OpGet   Op = "get"
	OpList  Op = "list"
	OpCheck Op = "check"
)

var ops = []Op{OpGet, OpList, OpCheck}

// HealthConfig tunes how request outcomes turn into a state. Each operation
// is judged on its own outcomes within Window.
type HealthConfig struct {
	Window time.Duration
	// SlowAfter marks a successful request as slow.
	SlowAfter time.Duration
	// DegradedRatio of failed or slow requests degrades an operation.
	DegradedRatio float64
	// FailedRatio of failed requests makes an operation unavailable.
	FailedRatio float64
	// FailureStreak consecutive failures make an operation unavailable
	// regardless of ratio.
	FailureStreak int
	// MinRequests is the number of outcomes needed before ratios apply.
	MinRequests int
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = time.Second
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = 0.25
	}
	if c.FailedRatio <= 0 {
		c.FailedRatio = 0.75
	}
	if c.FailureStreak <= 0 {
		c.FailureStreak = 3
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 4
	}
	return c
}

// HealthMonitor tracks get, list and check outcomes separately. The overall
// state is the worst operation state.
type HealthMonitor struct {
	cfg HealthConfig
	now func() time.Time

	mu      sync.Mutex
	stats   map[Op]*opStats
	overall HealthState
	since   time.Time
}

type outcome struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

type opStats struct {
	outcomes  []outcome
	streak    int
	lastError string
	lastFail  time.Time
}

// OpSnapshot summarises one operation within the window.
type OpSnapshot struct {
	State        HealthState `json:"state"`
	Requests     int         `json:"requests"`
	Failures     int         `json:"failures"`
	Slow         int         `json:"slow"`
	MaxLatencyMS int64       `json:"max_latency_ms"`
	LastError    string      `json:"last_error,omitempty"`
	LastFailure  *time.Time  `json:"last_failure,omitempty"`
}

// HealthSnapshot is served under /healthz.
type HealthSnapshot struct {
	State      HealthState       `json:"state"`
	Since      time.Time         `json:"since"`
	Operations map[Op]OpSnapshot `json:"operations"`
}

// NewHealthMonitor builds a monitor; zero config fields take defaults.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	m := &HealthMonitor{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		stats:   make(map[Op]*opStats, len(ops)),
		overall: StateHealthy,
	}
	for _, op := range ops {
		m.stats[op] = &opStats{}
	}
	m.since = m.now()
	return m
}

// Record adds the outcome of one request.
func (m *HealthMonitor) Record(op Op, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st, ok := m.stats[op]
	if !ok {
		st = &opStats{}
		m.stats[op] = st
	}
	st.outcomes = append(st.outcomes, outcome{at: now, latency: latency, failed: err != nil})
	if err != nil {
		st.streak++
		st.lastError = err.Error()
		st.lastFail = now
	} else {
		st.streak = 0
	}
	m.refreshLocked(now)
}

// State returns the worst state across operations.
func (m *HealthMonitor) State() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked(m.now())
	return m.overall
}

// Snapshot returns the overall state and per-operation figures.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.refreshLocked(now)
	snap := HealthSnapshot{State: m.overall, Since: m.since, Operations: make(map[Op]OpSnapshot, len(m.stats))}
	for op, st := range m.stats {
		s := OpSnapshot{State: m.judge(st), Requests: len(st.outcomes), LastError: st.lastError}
		for _, o := range st.outcomes {
			if o.failed {
				s.Failures++
			} else if o.latency >= m.cfg.SlowAfter {
				s.Slow++
			}
			if ms := o.latency.Milliseconds(); ms > s.MaxLatencyMS {
				s.MaxLatencyMS = ms
			}
		}
		if !st.lastFail.IsZero() {
			at := st.lastFail
			s.LastFailure = &at
		}
		snap.Operations[op] = s
	}
	return snap
}

// refreshLocked drops outcomes older than the window and recomputes the
// overall state, moving since only when the state changes.
func (m *HealthMonitor) refreshLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	worst := StateHealthy
	for _, st := range m.stats {
		keep := 0
		for keep < len(st.outcomes) && !st.outcomes[keep].at.After(cutoff) {
			keep++
		}
		if keep > 0 {
			st.outcomes = append(st.outcomes[:0], st.outcomes[keep:]...)
		}
		if len(st.outcomes) == 0 {
			st.streak = 0
		}
		if s := m.judge(st); s.rank() > worst.rank() {
			worst = s
		}
	}
	if worst != m.overall {
		m.overall = worst
		m.since = now
	}
}

func (m *HealthMonitor) judge(st *opStats) HealthState {
	if st.streak >= m.cfg.FailureStreak {
		return StateUnavailable
	}
	total := len(st.outcomes)
	if total < m.cfg.MinRequests {
		if st.streak > 0 {
			return StateDegraded
		}
		return StateHealthy
	}
	var failed, slow int
	for _, o := range st.outcomes {
		if o.failed {
			failed++
		} else if o.latency >= m.cfg.SlowAfter {
			slow++
		}
	}
	failRatio := float64(failed) / float64(total)
	switch {
	case failRatio >= m.cfg.FailedRatio:
		return StateUnavailable
	case failRatio+float64(slow)/float64(total) >= m.cfg.DegradedRatio:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Monitored wraps store so every request feeds monitor. A missing object
// or a cancelled request counts as a success.
func Monitored(store ObjectStore, monitor *HealthMonitor) ObjectStore {
	return &monitoredStore{next: store, monitor: monitor}
}

type monitoredStore struct {
	next    ObjectStore
	monitor *HealthMonitor
}

func (s *monitoredStore) observe(op Op, start time.Time, err error) {
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, context.Canceled) {
		err = nil
	}
	s.monitor.Record(op, time.Since(start), err)
}

func (s *monitoredStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.next.GetObject(ctx, key)
	s.observe(OpGet, start, err)
	return data, err
}

func (s *monitoredStore) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	dirs, err := s.next.ListDirs(ctx, prefix)
	s.observe(OpList, start, err)
	return dirs, err
}

func (s *monitoredStore) CheckBucket(ctx context.Context) error {
	start := time.Now()
	err := s.next.CheckBucket(ctx)
	s.observe(OpCheck, start, err)
	return err
}
